package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"campus-import/internal/config"
	"campus-import/internal/importer"
	"campus-import/internal/models"
)

// MappingStore is the mapping persistence the coordinator depends on.
type MappingStore interface {
	GetByID(ctx context.Context, id string) (*models.ImportMapping, error)
	ListByEstablishment(ctx context.Context, establishmentID string) ([]models.ImportMapping, error)
}

// BatchStore is the batch/file/staging-row persistence the coordinator
// depends on.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch *models.ImportBatch) error
	CreateFile(ctx context.Context, file *models.ImportFile) error
	BulkInsertRows(ctx context.Context, rows []models.StagingStudentRow) error
	GetByID(ctx context.Context, id string) (*models.ImportBatch, error)
	// FindByChecksum returns (nil, nil) when no live batch staged this
	// exact file for the tenant and school year.
	FindByChecksum(ctx context.Context, establishmentID, checksum, schoolYear string) (*models.ImportBatch, error)
	GetFile(ctx context.Context, batchID string) (*models.ImportFile, error)
	SetMapping(ctx context.Context, batchID, mappingID string) error
	UpdateStatus(ctx context.Context, batchID string, status models.BatchStatus) error
	MarkFailed(ctx context.Context, batchID, reason string) error
	SetFinished(ctx context.Context, batchID string, at time.Time) error
	UpdateCounters(ctx context.Context, batchID string, total, valid, errorRows int) error
	CountRowsByStatus(ctx context.Context, batchID string) (map[models.RowStatus]int, error)
	GetRowsByStatus(ctx context.Context, batchID string, status models.RowStatus, limit, offset int) ([]models.StagingStudentRow, error)
	GetValidRows(ctx context.Context, batchID string) ([]models.StagingStudentRow, error)
	UpdateRowNormalization(ctx context.Context, row *models.StagingStudentRow) error
	UpdateRowValidation(ctx context.Context, row *models.StagingStudentRow) error
	UpdateRowCommitOutcome(ctx context.Context, row *models.StagingStudentRow) error
}

// StudentStore persists students and guards the identity-key space.
type StudentStore interface {
	importer.StudentDirectory
	// CreateWithAccount creates the backing login account and the student
	// profile atomically with the row.
	CreateWithAccount(ctx context.Context, establishmentID, schoolYear string, payload map[string]string) (*models.StudentRef, error)
	// UpdateProfile updates an existing student's mutable fields, never
	// its identity keys.
	UpdateProfile(ctx context.Context, establishmentID string, ref *models.StudentRef, schoolYear string, payload map[string]string) error
	HasCommittedHash(ctx context.Context, establishmentID, schoolYear, hash string) (bool, error)
	RecordCommittedHash(ctx context.Context, rec *models.CommittedRowHash) error
	// AcquireTenantLock serializes commit phases touching one tenant's
	// identity-key space; ReleaseTenantLock must always follow.
	AcquireTenantLock(ctx context.Context, establishmentID string, timeout time.Duration) error
	ReleaseTenantLock(ctx context.Context, establishmentID string) error
}

// CommitLogStore persists the append-only audit log.
type CommitLogStore interface {
	Create(ctx context.Context, log *models.ImportCommitLog) error
	// GetByBatch returns (nil, nil) when the batch has no log yet.
	GetByBatch(ctx context.Context, batchID string) (*models.ImportCommitLog, error)
}

// ProgressStore tracks live progress and operator cancellation requests.
type ProgressStore interface {
	SetProgress(ctx context.Context, batchID string, done, total int) error
	IsCancelled(ctx context.Context, batchID string) (bool, error)
	RequestCancel(ctx context.Context, batchID string) error
}

// ImportService is the batch coordinator: it owns the batch lifecycle,
// drives rows through normalize -> validate -> dedup and performs the final
// commit transaction.
type ImportService struct {
	batches    BatchStore
	mappings   MappingStore
	students   StudentStore
	commitLogs CommitLogStore
	catalog    importer.CatalogReader
	progress   ProgressStore
	files      *FileService
	cfg        *config.Config
	log        *logrus.Logger
}

func NewImportService(
	batches BatchStore,
	mappings MappingStore,
	students StudentStore,
	commitLogs CommitLogStore,
	catalog importer.CatalogReader,
	progress ProgressStore,
	files *FileService,
	cfg *config.Config,
	log *logrus.Logger,
) *ImportService {
	return &ImportService{
		batches:    batches,
		mappings:   mappings,
		students:   students,
		commitLogs: commitLogs,
		catalog:    catalog,
		progress:   progress,
		files:      files,
		cfg:        cfg,
		log:        log,
	}
}

// CreateBatchInput is the upload request after the handler has read the
// multipart form.
type CreateBatchInput struct {
	EstablishmentID  string
	CreatedBy        string
	SourceType       models.SourceType
	OriginalFilename string
	SchoolYear       string
	DedupStrategy    models.DedupStrategy
	MappingID        string // empty requests auto-detection
	Data             []byte
	StoragePath      string
	Checksum         string
}

// CreateBatch parses the upload, creates the batch with its file record and
// stages every source row as pending.
func (s *ImportService) CreateBatch(ctx context.Context, in CreateBatchInput) (*models.ImportBatch, error) {
	if !in.SourceType.IsValid() {
		return nil, fmt.Errorf("unsupported source type %q", in.SourceType)
	}
	if err := importer.ValidateSchoolYear(in.SchoolYear); err != nil {
		return nil, err
	}
	if in.DedupStrategy == "" {
		in.DedupStrategy = models.DedupEmailPhoneMatricule
	}
	if !in.DedupStrategy.IsValid() {
		return nil, fmt.Errorf("unknown dedup strategy %q", in.DedupStrategy)
	}

	// Re-upload detection: the same file for the same tenant and school
	// year resolves to the batch it already staged.
	if in.Checksum != "" {
		existing, err := s.batches.FindByChecksum(ctx, in.EstablishmentID, in.Checksum, in.SchoolYear)
		if err != nil {
			return nil, fmt.Errorf("checksum lookup failed: %w", err)
		}
		if existing != nil {
			s.log.WithFields(logrus.Fields{
				"batch_id": existing.ID,
				"checksum": in.Checksum,
			}).Info("file already staged, returning existing batch")
			return existing, nil
		}
	}

	var mappingID *string
	if in.MappingID != "" {
		mapping, err := s.mappings.GetByID(ctx, in.MappingID)
		if err != nil {
			return nil, fmt.Errorf("mapping lookup failed: %w", err)
		}
		if mapping == nil || mapping.EstablishmentID != in.EstablishmentID {
			return nil, fmt.Errorf("mapping %s does not belong to this establishment", in.MappingID)
		}
		mappingID = &mapping.ID
	}

	parsed, err := s.files.Parse(in.SourceType, in.Data)
	if err != nil {
		return nil, err
	}

	batch := &models.ImportBatch{
		ID:               uuid.New().String(),
		EstablishmentID:  in.EstablishmentID,
		CreatedBy:        in.CreatedBy,
		SourceType:       in.SourceType,
		OriginalFilename: in.OriginalFilename,
		SchoolYear:       in.SchoolYear,
		Status:           models.BatchUploaded,
		MappingID:        mappingID,
		DedupStrategy:    in.DedupStrategy,
		TotalRows:        len(parsed.Rows),
		StartedAt:        time.Now(),
	}
	if err := s.batches.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	file := &models.ImportFile{
		ID:             uuid.New().String(),
		BatchID:        batch.ID,
		StoragePath:    in.StoragePath,
		ChecksumSHA256: in.Checksum,
		Encoding:       parsed.Encoding,
		Delimiter:      parsed.Delimiter,
		SheetName:      parsed.SheetName,
		RowsCount:      len(parsed.Rows),
		Headers:        parsed.Headers,
		UploadedAt:     time.Now(),
	}
	if err := s.batches.CreateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to record import file: %w", err)
	}

	rows := make([]models.StagingStudentRow, 0, len(parsed.Rows))
	for i, raw := range parsed.Rows {
		rows = append(rows, models.StagingStudentRow{
			ID:       uuid.New().String(),
			BatchID:  batch.ID,
			RowIndex: i + 1, // explicit 1-based index, unique per batch
			Raw:      models.JSONMap(raw),
			Status:   models.RowPending,
		})
	}
	if len(rows) > 0 {
		if err := s.batches.BulkInsertRows(ctx, rows); err != nil {
			return nil, fmt.Errorf("failed to stage rows: %w", err)
		}
	}

	return batch, nil
}

// RunPipeline drives a batch from its current state up to ready_to_commit.
// Re-entry after a crash resumes from the persisted batch status and per-row
// statuses; terminal batches are a no-op.
func (s *ImportService) RunPipeline(ctx context.Context, batchID string) error {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Status.IsTerminal() || batch.Status == models.BatchReady {
		s.log.WithField("batch_id", batchID).WithField("status", batch.Status).
			Info("batch already processed, skipping")
		return nil
	}

	plan, err := s.resolvePlan(ctx, batch)
	if err != nil {
		// Resolution-time errors are batch-fatal: fail fast before any
		// row work begins.
		var incomplete *importer.MappingIncompleteError
		var ambiguous *importer.MappingAmbiguousError
		if errors.As(err, &incomplete) || errors.As(err, &ambiguous) {
			s.failBatch(ctx, batch, err.Error())
			return nil
		}
		return err
	}

	if batch.Status == models.BatchUploaded {
		if err := s.transition(ctx, batch, models.BatchMapped); err != nil {
			return err
		}
	}

	if batch.Status == models.BatchMapped {
		if err := s.normalizeStage(ctx, batch, plan); err != nil {
			return err
		}
		if err := s.transition(ctx, batch, models.BatchNormalized); err != nil {
			return err
		}
	}

	if batch.Status == models.BatchNormalized {
		if err := s.validateStage(ctx, batch, plan); err != nil {
			return err
		}
		if err := s.transition(ctx, batch, models.BatchValidated); err != nil {
			return err
		}
	}

	if batch.Status == models.BatchValidated {
		counts, err := s.recomputeCounters(ctx, batch)
		if err != nil {
			return err
		}
		if counts[models.RowPending] > 0 {
			return fmt.Errorf("batch %s still has %d pending rows", batch.ID, counts[models.RowPending])
		}
		if counts[models.RowValid] == 0 {
			s.failBatch(ctx, batch, "no valid rows after validation")
			return nil
		}
		if err := s.transition(ctx, batch, models.BatchReady); err != nil {
			return err
		}
	}

	return nil
}

// resolvePlan resolves the batch's mapping against the detected headers.
// With no mapping selected it auto-detects: the newest tenant mapping that
// resolves cleanly wins.
func (s *ImportService) resolvePlan(ctx context.Context, batch *models.ImportBatch) (*importer.Plan, error) {
	file, err := s.batches.GetFile(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load import file: %w", err)
	}

	if batch.MappingID != nil {
		mapping, err := s.mappings.GetByID(ctx, *batch.MappingID)
		if err != nil {
			return nil, fmt.Errorf("failed to load mapping: %w", err)
		}
		return importer.ResolvePlan(mapping, file.Headers)
	}

	candidates, err := s.mappings.ListByEstablishment(ctx, batch.EstablishmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	var lastErr error
	for i := range candidates {
		plan, err := importer.ResolvePlan(&candidates[i], file.Headers)
		if err != nil {
			lastErr = err
			continue
		}
		if err := s.batches.SetMapping(ctx, batch.ID, candidates[i].ID); err != nil {
			return nil, err
		}
		batch.MappingID = &candidates[i].ID
		return plan, nil
	}
	if lastErr == nil {
		lastErr = &importer.MappingIncompleteError{Missing: []string{"no mapping defined for establishment"}}
	}
	return nil, lastErr
}

func (s *ImportService) normalizeStage(ctx context.Context, batch *models.ImportBatch, plan *importer.Plan) error {
	return s.eachRowByStatus(ctx, batch.ID, models.RowPending, func(row *models.StagingStudentRow) error {
		result := importer.NormalizeRow(plan, row.Raw)
		row.Normalized = models.JSONMap(result.Payload)
		row.RowHash = result.Hash
		row.Status = models.RowNormalized
		row.Errors = markersToErrors(result.Markers)
		return s.batches.UpdateRowNormalization(ctx, row)
	})
}

func (s *ImportService) validateStage(ctx context.Context, batch *models.ImportBatch, plan *importer.Plan) error {
	rules := importer.TenantRules{EstablishmentID: batch.EstablishmentID}
	return s.eachRowByStatus(ctx, batch.ID, models.RowNormalized, func(row *models.StagingStudentRow) error {
		markers := errorsToMarkers(row.Errors)
		violations, err := importer.ValidateRow(ctx, row.Normalized, markers, plan.Required, rules, s.catalog)
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			row.Status = models.RowValid
			row.Errors = nil
		} else {
			row.Status = models.RowErrored
			row.Errors = violations
		}
		return s.batches.UpdateRowValidation(ctx, row)
	})
}

// eachRowByStatus walks all rows currently in the given status in
// row_index order, chunked to bound memory on large files.
func (s *ImportService) eachRowByStatus(ctx context.Context, batchID string, status models.RowStatus,
	fn func(*models.StagingStudentRow) error) error {

	chunk := s.cfg.RowBatchSize
	if chunk <= 0 {
		chunk = 2000
	}
	for {
		rows, err := s.batches.GetRowsByStatus(ctx, batchID, status, chunk, 0)
		if err != nil {
			return fmt.Errorf("failed to fetch %s rows: %w", status, err)
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(&rows[i]); err != nil {
				return err
			}
		}
	}
}

// transition moves the batch to the next state, recomputing the counters
// from the authoritative row table. An illegal move is a BatchStateError and
// leaves persisted state untouched.
func (s *ImportService) transition(ctx context.Context, batch *models.ImportBatch, next models.BatchStatus) error {
	if !batch.Status.CanTransitionTo(next) {
		return &importer.BatchStateError{From: string(batch.Status), To: string(next)}
	}
	if _, err := s.recomputeCounters(ctx, batch); err != nil {
		return err
	}
	if err := s.batches.UpdateStatus(ctx, batch.ID, next); err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"from":     batch.Status,
		"to":       next,
	}).Info("batch transition")
	batch.Status = next
	return nil
}

func (s *ImportService) recomputeCounters(ctx context.Context, batch *models.ImportBatch) (map[models.RowStatus]int, error) {
	counts, err := s.batches.CountRowsByStatus(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	valid := counts[models.RowValid]
	errorRows := counts[models.RowErrored]
	if err := s.batches.UpdateCounters(ctx, batch.ID, total, valid, errorRows); err != nil {
		return nil, fmt.Errorf("failed to update counters: %w", err)
	}
	batch.TotalRows = total
	batch.ValidRows = valid
	batch.ErrorRows = errorRows
	return counts, nil
}

func (s *ImportService) failBatch(ctx context.Context, batch *models.ImportBatch, reason string) {
	s.log.WithField("batch_id", batch.ID).WithField("reason", reason).Warn("batch failed")
	if err := s.batches.MarkFailed(ctx, batch.ID, reason); err != nil {
		s.log.WithError(err).Error("failed to persist batch failure")
	}
	batch.Status = models.BatchFailed
	batch.FailureReason = reason
}

// Cancel requests row-granular cancellation of a running commit.
func (s *ImportService) Cancel(ctx context.Context, batchID string) error {
	return s.progress.RequestCancel(ctx, batchID)
}

func markersToErrors(markers map[string]string) models.RowErrorList {
	if len(markers) == 0 {
		return nil
	}
	out := make(models.RowErrorList, 0, len(markers))
	for field, msg := range markers {
		out = append(out, models.RowError{Field: field, Code: models.ErrCodeUnparsable, Message: msg})
	}
	return out
}

func errorsToMarkers(errs models.RowErrorList) map[string]string {
	markers := make(map[string]string)
	for _, e := range errs {
		if e.Code == models.ErrCodeUnparsable {
			markers[e.Field] = e.Message
		}
	}
	return markers
}
