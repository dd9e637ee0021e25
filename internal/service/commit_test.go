package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"campus-import/internal/config"
	"campus-import/internal/importer"
	"campus-import/internal/models"
	"campus-import/internal/repository"
)

// readyBatch seeds a batch in ready_to_commit with the given valid rows
// already normalized and hashed, as the pipeline would leave them.
func readyBatch(stores *testStores, payloads ...map[string]string) *models.ImportBatch {
	batch := &models.ImportBatch{
		ID:              "batch-1",
		EstablishmentID: "est-1",
		SchoolYear:      "2025-2026",
		Status:          models.BatchReady,
		DedupStrategy:   models.DedupEmailPhoneMatricule,
	}
	stores.batches.CreateBatch(context.Background(), batch)

	var rows []models.StagingStudentRow
	for i, payload := range payloads {
		rows = append(rows, models.StagingStudentRow{
			ID:         payload["matricule"] + "-row",
			BatchID:    batch.ID,
			RowIndex:   i + 1,
			Normalized: models.JSONMap(payload),
			Status:     models.RowValid,
			RowHash:    importer.RowHash(payload),
		})
	}
	stores.batches.BulkInsertRows(context.Background(), rows)
	return batch
}

func studentPayload(name, email, matricule string) map[string]string {
	return map[string]string{
		"full_name": name,
		"email":     email,
		"matricule": matricule,
	}
}

func TestCommit_CreatesAndUpdatesUnderTenantLock(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores,
		studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"),
		studentPayload("Ana Biya", "ana@school.cm", "MAT-2"),
	)
	// Ana already exists; her row becomes an update.
	stores.students.addStudent(&models.StudentRef{ProfileID: "p-ana", Email: "ana@school.cm"})

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if log.CreatedStudents != 1 || log.UpdatedStudents != 1 || log.SkippedRows != 0 {
		t.Errorf("expected 1 created / 1 updated / 0 skipped, got %d / %d / %d",
			log.CreatedStudents, log.UpdatedStudents, log.SkippedRows)
	}
	if len(stores.students.created) != 1 {
		t.Errorf("expected exactly one create, got %d", len(stores.students.created))
	}
	if len(stores.students.updated) != 1 || stores.students.updated[0] != "p-ana" {
		t.Errorf("expected update of p-ana, got %v", stores.students.updated)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchCommitted {
		t.Errorf("expected committed, got %s", stored.Status)
	}
	if stored.FinishedAt == nil {
		t.Error("finished_at must be set")
	}
	if stores.students.lockAcquired != 1 || stores.students.lockReleased != 1 {
		t.Errorf("tenant lock must be acquired and released exactly once, got %d / %d",
			stores.students.lockAcquired, stores.students.lockReleased)
	}
	if len(log.PreviewSample) != 2 {
		t.Fatalf("expected 2 preview rows, got %d", len(log.PreviewSample))
	}
	if strings.Contains(log.PreviewSample[0].Email, "school.cm") {
		t.Errorf("preview must be anonymized, got %q", log.PreviewSample[0].Email)
	}
}

func TestCommit_RecommitIsNoOp(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores, studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"))

	first, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("first Commit failed: %v", err)
	}
	second, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("second Commit failed: %v", err)
	}

	if second.ID != first.ID {
		t.Error("recommit must return the existing log, not write a new one")
	}
	if len(stores.students.created) != 1 {
		t.Errorf("recommit must not create students again, got %d creates", len(stores.students.created))
	}
}

func TestCommit_NotReadyIsStateError(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores, studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"))
	stores.batches.batches[batch.ID].Status = models.BatchNormalized

	_, err := svc.Commit(context.Background(), batch.ID)
	var stateErr *importer.BatchStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected BatchStateError, got %v", err)
	}
}

func TestCommit_DuplicateHashWithinBatchSkipped(t *testing.T) {
	svc, stores := newTestImportService()
	payload := studentPayload("Jean Kamga", "jean@school.cm", "MAT-1")
	batch := readyBatch(stores, payload)

	// Second row with the identical normalized payload.
	duplicate := models.StagingStudentRow{
		ID:         "dup-row",
		BatchID:    batch.ID,
		RowIndex:   2,
		Normalized: models.JSONMap(payload),
		Status:     models.RowValid,
		RowHash:    importer.RowHash(payload),
	}
	stores.batches.BulkInsertRows(context.Background(), []models.StagingStudentRow{duplicate})

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if log.CreatedStudents != 1 || log.SkippedRows != 1 {
		t.Errorf("expected 1 created / 1 skipped, got %d / %d", log.CreatedStudents, log.SkippedRows)
	}
	if got := stores.batches.rows["dup-row"].Disposition; got != models.DispositionSkipped {
		t.Errorf("expected skipped disposition, got %q", got)
	}
}

func TestCommit_CrossBatchHashSkipped(t *testing.T) {
	svc, stores := newTestImportService()
	payload := studentPayload("Jean Kamga", "jean@school.cm", "MAT-1")
	batch := readyBatch(stores, payload)

	// An earlier batch for the same tenant and school year already
	// committed this exact payload.
	stores.students.committedHashes[hashKey("est-1", "2025-2026", importer.RowHash(payload))] = true

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if log.CreatedStudents != 0 || log.SkippedRows != 1 {
		t.Errorf("expected 0 created / 1 skipped, got %d / %d", log.CreatedStudents, log.SkippedRows)
	}
}

func TestCommit_DedupConflictBecomesErrorRow(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores,
		studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"),
		studentPayload("Ana Biya", "ana@school.cm", "MAT-2"),
	)
	// Row 2's email and matricule point at two different students.
	stores.students.addStudent(&models.StudentRef{ProfileID: "p-ana", Email: "ana@school.cm"})
	stores.students.byMatricule["MAT-2"] = &models.StudentRef{ProfileID: "p-ben", Matricule: "MAT-2"}

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("a conflict row must not abort the commit: %v", err)
	}
	if log.CreatedStudents != 1 {
		t.Errorf("the clean row must still commit, got %d created", log.CreatedStudents)
	}

	row := stores.batches.rows["MAT-2-row"]
	if row.Disposition != models.DispositionConflict || row.Status != models.RowErrored {
		t.Errorf("expected conflict/error, got %s/%s", row.Disposition, row.Status)
	}
	found := false
	for _, e := range row.Errors {
		if e.Code == models.ErrCodeDedup {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a dedup_conflict error entry, got %v", row.Errors)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchCommitted {
		t.Errorf("batch must still commit, got %s", stored.Status)
	}
	if stored.ErrorRows != 1 {
		t.Errorf("conflict row must count as an error row, got %d", stored.ErrorRows)
	}
}

func TestCommit_RetriesOnceOnLostUniquenessRace(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores, studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"))

	// First create loses the race; by the retry the winner is visible and
	// the row becomes an update.
	stores.students.createErrs = []error{repository.ErrDuplicateKey}
	stores.students.raceWinner = &models.StudentRef{ProfileID: "p-winner", Email: "jean@school.cm"}

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if log.UpdatedStudents != 1 || log.CreatedStudents != 0 {
		t.Errorf("expected the retry to update the winner, got %d created / %d updated",
			log.CreatedStudents, log.UpdatedStudents)
	}
	if len(stores.students.updated) != 1 || stores.students.updated[0] != "p-winner" {
		t.Errorf("expected update of p-winner, got %v", stores.students.updated)
	}
}

func TestCommit_CancellationWritesPartialLog(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores,
		studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"),
		studentPayload("Ana Biya", "ana@school.cm", "MAT-2"),
		studentPayload("Paul Etoo", "paul@school.cm", "MAT-3"),
	)
	// Cancel after the first row commits.
	stores.progress.cancelAfter = 1

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("cancelled Commit must still return the partial log: %v", err)
	}
	if log.CreatedStudents != 1 {
		t.Errorf("expected 1 created before cancellation, got %d", log.CreatedStudents)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchFailed {
		t.Fatalf("cancelled batch must fail, got %s", stored.Status)
	}
	if !strings.Contains(stored.FailureReason, "cancelled before row 2") {
		t.Errorf("failure reason must name the cancellation row, got %q", stored.FailureReason)
	}

	// The committed row keeps its disposition; the rest were never touched.
	if stores.batches.rows["MAT-1-row"].Disposition != models.DispositionCreated {
		t.Errorf("first row must stay created, got %q", stores.batches.rows["MAT-1-row"].Disposition)
	}
	if stores.batches.rows["MAT-3-row"].Disposition != models.DispositionNone {
		t.Errorf("untouched row must have no disposition, got %q", stores.batches.rows["MAT-3-row"].Disposition)
	}
}

// ctxBatchStore refuses work once the context is dead, the way the MySQL
// repositories behave through database/sql.
type ctxBatchStore struct {
	*mockBatchStore
}

func (s *ctxBatchStore) CountRowsByStatus(ctx context.Context, batchID string) (map[models.RowStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.mockBatchStore.CountRowsByStatus(ctx, batchID)
}

func (s *ctxBatchStore) UpdateCounters(ctx context.Context, batchID string, total, valid, errorRows int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockBatchStore.UpdateCounters(ctx, batchID, total, valid, errorRows)
}

func (s *ctxBatchStore) MarkFailed(ctx context.Context, batchID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockBatchStore.MarkFailed(ctx, batchID, reason)
}

func (s *ctxBatchStore) SetFinished(ctx context.Context, batchID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockBatchStore.SetFinished(ctx, batchID, at)
}

type ctxCommitLogStore struct {
	*mockCommitLogStore
}

func (s *ctxCommitLogStore) Create(ctx context.Context, log *models.ImportCommitLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.mockCommitLogStore.Create(ctx, log)
}

// cancelOnCreateStore kills the job context right after the first created
// student, imitating a worker shutdown mid-commit.
type cancelOnCreateStore struct {
	*mockStudentStore
	cancel context.CancelFunc
}

func (s *cancelOnCreateStore) CreateWithAccount(ctx context.Context, establishmentID, schoolYear string, payload map[string]string) (*models.StudentRef, error) {
	ref, err := s.mockStudentStore.CreateWithAccount(ctx, establishmentID, schoolYear, payload)
	s.cancel()
	return ref, err
}

func TestCommit_DeadJobContextStillWritesPartialLog(t *testing.T) {
	_, stores := newTestImportService()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		RowBatchSize:      50,
		PreviewSampleSize: 3,
		CommitLockTimeout: time.Second,
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := NewImportService(
		&ctxBatchStore{mockBatchStore: stores.batches},
		stores.mappings,
		&cancelOnCreateStore{mockStudentStore: stores.students, cancel: cancel},
		&ctxCommitLogStore{mockCommitLogStore: stores.commitLogs},
		nil, stores.progress, NewFileService(), cfg, logger,
	)

	batch := readyBatch(stores,
		studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"),
		studentPayload("Ana Biya", "ana@school.cm", "MAT-2"),
	)

	commitLog, err := svc.Commit(ctx, batch.ID)
	if err != nil {
		t.Fatalf("a dead job context must still yield the partial log: %v", err)
	}
	if commitLog.CreatedStudents != 1 {
		t.Errorf("expected 1 created before the context died, got %d", commitLog.CreatedStudents)
	}
	if stores.commitLogs.logs[batch.ID] == nil {
		t.Fatal("partial commit log must be persisted")
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchFailed {
		t.Fatalf("batch must terminate as failed, got %s", stored.Status)
	}
	if !strings.Contains(stored.FailureReason, "cancelled before row 2") {
		t.Errorf("failure reason must name the cancellation row, got %q", stored.FailureReason)
	}
	if stored.FinishedAt == nil {
		t.Error("finished_at must be set")
	}
}

func TestCommit_HashLookupFaultIsRetriedOnce(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores, studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"))
	stores.students.hashErrs = []error{errors.New("connection reset")}

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if log.CreatedStudents != 1 || log.SkippedRows != 0 {
		t.Errorf("a transient lookup fault must not cost the row, got %d created / %d skipped",
			log.CreatedStudents, log.SkippedRows)
	}
}

func TestCommit_HashLookupFaultTwiceSkipsRow(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores, studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"))
	stores.students.hashErrs = []error{
		errors.New("connection reset"),
		errors.New("connection reset"),
	}

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if log.CreatedStudents != 0 || log.SkippedRows != 1 {
		t.Errorf("expected 0 created / 1 skipped, got %d / %d", log.CreatedStudents, log.SkippedRows)
	}
	if got := stores.batches.rows["MAT-1-row"].Disposition; got != models.DispositionSkipped {
		t.Errorf("expected skipped disposition, got %q", got)
	}
}

func TestCommit_ResumeSkipsDispositionedRows(t *testing.T) {
	svc, stores := newTestImportService()
	batch := readyBatch(stores,
		studentPayload("Jean Kamga", "jean@school.cm", "MAT-1"),
		studentPayload("Ana Biya", "ana@school.cm", "MAT-2"),
	)
	// A previous interrupted run already created row 1.
	stores.batches.rows["MAT-1-row"].Disposition = models.DispositionCreated

	log, err := svc.Commit(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	// Row 1 is accounted, not reprocessed: only row 2 hits the store.
	if len(stores.students.created) != 1 {
		t.Errorf("expected exactly one new create on resume, got %d", len(stores.students.created))
	}
	if log.CreatedStudents != 2 {
		t.Errorf("log must account both created rows, got %d", log.CreatedStudents)
	}
}
