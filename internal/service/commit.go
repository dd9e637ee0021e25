package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"campus-import/internal/importer"
	"campus-import/internal/models"
	"campus-import/internal/repository"
)

// Commit turns a ready batch's valid rows into persisted students. Rows are
// processed in ascending row-index order under the per-tenant commit lock.
// The guarantee is best-effort row-level commit with full accounting: a
// per-row failure becomes a skipped disposition with a retained note, it
// never aborts the remaining rows. Re-running Commit on a committed batch is
// a no-op returning the existing log.
func (s *ImportService) Commit(ctx context.Context, batchID string) (*models.ImportCommitLog, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	if batch.Status == models.BatchCommitted {
		existing, err := s.commitLogs.GetByBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		s.log.WithField("batch_id", batchID).Info("batch already committed, returning existing log")
		return existing, nil
	}
	if batch.Status != models.BatchReady {
		return nil, &importer.BatchStateError{From: string(batch.Status), To: string(models.BatchCommitted)}
	}

	// Two concurrent batches for the same tenant could otherwise both
	// decide the same identity is "new" and create duplicates.
	if err := s.students.AcquireTenantLock(ctx, batch.EstablishmentID, s.cfg.CommitLockTimeout); err != nil {
		return nil, fmt.Errorf("failed to acquire tenant commit lock: %w", err)
	}
	defer func() {
		if err := s.students.ReleaseTenantLock(context.Background(), batch.EstablishmentID); err != nil {
			s.log.WithError(err).Error("failed to release tenant commit lock")
		}
	}()

	rows, err := s.batches.GetValidRows(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load valid rows: %w", err)
	}

	start := time.Now()
	tally := commitTally{}
	seen := make(map[string]bool)
	var preview models.PreviewSample

	for i := range rows {
		row := &rows[i]

		// Crash/retry resume: rows already dispositioned are accounted
		// for, not reprocessed.
		if row.Disposition != models.DispositionNone {
			tally.count(row.Disposition)
			seen[row.RowHash] = true
			continue
		}

		cancelled, err := s.commitCancelled(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			// The job context may already be dead here; the partial log
			// and the terminal status still have to land.
			return s.finishCancelled(context.Background(), batch, &tally, preview, start, row.RowIndex)
		}

		disposition := s.commitRow(ctx, batch, row, seen)
		tally.count(disposition)
		if len(preview) < s.previewSize() {
			preview = append(preview, anonymizePreview(row, disposition))
		}

		if err := s.progress.SetProgress(ctx, batchID, tally.total(), len(rows)); err != nil {
			s.log.WithError(err).Warn("failed to record commit progress")
		}
	}

	if _, err := s.recomputeCounters(ctx, batch); err != nil {
		return nil, err
	}

	log := &models.ImportCommitLog{
		ID:              uuid.New().String(),
		BatchID:         batch.ID,
		EstablishmentID: batch.EstablishmentID,
		CreatedStudents: tally.created,
		UpdatedStudents: tally.updated,
		SkippedRows:     tally.skipped,
		ErrorRows:       batch.ErrorRows,
		DurationMs:      time.Since(start).Milliseconds(),
		PreviewSample:   preview,
		CommittedAt:     time.Now(),
	}
	if err := s.commitLogs.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to write commit log: %w", err)
	}
	if err := s.transition(ctx, batch, models.BatchCommitted); err != nil {
		return nil, err
	}
	if err := s.batches.SetFinished(ctx, batch.ID, time.Now()); err != nil {
		s.log.WithError(err).Error("failed to record batch finish time")
	}

	s.log.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"created":  tally.created,
		"updated":  tally.updated,
		"skipped":  tally.skipped,
		"conflict": tally.conflict,
	}).Info("batch committed")

	return log, nil
}

// commitRow dispositions a single valid row. Each identity-key
// lookup-then-write is one critical section under the tenant lock.
func (s *ImportService) commitRow(ctx context.Context, batch *models.ImportBatch,
	row *models.StagingStudentRow, seen map[string]bool) models.RowDisposition {

	// row_hash idempotence: same payload already committed in this batch
	// or by an earlier batch for this tenant/school-year.
	duplicate := seen[row.RowHash]
	if !duplicate {
		var err error
		duplicate, err = s.students.HasCommittedHash(ctx, batch.EstablishmentID, batch.SchoolYear, row.RowHash)
		if err != nil {
			// Storage faults get one retry before the row is given up.
			s.log.WithError(err).WithField("row_index", row.RowIndex).Warn("hash lookup failed, retrying once")
			duplicate, err = s.students.HasCommittedHash(ctx, batch.EstablishmentID, batch.SchoolYear, row.RowHash)
		}
		if err != nil {
			return s.skipRow(ctx, row, models.ErrCodePersistence, fmt.Sprintf("hash lookup failed: %v", err))
		}
	}
	if duplicate {
		return s.skipRow(ctx, row, models.ErrCodeDuplicate, "identical payload already committed")
	}

	decision, err := importer.ResolveDedup(ctx, s.students, batch.EstablishmentID, batch.DedupStrategy, row.Normalized)
	if err != nil {
		var conflict *importer.DedupConflictError
		if errors.As(err, &conflict) {
			row.Status = models.RowErrored
			row.Disposition = models.DispositionConflict
			row.Note = conflict.Error()
			row.Errors = append(row.Errors, models.RowError{
				Field: "identity", Code: models.ErrCodeDedup, Message: conflict.Error(),
			})
			s.persistOutcome(ctx, row)
			return models.DispositionConflict
		}
		return s.skipRow(ctx, row, models.ErrCodePersistence, err.Error())
	}

	disposition, err := s.applyDecision(ctx, batch, row, decision)
	if err != nil {
		// One retry for storage races only: a concurrent writer may have
		// won a uniqueness constraint between lookup and write.
		if errors.Is(err, repository.ErrDuplicateKey) {
			disposition, err = s.retryRow(ctx, batch, row)
		}
		if err != nil {
			return s.skipRow(ctx, row, models.ErrCodePersistence, err.Error())
		}
	}

	seen[row.RowHash] = true
	if err := s.students.RecordCommittedHash(ctx, &models.CommittedRowHash{
		ID:              uuid.New().String(),
		EstablishmentID: batch.EstablishmentID,
		SchoolYear:      batch.SchoolYear,
		RowHash:         row.RowHash,
		BatchID:         batch.ID,
		RowIndex:        row.RowIndex,
		CreatedAt:       time.Now(),
	}); err != nil {
		s.log.WithError(err).WithField("row_index", row.RowIndex).Error("failed to record committed hash")
	}

	row.Disposition = disposition
	s.persistOutcome(ctx, row)
	return disposition
}

func (s *ImportService) applyDecision(ctx context.Context, batch *models.ImportBatch,
	row *models.StagingStudentRow, decision importer.Decision) (models.RowDisposition, error) {

	if decision.Existing != nil {
		if err := s.students.UpdateProfile(ctx, batch.EstablishmentID, decision.Existing, batch.SchoolYear, row.Normalized); err != nil {
			return models.DispositionNone, err
		}
		return models.DispositionUpdated, nil
	}

	if _, err := s.students.CreateWithAccount(ctx, batch.EstablishmentID, batch.SchoolYear, row.Normalized); err != nil {
		return models.DispositionNone, err
	}
	return models.DispositionCreated, nil
}

// retryRow re-resolves dedup once after a lost uniqueness race: the student
// that beat us to the constraint usually exists now, turning the create
// into an update.
func (s *ImportService) retryRow(ctx context.Context, batch *models.ImportBatch,
	row *models.StagingStudentRow) (models.RowDisposition, error) {

	decision, err := importer.ResolveDedup(ctx, s.students, batch.EstablishmentID, batch.DedupStrategy, row.Normalized)
	if err != nil {
		return models.DispositionNone, err
	}
	return s.applyDecision(ctx, batch, row, decision)
}

func (s *ImportService) skipRow(ctx context.Context, row *models.StagingStudentRow,
	code, note string) models.RowDisposition {
	row.Disposition = models.DispositionSkipped
	row.Note = note
	row.Errors = append(row.Errors, models.RowError{Field: "", Code: code, Message: note})
	s.persistOutcome(ctx, row)
	return models.DispositionSkipped
}

func (s *ImportService) persistOutcome(ctx context.Context, row *models.StagingStudentRow) {
	if err := s.batches.UpdateRowCommitOutcome(ctx, row); err != nil {
		s.log.WithError(err).WithField("row_index", row.RowIndex).Error("failed to persist row outcome")
	}
}

func (s *ImportService) commitCancelled(ctx context.Context, batchID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, nil
	}
	return s.progress.IsCancelled(ctx, batchID)
}

// finishCancelled records a true partial-progress log: everything
// dispositioned so far is durable, the batch terminates as failed with the
// cancellation row noted.
func (s *ImportService) finishCancelled(ctx context.Context, batch *models.ImportBatch,
	tally *commitTally, preview models.PreviewSample, start time.Time, atRow int) (*models.ImportCommitLog, error) {

	if _, err := s.recomputeCounters(ctx, batch); err != nil {
		return nil, err
	}

	log := &models.ImportCommitLog{
		ID:              uuid.New().String(),
		BatchID:         batch.ID,
		EstablishmentID: batch.EstablishmentID,
		CreatedStudents: tally.created,
		UpdatedStudents: tally.updated,
		SkippedRows:     tally.skipped,
		ErrorRows:       batch.ErrorRows,
		DurationMs:      time.Since(start).Milliseconds(),
		PreviewSample:   preview,
		CommittedAt:     time.Now(),
	}
	if err := s.commitLogs.Create(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to write partial commit log: %w", err)
	}
	s.failBatch(ctx, batch, fmt.Sprintf("cancelled before row %d", atRow))
	if err := s.batches.SetFinished(ctx, batch.ID, time.Now()); err != nil {
		s.log.WithError(err).Error("failed to record batch finish time")
	}
	return log, nil
}

func (s *ImportService) previewSize() int {
	if s.cfg.PreviewSampleSize > 0 {
		return s.cfg.PreviewSampleSize
	}
	return 5
}

type commitTally struct {
	created, updated, skipped, conflict int
}

func (t *commitTally) count(d models.RowDisposition) {
	switch d {
	case models.DispositionCreated:
		t.created++
	case models.DispositionUpdated:
		t.updated++
	case models.DispositionSkipped:
		t.skipped++
	case models.DispositionConflict:
		t.conflict++
	}
}

func (t *commitTally) total() int {
	return t.created + t.updated + t.skipped + t.conflict
}

// anonymizePreview masks identity values before they enter the audit log.
func anonymizePreview(row *models.StagingStudentRow, d models.RowDisposition) models.PreviewRow {
	return models.PreviewRow{
		RowIndex:    row.RowIndex,
		Disposition: d,
		FullName:    maskValue(row.Normalized[importer.FieldFullName]),
		Email:       maskValue(row.Normalized[importer.FieldEmail]),
		Phone:       maskValue(row.Normalized[importer.FieldPhone]),
		Matricule:   maskValue(row.Normalized[importer.FieldMatricule]),
	}
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	runes := []rune(v)
	if len(runes) <= 2 {
		return "**"
	}
	return string(runes[:2]) + "***"
}
