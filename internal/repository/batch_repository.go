package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"campus-import/internal/models"
)

// rowInsertChunk bounds a single bulk INSERT so huge files never exceed
// MySQL's packet limit.
const rowInsertChunk = 500

type BatchRepository struct {
	db *sqlx.DB
}

func NewBatchRepository(db *sqlx.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) CreateBatch(ctx context.Context, batch *models.ImportBatch) error {
	query := `INSERT INTO import_batches
	          (id, establishment_id, created_by, source_type, original_filename, school_year,
	           status, mapping_id, dedup_strategy, total_rows, valid_rows, error_rows,
	           failure_reason, started_at)
	          VALUES (:id, :establishment_id, :created_by, :source_type, :original_filename, :school_year,
	           :status, :mapping_id, :dedup_strategy, :total_rows, :valid_rows, :error_rows,
	           :failure_reason, :started_at)`
	_, err := r.db.NamedExecContext(ctx, query, batch)
	return wrapDuplicate(err)
}

func (r *BatchRepository) CreateFile(ctx context.Context, file *models.ImportFile) error {
	query := `INSERT INTO import_files
	          (id, batch_id, storage_path, checksum_sha256, encoding, delimiter, sheet_name,
	           rows_count, headers, uploaded_at)
	          VALUES (:id, :batch_id, :storage_path, :checksum_sha256, :encoding, :delimiter, :sheet_name,
	           :rows_count, :headers, :uploaded_at)`
	_, err := r.db.NamedExecContext(ctx, query, file)
	return wrapDuplicate(err)
}

func (r *BatchRepository) BulkInsertRows(ctx context.Context, rows []models.StagingStudentRow) error {
	query := `INSERT INTO staging_student_rows
	          (id, batch_id, row_index, raw, normalized, status, errors, row_hash, disposition, note)
	          VALUES (:id, :batch_id, :row_index, :raw, :normalized, :status, :errors, :row_hash, :disposition, :note)`
	for start := 0; start < len(rows); start += rowInsertChunk {
		end := start + rowInsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		if _, err := r.db.NamedExecContext(ctx, query, rows[start:end]); err != nil {
			return wrapDuplicate(err)
		}
	}
	return nil
}

func (r *BatchRepository) GetByID(ctx context.Context, id string) (*models.ImportBatch, error) {
	var batch models.ImportBatch
	query := "SELECT * FROM import_batches WHERE id = ? LIMIT 1"
	err := r.db.GetContext(ctx, &batch, query, id)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// FindByChecksum detects a re-upload: the newest non-failed batch that
// staged a file with this checksum for the tenant and school year. Failed
// batches are excluded so a corrected environment can retry the same file.
func (r *BatchRepository) FindByChecksum(ctx context.Context, establishmentID, checksum, schoolYear string) (*models.ImportBatch, error) {
	var batch models.ImportBatch
	query := `SELECT b.* FROM import_batches b
	          JOIN import_files f ON f.batch_id = b.id
	          WHERE b.establishment_id = ? AND b.school_year = ? AND f.checksum_sha256 = ?
	            AND b.status != ?
	          ORDER BY b.started_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &batch, query, establishmentID, schoolYear, checksum, models.BatchFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *BatchRepository) ListByEstablishment(ctx context.Context, establishmentID string, limit, offset int) ([]models.ImportBatch, error) {
	var batches []models.ImportBatch
	query := `SELECT * FROM import_batches WHERE establishment_id = ?
	          ORDER BY started_at DESC LIMIT ? OFFSET ?`
	err := r.db.SelectContext(ctx, &batches, query, establishmentID, limit, offset)
	return batches, err
}

func (r *BatchRepository) GetFile(ctx context.Context, batchID string) (*models.ImportFile, error) {
	var file models.ImportFile
	query := "SELECT * FROM import_files WHERE batch_id = ? LIMIT 1"
	err := r.db.GetContext(ctx, &file, query, batchID)
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (r *BatchRepository) SetMapping(ctx context.Context, batchID, mappingID string) error {
	query := "UPDATE import_batches SET mapping_id = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, mappingID, batchID)
	return err
}

func (r *BatchRepository) UpdateStatus(ctx context.Context, batchID string, status models.BatchStatus) error {
	query := "UPDATE import_batches SET status = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, status, batchID)
	return err
}

func (r *BatchRepository) MarkFailed(ctx context.Context, batchID, reason string) error {
	query := `UPDATE import_batches SET status = ?, failure_reason = ?, finished_at = NOW()
	          WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, models.BatchFailed, reason, batchID)
	return err
}

func (r *BatchRepository) SetFinished(ctx context.Context, batchID string, at time.Time) error {
	query := "UPDATE import_batches SET finished_at = ? WHERE id = ?"
	_, err := r.db.ExecContext(ctx, query, at, batchID)
	return err
}

func (r *BatchRepository) UpdateCounters(ctx context.Context, batchID string, total, valid, errorRows int) error {
	query := `UPDATE import_batches SET total_rows = ?, valid_rows = ?, error_rows = ?
	          WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, total, valid, errorRows, batchID)
	return err
}

func (r *BatchRepository) CountRowsByStatus(ctx context.Context, batchID string) (map[models.RowStatus]int, error) {
	rows := []struct {
		Status models.RowStatus `db:"status"`
		Count  int              `db:"cnt"`
	}{}
	query := `SELECT status, COUNT(*) AS cnt FROM staging_student_rows
	          WHERE batch_id = ? GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, err
	}
	counts := make(map[models.RowStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *BatchRepository) GetRowsByStatus(ctx context.Context, batchID string, status models.RowStatus, limit, offset int) ([]models.StagingStudentRow, error) {
	var rows []models.StagingStudentRow
	query := `SELECT * FROM staging_student_rows
	          WHERE batch_id = ? AND status = ?
	          ORDER BY row_index ASC LIMIT ? OFFSET ?`
	err := r.db.SelectContext(ctx, &rows, query, batchID, status, limit, offset)
	return rows, err
}

// GetValidRows returns every committable row in ascending row-index order,
// the order the commit phase must observe.
func (r *BatchRepository) GetValidRows(ctx context.Context, batchID string) ([]models.StagingStudentRow, error) {
	var rows []models.StagingStudentRow
	query := `SELECT * FROM staging_student_rows
	          WHERE batch_id = ? AND status = ?
	          ORDER BY row_index ASC`
	err := r.db.SelectContext(ctx, &rows, query, batchID, models.RowValid)
	return rows, err
}

func (r *BatchRepository) UpdateRowNormalization(ctx context.Context, row *models.StagingStudentRow) error {
	query := `UPDATE staging_student_rows
	          SET normalized = :normalized, row_hash = :row_hash, status = :status, errors = :errors
	          WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

func (r *BatchRepository) UpdateRowValidation(ctx context.Context, row *models.StagingStudentRow) error {
	query := `UPDATE staging_student_rows
	          SET status = :status, errors = :errors
	          WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}

func (r *BatchRepository) UpdateRowCommitOutcome(ctx context.Context, row *models.StagingStudentRow) error {
	query := `UPDATE staging_student_rows
	          SET status = :status, errors = :errors, disposition = :disposition, note = :note
	          WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, row)
	return err
}
