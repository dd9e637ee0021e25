package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"campus-import/internal/models"
)

type CommitLogRepository struct {
	db *sqlx.DB
}

func NewCommitLogRepository(db *sqlx.DB) *CommitLogRepository {
	return &CommitLogRepository{db: db}
}

func (r *CommitLogRepository) Create(ctx context.Context, log *models.ImportCommitLog) error {
	query := `INSERT INTO import_commit_logs
	          (id, batch_id, establishment_id, created_students, updated_students,
	           skipped_rows, error_rows, duration_ms, preview_sample, committed_at)
	          VALUES (:id, :batch_id, :establishment_id, :created_students, :updated_students,
	           :skipped_rows, :error_rows, :duration_ms, :preview_sample, :committed_at)`
	_, err := r.db.NamedExecContext(ctx, query, log)
	return wrapDuplicate(err)
}

// GetByBatch returns (nil, nil) when the batch has not committed yet.
func (r *CommitLogRepository) GetByBatch(ctx context.Context, batchID string) (*models.ImportCommitLog, error) {
	var log models.ImportCommitLog
	query := "SELECT * FROM import_commit_logs WHERE batch_id = ? LIMIT 1"
	err := r.db.GetContext(ctx, &log, query, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *CommitLogRepository) ListByEstablishment(ctx context.Context, establishmentID string, limit, offset int) ([]models.ImportCommitLog, error) {
	var logs []models.ImportCommitLog
	query := `SELECT * FROM import_commit_logs WHERE establishment_id = ?
	          ORDER BY committed_at DESC LIMIT ? OFFSET ?`
	err := r.db.SelectContext(ctx, &logs, query, establishmentID, limit, offset)
	return logs, err
}
