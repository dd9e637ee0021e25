package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"campus-import/internal/models"
)

type MappingRepository struct {
	db *sqlx.DB
}

func NewMappingRepository(db *sqlx.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

// GetByID returns (nil, nil) when the mapping does not exist.
func (r *MappingRepository) GetByID(ctx context.Context, id string) (*models.ImportMapping, error) {
	var mapping models.ImportMapping
	query := "SELECT * FROM import_mappings WHERE id = ? LIMIT 1"
	err := r.db.GetContext(ctx, &mapping, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// ListByEstablishment returns the tenant's mappings newest first, which is
// the probe order for mapping auto-detection.
func (r *MappingRepository) ListByEstablishment(ctx context.Context, establishmentID string) ([]models.ImportMapping, error) {
	var mappings []models.ImportMapping
	query := `SELECT * FROM import_mappings WHERE establishment_id = ?
	          ORDER BY created_at DESC, version DESC`
	err := r.db.SelectContext(ctx, &mappings, query, establishmentID)
	return mappings, err
}

func (r *MappingRepository) Create(ctx context.Context, mapping *models.ImportMapping) error {
	query := `INSERT INTO import_mappings
	          (id, establishment_id, name, version, field_mappings, transforms, aliases, required_targets, created_at)
	          VALUES (:id, :establishment_id, :name, :version, :field_mappings, :transforms, :aliases, :required_targets, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, mapping)
	return wrapDuplicate(err)
}

func (r *MappingRepository) LatestVersion(ctx context.Context, establishmentID, name string) (int, error) {
	var version int
	query := `SELECT COALESCE(MAX(version), 0) FROM import_mappings
	          WHERE establishment_id = ? AND name = ?`
	err := r.db.GetContext(ctx, &version, query, establishmentID, name)
	return version, err
}
