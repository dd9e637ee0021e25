package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"campus-import/internal/models"
)

// CatalogRepository answers tenant-scoped lookups against the academic
// catalog. A code owned by another establishment answers "not found".
type CatalogRepository struct {
	db *sqlx.DB
}

func NewCatalogRepository(db *sqlx.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) exists(ctx context.Context, table, establishmentID, code string) (bool, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE establishment_id = ? AND code = ?", table)
	if err := r.db.GetContext(ctx, &n, query, establishmentID, code); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CatalogRepository) DepartmentExists(ctx context.Context, establishmentID, code string) (bool, error) {
	return r.exists(ctx, "departments", establishmentID, code)
}

func (r *CatalogRepository) LevelExists(ctx context.Context, establishmentID, code string) (bool, error) {
	return r.exists(ctx, "levels", establishmentID, code)
}

func (r *CatalogRepository) ProgramExists(ctx context.Context, establishmentID, code string) (bool, error) {
	return r.exists(ctx, "programs", establishmentID, code)
}

func (r *CatalogRepository) ListDepartments(ctx context.Context, establishmentID string) ([]models.Department, error) {
	var out []models.Department
	query := "SELECT * FROM departments WHERE establishment_id = ? ORDER BY code"
	err := r.db.SelectContext(ctx, &out, query, establishmentID)
	return out, err
}

func (r *CatalogRepository) ListLevels(ctx context.Context, establishmentID string) ([]models.Level, error) {
	var out []models.Level
	query := "SELECT * FROM levels WHERE establishment_id = ? ORDER BY code"
	err := r.db.SelectContext(ctx, &out, query, establishmentID)
	return out, err
}

func (r *CatalogRepository) ListPrograms(ctx context.Context, establishmentID string) ([]models.Program, error) {
	var out []models.Program
	query := "SELECT * FROM programs WHERE establishment_id = ? ORDER BY code"
	err := r.db.SelectContext(ctx, &out, query, establishmentID)
	return out, err
}
