package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"campus-import/internal/importer"
	"campus-import/internal/models"
)

// StudentRepository owns student accounts, their profiles and the
// committed-hash guard table. Identity columns (users.email, users.phone,
// student_profiles.matricule) carry per-tenant unique indexes; the
// repository surfaces lost races as ErrDuplicateKey.
type StudentRepository struct {
	db *sqlx.DB

	// MySQL named locks are session-scoped, so each held lock pins one
	// connection out of the pool until release.
	mu        sync.Mutex
	lockConns map[string]*sqlx.Conn
}

func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db, lockConns: map[string]*sqlx.Conn{}}
}

const studentRefQuery = `
	SELECT sp.id AS profile_id, u.id AS user_id, u.email, u.phone, sp.matricule
	FROM student_profiles sp
	JOIN users u ON u.id = sp.user_id
	WHERE sp.establishment_id = ? AND %s = ?
	LIMIT 1`

func (r *StudentRepository) findRef(ctx context.Context, establishmentID, column, value string) (*models.StudentRef, error) {
	var ref models.StudentRef
	err := r.db.GetContext(ctx, &ref, fmt.Sprintf(studentRefQuery, column), establishmentID, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *StudentRepository) FindByEmail(ctx context.Context, establishmentID, email string) (*models.StudentRef, error) {
	return r.findRef(ctx, establishmentID, "u.email", email)
}

func (r *StudentRepository) FindByPhone(ctx context.Context, establishmentID, phone string) (*models.StudentRef, error) {
	return r.findRef(ctx, establishmentID, "u.phone", phone)
}

func (r *StudentRepository) FindByMatricule(ctx context.Context, establishmentID, matricule string) (*models.StudentRef, error) {
	return r.findRef(ctx, establishmentID, "sp.matricule", matricule)
}

// CreateWithAccount creates the login account and the student profile in one
// transaction. The account starts with a random password; students set their
// own through the reset flow.
func (r *StudentRepository) CreateWithAccount(ctx context.Context, establishmentID, schoolYear string, payload map[string]string) (*models.StudentRef, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.New().String()), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:              uuid.New().String(),
		EstablishmentID: &establishmentID,
		Email:           payload[importer.FieldEmail],
		FullName:        payload[importer.FieldFullName],
		Phone:           payload[importer.FieldPhone],
		PasswordHash:    string(hash),
		Role:            models.RoleStudent,
		IsActive:        true,
	}
	profile := &models.StudentProfile{
		ID:                uuid.New().String(),
		UserID:            user.ID,
		EstablishmentID:   establishmentID,
		Matricule:         payload[importer.FieldMatricule],
		CurrentSchoolYear: schoolYear,
		DateOfBirth:       parseBirthDate(payload[importer.FieldDateOfBirth]),
		ParentName1:       payload[importer.FieldParentName1],
		ParentPhone1:      payload[importer.FieldParentPhone1],
		ParentName2:       payload[importer.FieldParentName2],
		ParentPhone2:      payload[importer.FieldParentPhone2],
		Address:           payload[importer.FieldAddress],
		LevelCode:         payload[importer.FieldLevel],
		DepartmentCode:    payload[importer.FieldDepartment],
		ProgramCode:       payload[importer.FieldProgram],
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	userQuery := `INSERT INTO users
	          (id, establishment_id, email, full_name, phone, password_hash, role, is_active)
	          VALUES (:id, :establishment_id, :email, :full_name, :phone, :password_hash, :role, :is_active)`
	if _, err := tx.NamedExecContext(ctx, userQuery, user); err != nil {
		return nil, wrapDuplicate(err)
	}

	profileQuery := `INSERT INTO student_profiles
	          (id, user_id, establishment_id, matricule, current_school_year, date_of_birth,
	           parent_name_1, parent_phone_1, parent_name_2, parent_phone_2, address,
	           level_code, department_code, program_code)
	          VALUES (:id, :user_id, :establishment_id, :matricule, :current_school_year, :date_of_birth,
	           :parent_name_1, :parent_phone_1, :parent_name_2, :parent_phone_2, :address,
	           :level_code, :department_code, :program_code)`
	if _, err := tx.NamedExecContext(ctx, profileQuery, profile); err != nil {
		return nil, wrapDuplicate(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDuplicate(err)
	}

	return &models.StudentRef{
		ProfileID: profile.ID,
		UserID:    user.ID,
		Email:     user.Email,
		Phone:     user.Phone,
		Matricule: profile.Matricule,
	}, nil
}

// UpdateProfile refreshes the mutable fields of an existing student. Empty
// payload values leave the stored value in place; identity keys are never
// written here.
func (r *StudentRepository) UpdateProfile(ctx context.Context, establishmentID string, ref *models.StudentRef, schoolYear string, payload map[string]string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if name := payload[importer.FieldFullName]; name != "" {
		query := "UPDATE users SET full_name = ? WHERE id = ? AND establishment_id = ?"
		if _, err := tx.ExecContext(ctx, query, name, ref.UserID, establishmentID); err != nil {
			return err
		}
	}

	query := `UPDATE student_profiles SET
	          current_school_year = ?,
	          date_of_birth = COALESCE(?, date_of_birth),
	          parent_name_1 = IF(? = '', parent_name_1, ?),
	          parent_phone_1 = IF(? = '', parent_phone_1, ?),
	          parent_name_2 = IF(? = '', parent_name_2, ?),
	          parent_phone_2 = IF(? = '', parent_phone_2, ?),
	          address = IF(? = '', address, ?),
	          level_code = IF(? = '', level_code, ?),
	          department_code = IF(? = '', department_code, ?),
	          program_code = IF(? = '', program_code, ?)
	          WHERE id = ? AND establishment_id = ?`
	args := []interface{}{schoolYear, parseBirthDate(payload[importer.FieldDateOfBirth])}
	for _, field := range []string{
		importer.FieldParentName1, importer.FieldParentPhone1,
		importer.FieldParentName2, importer.FieldParentPhone2,
		importer.FieldAddress, importer.FieldLevel,
		importer.FieldDepartment, importer.FieldProgram,
	} {
		args = append(args, payload[field], payload[field])
	}
	args = append(args, ref.ProfileID, establishmentID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *StudentRepository) HasCommittedHash(ctx context.Context, establishmentID, schoolYear, hash string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM committed_row_hashes
	          WHERE establishment_id = ? AND school_year = ? AND row_hash = ?`
	if err := r.db.GetContext(ctx, &n, query, establishmentID, schoolYear, hash); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *StudentRepository) RecordCommittedHash(ctx context.Context, rec *models.CommittedRowHash) error {
	query := `INSERT INTO committed_row_hashes
	          (id, establishment_id, school_year, row_hash, batch_id, row_index, created_at)
	          VALUES (:id, :establishment_id, :school_year, :row_hash, :batch_id, :row_index, :created_at)`
	_, err := r.db.NamedExecContext(ctx, query, rec)
	return wrapDuplicate(err)
}

func tenantLockName(establishmentID string) string {
	return fmt.Sprintf("campus_import:commit:%s", establishmentID)
}

// AcquireTenantLock serializes commits per tenant with a MySQL named lock.
// GET_LOCK runs on a dedicated connection that stays checked out until
// ReleaseTenantLock; routed through the pool the lock would detach from
// whichever session happened to serve the query. A zero result is a
// timeout, not an error from the server.
func (r *StudentRepository) AcquireTenantLock(ctx context.Context, establishmentID string, timeout time.Duration) error {
	name := tenantLockName(establishmentID)
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return err
	}

	var acquired int
	if err := conn.GetContext(ctx, &acquired, "SELECT GET_LOCK(?, ?)", name, int(timeout.Seconds())); err != nil {
		conn.Close()
		return err
	}
	if acquired != 1 {
		conn.Close()
		return fmt.Errorf("tenant %s commit lock not acquired within %s", establishmentID, timeout)
	}

	r.mu.Lock()
	r.lockConns[name] = conn
	r.mu.Unlock()
	return nil
}

// ReleaseTenantLock releases the named lock on the connection that holds it
// and returns that connection to the pool.
func (r *StudentRepository) ReleaseTenantLock(ctx context.Context, establishmentID string) error {
	name := tenantLockName(establishmentID)
	r.mu.Lock()
	conn, ok := r.lockConns[name]
	delete(r.lockConns, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no held commit lock for tenant %s", establishmentID)
	}
	defer conn.Close()

	var released sql.NullInt64
	if err := conn.GetContext(ctx, &released, "SELECT RELEASE_LOCK(?)", name); err != nil {
		return err
	}
	if !released.Valid || released.Int64 != 1 {
		return fmt.Errorf("commit lock for tenant %s was not held by this session", establishmentID)
	}
	return nil
}

func parseBirthDate(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil
	}
	return &t
}
