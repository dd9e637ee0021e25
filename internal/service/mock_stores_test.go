package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"campus-import/internal/models"
)

// In-memory store fakes. They honor the same contracts as the MySQL
// repositories: (nil, nil) for not-found lookups, row updates keyed by id,
// counters written verbatim.

// ── Mock MappingStore ──

type mockMappingStore struct {
	mappings []models.ImportMapping
}

func (m *mockMappingStore) GetByID(_ context.Context, id string) (*models.ImportMapping, error) {
	for i := range m.mappings {
		if m.mappings[i].ID == id {
			return &m.mappings[i], nil
		}
	}
	return nil, nil
}

func (m *mockMappingStore) ListByEstablishment(_ context.Context, establishmentID string) ([]models.ImportMapping, error) {
	var out []models.ImportMapping
	for _, mapping := range m.mappings {
		if mapping.EstablishmentID == establishmentID {
			out = append(out, mapping)
		}
	}
	// Newest first, like the repository.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockMappingStore) Create(_ context.Context, mapping *models.ImportMapping) error {
	m.mappings = append(m.mappings, *mapping)
	return nil
}

func (m *mockMappingStore) LatestVersion(_ context.Context, establishmentID, name string) (int, error) {
	latest := 0
	for _, mapping := range m.mappings {
		if mapping.EstablishmentID == establishmentID && mapping.Name == name && mapping.Version > latest {
			latest = mapping.Version
		}
	}
	return latest, nil
}

// ── Mock BatchStore ──

type mockBatchStore struct {
	batches map[string]*models.ImportBatch
	files   map[string]*models.ImportFile
	rows    map[string]*models.StagingStudentRow
}

func newMockBatchStore() *mockBatchStore {
	return &mockBatchStore{
		batches: map[string]*models.ImportBatch{},
		files:   map[string]*models.ImportFile{},
		rows:    map[string]*models.StagingStudentRow{},
	}
}

func (m *mockBatchStore) CreateBatch(_ context.Context, batch *models.ImportBatch) error {
	copied := *batch
	m.batches[batch.ID] = &copied
	return nil
}

func (m *mockBatchStore) CreateFile(_ context.Context, file *models.ImportFile) error {
	copied := *file
	m.files[file.BatchID] = &copied
	return nil
}

func (m *mockBatchStore) BulkInsertRows(_ context.Context, rows []models.StagingStudentRow) error {
	for _, row := range rows {
		copied := row
		m.rows[row.ID] = &copied
	}
	return nil
}

func (m *mockBatchStore) GetByID(_ context.Context, id string) (*models.ImportBatch, error) {
	batch, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s not found", id)
	}
	copied := *batch
	return &copied, nil
}

func (m *mockBatchStore) FindByChecksum(_ context.Context, establishmentID, checksum, schoolYear string) (*models.ImportBatch, error) {
	for batchID, file := range m.files {
		if file.ChecksumSHA256 != checksum {
			continue
		}
		batch := m.batches[batchID]
		if batch == nil || batch.EstablishmentID != establishmentID ||
			batch.SchoolYear != schoolYear || batch.Status == models.BatchFailed {
			continue
		}
		copied := *batch
		return &copied, nil
	}
	return nil, nil
}

func (m *mockBatchStore) GetFile(_ context.Context, batchID string) (*models.ImportFile, error) {
	file, ok := m.files[batchID]
	if !ok {
		return nil, fmt.Errorf("file for batch %s not found", batchID)
	}
	copied := *file
	return &copied, nil
}

func (m *mockBatchStore) SetMapping(_ context.Context, batchID, mappingID string) error {
	m.batches[batchID].MappingID = &mappingID
	return nil
}

func (m *mockBatchStore) UpdateStatus(_ context.Context, batchID string, status models.BatchStatus) error {
	m.batches[batchID].Status = status
	return nil
}

func (m *mockBatchStore) MarkFailed(_ context.Context, batchID, reason string) error {
	m.batches[batchID].Status = models.BatchFailed
	m.batches[batchID].FailureReason = reason
	return nil
}

func (m *mockBatchStore) SetFinished(_ context.Context, batchID string, at time.Time) error {
	m.batches[batchID].FinishedAt = &at
	return nil
}

func (m *mockBatchStore) UpdateCounters(_ context.Context, batchID string, total, valid, errorRows int) error {
	batch := m.batches[batchID]
	batch.TotalRows = total
	batch.ValidRows = valid
	batch.ErrorRows = errorRows
	return nil
}

func (m *mockBatchStore) CountRowsByStatus(_ context.Context, batchID string) (map[models.RowStatus]int, error) {
	counts := map[models.RowStatus]int{}
	for _, row := range m.rows {
		if row.BatchID == batchID {
			counts[row.Status]++
		}
	}
	return counts, nil
}

func (m *mockBatchStore) rowsByStatus(batchID string, status models.RowStatus) []models.StagingStudentRow {
	var out []models.StagingStudentRow
	for _, row := range m.rows {
		if row.BatchID == batchID && row.Status == status {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out
}

func (m *mockBatchStore) GetRowsByStatus(_ context.Context, batchID string, status models.RowStatus, limit, offset int) ([]models.StagingStudentRow, error) {
	out := m.rowsByStatus(batchID, status)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockBatchStore) GetValidRows(_ context.Context, batchID string) ([]models.StagingStudentRow, error) {
	return m.rowsByStatus(batchID, models.RowValid), nil
}

func (m *mockBatchStore) UpdateRowNormalization(_ context.Context, row *models.StagingStudentRow) error {
	stored := m.rows[row.ID]
	stored.Normalized = row.Normalized
	stored.RowHash = row.RowHash
	stored.Status = row.Status
	stored.Errors = row.Errors
	return nil
}

func (m *mockBatchStore) UpdateRowValidation(_ context.Context, row *models.StagingStudentRow) error {
	stored := m.rows[row.ID]
	stored.Status = row.Status
	stored.Errors = row.Errors
	return nil
}

func (m *mockBatchStore) UpdateRowCommitOutcome(_ context.Context, row *models.StagingStudentRow) error {
	stored := m.rows[row.ID]
	stored.Status = row.Status
	stored.Errors = row.Errors
	stored.Disposition = row.Disposition
	stored.Note = row.Note
	return nil
}

// ── Mock StudentStore ──

type mockStudentStore struct {
	byEmail     map[string]*models.StudentRef
	byPhone     map[string]*models.StudentRef
	byMatricule map[string]*models.StudentRef

	committedHashes map[string]bool

	created      []map[string]string
	updated      []string
	createErrs   []error
	// hashErrs is popped on every HasCommittedHash call; nil entries answer
	// normally.
	hashErrs     []error
	// raceWinner becomes visible to probes when a queued create error
	// fires, imitating a concurrent writer that won the constraint.
	raceWinner   *models.StudentRef
	lockAcquired int
	lockReleased int
}

func newMockStudentStore() *mockStudentStore {
	return &mockStudentStore{
		byEmail:         map[string]*models.StudentRef{},
		byPhone:         map[string]*models.StudentRef{},
		byMatricule:     map[string]*models.StudentRef{},
		committedHashes: map[string]bool{},
	}
}

func (m *mockStudentStore) addStudent(ref *models.StudentRef) {
	if ref.Email != "" {
		m.byEmail[ref.Email] = ref
	}
	if ref.Phone != "" {
		m.byPhone[ref.Phone] = ref
	}
	if ref.Matricule != "" {
		m.byMatricule[ref.Matricule] = ref
	}
}

func (m *mockStudentStore) FindByEmail(_ context.Context, _, email string) (*models.StudentRef, error) {
	return m.byEmail[email], nil
}

func (m *mockStudentStore) FindByPhone(_ context.Context, _, phone string) (*models.StudentRef, error) {
	return m.byPhone[phone], nil
}

func (m *mockStudentStore) FindByMatricule(_ context.Context, _, matricule string) (*models.StudentRef, error) {
	return m.byMatricule[matricule], nil
}

func (m *mockStudentStore) CreateWithAccount(_ context.Context, _, _ string, payload map[string]string) (*models.StudentRef, error) {
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			if m.raceWinner != nil {
				m.addStudent(m.raceWinner)
			}
			return nil, err
		}
	}
	ref := &models.StudentRef{
		ProfileID: uuid.New().String(),
		UserID:    uuid.New().String(),
		Email:     payload["email"],
		Phone:     payload["phone"],
		Matricule: payload["matricule"],
	}
	m.addStudent(ref)
	m.created = append(m.created, payload)
	return ref, nil
}

func (m *mockStudentStore) UpdateProfile(_ context.Context, _ string, ref *models.StudentRef, _ string, _ map[string]string) error {
	m.updated = append(m.updated, ref.ProfileID)
	return nil
}

func hashKey(establishmentID, schoolYear, hash string) string {
	return establishmentID + "/" + schoolYear + "/" + hash
}

func (m *mockStudentStore) HasCommittedHash(_ context.Context, establishmentID, schoolYear, hash string) (bool, error) {
	if len(m.hashErrs) > 0 {
		err := m.hashErrs[0]
		m.hashErrs = m.hashErrs[1:]
		if err != nil {
			return false, err
		}
	}
	return m.committedHashes[hashKey(establishmentID, schoolYear, hash)], nil
}

func (m *mockStudentStore) RecordCommittedHash(_ context.Context, rec *models.CommittedRowHash) error {
	m.committedHashes[hashKey(rec.EstablishmentID, rec.SchoolYear, rec.RowHash)] = true
	return nil
}

func (m *mockStudentStore) AcquireTenantLock(_ context.Context, _ string, _ time.Duration) error {
	m.lockAcquired++
	return nil
}

func (m *mockStudentStore) ReleaseTenantLock(_ context.Context, _ string) error {
	m.lockReleased++
	return nil
}

// ── Mock CommitLogStore ──

type mockCommitLogStore struct {
	logs map[string]*models.ImportCommitLog
}

func newMockCommitLogStore() *mockCommitLogStore {
	return &mockCommitLogStore{logs: map[string]*models.ImportCommitLog{}}
}

func (m *mockCommitLogStore) Create(_ context.Context, log *models.ImportCommitLog) error {
	copied := *log
	m.logs[log.BatchID] = &copied
	return nil
}

func (m *mockCommitLogStore) GetByBatch(_ context.Context, batchID string) (*models.ImportCommitLog, error) {
	return m.logs[batchID], nil
}

// ── Mock ProgressStore ──

type mockProgressStore struct {
	progress map[string]string
	// cancelAfter fires cancellation once this many IsCancelled polls have
	// answered false. Zero means never.
	cancelAfter int
	polls       int
}

func newMockProgressStore() *mockProgressStore {
	return &mockProgressStore{progress: map[string]string{}}
}

func (m *mockProgressStore) SetProgress(_ context.Context, batchID string, done, total int) error {
	m.progress[batchID] = fmt.Sprintf("%d/%d", done, total)
	return nil
}

func (m *mockProgressStore) IsCancelled(_ context.Context, _ string) (bool, error) {
	if m.cancelAfter == 0 {
		return false, nil
	}
	m.polls++
	return m.polls > m.cancelAfter, nil
}

func (m *mockProgressStore) RequestCancel(_ context.Context, batchID string) error {
	m.cancelAfter = 1
	m.polls = 1
	return nil
}

// ── Mock catalog ──

type mockCatalog struct {
	codes map[string]bool
}

func (m *mockCatalog) has(establishmentID, code string) bool {
	return m.codes[establishmentID+"/"+code]
}

func (m *mockCatalog) DepartmentExists(_ context.Context, establishmentID, code string) (bool, error) {
	return m.has(establishmentID, code), nil
}

func (m *mockCatalog) LevelExists(_ context.Context, establishmentID, code string) (bool, error) {
	return m.has(establishmentID, code), nil
}

func (m *mockCatalog) ProgramExists(_ context.Context, establishmentID, code string) (bool, error) {
	return m.has(establishmentID, code), nil
}
