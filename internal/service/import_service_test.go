package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"campus-import/internal/config"
	"campus-import/internal/models"
)

type testStores struct {
	batches    *mockBatchStore
	mappings   *mockMappingStore
	students   *mockStudentStore
	commitLogs *mockCommitLogStore
	progress   *mockProgressStore
}

func newTestImportService() (*ImportService, *testStores) {
	stores := &testStores{
		batches:    newMockBatchStore(),
		mappings:   &mockMappingStore{},
		students:   newMockStudentStore(),
		commitLogs: newMockCommitLogStore(),
		progress:   newMockProgressStore(),
	}
	cfg := &config.Config{
		RowBatchSize:      50,
		PreviewSampleSize: 3,
		CommitLockTimeout: time.Second,
	}
	log := logrus.New()
	log.SetOutput(io.Discard)

	catalog := &mockCatalog{codes: map[string]bool{"est-1/INFO": true, "est-1/L1": true}}
	svc := NewImportService(
		stores.batches, stores.mappings, stores.students, stores.commitLogs,
		catalog, stores.progress, NewFileService(), cfg, log,
	)
	return svc, stores
}

func seedMapping(stores *testStores, id string) {
	stores.mappings.mappings = append(stores.mappings.mappings, models.ImportMapping{
		ID:              id,
		EstablishmentID: "est-1",
		Name:            "default",
		Version:         1,
		FieldMappings: models.JSONMap{
			"Nom":       "full_name",
			"Email":     "email",
			"Matricule": "matricule",
		},
		Transforms: models.TransformList{
			{Target: "email", Ops: []models.TransformOp{models.OpTrim, models.OpLowercase}},
			{Target: "full_name", Ops: []models.TransformOp{models.OpTrim, models.OpCollapseSpaces}},
		},
		RequiredTargets: models.RequiredTargets{
			{Target: "full_name"},
			{AnyOf: []string{"email", "phone", "matricule"}},
		},
		CreatedAt: time.Now(),
	})
}

var sampleCSV = []byte("Nom,Email,Matricule\n" +
	"Jean Kamga, JEAN@School.cm ,MAT-1\n" +
	"Ana Biya,ana@school.cm,MAT-2\n")

func createTestBatch(t *testing.T, svc *ImportService) *models.ImportBatch {
	t.Helper()
	batch, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		EstablishmentID:  "est-1",
		CreatedBy:        "user-1",
		SourceType:       models.SourceCSV,
		OriginalFilename: "students.csv",
		SchoolYear:       "2025-2026",
		MappingID:        "map-1",
		Data:             sampleCSV,
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	return batch
}

func TestCreateBatch_StagesRowsWithOneBasedIndex(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")

	batch := createTestBatch(t, svc)

	if batch.Status != models.BatchUploaded {
		t.Errorf("expected uploaded, got %s", batch.Status)
	}
	if batch.TotalRows != 2 {
		t.Errorf("expected 2 rows, got %d", batch.TotalRows)
	}

	rows := stores.batches.rowsByStatus(batch.ID, models.RowPending)
	if len(rows) != 2 {
		t.Fatalf("expected 2 pending rows, got %d", len(rows))
	}
	if rows[0].RowIndex != 1 || rows[1].RowIndex != 2 {
		t.Errorf("row indexes must be 1-based: %d, %d", rows[0].RowIndex, rows[1].RowIndex)
	}
	if rows[0].Raw["Nom"] != "Jean Kamga" {
		t.Errorf("raw values must be untouched, got %q", rows[0].Raw["Nom"])
	}

	file, err := stores.batches.GetFile(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if len(file.Headers) != 3 || file.Delimiter != "," {
		t.Errorf("unexpected file metadata: headers=%v delimiter=%q", file.Headers, file.Delimiter)
	}
}

func TestCreateBatch_RejectsBadInput(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")

	base := CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		Data:            sampleCSV,
	}

	bad := base
	bad.SchoolYear = "2025-2027"
	if _, err := svc.CreateBatch(context.Background(), bad); err == nil {
		t.Error("non-consecutive school year must be rejected")
	}

	bad = base
	bad.DedupStrategy = "by_vibes"
	if _, err := svc.CreateBatch(context.Background(), bad); err == nil {
		t.Error("unknown dedup strategy must be rejected")
	}

	bad = base
	bad.SourceType = "pdf"
	if _, err := svc.CreateBatch(context.Background(), bad); err == nil {
		t.Error("unsupported source type must be rejected")
	}
}

func TestCreateBatch_ReuploadReturnsExistingBatch(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")

	input := CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		MappingID:       "map-1",
		Data:            sampleCSV,
		Checksum:        "sha-abc",
	}
	first, err := svc.CreateBatch(context.Background(), input)
	if err != nil {
		t.Fatalf("first CreateBatch failed: %v", err)
	}
	second, err := svc.CreateBatch(context.Background(), input)
	if err != nil {
		t.Fatalf("re-upload failed: %v", err)
	}
	if second.ID != first.ID {
		t.Error("the same file must resolve to the batch it already staged")
	}
	if got := len(stores.batches.rows); got != 2 {
		t.Errorf("re-upload must not stage rows again, got %d staged rows", got)
	}

	// The same file for another school year is a fresh import.
	otherYear := input
	otherYear.SchoolYear = "2026-2027"
	third, err := svc.CreateBatch(context.Background(), otherYear)
	if err != nil {
		t.Fatalf("CreateBatch for another year failed: %v", err)
	}
	if third.ID == first.ID {
		t.Error("another school year must get its own batch")
	}

	// A failed batch does not block retrying the file.
	stores.batches.batches[third.ID].Status = models.BatchFailed
	fourth, err := svc.CreateBatch(context.Background(), otherYear)
	if err != nil {
		t.Fatalf("retry after failure failed: %v", err)
	}
	if fourth.ID == third.ID {
		t.Error("a failed batch must not satisfy re-upload detection")
	}
}

func TestCreateBatch_RejectsForeignMapping(t *testing.T) {
	svc, stores := newTestImportService()
	stores.mappings.mappings = append(stores.mappings.mappings, models.ImportMapping{
		ID:              "map-other",
		EstablishmentID: "est-2",
		FieldMappings:   models.JSONMap{"Nom": "full_name"},
	})

	_, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		MappingID:       "map-other",
		Data:            sampleCSV,
	})
	if err == nil {
		t.Fatal("another tenant's mapping must be rejected")
	}
}

func TestRunPipeline_DrivesBatchToReady(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")
	batch := createTestBatch(t, svc)

	if err := svc.RunPipeline(context.Background(), batch.ID); err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchReady {
		t.Fatalf("expected ready_to_commit, got %s (%s)", stored.Status, stored.FailureReason)
	}
	if stored.ValidRows != 2 || stored.ErrorRows != 0 {
		t.Errorf("expected 2 valid / 0 error, got %d / %d", stored.ValidRows, stored.ErrorRows)
	}

	rows := stores.batches.rowsByStatus(batch.ID, models.RowValid)
	if len(rows) != 2 {
		t.Fatalf("expected 2 valid rows, got %d", len(rows))
	}
	if got := rows[0].Normalized["email"]; got != "jean@school.cm" {
		t.Errorf("transforms must apply, got email %q", got)
	}
	if rows[0].RowHash == "" || rows[0].RowHash == rows[1].RowHash {
		t.Error("distinct rows must carry distinct non-empty hashes")
	}
}

func TestRunPipeline_AutoDetectsNewestResolvingMapping(t *testing.T) {
	svc, stores := newTestImportService()
	// An older mapping that cannot resolve these headers and a newer one
	// that can.
	stores.mappings.mappings = append(stores.mappings.mappings, models.ImportMapping{
		ID:              "map-old",
		EstablishmentID: "est-1",
		FieldMappings:   models.JSONMap{"Student Name": "full_name"},
		RequiredTargets: models.RequiredTargets{{Target: "full_name"}},
		CreatedAt:       time.Now().Add(-time.Hour),
	})
	seedMapping(stores, "map-new")

	batch, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		Data:            sampleCSV,
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if batch.MappingID != nil {
		t.Fatal("no mapping should be bound before the pipeline runs")
	}

	if err := svc.RunPipeline(context.Background(), batch.ID); err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.MappingID == nil || *stored.MappingID != "map-new" {
		t.Errorf("expected auto-detected map-new, got %v", stored.MappingID)
	}
	if stored.Status != models.BatchReady {
		t.Errorf("expected ready_to_commit, got %s", stored.Status)
	}
}

func TestRunPipeline_AmbiguousMappingFailsBatch(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")
	stores.mappings.mappings[0].Aliases = models.AliasMap{"email": {"courriel"}}

	batch, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		MappingID:       "map-1",
		Data: []byte("Nom,Email,Courriel,Matricule\n" +
			"Jean,j@s.cm,j2@s.cm,MAT-1\n"),
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	// Resolution failures are batch-fatal but not pipeline errors.
	if err := svc.RunPipeline(context.Background(), batch.ID); err != nil {
		t.Fatalf("RunPipeline must absorb resolution failures: %v", err)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailureReason == "" {
		t.Error("failure reason must be recorded")
	}
}

func TestRunPipeline_NoValidRowsFailsBatch(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")

	batch, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		MappingID:       "map-1",
		// full_name present in the header but blank in every row, and no
		// matricule values either.
		Data: []byte("Nom,Email,Matricule\n,bad-email,\n,also-bad,\n"),
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}

	if err := svc.RunPipeline(context.Background(), batch.ID); err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.ErrorRows != 2 {
		t.Errorf("expected 2 error rows, got %d", stored.ErrorRows)
	}
}

func TestRunPipeline_TerminalBatchIsNoOp(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")
	batch := createTestBatch(t, svc)
	stores.batches.batches[batch.ID].Status = models.BatchCommitted

	if err := svc.RunPipeline(context.Background(), batch.ID); err != nil {
		t.Fatalf("RunPipeline on terminal batch must be a no-op: %v", err)
	}
	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchCommitted {
		t.Errorf("terminal status must not change, got %s", stored.Status)
	}
}

func TestRunPipeline_RowErrorsAreComplete(t *testing.T) {
	svc, stores := newTestImportService()
	seedMapping(stores, "map-1")

	batch, err := svc.CreateBatch(context.Background(), CreateBatchInput{
		EstablishmentID: "est-1",
		SourceType:      models.SourceCSV,
		SchoolYear:      "2025-2026",
		MappingID:       "map-1",
		Data: []byte("Nom,Email,Matricule\n" +
			"Jean Kamga,jean@school.cm,MAT-1\n" +
			",bad-email,\n"),
	})
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if err := svc.RunPipeline(context.Background(), batch.ID); err != nil {
		t.Fatalf("RunPipeline failed: %v", err)
	}

	stored, _ := stores.batches.GetByID(context.Background(), batch.ID)
	if stored.Status != models.BatchReady {
		t.Fatalf("expected ready_to_commit, got %s", stored.Status)
	}
	if stored.ValidRows != 1 || stored.ErrorRows != 1 {
		t.Fatalf("expected 1 valid / 1 error, got %d / %d", stored.ValidRows, stored.ErrorRows)
	}

	errored := stores.batches.rowsByStatus(batch.ID, models.RowErrored)
	if len(errored) != 1 {
		t.Fatalf("expected 1 errored row, got %d", len(errored))
	}
	// full_name required, matricule required, email format: all three
	// reported together.
	if len(errored[0].Errors) != 3 {
		t.Errorf("expected 3 violations on the bad row, got %v", errored[0].Errors)
	}
}
