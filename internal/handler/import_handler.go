package handler

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"campus-import/internal/config"
	"campus-import/internal/models"
	"campus-import/internal/repository"
	"campus-import/internal/service"
	"campus-import/internal/utils"
	"campus-import/internal/worker"
)

// ImportHandler is the HTTP surface of the import pipeline. Parsing and
// staging happen synchronously during upload; the row pipeline and the
// commit phase run on the worker.
type ImportHandler struct {
	imports       *service.ImportService
	reports       *service.ReportService
	batchRepo     *repository.BatchRepository
	commitLogRepo *repository.CommitLogRepository
	progress      *service.RedisProgressStore
	files         *service.FileService
	asynqClient   *asynq.Client
	cfg           *config.Config
}

func NewImportHandler(
	imports *service.ImportService,
	reports *service.ReportService,
	batchRepo *repository.BatchRepository,
	commitLogRepo *repository.CommitLogRepository,
	progress *service.RedisProgressStore,
	files *service.FileService,
	asynqClient *asynq.Client,
	cfg *config.Config,
) *ImportHandler {
	return &ImportHandler{
		imports:       imports,
		reports:       reports,
		batchRepo:     batchRepo,
		commitLogRepo: commitLogRepo,
		progress:      progress,
		files:         files,
		asynqClient:   asynqClient,
		cfg:           cfg,
	}
}

func (h *ImportHandler) Upload(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	userID := c.Locals("user_id").(string)

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File is required", err)
	}
	if file.Size > int64(h.cfg.UploadMaxSize) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File size exceeds maximum limit", nil)
	}

	sourceType, err := sourceTypeFor(file.Filename, c.FormValue("source_type"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unsupported file type", err)
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open upload", err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to read upload", err)
	}

	checksum, err := h.files.Checksum(bytes.NewReader(data))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to checksum upload", err)
	}

	storagePath := filepath.Join(h.cfg.UploadPath,
		fmt.Sprintf("%s%s", uuid.New().String(), filepath.Ext(file.Filename)))
	if err := c.SaveFile(file, storagePath); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save file", err)
	}

	batch, err := h.imports.CreateBatch(c.Context(), service.CreateBatchInput{
		EstablishmentID:  establishmentID,
		CreatedBy:        userID,
		SourceType:       sourceType,
		OriginalFilename: file.Filename,
		SchoolYear:       c.FormValue("school_year"),
		DedupStrategy:    models.DedupStrategy(c.FormValue("dedup_strategy")),
		MappingID:        c.FormValue("mapping_id"),
		Data:             data,
		StoragePath:      storagePath,
		Checksum:         checksum,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to create import batch", err)
	}

	task, err := worker.NewProcessTask(batch.ID, establishmentID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to build task", err)
	}
	if _, err := h.asynqClient.Enqueue(task); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue processing", err)
	}

	return utils.SuccessResponse(c, "File uploaded, processing started", batch)
}

func (h *ImportHandler) List(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	params := utils.GetPaginationParams(c)

	batches, err := h.batchRepo.ListByEstablishment(c.Context(), establishmentID,
		params.Limit, utils.GetOffset(params.Page, params.Limit))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list batches", err)
	}
	return utils.SuccessResponse(c, "OK", batches)
}

func (h *ImportHandler) Get(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	file, err := h.batchRepo.GetFile(c.Context(), batch.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load import file", err)
	}
	return utils.SuccessResponse(c, "OK", fiber.Map{
		"batch": batch,
		"file":  file,
	})
}

func (h *ImportHandler) GetRows(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	params := utils.GetPaginationParams(c)

	status := models.RowStatus(params.Status)
	if params.Status == "" {
		status = models.RowErrored
	}
	rows, err := h.batchRepo.GetRowsByStatus(c.Context(), batch.ID, status,
		params.Limit, utils.GetOffset(params.Page, params.Limit))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load rows", err)
	}
	return utils.SuccessResponse(c, "OK", rows)
}

func (h *ImportHandler) Progress(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	progress, err := h.progress.GetProgress(c.Context(), batch.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to read progress", err)
	}
	return utils.SuccessResponse(c, "OK", fiber.Map{
		"batch_id":   batch.ID,
		"status":     batch.Status,
		"total_rows": batch.TotalRows,
		"valid_rows": batch.ValidRows,
		"error_rows": batch.ErrorRows,
		"progress":   progress,
	})
}

// Commit enqueues the commit phase for a ready batch. The readiness check
// reruns on the worker under the tenant lock; this one just fails fast.
func (h *ImportHandler) Commit(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	if batch.Status != models.BatchReady && batch.Status != models.BatchCommitted {
		return utils.ErrorResponse(c, fiber.StatusConflict,
			fmt.Sprintf("Batch is %s, not ready to commit", batch.Status), nil)
	}

	task, err := worker.NewCommitTask(batch.ID, batch.EstablishmentID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to build task", err)
	}
	if _, err := h.asynqClient.Enqueue(task); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue commit", err)
	}
	return utils.SuccessResponse(c, "Commit started", batch)
}

func (h *ImportHandler) Cancel(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	if batch.Status.IsTerminal() {
		return utils.ErrorResponse(c, fiber.StatusConflict,
			fmt.Sprintf("Batch is already %s", batch.Status), nil)
	}
	if err := h.imports.Cancel(c.Context(), batch.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to request cancellation", err)
	}
	return utils.SuccessResponse(c, "Cancellation requested", nil)
}

func (h *ImportHandler) Report(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	log, err := h.commitLogRepo.GetByBatch(c.Context(), batch.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load commit log", err)
	}
	if log == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Batch has not committed yet", nil)
	}
	return utils.SuccessResponse(c, "OK", log)
}

func (h *ImportHandler) ExportErrors(c *fiber.Ctx) error {
	batch, err := h.tenantBatch(c)
	if err != nil {
		return err
	}
	buf, err := h.reports.ErrorReport(c.Context(), batch.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to build error report", err)
	}

	filename := fmt.Sprintf("import-errors-%s.xlsx", batch.ID)
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Send(buf.Bytes())
}

// tenantBatch loads the batch and enforces tenant ownership. A batch owned
// by another establishment answers 404, not 403, so ids never leak.
func (h *ImportHandler) tenantBatch(c *fiber.Ctx) (*models.ImportBatch, error) {
	establishmentID := c.Locals("establishment_id").(string)
	batch, err := h.batchRepo.GetByID(c.Context(), c.Params("id"))
	if err != nil || batch.EstablishmentID != establishmentID {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Batch not found", nil)
	}
	return batch, nil
}

func sourceTypeFor(filename, declared string) (models.SourceType, error) {
	if declared != "" {
		t := models.SourceType(declared)
		if !t.IsValid() {
			return "", fmt.Errorf("unsupported source type %q", declared)
		}
		return t, nil
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return models.SourceCSV, nil
	case ".xlsx":
		return models.SourceXLSX, nil
	default:
		return "", fmt.Errorf("cannot infer source type from %q", filename)
	}
}
