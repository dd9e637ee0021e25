package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"campus-import/internal/config"
	"campus-import/internal/repository"
	"campus-import/internal/service"
	"campus-import/internal/utils"
)

// ImportTaskHandler runs the row pipeline and the commit phase off the HTTP
// path. Both handlers are safe to retry: the pipeline resumes from persisted
// batch and row state, and the commit phase skips dispositioned rows.
type ImportTaskHandler struct {
	imports *service.ImportService
	log     *logrus.Logger
}

func NewImportTaskHandler(db *sqlx.DB, redisClient *redis.Client, cfg *config.Config) *ImportTaskHandler {
	batchRepo := repository.NewBatchRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	commitLogRepo := repository.NewCommitLogRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	progress := service.NewRedisProgressStore(redisClient)
	files := service.NewFileService()

	imports := service.NewImportService(
		batchRepo, mappingRepo, studentRepo, commitLogRepo,
		catalogRepo, progress, files, cfg, utils.GetLogger(),
	)
	return &ImportTaskHandler{imports: imports, log: utils.GetLogger()}
}

func (h *ImportTaskHandler) HandleProcess(ctx context.Context, task *asynq.Task) error {
	var payload ImportTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	h.log.WithField("batch_id", payload.BatchID).Info("processing import batch")
	if err := h.imports.RunPipeline(ctx, payload.BatchID); err != nil {
		return fmt.Errorf("pipeline for batch %s: %w", payload.BatchID, err)
	}
	return nil
}

func (h *ImportTaskHandler) HandleCommit(ctx context.Context, task *asynq.Task) error {
	var payload ImportTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	h.log.WithField("batch_id", payload.BatchID).Info("committing import batch")
	if _, err := h.imports.Commit(ctx, payload.BatchID); err != nil {
		return fmt.Errorf("commit for batch %s: %w", payload.BatchID, err)
	}
	return nil
}
