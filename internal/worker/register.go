package worker

import (
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"campus-import/internal/config"
)

func RegisterHandlers(mux *asynq.ServeMux, db *sqlx.DB, redisClient *redis.Client, cfg *config.Config) {
	handler := NewImportTaskHandler(db, redisClient, cfg)

	mux.HandleFunc(TypeImportProcess, handler.HandleProcess)
	mux.HandleFunc(TypeImportCommit, handler.HandleCommit)
}
