package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"campus-import/internal/config"
	"campus-import/internal/handler"
	"campus-import/internal/middleware"
	"campus-import/internal/repository"
	"campus-import/internal/service"
	"campus-import/internal/utils"
)

func SetupAPIRoutes(
	router fiber.Router,
	db *sqlx.DB,
	redisClient *redis.Client,
	cfg *config.Config,
) {
	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	commitLogRepo := repository.NewCommitLogRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)

	// Initialize services
	progress := service.NewRedisProgressStore(redisClient)
	fileService := service.NewFileService()
	authService := service.NewAuthService(userRepo, cfg)
	mappingService := service.NewMappingService(mappingRepo)
	reportService := service.NewReportService(batchRepo, mappingRepo)
	importService := service.NewImportService(
		batchRepo, mappingRepo, studentRepo, commitLogRepo,
		catalogRepo, progress, fileService, cfg, utils.GetLogger(),
	)

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPassword,
		DB:       cfg.AsynqRedisDB,
	})

	// Initialize handlers
	authHandler := handler.NewAuthHandler(authService)
	importHandler := handler.NewImportHandler(
		importService, reportService, batchRepo, commitLogRepo,
		progress, fileService, asynqClient, cfg,
	)
	mappingHandler := handler.NewMappingHandler(mappingService, reportService, mappingRepo)
	catalogHandler := handler.NewCatalogHandler(catalogRepo)

	// Public routes
	auth := router.Group("/auth")
	auth.Post("/login", authHandler.Login)

	// Protected routes
	protected := router.Group("", middleware.AuthMiddleware(cfg))
	protected.Get("/auth/me", authHandler.Me)

	// Import routes (staff only)
	imports := protected.Group("/imports", middleware.StaffOnly())
	imports.Post("/", importHandler.Upload)
	imports.Get("/", importHandler.List)
	imports.Get("/:id", importHandler.Get)
	imports.Get("/:id/rows", importHandler.GetRows)
	imports.Get("/:id/progress", importHandler.Progress)
	imports.Get("/:id/report", importHandler.Report)
	imports.Get("/:id/errors/export", importHandler.ExportErrors)
	imports.Post("/:id/commit", importHandler.Commit)
	imports.Post("/:id/cancel", importHandler.Cancel)

	// Mapping routes (staff only)
	mappings := protected.Group("/mappings", middleware.StaffOnly())
	mappings.Get("/", mappingHandler.List)
	mappings.Post("/", mappingHandler.Create)
	mappings.Get("/:id", mappingHandler.Get)
	mappings.Get("/:id/template", mappingHandler.DownloadTemplate)

	// Catalog routes
	catalog := protected.Group("/catalog")
	catalog.Get("/departments", catalogHandler.ListDepartments)
	catalog.Get("/levels", catalogHandler.ListLevels)
	catalog.Get("/programs", catalogHandler.ListPrograms)
}
