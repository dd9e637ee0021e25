package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"campus-import/internal/config"
)

func Setup(app *fiber.App, db *sqlx.DB, redisClient *redis.Client, cfg *config.Config) {
	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"app":    cfg.AppName,
		})
	})

	// API routes (JSON)
	api := app.Group("/api/v1")
	SetupAPIRoutes(api, db, redisClient, cfg)
}
