package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"campus-import/internal/config"
	"campus-import/internal/models"
	"campus-import/internal/utils"
)

// AuthMiddleware validates the bearer token and stores the caller's identity
// and tenant scope in locals. Every protected route reads the tenant from
// here, never from the request body.
func AuthMiddleware(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Authorization header is required",
			})
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid authorization header format",
			})
		}

		claims, err := utils.ValidateToken(parts[1], cfg.JWTSecret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"message": "Invalid or expired token",
			})
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("establishment_id", claims.EstablishmentID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}

// StaffOnly restricts a route to tenant staff. Student accounts created by
// the importer can authenticate but never reach the import surface.
func StaffOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := c.Locals("role")
		if role != models.RoleAdmin && role != models.RoleSecretary {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"message": "Staff access required",
			})
		}
		return c.Next()
	}
}

// AdminOnly restricts a route to tenant administrators.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Locals("role") != models.RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"message": "Admin access required",
			})
		}
		return c.Next()
	}
}
