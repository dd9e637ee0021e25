package handler

import (
	"github.com/gofiber/fiber/v2"

	"campus-import/internal/repository"
	"campus-import/internal/utils"
)

// CatalogHandler exposes the read-only academic catalog the importer
// validates against.
type CatalogHandler struct {
	catalogRepo *repository.CatalogRepository
}

func NewCatalogHandler(catalogRepo *repository.CatalogRepository) *CatalogHandler {
	return &CatalogHandler{catalogRepo: catalogRepo}
}

func (h *CatalogHandler) ListDepartments(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	out, err := h.catalogRepo.ListDepartments(c.Context(), establishmentID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list departments", err)
	}
	return utils.SuccessResponse(c, "OK", out)
}

func (h *CatalogHandler) ListLevels(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	out, err := h.catalogRepo.ListLevels(c.Context(), establishmentID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list levels", err)
	}
	return utils.SuccessResponse(c, "OK", out)
}

func (h *CatalogHandler) ListPrograms(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	out, err := h.catalogRepo.ListPrograms(c.Context(), establishmentID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list programs", err)
	}
	return utils.SuccessResponse(c, "OK", out)
}
