package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"campus-import/internal/models"
	"campus-import/internal/repository"
	"campus-import/internal/service"
	"campus-import/internal/utils"
)

type MappingHandler struct {
	mappingService *service.MappingService
	reports        *service.ReportService
	mappingRepo    *repository.MappingRepository
}

func NewMappingHandler(
	mappingService *service.MappingService,
	reports *service.ReportService,
	mappingRepo *repository.MappingRepository,
) *MappingHandler {
	return &MappingHandler{
		mappingService: mappingService,
		reports:        reports,
		mappingRepo:    mappingRepo,
	}
}

type createMappingRequest struct {
	Name            string                  `json:"name"`
	FieldMappings   map[string]string       `json:"field_mappings"`
	Transforms      []models.TransformRule  `json:"transforms"`
	Aliases         map[string][]string     `json:"aliases"`
	RequiredTargets []models.RequiredTarget `json:"required_targets"`
}

func (h *MappingHandler) Create(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)

	var req createMappingRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	mapping, err := h.mappingService.CreateMapping(c.Context(), service.CreateMappingInput{
		EstablishmentID: establishmentID,
		Name:            req.Name,
		FieldMappings:   req.FieldMappings,
		Transforms:      req.Transforms,
		Aliases:         req.Aliases,
		RequiredTargets: req.RequiredTargets,
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to create mapping", err)
	}
	return utils.SuccessResponse(c, "Mapping created", mapping)
}

func (h *MappingHandler) List(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	mappings, err := h.mappingRepo.ListByEstablishment(c.Context(), establishmentID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list mappings", err)
	}
	return utils.SuccessResponse(c, "OK", mappings)
}

func (h *MappingHandler) Get(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	mapping, err := h.mappingRepo.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load mapping", err)
	}
	if mapping == nil || mapping.EstablishmentID != establishmentID {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Mapping not found", nil)
	}
	return utils.SuccessResponse(c, "OK", mapping)
}

// DownloadTemplate renders an empty upload file matching the mapping's
// expected source columns.
func (h *MappingHandler) DownloadTemplate(c *fiber.Ctx) error {
	establishmentID := c.Locals("establishment_id").(string)
	buf, err := h.reports.Template(c.Context(), establishmentID, c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Failed to build template", err)
	}

	filename := fmt.Sprintf("import-template-%s.xlsx", c.Params("id"))
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	return c.Send(buf.Bytes())
}
