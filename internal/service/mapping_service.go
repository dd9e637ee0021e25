package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campus-import/internal/models"
)

// MappingWriter is the persistence surface for mapping templates.
type MappingWriter interface {
	MappingStore
	Create(ctx context.Context, mapping *models.ImportMapping) error
	LatestVersion(ctx context.Context, establishmentID, name string) (int, error)
}

// MappingService validates and versions mapping templates. Templates are
// immutable: saving under an existing name allocates the next version.
type MappingService struct {
	mappings MappingWriter
}

func NewMappingService(mappings MappingWriter) *MappingService {
	return &MappingService{mappings: mappings}
}

// CreateMappingInput is the template as submitted by a tenant admin.
type CreateMappingInput struct {
	EstablishmentID string
	Name            string
	FieldMappings   map[string]string
	Transforms      []models.TransformRule
	Aliases         map[string][]string
	RequiredTargets []models.RequiredTarget
}

// CreateMapping rejects malformed templates at save time so row processing
// never encounters an unknown op or an oversized mapping.
func (s *MappingService) CreateMapping(ctx context.Context, in CreateMappingInput) (*models.ImportMapping, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("mapping name is required")
	}
	if len(in.FieldMappings) == 0 {
		return nil, fmt.Errorf("field_mappings must not be empty")
	}
	if len(in.FieldMappings) > models.MaxFieldMappings {
		return nil, fmt.Errorf("too many field mappings (%d > %d)", len(in.FieldMappings), models.MaxFieldMappings)
	}

	// One target per source column, and no two columns for one target.
	targets := make(map[string]string, len(in.FieldMappings))
	for source, target := range in.FieldMappings {
		if target == "" {
			return nil, fmt.Errorf("source column %q has an empty target", source)
		}
		if prev, dup := targets[target]; dup {
			return nil, fmt.Errorf("target %q is mapped from both %q and %q", target, prev, source)
		}
		targets[target] = source
	}

	steps := 0
	for _, rule := range in.Transforms {
		if rule.Target == "" {
			return nil, fmt.Errorf("transform rule has an empty target")
		}
		for _, op := range rule.Ops {
			if !op.IsValid() {
				return nil, fmt.Errorf("unknown transform op %q for target %q", op, rule.Target)
			}
			steps++
		}
	}
	if steps > models.MaxTransformSteps {
		return nil, fmt.Errorf("too many transform steps (%d > %d)", steps, models.MaxTransformSteps)
	}

	for _, req := range in.RequiredTargets {
		if !req.IsGroup() && req.Target == "" {
			return nil, fmt.Errorf("required target entry must name a target or a group")
		}
	}

	latest, err := s.mappings.LatestVersion(ctx, in.EstablishmentID, in.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up latest version: %w", err)
	}

	mapping := &models.ImportMapping{
		ID:              uuid.New().String(),
		EstablishmentID: in.EstablishmentID,
		Name:            in.Name,
		Version:         latest + 1,
		FieldMappings:   models.JSONMap(in.FieldMappings),
		Transforms:      models.TransformList(in.Transforms),
		Aliases:         models.AliasMap(in.Aliases),
		RequiredTargets: models.RequiredTargets(in.RequiredTargets),
		CreatedAt:       time.Now(),
	}
	if err := s.mappings.Create(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to save mapping: %w", err)
	}
	return mapping, nil
}
