package importer

import (
	"context"
	"fmt"
	"strings"

	"campus-import/internal/models"
)

// StudentDirectory probes existing tenant students by identity key.
// Implementations return (nil, nil) when no student matches.
type StudentDirectory interface {
	FindByEmail(ctx context.Context, establishmentID, email string) (*models.StudentRef, error)
	FindByPhone(ctx context.Context, establishmentID, phone string) (*models.StudentRef, error)
	FindByMatricule(ctx context.Context, establishmentID, matricule string) (*models.StudentRef, error)
}

// Decision is the dedup resolver's verdict for one row.
type Decision struct {
	// Existing is nil for "new"; otherwise the student the row updates.
	Existing *models.StudentRef
	// MatchedKey is the identity key that won, when Existing is set.
	MatchedKey models.IdentityKey
}

// ResolveDedup probes existing students by each strategy key in priority
// order. The first key present in the row and matching a student wins. If
// two configured keys match two different students the row is a
// DedupConflictError, a hard row-level error that is never silently
// resolved.
func ResolveDedup(ctx context.Context, dir StudentDirectory, establishmentID string,
	strategy models.DedupStrategy, payload map[string]string) (Decision, error) {

	var decision Decision

	for _, key := range strategy.Keys() {
		value := strings.TrimSpace(payload[string(key)])
		if value == "" {
			continue
		}

		match, err := probe(ctx, dir, establishmentID, key, value)
		if err != nil {
			return Decision{}, fmt.Errorf("dedup probe by %s failed: %w", key, err)
		}
		if match == nil {
			continue
		}

		if decision.Existing == nil {
			decision = Decision{Existing: match, MatchedKey: key}
			continue
		}
		if decision.Existing.ProfileID != match.ProfileID {
			return Decision{}, &DedupConflictError{
				KeyA:     string(decision.MatchedKey),
				KeyB:     string(key),
				StudentA: decision.Existing.ProfileID,
				StudentB: match.ProfileID,
			}
		}
	}

	return decision, nil
}

func probe(ctx context.Context, dir StudentDirectory, establishmentID string,
	key models.IdentityKey, value string) (*models.StudentRef, error) {
	switch key {
	case models.KeyEmail:
		return dir.FindByEmail(ctx, establishmentID, value)
	case models.KeyPhone:
		return dir.FindByPhone(ctx, establishmentID, value)
	case models.KeyMatricule:
		return dir.FindByMatricule(ctx, establishmentID, value)
	default:
		return nil, fmt.Errorf("unknown identity key %q", key)
	}
}
