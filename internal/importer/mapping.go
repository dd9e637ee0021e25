package importer

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"campus-import/internal/models"
)

// Plan is the resolved per-row transform plan for one (mapping, headers)
// pair. Resolution is pure: the same inputs always yield the same plan,
// regardless of header order.
type Plan struct {
	// Columns maps a literal source header to its target field.
	Columns map[string]string
	// Transforms holds the ordered op chain per target field.
	Transforms map[string][]models.TransformOp
	// Required carries the mapping's required-target entries for the
	// validator's per-row pass.
	Required []models.RequiredTarget
}

// ResolvePlan matches the literal header list of an uploaded file against a
// mapping template. Headers match a source column or one of its aliases
// case-, whitespace- and accent-insensitively ("Téléphone" matches
// "telephone"). Two headers resolving to the same target is an error, as is
// a required target (or group) with no contributing header.
func ResolvePlan(mapping *models.ImportMapping, headers []string) (*Plan, error) {
	// Folded source-column and alias lookup tables.
	direct := make(map[string]string, len(mapping.FieldMappings))
	for source, target := range mapping.FieldMappings {
		direct[foldHeader(source)] = target
	}
	alias := make(map[string]string)
	for target, spellings := range mapping.Aliases {
		for _, spelling := range spellings {
			alias[foldHeader(spelling)] = target
		}
	}

	columns := make(map[string]string)
	claimed := make(map[string]string) // target -> header that claimed it
	// Sorted copy so ambiguity reporting is deterministic under any
	// header order.
	sorted := append([]string(nil), headers...)
	sort.Strings(sorted)

	for _, header := range sorted {
		folded := foldHeader(header)
		target, ok := direct[folded]
		if !ok {
			target, ok = alias[folded]
		}
		if !ok {
			continue // unmapped headers are ignored, not an error
		}
		if prev, taken := claimed[target]; taken {
			return nil, &MappingAmbiguousError{Target: target, Headers: []string{prev, header}}
		}
		claimed[target] = header
		columns[header] = target
	}

	for _, req := range mapping.RequiredTargets {
		if !requiredSatisfied(req, claimed) {
			return nil, &MappingIncompleteError{Missing: req.Members()}
		}
	}

	transforms := make(map[string][]models.TransformOp, len(mapping.Transforms))
	for _, rule := range mapping.Transforms {
		transforms[rule.Target] = append(transforms[rule.Target], rule.Ops...)
	}

	return &Plan{
		Columns:    columns,
		Transforms: transforms,
		Required:   mapping.RequiredTargets,
	}, nil
}

func requiredSatisfied(req models.RequiredTarget, claimed map[string]string) bool {
	for _, member := range req.Members() {
		if _, ok := claimed[member]; ok {
			return true
		}
	}
	return false
}

// foldHeader canonicalizes a header for matching: lower-case, trimmed,
// inner whitespace collapsed, diacritics stripped via NFD decomposition.
func foldHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	space := false
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue // combining mark from a decomposed accent
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
