package importer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"campus-import/internal/models"
)

// CatalogReader answers read-only existence checks against the academic
// catalog, scoped to one tenant. A code that exists under another tenant
// must answer false.
type CatalogReader interface {
	DepartmentExists(ctx context.Context, establishmentID, code string) (bool, error)
	LevelExists(ctx context.Context, establishmentID, code string) (bool, error)
	ProgramExists(ctx context.Context, establishmentID, code string) (bool, error)
}

// TenantRules carries the per-tenant validation parameters.
type TenantRules struct {
	EstablishmentID string
	// PhonePrefixes are the accepted E.164 regional prefixes. Empty means
	// the CEMAC default set.
	PhonePrefixes []string
}

// CEMAC dialing prefixes: Cameroon, Gabon, Chad, CAR, Congo, Eq. Guinea.
var DefaultPhonePrefixes = []string{"+237", "+241", "+235", "+236", "+242", "+240"}

var (
	emailRe      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	e164Re       = regexp.MustCompile(`^\+?[1-9]\d{7,14}$`)
	schoolYearRe = regexp.MustCompile(`^(\d{4})-(\d{4})$`)
)

// School years outside this century range are treated as data errors.
const (
	minSchoolYearStart = 1990
	maxSchoolYearStart = 2099
)

// ValidateRow checks one normalized payload against field-level and
// referential constraints. It always returns the complete violation list
// for the row in a single pass, not just the first failure. An error
// return means the catalog lookup itself failed.
func ValidateRow(ctx context.Context, payload map[string]string, markers map[string]string,
	required []models.RequiredTarget, rules TenantRules, catalog CatalogReader) ([]models.RowError, error) {

	var violations []models.RowError

	// Parse markers left by the normalizer come first, in stable order.
	markerFields := make([]string, 0, len(markers))
	for field := range markers {
		markerFields = append(markerFields, field)
	}
	sort.Strings(markerFields)
	for _, field := range markerFields {
		violations = append(violations, models.RowError{
			Field: field, Code: models.ErrCodeUnparsable, Message: markers[field],
		})
	}

	// Required targets, including OR-groups.
	for _, req := range required {
		if !requiredValueSatisfied(req, payload) {
			violations = append(violations, models.RowError{
				Field:   req.String(),
				Code:    models.ErrCodeRequired,
				Message: requiredMessage(req),
			})
		}
	}

	violations = append(violations, validateFormats(payload, rules)...)

	referential, err := validateReferences(ctx, payload, rules.EstablishmentID, catalog)
	if err != nil {
		return nil, err
	}
	violations = append(violations, referential...)

	return violations, nil
}

func requiredValueSatisfied(req models.RequiredTarget, payload map[string]string) bool {
	for _, member := range req.Members() {
		if strings.TrimSpace(payload[member]) != "" {
			return true
		}
	}
	return false
}

func requiredMessage(req models.RequiredTarget) string {
	if req.IsGroup() {
		return fmt.Sprintf("at least one of [%s] is required", strings.Join(req.AnyOf, ", "))
	}
	return fmt.Sprintf("%s is required", req.Target)
}

func validateFormats(payload map[string]string, rules TenantRules) []models.RowError {
	var violations []models.RowError

	if year, ok := payload[FieldSchoolYear]; ok {
		if msg := checkSchoolYear(year); msg != "" {
			violations = append(violations, models.RowError{
				Field: FieldSchoolYear, Code: models.ErrCodeFormat, Message: msg,
			})
		}
	}

	if strings.TrimSpace(payload[FieldMatricule]) == "" {
		violations = append(violations, models.RowError{
			Field: FieldMatricule, Code: models.ErrCodeRequired, Message: "matricule is required",
		})
	}

	if email, ok := payload[FieldEmail]; ok && !emailRe.MatchString(email) {
		violations = append(violations, models.RowError{
			Field: FieldEmail, Code: models.ErrCodeFormat,
			Message: fmt.Sprintf("invalid email %q", email),
		})
	}

	prefixes := rules.PhonePrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultPhonePrefixes
	}
	for _, field := range []string{FieldPhone, FieldParentPhone1, FieldParentPhone2} {
		if phone, ok := payload[field]; ok {
			if msg := checkPhone(phone, prefixes); msg != "" {
				violations = append(violations, models.RowError{
					Field: field, Code: models.ErrCodeFormat, Message: msg,
				})
			}
		}
	}

	if dob, ok := payload[FieldDateOfBirth]; ok {
		if msg := checkBirthDate(dob); msg != "" {
			violations = append(violations, models.RowError{
				Field: FieldDateOfBirth, Code: models.ErrCodeFormat, Message: msg,
			})
		}
	}

	if name, ok := payload[FieldFullName]; ok && len(strings.TrimSpace(name)) < 2 {
		violations = append(violations, models.RowError{
			Field: FieldFullName, Code: models.ErrCodeFormat,
			Message: "full name must be at least 2 characters",
		})
	}

	return violations
}

// ValidateSchoolYear checks the "YYYY-YYYY" contract on its own, for
// callers outside row validation (batch creation validates the target year
// up front).
func ValidateSchoolYear(year string) error {
	if msg := checkSchoolYear(year); msg != "" {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func checkSchoolYear(year string) string {
	m := schoolYearRe.FindStringSubmatch(year)
	if m == nil {
		return fmt.Sprintf(`school year %q must match "YYYY-YYYY"`, year)
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	if end != start+1 {
		return fmt.Sprintf("school year %q must end the year after it starts", year)
	}
	if start < minSchoolYearStart || start > maxSchoolYearStart {
		return fmt.Sprintf("school year %q is out of range", year)
	}
	return ""
}

func checkPhone(phone string, prefixes []string) string {
	if !e164Re.MatchString(phone) {
		return fmt.Sprintf("phone %q is not a valid E.164 number", phone)
	}
	normalized := phone
	if !strings.HasPrefix(normalized, "+") {
		normalized = "+" + normalized
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(normalized, prefix) {
			return ""
		}
	}
	return fmt.Sprintf("phone %q has no accepted regional prefix (%s)", phone, strings.Join(prefixes, ", "))
}

func checkBirthDate(dob string) string {
	t, err := time.Parse("2006-01-02", dob)
	if err != nil {
		return fmt.Sprintf("birth date %q must be YYYY-MM-DD", dob)
	}
	if t.After(time.Now()) {
		return fmt.Sprintf("birth date %q is in the future", dob)
	}
	return ""
}

// validateReferences checks that referenced catalog entries exist and belong
// to the same tenant. A code owned by another tenant answers "not found":
// cross-tenant references are rejected, never cross-linked.
func validateReferences(ctx context.Context, payload map[string]string,
	establishmentID string, catalog CatalogReader) ([]models.RowError, error) {

	if catalog == nil {
		return nil, nil
	}

	var violations []models.RowError
	checks := []struct {
		field  string
		exists func(context.Context, string, string) (bool, error)
	}{
		{FieldLevel, catalog.LevelExists},
		{FieldDepartment, catalog.DepartmentExists},
		{FieldProgram, catalog.ProgramExists},
	}

	for _, check := range checks {
		code, ok := payload[check.field]
		if !ok || strings.TrimSpace(code) == "" {
			continue
		}
		exists, err := check.exists(ctx, establishmentID, code)
		if err != nil {
			return nil, fmt.Errorf("catalog lookup for %s failed: %w", check.field, err)
		}
		if !exists {
			violations = append(violations, models.RowError{
				Field: check.field, Code: models.ErrCodeReferential,
				Message: fmt.Sprintf("%s %q does not exist for this establishment", check.field, code),
			})
		}
	}

	return violations, nil
}
