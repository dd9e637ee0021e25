package importer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"campus-import/internal/models"
)

// NormalizedRow is the normalizer's output for one raw row.
type NormalizedRow struct {
	// Payload maps target field to normalized value. Missing source values
	// yield absent keys, never empty strings.
	Payload map[string]string
	// Markers records per-field parse failures (date_reparse on garbage,
	// unrecognizable school year). The value is passed through untouched;
	// the validator turns markers into violations.
	Markers map[string]string
	// Hash is the stable fingerprint of Payload.
	Hash string
}

var (
	spacesRe = regexp.MustCompile(`\s+`)
	titler   = cases.Title(language.Und)

	phoneSeparatorReplacer = strings.NewReplacer(" ", "", ".", "", "-", "", "(", "", ")", "")

	schoolYearRangeRe  = regexp.MustCompile(`^(\d{4})\s*[-/]\s*(\d{4})$`)
	schoolYearSingleRe = regexp.MustCompile(`^\d{4}$`)
)

// Date layouts accepted by date_reparse, tried in order.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"01/02/2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"02.01.2006",
}

// NormalizeRow applies the resolved plan to one raw row. It never fails:
// values that cannot be transformed flow through with a marker so the
// validator can report them alongside business-rule violations.
func NormalizeRow(plan *Plan, raw map[string]string) NormalizedRow {
	payload := make(map[string]string)
	markers := make(map[string]string)

	for header, value := range raw {
		target, mapped := plan.Columns[header]
		if !mapped {
			continue // unmapped headers are ignored
		}
		if strings.TrimSpace(value) == "" {
			continue // absent key, not an empty string
		}

		out := value
		for _, op := range plan.Transforms[target] {
			next, err := applyOp(op, out)
			if err != nil {
				markers[target] = err.Error()
				break // keep the last good value, let the validator report it
			}
			out = next
		}
		payload[target] = out
	}

	return NormalizedRow{
		Payload: payload,
		Markers: markers,
		Hash:    RowHash(payload),
	}
}

func applyOp(op models.TransformOp, value string) (string, error) {
	switch op {
	case models.OpTrim:
		return strings.TrimSpace(value), nil
	case models.OpLowercase:
		return strings.ToLower(value), nil
	case models.OpUppercase:
		return strings.ToUpper(value), nil
	case models.OpTitlecase:
		return titler.String(strings.ToLower(value)), nil
	case models.OpCollapseSpaces:
		return spacesRe.ReplaceAllString(strings.TrimSpace(value), " "), nil
	case models.OpDateReparse:
		return reparseDate(value)
	case models.OpPhoneNormalize:
		return normalizePhone(value), nil
	case models.OpYearNormalize:
		return normalizeSchoolYear(value)
	default:
		// Unknown ops are rejected at mapping-save time; reaching this
		// means a mapping bypassed validation.
		return value, fmt.Errorf("unknown transform op %q", op)
	}
}

func reparseDate(value string) (string, error) {
	s := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return value, fmt.Errorf("unparsable date %q", value)
}

// normalizePhone strips separators and restores the leading "+" where the
// intent is unambiguous ("00237..." or a bare country-coded number). Numbers
// it cannot interpret pass through for the validator to flag.
func normalizePhone(value string) string {
	s := phoneSeparatorReplacer.Replace(strings.TrimSpace(value))
	if s == "" {
		return s
	}
	if strings.HasPrefix(s, "00") {
		return "+" + s[2:]
	}
	if !strings.HasPrefix(s, "+") && len(s) >= 11 {
		return "+" + s
	}
	return s
}

func normalizeSchoolYear(value string) (string, error) {
	s := strings.TrimSpace(value)
	if m := schoolYearRangeRe.FindStringSubmatch(s); m != nil {
		return m[1] + "-" + m[2], nil
	}
	if schoolYearSingleRe.MatchString(s) {
		start, _ := strconv.Atoi(s)
		return fmt.Sprintf("%d-%d", start, start+1), nil
	}
	return value, fmt.Errorf("unrecognizable school year %q", value)
}
