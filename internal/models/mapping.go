package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TransformOp is one declarative normalization step. The set is closed:
// unknown op names are rejected when a mapping is saved, not at row time.
type TransformOp string

const (
	OpTrim           TransformOp = "trim"
	OpLowercase      TransformOp = "lowercase"
	OpUppercase      TransformOp = "uppercase"
	OpTitlecase      TransformOp = "titlecase"
	OpCollapseSpaces TransformOp = "collapse_spaces"
	OpDateReparse    TransformOp = "date_reparse"
	OpPhoneNormalize TransformOp = "phone_normalize"
	OpYearNormalize  TransformOp = "school_year_normalize"
)

func (op TransformOp) IsValid() bool {
	switch op {
	case OpTrim, OpLowercase, OpUppercase, OpTitlecase, OpCollapseSpaces,
		OpDateReparse, OpPhoneNormalize, OpYearNormalize:
		return true
	}
	return false
}

// TransformRule applies an ordered op chain to one target field.
type TransformRule struct {
	Target string        `json:"target"`
	Ops    []TransformOp `json:"ops"`
}

// TransformList is the JSON column holding the transform rules.
type TransformList []TransformRule

func (l TransformList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *TransformList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// RequiredTarget is either a single mandatory target or an OR-group where
// any one member satisfies the requirement. Exactly one of Target/AnyOf is set.
//
// Wire format mirrors the template JSON: a bare string for a single target,
// an array of strings for a group, e.g. ["full_name", ["email","phone","matricule"]].
type RequiredTarget struct {
	Target string
	AnyOf  []string
}

func (r RequiredTarget) IsGroup() bool { return len(r.AnyOf) > 0 }

// Members returns the contributing targets regardless of shape.
func (r RequiredTarget) Members() []string {
	if r.IsGroup() {
		return r.AnyOf
	}
	return []string{r.Target}
}

func (r RequiredTarget) String() string {
	if r.IsGroup() {
		b, _ := json.Marshal(r.AnyOf)
		return string(b)
	}
	return r.Target
}

func (r RequiredTarget) MarshalJSON() ([]byte, error) {
	if r.IsGroup() {
		return json.Marshal(r.AnyOf)
	}
	return json.Marshal(r.Target)
}

func (r *RequiredTarget) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		r.Target = single
		r.AnyOf = nil
		return nil
	}
	var group []string
	if err := json.Unmarshal(data, &group); err == nil {
		if len(group) == 0 {
			return fmt.Errorf("required target group must not be empty")
		}
		r.Target = ""
		r.AnyOf = group
		return nil
	}
	return fmt.Errorf("required target must be a string or an array of strings")
}

// RequiredTargets is the JSON column holding the required-target entries.
type RequiredTargets []RequiredTarget

func (l RequiredTargets) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *RequiredTargets) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Mapping size bounds. They cap the worst-case per-row processing cost.
const (
	MaxFieldMappings  = 200
	MaxTransformSteps = 500
)

// ImportMapping is an immutable, versioned column-mapping template owned by
// a tenant. New requirements create a new version; existing versions are
// never edited.
type ImportMapping struct {
	ID              string          `db:"id" json:"id"`
	EstablishmentID string          `db:"establishment_id" json:"establishment_id"`
	Name            string          `db:"name" json:"name"`
	Version         int             `db:"version" json:"version"`
	FieldMappings   JSONMap         `db:"field_mappings" json:"field_mappings"`
	Transforms      TransformList   `db:"transforms" json:"transforms"`
	Aliases         AliasMap        `db:"aliases" json:"aliases"`
	RequiredTargets RequiredTargets `db:"required_targets" json:"required_targets"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// TransformStepCount sums the ops across all rules.
func (m *ImportMapping) TransformStepCount() int {
	n := 0
	for _, rule := range m.Transforms {
		n += len(rule.Ops)
	}
	return n
}
