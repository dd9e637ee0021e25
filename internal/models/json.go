package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a string-to-string JSON column (raw and normalized row payloads).
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *JSONMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// StringList is a JSON array column (detected headers, alias spellings).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// AliasMap maps a target field to the set of acceptable header spellings.
type AliasMap map[string][]string

func (m AliasMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *AliasMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
