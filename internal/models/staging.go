package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// RowStatus tracks one staging row through the pipeline.
type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowNormalized RowStatus = "normalized"
	RowValid      RowStatus = "valid"
	RowErrored    RowStatus = "error"
)

// RowDisposition is the commit-time outcome of a valid row. Empty until the
// commit phase touches the row; persisted so a retried commit resumes
// instead of reprocessing.
type RowDisposition string

const (
	DispositionNone     RowDisposition = ""
	DispositionCreated  RowDisposition = "created"
	DispositionUpdated  RowDisposition = "updated"
	DispositionSkipped  RowDisposition = "skipped"
	DispositionConflict RowDisposition = "conflict"
)

// Error codes carried in RowError.Code.
const (
	ErrCodeUnparsable  = "unparsable"
	ErrCodeRequired    = "required"
	ErrCodeFormat      = "format"
	ErrCodeReferential = "referential"
	ErrCodeDedup       = "dedup_conflict"
	ErrCodePersistence = "persistence_conflict"
	ErrCodeDuplicate   = "duplicate_row"
)

// RowError is one structured violation tied to a target field.
type RowError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RowErrorList is the JSON column accumulating a row's violations.
type RowErrorList []RowError

func (l RowErrorList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *RowErrorList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// StagingStudentRow is one logical record within a batch. The row index is
// caller-supplied, 1-based and unique per batch, independent of insertion
// order. RowHash fingerprints the normalized payload for idempotent commits.
type StagingStudentRow struct {
	ID          string         `db:"id" json:"id"`
	BatchID     string         `db:"batch_id" json:"batch_id"`
	RowIndex    int            `db:"row_index" json:"row_index"`
	Raw         JSONMap        `db:"raw" json:"raw"`
	Normalized  JSONMap        `db:"normalized" json:"normalized"`
	Status      RowStatus      `db:"status" json:"status"`
	Errors      RowErrorList   `db:"errors" json:"errors"`
	RowHash     string         `db:"row_hash" json:"row_hash"`
	Disposition RowDisposition `db:"disposition" json:"disposition,omitempty"`
	Note        string         `db:"note" json:"note,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}
