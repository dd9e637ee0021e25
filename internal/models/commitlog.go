package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// PreviewRow is one anonymized sample entry in the commit log.
type PreviewRow struct {
	RowIndex    int            `json:"row_index"`
	Disposition RowDisposition `json:"disposition"`
	FullName    string         `json:"full_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	Matricule   string         `json:"matricule,omitempty"`
}

// PreviewSample is the JSON column holding a handful of anonymized rows.
type PreviewSample []PreviewRow

func (s PreviewSample) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *PreviewSample) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// ImportCommitLog is the immutable audit record written once per batch,
// after every valid row has been dispositioned. It outlives staging rows:
// staging data may be purged, the log never is.
type ImportCommitLog struct {
	ID              string        `db:"id" json:"id"`
	BatchID         string        `db:"batch_id" json:"batch_id"`
	EstablishmentID string        `db:"establishment_id" json:"establishment_id"`
	CreatedStudents int           `db:"created_students" json:"created_students"`
	UpdatedStudents int           `db:"updated_students" json:"updated_students"`
	SkippedRows     int           `db:"skipped_rows" json:"skipped_rows"`
	ErrorRows       int           `db:"error_rows" json:"error_rows"`
	DurationMs      int64         `db:"duration_ms" json:"duration_ms"`
	PreviewSample   PreviewSample `db:"preview_sample" json:"preview_sample"`
	CommittedAt     time.Time     `db:"committed_at" json:"committed_at"`
}

// CommittedRowHash guards re-commits: a normalized payload hash already
// committed for the same tenant and school year is skipped, not recreated.
type CommittedRowHash struct {
	ID              string    `db:"id" json:"id"`
	EstablishmentID string    `db:"establishment_id" json:"establishment_id"`
	SchoolYear      string    `db:"school_year" json:"school_year"`
	RowHash         string    `db:"row_hash" json:"row_hash"`
	BatchID         string    `db:"batch_id" json:"batch_id"`
	RowIndex        int       `db:"row_index" json:"row_index"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
