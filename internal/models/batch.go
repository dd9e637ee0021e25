package models

import "time"

// BatchStatus is the import batch state machine.
type BatchStatus string

const (
	BatchUploaded   BatchStatus = "uploaded"
	BatchMapped     BatchStatus = "mapped"
	BatchNormalized BatchStatus = "normalized"
	BatchValidated  BatchStatus = "validated"
	BatchReady      BatchStatus = "ready_to_commit"
	BatchCommitted  BatchStatus = "committed"
	BatchFailed     BatchStatus = "failed"
)

// batchTransitions is the one-directional transition table. "failed" is
// reachable from any non-terminal state; no state is ever revisited.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchUploaded:   {BatchMapped, BatchFailed},
	BatchMapped:     {BatchNormalized, BatchFailed},
	BatchNormalized: {BatchValidated, BatchFailed},
	BatchValidated:  {BatchReady, BatchFailed},
	BatchReady:      {BatchCommitted, BatchFailed},
	BatchCommitted:  {},
	BatchFailed:     {},
}

func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s BatchStatus) IsTerminal() bool {
	return s == BatchCommitted || s == BatchFailed
}

// SourceType of the uploaded artifact.
type SourceType string

const (
	SourceCSV  SourceType = "csv"
	SourceXLSX SourceType = "xlsx"
)

func (t SourceType) IsValid() bool {
	return t == SourceCSV || t == SourceXLSX
}

// IdentityKey is one probe key used by the dedup resolver.
type IdentityKey string

const (
	KeyEmail     IdentityKey = "email"
	KeyPhone     IdentityKey = "phone"
	KeyMatricule IdentityKey = "matricule"
)

// DedupStrategy selects the ordered identity keys used at commit time.
type DedupStrategy string

const (
	DedupEmailPhoneMatricule DedupStrategy = "email_phone_matricule"
	DedupEmailOnly           DedupStrategy = "email_only"
	DedupPhoneOnly           DedupStrategy = "phone_only"
	DedupMatriculeOnly       DedupStrategy = "matricule_only"
)

// Keys returns the probe order; the first present-and-matching key wins.
func (s DedupStrategy) Keys() []IdentityKey {
	switch s {
	case DedupEmailOnly:
		return []IdentityKey{KeyEmail}
	case DedupPhoneOnly:
		return []IdentityKey{KeyPhone}
	case DedupMatriculeOnly:
		return []IdentityKey{KeyMatricule}
	default:
		return []IdentityKey{KeyEmail, KeyPhone, KeyMatricule}
	}
}

func (s DedupStrategy) IsValid() bool {
	switch s {
	case DedupEmailPhoneMatricule, DedupEmailOnly, DedupPhoneOnly, DedupMatriculeOnly:
		return true
	}
	return false
}

// ImportBatch is one ingestion run for a tenant and school year.
// Counters are recomputed from the staging-row table at every transition,
// never incremented in place.
type ImportBatch struct {
	ID               string        `db:"id" json:"id"`
	EstablishmentID  string        `db:"establishment_id" json:"establishment_id"`
	CreatedBy        string        `db:"created_by" json:"created_by"`
	SourceType       SourceType    `db:"source_type" json:"source_type"`
	OriginalFilename string        `db:"original_filename" json:"original_filename"`
	SchoolYear       string        `db:"school_year" json:"school_year"`
	Status           BatchStatus   `db:"status" json:"status"`
	MappingID        *string       `db:"mapping_id" json:"mapping_id,omitempty"`
	DedupStrategy    DedupStrategy `db:"dedup_strategy" json:"dedup_strategy"`
	TotalRows        int           `db:"total_rows" json:"total_rows"`
	ValidRows        int           `db:"valid_rows" json:"valid_rows"`
	ErrorRows        int           `db:"error_rows" json:"error_rows"`
	FailureReason    string        `db:"failure_reason" json:"failure_reason,omitempty"`
	StartedAt        time.Time     `db:"started_at" json:"started_at"`
	FinishedAt       *time.Time    `db:"finished_at" json:"finished_at,omitempty"`
}

// ImportFile is the raw source artifact attached to a batch.
type ImportFile struct {
	ID             string     `db:"id" json:"id"`
	BatchID        string     `db:"batch_id" json:"batch_id"`
	StoragePath    string     `db:"storage_path" json:"storage_path"`
	ChecksumSHA256 string     `db:"checksum_sha256" json:"checksum_sha256"`
	Encoding       string     `db:"encoding" json:"encoding"`
	Delimiter      string     `db:"delimiter" json:"delimiter"`
	SheetName      string     `db:"sheet_name" json:"sheet_name"`
	RowsCount      int        `db:"rows_count" json:"rows_count"`
	Headers        StringList `db:"headers" json:"headers"`
	UploadedAt     time.Time  `db:"uploaded_at" json:"uploaded_at"`
}
