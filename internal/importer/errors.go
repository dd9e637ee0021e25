package importer

import (
	"fmt"
	"strings"
)

// MappingIncompleteError aborts resolution: a required target (or OR-group)
// has no contributing header among the detected headers. Batch-fatal.
type MappingIncompleteError struct {
	// Missing holds the unsatisfied entry's members; one element for a
	// single target, several for an OR-group.
	Missing []string
}

func (e *MappingIncompleteError) Error() string {
	if len(e.Missing) == 1 {
		return fmt.Sprintf("mapping incomplete: no header maps to required target %q", e.Missing[0])
	}
	return fmt.Sprintf("mapping incomplete: no header maps to any of required group [%s]",
		strings.Join(e.Missing, ", "))
}

// MappingAmbiguousError aborts resolution: two different headers resolve to
// the same target field. Batch-fatal.
type MappingAmbiguousError struct {
	Target  string
	Headers []string
}

func (e *MappingAmbiguousError) Error() string {
	return fmt.Sprintf("mapping ambiguous: headers [%s] all map to target %q",
		strings.Join(e.Headers, ", "), e.Target)
}

// DedupConflictError marks a row whose configured identity keys match two
// different existing students. The row is excluded from commit, never
// silently resolved in favor of one key.
type DedupConflictError struct {
	KeyA, KeyB         string
	StudentA, StudentB string
}

func (e *DedupConflictError) Error() string {
	return fmt.Sprintf("dedup conflict: %s matches student %s but %s matches student %s",
		e.KeyA, e.StudentA, e.KeyB, e.StudentB)
}

// BatchStateError reports an invalid state-machine transition attempt.
// Always a caller error; it never corrupts persisted batch state.
type BatchStateError struct {
	From, To string
}

func (e *BatchStateError) Error() string {
	return fmt.Sprintf("invalid batch transition %s -> %s", e.From, e.To)
}
