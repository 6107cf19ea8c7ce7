package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across repositories and services
var (
	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation or concurrent-merge conflict
	ErrConflict = errors.New("conflict")

	// ErrSourceDisabled indicates an ingestion attempt against a disabled source
	ErrSourceDisabled = errors.New("source disabled")
)

// MalformedRecordError indicates a source record missing required fields.
// The record is rejected and counted; the batch continues.
type MalformedRecordError struct {
	RawText string
	Reason  string
}

// Error implements the error interface
func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %s", e.RawText, e.Reason)
}

// MergeConflictError indicates a field whose incoming value is structurally
// incompatible with the stored one. The field is rejected; the merge proceeds.
type MergeConflictError struct {
	Field    string
	Existing string
	Incoming string
}

// Error implements the error interface
func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on field %q: existing %s, incoming %s", e.Field, e.Existing, e.Incoming)
}

// VerificationError indicates a post-ingestion shortfall: fewer evidence rows
// than distinct resolved identifiers. Surfaced at batch level, never swallowed.
type VerificationError struct {
	SourceName string
	Expected   int
	Actual     int
}

// Error implements the error interface
func (e *VerificationError) Error() string {
	return fmt.Sprintf("evidence verification shortfall for source %s: expected %d distinct genes, found %d",
		e.SourceName, e.Expected, e.Actual)
}
