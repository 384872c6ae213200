package warehouse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Sentinel errors for warehouse stage failures. The typed errors below unwrap to them.
var (
	// ErrSchemaConflict is returned when a relation exists with an incompatible shape.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrBulkLoad is returned when a source cannot be ingested into its staging relation.
	ErrBulkLoad = errors.New("bulk load failed")

	// ErrReferentialViolation is returned when a fact or dimension row references a missing row.
	ErrReferentialViolation = errors.New("referential violation")

	// ErrNoDatabase is returned when a stage is constructed without a database handle.
	ErrNoDatabase = errors.New("database handle cannot be nil")
)

// PostgreSQL / Redshift SQLSTATE codes the stages classify.
const (
	codeForeignKeyViolation = "23503"
	codeNotNullViolation    = "23502"
	codeDuplicateTable      = "42P07"
	codeInternalError       = "XX000" // Redshift reports COPY load failures as XX000
	classDataException      = "22"
)

type (
	// SchemaConflictError reports a relation whose existing shape differs from its declaration.
	// Recreating the relation (drop, then create) is the only recovery and it destroys its rows.
	SchemaConflictError struct {
		Relation   string
		Missing    []string // declared columns absent from the relation
		Unexpected []string // relation columns that are not declared
		Err        error
	}

	// BulkLoadError reports a source that could not be ingested. No rows of the relation
	// were committed.
	BulkLoadError struct {
		Relation string
		Object   string // object location, empty when the failure is not tied to one object
		Record   int    // 1-based record number within Object, 0 when unknown
		Err      error
	}

	// ReferentialViolationError reports rows referencing missing dimension rows.
	ReferentialViolationError struct {
		Relation   string
		Constraint string
		Orphans    int64
		Err        error
	}
)

func (e *SchemaConflictError) Error() string {
	msg := fmt.Sprintf("%s: relation %s", ErrSchemaConflict, e.Relation)

	if len(e.Missing) > 0 {
		msg += " is missing columns [" + strings.Join(e.Missing, ", ") + "]"
	}

	if len(e.Unexpected) > 0 {
		msg += " has undeclared columns [" + strings.Join(e.Unexpected, ", ") + "]"
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes the sentinel and the cause to errors.Is / errors.As.
func (e *SchemaConflictError) Unwrap() []error {
	return joinCauses(ErrSchemaConflict, e.Err)
}

func (e *BulkLoadError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrBulkLoad, e.Relation)

	if e.Object != "" {
		msg += " from " + e.Object
	}

	if e.Record > 0 {
		msg += fmt.Sprintf(" (record %d)", e.Record)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes the sentinel and the cause to errors.Is / errors.As.
func (e *BulkLoadError) Unwrap() []error {
	return joinCauses(ErrBulkLoad, e.Err)
}

func (e *ReferentialViolationError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrReferentialViolation, e.Relation)

	if e.Constraint != "" {
		msg += " violates " + e.Constraint
	}

	if e.Orphans > 0 {
		msg += fmt.Sprintf(" (%d orphaned rows)", e.Orphans)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap exposes the sentinel and the cause to errors.Is / errors.As.
func (e *ReferentialViolationError) Unwrap() []error {
	return joinCauses(ErrReferentialViolation, e.Err)
}

func joinCauses(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}

	return []error{sentinel, cause}
}

// sqlState returns the SQLSTATE of a driver error, or "" when err is not a *pq.Error.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// classify converts a statement error on relation into the typed error it represents.
// Errors that carry no warehouse meaning are returned wrapped but untyped.
func classify(relation string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeForeignKeyViolation:
			return &ReferentialViolationError{Relation: relation, Constraint: pqErr.Constraint, Err: err}
		case codeDuplicateTable:
			return &SchemaConflictError{Relation: relation, Err: err}
		}
	}

	return fmt.Errorf("%s: %w", relation, err)
}

// isLoadFailure reports whether a COPY error was caused by the data rather than the connection.
func isLoadFailure(err error) bool {
	code := sqlState(err)

	return strings.HasPrefix(code, classDataException) ||
		code == codeNotNullViolation ||
		code == codeInternalError
}
