package core

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/constraint"
)

// ErrorCode is the stable, machine-readable category of a failure.
type ErrorCode string

const (
	CodeNotFound            ErrorCode = "not_found"
	CodeInvalidArgument     ErrorCode = "invalid_argument"
	CodeChecksumMismatch    ErrorCode = "checksum_mismatch"
	CodeInvalidState        ErrorCode = "invalid_state"
	CodeLockConflict        ErrorCode = "lock_conflict"
	CodeMissingDependency   ErrorCode = "missing_dependency"
	CodeConstraintViolation ErrorCode = "constraint_violation"
	CodePersistenceFailure  ErrorCode = "persistence_failure"
	CodeParseError          ErrorCode = "parse_error"
)

// Store sentinels. Backends wrap these so callers can test with errors.Is.
var (
	ErrSessionNotFound  = errors.New("import session not found")
	ErrSessionExists    = errors.New("import session already exists")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactExists   = errors.New("artifact already written")
	ErrStaleStatus      = errors.New("session status changed")
)

// Error is the typed failure returned by every core operation.
//
// Message is safe to show to users. The wrapped cause is only for logs and
// may contain raw driver text.
type Error struct {
	Code    ErrorCode
	Message string
	// Param names the offending request parameter for invalid_argument.
	Param string
	// Conflict and RowNumbers are set for constraint_violation.
	Conflict   *constraint.Detail
	RowNumbers []int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or "" for errors outside the taxonomy.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func newError(code ErrorCode, cause error, hint, format string, args ...any) error {
	err := errors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause})
	if hint != "" {
		err = errors.WithHint(err, hint)
	}
	return err
}

// NotFound reports an unknown import or a missing artifact.
func NotFound(id string, cause error) error {
	return newError(CodeNotFound, cause,
		"The import may have expired. Upload the file again",
		"import %s not found", id)
}

// InvalidArgument reports a bad request parameter by name.
func InvalidArgument(param, format string, args ...any) error {
	err := newError(CodeInvalidArgument, nil, "", format, args...)
	var e *Error
	if errors.As(err, &e) {
		e.Param = param
	}
	return errors.WithHintf(err, "Check the %s parameter", param)
}

// ChecksumMismatch reports a request checksum that does not match the
// checksum issued at staging time.
func ChecksumMismatch(id string) error {
	return newError(CodeChecksumMismatch, nil,
		"Reload the preview to get the current checksum",
		"checksum does not match staged data for import %s", id)
}

// InvalidState reports an operation attempted from the wrong status.
func InvalidState(id string, status Status) error {
	return newError(CodeInvalidState, nil,
		"Start a new import to load this file again",
		"import %s is %s", id, status)
}

// NothingToCommit reports a commit on an import without valid rows.
func NothingToCommit(id string) error {
	return newError(CodeInvalidState, nil,
		"Fix the row errors and upload the file again",
		"import %s has no valid rows to commit", id)
}

// BlockedByErrors reports a commit refused because rows failed validation
// and partial imports are disabled.
func BlockedByErrors(id string, errorRows int) error {
	return newError(CodeInvalidState, nil,
		"Fix the row errors and upload the file again",
		"import %s has %d rows with errors", id, errorRows)
}

// LockConflict reports that another commit holds the import lock.
func LockConflict(id string, cause error) error {
	return newError(CodeLockConflict, cause,
		"Another commit is in progress. Wait a moment and check the import status",
		"import %s is locked by another commit", id)
}

// MissingDependency reports an optional backend that is not available.
func MissingDependency(name string, cause error) error {
	return newError(CodeMissingDependency, cause,
		"Check the server configuration",
		"%s backend is not available", name)
}

// ConstraintViolation reports a parsed unique conflict and the staged rows
// that carry the conflicting values.
func ConstraintViolation(detail *constraint.Detail, rows []int, cause error) error {
	err := newError(CodeConstraintViolation, cause,
		"Remove or change the conflicting rows, or commit again with overwrite enabled",
		"duplicate value rejected by the database (%s)", detail.Summary())
	var e *Error
	if errors.As(err, &e) {
		e.Conflict = detail
		e.RowNumbers = rows
	}
	return err
}

// PersistenceFailure reports any other failure of the persist step.
func PersistenceFailure(cause error) error {
	return newError(CodePersistenceFailure, cause,
		"Please try again or contact support",
		"rows could not be saved")
}

// ParseError reports an upload that could not be parsed. Parser errors
// describe the file, not the server, so their text is kept in the message.
func ParseError(cause error) error {
	return errors.WithHint(
		errors.WithStack(&Error{
			Code:    CodeParseError,
			Message: fmt.Sprintf("file could not be parsed: %v", cause),
		}),
		"Ensure the file is a comma-separated CSV saved as UTF-8")
}
