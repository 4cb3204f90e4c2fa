package core

// error_messages.go maps errors to user-facing messages with a support code.
//
// # Error Codes Reference
//
// Typed core errors map by their ErrorCode:
//
//	IMP001 - not_found: Import not found
//	         Action: The import may have expired. Upload the file again
//
//	IMP002 - invalid_argument: A request parameter is invalid
//	         Action: the hint names the parameter
//
//	IMP003 - checksum_mismatch: Staged data changed since the preview
//	         Action: Reload the preview to get the current checksum
//
//	IMP004 - invalid_state: Import can no longer be committed
//	         Action: Start a new import
//
//	IMP005 - lock_conflict: Another commit is running
//	         Action: Wait a moment and check the import status
//
//	IMP006 - constraint_violation: Rows duplicate existing records
//	         Action: Remove or change the conflicting rows
//
//	IMP007 - persistence_failure: Rows could not be saved
//	         Action: Please try again or contact support
//
//	IMP008 - missing_dependency: A backend is not configured
//	         Action: Check the server configuration
//
//	FILE002 - parse_error: File is not a valid CSV
//
// Untyped errors fall back to case-insensitive pattern matching:
//
//	FILE001 - file too large
//	FILE004 - no file provided
//	FILE005 - empty file
//	UPL002  - too many uploads in progress
//	UPL004  - context canceled
//	UPL005  - context deadline exceeded
//	DB004   - connection refused
//	DB006   - timeout
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Support staff should check the logs for the
// technical error when users report ERR000.

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var codeMessages = map[ErrorCode]UserMessage{
	CodeNotFound: {
		Message: "Import not found",
		Action:  "The import may have expired. Upload the file again",
		Code:    "IMP001",
	},
	CodeInvalidArgument: {
		Message: "A request parameter is invalid",
		Action:  "Check the request parameters",
		Code:    "IMP002",
	},
	CodeChecksumMismatch: {
		Message: "The staged data does not match the preview you are viewing",
		Action:  "Reload the preview to get the current checksum",
		Code:    "IMP003",
	},
	CodeInvalidState: {
		Message: "This import can no longer be committed",
		Action:  "Start a new import to load this file again",
		Code:    "IMP004",
	},
	CodeLockConflict: {
		Message: "Another commit of this import is in progress",
		Action:  "Wait a moment and check the import status",
		Code:    "IMP005",
	},
	CodeConstraintViolation: {
		Message: "Some rows duplicate records that already exist",
		Action:  "Remove or change the conflicting rows, or commit again with overwrite enabled",
		Code:    "IMP006",
	},
	CodePersistenceFailure: {
		Message: "Rows could not be saved",
		Action:  "Please try again or contact support",
		Code:    "IMP007",
	},
	CodeMissingDependency: {
		Message: "A required backend is not available",
		Action:  "Check the server configuration",
		Code:    "IMP008",
	},
	CodeParseError: {
		Message: "File is not a valid CSV",
		Action:  "Ensure the file is a comma-separated CSV saved as UTF-8",
		Code:    "FILE002",
	},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is matched in order with strings.Contains on the lowercased
// error text. Specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Split the file into smaller chunks",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a CSV file to upload",
			Code:    "FILE004",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file is empty",
			Action:  "Please upload a CSV file with data rows",
			Code:    "FILE005",
		},
	},
	{
		pattern: "too many uploads",
		msg: UserMessage{
			Message: "Too many uploads in progress",
			Action:  "Please wait a moment and try again",
			Code:    "UPL002",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try uploading a smaller file or check your connection",
			Code:    "UPL005",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Please try again later",
			Code:    "DB006",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
//
// Typed core errors map by code, and the message carries the error's own
// safe text and hint. Other errors are matched against known patterns; if
// none matches, the ERR000 fallback is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if e, ok := AsError(err); ok {
		msg, known := codeMessages[e.Code]
		if !known {
			msg = defaultMessage
		}
		if e.Message != "" {
			msg.Message = e.Message
		}
		if hint := errors.FlattenHints(err); hint != "" {
			msg.Action = hint
		}
		return msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
