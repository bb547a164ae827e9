// # Error Codes Reference
//
// Every unit failure carries a support code so an operator reading the run
// notification can find the cause without the logs.
//
// # REDCap API Errors (API001-API099)
//
//	API001 - Transient API failure: REDCap timed out or returned 5xx/429
//	         Action: Retried automatically; re-run the job if it persists
//	         Types: *TransientAPIError
//
//	API002 - Invalid credentials: REDCap rejected the API token (401/403)
//	         Action: Check the project's token environment variable
//	         Types: *PermanentAPIError with status 401 or 403
//
//	API003 - API request rejected: REDCap returned a non-retryable 4xx
//	         Action: Check the instrument or report id in the catalog
//	         Types: *PermanentAPIError
//
// # Schema and Mapping Errors (SCH001, MAP001-MAP099)
//
//	SCH001 - Schema drift: a mapped field was removed or changed type
//	         Action: Update the field map and run "metadata refresh"
//	         Types: *IncompatibleSchemaChange
//
//	MAP001 - Unmapped field: the export has a column with no mapping
//	         Action: Add the field to the field map or mark it ignore
//	         Types: *UnmappedFieldError
//
//	MAP002 - No identifier: the instrument has no record id mapping
//	         Action: Flag the record id field as identifier in the field map
//	         Types: ErrNoIdentifier, ErrUnknownInstrument
//
// # Storage Errors (STO001)
//
//	STO001 - Storage access denied: the export archive is not writable
//	         Action: Check permissions on the export root or bucket
//	         Types: ErrAccessDenied
//
// # Warehouse Errors (DB001-DB099)
//
//	DB001 - Connection failed: the warehouse could not be reached
//	        Patterns: "connection refused", "connection reset"
//
//	DB002 - Timeout: the load did not finish in time
//	        Patterns: "timeout", "context deadline exceeded"
//
//	DB003 - Load rejected: the warehouse refused a statement
//	        Types: *WarehouseError that is not retryable
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Cancelled: the run was stopped before the unit finished
//	         Types: ErrCancelled, context.Canceled
//
//	RUN002 - Run active: another run is in progress
//	         Action: Wait for it to finish, then retry
//	         Types: ErrRunActive
//
//	RUN003 - Invalid selection: the requested project is not in the catalog
//	         Action: Check the project id against projects.yaml
//	         Types: ErrUnknownProject
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Check the application logs for the run id
//
// Typed errors are matched first. Otherwise patterns are matched
// case-insensitively with strings.Contains and the first match wins.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides operator-facing error information with a support code.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var (
	msgAPITransient = UserMessage{
		Message: "REDCap API is temporarily unavailable",
		Action:  "Retried automatically; re-run the job if it persists",
		Code:    "API001",
	}
	msgAPICredentials = UserMessage{
		Message: "REDCap rejected the API token",
		Action:  "Check the project's token environment variable",
		Code:    "API002",
	}
	msgAPIPermanent = UserMessage{
		Message: "REDCap rejected the export request",
		Action:  "Check the instrument or report id in the catalog",
		Code:    "API003",
	}
	msgSchemaDrift = UserMessage{
		Message: "A mapped field was removed or changed type in REDCap",
		Action:  "Update the field map and run metadata refresh",
		Code:    "SCH001",
	}
	msgUnmapped = UserMessage{
		Message: "The export contains a field with no mapping",
		Action:  "Add the field to the field map or mark it ignore",
		Code:    "MAP001",
	}
	msgNoIdentifier = UserMessage{
		Message: "The instrument has no record id mapping",
		Action:  "Flag the record id field as identifier in the field map",
		Code:    "MAP002",
	}
	msgStorageDenied = UserMessage{
		Message: "The export archive is not writable",
		Action:  "Check permissions on the export root or bucket",
		Code:    "STO001",
	}
	msgDBConnection = UserMessage{
		Message: "Unable to connect to the warehouse",
		Action:  "Retried automatically; check the database if it persists",
		Code:    "DB001",
	}
	msgDBTimeout = UserMessage{
		Message: "The operation timed out",
		Action:  "Retried automatically; consider a smaller window",
		Code:    "DB002",
	}
	msgDBRejected = UserMessage{
		Message: "The warehouse rejected the load",
		Action:  "Check the target table definition against the field map",
		Code:    "DB003",
	}
	msgCancelled = UserMessage{
		Message: "The run was cancelled",
		Action:  "Re-run the job to finish pending units",
		Code:    "RUN001",
	}
	msgRunActive = UserMessage{
		Message: "Another run is in progress",
		Action:  "Wait for it to finish, then retry",
		Code:    "RUN002",
	}
	msgUnknownProject = UserMessage{
		Message: "The requested project is not in the catalog",
		Action:  "Check the project id against projects.yaml",
		Code:    "RUN003",
	}
)

// errorPattern defines a pattern to match and its corresponding message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns covers errors that reach MapError without a typed wrapper.
// Specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{pattern: "connection refused", msg: msgDBConnection},
	{pattern: "connection reset", msg: msgDBConnection},
	{pattern: "context deadline exceeded", msg: msgDBTimeout},
	{pattern: "timeout", msg: msgDBTimeout},
	{pattern: "access denied", msg: msgStorageDenied},
	{pattern: "permission denied", msg: msgStorageDenied},
	{pattern: "context canceled", msg: msgCancelled},
}

// CodeUnknown is the code of errors no message covers.
const CodeUnknown = "ERR000"

// defaultMessage is returned when nothing matches.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the application logs for the run id",
	Code:    CodeUnknown,
}

// MapError converts a technical error to an operator-facing message.
//
// Example:
//
//	msg := MapError(&UnmappedFieldError{ProjectID: "42", InstrumentID: "demographics"})
//	// msg.Code == "MAP001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if msg, ok := typedMessage(err); ok {
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

func typedMessage(err error) (UserMessage, bool) {
	var (
		transient *TransientAPIError
		permanent *PermanentAPIError
		schema    *IncompatibleSchemaChange
		unmapped  *UnmappedFieldError
		wh        *WarehouseError
	)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return msgCancelled, true
	case errors.Is(err, ErrRunActive):
		return msgRunActive, true
	case errors.Is(err, ErrUnknownProject):
		return msgUnknownProject, true
	case errors.As(err, &schema):
		return msgSchemaDrift, true
	case errors.As(err, &unmapped):
		return msgUnmapped, true
	case errors.Is(err, ErrNoIdentifier), errors.Is(err, ErrUnknownInstrument):
		return msgNoIdentifier, true
	case errors.Is(err, ErrAccessDenied):
		return msgStorageDenied, true
	case errors.As(err, &permanent):
		if permanent.Credentials() {
			return msgAPICredentials, true
		}
		return msgAPIPermanent, true
	case errors.As(err, &transient):
		return msgAPITransient, true
	case errors.As(err, &wh):
		switch {
		case errors.Is(wh.Err, context.DeadlineExceeded):
			return msgDBTimeout, true
		case wh.Retryable:
			return msgDBConnection, true
		default:
			return msgDBRejected, true
		}
	}
	return UserMessage{}, false
}

// Code returns just the support code for err.
func Code(err error) string {
	return MapError(err).Code
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
