package core

// error_messages.go turns technical errors into coded messages for
// transports and the CLI.
//
// Codes are grouped by category:
//
//	DB001-DB099    storage and connectivity
//	VAL001-VAL099  record values and validation
//	FILE001-FILE099 source files
//	MAP001-MAP099  entities and mapping tables
//	OP001-OP099    operation lifecycle
//	ERR000         fallback; check the logs for the technical error
//
// Sentinel errors are matched with errors.Is first, then by their text.
// Anything else is matched case-insensitively by substring, first match
// wins, so specific patterns come before general ones.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/feedloader/internal/fileformat"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ErrCancelled, UserMessage{"Operation was cancelled", "Start a new operation when ready", "OP001"}},
	{ErrTooManyOperations, UserMessage{"System is busy processing other files", "Please wait a moment and try again", "OP002"}},
	{progress.ErrUnknownOperation, UserMessage{"Operation not found", "The operation may have expired. Please start a new one", "OP003"}},
	{context.Canceled, UserMessage{"Request was cancelled", "Please try again", "OP004"}},
	{context.DeadlineExceeded, UserMessage{"Operation timed out", "Try a smaller file or try again later", "OP005"}},
	{progress.ErrTerminal, UserMessage{"Operation has already finished", "Check its final status instead", "OP007"}},
	{ErrClientRequired, UserMessage{"No client was given", "Select the client the data belongs to", "OP006"}},

	{fileformat.ErrUnsupportedFormat, UserMessage{"File format is not supported", "Upload a .csv, .txt, .xls or .xlsx file", "FILE001"}},
	{fileformat.ErrMissingHeaders, UserMessage{"No header row was found", "Make sure the column headers are within the first 10 rows", "FILE002"}},
	{fileformat.ErrIO, UserMessage{"The file could not be read", "Check that the file is not corrupt and upload it again", "FILE003"}},

	{mapping.ErrUnknownEntity, UserMessage{"Unknown data type", "Choose one of the supported data types", "MAP001"}},
	{mapping.ErrUnknownTable, UserMessage{"Unknown column mapping", "Pick a mapping from the list or let it be suggested", "MAP002"}},
	{persist.ErrUnknownStrategy, UserMessage{"Unknown duplicate handling", "Use skip, override or ignore", "MAP003"}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Storage
	{"duplicate key", UserMessage{"A record with this key already exists", "Import with the override or skip strategy", "DB001"}},
	{"violates foreign key", UserMessage{"Referenced record does not exist", "Import the referenced products first", "DB002"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB003"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB004"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},

	// Values
	{"invalid date", UserMessage{"Invalid date format detected", "Use YYYY-MM-DD, DD.MM.YYYY or MM/DD/YYYY", "VAL001"}},
	{"invalid number", UserMessage{"Invalid number format detected", "Use digits with one decimal separator", "VAL002"}},
	{"invalid integer", UserMessage{"Invalid whole number detected", "Remove decimals and text from quantity columns", "VAL003"}},
	{"invalid bool", UserMessage{"Invalid yes/no value detected", "Use yes/no, true/false, 1/0 or да/нет", "VAL004"}},
	{"invalid enum", UserMessage{"Value is not in the allowed list", "Check the allowed values for this field", "VAL005"}},
	{"missing required field", UserMessage{"Required field is empty", "Ensure all required columns have values", "VAL006"}},
	{"unknown product", UserMessage{"Referenced product does not exist", "Import the products before their market data", "VAL007"}},

	// Files
	{"file too large", UserMessage{"File exceeds the maximum size limit", "Split the file into smaller parts", "FILE004"}},
	{"no file provided", UserMessage{"No file was selected", "Please select a file to import", "FILE005"}},
	{"unsupported charset", UserMessage{"File encoding is not supported", "Save the file as UTF-8", "FILE006"}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	// Errors that crossed a process boundary keep only their text.
	errStr := strings.ToLower(err.Error())
	for _, sm := range sentinelMessages {
		if strings.Contains(errStr, strings.ToLower(sm.err.Error())) {
			return sm.msg
		}
	}
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// MapMessage maps a stored error message, such as Snapshot.ErrorMessage,
// where only the text survives.
func MapMessage(msg string) UserMessage {
	if msg == "" {
		return UserMessage{}
	}
	if msg == progress.CancelledMessage {
		return MapError(ErrCancelled)
	}
	return MapError(errors.New(msg))
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

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
