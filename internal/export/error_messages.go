package export

// error_messages.go maps export errors to user messages with support codes.
//
// # Export Errors (EXP001-EXP099)
//
//	EXP001 - No strategies: The export request selected no data
//	         Action: Select at least one section to export
//	         Patterns: "no export strategies"
//
//	EXP002 - No destination: The export request named no destination
//	         Action: Provide at least one destination key
//	         Patterns: "no export destination"
//
//	EXP003 - Duplicate file: Two sections produce the same file
//	         Action: Contact support; the export configuration is invalid
//	         Patterns: "duplicate export file name"
//
//	EXP004 - Unknown section: A requested section does not exist
//	         Action: Check the section names in the request
//	         Patterns: "unknown export section"
//
//	EXP005 - Links unavailable: Download links could not be created
//	         Action: Please try the export again
//	         Patterns: "failed to generate signed urls"
//
//	EXP006 - System busy: Too many exports in progress
//	         Action: Please wait a moment and try again
//	         Patterns: "too many concurrent exports"
//
//	EXP007 - Section failed: One of the export sections could not be prepared
//	         Action: Please try again or contact support
//	         Patterns: "export strategy"
//
//	EXP008 - Destination key: A destination key is empty or repeated
//	         Action: Provide distinct, non-empty destination keys
//	         Patterns: "export destination key"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Connection refused: Unable to connect to database
//	DB002 - Connection reset: Database connection was interrupted
//	DB003 - Timeout: Database operation timed out
//
// # Request Errors (REQ001-REQ099)
//
//	REQ001 - Request cancelled: The request was cancelled
//	REQ002 - Request timeout: The request took too long
//
// # Default Error (ERR000)
//
// Fallback when no pattern matches. Check the application log for the
// technical error, which is logged with the export ID.
//
// Patterns are matched case-insensitively with strings.Contains and the
// first match wins, so specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Request validation
	{
		pattern: "no export strategies",
		msg: UserMessage{
			Message: "No data was selected for export",
			Action:  "Select at least one section to export",
			Code:    "EXP001",
		},
	},
	{
		pattern: "no export destination",
		msg: UserMessage{
			Message: "No export destination was provided",
			Action:  "Provide at least one destination key",
			Code:    "EXP002",
		},
	},
	{
		pattern: "duplicate export file name",
		msg: UserMessage{
			Message: "Two export sections produce the same file",
			Action:  "Contact support; the export configuration is invalid",
			Code:    "EXP003",
		},
	},
	{
		pattern: "unknown export section",
		msg: UserMessage{
			Message: "A requested export section does not exist",
			Action:  "Check the section names in the request",
			Code:    "EXP004",
		},
	},
	{
		pattern: "export destination key",
		msg: UserMessage{
			Message: "A destination key is empty or repeated",
			Action:  "Provide distinct, non-empty destination keys",
			Code:    "EXP008",
		},
	},

	// Pipeline
	{
		pattern: "failed to generate signed urls",
		msg: UserMessage{
			Message: "Download links could not be created",
			Action:  "Please try the export again",
			Code:    "EXP005",
		},
	},
	{
		pattern: "too many concurrent exports",
		msg: UserMessage{
			Message: "Too many exports in progress",
			Action:  "Please wait a moment and try again",
			Code:    "EXP006",
		},
	},

	// Database connectivity comes before the generic strategy match, so a
	// strategy that lost its connection reports the connection problem.
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB001",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB002",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Database operation timed out",
			Action:  "Try exporting fewer sections or try again later",
			Code:    "DB003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "REQ001",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try exporting fewer sections or try again later",
			Code:    "REQ002",
		},
	},
	{
		pattern: "export strategy",
		msg: UserMessage{
			Message: "An export section could not be prepared",
			Action:  "Please try again or contact support",
			Code:    "EXP007",
		},
	},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Returns an empty UserMessage for a nil error.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError returns a single line suitable for API responses.
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
