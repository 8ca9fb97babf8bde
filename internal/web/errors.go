package web

// errors.go provides unified error response handling for the web layer.
//
// Every error is logged with its technical detail and the request logger,
// then returned to the client as the user message and support code produced
// by export.MapError.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status for an export error.
func statusFor(err error) int {
	var linkErr *export.LinkError
	switch {
	case export.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrTooManyExports):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &linkErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the mapped user message. A zero status
// derives one from the error.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	msg := export.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeJSON(w, r, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// badRequest reports a malformed request that never reached the exporter.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	logging.FromContext(r.Context()).Warn("bad request", "path", r.URL.Path, "reason", message)
	writeJSON(w, r, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: message,
		Action:  "Check the request and try again.",
		Code:    "REQ003",
	})
}
