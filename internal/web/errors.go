package web

// errors.go provides unified error response handling for the web layer.
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls respondError(w, r, err, statusCode)
//  3. Error is mapped to an operator-facing message with a support code
//  4. Technical error + context is logged with request ID for correlation
//  5. The message is returned as JSON

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/logging"
)

var errRunNotFound = errors.New("run not found")

// badRequest marks a malformed request body.
type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs the technical error and returns the mapped message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	msg := userMessage(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", msg.Code,
	)

	writeJSON(w, statusCode, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

func userMessage(err error) core.UserMessage {
	var bad *badRequest
	switch {
	case errors.As(err, &bad):
		return core.UserMessage{Message: bad.Error(), Action: "Fix the request and retry", Code: "REQ001"}
	case errors.Is(err, errRunNotFound):
		return core.UserMessage{Message: "Run not found", Action: "Runs are kept in memory; it may have been evicted", Code: "REQ002"}
	}
	return core.MapError(err)
}
