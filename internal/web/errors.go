package web

// errors.go turns service errors into JSON responses.
//
// The technical error is logged with the request id; the client gets the
// coded message from core.MapError. The status comes from the handler,
// refined by statusFor for errors that carry their own meaning.

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/feedloader/internal/core"
	"github.com/JonMunkholm/feedloader/internal/logging"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes its user message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	respondErrorJSON(w, userMsg, statusCode)
}

func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// statusFor returns the status for a service error, or fallback.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, progress.ErrUnknownOperation):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyOperations):
		return http.StatusServiceUnavailable
	}
	return fallback
}
