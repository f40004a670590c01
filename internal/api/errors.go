package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vocalis-ai/vocalis/internal/apperr"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// statusFor maps an error kind to its HTTP status. This is the only place
// kinds and status codes meet.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Admission:
		return http.StatusTooManyRequests
	case apperr.Transport:
		return http.StatusBadGateway
	case apperr.Pipeline:
		return http.StatusUnprocessableEntity
	case apperr.Cancelled:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the structured error response for err and aborts the handler
// chain. Unclassified errors are logged and hidden behind a generic message.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "unhandled api error",
			"method", c.Request.Method, "path", c.FullPath(), "err", err)
		msg = "internal server error"
	}

	c.AbortWithStatusJSON(status, errorBody{Error: msg, Status: "error"})
}

// failValidation writes a 400 with a handler-provided message, for input
// problems detected before any subsystem is reached.
func failValidation(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: msg, Status: "error"})
}
