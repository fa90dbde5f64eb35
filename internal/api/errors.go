package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
)

// statusFor maps a chat error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrValidation), errors.Is(err, chat.ErrUnsupportedMedia):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes {"error": msg}. Server errors are logged and their detail
// withheld from the client.
func (h *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := strings.TrimPrefix(err.Error(), "chat: ")
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		h.log.Error().Err(err).
			Str("path", c.Request.URL.Path).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("request failed")
		msg = "internal error"
		if errors.Is(err, chat.ErrStorageUpload) {
			msg = chat.ErrStorageUpload.Error()
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
