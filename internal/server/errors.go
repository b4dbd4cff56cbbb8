package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// statusFor maps an error kind to an HTTP status. 423 (Locked) for a locked
// session keeps it distinguishable from 401 on the client.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindAuthRequired, types.KindBadPassphrase:
		return http.StatusUnauthorized
	case types.KindSessionLocked:
		return http.StatusLocked
	case types.KindInsufficientShares:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict, types.KindModelMismatch:
		return http.StatusConflict
	case types.KindPreconditionFailed:
		return http.StatusBadRequest
	case types.KindConversionFailed:
		return http.StatusUnprocessableEntity
	case types.KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case types.KindModelUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortErr writes the error as JSON and stops the handler chain. Internal
// errors log server-side and surface as an opaque message.
func abortErr(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Get(logging.CategoryAPI).Errorw("request failed",
			"path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
