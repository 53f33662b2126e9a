package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"dcss-portal/internal/apperr"
	"dcss-portal/internal/logging"
	"dcss-portal/internal/otp"
	"dcss-portal/internal/upload"
)

// writeError renders err as {"error": msg} with the status of its kind.
// Internal causes are logged, never returned.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	body := gin.H{"error": apperr.Message(err)}

	var ic *otp.InvalidCodeError
	if errors.As(err, &ic) {
		body["attempts_remaining"] = ic.Remaining
	}
	var inc *upload.IncompleteError
	if errors.As(err, &inc) {
		body["missing"] = inc.Missing
		body["missing_count"] = inc.Total()
	}

	if kind == apperr.Internal {
		logging.Error("request_failed", map[string]any{
			"request_id": requestIDFrom(c),
			"path":       c.Request.URL.Path,
		}, err)
	}
	c.AbortWithStatusJSON(status, body)
}
