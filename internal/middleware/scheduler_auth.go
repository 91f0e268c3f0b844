package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	apperrors "fintrack/internal/errors"
)

// SchedulerAuthMiddleware guards machine-triggered endpoints such as the
// recurring catch-up run. The X-API-Key header must match apiKey; an empty
// apiKey disables the endpoints entirely.
func SchedulerAuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			abortWithError(c, apperrors.ErrSchedulerNotConfigured)
			return
		}
		key := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			abortWithError(c, apperrors.ErrInvalidAPIKey)
			return
		}
		c.Set("scheduler", true)
		c.Next()
	}
}
