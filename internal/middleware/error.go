package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/logger"
)

// ErrorHandler is the single place where request failures are logged. Errors
// recorded with c.Error are mapped onto the AppError taxonomy; if nothing has
// written a body yet (auth failures, bind errors raised by middleware) the
// last one is rendered as {"error":{"code","message"}}.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := toAppError(c.Errors.Last())
		logRequestError(c, appErr)

		if c.Writer.Size() > 0 {
			return
		}
		c.JSON(appErr.StatusCode, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
	}
}

// abortWithError records err for ErrorHandler and stops the chain. The status
// is set without flushing headers so the rendered body keeps its content type.
func abortWithError(c *gin.Context, err *apperrors.AppError) {
	c.Status(err.StatusCode)
	_ = c.Error(err)
	c.Abort()
}

func toAppError(ginErr *gin.Error) *apperrors.AppError {
	var appErr *apperrors.AppError
	switch {
	case errors.As(ginErr.Err, &appErr):
		return appErr
	case ginErr.IsType(gin.ErrorTypeBind):
		return apperrors.WithMessage(apperrors.ErrInvalidInput, ginErr.Error())
	default:
		return apperrors.Wrap(apperrors.ErrInternalServer, ginErr.Err)
	}
}

func logRequestError(c *gin.Context, appErr *apperrors.AppError) {
	log := logger.Get().With(
		"request_id", c.GetString(requestIDKey),
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"code", appErr.Code,
		"status", appErr.StatusCode,
	)
	if appErr.Internal != nil {
		log.Errorw("request failed", "internal", appErr.Internal.Error())
		return
	}
	log.Debugw("request rejected", "message", appErr.Message)
}
