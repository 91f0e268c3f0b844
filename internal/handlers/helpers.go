package handlers

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/validator"
)

// ErrorDetail represents the inner error object in an error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// getUserID extracts the authenticated user ID from the Gin context.
// Returns ErrUnauthorized if not present.
func getUserID(c *gin.Context) (string, error) {
	userID := c.GetString("userID")
	if userID == "" {
		return "", apperrors.ErrUnauthorized
	}
	return userID, nil
}

// parseDate parses a YYYY-MM-DD value into midnight UTC.
func parseDate(field, value string) (time.Time, error) {
	t, err := time.Parse(validator.DateLayout, value)
	if err != nil {
		return time.Time{}, apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid "+field+": expected YYYY-MM-DD")
	}
	return t, nil
}

// parseOptionalDate is parseDate for nullable fields.
func parseOptionalDate(field string, value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := parseDate(field, *value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseMoney parses a decimal amount already checked by the money validator.
func parseMoney(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid "+field)
	}
	return d, nil
}

// respondWithError writes a consistent JSON error response and records err on
// the context, where the error middleware logs it with the request id.
// AppErrors keep their status, code and message; anything else becomes a
// generic internal error so details do not leak.
func respondWithError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	c.JSON(appErr.StatusCode, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
	_ = c.Error(appErr)
}
