// Package middleware provides HTTP middleware for the gnt-shepherd ops API.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

// ErrorHandler is a Gin middleware that provides centralized error handling.
// It captures errors added via c.Error() and returns a consistent JSON response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		if appErr, ok := apperrors.IsAppError(err); ok {
			fields := []zap.Field{
				RequestIDField(c.Request.Context()),
				zap.String("kind", appErr.Kind.String()),
				zap.String("code", appErr.Code),
				zap.Int("status", appErr.HTTPStatus),
				zap.Error(appErr.Err),
			}
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Error("Request error", fields...)
			} else {
				logger.Warn("Request error", fields...)
			}

			body := gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			}
			if len(appErr.Params) > 0 {
				body["params"] = appErr.Params
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		// Fallback: generic 500 error
		logger.Error("Unhandled request error",
			RequestIDField(c.Request.Context()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperrors.CodeInternal,
			"message": "An internal error occurred",
		})
	}
}
