package middleware

import (
	"net/http"

	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. AppErrors keep their code and status; anything else is a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := apperrors.GetAppError(err); appErr != nil {
			log := logger.Debugw
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log = logger.Errorw
			}
			log("request failed",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", err,
			)
			body := gin.H{"error": string(appErr.Code), "message": appErr.Message}
			if len(appErr.Context) > 0 {
				body["details"] = appErr.Context
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Errorw("unhandled error",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(apperrors.ErrCodeInternal),
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
