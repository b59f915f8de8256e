package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	apperrors "meetmesh/pkg/errors"
)

// ToAppError maps domain errors onto API errors. Unknown errors become
// internal errors.
func ToAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrValidation):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotAMember):
		return apperrors.WrapError(err, apperrors.ErrCodeNotAMember, "not a member of this meeting", http.StatusForbidden)
	case errors.Is(err, domain.ErrMeetingNotFound):
		appErr := apperrors.NewNotFoundError("meeting")
		appErr.Cause = err
		return appErr
	case errors.Is(err, domain.ErrPersistence):
		return apperrors.NewPersistenceError(err)
	default:
		appErr := apperrors.NewInternalError("internal server error")
		appErr.Cause = err
		return appErr
	}
}

func errorBody(appErr *apperrors.AppError) gin.H {
	body := gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	}
	if len(appErr.Context) > 0 {
		body["details"] = appErr.Context
	}
	return body
}

// ErrorHandlerMiddleware writes the last error a handler attached with
// c.Error as a structured response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		appErr := ToAppError(err)

		fields := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		}
		if appErr.HTTPStatus >= 500 {
			logger.Errorw("request failed", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		if !c.Writer.Written() {
			c.JSON(appErr.HTTPStatus, errorBody(appErr))
		}
	}
}

// RecoveryMiddleware turns a panic into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(apperrors.NewInternalError("internal server error")))
			}
		}()
		c.Next()
	}
}
