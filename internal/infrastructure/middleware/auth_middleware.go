package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"meetmesh/internal/core/domain"
	"meetmesh/internal/core/ports"
	apperrors "meetmesh/pkg/errors"
)

const userContextKey = "meetmesh.user"

// bearerToken reads the Authorization header, falling back to the token
// query parameter because browsers cannot set headers on a websocket upgrade.
func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return parts[1], true
	}
	return c.Query("token"), true
}

// AuthMiddleware resolves the caller through the identity provider. When
// required is false anonymous requests pass through without a user.
func AuthMiddleware(idp ports.IdentityProvider, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("invalid authorization header format"))
			return
		}
		if token == "" {
			if required {
				abortWith(c, apperrors.NewUnauthorizedError("authorization required"))
				return
			}
			c.Next()
			return
		}

		user, err := idp.Authenticate(c.Request.Context(), token)
		if err != nil {
			if required {
				abortWith(c, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "invalid token", http.StatusUnauthorized))
				return
			}
			c.Next()
			return
		}

		c.Set(userContextKey, *user)
		c.Next()
	}
}

// UserFromContext returns the user AuthMiddleware resolved, if any.
func UserFromContext(c *gin.Context) (domain.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return domain.User{}, false
	}
	user, ok := v.(domain.User)
	return user, ok
}

func abortWith(c *gin.Context, appErr *apperrors.AppError) {
	_ = c.Error(appErr)
	c.AbortWithStatusJSON(appErr.HTTPStatus, errorBody(appErr))
}
