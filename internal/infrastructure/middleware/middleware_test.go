package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meetmesh/internal/core/domain"
	apperrors "meetmesh/pkg/errors"
)

type staticIdentity struct{}

func (staticIdentity) Authenticate(_ context.Context, token string) (*domain.User, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &domain.User{ID: "u-1", Username: "Alice"}, nil
}

func newAuthRouter(required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.Use(AuthMiddleware(staticIdentity{}, required))
	router.GET("/me", func(c *gin.Context) {
		user, ok := UserFromContext(c)
		if !ok {
			c.String(http.StatusOK, "anonymous")
			return
		}
		c.String(http.StatusOK, string(user.ID))
	})
	return router
}

func get(router *gin.Engine, target string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_Required(t *testing.T) {
	router := newAuthRouter(true)

	w := get(router, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(router, "/me", map[string]string{"Authorization": "Bearer bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(router, "/me", map[string]string{"Authorization": "Token good"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(router, "/me", map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", w.Body.String())

	w = get(router, "/me?token=good", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u-1", w.Body.String())
}

func TestAuthMiddleware_Optional(t *testing.T) {
	router := newAuthRouter(false)

	assert.Equal(t, "anonymous", get(router, "/me", nil).Body.String())
	assert.Equal(t, "anonymous", get(router, "/me?token=bad", nil).Body.String())
	assert.Equal(t, "u-1", get(router, "/me?token=good", nil).Body.String())
}

func TestErrorHandlerMiddleware_MapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   apperrors.ErrorCode
	}{
		{fmt.Errorf("%w: bad id", domain.ErrValidation), http.StatusBadRequest, apperrors.ErrCodeInvalidInput},
		{domain.ErrNotAMember, http.StatusForbidden, apperrors.ErrCodeNotAMember},
		{domain.ErrMeetingNotFound, http.StatusNotFound, apperrors.ErrCodeNotFound},
		{errors.Join(domain.ErrPersistence, errors.New("timeout")), http.StatusServiceUnavailable, apperrors.ErrCodePersistence},
		{errors.New("boom"), http.StatusInternalServerError, apperrors.ErrCodeInternal},
		{apperrors.NewRateLimitError(), http.StatusTooManyRequests, apperrors.ErrCodeRateLimit},
	}

	gin.SetMode(gin.TestMode)
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
			router.GET("/x", func(c *gin.Context) { _ = c.Error(tc.err) })

			w := get(router, "/x", nil)
			require.Equal(t, tc.status, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(tc.code), body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := get(router, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTracingMiddleware_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := get(router, "/x", nil)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = get(router, "/x", map[string]string{requestIDHeader: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}
