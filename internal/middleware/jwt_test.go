package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/auth-session-api/internal/models"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
)

type stubValidator struct{}

func (stubValidator) ValidateAccessToken(token string) (*models.AccessClaims, error) {
	if token != "good" {
		return nil, appErrors.ErrInvalidToken
	}
	return &models.AccessClaims{UserID: "u1", Email: "user@example.com"}, nil
}

func newGuardedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWT(stubValidator{}), func(c *gin.Context) {
		c.String(http.StatusOK, Claims(c).UserID)
	})
	r.DELETE("/users/:id", JWT(stubValidator{}), SelfOnly("id"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestJWTGuard(t *testing.T) {
	r := newGuardedRouter()
	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"invalid token", "Bearer bad", http.StatusUnauthorized},
		{"valid token", "Bearer good", http.StatusOK},
		{"case insensitive scheme", "bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestSelfOnly(t *testing.T) {
	r := newGuardedRouter()

	req := httptest.NewRequest(http.MethodDelete, "/users/u2", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/users/u1", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
