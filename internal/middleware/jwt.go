package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/auth-session-api/internal/models"
	appErrors "github.com/noah-isme/auth-session-api/pkg/errors"
	"github.com/noah-isme/auth-session-api/pkg/response"
)

// ContextUserKey is the gin context key storing access token claims.
const ContextUserKey = "currentUser"

type accessTokenValidator interface {
	ValidateAccessToken(token string) (*models.AccessClaims, error)
}

// JWT protects routes by requiring a valid access token.
func JWT(validator accessTokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims, err := validator.ValidateAccessToken(strings.TrimSpace(parts[1]))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

// Claims returns the access token claims attached by JWT.
func Claims(c *gin.Context) *models.AccessClaims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	claims, _ := value.(*models.AccessClaims)
	return claims
}

// SelfOnly allows the request only when the path parameter names the authenticated user.
func SelfOnly(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if c.Param(param) != claims.UserID {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "cannot act on another user"))
			c.Abort()
			return
		}
		c.Next()
	}
}
