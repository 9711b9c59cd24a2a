package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/models"
)

// Context keys set by Auth.
const (
	IdentityKey = "identity"
	UserIDKey   = "userID"
)

// TokenValidator resolves a bearer token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (models.Identity, error)
}

// Auth validates the bearer token of every request and stores the identity in the gin context.
func Auth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		identity, err := validator.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(IdentityKey, identity)
		c.Set(UserIDKey, identity.UserID)
		c.Next()
	}
}

// InternalKey guards service-to-service routes with a shared key.
func InternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" || c.GetHeader("X-Internal-Key") != key {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Auth.
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	val, ok := c.Get(IdentityKey)
	if !ok {
		return models.Identity{}, false
	}
	identity, ok := val.(models.Identity)
	return identity, ok
}
