package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nps-dashboard-server/types"
)

// Claims represents the JWT claims (using shared types)
type Claims = types.Claims

// Context keys set by the auth middlewares.
const (
	ContextClaims   = "claims"
	ContextUsername = "username"
)

// TokenValidator parses an access token.
type TokenValidator interface {
	ValidateToken(tokenString string) (*types.Claims, error)
}

// AuthMiddleware validates the Bearer token and sets the caller in the context
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Authorization header required",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Token must be in format: Bearer <token>",
			})
			return
		}

		authenticate(c, validator, tokenString)
	}
}

// WebSocketAuthMiddleware validates a token passed as ?token= on the websocket handshake
func WebSocketAuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "Token required in query parameters",
			})
			return
		}

		authenticate(c, validator, tokenString)
	}
}

func authenticate(c *gin.Context, validator TokenValidator, tokenString string) {
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "Token is invalid or expired",
		})
		return
	}

	c.Set(ContextClaims, claims)
	c.Set(ContextUsername, claims.Username)
	c.Next()
}
