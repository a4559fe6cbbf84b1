package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// KioskAuth enforces bearer JWTs issued to registered kiosks. Tokens with a
// different role are rejected even when otherwise valid, and the kiosk id is
// placed on the request context for handlers.
func KioskAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != RoleKiosk {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "kiosk token required"})
			return
		}
		c.Set("kiosk_id", claims.KioskID)
		c.Set("claims", claims)
		c.Next()
	}
}
