package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyUser is the key for storing the authenticated user in gin context
const ContextKeyUser = "authUser"

// Realm is sent in the WWW-Authenticate challenge.
const Realm = "txguard"

// RequireBasicAuth rejects requests without valid basic auth credentials.
// With no credentials configured every request passes.
func RequireBasicAuth(creds Credentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !creds.Enabled() {
			c.Next()
			return
		}

		user, pass, _ := c.Request.BasicAuth()
		if err := creds.Verify(user, pass); err != nil {
			c.Header("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyUser, user)
		c.Next()
	}
}

// GetAuthenticatedUser returns the authenticated user, or "" when auth is
// disabled or the request was not authenticated.
func GetAuthenticatedUser(c *gin.Context) string {
	return c.GetString(ContextKeyUser)
}
