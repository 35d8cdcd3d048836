package handler

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireBearer guards /api/ and the swagger UI with a static token. An empty token
// disables the check. Infra endpoints stay open. Browsers cannot set headers on a
// websocket upgrade, so the stream also accepts ?access_token=.
func RequireBearer(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		p := c.Request.URL.Path
		if !(strings.HasPrefix(p, "/api/") || strings.HasPrefix(p, "/swagger") || p == "/docs") {
			c.Next()
			return
		}
		got := ""
		if auth := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		} else if strings.HasSuffix(p, "/stream") {
			got = c.Query("access_token")
		}
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}
