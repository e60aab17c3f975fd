package handlers

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginFilter creates middleware that filters requests based on allowed
// origins. Patterns are exact origins, "*", globs such as
// "http://localhost:*", or host suffixes starting with a dot.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// If no origin header (direct WebSocket connection), check Sec-WebSocket-Origin
		if origin == "" {
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		allowed := origin != "" && originAllowed(origin, allowedOrigins)
		if !allowed && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		// Set CORS headers for allowed origins
		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		// Handle preflight OPTIONS request
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(origin string, patterns []string) bool {
	for _, pattern := range patterns {
		switch {
		case pattern == "*" || pattern == origin:
			return true
		case strings.HasPrefix(pattern, "."):
			u, err := url.Parse(origin)
			if err == nil && (strings.HasSuffix(u.Hostname(), pattern) || u.Hostname() == pattern[1:]) {
				return true
			}
		case strings.Contains(pattern, "*"):
			if ok, _ := path.Match(pattern, origin); ok {
				return true
			}
		}
	}
	return false
}
