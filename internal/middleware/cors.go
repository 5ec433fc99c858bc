package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowOrigins  []string
	AllowMethods  []string
	AllowHeaders  []string
	ExposeHeaders []string
	MaxAge        time.Duration
}

// DefaultCORSConfig returns the default CORS configuration
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			"GET", "POST", "DELETE", "OPTIONS",
		},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept",
			"Idempotency-Key", "X-Request-ID", "X-Signature",
		},
		ExposeHeaders: []string{
			"Content-Length", "X-Request-ID", ReplayedHeader,
		},
		MaxAge: 12 * time.Hour,
	}
}

// resolveAllowedOrigin returns the origin to reflect, or "" if origin is not allowed
func resolveAllowedOrigin(origin string, allowOrigins []string) string {
	for _, o := range allowOrigins {
		if o == "*" || o == origin {
			return origin
		}
	}
	if len(allowOrigins) > 0 && allowOrigins[0] == "*" {
		return "*"
	}
	return ""
}

// CORS returns a CORS middleware with the given configuration
func CORS(config CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowOrigin := resolveAllowedOrigin(origin, config.AllowOrigins)

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", strings.Join(config.AllowMethods, ", "))
			c.Header("Access-Control-Allow-Headers", strings.Join(config.AllowHeaders, ", "))
			c.Header("Access-Control-Max-Age", strconv.Itoa(int(config.MaxAge.Seconds())))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if len(config.ExposeHeaders) > 0 {
			c.Header("Access-Control-Expose-Headers", strings.Join(config.ExposeHeaders, ", "))
		}

		c.Next()
	}
}
