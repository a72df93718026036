package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// corsMiddleware allows same-origin browser access plus the local
// development UI on loopback origins.
func (s *GinServer) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allow := origin != "" && originAllowed(origin, c.Request.Host)
		if allow {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			if allow {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}
		c.Next()
	}
}

func originAllowed(origin, reqHost string) bool {
	i := strings.Index(origin, "://")
	if i < 0 {
		return false
	}
	scheme, host := origin[:i], origin[i+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}
	if host == reqHost {
		return true
	}
	switch canonicalHost(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// canonicalHost strips the port and lowercases a host header value.
func canonicalHost(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(v); err == nil {
		v = h
	}
	return strings.ToLower(strings.Trim(v, "[]"))
}

// securityHeadersMiddleware adds security headers
func (s *GinServer) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-Service-Version", s.version)
		c.Next()
	}
}

// requestLoggingMiddleware writes one access line per request. Agent link
// upgrades are long-lived and logged by their handler instead.
func (s *GinServer) requestLoggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/ws/tunnel", "/api/v1/health/live"},
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("[DOCKPIT] %s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		Output: gin.DefaultWriter,
	})
}
