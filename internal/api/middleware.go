package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kelsos/crawl-sync/internal/logger"
)

// AuthMiddleware rejects requests without a matching "Authorization: Bearer <token>" header
func AuthMiddleware(token string) gin.HandlerFunc {
	expected := []byte(token)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "missing authorization header")
			return
		}

		scheme, credentials, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			unauthorized(c, "authorization header must use the Bearer scheme")
			return
		}

		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(credentials)), expected) != 1 {
			unauthorized(c, "invalid token")
			return
		}

		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", "Bearer")
	fail(c, http.StatusUnauthorized, message)
	c.Abort()
}

// RequestLogger logs every request through the application logger
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		logger.Request(c.Request.Method, path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}
