// Package server wires the gin engine: routes, middleware and lifecycle.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/utils"
)

// CORSMiddleware allows any origin; the gateway fronts local tooling.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Anthropic-Version")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// APIKeyAuthMiddleware validates the configured API key on /v1 routes. An
// empty configured key disables the check.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Proxy.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		authHeader := c.GetHeader("Authorization")
		xAPIKey := c.GetHeader("X-API-Key")

		if strings.HasPrefix(authHeader, "Bearer ") {
			providedKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else if xAPIKey != "" {
			providedKey = xAPIKey
		}

		if providedKey != cfg.Proxy.APIKey {
			utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}

		c.Next()
	}
}

// RequestLoggingMiddleware logs method, path, status and latency. Chatty
// housekeeping endpoints only log in debug mode.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		logMsg := "[%s] %s %d (%dms)"

		if path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			if utils.IsDebug() {
				utils.Debug(logMsg, c.Request.Method, path, status, duration.Milliseconds())
			}
			return
		}

		switch {
		case status >= 500:
			utils.Error(logMsg, c.Request.Method, path, status, duration.Milliseconds())
		case status >= 400:
			utils.Warn(logMsg, c.Request.Method, path, status, duration.Milliseconds())
		default:
			utils.Info(logMsg, c.Request.Method, path, status, duration.Milliseconds())
		}
	}
}

// SilentHandlerMiddleware swallows the telemetry and probe posts the Claude
// CLI sends to any base URL so they do not 404 into client-side warnings.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/api/event_logging/batch" || c.Request.URL.Path == "/") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}
