package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/account"
)

// HealthHandler serves the unauthenticated liveness probe.
type HealthHandler struct {
	pool *account.Manager
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(pool *account.Manager) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": h.pool.Len(),
	})
}
