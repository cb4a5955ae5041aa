package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

const (
	registryCreated = 1734336000
	aliasCreated    = 1706745600
)

// staticModels is the set the gateway can actually serve. The route never
// consults upstream.
var staticModels = []anthropic.Model{
	{ID: "gemini-2.5-flash", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "gemini-3-pro-low", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "gemini-3-pro-high", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "gemini-3-pro-image", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "gemini-3-pro-image-16x9", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "gemini-3-pro-image-9x16", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "gemini-3-pro-image-4k", Object: "model", Created: registryCreated, OwnedBy: "google"},
	{ID: "claude-sonnet-4-5", Object: "model", Created: registryCreated, OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4-5-thinking", Object: "model", Created: registryCreated, OwnedBy: "anthropic"},
	{ID: "claude-opus-4-5-thinking", Object: "model", Created: registryCreated, OwnedBy: "anthropic"},
	{ID: "gemini-2.5-flash-thinking", Object: "model", Created: registryCreated, OwnedBy: "google"},
}

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	cfg *config.Config
}

// NewModelsHandler creates a models handler.
func NewModelsHandler(cfg *config.Config) *ModelsHandler {
	return &ModelsHandler{cfg: cfg}
}

// List returns the static registry plus any configured mapping aliases that
// are not already in it, so clients can discover the names routing accepts.
func (h *ModelsHandler) List(c *gin.Context) {
	data := make([]anthropic.Model, len(staticModels))
	copy(data, staticModels)

	seen := make(map[string]bool, len(data))
	for _, m := range data {
		seen[m.ID] = true
	}
	aliases := make([]string, 0, len(h.cfg.Proxy.AnthropicMapping))
	for alias := range h.cfg.Proxy.AnthropicMapping {
		if !seen[alias] {
			aliases = append(aliases, alias)
			seen[alias] = true
		}
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		data = append(data, anthropic.Model{ID: alias, Object: "model", Created: aliasCreated, OwnedBy: "antigravity"})
	}

	c.JSON(http.StatusOK, anthropic.ModelsResponse{Object: "list", Data: data})
}
