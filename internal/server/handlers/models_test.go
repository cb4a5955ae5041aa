package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/config"
)

func modelsRouter(cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.GET("/v1/models", NewModelsHandler(cfg).List)
	return r
}

func TestModelsListServesStaticRegistry(t *testing.T) {
	rec := getPath(modelsRouter(testConfig()), "/v1/models")

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "list", gjson.Get(body, "object").String())

	data := gjson.Get(body, "data").Array()
	require.Len(t, data, len(staticModels))
	require.Equal(t, "gemini-2.5-flash", data[0].Get("id").String())
	require.Equal(t, "gemini-2.5-flash-thinking", data[len(data)-1].Get("id").String())
	for _, m := range data {
		require.Equal(t, "model", m.Get("object").String())
		require.Equal(t, int64(registryCreated), m.Get("created").Int())
	}

	owners := map[string]string{}
	for _, m := range data {
		owners[m.Get("id").String()] = m.Get("owned_by").String()
	}
	require.Equal(t, "anthropic", owners["claude-sonnet-4-5-thinking"])
	require.Equal(t, "google", owners["gemini-3-pro-image-16x9"])
}

func TestModelsListMergesMappingAliases(t *testing.T) {
	cfg := testConfig()
	cfg.Proxy.AnthropicMapping = map[string]string{
		"claude-sonnet-4-5": "gemini-3-pro-high", // already in the registry
		"claude-haiku-4-5":  "gemini-2.5-flash",
		"claude-3-7-sonnet": "gemini-3-pro-low",
	}

	rec := getPath(modelsRouter(cfg), "/v1/models")

	require.Equal(t, http.StatusOK, rec.Code)
	data := gjson.Get(rec.Body.String(), "data").Array()
	require.Len(t, data, len(staticModels)+2, "registry entries are never duplicated")

	require.Equal(t, "claude-3-7-sonnet", data[len(data)-2].Get("id").String())
	require.Equal(t, "claude-haiku-4-5", data[len(data)-1].Get("id").String())
	for _, alias := range data[len(data)-2:] {
		require.Equal(t, "antigravity", alias.Get("owned_by").String())
		require.Equal(t, int64(aliasCreated), alias.Get("created").Int())
	}
}
