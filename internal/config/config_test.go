package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, DefaultPort, cfg.Proxy.Port)
	require.True(t, cfg.Proxy.Enabled)
	require.True(t, cfg.Proxy.DowngradeBackgroundTasks)
	require.Equal(t, DefaultRequestTimeoutSeconds, cfg.Proxy.RequestTimeout)
	require.True(t, strings.HasPrefix(cfg.Proxy.APIKey, "sk-"))
	require.Len(t, cfg.Proxy.APIKey, 35)

	// Defaults are persisted so the generated key survives restarts.
	require.FileExists(t, filepath.Join(dir, "config.json"))

	again, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, cfg.Proxy.APIKey, again.Proxy.APIKey)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Proxy.Port = 9999
	cfg.Proxy.APIKey = "sk-test"
	cfg.Proxy.DowngradeBackgroundTasks = false
	cfg.Proxy.AnthropicMapping = map[string]string{"claude-sonnet-4-5": "gemini-3-flash"}
	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 9999, loaded.Proxy.Port)
	require.Equal(t, "sk-test", loaded.Proxy.APIKey)
	require.False(t, loaded.Proxy.DowngradeBackgroundTasks)
	require.Equal(t, "gemini-3-flash", loaded.Proxy.AnthropicMapping["claude-sonnet-4-5"])
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"proxy":{"port":9000,"api_key":"sk-abc","enabled":true,"downgrade_background_tasks":true}}`), 0644)
	require.NoError(t, err)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Proxy.Port)
	require.Equal(t, "sk-abc", cfg.Proxy.APIKey)
	require.Equal(t, DefaultRequestTimeoutSeconds, cfg.Proxy.RequestTimeout)
	require.True(t, cfg.Proxy.DowngradeBackgroundTasks)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORT", "7001")
	t.Setenv("API_KEY", "sk-env")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 7001, cfg.Proxy.Port)
	require.Equal(t, "sk-env", cfg.Proxy.APIKey)
}

func TestFallbackRoute(t *testing.T) {
	require.Equal(t, "gemini-3-pro-high", FallbackRoute("claude-sonnet-4-5-thinking"))
	require.Equal(t, "gemini-3-pro-low", FallbackRoute("claude-haiku-3-5"))
	require.Equal(t, "gemini-2.5-flash", FallbackRoute("gemini-2.5-flash"))
}
