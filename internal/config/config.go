package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-tools/gateway/internal/utils"
)

// ProxyConfig holds the gateway settings persisted under the "proxy" key.
type ProxyConfig struct {
	Enabled                  bool              `json:"enabled"`
	Port                     int               `json:"port"`
	APIKey                   string            `json:"api_key"`
	AutoStart                bool              `json:"auto_start"`
	AnthropicMapping         map[string]string `json:"anthropic_mapping"`
	RequestTimeout           int               `json:"request_timeout"`
	DowngradeBackgroundTasks bool              `json:"downgrade_background_tasks"`
}

// Config is the persisted application configuration. It is loaded once at
// startup and treated as read-only afterwards.
type Config struct {
	Proxy     ProxyConfig `json:"proxy"`
	RedisAddr string      `json:"redis_addr,omitempty"`
	Debug     bool        `json:"debug,omitempty"`
}

// DefaultConfig returns a Config populated with default values
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Enabled:                  true,
			Port:                     DefaultPort,
			APIKey:                   "sk-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			AutoStart:                false,
			AnthropicMapping:         make(map[string]string),
			RequestTimeout:           DefaultRequestTimeoutSeconds,
			DowngradeBackgroundTasks: true,
		},
	}
}

// Load reads the configuration from dir/config.json, falling back to defaults
// for missing fields, then applies environment overrides. A missing file is
// not an error; the defaults are written back so the key survives restarts.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	path := ConfigPath(dir)
	if utils.FileExists(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else {
		if err := cfg.Save(dir); err != nil {
			utils.Warn("[Config] Could not write default config: %v", err)
		}
	}

	cfg.loadFromEnv()
	utils.SetDebug(cfg.Debug)

	return cfg, nil
}

// loadFromEnv applies environment variable overrides
func (c *Config) loadFromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Proxy.Port = p
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Proxy.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
}

// Save writes the configuration to dir/config.json
func (c *Config) Save(dir string) error {
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(dir), data, 0644)
}

// Timeout returns the upstream request timeout
func (c *Config) Timeout() time.Duration {
	if c.Proxy.RequestTimeout <= 0 {
		return DefaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(c.Proxy.RequestTimeout) * time.Second
}
