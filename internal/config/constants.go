// Package config provides configuration constants and runtime configuration
// management for the gateway.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/antigravity-tools/gateway/internal/utils"
)

// Version information
const Version = "1.2.0"

// Cloud Code API endpoints, in fallback order (daily sandbox first).
const (
	EndpointDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	EndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the upstream endpoint fallback order
var EndpointFallbacks = []string{
	EndpointDaily,
	EndpointProd,
}

// UpstreamHost is the Host header value sent on v1internal calls
const UpstreamHost = "daily-cloudcode-pa.sandbox.googleapis.com"

// EnvelopeUserAgent is the userAgent field inside the v1internal envelope
const EnvelopeUserAgent = "antigravity"

// HTTPUserAgent returns the platform-specific User-Agent header value
func HTTPUserAgent() string {
	return fmt.Sprintf("antigravity/%s %s/%s", Version, runtime.GOOS, runtime.GOARCH)
}

// OAuthConfigType holds the Google OAuth client configuration
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURI  string
	Scopes       []string
}

// OAuthConfig is the Google OAuth configuration used by the desktop client
var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v2/userinfo",
	RedirectURI:  "http://localhost:51121/oauth-callback",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// Data layout under the user home directory

// DataDirName is the gateway's data directory under the user home
const DataDirName = ".antigravity_tools"

// DataDir returns the gateway data directory
func DataDir() string {
	return filepath.Join(utils.GetHomeDir(), DataDirName)
}

// AccountsIndexPath returns the account index file inside dir
func AccountsIndexPath(dir string) string {
	return filepath.Join(dir, "accounts.json")
}

// AccountsDir returns the per-account record directory inside dir
func AccountsDir(dir string) string {
	return filepath.Join(dir, "accounts")
}

// ConfigPath returns the config file inside dir
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.json")
}

// LogsDir returns the log directory inside dir
func LogsDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// ConsumerDBPath returns the consumer application's state database for this
// platform; used by the account import command.
func ConsumerDBPath() string {
	home := utils.GetHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

// Timing and retry constants
const (
	// TokenExpirySkew is subtracted from token expiry when deciding freshness
	TokenExpirySkew = 60 * time.Second
	// SessionBindingTTL is how long a conversation stays pinned to an account
	SessionBindingTTL = 10 * time.Minute
	// MaxRetryAttempts bounds the dispatcher retry loop (also capped by pool size)
	MaxRetryAttempts = 3
	// TokenCacheTTL is the shared access-token cache lifetime
	TokenCacheTTL = 5 * time.Minute
	// QuotaFetchRetries is the retry count for quota introspection on 429/5xx
	QuotaFetchRetries = 3
	// DefaultRequestTimeoutSeconds is the upstream call timeout default
	DefaultRequestTimeoutSeconds = 120
	// DefaultPort is the default gateway listen port
	DefaultPort = 8045
	// RequestBodyLimit caps incoming request bodies
	RequestBodyLimit = 10 << 20
)

// Model constants
const (
	// ModelFlash serves web-search requests and context compression
	ModelFlash = "gemini-2.5-flash"
	// ModelFlashLite serves downgraded background tasks
	ModelFlashLite = "gemini-2.5-flash-lite"
	// ImageModelBase is the image-generation model family prefix
	ImageModelBase = "gemini-3-pro-image"
)

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from the model name
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

// FallbackRoute maps claude model names without an explicit mapping to their
// upstream gemini equivalents. Non-claude names pass through unchanged.
func FallbackRoute(modelName string) string {
	lower := strings.ToLower(modelName)
	if !strings.Contains(lower, "claude") {
		return modelName
	}
	if strings.Contains(lower, "sonnet") {
		return "gemini-3-pro-high"
	}
	return "gemini-3-pro-low"
}
