package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
)

// PKCE holds the code verifier and challenge for one authorization attempt
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE generates a PKCE code verifier and its S256 challenge
func GeneratePKCE() (*PKCE, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return &PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState generates a random state parameter for CSRF protection
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(stateBytes), nil
}

// AuthorizationURL holds a ready-to-open authorization URL plus the PKCE
// verifier and state the caller must keep for the code exchange.
type AuthorizationURL struct {
	URL      string
	Verifier string
	State    string
}

// BuildAuthorizationURL prepares the Google consent URL for the no-browser
// add flow. The user opens it anywhere, approves, and pastes the redirect
// URL (or the bare code) back into the CLI.
func BuildAuthorizationURL() (*AuthorizationURL, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"client_id":             {config.OAuthConfig.ClientID},
		"redirect_uri":          {config.OAuthConfig.RedirectURI},
		"response_type":         {"code"},
		"scope":                 {strings.Join(config.OAuthConfig.Scopes, " ")},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {pkce.Challenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &AuthorizationURL{
		URL:      fmt.Sprintf("%s?%s", config.OAuthConfig.AuthURL, params.Encode()),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// ExtractCode pulls the authorization code out of pasted user input, which
// may be the full redirect URL or just the code parameter.
func ExtractCode(input string) (code, state string, err error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", "", fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("invalid URL format")
		}
		if errParam := parsed.Query().Get("error"); errParam != "" {
			return "", "", fmt.Errorf("OAuth error: %s", errParam)
		}
		code := parsed.Query().Get("code")
		if code == "" {
			return "", "", fmt.Errorf("no authorization code found in URL")
		}
		return code, parsed.Query().Get("state"), nil
	}

	// Google auth codes start with "4/" and are long
	if len(trimmed) < 10 {
		return "", "", fmt.Errorf("input is too short to be a valid authorization code")
	}
	return trimmed, "", nil
}

// ExchangeCode exchanges an authorization code for tokens
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (account.TokenData, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"code":          {code},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {config.OAuthConfig.RedirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return account.TokenData{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return account.TokenData{}, fmt.Errorf("code exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return account.TokenData{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return account.TokenData{}, gerrors.NewOAuthError(fmt.Sprintf("code exchange failed (%d): %s", resp.StatusCode, string(body)), false)
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokens); err != nil {
		return account.TokenData{}, gerrors.NewOAuthError("token response is not valid JSON: "+err.Error(), false)
	}
	if tokens.AccessToken == "" {
		return account.TokenData{}, gerrors.NewOAuthError("no access token received", false)
	}

	return account.TokenData{
		AccessToken:     tokens.AccessToken,
		RefreshToken:    tokens.RefreshToken,
		ExpiryTimestamp: time.Now().Unix() + tokens.ExpiresIn,
	}, nil
}
