// Package auth provides Google OAuth token refresh, userinfo lookup and
// Code Assist project discovery for pool accounts.
package auth

import (
	"context"
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
	"github.com/antigravity-tools/gateway/internal/utils"
)

// Client calls Google's OAuth endpoints. URLs are fields so tests can point
// them at local servers.
type Client struct {
	HTTP          *http.Client
	TokenURL      string
	UserInfoURL   string
	CodeAssistURL string
}

// NewClient returns a Client wired to the production Google endpoints
func NewClient() *Client {
	return &Client{
		HTTP:          &http.Client{Timeout: 30 * time.Second},
		TokenURL:      config.OAuthConfig.TokenURL,
		UserInfoURL:   config.OAuthConfig.UserInfoURL,
		CodeAssistURL: config.EndpointProd,
	}
}

// Refresh exchanges a refresh token for a new access token. An upstream
// invalid_grant is surfaced as a terminal OAuthError so callers stop
// retrying the account.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, int64, error) {
	data := url.Values{
		"client_id":     {config.OAuthConfig.ClientID},
		"client_secret": {config.OAuthConfig.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("token refresh failed (%d): %s", resp.StatusCode, string(body))
		if strings.Contains(string(body), "invalid_grant") {
			return "", 0, gerrors.NewOAuthError(msg, true)
		}
		return "", 0, gerrors.NewOAuthError(msg, false)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", 0, gerrors.NewOAuthError("token response is not valid JSON: "+err.Error(), false)
	}
	if result.AccessToken == "" {
		return "", 0, gerrors.NewOAuthError("no access token in refresh response", false)
	}

	return result.AccessToken, result.ExpiresIn, nil
}

// EnsureFresh returns a token guaranteed valid for at least the expiry skew
// window. A still-fresh token comes back unchanged; otherwise the token is
// refreshed, preserving refresh token, email, project and session ids. The
// second return reports whether a refresh happened so the caller knows to
// persist.
func (c *Client) EnsureFresh(ctx context.Context, token account.TokenData) (account.TokenData, bool, error) {
	if token.Valid(time.Now()) {
		return token, false, nil
	}
	if token.RefreshToken == "" {
		return token, false, gerrors.NewOAuthError("token expired and no refresh token available", true)
	}

	utils.Debug("[OAuth] Refreshing access token for %s", token.Email)
	accessToken, expiresIn, err := c.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return token, false, err
	}

	fresh := token
	fresh.AccessToken = accessToken
	fresh.ExpiryTimestamp = time.Now().Unix() + expiresIn
	return fresh, true, nil
}

// UserInfo holds the identity fields read from the userinfo endpoint
type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FetchUserInfo reads the account identity behind an access token
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gerrors.NewOAuthError(fmt.Sprintf("userinfo failed (%d): %s", resp.StatusCode, string(body)), false)
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, gerrors.NewOAuthError("userinfo response is not valid JSON: "+err.Error(), false)
	}
	if info.Email == "" {
		return nil, gerrors.NewOAuthError("userinfo response has no email", false)
	}
	return &info, nil
}

// FetchProjectID resolves the Cloud Code project behind an access token via
// loadCodeAssist. Absence of a project is not an error; the empty string
// means none. Two attempts with a short pause between them.
func (c *Client) FetchProjectID(ctx context.Context, accessToken string) string {
	reqBody := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if err := utils.Sleep(ctx, 500*time.Millisecond); err != nil {
				return ""
			}
		}

		projectID, err := c.loadCodeAssistProject(ctx, accessToken, reqBody)
		if err != nil {
			utils.Debug("[OAuth] loadCodeAssist attempt %d failed: %v", attempt+1, err)
			continue
		}
		if projectID != "" {
			return projectID
		}
	}
	return ""
}

func (c *Client) loadCodeAssistProject(ctx context.Context, accessToken string, reqBody []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.CodeAssistURL+"/v1internal:loadCodeAssist", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.HTTPUserAgent())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned %d", resp.StatusCode)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}

	// Upstream returns the project as either a plain string or an object
	if projectID, ok := data["cloudaicompanionProject"].(string); ok {
		return projectID, nil
	}
	if projectObj, ok := data["cloudaicompanionProject"].(map[string]any); ok {
		if projectID, ok := projectObj["id"].(string); ok {
			return projectID, nil
		}
	}
	return "", nil
}

// OnboardFreeTier provisions a managed free-tier project for an account that
// has none. Used by the account CLI only; the request path never onboards.
// The onboard operation is long-running upstream, so the response is polled
// until done.
func (c *Client) OnboardFreeTier(ctx context.Context, accessToken string) (string, error) {
	reqBody := []byte(`{"tierId":"free-tier","metadata":{"ideType":"ANTIGRAVITY"}}`)

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := c.onboardOnce(ctx, accessToken, reqBody)
		if err != nil {
			return "", fmt.Errorf("onboardUser failed: %w", err)
		}

		if done, ok := result["done"].(bool); ok && done {
			if response, ok := result["response"].(map[string]any); ok {
				if proj, ok := response["cloudaicompanionProject"].(map[string]any); ok {
					if id, ok := proj["id"].(string); ok && id != "" {
						return id, nil
					}
				}
			}
			return "", fmt.Errorf("onboarding finished without a project id")
		}

		utils.Debug("[OAuth] onboardUser not complete, polling (%d/%d)", attempt+1, maxAttempts)
		if err := utils.Sleep(ctx, 2*time.Second); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("onboarding did not complete after %d polls", maxAttempts)
}

func (c *Client) onboardOnce(ctx context.Context, accessToken string, reqBody []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.CodeAssistURL+"/v1internal:onboardUser", strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", config.HTTPUserAgent())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, utils.TruncateString(string(body), 200))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}
