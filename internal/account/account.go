// Package account implements the gateway's account pool: the on-disk store
// and the in-memory token manager that selects among accounts.
package account

import (
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
)

// TokenData holds the OAuth tokens for one account
type TokenData struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	Email           string `json:"email,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
}

// Valid reports whether the access token is still usable at now
func (t *TokenData) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Add(config.TokenExpirySkew).Unix() < t.ExpiryTimestamp
}

// ModelQuota holds the cached quota for one upstream model
type ModelQuota struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
	ResetTime  string `json:"reset_time,omitempty"`
}

// QuotaData holds the cached quota snapshot for an account
type QuotaData struct {
	Models      []ModelQuota `json:"models"`
	IsForbidden bool         `json:"is_forbidden"`
	LastUpdated string       `json:"last_updated,omitempty"`
}

// Account is one OAuth account record
type Account struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name,omitempty"`
	Token     TokenData  `json:"token"`
	CreatedAt string     `json:"created_at"`
	LastUsed  string     `json:"last_used"`
	Quota     *QuotaData `json:"quota,omitempty"`
}

// Summary is the index entry for an account
type Summary struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	LastUsed  string `json:"last_used"`
}

// Index is the on-disk account index
type Index struct {
	Accounts         []Summary `json:"accounts"`
	CurrentAccountID string    `json:"current_account_id,omitempty"`
}

func (idx *Index) find(email string) *Summary {
	for i := range idx.Accounts {
		if idx.Accounts[i].Email == email {
			return &idx.Accounts[i]
		}
	}
	return nil
}
