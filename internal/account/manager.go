package account

import (
	"context"
	"sync"
	"time"

	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/internal/utils"
	"github.com/antigravity-tools/gateway/pkg/redis"
)

// TokenRefresher keeps an account's access token fresh. Implemented by
// auth.Client; declared here so the pool does not depend on the OAuth
// package.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context, token TokenData) (TokenData, bool, error)
}

type poolEntry struct {
	account   Account
	forbidden bool
}

// Manager is the in-memory account pool. It selects accounts for requests
// (least recently used first, round-robin on ties, sticky per session),
// keeps their tokens fresh and quarantines accounts whose refresh token was
// revoked.
type Manager struct {
	store     *Store
	refresher TokenRefresher
	tracker   *cloudcode.RateLimitTracker
	binder    *cloudcode.SessionBinder
	cache     *redis.Client // nil disables the shared token cache

	mu         sync.RWMutex
	entries    []*poolEntry
	rrCursor   int
	lastServed string

	lockMu       sync.Mutex
	accountLocks map[string]*sync.Mutex
}

// NewManager creates a pool over the given store. cache may be nil.
func NewManager(store *Store, refresher TokenRefresher, tracker *cloudcode.RateLimitTracker, binder *cloudcode.SessionBinder, cache *redis.Client) *Manager {
	return &Manager{
		store:        store,
		refresher:    refresher,
		tracker:      tracker,
		binder:       binder,
		cache:        cache,
		accountLocks: make(map[string]*sync.Mutex),
	}
}

// LoadAccounts clears and rebuilds the pool from the store. In-memory
// quarantine flags reset; a reauthorized account becomes eligible again.
func (m *Manager) LoadAccounts() (int, error) {
	accounts, err := m.store.List()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]*poolEntry, 0, len(accounts))
	for _, acc := range accounts {
		m.entries = append(m.entries, &poolEntry{account: *acc})
	}
	m.rrCursor = 0
	m.lastServed = ""
	utils.Info("[Pool] Loaded %d account(s)", len(m.entries))
	return len(m.entries), nil
}

// Len returns the number of accounts that are not quarantined.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if !e.forbidden {
			n++
		}
	}
	return n
}

// Emails returns the emails of all pooled accounts, quarantined included.
func (m *Manager) Emails() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	emails := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		emails = append(emails, e.account.Email)
	}
	return emails
}

// GetToken selects an account and returns its access token, project id and
// email. forceRotate excludes the previously served account so a retry
// lands elsewhere. sessionKey, when set, pins the conversation to the
// account that served it last, as long as that account stays usable.
func (m *Manager) GetToken(ctx context.Context, requestType string, forceRotate bool, sessionKey string) (string, string, string, error) {
	exclude := make(map[string]bool)
	if forceRotate {
		m.mu.RLock()
		if m.lastServed != "" {
			exclude[m.lastServed] = true
		}
		m.mu.RUnlock()
	}

	var lastRefreshErr error
	for {
		entry := m.selectEntry(sessionKey, forceRotate, exclude)
		if entry == nil {
			if lastRefreshErr != nil {
				return "", "", "", lastRefreshErr
			}
			return "", "", "", m.noAccountsError()
		}

		token, err := m.freshToken(ctx, entry)
		if err != nil {
			if gerrors.IsInvalidGrant(err) {
				m.quarantine(entry.account.ID, entry.account.Email)
				exclude[entry.account.ID] = true
				lastRefreshErr = err
				continue
			}
			return "", "", "", err
		}

		m.touch(entry.account.ID, sessionKey)
		utils.Debug("[Pool] Selected %s (type: %s)", entry.account.Email, requestType)
		return token.AccessToken, token.ProjectID, entry.account.Email, nil
	}
}

// MarkRateLimited records an upstream failure against an account so
// selection skips it while the cooldown runs.
func (m *Manager) MarkRateLimited(email string, status int, retryAfterHeader, body string) {
	m.tracker.RecordFailure(email, status, retryAfterHeader, body)
}

// selectEntry picks the next account: session binding first, then least
// recently used among live candidates, round-robin on ties.
func (m *Manager) selectEntry(sessionKey string, forceRotate bool, exclude map[string]bool) *poolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*poolEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.forbidden || exclude[e.account.ID] {
			continue
		}
		if m.tracker.IsCooling(e.account.Email) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	// A rotated retry deliberately leaves its pinned account behind.
	if sessionKey != "" && !forceRotate {
		if id, ok := m.binder.Lookup(sessionKey); ok {
			for _, e := range candidates {
				if e.account.ID == id {
					return e
				}
			}
		}
	}

	// RFC3339 UTC timestamps order lexicographically; never-used accounts
	// carry an empty string and sort first.
	oldest := candidates[0].account.LastUsed
	for _, e := range candidates[1:] {
		if e.account.LastUsed < oldest {
			oldest = e.account.LastUsed
		}
	}
	var ties []*poolEntry
	for _, e := range candidates {
		if e.account.LastUsed == oldest {
			ties = append(ties, e)
		}
	}
	chosen := ties[m.rrCursor%len(ties)]
	m.rrCursor++
	return chosen
}

// freshToken returns a usable access token for the entry, refreshing and
// persisting when needed. Refreshes of the same account are serialized.
func (m *Manager) freshToken(ctx context.Context, entry *poolEntry) (TokenData, error) {
	lock := m.accountLock(entry.account.ID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	token := entry.account.Token
	m.mu.RUnlock()

	if token.Valid(time.Now()) {
		return token, nil
	}

	// Another gateway process may have refreshed this account already.
	if m.cache != nil {
		if cached, err := m.cache.GetCachedToken(ctx, entry.account.Email); err == nil && cached != "" {
			utils.Debug("[Pool] Using shared cached token for %s", entry.account.Email)
			token.AccessToken = cached
			return token, nil
		}
	}

	fresh, refreshed, err := m.refresher.EnsureFresh(ctx, token)
	if err != nil {
		return TokenData{}, err
	}
	if !refreshed {
		return fresh, nil
	}

	m.mu.Lock()
	entry.account.Token = fresh
	saved := entry.account
	m.mu.Unlock()

	if err := m.store.Save(&saved); err != nil {
		utils.Warn("[Pool] Failed to persist refreshed token for %s: %v", saved.Email, err)
	}
	if m.cache != nil {
		if err := m.cache.SetCachedToken(ctx, saved.Email, fresh.AccessToken, config.TokenCacheTTL); err != nil {
			utils.Debug("[Pool] Token cache write failed for %s: %v", saved.Email, err)
		}
	}
	utils.Success("[Pool] Refreshed token for %s", saved.Email)
	return fresh, nil
}

func (m *Manager) touch(accountID, sessionKey string) {
	m.mu.Lock()
	for _, e := range m.entries {
		if e.account.ID == accountID {
			e.account.LastUsed = utils.NowISO()
			break
		}
	}
	m.lastServed = accountID
	m.mu.Unlock()

	if sessionKey != "" {
		m.binder.Bind(sessionKey, accountID)
	}
}

func (m *Manager) quarantine(accountID, email string) {
	m.mu.Lock()
	for _, e := range m.entries {
		if e.account.ID == accountID {
			e.forbidden = true
			break
		}
	}
	m.mu.Unlock()

	m.binder.UnbindAccount(accountID)
	utils.Error("[Pool] Account %s quarantined: refresh token rejected", email)
}

func (m *Manager) noAccountsError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return &gerrors.NoAccountsError{}
	}
	for _, e := range m.entries {
		if !e.forbidden && m.tracker.IsCooling(e.account.Email) {
			return &gerrors.NoAccountsError{AllRateLimited: true}
		}
	}
	return &gerrors.NoAccountsError{}
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.accountLocks[accountID] = lock
	}
	return lock
}
