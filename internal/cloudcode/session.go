package cloudcode

import (
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// Fingerprint inputs are capped to heads so the key stays stable while a
// conversation grows: the system prompt and the opening user turns do not
// change between follow-up requests.
const (
	fingerprintHeadLen      = 256
	fingerprintUserMessages = 2
)

// SessionFingerprint derives a stable conversation key from a Messages
// request. Same conversation, same key, so the pool can pin follow-up turns
// to the account that served the first one and keep upstream prompt caches
// warm.
func SessionFingerprint(req *anthropic.MessagesRequest) string {
	h := fnv.New64a()
	h.Write([]byte(head(req.SystemText(), fingerprintHeadLen)))

	seen := 0
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		text := messageText(msg)
		if strings.TrimSpace(text) == "" {
			continue
		}
		h.Write([]byte{0})
		h.Write([]byte(head(text, fingerprintHeadLen)))
		seen++
		if seen == fingerprintUserMessages {
			break
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func messageText(msg anthropic.Message) string {
	parts := make([]string, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

type sessionBinding struct {
	accountID string
	expiresAt time.Time
}

// SessionBinder pins conversation fingerprints to account ids for a TTL.
// Bindings are best effort: callers fall back to normal selection when the
// pinned account is unavailable.
type SessionBinder struct {
	mu       sync.Mutex
	ttl      time.Duration
	bindings map[string]sessionBinding
}

// NewSessionBinder creates a binder; ttl <= 0 selects the default.
func NewSessionBinder(ttl time.Duration) *SessionBinder {
	if ttl <= 0 {
		ttl = config.SessionBindingTTL
	}
	return &SessionBinder{
		ttl:      ttl,
		bindings: make(map[string]sessionBinding),
	}
}

// Bind pins a session to an account and restarts its TTL.
func (b *SessionBinder) Bind(sessionKey, accountID string) {
	if sessionKey == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[sessionKey] = sessionBinding{
		accountID: accountID,
		expiresAt: time.Now().Add(b.ttl),
	}
}

// Lookup returns the pinned account id for a session. A hit refreshes the
// TTL so an active conversation stays pinned; expired bindings are dropped.
func (b *SessionBinder) Lookup(sessionKey string) (string, bool) {
	if sessionKey == "" {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	binding, ok := b.bindings[sessionKey]
	if !ok {
		return "", false
	}
	if time.Now().After(binding.expiresAt) {
		delete(b.bindings, sessionKey)
		return "", false
	}
	binding.expiresAt = time.Now().Add(b.ttl)
	b.bindings[sessionKey] = binding
	return binding.accountID, true
}

// Unbind drops a session's pin, if any.
func (b *SessionBinder) Unbind(sessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings, sessionKey)
}

// UnbindAccount drops every session pinned to an account. Used when an
// account is removed from the pool or becomes unusable.
func (b *SessionBinder) UnbindAccount(accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, binding := range b.bindings {
		if binding.accountID == accountID {
			delete(b.bindings, key)
		}
	}
}

// PurgeExpired removes bindings past their TTL and reports how many fell.
func (b *SessionBinder) PurgeExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	purged := 0
	for key, binding := range b.bindings {
		if now.After(binding.expiresAt) {
			delete(b.bindings, key)
			purged++
		}
	}
	return purged
}
