// Package cloudcode implements the Cloud Code v1internal client: request
// envelopes, endpoint fallback, rate-limit tracking, session binding and
// quota introspection.
package cloudcode

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/utils"
)

// RateLimitInfo records one account cooldown
type RateLimitInfo struct {
	ResetTime  time.Time
	RetryAfter time.Duration
	DetectedAt time.Time
}

// RateLimitTracker keeps per-account cooldowns parsed from failed upstream
// responses. Keys are account emails. Expired entries are dropped on read.
type RateLimitTracker struct {
	mu     sync.Mutex
	limits map[string]RateLimitInfo
}

// NewRateLimitTracker creates an empty tracker
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{limits: make(map[string]RateLimitInfo)}
}

var (
	quotaDelayRegex    = regexp.MustCompile(`(\d+(?:\.\d+)?)(ms|s)`)
	tryAgainLongRegex  = regexp.MustCompile(`(?i)try again in (\d+)m\s*(\d+)s`)
	tryAgainShortRegex = regexp.MustCompile(`(?i)(?:try again in|backoff for|wait)\s*(\d+)s`)
	quotaResetRegex    = regexp.MustCompile(`(?i)quota will reset in (\d+) second`)
	retryAfterRegex    = regexp.MustCompile(`(?i)retry after (\d+) second`)
	waitParenRegex     = regexp.MustCompile(`\(wait (\d+)s\)`)
)

// RecordFailure parses a failed upstream response into a cooldown for the
// account. Only 429 and the 500/503/529 family mark accounts; other statuses
// return nil. 5xx without a parseable hint gets a short soft back-off so the
// pool rotates away from a struggling backend.
func (t *RateLimitTracker) RecordFailure(email string, status int, retryAfterHeader, body string) *RateLimitInfo {
	if status != 429 && status != 500 && status != 503 && status != 529 {
		return nil
	}

	seconds, ok := int64(0), false
	if retryAfterHeader != "" {
		if v, err := strconv.ParseInt(retryAfterHeader, 10, 64); err == nil {
			seconds, ok = v, true
		}
	}
	if !ok {
		seconds, ok = parseRetrySeconds(body)
	}

	if ok {
		// Floor of 2s so a tiny hint cannot cause a hot retry loop
		if seconds < 2 {
			seconds = 2
		}
	} else if status == 429 {
		utils.Debug("[RateLimit] No reset hint in 429 response, using 60s default")
		seconds = 60
	} else {
		utils.Warn("[RateLimit] Upstream %d, applying 20s soft back-off", status)
		seconds = 20
	}

	now := time.Now()
	info := RateLimitInfo{
		ResetTime:  now.Add(time.Duration(seconds) * time.Second),
		RetryAfter: time.Duration(seconds) * time.Second,
		DetectedAt: now,
	}

	t.mu.Lock()
	t.limits[email] = info
	t.mu.Unlock()

	utils.Warn("[RateLimit] Account %s marked (%d), reset in %ds", email, status, seconds)
	return &info
}

// parseRetrySeconds extracts a retry hint from an error body. JSON fields are
// probed first, then the known free-text phrasings.
func parseRetrySeconds(body string) (int64, bool) {
	trimmed := strings.TrimSpace(body)

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		// Google quota errors: error.details[0].quotaResetDelay as "42s" / "500ms"
		if delay := gjson.Get(trimmed, "error.details.0.quotaResetDelay"); delay.Exists() {
			if m := quotaDelayRegex.FindStringSubmatch(delay.String()); m != nil {
				val, _ := strconv.ParseFloat(m[1], 64)
				if m[2] == "s" {
					return int64(math.Ceil(val)), true
				}
				return int64(math.Ceil(val / 1000.0)), true
			}
		}
		// OpenAI-style integer error.retry_after
		if retry := gjson.Get(trimmed, "error.retry_after"); retry.Type == gjson.Number {
			return retry.Int(), true
		}
	}

	if m := tryAgainLongRegex.FindStringSubmatch(body); m != nil {
		minutes, _ := strconv.ParseInt(m[1], 10, 64)
		seconds, _ := strconv.ParseInt(m[2], 10, 64)
		return minutes*60 + seconds, true
	}
	if m := tryAgainShortRegex.FindStringSubmatch(body); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds, true
	}
	if m := quotaResetRegex.FindStringSubmatch(body); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds, true
	}
	if m := retryAfterRegex.FindStringSubmatch(body); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds, true
	}
	if m := waitParenRegex.FindStringSubmatch(body); m != nil {
		seconds, _ := strconv.ParseInt(m[1], 10, 64)
		return seconds, true
	}

	return 0, false
}

// ParseRetryDelay extracts the quotaResetDelay hint from a failed response
// body at millisecond resolution. The dispatcher uses it to wait in place
// before the next attempt instead of rotating immediately; cooldown
// bookkeeping stays with RecordFailure, which rounds to whole seconds.
func ParseRetryDelay(body string) (time.Duration, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return 0, false
	}
	delay := gjson.Get(trimmed, "error.details.0.quotaResetDelay")
	if !delay.Exists() {
		return 0, false
	}
	m := quotaDelayRegex.FindStringSubmatch(delay.String())
	if m == nil {
		return 0, false
	}
	val, _ := strconv.ParseFloat(m[1], 64)
	if m[2] == "s" {
		val *= 1000
	}
	return time.Duration(val) * time.Millisecond, true
}

// IsCooling reports whether the account is still inside a cooldown
func (t *RateLimitTracker) IsCooling(email string) bool {
	return t.Remaining(email) > 0
}

// Remaining returns how long the account stays cooling, zero when free.
// An expired entry is removed on the way out.
func (t *RateLimitTracker) Remaining(email string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, exists := t.limits[email]
	if !exists {
		return 0
	}
	remaining := time.Until(info.ResetTime)
	if remaining <= 0 {
		delete(t.limits, email)
		return 0
	}
	return remaining
}

// Clear removes the cooldown for one account
func (t *RateLimitTracker) Clear(email string) {
	t.mu.Lock()
	delete(t.limits, email)
	t.mu.Unlock()
}

// PurgeExpired drops all expired entries and returns how many were removed
func (t *RateLimitTracker) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	purged := 0
	for email, info := range t.limits {
		if !info.ResetTime.After(now) {
			delete(t.limits, email)
			purged++
		}
	}
	return purged
}
