// Package handlers implements the gateway's route handlers, including the
// account-rotating dispatch loop shared by both chat dialects.
package handlers

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// Dispatch pacing. A parsed quotaResetDelay waits in place (padded, capped)
// because the same account usually frees up within it; overload statuses get
// a short pause before the pool rotates.
const (
	retryDelayPadding = 200 * time.Millisecond
	retryDelayCap     = 10 * time.Second
	overloadedPause   = 500 * time.Millisecond
)

// waitFunc pauses between attempts. Handlers default to utils.Sleep; tests
// swap it out to assert on the requested delays.
type waitFunc func(ctx context.Context, d time.Duration) error

const traceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newTraceID returns a short marker correlating the log lines of one request.
func newTraceID() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = traceAlphabet[rand.Intn(len(traceAlphabet))]
	}
	return string(b)
}

// maxAttempts bounds the retry loop by pool size, always allowing at least
// one attempt so an empty pool still produces a proper error.
func maxAttempts(pool *account.Manager) int {
	n := pool.Len()
	if n > config.MaxRetryAttempts {
		n = config.MaxRetryAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// retryableStatus reports the statuses that cool the account and rotate.
func retryableStatus(status int) bool {
	return status == 429 || status == 500 || status == 503 || status == 529
}

// thinkingSignatureFailure matches the 400 bodies upstream returns when a
// replayed thinking block carries a stale or missing signature.
func thinkingSignatureFailure(body string) bool {
	return strings.Contains(body, "Invalid `signature`") ||
		strings.Contains(body, "thinking.signature") ||
		strings.Contains(body, "thinking.thinking")
}

// stripThinkingForRetry rewrites a signature-rejected request so it can be
// replayed plain: the thinking config goes away, thinking blocks are removed
// from the history, and -thinking model variants fall back to their base
// models.
func stripThinkingForRetry(req *anthropic.MessagesRequest) {
	req.Thinking = nil
	for i := range req.Messages {
		blocks := req.Messages[i].Content[:0]
		for _, block := range req.Messages[i].Content {
			if block.Type == "thinking" || block.Type == "redacted_thinking" {
				continue
			}
			blocks = append(blocks, block)
		}
		req.Messages[i].Content = blocks
	}
	if !strings.Contains(req.Model, "claude-") {
		return
	}
	m := strings.ReplaceAll(req.Model, "-thinking", "")
	switch {
	case strings.Contains(m, "claude-sonnet-4-5-"):
		m = "claude-sonnet-4-5"
	case strings.Contains(m, "claude-opus-4-5-"), strings.Contains(m, "claude-opus-4-"):
		m = "claude-opus-4-5"
	}
	req.Model = m
}

// safeAccountError keeps OAuth internals out of client-facing messages.
func safeAccountError(err error) string {
	if gerrors.IsInvalidGrant(err) {
		return "OAuth refresh failed (invalid_grant): refresh_token likely revoked/expired; reauthorize account(s) to restore service."
	}
	return err.Error()
}

// readBody drains and closes a failed upstream response.
func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return string(data)
}
