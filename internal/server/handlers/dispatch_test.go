package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/internal/format"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// upstreamStep scripts one v1internal response. stream switches the content
// type to SSE; the body is written as-is either way.
type upstreamStep struct {
	status int
	body   string
	stream bool
}

type upstreamCall struct {
	path  string
	query string
	auth  string
	body  []byte
}

// fakeUpstream plays scripted responses in order and records every call it
// served so tests can assert on the envelopes the handlers built.
type fakeUpstream struct {
	t     *testing.T
	mu    sync.Mutex
	steps []upstreamStep
	calls []upstreamCall
}

func newFakeUpstream(t *testing.T, steps ...upstreamStep) (*fakeUpstream, string) {
	t.Helper()
	f := &fakeUpstream{t: t, steps: steps}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{
		path:  r.URL.Path,
		query: r.URL.RawQuery,
		auth:  r.Header.Get("Authorization"),
		body:  body,
	})
	var step upstreamStep
	if len(f.steps) > 0 {
		step, f.steps = f.steps[0], f.steps[1:]
	} else {
		f.t.Errorf("upstream call %d has no scripted response", len(f.calls))
		step = upstreamStep{status: http.StatusInternalServerError, body: `{"error":{"message":"unscripted"}}`}
	}
	f.mu.Unlock()

	if step.stream {
		w.Header().Set("Content-Type", "text/event-stream")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(step.status)
	w.Write([]byte(step.body))
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUpstream) call(t *testing.T, i int) upstreamCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.calls), i, "upstream call %d never happened", i)
	return f.calls[i]
}

// unaryText is a wrapped single-candidate response with fixed usage numbers.
func unaryText(text string) string {
	return fmt.Sprintf(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":%q}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4,"totalTokenCount":16}}}`, text)
}

func sseFrames(frames ...string) string {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString("data: ")
		sb.WriteString(f)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

type staticRefresher struct{}

func (staticRefresher) EnsureFresh(_ context.Context, token account.TokenData) (account.TokenData, bool, error) {
	return token, false, nil
}

type revokedRefresher struct{}

func (revokedRefresher) EnsureFresh(context.Context, account.TokenData) (account.TokenData, bool, error) {
	return account.TokenData{}, false, gerrors.NewOAuthError("invalid_grant: token revoked", true)
}

func poolToken(i int) account.TokenData {
	return account.TokenData{
		AccessToken:     fmt.Sprintf("tok-%d", i),
		RefreshToken:    fmt.Sprintf("refresh-%d", i),
		ExpiryTimestamp: time.Now().Add(time.Hour).Unix(),
		ProjectID:       fmt.Sprintf("proj-%d", i),
	}
}

// newTestPool builds a pool over a throwaway store. Tokens are added in order,
// so the first one is also the first the pool serves.
func newTestPool(t *testing.T, refresher account.TokenRefresher, tokens ...account.TokenData) *account.Manager {
	t.Helper()
	store, err := account.NewStore(t.TempDir())
	require.NoError(t, err)
	for i, token := range tokens {
		_, err := store.Add(fmt.Sprintf("acct-%d@example.com", i), "", token)
		require.NoError(t, err)
	}
	pool := account.NewManager(store, refresher, cloudcode.NewRateLimitTracker(), cloudcode.NewSessionBinder(config.SessionBindingTTL), nil)
	_, err = pool.LoadAccounts()
	require.NoError(t, err)
	return pool
}

func testConfig() *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			Port:                     config.DefaultPort,
			AnthropicMapping:         map[string]string{},
			RequestTimeout:           10,
			DowngradeBackgroundTasks: true,
		},
	}
}

// waitRecorder stands in for the handlers' pause between attempts and keeps
// the requested durations for assertions. Tests never actually sleep.
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *waitRecorder) wait(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

func (r *waitRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func messagesRouter(t *testing.T, pool *account.Manager, upstreamURL string, cfg *config.Config) (*gin.Engine, *waitRecorder) {
	t.Helper()
	client := cloudcode.NewClientWithEndpoints(5*time.Second, []string{upstreamURL})
	h := NewMessagesHandler(pool, client, cfg, format.NewSignatureStore(nil))
	rec := &waitRecorder{}
	h.wait = rec.wait
	r := gin.New()
	r.POST("/v1/messages", h.Messages)
	r.POST("/v1/messages/count_tokens", h.CountTokens)
	return r, rec
}

func chatRouter(t *testing.T, pool *account.Manager, upstreamURL string, cfg *config.Config) (*gin.Engine, *waitRecorder) {
	t.Helper()
	client := cloudcode.NewClientWithEndpoints(5*time.Second, []string{upstreamURL})
	h := NewChatHandler(pool, client, cfg)
	rec := &waitRecorder{}
	h.wait = rec.wait
	r := gin.New()
	r.POST("/v1/chat/completions", h.ChatCompletions)
	return r, rec
}

func postJSON(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func getPath(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestMaxAttemptsBounds(t *testing.T) {
	pool := newTestPool(t, staticRefresher{})
	require.Equal(t, 1, maxAttempts(pool), "empty pool still gets one attempt")

	pool = newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	require.Equal(t, 2, maxAttempts(pool))

	pool = newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1), poolToken(2), poolToken(3))
	require.Equal(t, config.MaxRetryAttempts, maxAttempts(pool))
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{429, 500, 503, 529} {
		require.True(t, retryableStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 400, 401, 403, 404, 502} {
		require.False(t, retryableStatus(status), "status %d", status)
	}
}

func TestThinkingSignatureFailure(t *testing.T) {
	require.True(t, thinkingSignatureFailure("Invalid `signature` for thought block"))
	require.True(t, thinkingSignatureFailure(`{"error":{"message":"messages.1.content.0.thinking.signature: field invalid"}}`))
	require.True(t, thinkingSignatureFailure("thinking.thinking must not be empty"))
	require.False(t, thinkingSignatureFailure(`{"error":{"message":"temperature out of range"}}`))
}

func TestStripThinkingForRetry(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Thinking: &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 4096},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "thinking", Thinking: "pondering", Signature: "sig"},
				{Type: "redacted_thinking", Data: "opaque"},
				{Type: "text", Text: "hello"},
			}},
		},
	}

	stripThinkingForRetry(req)

	require.Nil(t, req.Thinking)
	require.Equal(t, "claude-sonnet-4-5", req.Model)
	blocks := req.Messages[1].Content
	require.Len(t, blocks, 2, "only plain thinking blocks are dropped")
	require.Equal(t, "redacted_thinking", blocks[0].Type)
	require.Equal(t, "text", blocks[1].Type)
}

func TestStripThinkingForRetryModelNames(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-5-thinking": "claude-sonnet-4-5",
		"claude-sonnet-4-5-20250929": "claude-sonnet-4-5",
		"claude-opus-4-5-thinking":   "claude-opus-4-5",
		"claude-opus-4-1-20250805":   "claude-opus-4-5",
		"claude-haiku-3-5":           "claude-haiku-3-5",
		"gemini-3-pro-high":          "gemini-3-pro-high",
	}
	for in, want := range cases {
		req := &anthropic.MessagesRequest{Model: in}
		stripThinkingForRetry(req)
		require.Equal(t, want, req.Model, "model %s", in)
	}
}

func TestSafeAccountError(t *testing.T) {
	revoked := gerrors.NewOAuthError("invalid_grant: Token has been expired or revoked", true)
	msg := safeAccountError(revoked)
	require.Contains(t, msg, "reauthorize account(s)")
	require.NotContains(t, msg, "expired or revoked", "raw OAuth detail must not leak")

	plain := &gerrors.NoAccountsError{}
	require.Equal(t, plain.Error(), safeAccountError(plain))
}
