package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/config"
)

func TestChatCompletionsUnary(t *testing.T) {
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: unaryText("pong")})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"ping"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	require.Equal(t, "gemini-2.5-flash", gjson.Get(body, "model").String())
	require.Equal(t, "assistant", gjson.Get(body, "choices.0.message.role").String())
	require.Equal(t, "pong", gjson.Get(body, "choices.0.message.content").String())
	require.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	require.Equal(t, int64(12), gjson.Get(body, "usage.prompt_tokens").Int())
	require.Equal(t, int64(4), gjson.Get(body, "usage.completion_tokens").Int())
	require.Equal(t, int64(16), gjson.Get(body, "usage.total_tokens").Int())

	call := upstream.call(t, 0)
	require.Equal(t, "/v1internal:generateContent", call.path)
	require.Equal(t, "gemini-2.5-flash", gjson.GetBytes(call.body, "model").String())
	require.False(t, gjson.GetBytes(call.body, "requestType").Exists())

	sum := sha256.Sum256([]byte("ping"))
	require.Equal(t, hex.EncodeToString(sum[:16]), gjson.GetBytes(call.body, "request.sessionId").String(),
		"session id derives from the first user message")
	require.False(t, strings.HasPrefix(gjson.GetBytes(call.body, "requestId").String(), "agent-"))
}

func TestChatCompletionsStreaming(t *testing.T) {
	body := sseFrames(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2,"totalTokenCount":11}}}`,
	)
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: body, stream: true})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	require.Contains(t, out, `"object":"chat.completion.chunk"`)
	require.Contains(t, out, `"content":"Hel"`)
	require.Contains(t, out, `"content":"lo"`)
	require.Contains(t, out, `"finish_reason":"stop"`)
	require.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	call := upstream.call(t, 0)
	require.Equal(t, "/v1internal:streamGenerateContent", call.path)
	require.Equal(t, "alt=sse", call.query)
}

func TestChatCompletionsImageModelSynthesizesStream(t *testing.T) {
	image := `{"response":{"candidates":[{"content":{"role":"model","parts":[{"inlineData":{"mimeType":"image/png","data":"QUJD"}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1,"totalTokenCount":6}}}`
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: image})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-3-pro-image-16x9","stream":true,"messages":[{"role":"user","content":"a lighthouse at dusk"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	require.Contains(t, out, "data:image/png;base64,QUJD")
	require.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))

	// Image models answer unary upstream even for streaming clients.
	call := upstream.call(t, 0)
	require.Equal(t, "/v1internal:generateContent", call.path)
	require.Empty(t, call.query)
	require.Equal(t, config.ImageModelBase, gjson.GetBytes(call.body, "model").String())
	require.Equal(t, "16:9", gjson.GetBytes(call.body, "request.generationConfig.imageConfig.aspectRatio").String())
}

func TestChatCompletionsMidStreamErrorWithholdsDone(t *testing.T) {
	body := sseFrames(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}}`,
		`{"error":{"code":500,"message":"backend exploded","status":"INTERNAL"}}`,
	)
	_, url := newFakeUpstream(t, upstreamStep{status: 200, body: body, stream: true})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	out := rec.Body.String()
	require.Contains(t, out, `"content":"Hel"`)
	require.NotContains(t, out, "[DONE]")
}

func TestChatCompletionsRotatesOnServerError(t *testing.T) {
	broken := `{"error":{"code":500,"message":"Internal error encountered.","status":"INTERNAL"}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 500, body: broken},
		upstreamStep{status: 200, body: unaryText("pong")},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, upstream.callCount())
	require.NotEqual(t, upstream.call(t, 0).auth, upstream.call(t, 1).auth)
	require.Empty(t, waits.recorded())
}

func TestChatCompletionsAllAccountsExhausted(t *testing.T) {
	broken := `{"error":{"code":500,"message":"Internal error encountered.","status":"INTERNAL"}}`
	_, url := newFakeUpstream(t,
		upstreamStep{status: 500, body: broken},
		upstreamStep{status: 500, body: broken},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "all_accounts_exhausted", gjson.Get(body, "error.type").String())
	require.Contains(t, gjson.Get(body, "error.message").String(), "HTTP 500")
}

func TestChatCompletionsNoAccounts(t *testing.T) {
	_, url := newFakeUpstream(t)
	pool := newTestPool(t, staticRefresher{})
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "no_accounts", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	upstream, url := newFakeUpstream(t)
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions", `{"model":"gemini-2.5-flash","messages":[]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
	require.Zero(t, upstream.callCount())
}

func TestChatCompletionsQuotaExhaustedPassesThrough(t *testing.T) {
	exhausted := `{"error":{"code":429,"message":"Gemini 3 Pro quota exhausted","status":"RESOURCE_EXHAUSTED","details":[{"reason":"QUOTA_EXHAUSTED","quotaResetDelay":"30s"}]}}`
	upstream, url := newFakeUpstream(t, upstreamStep{status: 429, body: exhausted})
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := chatRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/chat/completions",
		`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, exhausted, rec.Body.String())
	require.Equal(t, 1, upstream.callCount())
	require.Empty(t, waits.recorded())
}
