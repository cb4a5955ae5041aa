package handlers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/config"
)

func TestMessagesUnary(t *testing.T) {
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: unaryText("pong")})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"ping"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "message", gjson.Get(body, "type").String())
	require.Equal(t, "assistant", gjson.Get(body, "role").String())
	require.Equal(t, "claude-sonnet-4-5", gjson.Get(body, "model").String())
	require.Equal(t, "pong", gjson.Get(body, "content.0.text").String())
	require.Equal(t, "end_turn", gjson.Get(body, "stop_reason").String())
	require.Equal(t, int64(12), gjson.Get(body, "usage.input_tokens").Int())
	require.Equal(t, int64(4), gjson.Get(body, "usage.output_tokens").Int())

	call := upstream.call(t, 0)
	require.Equal(t, "/v1internal:generateContent", call.path)
	require.Empty(t, call.query)
	require.Equal(t, "Bearer tok-0", call.auth)
	require.Equal(t, "proj-0", gjson.GetBytes(call.body, "project").String())
	require.Equal(t, "gemini-3-pro-high", gjson.GetBytes(call.body, "model").String())
	require.Equal(t, "antigravity", gjson.GetBytes(call.body, "userAgent").String())
	require.Equal(t, "agent", gjson.GetBytes(call.body, "requestType").String())
	require.True(t, strings.HasPrefix(gjson.GetBytes(call.body, "requestId").String(), "agent-"))
}

func TestMessagesStreaming(t *testing.T) {
	body := sseFrames(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}}`,
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2,"totalTokenCount":11}}}`,
	)
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: body, stream: true})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	for _, marker := range []string{
		"event: message_start",
		"event: content_block_start",
		`"text":"Hel"`,
		`"text":"lo"`,
		"event: content_block_stop",
		"event: message_delta",
		`"stop_reason":"end_turn"`,
		"event: message_stop",
	} {
		require.Contains(t, out, marker)
	}

	call := upstream.call(t, 0)
	require.Equal(t, "/v1internal:streamGenerateContent", call.path)
	require.Equal(t, "alt=sse", call.query)
}

func TestMessagesMidStreamErrorEmitsErrorEvent(t *testing.T) {
	body := sseFrames(
		`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}}`,
		`{"error":{"code":500,"message":"backend exploded","status":"INTERNAL"}}`,
	)
	_, url := newFakeUpstream(t, upstreamStep{status: 200, body: body, stream: true})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	out := rec.Body.String()
	require.Contains(t, out, `"text":"Hel"`)
	require.Contains(t, out, "event: error")
	require.Contains(t, out, "Stream interrupted")
}

func TestMessagesRejectsEmptyMessages(t *testing.T) {
	upstream, url := newFakeUpstream(t)
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages", `{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
	require.Zero(t, upstream.callCount())
}

func TestMessagesRejectsMalformedBody(t *testing.T) {
	_, url := newFakeUpstream(t)
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages", `{"model": nope}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestMessagesRateLimitWaitsThenRotates(t *testing.T) {
	limited := `{"error":{"code":429,"message":"Quota exceeded for model","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","quotaResetDelay":"3s"}]}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 429, body: limited},
		upstreamStep{status: 200, body: unaryText("pong")},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, upstream.callCount())
	require.Equal(t, "Bearer tok-0", upstream.call(t, 0).auth)
	require.Equal(t, "Bearer tok-1", upstream.call(t, 1).auth, "second attempt must rotate")
	require.Equal(t, []time.Duration{3*time.Second + retryDelayPadding}, waits.recorded())
}

func TestMessagesRetryDelayCapped(t *testing.T) {
	limited := `{"error":{"code":429,"message":"Quota exceeded for model","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","quotaResetDelay":"42s"}]}}`
	_, url := newFakeUpstream(t,
		upstreamStep{status: 429, body: limited},
		upstreamStep{status: 200, body: unaryText("pong")},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []time.Duration{retryDelayCap}, waits.recorded())
}

func TestMessagesOverloadedPausesBeforeRotating(t *testing.T) {
	overloaded := `{"error":{"code":503,"message":"The model is overloaded. Please try again later.","status":"UNAVAILABLE"}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 503, body: overloaded},
		upstreamStep{status: 200, body: unaryText("pong")},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, upstream.callCount())
	require.Equal(t, []time.Duration{overloadedPause}, waits.recorded())
}

func TestMessagesQuotaExhaustedPassesThrough(t *testing.T) {
	exhausted := `{"error":{"code":429,"message":"Gemini 3 Pro quota exhausted","status":"RESOURCE_EXHAUSTED","details":[{"reason":"QUOTA_EXHAUSTED","quotaResetDelay":"30s"}]}}`
	upstream, url := newFakeUpstream(t, upstreamStep{status: 429, body: exhausted})
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, exhausted, rec.Body.String(), "quota errors surface verbatim")
	require.Equal(t, 1, upstream.callCount(), "quota exhaustion must not burn other accounts")
	require.Empty(t, waits.recorded(), "no waiting on a hard quota error")
}

func TestMessagesThinkingFailureRetriesSameAccount(t *testing.T) {
	rejected := `{"error":{"code":400,"message":"Invalid ` + "`signature`" + ` in thinking block","status":"INVALID_ARGUMENT"}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 400, body: rejected},
		upstreamStep{status: 200, body: unaryText("recovered")},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, waits := messagesRouter(t, pool, url, testConfig())

	body := `{
		"model": "claude-sonnet-4-5-thinking",
		"max_tokens": 1024,
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "pondering", "signature": "stale-sig"},
				{"type": "text", "text": "hello"}
			]},
			{"role": "user", "content": "go on"}
		]
	}`
	rec := postJSON(r, "/v1/messages", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "recovered", gjson.Get(rec.Body.String(), "content.0.text").String())
	require.Equal(t, "claude-sonnet-4-5", gjson.Get(rec.Body.String(), "model").String())

	require.Equal(t, 2, upstream.callCount())
	first, second := upstream.call(t, 0), upstream.call(t, 1)
	require.Equal(t, first.auth, second.auth, "retry must reuse the rejected account")
	require.True(t, gjson.GetBytes(first.body, "request.generationConfig.thinkingConfig").Exists())
	require.False(t, gjson.GetBytes(second.body, "request.generationConfig.thinkingConfig").Exists())
	require.Contains(t, string(first.body), `"thought":true`)
	require.NotContains(t, string(second.body), `"thought":true`)
	require.Empty(t, waits.recorded())
}

func TestMessagesThinkingFailureRetriesOnlyOnce(t *testing.T) {
	rejected := `{"error":{"code":400,"message":"Invalid ` + "`signature`" + ` in thinking block","status":"INVALID_ARGUMENT"}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 400, body: rejected},
		upstreamStep{status: 400, body: rejected},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5-thinking","max_tokens":512,"thinking":{"type":"enabled","budget_tokens":1024},"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, rejected, rec.Body.String(), "second rejection passes through verbatim")
	require.Equal(t, 2, upstream.callCount())
}

func TestMessagesAuthFailureRotates(t *testing.T) {
	unauthorized := `{"error":{"code":401,"message":"Request had invalid authentication credentials.","status":"UNAUTHENTICATED"}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 401, body: unauthorized},
		upstreamStep{status: 200, body: unaryText("pong")},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, waits := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, upstream.callCount())
	require.NotEqual(t, upstream.call(t, 0).auth, upstream.call(t, 1).auth)
	require.Empty(t, waits.recorded())
}

func TestMessagesUpstreamErrorPassesThroughVerbatim(t *testing.T) {
	notFound := `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`
	upstream, url := newFakeUpstream(t, upstreamStep{status: 404, body: notFound})
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, notFound, rec.Body.String())
	require.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, 1, upstream.callCount(), "non-retryable errors must not rotate")
}

func TestMessagesAllAttemptsExhausted(t *testing.T) {
	broken := `{"error":{"code":500,"message":"Internal error encountered.","status":"INTERNAL"}}`
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 500, body: broken},
		upstreamStep{status: 500, body: broken},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := rec.Body.String()
	require.Equal(t, "overloaded_error", gjson.Get(body, "error.type").String())
	require.Contains(t, gjson.Get(body, "error.message").String(), "All 2 attempts failed")
	require.Contains(t, gjson.Get(body, "error.message").String(), "HTTP 500")
	require.Equal(t, 2, upstream.callCount())
}

func TestMessagesNoAccounts(t *testing.T) {
	_, url := newFakeUpstream(t)
	pool := newTestPool(t, staticRefresher{})
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "overloaded_error", gjson.Get(rec.Body.String(), "error.type").String())
	require.Contains(t, gjson.Get(rec.Body.String(), "error.message").String(), "No available accounts")
}

func TestMessagesFullyCoolingPoolAnswers429(t *testing.T) {
	upstream, url := newFakeUpstream(t,
		upstreamStep{status: 500, body: `{"error":{"message":"internal"}}`},
		upstreamStep{status: 500, body: `{"error":{"message":"internal"}}`},
	)
	pool := newTestPool(t, staticRefresher{}, poolToken(0), poolToken(1))
	r, _ := messagesRouter(t, pool, url, testConfig())

	body := `{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`

	// First request burns both accounts into cooldown.
	first := postJSON(r, "/v1/messages", body)
	require.Equal(t, http.StatusTooManyRequests, first.Code)
	require.Equal(t, 2, upstream.callCount())

	// The pool is now fully cooling, so the next request is refused as rate
	// limited without reaching upstream.
	second := postJSON(r, "/v1/messages", body)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "overloaded_error", gjson.Get(second.Body.String(), "error.type").String())
	require.Contains(t, gjson.Get(second.Body.String(), "error.message").String(), "rate limited")
	require.Equal(t, 2, upstream.callCount())
}

func TestMessagesInvalidGrantSurfacesReauthHint(t *testing.T) {
	_, url := newFakeUpstream(t)
	stale := account.TokenData{
		AccessToken:     "tok-stale",
		RefreshToken:    "refresh-stale",
		ExpiryTimestamp: time.Now().Add(-time.Hour).Unix(),
		ProjectID:       "proj-0",
	}
	pool := newTestPool(t, revokedRefresher{}, stale)
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	msg := gjson.Get(rec.Body.String(), "error.message").String()
	require.Contains(t, msg, "invalid_grant")
	require.Contains(t, msg, "reauthorize account(s)")
}

func TestMessagesBackgroundTaskDowngraded(t *testing.T) {
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: unaryText("Sorting Algorithm Comparison")})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	body := `{
		"model": "claude-sonnet-4-5",
		"max_tokens": 512,
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"tools": [{"name": "Bash", "description": "Run a command", "input_schema": {"type": "object", "properties": {"command": {"type": "string"}}}}],
		"messages": [{"role": "user", "content": "Please write a 5-10 word title for the following conversation:\n\nuser: compare sorting algorithms"}]
	}`
	rec := postJSON(r, "/v1/messages", body)

	require.Equal(t, http.StatusOK, rec.Code)
	call := upstream.call(t, 0)
	require.Equal(t, config.ModelFlashLite, gjson.GetBytes(call.body, "model").String())
	require.False(t, gjson.GetBytes(call.body, "request.tools").Exists())
	require.False(t, gjson.GetBytes(call.body, "request.generationConfig.thinkingConfig").Exists())
}

func TestMessagesBackgroundDowngradeDisabled(t *testing.T) {
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: unaryText("Sorting Algorithm Comparison")})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	cfg := testConfig()
	cfg.Proxy.DowngradeBackgroundTasks = false
	r, _ := messagesRouter(t, pool, url, cfg)

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"Please write a 5-10 word title for this conversation"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-3-pro-high", gjson.GetBytes(upstream.call(t, 0).body, "model").String())
}

func TestMessagesWebSearchRequestType(t *testing.T) {
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: unaryText("results")})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"tools":[{"type":"web_search_20250305","name":"web_search"}],"messages":[{"role":"user","content":"latest Go release"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	call := upstream.call(t, 0)
	require.Equal(t, "web_search", gjson.GetBytes(call.body, "requestType").String())
	require.Equal(t, config.ModelFlash, gjson.GetBytes(call.body, "model").String())
	require.True(t, gjson.GetBytes(call.body, "request.tools.0.googleSearch").Exists())
}

func TestMessagesMappingRoutesModel(t *testing.T) {
	upstream, url := newFakeUpstream(t, upstreamStep{status: 200, body: unaryText("pong")})
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	cfg := testConfig()
	cfg.Proxy.AnthropicMapping = map[string]string{"claude-sonnet-4-5": "gemini-3-pro-low"}
	r, _ := messagesRouter(t, pool, url, cfg)

	rec := postJSON(r, "/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":512,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gemini-3-pro-low", gjson.GetBytes(upstream.call(t, 0).body, "model").String())
}

func TestCountTokensAnswersZeros(t *testing.T) {
	upstream, url := newFakeUpstream(t)
	pool := newTestPool(t, staticRefresher{}, poolToken(0))
	r, _ := messagesRouter(t, pool, url, testConfig())

	rec := postJSON(r, "/v1/messages/count_tokens",
		`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(0), gjson.Get(rec.Body.String(), "input_tokens").Int())
	require.Equal(t, int64(0), gjson.Get(rec.Body.String(), "output_tokens").Int())
	require.Zero(t, upstream.callCount(), "token counting never reaches upstream")
}
