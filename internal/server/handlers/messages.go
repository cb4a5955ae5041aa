package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/internal/format"
	"github.com/antigravity-tools/gateway/internal/server/sse"
	"github.com/antigravity-tools/gateway/internal/utils"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// MessagesHandler serves the Anthropic-compatible Messages endpoints.
type MessagesHandler struct {
	pool       *account.Manager
	client     *cloudcode.Client
	cfg        *config.Config
	signatures *format.SignatureStore
	wait       waitFunc
}

// NewMessagesHandler creates a Messages handler backed by the account pool.
func NewMessagesHandler(pool *account.Manager, client *cloudcode.Client, cfg *config.Config, signatures *format.SignatureStore) *MessagesHandler {
	return &MessagesHandler{
		pool:       pool,
		client:     client,
		cfg:        cfg,
		signatures: signatures,
		wait:       utils.Sleep,
	}
}

// Messages handles POST /v1/messages. It rotates through pool accounts until
// one attempt succeeds, passing non-retryable upstream errors through
// verbatim so clients see what upstream actually said.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendMessagesError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		sendMessagesError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be an array")
		return
	}

	traceID := newTraceID()
	utils.Info("[%s] Claude Request | Model: %s | Stream: %t | Messages: %d | Tools: %d",
		traceID, req.Model, req.Stream, len(req.Messages), len(req.Tools))

	// The fingerprint keeps one conversation pinned to one account so replayed
	// thought signatures stay valid; web search requests draw from a separate
	// quota bucket upstream.
	sessionKey := cloudcode.SessionFingerprint(&req)
	requestType := cloudcode.RequestTypeAgent
	if format.HasWebSearchTool(req.Tools) {
		requestType = cloudcode.RequestTypeWebSearch
	}

	attempts := maxAttempts(h.pool)
	retriedWithoutThinking := false
	var lastErr string

	for attempt := 0; attempt < attempts; {
		accessToken, projectID, email, err := h.pool.GetToken(c.Request.Context(), requestType, attempt > 0, sessionKey)
		if err != nil {
			utils.Error("[%s] No account available: %v", traceID, err)
			sendMessagesError(c, gerrors.HTTPStatusFromError(err), "overloaded_error", "No available accounts: "+safeAccountError(err))
			return
		}

		model := format.RouteModel(h.cfg.Proxy.AnthropicMapping, req.Model)
		if h.cfg.Proxy.DowngradeBackgroundTasks {
			if task := format.DetectBackgroundTask(&req); task != format.TaskNone {
				model = task.Model()
				format.SanitizeBackgroundTask(&req)
				utils.Debug("[%s] Background task %s routed to %s", traceID, task, model)
			}
		}

		env := format.BuildClaudeEnvelope(&req, projectID, model, h.signatures)
		method, query := cloudcode.MethodGenerate, ""
		if req.Stream {
			method, query = cloudcode.MethodStreamGenerate, cloudcode.QueryAltSSE
		}

		resp, err := h.client.Call(c.Request.Context(), method, accessToken, env, query)
		if err != nil {
			lastErr = err.Error()
			utils.Warn("[%s] Upstream call failed for %s: %v", traceID, email, err)
			attempt++
			continue
		}
		if resp.StatusCode == http.StatusOK {
			if req.Stream {
				h.streamResponse(c, traceID, &req, env, resp)
			} else {
				h.unaryResponse(c, traceID, &req, env, resp)
			}
			return
		}

		status := resp.StatusCode
		body := readBody(resp)
		lastErr = fmt.Sprintf("HTTP %d: %s", status, body)

		switch {
		case retryableStatus(status):
			h.pool.MarkRateLimited(email, status, resp.Header.Get("Retry-After"), body)
			if status == http.StatusTooManyRequests && strings.Contains(body, "QUOTA_EXHAUSTED") {
				utils.Warn("[%s] Account %s quota exhausted, surfacing upstream error", traceID, email)
				c.Data(status, "application/json; charset=utf-8", []byte(body))
				return
			}
			if delay, ok := cloudcode.ParseRetryDelay(body); ok {
				pause := min(delay+retryDelayPadding, retryDelayCap)
				utils.Info("[%s] Rate limited (%d) on %s, waiting %s before next attempt", traceID, status, email, pause)
				if h.wait(c.Request.Context(), pause) != nil {
					return
				}
				attempt++
				continue
			}
			if status == http.StatusServiceUnavailable || status == 529 {
				utils.Info("[%s] Upstream overloaded (%d), pausing before rotation", traceID, status)
				if h.wait(c.Request.Context(), overloadedPause) != nil {
					return
				}
			}
			attempt++
		case status == http.StatusBadRequest && !retriedWithoutThinking && thinkingSignatureFailure(body):
			// Retried on the same account without consuming an attempt: the
			// request is rebuilt without thinking blocks, which is what
			// upstream rejected.
			utils.Warn("[%s] Thinking signature rejected, retrying without thinking content", traceID)
			stripThinkingForRetry(&req)
			retriedWithoutThinking = true
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			utils.Warn("[%s] Auth failure (%d) for %s, rotating account", traceID, status, email)
			attempt++
		default:
			utils.Error("[%s] Upstream error %d: %s", traceID, status, body)
			c.Data(status, "application/json; charset=utf-8", []byte(body))
			return
		}
	}

	sendMessagesError(c, http.StatusTooManyRequests, "overloaded_error",
		fmt.Sprintf("All %d attempts failed. Last error: %s", attempts, lastErr))
}

func (h *MessagesHandler) streamResponse(c *gin.Context, traceID string, req *anthropic.MessagesRequest, env *cloudcode.Envelope, resp *http.Response) {
	defer resp.Body.Close()

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		sendMessagesError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	w.SetHeaders()
	c.Status(http.StatusOK)

	stats, err := format.StreamMessages(resp.Body, req.Model, h.signatures, func(ev *anthropic.SSEEvent) error {
		return w.WriteEvent(ev.Type, ev)
	})
	if err != nil {
		utils.Error("[%s] Stream aborted: %v", traceID, err)
		w.WriteError("api_error", "Stream interrupted: "+err.Error())
		return
	}
	utils.Info("[%s] Request finished. Model: %s, Tokens: In %d, Out %d",
		traceID, env.Model, stats.InputTokens, stats.OutputTokens)
}

func (h *MessagesHandler) unaryResponse(c *gin.Context, traceID string, req *anthropic.MessagesRequest, env *cloudcode.Envelope, resp *http.Response) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		sendMessagesError(c, http.StatusBadGateway, "api_error", "Failed to read upstream response: "+err.Error())
		return
	}
	gen, err := cloudcode.ParseGenerateResponse(data)
	if err != nil {
		utils.Error("[%s] Unparseable upstream response: %v", traceID, err)
		sendMessagesError(c, http.StatusBadGateway, "api_error", "Invalid upstream response: "+err.Error())
		return
	}

	out := format.BuildMessagesResponse(gen, req.Model, h.signatures)
	inTokens, outTokens := 0, 0
	if out.Usage != nil {
		inTokens, outTokens = out.Usage.InputTokens, out.Usage.OutputTokens
	}
	utils.Info("[%s] Request finished. Model: %s, Tokens: In %d, Out %d",
		traceID, env.Model, inTokens, outTokens)
	c.JSON(http.StatusOK, out)
}

// CountTokens handles POST /v1/messages/count_tokens. Upstream has no token
// counting endpoint, so the gateway answers with zeros; clients treat the
// call as advisory.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{})
}

func sendMessagesError(c *gin.Context, status int, errorType, message string) {
	c.JSON(status, anthropic.NewErrorResponse(errorType, message))
}
