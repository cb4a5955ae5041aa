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
)

// ChatHandler serves the OpenAI-compatible chat completions endpoint.
type ChatHandler struct {
	pool   *account.Manager
	client *cloudcode.Client
	cfg    *config.Config
	wait   waitFunc
}

// NewChatHandler creates a chat completions handler backed by the account pool.
func NewChatHandler(pool *account.Manager, client *cloudcode.Client, cfg *config.Config) *ChatHandler {
	return &ChatHandler{
		pool:   pool,
		client: client,
		cfg:    cfg,
		wait:   utils.Sleep,
	}
}

// ChatCompletions handles POST /v1/chat/completions with the same rotation
// loop as the Messages path. Image models answer unary upstream even when the
// client asked to stream; the gateway synthesizes the chunks afterward.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req format.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendChatError(c, http.StatusBadRequest, "invalid_request_error", "Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		sendChatError(c, http.StatusBadRequest, "invalid_request_error", "messages is required and must be an array")
		return
	}

	traceID := newTraceID()
	utils.Info("[%s] Chat Request | Model: %s | Stream: %t | Messages: %d",
		traceID, req.Model, req.Stream, len(req.Messages))

	sessionID := format.ChatSessionID(&req)
	streaming := req.Stream && !format.IsImageModel(req.Model)

	attempts := maxAttempts(h.pool)
	var lastErr string

	for attempt := 0; attempt < attempts; {
		accessToken, projectID, email, err := h.pool.GetToken(c.Request.Context(), cloudcode.RequestTypeAgent, attempt > 0, "")
		if err != nil {
			utils.Error("[%s] No account available: %v", traceID, err)
			sendChatError(c, gerrors.HTTPStatusFromError(err), "no_accounts", "No available accounts: "+safeAccountError(err))
			return
		}

		env := format.BuildChatEnvelope(&req, projectID, sessionID)
		method, query := cloudcode.MethodGenerate, ""
		if streaming {
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
			switch {
			case streaming:
				h.streamResponse(c, traceID, &req, env, resp)
			case req.Stream:
				h.imageStreamResponse(c, traceID, &req, env, resp)
			default:
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
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			utils.Warn("[%s] Auth failure (%d) for %s, rotating account", traceID, status, email)
			attempt++
		default:
			utils.Error("[%s] Upstream error %d: %s", traceID, status, body)
			c.Data(status, "application/json; charset=utf-8", []byte(body))
			return
		}
	}

	sendChatError(c, http.StatusTooManyRequests, "all_accounts_exhausted",
		"All accounts exhausted or failed. Last error: "+lastErr)
}

func (h *ChatHandler) streamResponse(c *gin.Context, traceID string, req *format.ChatRequest, env *cloudcode.Envelope, resp *http.Response) {
	defer resp.Body.Close()

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		sendChatError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	w.SetHeaders()
	c.Status(http.StatusOK)

	stats, err := format.StreamChat(resp.Body, req.Model, func(chunk *format.ChatChunk) error {
		return w.WriteData(chunk)
	})
	if err != nil {
		// The terminating [DONE] is withheld so clients notice the break.
		utils.Error("[%s] Stream aborted: %v", traceID, err)
		return
	}
	w.WriteDone()
	utils.Info("[%s] Request finished. Model: %s, Tokens: In %d, Out %d",
		traceID, env.Model, stats.InputTokens, stats.OutputTokens)
}

func (h *ChatHandler) imageStreamResponse(c *gin.Context, traceID string, req *format.ChatRequest, env *cloudcode.Envelope, resp *http.Response) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		sendChatError(c, http.StatusBadGateway, "api_error", "Failed to read upstream response: "+err.Error())
		return
	}
	gen, err := cloudcode.ParseGenerateResponse(data)
	if err != nil {
		utils.Error("[%s] Unparseable upstream response: %v", traceID, err)
		sendChatError(c, http.StatusBadGateway, "api_error", "Invalid upstream response: "+err.Error())
		return
	}

	w, err := sse.NewWriter(c.Writer)
	if err != nil {
		sendChatError(c, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	w.SetHeaders()
	c.Status(http.StatusOK)

	for _, chunk := range format.ImageStreamChunks(gen, req.Model) {
		if err := w.WriteData(chunk); err != nil {
			utils.Error("[%s] Stream aborted: %v", traceID, err)
			return
		}
	}
	w.WriteDone()
	utils.Info("[%s] Request finished. Model: %s (image)", traceID, env.Model)
}

func (h *ChatHandler) unaryResponse(c *gin.Context, traceID string, req *format.ChatRequest, env *cloudcode.Envelope, resp *http.Response) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		sendChatError(c, http.StatusBadGateway, "api_error", "Failed to read upstream response: "+err.Error())
		return
	}
	gen, err := cloudcode.ParseGenerateResponse(data)
	if err != nil {
		utils.Error("[%s] Unparseable upstream response: %v", traceID, err)
		sendChatError(c, http.StatusBadGateway, "api_error", "Invalid upstream response: "+err.Error())
		return
	}

	out := format.BuildChatResponse(gen, req.Model)
	inTokens, outTokens := 0, 0
	if out.Usage != nil {
		inTokens, outTokens = out.Usage.PromptTokens, out.Usage.CompletionTokens
	}
	utils.Info("[%s] Request finished. Model: %s, Tokens: In %d, Out %d",
		traceID, env.Model, inTokens, outTokens)
	c.JSON(http.StatusOK, out)
}

func sendChatError(c *gin.Context, status int, errorType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    errorType,
		},
	})
}
