package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/internal/utils"
)

// v1internal method names.
const (
	MethodStreamGenerate       = "streamGenerateContent"
	MethodGenerate             = "generateContent"
	MethodFetchAvailableModels = "fetchAvailableModels"
)

// QueryAltSSE selects the SSE response framing on streaming calls.
const QueryAltSSE = "alt=sse"

// Client is a thin HTTP client for the v1internal dialect. It does not
// retransform bodies and it does not retry failed statuses; retry and
// account rotation policy belong to the dispatcher. Only transport-level
// failures advance to the next endpoint in the fallback list.
type Client struct {
	httpClient *http.Client
	endpoints  []string
}

// NewClient creates a client with the given request timeout; zero or
// negative selects the configured default.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeoutSeconds * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoints:  config.EndpointFallbacks,
	}
}

// NewClientWithEndpoints creates a client against explicit endpoints.
func NewClientWithEndpoints(timeout time.Duration, endpoints []string) *Client {
	c := NewClient(timeout)
	if len(endpoints) > 0 {
		c.endpoints = endpoints
	}
	return c
}

// Call marshals an envelope and posts it to a v1internal method. query is
// appended verbatim; pass QueryAltSSE for streaming calls.
func (c *Client) Call(ctx context.Context, method, accessToken string, env *Envelope, query string) (*http.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, gerrors.NewNetworkError("encode envelope", err)
	}
	return c.Post(ctx, method, accessToken, body, query)
}

// Post sends a prebuilt JSON body to a v1internal method. The response is
// returned as-is for the caller to stream or read, whatever its status.
func (c *Client) Post(ctx context.Context, method, accessToken string, body []byte, query string) (*http.Response, error) {
	var lastErr error
	for _, endpoint := range c.endpoints {
		url := endpoint + "/v1internal:" + method
		if query != "" {
			url += "?" + query
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, gerrors.NewNetworkError("build request", err)
		}
		for k, v := range buildHeaders(accessToken) {
			req.Header.Set(k, v)
		}
		// The sandbox host is pinned explicitly; the prod fallback uses its
		// own URL host.
		if endpoint == config.EndpointDaily {
			req.Host = config.UpstreamHost
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, gerrors.NewNetworkError(method, ctx.Err())
			}
			utils.Warn("[CloudCode] %s unreachable at %s: %v", method, endpoint, err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, gerrors.NewNetworkError(method, lastErr)
}

// buildHeaders returns the standard header set for v1internal calls.
func buildHeaders(accessToken string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Content-Type":  "application/json",
		"User-Agent":    config.HTTPUserAgent(),
	}
}
