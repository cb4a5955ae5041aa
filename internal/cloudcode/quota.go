package cloudcode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
	gerrors "github.com/antigravity-tools/gateway/internal/errors"
	"github.com/antigravity-tools/gateway/internal/utils"
)

// ModelQuota is one model's remaining quota as an integer percentage.
type ModelQuota struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
	ResetTime  string `json:"resetTime,omitempty"`
}

// QuotaSnapshot is the per-account quota view. IsForbidden marks accounts
// the upstream refuses outright (403), which callers must not retry.
type QuotaSnapshot struct {
	Models      []ModelQuota `json:"models"`
	IsForbidden bool         `json:"isForbidden"`
}

type quotaInfo struct {
	RemainingFraction *float64 `json:"remainingFraction"`
	ResetTime         string   `json:"resetTime"`
}

type availableModel struct {
	QuotaInfo *quotaInfo `json:"quotaInfo"`
}

type availableModelsResponse struct {
	Models map[string]availableModel `json:"models"`
}

// FetchQuota queries fetchAvailableModels for the remaining per-model quota
// of one account. Off the request path; used by the accounts CLI and pool
// health views. Retries 429/5xx a few times with a 1s pause.
func (c *Client) FetchQuota(ctx context.Context, accessToken, projectID string) (*QuotaSnapshot, error) {
	body := map[string]string{}
	if projectID != "" {
		body["project"] = projectID
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, gerrors.NewNetworkError("encode quota request", err)
	}

	var lastErr error
	for attempt := 0; attempt < config.QuotaFetchRetries; attempt++ {
		if attempt > 0 {
			if err := utils.Sleep(ctx, time.Second); err != nil {
				return nil, gerrors.NewNetworkError("quota fetch", err)
			}
		}

		resp, err := c.Post(ctx, MethodFetchAvailableModels, accessToken, raw, "")
		if err != nil {
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = gerrors.NewNetworkError("read quota response", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return parseQuotaSnapshot(data)
		case resp.StatusCode == http.StatusForbidden:
			return &QuotaSnapshot{IsForbidden: true}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			utils.Warn("[CloudCode] fetchAvailableModels %d, attempt %d/%d", resp.StatusCode, attempt+1, config.QuotaFetchRetries)
			lastErr = gerrors.NewUpstreamError(resp.StatusCode, utils.TruncateString(string(data), 200))
			continue
		default:
			return nil, gerrors.NewUpstreamError(resp.StatusCode, utils.TruncateString(string(data), 200))
		}
	}
	return nil, lastErr
}

func parseQuotaSnapshot(data []byte) (*QuotaSnapshot, error) {
	var parsed availableModelsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, gerrors.NewNetworkError("decode quota response", err)
	}

	snapshot := &QuotaSnapshot{Models: make([]ModelQuota, 0, len(parsed.Models))}
	for name, model := range parsed.Models {
		if config.GetModelFamily(name) == config.ModelFamilyUnknown {
			continue
		}
		if model.QuotaInfo == nil {
			continue
		}

		quota := ModelQuota{Name: name, ResetTime: model.QuotaInfo.ResetTime}
		switch {
		case model.QuotaInfo.RemainingFraction != nil:
			quota.Percentage = int(*model.QuotaInfo.RemainingFraction * 100)
		case model.QuotaInfo.ResetTime != "":
			// A reset time without a fraction means the quota ran out.
			quota.Percentage = 0
		default:
			continue
		}
		snapshot.Models = append(snapshot.Models, quota)
	}

	sort.Slice(snapshot.Models, func(i, j int) bool {
		return snapshot.Models[i].Name < snapshot.Models[j].Name
	})
	return snapshot, nil
}
