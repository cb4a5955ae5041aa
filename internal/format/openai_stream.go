package format

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/cloudcode"
)

// streamChunkID labels every frame of a live chat stream. OpenAI clients key
// on the object type, not the id, so a fixed value is fine.
const streamChunkID = "chatcmpl-stream"

// StreamChat converts an upstream SSE body into chat.completion.chunk frames,
// one per upstream frame. Thought parts are dropped and inline images are
// rendered as markdown. The caller terminates the stream with [DONE].
func StreamChat(r io.Reader, model string, emit func(*ChatChunk) error) (*StreamStats, error) {
	stats := &StreamStats{StopReason: "stop"}

	err := scanSSE(r, func(data []byte) error {
		if e := gjson.GetBytes(data, "error"); e.Exists() {
			return fmt.Errorf("upstream mid-stream error: %s", e.Get("message").String())
		}
		gen, err := cloudcode.ParseGenerateResponse(data)
		if err != nil {
			return nil
		}
		if gen.UsageMetadata != nil {
			stats.InputTokens = gen.UsageMetadata.PromptTokenCount
			stats.OutputTokens = gen.UsageMetadata.CandidatesTokenCount
		}

		text := ""
		var finish *string
		if len(gen.Candidates) > 0 {
			cand := gen.Candidates[0]
			var sb strings.Builder
			for _, p := range cand.Content.Parts {
				switch {
				case p.InlineData != nil:
					sb.WriteString(InlineImageMarkdown(p.InlineData))
				case p.Thought:
				default:
					sb.WriteString(p.Text)
				}
			}
			text = sb.String()
			if mapped := ChatFinishReason(cand.FinishReason); mapped != "" {
				finish = &mapped
				stats.StopReason = mapped
			}
		}

		return emit(&ChatChunk{
			ID:      streamChunkID,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []ChunkChoice{{
				Index:        0,
				Delta:        ChunkDelta{Content: text},
				FinishReason: finish,
			}},
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ImageStreamChunks renders a buffered image-generation response as a fake
// stream: one frame with the whole content, then a bare stop frame. Image
// models cannot stream for real, but clients that asked for a stream still
// get one.
func ImageStreamChunks(gen *cloudcode.GenerateResponse, model string) []*ChatChunk {
	resp := BuildChatResponse(gen, model)
	stop := "stop"
	return []*ChatChunk{
		{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []ChunkChoice{{
				Index: 0,
				Delta: ChunkDelta{Content: resp.Choices[0].Message.Content},
			}},
		},
		{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []ChunkChoice{{
				Index:        0,
				Delta:        ChunkDelta{},
				FinishReason: &stop,
			}},
		},
	}
}
