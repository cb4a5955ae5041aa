package format

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// StreamStats summarizes a finished stream for logging and accounting.
type StreamStats struct {
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// messagesStream tracks the Anthropic event state machine while upstream
// frames arrive. Anthropic clients expect strictly bracketed content blocks,
// so the transform buffers nothing but must remember which block is open.
type messagesStream struct {
	model string
	store *SignatureStore
	emit  func(*anthropic.SSEEvent) error

	started          bool
	blockIndex       int
	blockType        string
	pendingSignature string
	toolUseSeen      bool
	finishReason     string
	inputTokens      int
	outputTokens     int
}

// StreamMessages converts an upstream SSE body into the Anthropic Messages
// event sequence, calling emit for every event in order. model is echoed into
// message_start as the client-visible model name. Thought signatures seen on
// the way through are recorded in store for later tool-call replays.
//
// The sequence is always well formed: message_start first, every opened
// content block closed, message_delta and message_stop last, even when
// upstream sends no content at all.
func StreamMessages(r io.Reader, model string, store *SignatureStore, emit func(*anthropic.SSEEvent) error) (*StreamStats, error) {
	s := &messagesStream{model: model, store: store, emit: emit}

	err := scanSSE(r, func(data []byte) error {
		if e := gjson.GetBytes(data, "error"); e.Exists() {
			return fmt.Errorf("upstream mid-stream error: %s", e.Get("message").String())
		}
		gen, err := cloudcode.ParseGenerateResponse(data)
		if err != nil {
			// Not a generation frame; upstream occasionally interleaves
			// bookkeeping payloads.
			return nil
		}
		return s.handleFrame(gen)
	})
	if err != nil {
		return nil, err
	}
	if err := s.finish(); err != nil {
		return nil, err
	}
	return &StreamStats{
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		StopReason:   s.stopReason(),
	}, nil
}

func (s *messagesStream) handleFrame(gen *cloudcode.GenerateResponse) error {
	if gen.UsageMetadata != nil {
		s.inputTokens = gen.UsageMetadata.PromptTokenCount - gen.UsageMetadata.CachedContentTokenCount
		if s.inputTokens < 0 {
			s.inputTokens = 0
		}
		s.outputTokens = gen.UsageMetadata.CandidatesTokenCount
	}
	if len(gen.Candidates) == 0 {
		return nil
	}
	cand := gen.Candidates[0]
	if cand.FinishReason != "" {
		s.finishReason = cand.FinishReason
	}

	for _, part := range cand.Content.Parts {
		var err error
		switch {
		case part.FunctionCall != nil:
			err = s.onFunctionCall(part)
		case part.InlineData != nil:
			err = s.onInlineData(part.InlineData)
		case part.Thought || part.ThoughtSignature != "":
			err = s.onThought(part)
		default:
			err = s.onText(part.Text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *messagesStream) onThought(part cloudcode.Part) error {
	if err := s.ensureBlock("thinking", &anthropic.ContentBlock{Type: "thinking"}); err != nil {
		return err
	}
	if part.Text != "" {
		if err := s.emitDelta(&anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text}); err != nil {
			return err
		}
	}
	if part.ThoughtSignature != "" {
		s.pendingSignature = part.ThoughtSignature
		s.store.Remember(part.ThoughtSignature)
	}
	return nil
}

func (s *messagesStream) onText(text string) error {
	if text == "" {
		return nil
	}
	if err := s.ensureBlock("text", &anthropic.ContentBlock{Type: "text"}); err != nil {
		return err
	}
	return s.emitDelta(&anthropic.ContentDelta{Type: "text_delta", Text: text})
}

func (s *messagesStream) onFunctionCall(part cloudcode.Part) error {
	fc := part.FunctionCall
	if part.ThoughtSignature != "" {
		s.store.Remember(part.ThoughtSignature)
	}
	// Each call gets its own block, so close even a previous tool_use.
	if err := s.closeBlock(); err != nil {
		return err
	}
	s.toolUseSeen = true

	id := fc.ID
	if id == "" {
		id = anthropic.GenerateToolUseID()
	}
	if err := s.openBlock("tool_use", &anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  fc.Name,
		Input: json.RawMessage("{}"),
	}); err != nil {
		return err
	}
	args, err := json.Marshal(fc.Args)
	if err != nil {
		args = []byte("{}")
	}
	return s.emitDelta(&anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(args)})
}

func (s *messagesStream) onInlineData(blob *cloudcode.Blob) error {
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.openBlock("image", &anthropic.ContentBlock{
		Type: "image",
		Source: &anthropic.ImageSource{
			Type:      "base64",
			MediaType: blob.MimeType,
			Data:      blob.Data,
		},
	}); err != nil {
		return err
	}
	return s.closeBlock()
}

// ensureBlock opens a block of the wanted type unless one is already open.
func (s *messagesStream) ensureBlock(blockType string, block *anthropic.ContentBlock) error {
	if s.blockType == blockType {
		return nil
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	return s.openBlock(blockType, block)
}

func (s *messagesStream) openBlock(blockType string, block *anthropic.ContentBlock) error {
	if err := s.start(); err != nil {
		return err
	}
	idx := s.blockIndex
	if err := s.emit(&anthropic.SSEEvent{
		Type:         "content_block_start",
		Index:        &idx,
		ContentBlock: block,
	}); err != nil {
		return err
	}
	s.blockType = blockType
	return nil
}

// closeBlock emits content_block_stop for the open block, flushing a pending
// thinking signature first.
func (s *messagesStream) closeBlock() error {
	if s.blockType == "" {
		return nil
	}
	if s.blockType == "thinking" && s.pendingSignature != "" {
		if err := s.emitDelta(&anthropic.ContentDelta{
			Type:      "signature_delta",
			Signature: s.pendingSignature,
		}); err != nil {
			return err
		}
		s.pendingSignature = ""
	}
	idx := s.blockIndex
	if err := s.emit(&anthropic.SSEEvent{Type: "content_block_stop", Index: &idx}); err != nil {
		return err
	}
	s.blockType = ""
	s.blockIndex++
	return nil
}

func (s *messagesStream) emitDelta(delta *anthropic.ContentDelta) error {
	idx := s.blockIndex
	return s.emit(&anthropic.SSEEvent{Type: "content_block_delta", Index: &idx, Delta: delta})
}

// start emits message_start once, ahead of the first content block.
func (s *messagesStream) start() error {
	if s.started {
		return nil
	}
	s.started = true
	return s.emit(&anthropic.SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   s.model,
			Usage:   &anthropic.Usage{InputTokens: s.inputTokens, OutputTokens: 0},
		},
	})
}

func (s *messagesStream) stopReason() string {
	switch s.finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "content_filter"
	}
	if s.toolUseSeen {
		return "tool_use"
	}
	return "end_turn"
}

// finish closes the message: any open block, then message_delta with the
// final usage, then message_stop.
func (s *messagesStream) finish() error {
	if err := s.start(); err != nil {
		return err
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	if err := s.emit(&anthropic.SSEEvent{
		Type:  "message_delta",
		Delta: &anthropic.ContentDelta{StopReason: s.stopReason()},
		Usage: &anthropic.Usage{InputTokens: s.inputTokens, OutputTokens: s.outputTokens},
	}); err != nil {
		return err
	}
	return s.emit(&anthropic.SSEEvent{Type: "message_stop"})
}

// BuildMessagesResponse converts a unary upstream response into a complete
// Anthropic message. Used by the non-streaming Messages path.
func BuildMessagesResponse(gen *cloudcode.GenerateResponse, model string, store *SignatureStore) *anthropic.MessagesResponse {
	content := []anthropic.ContentBlock{}
	toolUseSeen := false
	finishReason := ""

	if len(gen.Candidates) > 0 {
		cand := gen.Candidates[0]
		finishReason = cand.FinishReason
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				toolUseSeen = true
				if part.ThoughtSignature != "" {
					store.Remember(part.ThoughtSignature)
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = anthropic.GenerateToolUseID()
				}
				input, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					input = []byte("{}")
				}
				content = append(content, anthropic.ContentBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: input,
				})
			case part.InlineData != nil:
				content = append(content, anthropic.ContentBlock{
					Type: "image",
					Source: &anthropic.ImageSource{
						Type:      "base64",
						MediaType: part.InlineData.MimeType,
						Data:      part.InlineData.Data,
					},
				})
			case part.Thought || part.ThoughtSignature != "":
				if part.ThoughtSignature != "" {
					store.Remember(part.ThoughtSignature)
				}
				content = append(content, anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				})
			default:
				if part.Text == "" {
					continue
				}
				// Merge runs of text parts into one block.
				if n := len(content); n > 0 && content[n-1].Type == "text" {
					content[n-1].Text += part.Text
					continue
				}
				content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})
			}
		}
	}

	stopReason := "end_turn"
	switch finishReason {
	case "MAX_TOKENS":
		stopReason = "max_tokens"
	case "SAFETY", "RECITATION":
		stopReason = "content_filter"
	default:
		if toolUseSeen {
			stopReason = "tool_use"
		}
	}

	var usage *anthropic.Usage
	if gen.UsageMetadata != nil {
		input := gen.UsageMetadata.PromptTokenCount - gen.UsageMetadata.CachedContentTokenCount
		if input < 0 {
			input = 0
		}
		usage = &anthropic.Usage{
			InputTokens:  input,
			OutputTokens: gen.UsageMetadata.CandidatesTokenCount,
		}
	}

	return anthropic.NewMessagesResponse(model, content, stopReason, usage)
}
