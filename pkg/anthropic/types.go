// Package anthropic defines the wire types of the Anthropic Messages API as
// accepted and produced by the gateway.
package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Message represents one conversation turn
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts both the string and the block-array content forms.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	if len(raw.Content) == 0 {
		m.Content = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return err
	}
	m.Content = blocks
	return nil
}

// ContentBlock represents a content block in a message
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image / document
	Source *ImageSource `json:"source,omitempty"`

	// stripped before forwarding
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource represents the source of an image or document block
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url,omitempty"`
}

// CacheControl for prompt caching
type CacheControl struct {
	Type string `json:"type"`
}

// Tool represents a tool declaration
type Tool struct {
	Name        string          `json:"name"`
	Type        string          `json:"type,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice represents tool selection preference
type ToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig enables extended thinking
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Metadata for request tracking
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesRequest represents a request to POST /v1/messages
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// SystemTexts returns the system field as a list of text segments. A string
// system prompt yields a single segment, a block array yields one segment per
// text block.
func (r *MessagesRequest) SystemTexts() []string {
	if len(r.System) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return []string{s}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return nil
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return texts
}

// SystemText flattens the system field into a single string, joining block
// arrays with a newline.
func (r *MessagesRequest) SystemText() string {
	return strings.Join(r.SystemTexts(), "\n")
}

// ThinkingEnabled reports whether extended thinking was requested
func (r *MessagesRequest) ThinkingEnabled() bool {
	return r.Thinking != nil && r.Thinking.Type == "enabled"
}

// ToolResultText flattens a tool_result content value: strings pass through,
// block arrays join their text fields with a newline, and anything else is
// serialized back to JSON.
func ToolResultText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// MessagesResponse represents a response from POST /v1/messages
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// NewMessagesResponse creates an assistant message response
func NewMessagesResponse(model string, content []ContentBlock, stopReason string, usage *Usage) *MessagesResponse {
	return &MessagesResponse{
		ID:         GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}
}

// Usage represents token usage
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensResponse represents a response from POST /v1/messages/count_tokens
type CountTokensResponse struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SSEEvent represents a streaming event on the Messages API
type SSEEvent struct {
	Type         string            `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        *int              `json:"index,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *ContentDelta     `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// ContentDelta carries the per-event payload of content_block_delta and
// message_delta events.
type ContentDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// Model represents a model entry in the /v1/models response
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse represents a response from GET /v1/models
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorResponse represents an API error body
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error type and message
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse creates an error body for the Messages API
func NewErrorResponse(errorType, message string) *ErrorResponse {
	return &ErrorResponse{
		Type: "error",
		Error: ErrorDetail{
			Type:    errorType,
			Message: message,
		},
	}
}

// GenerateMessageID generates a message id
func GenerateMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateToolUseID generates a tool_use id
func GenerateToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
