package format

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/utils"
)

// ChatRequest is the body of POST /v1/chat/completions. Size and Quality are
// DALL-E style extensions honored by the image-generation models.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Size        string        `json:"size,omitempty"`
	Quality     string        `json:"quality,omitempty"`
}

// ChatMessage is one chat turn. Content holds the plain string form, Parts
// the multimodal array form; exactly one of them is populated.
type ChatMessage struct {
	Role    string
	Name    string
	Content string
	Parts   []ChatContentPart
}

// UnmarshalJSON accepts both the string and the part-array content forms.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Name    string          `json:"name"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Name = raw.Name
	m.Content = ""
	m.Parts = nil
	if len(raw.Content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Parts)
}

// ChatContentPart is a multimodal content element, type "text" or "image_url".
type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL carries an image as a base64 data URL.
type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the body of a non-streaming chat completion.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

// ChatChoice is one completion alternative; the gateway always returns one.
type ChatChoice struct {
	Index        int               `json:"index"`
	Message      ChatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatChoiceMessage is the assistant turn inside a choice.
type ChatChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatUsage is OpenAI-shaped token accounting.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChunk is one SSE frame of a streaming completion.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta of a streaming frame. FinishReason is a
// pointer so intermediate frames serialize the literal null OpenAI clients
// expect.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental message payload of a frame.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Markdown image references and raw data URLs embedded in chat text. The
// base64 group tolerates whitespace because clients hard-wrap long lines.
var (
	markdownImagePattern = regexp.MustCompile(`!\[.*?\]\(data:\s*(image/[a-zA-Z+-]+)\s*;\s*base64\s*,\s*([a-zA-Z0-9+/=\s]+)\)`)
	dataURLPattern       = regexp.MustCompile(`data:\s*(image/[a-zA-Z+-]+)\s*;\s*base64\s*,\s*([a-zA-Z0-9+/=\s]+)`)
)

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// IsImageModel reports whether the requested model belongs to the
// image-generation family, suffixed variants included.
func IsImageModel(model string) bool {
	return strings.Contains(model, config.ImageModelBase)
}

// ChatSessionID derives a stable conversation identifier from the first user
// message so upstream sees the same sessionId across turns of one chat.
// Requests without user text get a random id.
func ChatSessionID(req *ChatRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		text := msg.Content
		if text == "" {
			for _, part := range msg.Parts {
				if part.Type == "text" && part.Text != "" {
					text = part.Text
					break
				}
			}
		}
		if text != "" {
			sum := sha256.Sum256([]byte(text))
			return hex.EncodeToString(sum[:16])
		}
	}
	return uuid.NewString()
}

// BuildChatEnvelope converts a chat completions request into the upstream
// envelope. sessionID is the per-account session identifier; unlike the
// Messages path the request id carries no prefix and the request type stays
// empty.
func BuildChatEnvelope(req *ChatRequest, projectID, sessionID string) *cloudcode.Envelope {
	temperature := 1.0
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := 0.95
	if req.TopP != nil {
		topP = *req.TopP
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8096
	}
	gc := &cloudcode.GenerationConfig{
		Temperature:     &temperature,
		TopP:            &topP,
		MaxOutputTokens: maxTokens,
		CandidateCount:  1,
	}

	model := req.Model
	if IsImageModel(model) {
		gc.ImageConfig = chatImageConfig(req)
		// Upstream only knows the bare family name.
		model = config.ImageModelBase
	}

	inner := cloudcode.Request{
		Contents: chatContents(req.Messages),
		SystemInstruction: &cloudcode.SystemInstruction{
			Role:  "user",
			Parts: []cloudcode.Part{cloudcode.TextPart("")},
		},
		GenerationConfig: gc,
		ToolConfig: &cloudcode.ToolConfig{
			FunctionCallingConfig: cloudcode.FunctionCallingConfig{Mode: "VALIDATED"},
		},
		SessionID: sessionID,
	}

	env := cloudcode.NewEnvelope(projectID, model, "", inner)
	env.RequestID = uuid.NewString()
	return env
}

// chatImageConfig resolves output geometry from the size/quality parameters,
// falling back to model name suffixes like -16x9 or -4k.
func chatImageConfig(req *ChatRequest) *cloudcode.ImageConfig {
	suffixRatio := ""
	switch {
	case strings.Contains(req.Model, "-16x9"):
		suffixRatio = "16:9"
	case strings.Contains(req.Model, "-9x16"):
		suffixRatio = "9:16"
	case strings.Contains(req.Model, "-4x3"):
		suffixRatio = "4:3"
	case strings.Contains(req.Model, "-3x4"):
		suffixRatio = "3:4"
	case strings.Contains(req.Model, "-1x1"):
		suffixRatio = "1:1"
	}

	ratio := "1:1"
	switch req.Size {
	case "1024x1792":
		ratio = "9:16"
	case "1792x1024":
		ratio = "16:9"
	case "768x1024":
		ratio = "3:4"
	case "1024x768":
		ratio = "4:3"
	case "1024x1024":
		ratio = "1:1"
	case "":
		if suffixRatio != "" {
			ratio = suffixRatio
		}
	default:
		// Unknown sizes fall back to square.
		ratio = "1:1"
	}

	hd := strings.Contains(req.Model, "-4k") || strings.Contains(req.Model, "-hd")
	switch req.Quality {
	case "hd":
		hd = true
	case "":
	default:
		hd = false
	}

	ic := &cloudcode.ImageConfig{AspectRatio: ratio}
	if hd {
		ic.ImageSize = "4K"
	}
	return ic
}

// chatContents converts the chat history to upstream contents. Images the
// model produced earlier arrive back as markdown data URLs inside assistant
// turns; they are lifted out and carried forward into the next user turn so
// the upstream sees them as inputs rather than text.
func chatContents(messages []ChatMessage) []cloudcode.Content {
	contents := make([]cloudcode.Content, 0, len(messages))
	var pending []*cloudcode.Blob

	for _, msg := range messages {
		role := msg.Role
		switch role {
		case "assistant":
			role = "model"
		case "system":
			role = "user"
		}

		var parts []cloudcode.Part
		if role == "user" && len(pending) > 0 {
			utils.Debug("[OpenAI] Injecting %d carried image(s) into user turn", len(pending))
			for _, img := range pending {
				parts = append(parts, cloudcode.Part{InlineData: img})
			}
			pending = nil
		}

		if msg.Parts == nil {
			parts, pending = appendTextContent(parts, pending, msg.Content, role)
		} else {
			for _, part := range msg.Parts {
				switch part.Type {
				case "text":
					parts = append(parts, cloudcode.TextPart(part.Text))
				case "image_url":
					if part.ImageURL == nil {
						continue
					}
					m := dataURLPattern.FindStringSubmatch(part.ImageURL.URL)
					if m == nil {
						utils.Warn("[OpenAI] Ignoring image_url that is not a base64 data URL")
						continue
					}
					blob := &cloudcode.Blob{MimeType: m[1], Data: stripSpace(m[2])}
					if role == "model" {
						pending = append(pending, blob)
					} else {
						parts = append(parts, cloudcode.Part{InlineData: blob})
					}
				}
			}
		}

		if role == "model" && len(parts) == 0 && len(pending) > 0 {
			// Keep a placeholder turn where the extracted images used to be.
			parts = append(parts, cloudcode.TextPart("[Image Generated]"))
		}
		if len(parts) == 0 {
			parts = append(parts, cloudcode.TextPart(""))
		}
		contents = append(contents, cloudcode.Content{Role: role, Parts: parts})
	}

	return mergeAdjacentRoles(contents)
}

// appendTextContent splits string content around embedded markdown images.
// Images found in model turns go to the pending carry-forward list instead of
// the current turn.
func appendTextContent(parts []cloudcode.Part, pending []*cloudcode.Blob, text, role string) ([]cloudcode.Part, []*cloudcode.Blob) {
	last := 0
	for _, m := range markdownImagePattern.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > last {
			if seg := text[last:m[0]]; seg != "" {
				parts = append(parts, cloudcode.TextPart(seg))
			}
		}
		blob := &cloudcode.Blob{
			MimeType: text[m[2]:m[3]],
			Data:     stripSpace(text[m[4]:m[5]]),
		}
		if role == "model" {
			pending = append(pending, blob)
		} else {
			parts = append(parts, cloudcode.Part{InlineData: blob})
		}
		last = m[1]
	}
	if last < len(text) {
		if seg := text[last:]; seg != "" {
			parts = append(parts, cloudcode.TextPart(seg))
		}
	}
	return parts, pending
}

// mergeAdjacentRoles folds consecutive user or model turns into one content
// entry; upstream rejects histories where the same role speaks twice in a
// row. A blank-line separator keeps merged text parts readable.
func mergeAdjacentRoles(contents []cloudcode.Content) []cloudcode.Content {
	for i := 1; i < len(contents); {
		prev := &contents[i-1]
		cur := contents[i]
		if cur.Role != prev.Role || (cur.Role != "user" && cur.Role != "model") {
			i++
			continue
		}
		if len(prev.Parts) > 0 && len(cur.Parts) > 0 &&
			isTextPart(prev.Parts[len(prev.Parts)-1]) && isTextPart(cur.Parts[0]) {
			prev.Parts = append(prev.Parts, cloudcode.TextPart("\n\n"))
		}
		prev.Parts = append(prev.Parts, cur.Parts...)
		contents = append(contents[:i], contents[i+1:]...)
	}
	return contents
}

func isTextPart(p cloudcode.Part) bool {
	return p.InlineData == nil && p.FunctionCall == nil && p.FunctionResponse == nil
}

// BuildChatResponse converts a unary upstream response into an OpenAI chat
// completion. Inline image parts are spliced into the content as markdown
// data URLs; thought parts never reach OpenAI clients.
func BuildChatResponse(gen *cloudcode.GenerateResponse, model string) *ChatResponse {
	var content strings.Builder
	finish := "stop"
	if len(gen.Candidates) > 0 {
		cand := gen.Candidates[0]
		for _, p := range cand.Content.Parts {
			switch {
			case p.InlineData != nil:
				content.WriteString(InlineImageMarkdown(p.InlineData))
			case p.Thought:
			default:
				content.WriteString(p.Text)
			}
		}
		if mapped := ChatFinishReason(cand.FinishReason); mapped != "" {
			finish = mapped
		}
	}

	resp := &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatChoiceMessage{Role: "assistant", Content: content.String()},
			FinishReason: finish,
		}},
	}
	if gen.UsageMetadata != nil {
		resp.Usage = &ChatUsage{
			PromptTokens:     gen.UsageMetadata.PromptTokenCount,
			CompletionTokens: gen.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gen.UsageMetadata.TotalTokenCount,
		}
	}
	return resp
}

// InlineImageMarkdown renders an inline image blob as a standalone markdown
// image with a data URL.
func InlineImageMarkdown(blob *cloudcode.Blob) string {
	mime := blob.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("\n\n![Generated Image](data:%s;base64,%s)\n\n", mime, blob.Data)
}

// ChatFinishReason maps an upstream finishReason to the OpenAI vocabulary,
// returning "" for reasons without an equivalent.
func ChatFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return ""
	}
}
