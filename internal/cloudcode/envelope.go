package cloudcode

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/gateway/internal/config"
)

// Request type values carried in the envelope's requestType field.
const (
	RequestTypeAgent     = "agent"
	RequestTypeWebSearch = "web_search"
)

// Envelope is the outer v1internal request body. Every call wraps the actual
// generation request with project and routing metadata.
type Envelope struct {
	Project     string  `json:"project"`
	RequestID   string  `json:"requestId"`
	Model       string  `json:"model"`
	UserAgent   string  `json:"userAgent"`
	RequestType string  `json:"requestType,omitempty"`
	Request     Request `json:"request"`
}

// NewEnvelope builds an envelope around an inner request. The request id
// carries the "agent-" prefix the desktop client uses for chat traffic;
// callers that need a bare id overwrite RequestID after construction.
func NewEnvelope(project, model, requestType string, req Request) *Envelope {
	return &Envelope{
		Project:     project,
		RequestID:   "agent-" + uuid.NewString(),
		Model:       model,
		UserAgent:   config.EnvelopeUserAgent,
		RequestType: requestType,
		Request:     req,
	}
}

// Request is the inner generation request in Gemini wire format.
type Request struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig  `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting    `json:"safetySettings,omitempty"`
	Tools             []Tool             `json:"tools,omitempty"`
	ToolConfig        *ToolConfig        `json:"toolConfig,omitempty"`
	SessionID         string             `json:"sessionId,omitempty"`
}

// SystemInstruction holds the system prompt. The role field is populated on
// the OpenAI path and left empty on the Anthropic path; upstream accepts both.
type SystemInstruction struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Content is one conversation turn with role "user" or "model".
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is the union of the Gemini part forms. Exactly one of the payload
// members is meaningful: InlineData, FunctionCall, FunctionResponse, or the
// text form (Text plus the thought fields).
type Part struct {
	Text             string
	Thought          bool
	ThoughtSignature string
	InlineData       *Blob
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// TextPart returns a plain text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ThoughtPart returns a thinking part with an optional signature.
func ThoughtPart(text, signature string) Part {
	return Part{Text: text, Thought: true, ThoughtSignature: signature}
}

// MarshalJSON picks the wire form from whichever union member is set. The
// text form always writes the "text" key: upstream rejects parts without a
// recognizable payload, so an empty text part must serialize as {"text":""}
// rather than {}.
func (p Part) MarshalJSON() ([]byte, error) {
	switch {
	case p.InlineData != nil:
		return json.Marshal(struct {
			InlineData *Blob `json:"inlineData"`
		}{p.InlineData})
	case p.FunctionCall != nil:
		return json.Marshal(struct {
			FunctionCall     *FunctionCall `json:"functionCall"`
			ThoughtSignature string        `json:"thoughtSignature,omitempty"`
		}{p.FunctionCall, p.ThoughtSignature})
	case p.FunctionResponse != nil:
		return json.Marshal(struct {
			FunctionResponse *FunctionResponse `json:"functionResponse"`
			ThoughtSignature string            `json:"thoughtSignature,omitempty"`
		}{p.FunctionResponse, p.ThoughtSignature})
	default:
		return json.Marshal(struct {
			Text             string `json:"text"`
			Thought          bool   `json:"thought,omitempty"`
			ThoughtSignature string `json:"thoughtSignature,omitempty"`
		}{p.Text, p.Thought, p.ThoughtSignature})
	}
}

// UnmarshalJSON accepts any of the part forms produced by upstream.
func (p *Part) UnmarshalJSON(data []byte) error {
	var raw struct {
		Text             string            `json:"text"`
		Thought          bool              `json:"thought"`
		ThoughtSignature string            `json:"thoughtSignature"`
		InlineData       *Blob             `json:"inlineData"`
		FunctionCall     *FunctionCall     `json:"functionCall"`
		FunctionResponse *FunctionResponse `json:"functionResponse"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Part{
		Text:             raw.Text,
		Thought:          raw.Thought,
		ThoughtSignature: raw.ThoughtSignature,
		InlineData:       raw.InlineData,
		FunctionCall:     raw.FunctionCall,
		FunctionResponse: raw.FunctionResponse,
	}
	return nil
}

// Blob is inline binary content, base64 encoded.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	ID   string         `json:"id,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
	ID       string         `json:"id,omitempty"`
}

// GenerationConfig mirrors the Gemini generationConfig object. Sampling
// fields are pointers so client-omitted values stay off the wire.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ImageConfig     *ImageConfig    `json:"imageConfig,omitempty"`
}

// ThinkingConfig enables thought streaming. ThinkingBudget is only honored
// for flash models and is capped by the mappers before it lands here.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// ImageConfig selects output geometry for image-generation models.
type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// SafetySetting is one harm category with its block threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// DefaultSafetySettings disables blocking for every harm category. The
// gateway fronts trusted local clients, so filtering is left to the caller.
func DefaultSafetySettings() []SafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
		"HARM_CATEGORY_CIVIC_INTEGRITY",
	}
	settings := make([]SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, SafetySetting{Category: c, Threshold: "OFF"})
	}
	return settings
}

// Tool declares either local function declarations or the built-in Google
// Search tool. Upstream refuses envelopes that mix both.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *GoogleSearch         `json:"googleSearch,omitempty"`
}

// GoogleSearch is the built-in web search tool marker.
type GoogleSearch struct{}

// FunctionDeclaration describes one callable function.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolConfig sets the function calling mode.
type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

// FunctionCallingConfig holds the calling mode, normally "VALIDATED".
type FunctionCallingConfig struct {
	Mode string `json:"mode"`
}

// GenerateResponse is the inner response payload after unwrapping.
type GenerateResponse struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
	ResponseID    string         `json:"responseId,omitempty"`
}

// Candidate is one generated completion.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index,omitempty"`
}

// UsageMetadata carries upstream token accounting.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

// UnwrapResponse strips the {"response": ...} wrapper the v1internal API
// puts around payloads. Bodies that arrive unwrapped pass through unchanged.
func UnwrapResponse(raw []byte) []byte {
	inner := gjson.GetBytes(raw, "response")
	if inner.IsObject() {
		return []byte(inner.Raw)
	}
	return raw
}

// ParseGenerateResponse unwraps and decodes a unary generation response.
func ParseGenerateResponse(raw []byte) (*GenerateResponse, error) {
	var resp GenerateResponse
	if err := json.Unmarshal(UnwrapResponse(raw), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
