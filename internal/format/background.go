package format

import (
	"strings"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// TaskType classifies the housekeeping requests coding agents fire alongside
// real work: title generation, history compression, prompt suggestions and
// the like. They burn premium-model quota without needing one, so the
// handlers downgrade them to flash models.
type TaskType int

const (
	TaskNone TaskType = iota
	TaskSystemMessage
	TaskTitleGeneration
	TaskSimpleSummary
	TaskContextCompression
	TaskPromptSuggestion
	TaskEnvironmentProbe
)

func (t TaskType) String() string {
	switch t {
	case TaskSystemMessage:
		return "system_message"
	case TaskTitleGeneration:
		return "title_generation"
	case TaskSimpleSummary:
		return "simple_summary"
	case TaskContextCompression:
		return "context_compression"
	case TaskPromptSuggestion:
		return "prompt_suggestion"
	case TaskEnvironmentProbe:
		return "environment_probe"
	default:
		return "none"
	}
}

// Model returns the downgrade target for the task, or "" for TaskNone.
// Context compression works over long histories and gets the bigger flash
// model; everything else runs on flash-lite.
func (t TaskType) Model() string {
	switch t {
	case TaskNone:
		return ""
	case TaskContextCompression:
		return config.ModelFlash
	default:
		return config.ModelFlashLite
	}
}

var (
	titleKeywords = []string{
		"write a 5-10 word title",
		"Please write a 5-10 word title",
		"Respond with the title",
		"Generate a title for",
		"Create a brief title",
		"title for the conversation",
		"conversation title",
		"生成标题",
		"为对话起个标题",
	}
	summaryKeywords = []string{
		"Summarize this coding conversation",
		"Summarize the conversation",
		"Concise summary",
		"in under 50 characters",
		"compress the context",
		"Provide a concise summary",
		"condense the previous messages",
		"shorten the conversation history",
		"extract key points from",
	}
	suggestionKeywords = []string{
		"prompt suggestion generator",
		"suggest next prompts",
		"what should I ask next",
		"generate follow-up questions",
		"recommend next steps",
		"possible next actions",
	}
	systemKeywords = []string{
		"Warmup",
		"<system-reminder>",
		"Caveat: The messages below were generated",
		"This is a system message",
	}
	probeKeywords = []string{
		"check current directory",
		"list available tools",
		"verify environment",
		"test connection",
	}
)

// backgroundTaskMaxLen filters out real prompts: background tasks are short.
const backgroundTaskMaxLen = 800

// DetectBackgroundTask inspects the last meaningful user message and
// classifies the request. Matching runs on a 500-rune preview in priority
// order: system notices, then titles, summaries, suggestions, probes.
func DetectBackgroundTask(req *anthropic.MessagesRequest) TaskType {
	msg, ok := lastMeaningfulUserMessage(req.Messages)
	if !ok || len(msg) > backgroundTaskMaxLen {
		return TaskNone
	}
	preview := msg
	if runes := []rune(msg); len(runes) > 500 {
		preview = string(runes[:500])
	}

	switch {
	case containsAny(preview, systemKeywords):
		return TaskSystemMessage
	case containsAny(preview, titleKeywords):
		return TaskTitleGeneration
	case containsAny(preview, summaryKeywords):
		if strings.Contains(preview, "in under 50 characters") {
			return TaskSimpleSummary
		}
		return TaskContextCompression
	case containsAny(preview, suggestionKeywords):
		return TaskPromptSuggestion
	case containsAny(preview, probeKeywords):
		return TaskEnvironmentProbe
	}
	return TaskNone
}

// SanitizeBackgroundTask strips everything a downgraded flash call cannot
// carry: tool declarations, the thinking config, and thinking blocks left in
// the history.
func SanitizeBackgroundTask(req *anthropic.MessagesRequest) {
	req.Tools = nil
	req.Thinking = nil
	for i := range req.Messages {
		blocks := req.Messages[i].Content[:0]
		for _, b := range req.Messages[i].Content {
			if b.Type == "thinking" || b.Type == "redacted_thinking" {
				continue
			}
			blocks = append(blocks, b)
		}
		req.Messages[i].Content = blocks
	}
}

// lastMeaningfulUserMessage walks the history backwards and returns the text
// of the newest user message that is not blank, a warmup ping, or an injected
// system reminder.
func lastMeaningfulUserMessage(messages []anthropic.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		texts := make([]string, 0, len(messages[i].Content))
		for _, b := range messages[i].Content {
			if b.Type == "text" {
				texts = append(texts, b.Text)
			}
		}
		content := strings.Join(texts, " ")
		if strings.TrimSpace(content) == "" ||
			strings.HasPrefix(content, "Warmup") ||
			strings.Contains(content, "<system-reminder>") {
			continue
		}
		return content, true
	}
	return "", false
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
