// Package sse writes Server-Sent Events responses.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer wraps an http.ResponseWriter for SSE streaming. Every write flushes
// so chunks reach the client as they arrive.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates an SSE writer; fails when the underlying writer cannot
// flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes a named event, the framing Anthropic streams use.
func (sw *Writer) WriteEvent(eventType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteData writes a bare data frame, the framing OpenAI streams use.
func (sw *Writer) WriteData(data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteDone writes the OpenAI stream terminator.
func (sw *Writer) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError writes an Anthropic-shaped error event.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent("error", map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}

// Flush flushes any buffered data.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
