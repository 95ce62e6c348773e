// Package sse provides Server-Sent Events utilities for streaming chat
// responses. Every event carries the API envelope {code, message, data};
// the stream terminates with a data:true completion event.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Envelope is the wire payload of every streamed event.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Writer wraps an http.ResponseWriter for SSE streaming.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter creates an SSE writer and sets streaming headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flusher interface")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// NewWriterRaw wraps a plain writer, flushing through f when non-nil.
// Used by tests and non-HTTP callers.
func NewWriterRaw(w io.Writer, f http.Flusher) *Writer {
	return &Writer{w: w, flusher: f}
}

// WriteData sends one envelope with code 0.
func (w *Writer) WriteData(ctx context.Context, data any) error {
	return w.WriteEnvelope(ctx, Envelope{Code: 0, Message: "", Data: data})
}

// WriteDone sends the terminal completion event (data:true).
func (w *Writer) WriteDone(ctx context.Context) error {
	return w.WriteEnvelope(ctx, Envelope{Code: 0, Message: "", Data: true})
}

// WriteError sends a non-zero code with the error text. The partial answer
// accumulated so far, if any, travels in data so clients can keep it.
func (w *Writer) WriteError(ctx context.Context, code int, err error, partial any) error {
	return w.WriteEnvelope(ctx, Envelope{Code: code, Message: err.Error(), Data: partial})
}

// WriteEnvelope marshals and sends one event.
func (w *Writer) WriteEnvelope(ctx context.Context, env Envelope) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context canceled: %w", ctx.Err())
	default:
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return w.writeData(string(payload))
}

// writeData writes one SSE event. Multi-line content gets a "data:" prefix
// per line as the SSE format requires; an empty line terminates the event.
func (w *Writer) writeData(content string) error {
	for _, line := range strings.Split(content, "\n") {
		if _, err := fmt.Fprintf(w.w, "data:%s\n", line); err != nil {
			return fmt.Errorf("write data line: %w", err)
		}
	}
	if _, err := w.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
