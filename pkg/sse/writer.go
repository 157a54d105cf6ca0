// Package sse implements server-sent event framing: a writer that emits
// "id:/event:/data:" frames and an incremental parser that reassembles
// frames from arbitrarily fragmented input.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
)

// SetHeaders prepares a response for streaming.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer writes SSE frames and flushes after each one when the underlying
// writer supports it. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	nextID  int
}

// NewWriter wraps w. If w is an http.Flusher every frame is flushed.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// WriteEvent encodes data as JSON and writes one frame.
func (w *Writer) WriteEvent(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return eris.Wrapf(err, "sse: marshal %s", event)
	}
	return w.WriteRaw(event, string(payload))
}

// WriteRaw writes one frame with a preformatted data field. Multi-line data
// is split into several data lines.
func (w *Writer) WriteRaw(event, data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", w.nextID)
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return eris.Wrapf(err, "sse: write %s", event)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Comment writes a comment line, used as a keep-alive.
func (w *Writer) Comment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return eris.Wrap(err, "sse: write comment")
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
