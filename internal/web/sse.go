package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// sseWriter streams OpenAI-shaped chat-completion chunks as server-sent
// events, with client disconnect detection.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// newSSEWriter prepares SSE headers and returns a writer, or nil when the
// ResponseWriter cannot flush.
func newSSEWriter(w http.ResponseWriter, r *http.Request) *sseWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &sseWriter{w: w, flusher: flusher, ctx: r.Context()}
}

// SendChunk writes one `data: <json>` event. Returns false when the client
// has disconnected.
func (s *sseWriter) SendChunk(chunk any) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		log.Printf("[SSE] JSON marshal error: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		log.Printf("[SSE] Write error (client disconnected?): %v", err)
		return false
	}
	s.flusher.Flush()
	return true
}

// SendStatus emits a progress event as an SSE comment line, invisible to
// strict OpenAI clients but observable by ours.
func (s *sseWriter) SendStatus(event string) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	if _, err := fmt.Fprintf(s.w, ": status %s\n\n", event); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

// SendDone terminates the stream with the [DONE] sentinel.
func (s *sseWriter) SendDone() {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return
	}
	s.flusher.Flush()
}
