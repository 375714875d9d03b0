// Package sse frames server-sent events for the streaming chat endpoints:
// one `data:` JSON line per event, blank-line separated, a comment ping
// every 15 seconds, and a literal `data: [DONE]` closing frame.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PingInterval is the keep-alive cadence.
const PingInterval = 15 * time.Second

// Sender serializes writes to one SSE response. After the client
// disconnects, writes become no-ops; the first dropped write is logged.
type Sender struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger

	closed     bool
	warnedDrop bool
	stopPing   chan struct{}
	pingOnce   sync.Once
}

// NewSender prepares the response for streaming and returns the sender.
// Returns an error when the writer cannot flush incrementally.
func NewSender(w http.ResponseWriter, logger *slog.Logger) (*Sender, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	return &Sender{
		w:        w,
		flusher:  flusher,
		logger:   logger,
		stopPing: make(chan struct{}),
	}, nil
}

// StartPing emits a `: ping` comment line every PingInterval until Close.
func (s *Sender) StartPing() {
	s.pingOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopPing:
					return
				case <-ticker.C:
					s.writeRaw(": ping\n\n")
				}
			}
		}()
	})
}

// SendJSON marshals v and emits it as one data frame.
func (s *Sender) SendJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("sse marshal failed", "error", err)
		return
	}
	s.writeRaw("data: " + string(raw) + "\n\n")
}

// SendEvent emits an envelope `{event, ...fields}`.
func (s *Sender) SendEvent(event string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["event"] = event
	s.SendJSON(payload)
}

// SendRaw emits text verbatim as a data frame. Used for pass-through
// payloads whose shape must not be re-encoded.
func (s *Sender) SendRaw(text string) {
	s.writeRaw("data: " + text + "\n\n")
}

// SendDone emits the closing frame.
func (s *Sender) SendDone() {
	s.writeRaw("data: [DONE]\n\n")
}

// Close stops the keep-alive and marks the sender finished. Further sends
// are dropped silently.
func (s *Sender) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stopPing)
	}
	s.mu.Unlock()
}

func (s *Sender) writeRaw(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		// Client went away: downgrade to no-ops, warn once.
		if !s.warnedDrop {
			s.warnedDrop = true
			s.logger.Warn("sse client disconnected, dropping writes", "error", err)
		}
		s.closed = true
		close(s.stopPing)
		return
	}
	s.flusher.Flush()
}
