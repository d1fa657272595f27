// Package registrytest provides a recording registry.Session for tests.
package registrytest

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/heartline/realtime/internal/domain"
	"github.com/heartline/realtime/internal/registry"
)

// Session records every frame it accepts. A positive Capacity makes Send
// fail with domain.ErrSlowConsumer once that many frames are held.
type Session struct {
	id       string
	Capacity int

	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	evicted error
	closed  atomic.Bool
}

var (
	_ registry.Session = (*Session)(nil)
	_ registry.Evicter = (*Session)(nil)
)

// NewSession creates an open session with unbounded capacity.
func NewSession(id string) *Session {
	return &Session{id: id}
}

// ID implements registry.Session.
func (s *Session) ID() string { return s.id }

// Send implements registry.Session.
func (s *Session) Send(frame []byte) error {
	if s.closed.Load() {
		return domain.ErrTransportUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.Capacity > 0 && len(s.frames) >= s.Capacity {
		return domain.ErrSlowConsumer
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

// Close implements registry.Session.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Evict implements registry.Evicter and records cause.
func (s *Session) Evict(cause error) error {
	s.mu.Lock()
	s.evicted = cause
	s.mu.Unlock()
	return s.Close()
}

// EvictedWith returns the cause passed to Evict, or nil.
func (s *Session) EvictedWith() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Closed implements registry.Session.
func (s *Session) Closed() bool { return s.closed.Load() }

// FailWith makes every subsequent Send return err.
func (s *Session) FailWith(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Frames returns a copy of the recorded frames.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Messages decodes the recorded frames.
func (s *Session) Messages() []map[string]interface{} {
	frames := s.Frames()
	out := make([]map[string]interface{}, 0, len(frames))
	for _, f := range frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types returns the "type" of each recorded frame in order.
func (s *Session) Types() []string {
	msgs := s.Messages()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

// OfType returns the decoded frames with the given type.
func (s *Session) OfType(msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range s.Messages() {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Reset discards recorded frames.
func (s *Session) Reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}
