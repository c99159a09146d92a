package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultHeartbeat = 15 * time.Second
	heartbeatComment = ": heartbeat %d\n\n"
)

// Encode renders the event as one SSE frame.
func Encode(evt Event) ([]byte, error) {
	evt = normalize(evt)
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("event: marshal SSE payload: %w", err)
	}
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, body)), nil
}

// Stream writes one query's event sequence to a single SSE client. Unlike a
// broadcast bus, a stream is request-scoped: it lives for one response body.
type Stream struct {
	w         io.Writer
	flush     func()
	heartbeat time.Duration
}

// NewStream prepares w for SSE delivery. When w is an http.ResponseWriter
// the SSE headers are set and each frame is flushed.
func NewStream(w io.Writer) (*Stream, error) {
	s := &Stream{w: w, flush: func() {}, heartbeat: defaultHeartbeat}
	if rw, ok := w.(http.ResponseWriter); ok {
		flusher, ok := rw.(http.Flusher)
		if !ok {
			return nil, errors.New("event: response does not support streaming")
		}
		headers := rw.Header()
		headers.Set("Content-Type", "text/event-stream")
		headers.Set("Cache-Control", "no-cache")
		headers.Set("Connection", "keep-alive")
		s.flush = flusher.Flush
	}
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return nil, err
	}
	s.flush()
	return s, nil
}

// SetHeartbeat sets the idle keep-alive interval (<=0 disables).
func (s *Stream) SetHeartbeat(d time.Duration) {
	if d <= 0 {
		s.heartbeat = 0
		return
	}
	s.heartbeat = d
}

// Send writes one event frame.
func (s *Stream) Send(evt Event) error {
	frame, err := Encode(evt)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Relay consumes the event channel until it closes or ctx is cancelled,
// interleaving heartbeat comments while the producer is quiet.
func (s *Stream) Relay(ctx context.Context, events <-chan Event) error {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker = time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Send(evt); err != nil {
				return err
			}
			if ticker != nil {
				ticker.Reset(s.heartbeat)
			}
		case <-tick:
			if _, err := fmt.Fprintf(s.w, heartbeatComment, time.Now().Unix()); err != nil {
				return err
			}
			s.flush()
		}
	}
}
