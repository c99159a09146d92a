// Package event defines the ordered output surface of the answer core: a
// stream of text fragments closed by exactly one terminal status record,
// delivered to HTTP clients as Server-Sent Events.
package event

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Type discriminates event payloads.
type Type string

const (
	// TypeAnswerDelta carries one incremental answer fragment.
	TypeAnswerDelta Type = "answer_delta"
	// TypeProgress reports orchestrator phase transitions.
	TypeProgress Type = "progress"
	// TypeStatus is the terminal record; exactly one per query, always
	// last.
	TypeStatus Type = "status"
	// TypeError carries a user-safe failure notice mid-stream.
	TypeError Type = "error"
)

var validTypes = map[Type]struct{}{
	TypeAnswerDelta: {},
	TypeProgress:    {},
	TypeStatus:      {},
	TypeError:       {},
}

// Event is one frame pushed to the presentation layer.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	QueryID   string    `json:"query_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// New constructs an event, filling ID and Timestamp.
func New(typ Type, queryID string, data any) Event {
	return normalize(Event{Type: typ, QueryID: queryID, Data: data})
}

// Validate checks the event shape.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := validTypes[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	return nil
}

func normalize(evt Event) Event {
	if evt.ID == "" {
		evt.ID = newEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

func newEventID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// AnswerDeltaData is the payload of TypeAnswerDelta.
type AnswerDeltaData struct {
	Text string `json:"text"`
}

// ProgressData is the payload of TypeProgress.
type ProgressData struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

// ErrorData is the payload of TypeError. Message is user-safe; backend
// error text never appears here.
type ErrorData struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
