// Package events carries session lifecycle notifications (state changes,
// retries, faults) from device sessions to logs, journals and live clients.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	KindStateChanged     Kind = "state_changed"
	KindRetry            Kind = "retry"
	KindFault            Kind = "fault"
	KindRestored         Kind = "restored"
	KindKeepaliveFailed  Kind = "keepalive_failed"
	KindInvocationFailed Kind = "invocation_failed"
)

// Event is a single notification from a device session.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	ID       uuid.UUID `json:"id" cbor:"1,keyasint"`
	Time     time.Time `json:"timestamp" cbor:"2,keyasint"`
	Kind     Kind      `json:"kind" cbor:"3,keyasint"`
	DeviceID string    `json:"device_id" cbor:"4,keyasint"`

	// State transitions
	From string `json:"from,omitempty" cbor:"5,keyasint,omitempty"`
	To   string `json:"to,omitempty" cbor:"6,keyasint,omitempty"`

	Capability string `json:"capability,omitempty" cbor:"7,keyasint,omitempty"`
	Attempt    int    `json:"attempt,omitempty" cbor:"8,keyasint,omitempty"`
	Detail     string `json:"detail,omitempty" cbor:"9,keyasint,omitempty"`
}

// New stamps a fresh event for deviceID.
func New(kind Kind, deviceID string) Event {
	return Event{
		ID:       uuid.New(),
		Time:     time.Now().UTC(),
		Kind:     kind,
		DeviceID: deviceID,
	}
}

// Sink receives events. Emit must not block the caller for long; sessions
// call it from their worker goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout sends events to multiple sinks.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Add appends a sink. Not safe for use once events are flowing.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Emit(e Event) {
	for _, s := range f.sinks {
		s.Emit(e)
	}
}

var _ Sink = (*Fanout)(nil)
