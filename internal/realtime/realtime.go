// internal/realtime/realtime.go
//
// Package realtime wraps a named pub/sub topic with presence tracking and
// fire-and-forget broadcast. The backend is deliberately dumb: it keeps a
// presence table per topic and pushes the full table to every subscriber on
// every change. Nothing here is persisted; a topic exists only while someone
// is subscribed to it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coffeederby/derby/internal/protocol"
)

var (
	// ErrNotConfigured means no backend endpoint is configured at all.
	// Callers should surface this as "multiplayer unavailable" rather than
	// a join failure.
	ErrNotConfigured = errors.New("realtime: backend not configured")

	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("realtime: channel closed")
)

// Event is something delivered on a subscribed channel. Events arrive one at
// a time, in arrival order, on a single Go channel; consumers never see two
// callbacks running concurrently.
type Event interface{ isEvent() }

// PresenceSync carries the full presence table after any participant joined,
// left, or updated its metadata. It is always a snapshot, never a delta.
type PresenceSync struct {
	State protocol.PresenceState
}

// Broadcast is a fire-and-forget message from one participant. Delivery is
// best-effort: no acknowledgment, no retry. Messages of the same Event name
// from a single sender arrive in send order.
type Broadcast struct {
	Event   string
	Payload json.RawMessage
	Sender  string
}

func (PresenceSync) isEvent() {}
func (Broadcast) isEvent()    {}

// Channel is one open subscription to a topic. A Channel only exists once
// the subscription is established, so tracking presence before the
// subscribe acknowledgment is impossible by construction.
type Channel interface {
	// Track publishes the caller's own presence record. Calling it again
	// replaces the record (e.g. to publish a score on the presence entry).
	Track(ctx context.Context, meta protocol.PresenceMeta) error

	// Broadcast sends event+payload to all current subscribers of the topic.
	Broadcast(ctx context.Context, event string, payload interface{}) error

	// Events delivers presence syncs and broadcasts until the channel
	// closes; the Go channel is closed afterwards.
	Events() <-chan Event

	// Close removes this participant's presence entry, then tears down the
	// subscription. Idempotent.
	Close(ctx context.Context) error
}

// Backend opens channels. key identifies this participant in the topic's
// presence table.
type Backend interface {
	Subscribe(ctx context.Context, topic, key string) (Channel, error)
}

// Topic returns the canonical topic name for a room code.
func Topic(code string) string {
	return "room:" + code
}
