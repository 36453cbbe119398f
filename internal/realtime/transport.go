// Package realtime provides the room-scoped publish/subscribe channels that
// collaborating clients meet on: presence tracking with full-state sync, and
// fire-and-forget broadcasts.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
)

var (
	ErrNotSubscribed = errors.New("channel is not subscribed")
	ErrClosed        = errors.New("channel is closed")
)

// Broadcast is the envelope carried for every non-presence message.
type Broadcast struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceState maps a presence key (the user id) to its tracked payload.
type PresenceState map[string]json.RawMessage

func (s PresenceState) Clone() PresenceState {
	if s == nil {
		return PresenceState{}
	}
	return maps.Clone(s)
}

// Handlers receive channel events. OnSync always carries the complete
// presence set.
type Handlers struct {
	OnSync      func(state PresenceState)
	OnBroadcast func(event string, payload json.RawMessage)
}

type Transport interface {
	// Channel constructs a channel for room whose presence entry is keyed
	// by presenceKey.
	Channel(room, presenceKey string) Channel
}

type Channel interface {
	// Subscribe blocks until the subscription is confirmed or ctx ends.
	Subscribe(ctx context.Context, handlers Handlers) error
	Track(ctx context.Context, payload json.RawMessage) error
	Untrack(ctx context.Context) error
	// Send delivers to every other subscriber of the room, never to self.
	Send(ctx context.Context, message Broadcast) error
	PresenceState() PresenceState
	// Unsubscribe is idempotent and removes a tracked presence.
	Unsubscribe(ctx context.Context) error
}

func (h Handlers) sync(state PresenceState) {
	if h.OnSync != nil {
		h.OnSync(state)
	}
}

func (h Handlers) broadcast(message Broadcast) {
	if h.OnBroadcast != nil {
		h.OnBroadcast(message.Event, message.Payload)
	}
}
