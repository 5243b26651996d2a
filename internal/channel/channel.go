// Package channel defines the session-scoped pub/sub contract the sync
// protocol runs over: named topics with broadcast fan-out and presence
// tracking. Implementations are the in-process Bus (local sessions, tests)
// and the websocket relay binding in internal/remote.
package channel

import (
	"encoding/json"

	"github.com/harshasoftware/tarotforge/internal/reading"
)

// Status reports subscription lifecycle transitions to the subscriber.
type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "CHANNEL_ERROR"
)

// PresenceType tags presence roster changes.
type PresenceType string

const (
	PresenceJoin  PresenceType = "join"
	PresenceLeave PresenceType = "leave"
)

// PresenceEvent is delivered for every roster change on a subscribed
// channel, including the initial roster replay on subscribe.
type PresenceEvent struct {
	Type        PresenceType
	Participant reading.Participant
}

// BroadcastFunc handles one broadcast payload for a registered event tag.
type BroadcastFunc func(payload json.RawMessage)

// PresenceFunc handles one presence event.
type PresenceFunc func(ev PresenceEvent)

// StatusFunc observes subscription status transitions.
type StatusFunc func(status Status)

// Channel is one named pub/sub topic. Handlers must be registered before
// Subscribe. Broadcasts are delivered at least once, unordered across
// publishers, and are never echoed back to their sender. Unsubscribe is
// idempotent; no handler fires after it returns.
type Channel interface {
	OnBroadcast(event string, fn BroadcastFunc)
	OnPresence(fn PresenceFunc)
	Subscribe(onStatus StatusFunc) error
	Track(p reading.Participant) error
	Send(event string, payload any) error
	Unsubscribe() error
}

// Opener hands out channels by name. Opening the same name twice yields two
// independent subscribers of one topic.
type Opener interface {
	Channel(name string) Channel
}
