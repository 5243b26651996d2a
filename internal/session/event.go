package session

import "github.com/harshasoftware/tarotforge/internal/reading"

// EventType classifies manager events delivered to the UI layer.
type EventType int

const (
	EventStateChanged      EventType = iota // shared state changed (local write or remote broadcast)
	EventRosterChanged                      // presence join/leave
	EventConnectionChanged                  // channel subscribed / dropped
	EventPromoted                           // local session acquired a persisted id
)

// Event carries an immutable snapshot to observers. UI code reads snapshots
// and never mutates manager state directly.
type Event struct {
	Type     EventType
	Snapshot Snapshot
	// PreviousID is set on EventPromoted: the local_ id the session had
	// before promotion.
	PreviousID string
}

// Snapshot is a point-in-time copy of everything the UI renders.
type Snapshot struct {
	SessionID    string
	DeckID       string
	Host         bool
	Connected    bool
	Rev          uint64
	State        reading.State
	Participants []reading.Participant
}
