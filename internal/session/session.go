// Package session implements the collaborative reading-session protocol:
// one host owns the canonical state and broadcasts it, guests converge on
// the host's last write, and a reconciler heals drift and promotes offline
// sessions to shareable ones.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/harshasoftware/tarotforge/internal/reading"
)

// Channel event tags carried inside broadcast messages.
const (
	EventReadingState = "reading_state"
	EventRequestState = "request_state"
)

// localPrefix marks ephemeral session ids that have no channel backing and
// no persisted record. A local session is only ever seen by its host.
const localPrefix = "local_"

// ErrNotFound distinguishes "no such session" from transport failures so
// callers can offer to start a new session instead of retrying.
var ErrNotFound = errors.New("session not found")

// NewLocalID allocates an ephemeral session id.
func NewLocalID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to a
		// time-derived suffix rather than panicking mid-session.
		return localPrefix + hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return localPrefix + hex.EncodeToString(b[:])
}

// IsLocalID reports whether id names an unpromoted local session.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}

// Draft is the serialized form of a session handed to the persistence
// collaborator on creation or promotion.
type Draft struct {
	HostParticipantID string        `json:"hostParticipantId"`
	DeckID            string        `json:"deckId"`
	Rev               uint64        `json:"rev"`
	State             reading.State `json:"state"`
}

// Record is a persisted session as loaded back from storage.
type Record struct {
	ID                string        `json:"id"`
	HostParticipantID string        `json:"hostParticipantId"`
	DeckID            string        `json:"deckId"`
	Rev               uint64        `json:"rev"`
	State             reading.State `json:"state"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Persistence is the storage collaborator. CreateSession assigns and
// returns a new persisted id; LoadSession returns ErrNotFound for unknown
// or expired ids; SaveState overwrites the stored state for a session the
// caller hosts.
type Persistence interface {
	CreateSession(ctx context.Context, draft Draft) (string, error)
	LoadSession(ctx context.Context, id string) (*Record, error)
	SaveState(ctx context.Context, id string, rev uint64, state reading.State) error
}

// statePayload is the reading_state wire message. The State fields are
// inlined so the payload matches the documented shape:
//
//	{"type":"reading_state","rev":7,"deckId":"rider-waite","selectedLayout":...}
type statePayload struct {
	Type   string `json:"type"`
	Rev    uint64 `json:"rev"`
	DeckID string `json:"deckId"`
	reading.State
}

// requestPayload is the request_state wire message.
type requestPayload struct {
	Type        string `json:"type"`
	RequesterID string `json:"requesterId"`
}
