// Package relay implements the realtime service side of the sync protocol:
// named channels with broadcast fan-out and presence tracking over
// websockets, plus the session persistence HTTP API.
package relay

import (
	"encoding/json"

	"github.com/harshasoftware/tarotforge/internal/reading"
)

type FrameType string

const (
	// Relay to client.
	FrameStatus   FrameType = "status"
	FramePresence FrameType = "presence"

	// Client to relay.
	FrameTrack FrameType = "track"

	// Both directions. A broadcast is relayed verbatim to every other
	// subscriber of the channel; the sender never receives its own.
	FrameBroadcast FrameType = "broadcast"
)

// Frame is the websocket envelope between client and relay. Field use
// depends on Type: status frames carry Status, broadcast frames carry
// Event+Payload, presence and track frames carry Participant.
type Frame struct {
	Type        FrameType            `json:"type"`
	Status      string               `json:"status,omitempty"`
	Event       string               `json:"event,omitempty"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	Presence    string               `json:"presence,omitempty"` // "join" or "leave"
	Participant *reading.Participant `json:"participant,omitempty"`
}

const (
	StatusSubscribed = "SUBSCRIBED"

	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// CreateSessionResponse is returned by POST /api/sessions. JoinToken is
// present only when the relay is configured with a JWT secret.
type CreateSessionResponse struct {
	ID        string `json:"id"`
	JoinToken string `json:"joinToken,omitempty"`
}

// SaveStateRequest is the body of PUT /api/sessions/{id}/state.
type SaveStateRequest struct {
	Rev   uint64        `json:"rev"`
	State reading.State `json:"state"`
}

// ChannelInfo is one entry of the GET /api/channels ops listing.
type ChannelInfo struct {
	ID          string `json:"id"`
	Subscribers int    `json:"subscribers"`
	Tracked     int    `json:"tracked"`
}
