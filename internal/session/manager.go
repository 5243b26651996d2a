package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/harshasoftware/tarotforge/internal/channel"
	"github.com/harshasoftware/tarotforge/internal/reading"
)

const eventBuffer = 64

// Manager owns one client's view of a reading session. It is the sole
// writer of the local State; the UI mutates shared state only through
// Create/Join/UpdateState/SwitchDeck/Leave and reads it back via Events
// and Snapshot.
type Manager struct {
	opener  channel.Opener
	persist Persistence // nil means offline-only; promotion never succeeds
	self    reading.Participant

	mu          sync.Mutex
	sessionID   string
	deckID      string
	host        bool
	synced      bool // session has a persisted record
	dirty       bool // host state not yet saved since last SaveState
	rev         uint64
	lastApplied uint64
	state       reading.State
	ch          channel.Channel
	connected   bool
	roster      map[string]reading.Participant
	// epoch guards asynchronous completions: every channel callback
	// captures the epoch at registration and is ignored once Leave or
	// promotion has moved the manager past it.
	epoch int

	events  chan Event
	dropped int
}

// NewManager builds a manager for one participant. opener supplies the
// realtime transport; persist may be nil for a purely offline client.
func NewManager(opener channel.Opener, persist Persistence, self reading.Participant) *Manager {
	if self.JoinedAt.IsZero() {
		self.JoinedAt = time.Now().UTC()
	}
	return &Manager{
		opener:  opener,
		persist: persist,
		self:    self,
		host:    true, // host of my own future local session
		roster:  make(map[string]reading.Participant),
		events:  make(chan Event, eventBuffer),
	}
}

// Events exposes the manager's event stream. Sends never block; if the
// consumer falls behind, events are dropped and the next snapshot carries
// the full current state anyway.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Create starts a new session with this participant as host. A shareable
// session gets a persisted id and a live channel immediately; otherwise the
// session is local-only (no channel backing) until the reconciler promotes
// it. If shareable creation cannot reach storage the session falls back to
// local mode rather than failing.
func (m *Manager) Create(ctx context.Context, deckID string, shareable bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		return "", fmt.Errorf("already in session %s, leave first", m.sessionID)
	}
	if deckID == "" {
		deckID = reading.DefaultDeckID
	}

	m.host = true
	m.deckID = deckID
	m.state = reading.State{}
	m.rev = 0
	m.lastApplied = 0
	m.dirty = false

	if shareable && m.persist != nil {
		id, err := m.persist.CreateSession(ctx, Draft{
			HostParticipantID: m.self.ParticipantID,
			DeckID:            deckID,
		})
		if err != nil {
			log.Printf("session: shareable create failed, continuing locally: %v", err)
		} else {
			m.sessionID = id
			m.synced = true
			m.openChannelLocked()
			return id, nil
		}
	}

	m.sessionID = NewLocalID()
	m.synced = false
	return m.sessionID, nil
}

// Join subscribes this participant to an existing session as a guest. The
// persisted record seeds the initial view; the state-request issued on
// subscribe brings it fully current within one host round trip. Unknown and
// local-only ids fail with ErrNotFound.
func (m *Manager) Join(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		return fmt.Errorf("already in session %s, leave first", m.sessionID)
	}
	if IsLocalID(id) {
		// Local sessions have no channel and no record to join.
		return fmt.Errorf("join %s: %w", id, ErrNotFound)
	}

	if m.persist != nil {
		rec, err := m.persist.LoadSession(ctx, id)
		switch {
		case err == nil:
			m.deckID = rec.DeckID
			m.state = *rec.State.Clone()
			m.lastApplied = rec.Rev
		case isNotFound(err):
			return fmt.Errorf("join %s: %w", id, ErrNotFound)
		default:
			// Transport trouble is not proof the session is gone; join the
			// channel unseeded and let the state-request fill the view.
			log.Printf("session: load %s failed, joining unseeded: %v", id, err)
		}
	}

	m.sessionID = id
	m.host = false
	m.synced = true
	m.dirty = false
	m.openChannelLocked()
	return nil
}

// UpdateState merges a partial update into the shared state and, because
// the host is the only writer, broadcasts the merged state. Called with no
// active session it is a logged no-op (UI actions may race session setup);
// called on a guest it is likewise a no-op because guests have no write
// authority.
func (m *Manager) UpdateState(p reading.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID == "" {
		log.Printf("session: UpdateState with no active session, ignoring")
		return nil
	}
	if !m.host {
		log.Printf("session: UpdateState from non-host on %s, ignoring", m.sessionID)
		return nil
	}
	if err := m.state.Apply(p); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	m.rev++
	m.dirty = true
	m.broadcastStateLocked()
	m.emitLocked(EventStateChanged)
	return nil
}

// SwitchDeck changes the deck mid-session. Deck identity rides the same
// reading_state broadcast as every other shared change.
func (m *Manager) SwitchDeck(deckID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID == "" {
		log.Printf("session: SwitchDeck with no active session, ignoring")
		return nil
	}
	if !m.host {
		log.Printf("session: SwitchDeck from non-host on %s, ignoring", m.sessionID)
		return nil
	}
	if deckID == "" {
		return fmt.Errorf("switch deck: empty deck id")
	}
	m.deckID = deckID
	m.rev++
	m.dirty = true
	m.broadcastStateLocked()
	m.emitLocked(EventStateChanged)
	return nil
}

// Leave tears the session down: unsubscribes (idempotently), clears the
// session identity, and resets the host flag to its default of true. Any
// in-flight callback from the old channel is fenced off by the epoch bump.
func (m *Manager) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID == "" {
		return
	}
	m.epoch++
	if m.ch != nil {
		if err := m.ch.Unsubscribe(); err != nil {
			log.Printf("session: unsubscribe %s: %v", m.sessionID, err)
		}
		m.ch = nil
	}
	m.sessionID = ""
	m.deckID = ""
	m.host = true
	m.synced = false
	m.dirty = false
	m.rev = 0
	m.lastApplied = 0
	m.state = reading.State{}
	m.connected = false
	m.roster = make(map[string]reading.Participant)
}

// IsHost reports whether this client is the session's authoritative writer.
// Host identity is fixed at Create/Join time and never reevaluated; there
// is no failover if the host disconnects.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host
}

// SessionID returns the current session id, or "" outside a session.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connected reports whether the channel subscription is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// State returns a deep copy of the current shared state.
func (m *Manager) State() reading.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.state.Clone()
}

// Snapshot returns a point-in-time copy of the full view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	participants := make([]reading.Participant, 0, len(m.roster))
	for _, p := range m.roster {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt.Equal(participants[j].JoinedAt) {
			return participants[i].ParticipantID < participants[j].ParticipantID
		}
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	rev := m.rev
	if !m.host {
		rev = m.lastApplied
	}
	return Snapshot{
		SessionID:    m.sessionID,
		DeckID:       m.deckID,
		Host:         m.host,
		Connected:    m.connected,
		Rev:          rev,
		State:        *m.state.Clone(),
		Participants: participants,
	}
}

// openChannelLocked opens and subscribes the channel for the current
// session id. Caller holds m.mu.
func (m *Manager) openChannelLocked() {
	epoch := m.epoch
	ch := m.opener.Channel(m.sessionID)
	ch.OnBroadcast(EventReadingState, func(payload json.RawMessage) {
		m.onReadingState(epoch, payload)
	})
	ch.OnBroadcast(EventRequestState, func(payload json.RawMessage) {
		m.onRequestState(epoch, payload)
	})
	ch.OnPresence(func(ev channel.PresenceEvent) {
		m.onPresence(epoch, ev)
	})
	m.ch = ch
	if err := ch.Subscribe(func(status channel.Status) {
		m.onStatus(epoch, status)
	}); err != nil {
		// Transport errors surface as a disconnected view, never a crash;
		// the reconciler's next tick is the retry path.
		log.Printf("session: subscribe %s: %v", m.sessionID, err)
	}
}

func (m *Manager) onStatus(epoch int, status channel.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	switch status {
	case channel.StatusSubscribed:
		m.connected = true
		if err := m.ch.Track(m.self); err != nil {
			log.Printf("session: track on %s: %v", m.sessionID, err)
		}
		if !m.host {
			m.sendRequestStateLocked()
		}
	case channel.StatusClosed, channel.StatusError:
		m.connected = false
	}
	m.emitLocked(EventConnectionChanged)
}

// onReadingState applies a host broadcast. Messages at or below the last
// applied rev are duplicates or stragglers and are dropped, which makes
// re-applying the same broadcast a structural no-op.
func (m *Manager) onReadingState(epoch int, payload json.RawMessage) {
	var msg statePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("session: bad reading_state payload: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.sessionID == "" {
		return
	}
	if m.host {
		// The transport does not echo, so a host-tagged message here means
		// a second writer; the fixed-host design says ignore it.
		return
	}
	if msg.Rev <= m.lastApplied {
		return
	}
	m.lastApplied = msg.Rev
	m.state = *msg.State.Clone()
	if msg.DeckID != "" {
		m.deckID = msg.DeckID
	}
	m.emitLocked(EventStateChanged)
}

// onRequestState answers a guest's state request. The reply is the full
// current state broadcast to the whole channel; requesters converge and
// everyone else discards it via the rev guard.
func (m *Manager) onRequestState(epoch int, payload json.RawMessage) {
	var msg requestPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("session: bad request_state payload: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || !m.host || m.sessionID == "" {
		return
	}
	if msg.RequesterID == m.self.ParticipantID {
		return
	}
	m.broadcastStateLocked()
}

func (m *Manager) onPresence(epoch int, ev channel.PresenceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.sessionID == "" {
		return
	}
	switch ev.Type {
	case channel.PresenceJoin:
		m.roster[ev.Participant.ParticipantID] = ev.Participant
	case channel.PresenceLeave:
		delete(m.roster, ev.Participant.ParticipantID)
	}
	m.emitLocked(EventRosterChanged)
}

// broadcastStateLocked sends the full current state. Caller holds m.mu and
// has already established host authority.
func (m *Manager) broadcastStateLocked() {
	if m.ch == nil || !m.connected {
		return
	}
	msg := statePayload{
		Type:   EventReadingState,
		Rev:    m.rev,
		DeckID: m.deckID,
		State:  *m.state.Clone(),
	}
	if err := m.ch.Send(EventReadingState, msg); err != nil {
		log.Printf("session: broadcast state on %s: %v", m.sessionID, err)
	}
}

func (m *Manager) sendRequestStateLocked() {
	if m.ch == nil {
		return
	}
	msg := requestPayload{
		Type:        EventRequestState,
		RequesterID: m.self.ParticipantID,
	}
	if err := m.ch.Send(EventRequestState, msg); err != nil {
		log.Printf("session: request state on %s: %v", m.sessionID, err)
	}
}

// emitLocked delivers an event without blocking. Caller holds m.mu.
func (m *Manager) emitLocked(t EventType) {
	m.emitEventLocked(Event{Type: t, Snapshot: m.snapshotLocked()})
}

func (m *Manager) emitEventLocked(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped++
		if m.dropped%100 == 1 {
			log.Printf("session: event consumer slow, %d events dropped", m.dropped)
		}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
