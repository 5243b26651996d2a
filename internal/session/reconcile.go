package session

import (
	"context"
	"log"
	"time"
)

// DefaultResyncInterval is the safety-net tick period: how often local
// sessions retry promotion and guests re-request state.
const DefaultResyncInterval = 30 * time.Second

const promoteTimeout = 10 * time.Second

// Run drives the reconciliation loop until ctx is cancelled. Each tick has
// independent responsibilities:
//
//  1. An unsynced local session is promoted to a persisted one (retried
//     forever on failure; the session keeps working offline meanwhile).
//  2. A guest of a persisted session re-requests full state as a hedge
//     against missed broadcasts.
//  3. A host with unsaved changes writes them through so late joiners seed
//     from storage even while the host is quiet.
//
// interval <= 0 selects DefaultResyncInterval.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultResyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one reconciliation pass. Safe to invoke at any time.
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	sessionID := m.sessionID
	host := m.host
	synced := m.synced
	dirty := m.dirty
	connected := m.connected
	if sessionID == "" {
		m.mu.Unlock()
		return
	}

	switch {
	case host && !synced:
		m.mu.Unlock()
		m.promote(ctx)
	case !host && synced && connected:
		m.sendRequestStateLocked()
		m.mu.Unlock()
	case host && synced && dirty:
		m.mu.Unlock()
		m.saveState(ctx)
	default:
		m.mu.Unlock()
	}
}

// promote converts the local session into a persisted one: the current
// state is serialized under a brand-new persisted id (a copy, not an
// in-place rename) and the channel comes up keyed on that id. The synced
// flag makes repeated attempts idempotent; a failure is logged and retried
// on the next tick, never escalated.
func (m *Manager) promote(ctx context.Context) {
	if m.persist == nil {
		return
	}

	m.mu.Lock()
	if m.sessionID == "" || !m.host || m.synced {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	localID := m.sessionID
	draft := Draft{
		HostParticipantID: m.self.ParticipantID,
		DeckID:            m.deckID,
		Rev:               m.rev,
		State:             *m.state.Clone(),
	}
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, promoteTimeout)
	defer cancel()
	id, err := m.persist.CreateSession(cctx, draft)
	if err != nil {
		log.Printf("session: promote %s failed, staying local: %v", localID, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.sessionID != localID || m.synced {
		// The session was left or promoted while the call was in flight;
		// the freshly persisted row is an orphan and simply expires.
		return
	}
	m.sessionID = id
	m.synced = true
	m.dirty = false
	m.openChannelLocked()
	log.Printf("session: promoted %s -> %s", localID, id)
	m.emitEventLocked(Event{Type: EventPromoted, Snapshot: m.snapshotLocked(), PreviousID: localID})
}

// saveState writes the host's current state through to storage.
func (m *Manager) saveState(ctx context.Context) {
	if m.persist == nil {
		return
	}

	m.mu.Lock()
	if m.sessionID == "" || !m.host || !m.synced || !m.dirty {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	id := m.sessionID
	rev := m.rev
	state := *m.state.Clone()
	m.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, promoteTimeout)
	defer cancel()
	if err := m.persist.SaveState(cctx, id, rev, state); err != nil {
		log.Printf("session: save state for %s: %v", id, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.sessionID != id {
		return
	}
	// Only clear dirty if nothing changed while the save was in flight.
	if m.rev == rev {
		m.dirty = false
	}
}
