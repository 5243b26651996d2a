package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harshasoftware/tarotforge/internal/channel"
	"github.com/harshasoftware/tarotforge/internal/reading"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeStore is an in-memory Persistence with failure injection.
type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	nextID      int
	failCreate  bool
	createCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func (f *fakeStore) CreateSession(ctx context.Context, draft Draft) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate {
		return "", errors.New("storage unreachable")
	}
	f.nextID++
	id := fmt.Sprintf("sess-%04d", f.nextID)
	now := time.Now().UTC()
	f.records[id] = &Record{
		ID:                id,
		HostParticipantID: draft.HostParticipantID,
		DeckID:            draft.DeckID,
		Rev:               draft.Rev,
		State:             *draft.State.Clone(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return id, nil
}

func (f *fakeStore) LoadSession(ctx context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", id, ErrNotFound)
	}
	c := *rec
	c.State = *rec.State.Clone()
	return &c, nil
}

func (f *fakeStore) SaveState(ctx context.Context, id string, rev uint64, state reading.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return fmt.Errorf("save %s: %w", id, ErrNotFound)
	}
	rec.Rev = rev
	rec.State = *state.Clone()
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) record(id string) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil
	}
	c := *rec
	c.State = *rec.State.Clone()
	return &c
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func participant(id string) reading.Participant {
	return reading.Participant{ParticipantID: id, DisplayName: id, JoinedAt: time.Now().UTC()}
}

func mustCreate(t *testing.T, m *Manager, shareable bool) string {
	t.Helper()
	id, err := m.Create(context.Background(), "", shareable)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

// runHostedReading walks the host through a typical reading: Celtic
// Cross, three draws, a question.
func runHostedReading(t *testing.T, host *Manager) {
	t.Helper()
	started := true
	layout := "Celtic Cross"
	question := "What does my career hold?"
	draws := []reading.CardDraw{
		{CardID: "the-fool", Position: 0},
		{CardID: "the-tower", Position: 1, Orientation: reading.Reversed},
		{CardID: "the-star", Position: 2},
	}
	if err := host.UpdateState(reading.Patch{SelectedLayout: &layout, ReadingStarted: &started}); err != nil {
		t.Fatalf("UpdateState layout: %v", err)
	}
	if err := host.UpdateState(reading.Patch{SelectedCards: &draws}); err != nil {
		t.Fatalf("UpdateState cards: %v", err)
	}
	if err := host.UpdateState(reading.Patch{Question: &question}); err != nil {
		t.Fatalf("UpdateState question: %v", err)
	}
}

func TestCreateLocalSession(t *testing.T) {
	bus := channel.NewBus()
	m := NewManager(bus, newFakeStore(), participant("host"))

	id := mustCreate(t, m, false)
	if !IsLocalID(id) {
		t.Errorf("local create returned non-local id %q", id)
	}
	if !m.IsHost() {
		t.Error("creator is not host")
	}
	if bus.SubscriberCount(id) != 0 {
		t.Error("local session opened a channel")
	}
}

func TestCreateShareableSession(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	m := NewManager(bus, store, participant("host"))

	id := mustCreate(t, m, true)
	if IsLocalID(id) {
		t.Errorf("shareable create returned local id %q", id)
	}
	if store.record(id) == nil {
		t.Error("no persisted record after shareable create")
	}
	waitFor(t, "channel subscription", func() bool { return m.Connected() })
	if bus.SubscriberCount(id) != 1 {
		t.Errorf("subscriber count = %d, want 1", bus.SubscriberCount(id))
	}
}

func TestCreateShareableFallsBackToLocal(t *testing.T) {
	store := newFakeStore()
	store.failCreate = true
	m := NewManager(channel.NewBus(), store, participant("host"))

	id := mustCreate(t, m, true)
	if !IsLocalID(id) {
		t.Errorf("expected local fallback id, got %q", id)
	}
	if !m.IsHost() {
		t.Error("fallback session lost host authority")
	}
}

func TestLocalIDUniqueness(t *testing.T) {
	const n = 2000
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := NewLocalID()
		if !IsLocalID(id) {
			t.Fatalf("NewLocalID returned %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate local id %q after %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestConvergence(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))
	guest := NewManager(bus, store, participant("guest"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)

	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if guest.IsHost() {
		t.Error("guest believes it is host")
	}
	waitFor(t, "guest subscription", guest.Connected)

	runHostedReading(t, host)

	want := host.State()
	waitFor(t, "guest convergence", func() bool {
		got := guest.State()
		return got.Equal(&want)
	})

	got := guest.State()
	if got.SelectedLayout != "Celtic Cross" || len(got.SelectedCards) != 3 ||
		got.Question != "What does my career hold?" {
		t.Errorf("guest state diverged: %+v", got)
	}
}

func TestLateJoinReceivesFullState(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)

	// Five updates happen before the guest ever subscribes.
	runHostedReading(t, host)
	complete := true
	if err := host.UpdateState(reading.Patch{ReadingComplete: &complete}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	deck := "golden-dawn"
	if err := host.SwitchDeck(deck); err != nil {
		t.Fatalf("SwitchDeck: %v", err)
	}

	guest := NewManager(bus, nil, participant("guest"))
	// The guest has no persistence collaborator, so nothing seeds the view;
	// it fills in entirely from the request_state round trip.
	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}

	want := host.State()
	waitFor(t, "late joiner convergence", func() bool {
		got := guest.State()
		return got.Equal(&want)
	})
	waitFor(t, "deck convergence", func() bool {
		return guest.Snapshot().DeckID == "golden-dawn"
	})
	if snap := guest.Snapshot(); snap.Rev != host.Snapshot().Rev {
		t.Errorf("guest rev = %d, host rev = %d", snap.Rev, host.Snapshot().Rev)
	}
}

func TestJoinSeedsFromStorage(t *testing.T) {
	// Host is offline; the guest still gets the last persisted view.
	bus := channel.NewBus()
	store := newFakeStore()
	id, err := store.CreateSession(context.Background(), Draft{
		HostParticipantID: "host",
		DeckID:            "rider-waite",
		Rev:               4,
		State: reading.State{
			SelectedLayout: "Three Card",
			SelectedCards:  []reading.CardDraw{{CardID: "the-sun", Position: 1}},
			ReadingStarted: true,
			Question:       "seeded",
		},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	guest := NewManager(bus, store, participant("guest"))
	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}
	got := guest.State()
	if got.Question != "seeded" || len(got.SelectedCards) != 1 {
		t.Errorf("guest not seeded from storage: %+v", got)
	}
	if guest.Snapshot().Rev != 4 {
		t.Errorf("seeded rev = %d, want 4", guest.Snapshot().Rev)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	m := NewManager(channel.NewBus(), newFakeStore(), participant("guest"))
	err := m.Join(context.Background(), "sess-9999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Join unknown id error = %v, want ErrNotFound", err)
	}
}

func TestJoinLocalID(t *testing.T) {
	m := NewManager(channel.NewBus(), newFakeStore(), participant("guest"))
	err := m.Join(context.Background(), NewLocalID())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Join local id error = %v, want ErrNotFound", err)
	}
}

func TestUpdateStateWithoutSession(t *testing.T) {
	m := NewManager(channel.NewBus(), newFakeStore(), participant("p"))
	started := true
	if err := m.UpdateState(reading.Patch{ReadingStarted: &started}); err != nil {
		t.Errorf("UpdateState before session = %v, want nil no-op", err)
	}
	if m.State().ReadingStarted {
		t.Error("no-op update mutated state")
	}
}

func TestGuestUpdateStateIsNoOp(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))
	guest := NewManager(bus, store, participant("guest"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)
	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "guest subscription", guest.Connected)

	q := "guest question"
	if err := guest.UpdateState(reading.Patch{Question: &q}); err != nil {
		t.Errorf("guest UpdateState = %v, want nil no-op", err)
	}
	if guest.State().Question != "" {
		t.Error("guest wrote authoritative state locally")
	}

	time.Sleep(50 * time.Millisecond)
	if host.State().Question != "" {
		t.Error("guest write reached the host")
	}
}

func TestDuplicateAndStaleBroadcastsIgnored(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))
	guest := NewManager(bus, store, participant("guest"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)
	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "guest subscription", guest.Connected)

	runHostedReading(t, host)
	want := host.State()
	waitFor(t, "convergence", func() bool {
		got := guest.State()
		return got.Equal(&want)
	})
	rev := guest.Snapshot().Rev

	// Replay the current broadcast and then a stale one straight into the
	// guest's handler; neither may change the applied state.
	current := statePayload{Type: EventReadingState, Rev: rev, DeckID: "rider-waite", State: want}
	stale := statePayload{Type: EventReadingState, Rev: rev - 1, DeckID: "rider-waite",
		State: reading.State{Question: "stale"}}
	guest.mu.Lock()
	epoch := guest.epoch
	guest.mu.Unlock()
	guest.onReadingState(epoch, mustJSON(t, current))
	guest.onReadingState(epoch, mustJSON(t, stale))

	got := guest.State()
	if !got.Equal(&want) {
		t.Errorf("duplicate/stale replay changed state: %+v", got)
	}
	if guest.Snapshot().Rev != rev {
		t.Errorf("rev moved from %d to %d", rev, guest.Snapshot().Rev)
	}
}

func TestLeaveResetsAndSilences(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))
	guest := NewManager(bus, store, participant("guest"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)
	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, "guest subscription", guest.Connected)

	guest.Leave()
	guest.Leave() // idempotent

	if guest.SessionID() != "" {
		t.Error("session id survived Leave")
	}
	if !guest.IsHost() {
		t.Error("host flag not reset to default after Leave")
	}

	// Broadcasts after teardown must not reach the departed guest.
	runHostedReading(t, host)
	time.Sleep(50 * time.Millisecond)
	if got := guest.State(); got.SelectedLayout != "" {
		t.Errorf("state applied after Leave: %+v", got)
	}
	waitFor(t, "subscriber gone", func() bool { return bus.SubscriberCount(id) == 1 })
}

func TestPresenceRoster(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))
	guest := NewManager(bus, store, participant("guest"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)
	if err := guest.Join(context.Background(), id); err != nil {
		t.Fatalf("Join: %v", err)
	}

	waitFor(t, "host sees both participants", func() bool {
		return len(host.Snapshot().Participants) == 2
	})
	waitFor(t, "guest sees both participants", func() bool {
		return len(guest.Snapshot().Participants) == 2
	})

	guest.Leave()
	waitFor(t, "host sees guest leave", func() bool {
		return len(host.Snapshot().Participants) == 1
	})
	if ps := host.Snapshot().Participants; ps[0].ParticipantID != "host" {
		t.Errorf("remaining participant = %+v", ps)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
