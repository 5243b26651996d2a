package channel

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/harshasoftware/tarotforge/internal/reading"
)

// waitFor polls cond until it returns true or the deadline passes.
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

type recorder struct {
	mu       sync.Mutex
	payloads []string
	presence []PresenceEvent
	statuses []Status
}

func (r *recorder) onBroadcast(payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
}

func (r *recorder) onPresence(ev PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, ev)
}

func (r *recorder) onStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) payloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) presenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.presence)
}

func (r *recorder) subscribedSeen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == StatusSubscribed {
			return true
		}
	}
	return false
}

func TestSubscribeReportsStatus(t *testing.T) {
	bus := NewBus()
	ch := bus.Channel("room-1")
	rec := &recorder{}

	if err := ch.Subscribe(rec.onStatus); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "SUBSCRIBED status", rec.subscribedSeen)
}

func TestBroadcastNotEchoedToSender(t *testing.T) {
	bus := NewBus()
	a := bus.Channel("room-1")
	b := bus.Channel("room-1")
	recA, recB := &recorder{}, &recorder{}
	a.OnBroadcast("ping", recA.onBroadcast)
	b.OnBroadcast("ping", recB.onBroadcast)

	if err := a.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := b.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}

	if err := a.Send("ping", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, "b to receive broadcast", func() bool { return recB.payloadCount() == 1 })
	if recA.payloadCount() != 0 {
		t.Errorf("sender received its own broadcast: %v", recA.payloads)
	}
}

func TestBroadcastScopedToTopic(t *testing.T) {
	bus := NewBus()
	a := bus.Channel("room-1")
	other := bus.Channel("room-2")
	rec := &recorder{}
	other.OnBroadcast("ping", rec.onBroadcast)

	if err := a.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := other.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe other: %v", err)
	}
	if err := a.Send("ping", "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if rec.payloadCount() != 0 {
		t.Error("broadcast leaked across topics")
	}
}

func TestSendBeforeSubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Channel("room-1")
	if err := ch.Send("ping", "x"); err == nil {
		t.Error("Send before Subscribe did not error")
	}
	if err := ch.Track(reading.Participant{ParticipantID: "p"}); err == nil {
		t.Error("Track before Subscribe did not error")
	}
}

func TestPresenceTrackAndRosterReplay(t *testing.T) {
	bus := NewBus()
	a := bus.Channel("room-1")
	recA := &recorder{}
	a.OnPresence(recA.onPresence)
	if err := a.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := a.Track(reading.Participant{ParticipantID: "host", DisplayName: "Vera"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Tracker sees its own join.
	waitFor(t, "self join", func() bool { return recA.presenceCount() == 1 })

	// A later subscriber gets the existing roster replayed as joins.
	b := bus.Channel("room-1")
	recB := &recorder{}
	b.OnPresence(recB.onPresence)
	if err := b.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	waitFor(t, "roster replay", func() bool { return recB.presenceCount() == 1 })

	recB.mu.Lock()
	got := recB.presence[0]
	recB.mu.Unlock()
	if got.Type != PresenceJoin || got.Participant.ParticipantID != "host" {
		t.Errorf("unexpected replayed presence: %+v", got)
	}
}

func TestUnsubscribeEmitsLeave(t *testing.T) {
	bus := NewBus()
	a := bus.Channel("room-1")
	b := bus.Channel("room-1")
	recB := &recorder{}
	b.OnPresence(recB.onPresence)

	if err := a.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := b.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	if err := a.Track(reading.Participant{ParticipantID: "host"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	waitFor(t, "join", func() bool { return recB.presenceCount() == 1 })

	if err := a.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	waitFor(t, "leave", func() bool { return recB.presenceCount() == 2 })

	recB.mu.Lock()
	leave := recB.presence[1]
	recB.mu.Unlock()
	if leave.Type != PresenceLeave || leave.Participant.ParticipantID != "host" {
		t.Errorf("unexpected leave event: %+v", leave)
	}
	if bus.SubscriberCount("room-1") != 1 {
		t.Errorf("subscriber count = %d, want 1", bus.SubscriberCount("room-1"))
	}
}

func TestUnsubscribeIdempotentAndSilencing(t *testing.T) {
	bus := NewBus()
	a := bus.Channel("room-1")
	b := bus.Channel("room-1")
	rec := &recorder{}
	b.OnBroadcast("ping", rec.onBroadcast)

	if err := a.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if err := b.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	if err := b.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}

	if err := a.Send("ping", "x"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if rec.payloadCount() != 0 {
		t.Error("handler fired after Unsubscribe")
	}
}
