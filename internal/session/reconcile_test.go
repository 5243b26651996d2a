package session

import (
	"context"
	"testing"
	"time"

	"github.com/harshasoftware/tarotforge/internal/channel"
	"github.com/harshasoftware/tarotforge/internal/reading"
)

func TestPromotionPreservesState(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))

	localID := mustCreate(t, host, false)
	runHostedReading(t, host)
	want := host.State()

	host.tick(context.Background())

	id := host.SessionID()
	if IsLocalID(id) {
		t.Fatalf("session still local after promotion tick: %s", id)
	}
	if id == localID {
		t.Error("promotion reused the local id instead of a new persisted one")
	}

	rec := store.record(id)
	if rec == nil {
		t.Fatal("no persisted record after promotion")
	}
	if !rec.State.Equal(&want) {
		t.Errorf("persisted state differs:\n got %+v\nwant %+v", rec.State, want)
	}
	for i, cd := range want.SelectedCards {
		if rec.State.SelectedCards[i] != cd {
			t.Errorf("card order not preserved at %d: %+v", i, rec.State.SelectedCards[i])
		}
	}
	if rec.HostParticipantID != "host" {
		t.Errorf("host id = %q", rec.HostParticipantID)
	}

	// Promoted session is live on a channel keyed by the new id.
	waitFor(t, "channel on promoted id", func() bool { return bus.SubscriberCount(id) == 1 })
	if bus.SubscriberCount(localID) != 0 {
		t.Error("channel opened under the defunct local id")
	}
}

func TestPromotionIdempotent(t *testing.T) {
	store := newFakeStore()
	host := NewManager(channel.NewBus(), store, participant("host"))
	mustCreate(t, host, false)

	host.tick(context.Background())
	first := host.SessionID()
	host.tick(context.Background())
	host.tick(context.Background())

	if host.SessionID() != first {
		t.Errorf("session id changed on repeat tick: %s -> %s", first, host.SessionID())
	}
	if got := store.calls(); got != 1 {
		t.Errorf("CreateSession called %d times, want 1", got)
	}
}

func TestPromotionFailureRetries(t *testing.T) {
	store := newFakeStore()
	store.failCreate = true
	host := NewManager(channel.NewBus(), store, participant("host"))
	localID := mustCreate(t, host, false)

	host.tick(context.Background())
	host.tick(context.Background())
	if host.SessionID() != localID {
		t.Error("session changed despite promotion failures")
	}
	if got := store.calls(); got != 2 {
		t.Errorf("CreateSession called %d times, want 2 retries", got)
	}

	store.mu.Lock()
	store.failCreate = false
	store.mu.Unlock()

	host.tick(context.Background())
	if IsLocalID(host.SessionID()) {
		t.Error("promotion did not succeed once storage recovered")
	}
}

func TestPromotionEmitsEvent(t *testing.T) {
	store := newFakeStore()
	host := NewManager(channel.NewBus(), store, participant("host"))
	localID := mustCreate(t, host, false)

	host.tick(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-host.Events():
			if ev.Type != EventPromoted {
				continue
			}
			if ev.PreviousID != localID {
				t.Errorf("promoted event previous id = %q, want %q", ev.PreviousID, localID)
			}
			if IsLocalID(ev.Snapshot.SessionID) {
				t.Errorf("promoted event carries local id %q", ev.Snapshot.SessionID)
			}
			return
		case <-deadline:
			t.Fatal("no EventPromoted observed")
		}
	}
}

func TestGuestResyncTick(t *testing.T) {
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
	waitFor(t, "initial convergence", func() bool {
		got := guest.State()
		return got.Equal(&want)
	})

	// Simulate a missed broadcast: wind the guest's view back, then let the
	// periodic tick re-request and heal it.
	guest.mu.Lock()
	guest.state = reading.State{}
	guest.lastApplied = 0
	guest.mu.Unlock()

	guest.tick(context.Background())
	waitFor(t, "resync heals dropped state", func() bool {
		got := guest.State()
		return got.Equal(&want)
	})
}

func TestHostSaveStateTick(t *testing.T) {
	bus := channel.NewBus()
	store := newFakeStore()
	host := NewManager(bus, store, participant("host"))

	id := mustCreate(t, host, true)
	waitFor(t, "host subscription", host.Connected)
	runHostedReading(t, host)

	host.tick(context.Background())

	rec := store.record(id)
	if rec == nil {
		t.Fatal("record missing")
	}
	want := host.State()
	if !rec.State.Equal(&want) {
		t.Errorf("saved state differs from host state: %+v", rec.State)
	}
	if rec.Rev != host.Snapshot().Rev {
		t.Errorf("saved rev = %d, host rev = %d", rec.Rev, host.Snapshot().Rev)
	}

	// Nothing changed since the save; the next tick must not rewrite.
	before := rec.UpdatedAt
	time.Sleep(5 * time.Millisecond)
	host.tick(context.Background())
	if after := store.record(id).UpdatedAt; !after.Equal(before) {
		t.Error("clean tick rewrote persisted state")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	host := NewManager(channel.NewBus(), newFakeStore(), participant("host"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		host.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
