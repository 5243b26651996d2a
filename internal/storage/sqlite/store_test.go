package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/harshasoftware/tarotforge/internal/reading"
	"github.com/harshasoftware/tarotforge/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	draft := session.Draft{
		HostParticipantID: "host-1",
		DeckID:            "rider-waite",
		Rev:               5,
		State: reading.State{
			SelectedLayout: "Celtic Cross",
			SelectedCards: []reading.CardDraw{
				{CardID: "the-magician", Position: 0, Revealed: true},
				{CardID: "ten-of-swords", Position: 1, Orientation: reading.Reversed},
			},
			ReadingStarted: true,
			Question:       "What should I focus on?",
		},
	}

	id, err := store.CreateSession(ctx, draft)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" || session.IsLocalID(id) {
		t.Fatalf("unexpected id %q", id)
	}

	rec, err := store.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.ID != id || rec.HostParticipantID != "host-1" || rec.DeckID != "rider-waite" || rec.Rev != 5 {
		t.Errorf("metadata lost: %+v", rec)
	}
	if !rec.State.Equal(&draft.State) {
		t.Errorf("state differs:\n got %+v\nwant %+v", rec.State, draft.State)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestLoadUnknownSession(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadSession(context.Background(), "no-such-id")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveStateOverwrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateSession(ctx, session.Draft{HostParticipantID: "h", DeckID: "rider-waite"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	next := reading.State{
		SelectedLayout: "Three Card",
		SelectedCards:  []reading.CardDraw{{CardID: "the-star", Position: 1}},
		ReadingStarted: true,
	}
	if err := store.SaveState(ctx, id, 9, next); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, err := store.LoadSession(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Rev != 9 {
		t.Errorf("rev = %d, want 9", rec.Rev)
	}
	if !rec.State.Equal(&next) {
		t.Errorf("state = %+v, want %+v", rec.State, next)
	}
}

func TestSaveStateUnknownSession(t *testing.T) {
	store := openTestStore(t)
	err := store.SaveState(context.Background(), "no-such-id", 1, reading.State{})
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIDsAreUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := store.CreateSession(ctx, session.Draft{HostParticipantID: "h"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
