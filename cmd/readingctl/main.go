// readingctl joins a shared reading session as a guest and tails it to
// stdout, which is handy for watching a relay (or the -demo reading)
// without a full client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/harshasoftware/tarotforge/internal/reading"
	"github.com/harshasoftware/tarotforge/internal/remote"
	"github.com/harshasoftware/tarotforge/internal/session"
)

func main() {
	relayURL := flag.String("relay", "http://127.0.0.1:8080", "Relay base URL")
	sessionID := flag.String("session", "", "Session id to join")
	joinToken := flag.String("token", "", "Join token from the session's share link")
	name := flag.String("name", "observer", "Display name shown to other participants")
	flag.Parse()

	godotenv.Load()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "readingctl: -session is required")
		flag.Usage()
		os.Exit(2)
	}

	client := remote.NewClient(*relayURL, os.Getenv("TAROTFORGE_AUTH_TOKEN"))
	if *joinToken != "" {
		client.SetJoinToken(*sessionID, *joinToken)
	}

	mgr := session.NewManager(client, client, reading.Participant{
		ParticipantID: uuid.NewString(),
		DisplayName:   *name,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Join(ctx, *sessionID); err != nil {
		log.Fatalf("Failed to join %s: %v", *sessionID, err)
	}
	go mgr.Run(ctx, 0)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mgr.Leave()
		cancel()
		os.Exit(0)
	}()

	for ev := range mgr.Events() {
		printEvent(ev)
	}
}

func printEvent(ev session.Event) {
	s := ev.Snapshot
	switch ev.Type {
	case session.EventConnectionChanged:
		if s.Connected {
			fmt.Printf("connected to %s\n", s.SessionID)
		} else {
			fmt.Printf("disconnected from %s\n", s.SessionID)
		}
	case session.EventRosterChanged:
		names := make([]string, 0, len(s.Participants))
		for _, p := range s.Participants {
			names = append(names, p.DisplayName)
		}
		fmt.Printf("participants: %s\n", strings.Join(names, ", "))
	case session.EventStateChanged:
		fmt.Printf("rev %d: %s\n", s.Rev, describe(s.State, s.DeckID))
	case session.EventPromoted:
		fmt.Printf("session %s promoted to %s\n", ev.PreviousID, s.SessionID)
	}
}

func describe(s reading.State, deckID string) string {
	if !s.ReadingStarted {
		return "waiting for the reading to begin"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", s.SelectedLayout, deckID)
	if s.Question != "" {
		fmt.Fprintf(&b, " %q", s.Question)
	}

	layout, _ := reading.LayoutByName(s.SelectedLayout)
	for _, c := range s.SelectedCards {
		pos := fmt.Sprintf("#%d", c.Position)
		if c.Position < len(layout.Positions) {
			pos = layout.Positions[c.Position]
		}
		face := "face down"
		if c.Revealed {
			face = c.CardID
			if c.Orientation == reading.Reversed {
				face += " (reversed)"
			}
		}
		fmt.Fprintf(&b, "\n  %-18s %s", pos+":", face)
	}
	if s.ReadingComplete {
		b.WriteString("\n  reading complete")
	}
	return b.String()
}
