// Package sim drives a scripted reading session for demos and manual
// testing: a host lays out a spread card by card while a guest follows
// along over the same transport a real client would use.
package sim

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/harshasoftware/tarotforge/internal/channel"
	"github.com/harshasoftware/tarotforge/internal/reading"
	"github.com/harshasoftware/tarotforge/internal/session"
)

var questions = []string{
	"What should I focus on in my career?",
	"What stands between me and what I want?",
	"What energy surrounds this decision?",
	"What am I not seeing clearly?",
}

// Driver runs an endless sequence of demo readings. Each reading picks a
// layout and question, draws the spread one card per tick, reveals the
// cards, marks the reading complete, then starts over.
type Driver struct {
	opener   channel.Opener
	persist  session.Persistence
	interval time.Duration
	rng      *rand.Rand

	host  *session.Manager
	guest *session.Manager

	layout reading.Layout
	cards  []reading.CardDraw
	phase  phase
	step   int
}

type phase int

const (
	phaseSetup phase = iota
	phaseDraw
	phaseReveal
	phaseComplete
	phasePause
)

func NewDriver(opener channel.Opener, persist session.Persistence, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	return &Driver{
		opener:   opener,
		persist:  persist,
		interval: interval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start creates the demo session, joins the observing guest, and begins
// ticking until ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	d.host = session.NewManager(d.opener, d.persist,
		reading.Participant{ParticipantID: "sim-host", DisplayName: "Demo Reader"})
	d.guest = session.NewManager(d.opener, d.persist,
		reading.Participant{ParticipantID: "sim-guest", DisplayName: "Demo Seeker"})

	id, err := d.host.Create(ctx, reading.DefaultDeckID, true)
	if err != nil {
		return err
	}
	log.Printf("sim: demo session %s", id)

	if !session.IsLocalID(id) {
		if err := d.guest.Join(ctx, id); err != nil {
			log.Printf("sim: guest join failed, running host-only: %v", err)
		}
	}

	go d.run(ctx)
	return nil
}

func (d *Driver) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.guest.Leave()
			d.host.Leave()
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Driver) tick() {
	switch d.phase {
	case phaseSetup:
		d.beginReading()
	case phaseDraw:
		d.drawNext()
	case phaseReveal:
		d.revealNext()
	case phaseComplete:
		d.completeReading()
	case phasePause:
		d.step++
		if d.step >= 3 {
			d.phase = phaseSetup
		}
	}
}

func (d *Driver) beginReading() {
	layouts := reading.Layouts()
	d.layout = layouts[d.rng.Intn(len(layouts))]
	d.cards = nil
	d.step = 0

	question := questions[d.rng.Intn(len(questions))]
	started := true
	complete := false
	empty := []reading.CardDraw{}
	err := d.host.UpdateState(reading.Patch{
		SelectedLayout:  &d.layout.Name,
		SelectedCards:   &empty,
		ReadingStarted:  &started,
		ReadingComplete: &complete,
		Question:        &question,
	})
	if err != nil {
		log.Printf("sim: begin reading: %v", err)
		return
	}
	log.Printf("sim: new %s reading: %q", d.layout.Name, question)
	d.phase = phaseDraw
}

func (d *Driver) drawNext() {
	deck := reading.StandardDeck(reading.DefaultDeckID, "Rider-Waite").Cards
	drawn := make(map[string]bool, len(d.cards))
	for _, c := range d.cards {
		drawn[c.CardID] = true
	}

	card := deck[d.rng.Intn(len(deck))]
	for drawn[card.ID] {
		card = deck[d.rng.Intn(len(deck))]
	}

	orientation := reading.Upright
	if d.rng.Intn(4) == 0 {
		orientation = reading.Reversed
	}
	d.cards = append(d.cards, reading.CardDraw{
		CardID:      card.ID,
		Position:    len(d.cards),
		Orientation: orientation,
	})

	if err := d.host.UpdateState(reading.Patch{SelectedCards: &d.cards}); err != nil {
		log.Printf("sim: draw: %v", err)
		return
	}
	if len(d.cards) == len(d.layout.Positions) {
		d.step = 0
		d.phase = phaseReveal
	}
}

func (d *Driver) revealNext() {
	if d.step < len(d.cards) {
		d.cards[d.step].Revealed = true
		d.step++
		if err := d.host.UpdateState(reading.Patch{SelectedCards: &d.cards}); err != nil {
			log.Printf("sim: reveal: %v", err)
		}
		return
	}
	d.phase = phaseComplete
}

func (d *Driver) completeReading() {
	complete := true
	if err := d.host.UpdateState(reading.Patch{ReadingComplete: &complete}); err != nil {
		log.Printf("sim: complete: %v", err)
		return
	}
	log.Printf("sim: reading complete, guest at rev %d", d.guest.Snapshot().Rev)
	d.step = 0
	d.phase = phasePause
}
