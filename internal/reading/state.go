package reading

import (
	"encoding/json"
	"fmt"
	"time"
)

type Orientation int

const (
	Upright Orientation = iota
	Reversed
)

var orientationNames = map[Orientation]string{
	Upright:  "upright",
	Reversed: "reversed",
}

var orientationFromName = map[string]Orientation{
	"upright":  Upright,
	"reversed": Reversed,
}

func (o Orientation) String() string {
	if s, ok := orientationNames[o]; ok {
		return s
	}
	return "unknown"
}

func (o Orientation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Orientation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := orientationFromName[s]; ok {
		*o = v
	}
	return nil
}

// CardDraw is one card placed at a layout position. Position indices are
// defined by the active layout; Revealed flips when the host turns the
// card face-up.
type CardDraw struct {
	CardID      string      `json:"cardId"`
	Position    int         `json:"position"`
	Orientation Orientation `json:"orientation"`
	Revealed    bool        `json:"revealed"`
}

// State is the synchronized payload of a reading session. It is the only
// data that must stay consistent across participants; purely local UI
// concerns (pan/zoom, modal focus, keyboard highlight) never appear here.
type State struct {
	SelectedLayout  string     `json:"selectedLayout"`
	SelectedCards   []CardDraw `json:"selectedCards"`
	ReadingStarted  bool       `json:"readingStarted"`
	ReadingComplete bool       `json:"readingComplete"`
	Question        string     `json:"question"`
}

// Patch is a partial State update. Only non-nil fields are merged.
type Patch struct {
	SelectedLayout  *string
	SelectedCards   *[]CardDraw
	ReadingStarted  *bool
	ReadingComplete *bool
	Question        *string
}

// Clone returns a deep copy of the State, duplicating the card slice so the
// copy can be mutated independently of the original.
func (s *State) Clone() *State {
	c := *s
	if len(s.SelectedCards) > 0 {
		c.SelectedCards = make([]CardDraw, len(s.SelectedCards))
		copy(c.SelectedCards, s.SelectedCards)
	}
	return &c
}

// Equal reports whether two states are structurally identical, including
// card order.
func (s *State) Equal(other *State) bool {
	if s.SelectedLayout != other.SelectedLayout ||
		s.ReadingStarted != other.ReadingStarted ||
		s.ReadingComplete != other.ReadingComplete ||
		s.Question != other.Question ||
		len(s.SelectedCards) != len(other.SelectedCards) {
		return false
	}
	for i, cd := range s.SelectedCards {
		if cd != other.SelectedCards[i] {
			return false
		}
	}
	return true
}

// Apply merges a patch into the state. Card changes are validated against
// the layout that results from the same patch: positions must exist in the
// layout, and both positions and card identities must be unique within the
// spread.
func (s *State) Apply(p Patch) error {
	layoutName := s.SelectedLayout
	if p.SelectedLayout != nil {
		if _, ok := LayoutByName(*p.SelectedLayout); !ok {
			return fmt.Errorf("unknown layout %q", *p.SelectedLayout)
		}
		layoutName = *p.SelectedLayout
	}
	if p.SelectedCards != nil {
		if err := validateDraws(layoutName, *p.SelectedCards); err != nil {
			return err
		}
	}

	if p.SelectedLayout != nil {
		s.SelectedLayout = *p.SelectedLayout
	}
	if p.SelectedCards != nil {
		cards := make([]CardDraw, len(*p.SelectedCards))
		copy(cards, *p.SelectedCards)
		s.SelectedCards = cards
	}
	if p.ReadingStarted != nil {
		s.ReadingStarted = *p.ReadingStarted
	}
	if p.ReadingComplete != nil {
		s.ReadingComplete = *p.ReadingComplete
	}
	if p.Question != nil {
		s.Question = *p.Question
	}
	return nil
}

func validateDraws(layoutName string, draws []CardDraw) error {
	var positions int
	if layout, ok := LayoutByName(layoutName); ok {
		positions = len(layout.Positions)
	}
	seenPos := make(map[int]bool, len(draws))
	seenCard := make(map[string]bool, len(draws))
	for _, d := range draws {
		if d.CardID == "" {
			return fmt.Errorf("draw at position %d has no card id", d.Position)
		}
		if d.Position < 0 || (positions > 0 && d.Position >= positions) {
			return fmt.Errorf("position %d outside layout %q", d.Position, layoutName)
		}
		if seenPos[d.Position] {
			return fmt.Errorf("duplicate draw at position %d", d.Position)
		}
		if seenCard[d.CardID] {
			return fmt.Errorf("card %q drawn twice", d.CardID)
		}
		seenPos[d.Position] = true
		seenCard[d.CardID] = true
	}
	return nil
}

// Participant is the presence payload tracked per channel subscriber. It is
// roster bookkeeping for display, not authoritative session state.
type Participant struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	JoinedAt      time.Time `json:"joinedAt"`
}
