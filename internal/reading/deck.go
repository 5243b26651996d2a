package reading

import (
	"fmt"
	"strings"
)

// Card is one card of a deck. ID is stable and lowercase ("the-fool",
// "three-of-cups") so draws survive serialization and deck re-rendering.
type Card struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Deck is a card catalog referenced by a session's deckId. Custom decks
// (AI-generated art) reuse the standard card identities; only the imagery
// differs, which is why the sync payload carries card IDs and never assets.
type Deck struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Cards []Card `json:"cards"`
}

// DefaultDeckID is the deck assigned when a session is created without an
// explicit deck choice.
const DefaultDeckID = "rider-waite"

var majorArcana = []string{
	"The Fool", "The Magician", "The High Priestess", "The Empress",
	"The Emperor", "The Hierophant", "The Lovers", "The Chariot",
	"Strength", "The Hermit", "Wheel of Fortune", "Justice",
	"The Hanged Man", "Death", "Temperance", "The Devil",
	"The Tower", "The Star", "The Moon", "The Sun",
	"Judgement", "The World",
}

var suits = []string{"Wands", "Cups", "Swords", "Pentacles"}

var ranks = []string{
	"Ace", "Two", "Three", "Four", "Five", "Six", "Seven",
	"Eight", "Nine", "Ten", "Page", "Knight", "Queen", "King",
}

func cardID(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// StandardDeck returns the 78-card deck under the given id and display name.
func StandardDeck(id, name string) Deck {
	cards := make([]Card, 0, len(majorArcana)+len(suits)*len(ranks))
	for _, n := range majorArcana {
		cards = append(cards, Card{ID: cardID(n), Name: n})
	}
	for _, suit := range suits {
		for _, rank := range ranks {
			n := fmt.Sprintf("%s of %s", rank, suit)
			cards = append(cards, Card{ID: cardID(n), Name: n})
		}
	}
	return Deck{ID: id, Name: name, Cards: cards}
}

// DefaultDeck returns the built-in Rider-Waite deck.
func DefaultDeck() Deck {
	return StandardDeck(DefaultDeckID, "Rider-Waite")
}
