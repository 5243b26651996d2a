package reading

// Layout describes a spread: the ordered positions cards may occupy.
type Layout struct {
	Name      string   `json:"name"`
	Positions []string `json:"positions"`
}

var layouts = []Layout{
	{
		Name:      "Single Card",
		Positions: []string{"Focus"},
	},
	{
		Name:      "Three Card",
		Positions: []string{"Past", "Present", "Future"},
	},
	{
		Name: "Horseshoe",
		Positions: []string{
			"Past", "Present", "Hidden Influences", "Obstacles",
			"External Influences", "Advice", "Outcome",
		},
	},
	{
		Name: "Celtic Cross",
		Positions: []string{
			"Present", "Challenge", "Foundation", "Recent Past",
			"Crown", "Near Future", "Self", "Environment",
			"Hopes and Fears", "Outcome",
		},
	},
}

// Layouts returns the spread catalog in display order.
func Layouts() []Layout {
	out := make([]Layout, len(layouts))
	copy(out, layouts)
	return out
}

// LayoutByName looks up a layout by its display name.
func LayoutByName(name string) (Layout, bool) {
	for _, l := range layouts {
		if l.Name == name {
			return l, true
		}
	}
	return Layout{}, false
}
