// Package meeting holds the action-meeting state machine: the phase a team is
// in, who is facilitating, and the bookkeeping performed when a meeting ends.
package meeting

import (
	"fmt"
	"strings"
)

// Phase is one step of an action meeting.
type Phase string

const (
	Lobby       Phase = "LOBBY"
	CheckIn     Phase = "CHECKIN"
	Updates     Phase = "UPDATES"
	FirstCall   Phase = "FIRST_CALL"
	AgendaItems Phase = "AGENDA_ITEMS"
	LastCall    Phase = "LAST_CALL"
	Summary     Phase = "SUMMARY"
)

var phaseOrder = []Phase{Lobby, CheckIn, Updates, FirstCall, AgendaItems, LastCall, Summary}

// ParsePhase accepts the wire name of a phase, case-insensitively.
func ParsePhase(value string) (Phase, error) {
	phase := Phase(strings.ToUpper(strings.TrimSpace(value)))
	if !phase.Valid() {
		return "", fmt.Errorf("unknown meeting phase %q", value)
	}
	return phase, nil
}

func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Index is the position of the phase in meeting order, or -1.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// HasItems reports whether the phase walks a list (members or agenda items)
// and therefore carries a 1-indexed phase item.
func (p Phase) HasItems() bool {
	switch p {
	case CheckIn, Updates, AgendaItems:
		return true
	default:
		return false
	}
}

// Next returns the phase that follows p, or p itself for the terminal phase.
func (p Phase) Next() Phase {
	idx := p.Index()
	if idx < 0 || idx == len(phaseOrder)-1 {
		return p
	}
	return phaseOrder[idx+1]
}

func (p Phase) String() string {
	return string(p)
}

// Pointer locates a position inside a meeting. Item is 1-indexed; zero means
// the phase has no item.
type Pointer struct {
	Phase Phase
	Item  int
}

func (p Pointer) Before(other Pointer) bool {
	if p.Phase.Index() != other.Phase.Index() {
		return p.Phase.Index() < other.Phase.Index()
	}
	return p.Item < other.Item
}

// ItemPtr returns the phase item as a nullable int for storage.
func (p Pointer) ItemPtr() *int {
	if p.Item == 0 {
		return nil
	}
	item := p.Item
	return &item
}

// PointerFrom builds a Pointer from its stored representation.
func PointerFrom(phase string, item *int) Pointer {
	p := Pointer{Phase: Phase(phase)}
	if p.Phase == "" {
		p.Phase = Lobby
	}
	if item != nil {
		p.Item = *item
	}
	return p
}

func (p Pointer) validate() error {
	if !p.Phase.Valid() {
		return fmt.Errorf("unknown meeting phase %q", p.Phase)
	}
	if p.Phase.HasItems() && p.Item < 1 {
		return fmt.Errorf("phase %s requires an item of at least 1", p.Phase)
	}
	if !p.Phase.HasItems() && p.Item != 0 {
		return fmt.Errorf("phase %s does not take an item", p.Phase)
	}
	return nil
}
