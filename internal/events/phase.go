package events

import (
	"fmt"
	"strings"
)

// Phase is a stage of the scripted loan workflow.
type Phase string

const (
	PhaseNotStarted   Phase = "not_started"
	PhaseExploitative Phase = "exploitative"
	PhaseEthical      Phase = "ethical"
	PhaseReflection   Phase = "reflection"
	PhaseCompleted    Phase = "completed"
)

// Phases lists every phase in workflow order.
var Phases = []Phase{PhaseNotStarted, PhaseExploitative, PhaseEthical, PhaseReflection, PhaseCompleted}

// ParsePhase accepts the canonical names as well as "Ethical", "NotStarted"
// and similar spellings.
func ParsePhase(s string) (Phase, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "notstarted":
		return PhaseNotStarted, nil
	case "exploitative":
		return PhaseExploitative, nil
	case "ethical":
		return PhaseEthical, nil
	case "reflection":
		return PhaseReflection, nil
	case "completed":
		return PhaseCompleted, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Index is the position of p in the workflow, or -1 if p is unknown.
func (p Phase) Index() int {
	switch p {
	case PhaseNotStarted:
		return 0
	case PhaseExploitative:
		return 1
	case PhaseEthical:
		return 2
	case PhaseReflection:
		return 3
	case PhaseCompleted:
		return 4
	}
	return -1
}

// Next returns the only phase p may transition to. Completed has none.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseNotStarted:
		return PhaseExploitative, true
	case PhaseExploitative:
		return PhaseEthical, true
	case PhaseEthical:
		return PhaseReflection, true
	case PhaseReflection:
		return PhaseCompleted, true
	}
	return "", false
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// Terminal reports whether no further events are accepted in p.
func (p Phase) Terminal() bool { return p == PhaseCompleted }
