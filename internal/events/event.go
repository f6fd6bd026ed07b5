// Package events defines the append-only session event log: the phase
// enum and the tagged union of detection, behavioral, decision and
// violation events.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/loanlens/internal/patterns"
)

var ErrInvalidEvent = errors.New("invalid event")

// Kind tags which payload an Event carries.
type Kind string

const (
	KindDetection  Kind = "detection"
	KindBehavioral Kind = "behavioral"
	KindDecision   Kind = "decision"
	KindViolation  Kind = "violation"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDetection, KindBehavioral, KindDecision, KindViolation:
		return true
	}
	return false
}

// Reserved action types.
const (
	ActionContentChange   = "content_change"
	ActionPhaseTransition = "phase_transition"
	ActionRollover        = "rollover"
)

// Behavioral is a user interaction forwarded by the UI layer. A
// content_change action carries the snapshot the detector scans; the
// snapshot is dropped before the event is stored.
type Behavioral struct {
	ActionType string             `json:"actionType"`
	Payload    map[string]any     `json:"payload,omitempty"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
	Snapshot   *patterns.Snapshot `json:"snapshot,omitempty"`
}

// IsContentChange reports whether the detector should run on this event.
func (b *Behavioral) IsContentChange() bool {
	return b.ActionType == ActionContentChange && b.Snapshot != nil
}

// Decision is a point where the user committed to something.
type Decision struct {
	ActionType      string   `json:"actionType"`
	TimeToDecideMs  int64    `json:"timeToDecideMs"`
	PressureFactors []string `json:"pressureFactors,omitempty"`
}

// Violation is a compliance violation with jurisdictional references.
type Violation struct {
	Category    string            `json:"category"`
	Severity    patterns.Severity `json:"severity"`
	References  []string          `json:"references,omitempty"`
	Description string            `json:"description,omitempty"`
}

// Event is one entry in a session's log. Exactly one payload pointer is
// set and it matches Kind.
type Event struct {
	Seq        int                 `json:"seq"`
	Kind       Kind                `json:"kind"`
	Timestamp  time.Time           `json:"timestamp"`
	Phase      Phase               `json:"phase"`
	Detection  *patterns.Detection `json:"detection,omitempty"`
	Behavioral *Behavioral         `json:"behavioral,omitempty"`
	Decision   *Decision           `json:"decision,omitempty"`
	Violation  *Violation          `json:"violation,omitempty"`
}

// NewDetection wraps a detection in an event.
func NewDetection(d patterns.Detection) Event {
	return Event{Kind: KindDetection, Timestamp: d.DetectedAt, Detection: &d}
}

// NewDecision builds a decision event.
func NewDecision(actionType string, timeToDecideMs int64, pressure ...string) Event {
	return Event{Kind: KindDecision, Decision: &Decision{
		ActionType:      actionType,
		TimeToDecideMs:  timeToDecideMs,
		PressureFactors: pressure,
	}}
}

// NewViolation builds a violation event.
func NewViolation(category string, sev patterns.Severity, refs ...string) Event {
	return Event{Kind: KindViolation, Violation: &Violation{Category: category, Severity: sev, References: refs}}
}

// Validate checks the payload matches Kind and its fields are well formed.
func (e *Event) Validate() error {
	set := 0
	for _, p := range []bool{e.Detection != nil, e.Behavioral != nil, e.Decision != nil, e.Violation != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload required, got %d", ErrInvalidEvent, set)
	}

	switch e.Kind {
	case KindDetection:
		d := e.Detection
		if d == nil {
			return fmt.Errorf("%w: detection payload missing", ErrInvalidEvent)
		}
		if strings.TrimSpace(d.PatternID) == "" {
			return fmt.Errorf("%w: patternId is required", ErrInvalidEvent)
		}
		if !isFinite(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v outside 0-1", ErrInvalidEvent, d.Confidence)
		}
	case KindBehavioral:
		if e.Behavioral == nil {
			return fmt.Errorf("%w: behavioral payload missing", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Behavioral.ActionType) == "" {
			return fmt.Errorf("%w: actionType is required", ErrInvalidEvent)
		}
		for k, v := range e.Behavioral.Indicators {
			if !isFinite(v) {
				return fmt.Errorf("%w: indicator %q is not a finite number", ErrInvalidEvent, k)
			}
		}
		for k, v := range e.Behavioral.Payload {
			if !finitePayload(v) {
				return fmt.Errorf("%w: payload %q holds a non-finite number", ErrInvalidEvent, k)
			}
		}
	case KindDecision:
		d := e.Decision
		if d == nil {
			return fmt.Errorf("%w: decision payload missing", ErrInvalidEvent)
		}
		if strings.TrimSpace(d.ActionType) == "" {
			return fmt.Errorf("%w: actionType is required", ErrInvalidEvent)
		}
		if d.TimeToDecideMs < 0 {
			return fmt.Errorf("%w: timeToDecideMs must not be negative", ErrInvalidEvent)
		}
	case KindViolation:
		v := e.Violation
		if v == nil {
			return fmt.Errorf("%w: violation payload missing", ErrInvalidEvent)
		}
		if strings.TrimSpace(v.Category) == "" {
			return fmt.Errorf("%w: violation category is required", ErrInvalidEvent)
		}
		if v.Severity.Rank() == 0 {
			return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, v.Severity)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Clone returns a deep copy so the stored log never aliases caller memory.
func (e Event) Clone() Event {
	if e.Detection != nil {
		d := *e.Detection
		d.Evidence = append([]string(nil), d.Evidence...)
		d.Indicators = append([]string(nil), d.Indicators...)
		e.Detection = &d
	}
	if e.Behavioral != nil {
		b := *e.Behavioral
		if b.Payload != nil {
			b.Payload = make(map[string]any, len(e.Behavioral.Payload))
			for k, v := range e.Behavioral.Payload {
				b.Payload[k] = v
			}
		}
		if b.Indicators != nil {
			b.Indicators = make(map[string]float64, len(e.Behavioral.Indicators))
			for k, v := range e.Behavioral.Indicators {
				b.Indicators[k] = v
			}
		}
		e.Behavioral = &b
	}
	if e.Decision != nil {
		d := *e.Decision
		d.PressureFactors = append([]string(nil), d.PressureFactors...)
		e.Decision = &d
	}
	if e.Violation != nil {
		v := *e.Violation
		v.References = append([]string(nil), v.References...)
		e.Violation = &v
	}
	return e
}

// IsPhaseTransition reports whether e is the synthetic transition marker.
func (e *Event) IsPhaseTransition() bool {
	return e.Kind == KindDecision && e.Decision != nil && e.Decision.ActionType == ActionPhaseTransition
}
