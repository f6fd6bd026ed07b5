// Package session owns the lifecycle of tracked loan sessions: the phase
// state machine, phase-dependent loan terms and the in-memory store.
//
// Each session's state is an immutable value published through an atomic
// pointer. Writers are serialized per session; readers load the current
// value and never observe a half-applied update.
package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mbd888/loanlens/internal/events"
	"github.com/mbd888/loanlens/internal/metrics"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/scoring"
	"github.com/mbd888/loanlens/internal/syncutil"
)

// Violation categories raised by the machine itself.
const (
	ViolationAPRCap        = "apr_cap_exceeded"
	ViolationRolloverLimit = "rollover_limit_exceeded"
)

// State is one published snapshot of a session. Values reachable from a
// State must not be modified.
type State struct {
	ID              string         `json:"id"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	Phase           events.Phase   `json:"phase"`
	Params          LoanParams     `json:"loan"`
	Terms           LoanTerms      `json:"terms"`
	ResearchConsent bool           `json:"researchConsent"`
	Anonymized      bool           `json:"anonymized"`
	Scores          scoring.State  `json:"scores"`
	Events          []events.Event `json:"events"`
}

// SessionView is the caller-facing copy of a session.
type SessionView struct {
	ID              string                   `json:"id"`
	CreatedAt       time.Time                `json:"createdAt"`
	UpdatedAt       time.Time                `json:"updatedAt"`
	Phase           events.Phase             `json:"phase"`
	Loan            LoanParams               `json:"loan"`
	Terms           LoanTerms                `json:"terms"`
	ResearchConsent bool                     `json:"researchConsent"`
	Anonymized      bool                     `json:"anonymized"`
	Metrics         scoring.Metrics          `json:"metrics"`
	DecisionPoints  int                      `json:"decisionPoints"`
	PhaseCoercion   map[events.Phase]float64 `json:"phaseCoercion,omitempty"`
	EventCount      int                      `json:"eventCount"`
	Events          []events.Event           `json:"events,omitempty"`
}

// View copies s into a SessionView. Events are included when withEvents.
func (s *State) View(withEvents bool) SessionView {
	v := SessionView{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		Phase:           s.Phase,
		Loan:            s.Params,
		Terms:           s.Terms,
		ResearchConsent: s.ResearchConsent,
		Anonymized:      s.Anonymized,
		Metrics:         s.Scores.Metrics,
		DecisionPoints:  s.Scores.DecisionPoints,
		EventCount:      len(s.Events),
	}
	if len(s.Scores.PhaseTotals) > 0 {
		v.PhaseCoercion = make(map[events.Phase]float64, len(s.Scores.PhaseTotals))
		for p, c := range s.Scores.PhaseTotals {
			v.PhaseCoercion[p] = c
		}
	}
	if withEvents {
		v.Events = make([]events.Event, len(s.Events))
		for i, ev := range s.Events {
			v.Events[i] = ev.Clone()
		}
	}
	return v
}

// CreateParams are the inputs of a new session.
type CreateParams struct {
	Amount          float64 `json:"amount"`
	TermDays        int     `json:"termDays"`
	Jurisdiction    string  `json:"jurisdiction"`
	ResearchConsent bool    `json:"researchConsent"`
	Anonymized      bool    `json:"anonymized"`
}

// Machine drives one session through its phases.
type Machine struct {
	cur        atomic.Pointer[State]
	mu         *syncutil.Mutex
	rules      *LoanConfig
	juris      Jurisdiction
	detector   *patterns.Detector
	acc        *scoring.Accumulator
	now        func() time.Time
	lastActive atomic.Int64
}

func newMachine(id string, params LoanParams, juris Jurisdiction, p CreateParams, s *Store) *Machine {
	m := &Machine{
		mu:       syncutil.NewMutex(),
		rules:    s.rules,
		juris:    juris,
		detector: s.detector,
		acc:      s.acc,
		now:      s.now,
	}
	created := m.now()
	m.cur.Store(&State{
		ID:              id,
		CreatedAt:       created,
		UpdatedAt:       created,
		Phase:           events.PhaseNotStarted,
		Params:          params,
		Terms:           s.rules.Compute(params, events.PhaseNotStarted, 0),
		ResearchConsent: p.ResearchConsent,
		Anonymized:      p.Anonymized,
		Scores:          scoring.Initial(params.Amount),
	})
	m.touch()
	return m
}

// ID returns the session id.
func (m *Machine) ID() string { return m.cur.Load().ID }

// Snapshot returns the current published state.
func (m *Machine) Snapshot() *State { return m.cur.Load() }

// View returns a caller-owned copy of the current state.
func (m *Machine) View(withEvents bool) SessionView { return m.cur.Load().View(withEvents) }

// LastActive is when the session last saw a request.
func (m *Machine) LastActive() time.Time { return time.Unix(0, m.lastActive.Load()) }

func (m *Machine) touch() { m.lastActive.Store(m.now().UnixNano()) }

// builder accumulates one mutation on a private copy of the state.
type builder struct {
	m        *Machine
	next     *State
	appended []events.Event
}

// append stamps ev, adds it to the log and folds it into the scores.
func (b *builder) append(ev events.Event) {
	ev.Seq = len(b.next.Events) + 1
	if ev.Phase == "" {
		ev.Phase = b.next.Phase
	}
	// The log only grows and writers are serialized, so the new slice may
	// share its prefix with the previously published one.
	b.next.Events = append(b.next.Events, ev)
	b.next.Scores = b.m.acc.Apply(b.next.Scores, ev)
	b.appended = append(b.appended, ev)
}

// notBeforeLast moves t up to the newest logged timestamp when it is
// earlier, keeping the log ordered by time.
func (b *builder) notBeforeLast(t time.Time) time.Time {
	if n := len(b.next.Events); n > 0 {
		if last := b.next.Events[n-1].Timestamp; t.Before(last) {
			return last
		}
	}
	return t
}

// mutate runs fn under the session lock and publishes the result. Nothing
// is published when fn fails.
func (m *Machine) mutate(ctx context.Context, fn func(b *builder) error) ([]events.Event, error) {
	unlock, err := m.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cp := *m.cur.Load()
	b := &builder{m: m, next: &cp}
	if err := fn(b); err != nil {
		return nil, err
	}
	b.next.UpdatedAt = m.now()
	m.cur.Store(b.next)
	m.touch()
	return b.appended, nil
}

// Start moves a new session into the exploitative phase.
func (m *Machine) Start(ctx context.Context) ([]events.Event, error) {
	return m.Advance(ctx, events.PhaseExploitative)
}

// Advance moves the session to target, which must be the next phase.
// Loan terms are recomputed for the new phase and the phase coercion
// sub-total starts over.
func (m *Machine) Advance(ctx context.Context, target events.Phase) ([]events.Event, error) {
	return m.mutate(ctx, func(b *builder) error {
		from := b.next.Phase
		if from.Terminal() {
			return fmt.Errorf("%w: session %s is completed", ErrSessionClosed, b.next.ID)
		}
		next, _ := from.Next()
		if target != next {
			return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidTransition, from, target)
		}

		at := b.notBeforeLast(m.now())
		b.next.Phase = target
		b.next.Terms = m.rules.Compute(b.next.Params, target, b.next.Terms.RolloverCount)

		ev := events.NewDecision(events.ActionPhaseTransition, 0)
		ev.Timestamp = at
		b.append(ev)
		m.checkAPRCap(b, at)
		return nil
	})
}

// checkAPRCap flags uncapped phases whose APR exceeds the jurisdiction cap.
func (m *Machine) checkAPRCap(b *builder, at time.Time) {
	rate := m.rules.Phases[b.next.Phase]
	apr := b.next.Terms.APR
	if rate.ApplyCap || rate.FeeRate == 0 || apr <= m.juris.MaxAPR {
		return
	}
	ev := events.NewViolation(ViolationAPRCap, aprSeverity(apr/m.juris.MaxAPR), m.juris.Code+"-APR-CAP", "TILA-REG-Z")
	ev.Timestamp = at
	ev.Violation.Description = fmt.Sprintf("APR %.2f%% exceeds the %s cap of %.2f%%", apr, m.juris.Code, m.juris.MaxAPR)
	b.append(ev)
}

func aprSeverity(ratio float64) patterns.Severity {
	switch {
	case ratio > 10:
		return patterns.SeverityExtreme
	case ratio > 5:
		return patterns.SeverityCritical
	case ratio > 2:
		return patterns.SeverityHigh
	default:
		return patterns.SeverityMedium
	}
}

// Record ingests one event. A content_change behavioral event with a
// snapshot runs the detector; every resulting detection is appended after
// it. The returned slice holds everything appended, in order.
func (m *Machine) Record(ctx context.Context, ev events.Event) ([]events.Event, error) {
	ev = ev.Clone()
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return m.mutate(ctx, func(b *builder) error {
		if b.next.Phase.Terminal() {
			return fmt.Errorf("%w: session %s is completed", ErrSessionClosed, b.next.ID)
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = m.now()
		}
		ev.Timestamp = b.notBeforeLast(ev.Timestamp)
		ev.Phase = b.next.Phase

		switch ev.Kind {
		case events.KindDetection:
			if err := m.enrichDetection(&ev); err != nil {
				return err
			}
			b.append(ev)
		case events.KindBehavioral:
			m.recordBehavioral(b, ev)
		case events.KindDecision:
			return m.recordDecision(b, ev)
		case events.KindViolation:
			b.append(ev)
		}
		return nil
	})
}

// enrichDetection derives the catalog fields of an externally reported
// detection. Caller-supplied severity and harm are overwritten.
func (m *Machine) enrichDetection(ev *events.Event) error {
	d := ev.Detection
	def, ok := m.detector.Registry().Get(d.PatternID)
	if !ok {
		return fmt.Errorf("%w: unknown pattern %q", ErrValidation, d.PatternID)
	}
	if d.Confidence < patterns.ConfidenceFloor {
		return fmt.Errorf("%w: confidence %.3f below floor %.1f", ErrValidation, d.Confidence, patterns.ConfidenceFloor)
	}
	d.Category = def.Category
	d.HarmLevel = def.HarmLevel
	d.Severity = patterns.SeverityFor(def.HarmLevel, d.Confidence)
	d.ImmediateHarm, d.LongTermHarm = patterns.EstimateHarm(def.Category, def.HarmLevel)
	if len(d.Indicators) == 0 {
		d.Indicators = def.Criteria.Indicators
	}
	d.DetectedAt = ev.Timestamp
	return nil
}

func (m *Machine) recordBehavioral(b *builder, ev events.Event) {
	beh := ev.Behavioral
	snap := beh.Snapshot
	scan := beh.IsContentChange()
	beh.Snapshot = nil

	derived := events.DeriveIndicators(beh.ActionType, beh.Payload)
	for k, v := range beh.Indicators {
		if derived == nil {
			derived = make(map[string]float64)
		}
		derived[k] = v
	}
	if scan {
		if derived == nil {
			derived = make(map[string]float64)
		}
		derived[events.IndicatorSnapshotNodes] = float64(snap.Count())
	}
	beh.Indicators = derived
	b.append(ev)

	if !scan {
		return
	}
	start := time.Now()
	detections := m.detector.DetectAt(snap, ev.Timestamp)
	metrics.DetectorDuration.Observe(time.Since(start).Seconds())

	for _, d := range detections {
		de := events.NewDetection(d)
		de.Phase = ev.Phase
		b.append(de)
	}
}

func (m *Machine) recordDecision(b *builder, ev events.Event) error {
	switch ev.Decision.ActionType {
	case events.ActionPhaseTransition:
		return fmt.Errorf("%w: %s decisions are recorded by phase advances only", ErrValidation, events.ActionPhaseTransition)
	case events.ActionRollover:
		if b.next.Phase != events.PhaseExploitative {
			return fmt.Errorf("%w: rollovers are only offered in the %s phase", ErrValidation, events.PhaseExploitative)
		}
		count := b.next.Terms.RolloverCount
		if count >= m.rules.MaxRollovers {
			return fmt.Errorf("%w: rollover limit of %d reached", ErrValidation, m.rules.MaxRollovers)
		}
		count++
		b.next.Terms = m.rules.Compute(b.next.Params, b.next.Phase, count)
		b.append(ev)

		if count > m.juris.MaxRollovers {
			v := events.NewViolation(ViolationRolloverLimit, patterns.SeverityHigh, m.juris.Code+"-ROLLOVER-LIMIT", "STATE-ROLLOVER-LIMIT")
			v.Timestamp = ev.Timestamp
			v.Violation.Description = fmt.Sprintf("rollover %d exceeds the %s limit of %d", count, m.juris.Code, m.juris.MaxRollovers)
			b.append(v)
		}
		return nil
	}
	b.append(ev)
	return nil
}
