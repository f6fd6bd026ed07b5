// Package scoring derives behavioral and ethical metrics from a session's
// event log. Apply is a pure fold step: the same ordered log always yields
// the same metrics.
package scoring

import (
	"math"
	"time"

	"github.com/mbd888/loanlens/internal/events"
)

// Metrics is the derived score set exposed to callers.
type Metrics struct {
	CoercionIndex   float64 `json:"coercionIndex"`   // 0-100, cumulative
	PhaseCoercion   float64 `json:"phaseCoercion"`   // 0-100, current phase only
	CognitiveLoad   float64 `json:"cognitiveLoad"`   // 0-100
	AutonomyScore   float64 `json:"autonomyScore"`   // 100 down to 0
	DecisionQuality float64 `json:"decisionQuality"` // 0-100
	EthicsScore     float64 `json:"ethicsScore"`     // 0-10
}

// State is everything Apply needs besides the event.
type State struct {
	Metrics          Metrics                  `json:"metrics"`
	LoanAmount       float64                  `json:"loanAmount"`
	DecisionPoints   int                      `json:"decisionPoints"`
	RecentDetections []time.Time              `json:"-"`
	PhaseTotals      map[events.Phase]float64 `json:"phaseTotals,omitempty"`
}

// Config holds the fixed weighting constants.
type Config struct {
	FastDecisionMs  float64 // hesitation below this lowers decision quality
	SlowDecisionMs  float64 // hesitation above this raises it
	FastPenalty     float64
	SlowBonus       float64
	DetectionWindow time.Duration // window for the recent-detection term
}

// DefaultConfig returns the production weighting.
func DefaultConfig() Config {
	return Config{
		FastDecisionMs:  2000,
		SlowDecisionMs:  8000,
		FastPenalty:     10,
		SlowBonus:       5,
		DetectionWindow: 60 * time.Second,
	}
}

// Accumulator folds events into State.
type Accumulator struct {
	cfg Config
}

// NewAccumulator creates an accumulator with the given config.
func NewAccumulator(cfg Config) *Accumulator {
	return &Accumulator{cfg: cfg}
}

// Initial returns the starting state for a loan of the given amount.
func Initial(amount float64) State {
	s := State{
		Metrics: Metrics{
			AutonomyScore:   100,
			DecisionQuality: 50,
		},
		LoanAmount: amount,
	}
	s.Metrics.CognitiveLoad = cognitiveLoad(0, amount, 0)
	s.Metrics.EthicsScore = ethics(s.Metrics)
	return s
}

// Apply returns the state after ev. The input state is not modified.
func (a *Accumulator) Apply(s State, ev events.Event) State {
	next := s.clone()
	m := &next.Metrics

	switch ev.Kind {
	case events.KindDetection:
		if ev.Detection != nil && ev.Detection.Category.Valid() {
			w := ev.Detection.Category.CoercionWeight()
			m.CoercionIndex = clamp(m.CoercionIndex+w, 0, 100)
			m.PhaseCoercion = clamp(m.PhaseCoercion+w, 0, 100)
			if next.PhaseTotals == nil {
				next.PhaseTotals = make(map[events.Phase]float64)
			}
			next.PhaseTotals[ev.Phase] = clamp(next.PhaseTotals[ev.Phase]+w, 0, 100)
			next.RecentDetections = append(next.RecentDetections, ev.Timestamp)
		}
	case events.KindBehavioral:
		if ev.Behavioral != nil {
			if h, ok := ev.Behavioral.Indicators[events.IndicatorHesitation]; ok {
				switch {
				case h < a.cfg.FastDecisionMs:
					m.DecisionQuality -= a.cfg.FastPenalty
				case h > a.cfg.SlowDecisionMs:
					m.DecisionQuality += a.cfg.SlowBonus
				}
				m.DecisionQuality = clamp(m.DecisionQuality, 0, 100)
			}
		}
	case events.KindDecision:
		next.DecisionPoints++
		if ev.IsPhaseTransition() {
			m.PhaseCoercion = 0
		}
	case events.KindViolation:
		if ev.Violation != nil {
			m.AutonomyScore = math.Max(0, m.AutonomyScore-ev.Violation.Severity.AutonomyPenalty())
		}
	}

	next.RecentDetections = a.prune(next.RecentDetections, ev.Timestamp)
	m.CognitiveLoad = cognitiveLoad(len(next.RecentDetections), next.LoanAmount, next.DecisionPoints)
	m.EthicsScore = ethics(*m)
	return next
}

// Replay folds evs from the initial state.
func (a *Accumulator) Replay(amount float64, evs []events.Event) State {
	s := Initial(amount)
	for _, ev := range evs {
		s = a.Apply(s, ev)
	}
	return s
}

// prune keeps detections inside the window ending at now.
func (a *Accumulator) prune(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-a.cfg.DetectionWindow)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) && !t.After(now) {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cognitiveLoad(recent int, amount float64, decisions int) float64 {
	detections := math.Min(40, 10*float64(recent))
	magnitude := math.Min(30, 10*math.Log10(math.Max(1, amount)))
	choices := math.Min(30, 5*float64(decisions))
	return round2(math.Min(100, detections+magnitude+choices))
}

// ethics is a weighted composite of autonomy, absence of coercion and
// decision quality, on a 0-10 scale.
func ethics(m Metrics) float64 {
	score := 0.4*m.AutonomyScore/100 + 0.3*(1-m.CoercionIndex/100) + 0.3*m.DecisionQuality/100
	return round2(clamp(10*score, 0, 10))
}

func (s State) clone() State {
	cp := s
	cp.RecentDetections = append([]time.Time(nil), s.RecentDetections...)
	if s.PhaseTotals != nil {
		cp.PhaseTotals = make(map[events.Phase]float64, len(s.PhaseTotals))
		for k, v := range s.PhaseTotals {
			cp.PhaseTotals[k] = v
		}
	}
	return cp
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
