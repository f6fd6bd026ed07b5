// Package report turns a session's accumulated state into an analysis
// report and produces consent-gated research exports.
//
// Aggregation is a pure read. Calling it twice on the same state returns
// identical reports; nothing in a report depends on the wall clock.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/mbd888/loanlens/internal/events"
	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/mbd888/loanlens/internal/scoring"
	"github.com/mbd888/loanlens/internal/session"
)

// MaxRecommendations caps the recommendation list.
const MaxRecommendations = 8

// Risk levels.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// AnalysisReport is derived output; it is never stored as authoritative state.
type AnalysisReport struct {
	SessionID             string                `json:"sessionId"`
	Phase                 events.Phase          `json:"phase"`
	AsOf                  time.Time             `json:"asOf"`
	OverallRisk           float64               `json:"overallRisk"`
	RiskLevel             string                `json:"riskLevel"`
	Metrics               scoring.Metrics       `json:"metrics"`
	Loan                  session.LoanParams    `json:"loan"`
	Terms                 session.LoanTerms     `json:"terms"`
	EventCount            int                   `json:"eventCount"`
	DetectionCount        int                   `json:"detectionCount"`
	ViolationsByTag       map[string]int        `json:"violationsByTag"`
	ViolationsByCategory  map[string]int        `json:"violationsByCategory"`
	DetectionsByCategory  map[string]int        `json:"detectionsByCategory"`
	FinancialHarm         FinancialHarm         `json:"financialHarm"`
	Recommendations       []Recommendation      `json:"recommendations"`
	EducationalPriorities []EducationalPriority `json:"educationalPriorities"`
	Principles            []PrincipleScore      `json:"principles"`
	Phases                []PhaseBreakdown      `json:"phases"`
}

// FinancialHarm is the estimated cost to the borrower in USD.
type FinancialHarm struct {
	Immediate         float64 `json:"immediate"`
	ProjectedLongTerm float64 `json:"projectedLongTerm"`
	LoanFees          float64 `json:"loanFees"`
}

// Recommendation is protective guidance for one detected pattern.
type Recommendation struct {
	PatternID string            `json:"patternId"`
	Name      string            `json:"name,omitempty"`
	Category  patterns.Category `json:"category"`
	HarmLevel int               `json:"harmLevel"`
	Guidance  string            `json:"guidance"`
}

// EducationalPriority ranks a category by the harm it caused.
type EducationalPriority struct {
	Category   patterns.Category `json:"category"`
	Harm       float64           `json:"harm"`
	Detections int               `json:"detections"`
}

// PrincipleScore rates one ethical principle on a 0-10 scale.
type PrincipleScore struct {
	Principle string  `json:"principle"`
	Score     float64 `json:"score"`
	Evidence  int     `json:"evidence"`
}

// PhaseBreakdown summarizes one visited phase.
type PhaseBreakdown struct {
	Phase      events.Phase `json:"phase"`
	Coercion   float64      `json:"coercion"`
	Events     int          `json:"events"`
	Detections int          `json:"detections"`
	Violations int          `json:"violations"`
}

// Aggregator builds reports against a pattern registry.
type Aggregator struct {
	registry *patterns.Registry
}

// NewAggregator creates an aggregator.
func NewAggregator(registry *patterns.Registry) *Aggregator {
	return &Aggregator{registry: registry}
}

type patternSeen struct {
	def   patterns.PatternDefinition
	first int
}

type categoryHarm struct {
	harm       float64
	detections int
	first      int
}

// Aggregate builds the report for st. It does not modify st.
func (a *Aggregator) Aggregate(st *session.State) *AnalysisReport {
	r := &AnalysisReport{
		SessionID:            st.ID,
		Phase:                st.Phase,
		AsOf:                 st.UpdatedAt,
		Metrics:              st.Scores.Metrics,
		Loan:                 st.Params,
		Terms:                st.Terms,
		EventCount:           len(st.Events),
		ViolationsByTag:      map[string]int{},
		ViolationsByCategory: map[string]int{},
		DetectionsByCategory: map[string]int{},
	}
	if n := len(st.Events); n > 0 {
		r.AsOf = st.Events[n-1].Timestamp
	}

	seen := map[string]*patternSeen{}
	cats := map[patterns.Category]*categoryHarm{}
	phases := map[events.Phase]*PhaseBreakdown{}
	harmSum := 0
	hiddenOrMasked := 0
	violations := 0

	for i := range st.Events {
		ev := &st.Events[i]
		pb := phases[ev.Phase]
		if pb == nil {
			pb = &PhaseBreakdown{Phase: ev.Phase}
			phases[ev.Phase] = pb
		}
		pb.Events++

		switch ev.Kind {
		case events.KindDetection:
			d := ev.Detection
			r.DetectionCount++
			pb.Detections++
			harmSum += d.HarmLevel
			r.DetectionsByCategory[string(d.Category)]++
			r.FinancialHarm.Immediate += d.ImmediateHarm
			r.FinancialHarm.ProjectedLongTerm += d.LongTermHarm

			if d.Category == patterns.CategoryHiddenCosts || d.Category == patterns.CategoryPreselection {
				hiddenOrMasked++
			}

			c := cats[d.Category]
			if c == nil {
				c = &categoryHarm{first: i}
				cats[d.Category] = c
			}
			c.harm += d.ImmediateHarm + d.LongTermHarm
			c.detections++

			if def, ok := a.registry.Get(d.PatternID); ok {
				for _, tag := range def.Violations {
					r.ViolationsByTag[tag]++
				}
				if _, dup := seen[d.PatternID]; !dup {
					seen[d.PatternID] = &patternSeen{def: def, first: i}
				}
			}
		case events.KindViolation:
			v := ev.Violation
			violations++
			pb.Violations++
			r.ViolationsByCategory[v.Category]++
			for _, tag := range v.References {
				r.ViolationsByTag[tag]++
			}
		case events.KindBehavioral, events.KindDecision:
		}
	}

	r.FinancialHarm.Immediate = round2(r.FinancialHarm.Immediate)
	r.FinancialHarm.ProjectedLongTerm = round2(r.FinancialHarm.ProjectedLongTerm)
	r.FinancialHarm.LoanFees = round2(st.Terms.TotalCost - st.Params.Amount)

	meanHarm := 0.0
	if r.DetectionCount > 0 {
		meanHarm = float64(harmSum) / float64(r.DetectionCount)
	}
	m := st.Scores.Metrics
	risk := 0.45*m.CoercionIndex + 0.35*(100-m.AutonomyScore) + 0.20*math.Min(100, 20*meanHarm)
	r.OverallRisk = round2(clamp(risk, 0, 100))
	r.RiskLevel = riskLevel(r.OverallRisk)

	r.Recommendations = recommendations(seen)
	r.EducationalPriorities = priorities(cats)
	r.Principles = principles(m, hiddenOrMasked, violations, r.FinancialHarm)
	r.Phases = breakdown(phases, st.Scores.PhaseTotals)
	return r
}

func riskLevel(score float64) string {
	switch {
	case score >= 75:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// recommendations orders distinct patterns by harm, then by first detection.
func recommendations(seen map[string]*patternSeen) []Recommendation {
	list := make([]*patternSeen, 0, len(seen))
	for _, s := range seen {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].def.HarmLevel != list[j].def.HarmLevel {
			return list[i].def.HarmLevel > list[j].def.HarmLevel
		}
		return list[i].first < list[j].first
	})

	out := []Recommendation{}
	guidance := map[string]bool{}
	for _, s := range list {
		if guidance[s.def.Guidance] {
			continue
		}
		guidance[s.def.Guidance] = true
		out = append(out, Recommendation{
			PatternID: s.def.ID,
			Name:      s.def.Name,
			Category:  s.def.Category,
			HarmLevel: s.def.HarmLevel,
			Guidance:  s.def.Guidance,
		})
		if len(out) == MaxRecommendations {
			break
		}
	}
	return out
}

func priorities(cats map[patterns.Category]*categoryHarm) []EducationalPriority {
	keys := make([]patterns.Category, 0, len(cats))
	for c := range cats {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := cats[keys[i]], cats[keys[j]]
		if a.harm != b.harm {
			return a.harm > b.harm
		}
		return a.first < b.first
	})

	out := make([]EducationalPriority, 0, len(keys))
	for _, c := range keys {
		out = append(out, EducationalPriority{Category: c, Harm: round2(cats[c].harm), Detections: cats[c].detections})
	}
	return out
}

// principles scores each principle from the evidence gathered in the log.
func principles(m scoring.Metrics, hiddenOrMasked, violations int, harm FinancialHarm) []PrincipleScore {
	return []PrincipleScore{
		{Principle: "autonomy", Score: round2(clamp(m.AutonomyScore/10, 0, 10)), Evidence: violations},
		{Principle: "transparency", Score: round2(clamp(10-2*float64(hiddenOrMasked), 0, 10)), Evidence: hiddenOrMasked},
		{Principle: "fairness", Score: round2(clamp(10-2.5*float64(violations), 0, 10)), Evidence: violations},
		{Principle: "non_maleficence", Score: round2(clamp(10-harm.ProjectedLongTerm/100, 0, 10)), Evidence: int(math.Round(harm.ProjectedLongTerm))},
	}
}

func breakdown(phases map[events.Phase]*PhaseBreakdown, totals map[events.Phase]float64) []PhaseBreakdown {
	out := make([]PhaseBreakdown, 0, len(phases))
	for _, p := range events.Phases {
		pb, ok := phases[p]
		if !ok {
			continue
		}
		pb.Coercion = totals[p]
		out = append(out, *pb)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
