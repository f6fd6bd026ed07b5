// Package patterns holds the catalog of manipulative interface patterns and
// the detector that matches content snapshots against it.
//
// The catalog is loaded once at startup and never changes afterwards. A
// detection always references exactly one catalog entry by id.
package patterns

import (
	"errors"
	"fmt"
	"strings"
)

// Category is the closed set of pattern families. Adding a category means
// extending every table below; the switch statements fail loudly otherwise.
type Category string

const (
	CategoryFalseUrgency     Category = "false_urgency"
	CategoryHiddenCosts      Category = "hidden_costs"
	CategoryPreselection     Category = "preselection"
	CategoryConfirmshaming   Category = "confirmshaming"
	CategoryTipCoercion      Category = "tip_coercion"
	CategoryForcedContinuity Category = "forced_continuity"
	CategoryObstruction      Category = "obstruction"
	CategoryFakeSocialProof  Category = "fake_social_proof"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryFalseUrgency,
	CategoryHiddenCosts,
	CategoryPreselection,
	CategoryConfirmshaming,
	CategoryTipCoercion,
	CategoryForcedContinuity,
	CategoryObstruction,
	CategoryFakeSocialProof,
}

// ParseCategory converts a catalog string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c, nil
	}
	return "", fmt.Errorf("unknown pattern category %q", s)
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryFalseUrgency, CategoryHiddenCosts, CategoryPreselection, CategoryConfirmshaming,
		CategoryTipCoercion, CategoryForcedContinuity, CategoryObstruction, CategoryFakeSocialProof:
		return true
	}
	return false
}

// categoryProfile holds the fixed per-category constants.
type categoryProfile struct {
	coercionWeight float64 // added to the coercion index per detection
	bonus          float64 // confidence bonus when structure and text both match
	baseHarm       float64 // immediate harm estimate in USD
}

func (c Category) profile() categoryProfile {
	switch c {
	case CategoryFalseUrgency:
		return categoryProfile{coercionWeight: 8, bonus: 0.10, baseHarm: 15}
	case CategoryHiddenCosts:
		return categoryProfile{coercionWeight: 15, bonus: 0.15, baseHarm: 45}
	case CategoryPreselection:
		return categoryProfile{coercionWeight: 20, bonus: 0.20, baseHarm: 30}
	case CategoryConfirmshaming:
		return categoryProfile{coercionWeight: 10, bonus: 0.10, baseHarm: 10}
	case CategoryTipCoercion:
		return categoryProfile{coercionWeight: 18, bonus: 0.30, baseHarm: 25}
	case CategoryForcedContinuity:
		return categoryProfile{coercionWeight: 22, bonus: 0.20, baseHarm: 75}
	case CategoryObstruction:
		return categoryProfile{coercionWeight: 12, bonus: 0.10, baseHarm: 20}
	case CategoryFakeSocialProof:
		return categoryProfile{coercionWeight: 6, bonus: 0.05, baseHarm: 5}
	}
	panic(fmt.Sprintf("patterns: no profile for category %q", string(c)))
}

// CoercionWeight is the amount a detection of this category adds to the
// coercion index.
func (c Category) CoercionWeight() float64 { return c.profile().coercionWeight }

// CategoryBonus is the confidence bonus applied when a pattern of this
// category matches both structurally and textually.
func (c Category) CategoryBonus() float64 { return c.profile().bonus }

// BaseHarm is the immediate financial harm estimate for one detection.
func (c Category) BaseHarm() float64 { return c.profile().baseHarm }

// Severity is an ordered severity scale shared by detections and
// compliance violations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityExtreme  Severity = "extreme"
)

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Rank orders severities from 1 (low) to 5 (extreme). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	case SeverityExtreme:
		return 5
	}
	return 0
}

// AutonomyPenalty is the autonomy-score deduction for a compliance violation
// of this severity. The table is monotonic in severity.
func (s Severity) AutonomyPenalty() float64 {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 10
	case SeverityHigh:
		return 20
	case SeverityCritical:
		return 35
	case SeverityExtreme:
		return 50
	}
	return 0
}

// bucketSeverity maps harm × confidence onto the detection severity scale.
func bucketSeverity(weighted float64) Severity {
	switch {
	case weighted >= 4:
		return SeverityCritical
	case weighted >= 3:
		return SeverityHigh
	case weighted >= 2:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Criteria describes how a pattern is recognised.
type Criteria struct {
	Selectors  []string `json:"selectors,omitempty" yaml:"selectors" toml:"selectors"`
	TextCues   []string `json:"textCues,omitempty" yaml:"text_cues" toml:"text_cues"`
	Indicators []string `json:"indicators,omitempty" yaml:"indicators" toml:"indicators"`
}

// PatternDefinition is one catalog entry.
type PatternDefinition struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Category    Category `json:"category" yaml:"category" toml:"category"`
	HarmLevel   int      `json:"harmLevel" yaml:"harm_level" toml:"harm_level"`
	Description string   `json:"description,omitempty" yaml:"description" toml:"description"`
	Criteria    Criteria `json:"criteria" yaml:"criteria" toml:"criteria"`
	Guidance    string   `json:"guidance" yaml:"guidance" toml:"guidance"`
	Violations  []string `json:"violations,omitempty" yaml:"violations" toml:"violations"`
}

// ErrRegistry is wrapped by every RegistryError.
var ErrRegistry = errors.New("pattern registry error")

// RegistryError reports a malformed catalog. It is fatal at startup.
type RegistryError struct {
	Index  int
	ID     string
	Reason string
}

func (e *RegistryError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("pattern registry: entry %d (%s): %s", e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("pattern registry: entry %d: %s", e.Index, e.Reason)
}

func (e *RegistryError) Unwrap() error { return ErrRegistry }
