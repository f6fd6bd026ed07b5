package events

import (
	"errors"
	"math"
	"testing"

	"github.com/mbd888/loanlens/internal/patterns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrder(t *testing.T) {
	for i, p := range Phases {
		assert.Equal(t, i, p.Index())
		next, ok := p.Next()
		if p == PhaseCompleted {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, Phases[i+1], next)
	}
}

func TestParsePhase(t *testing.T) {
	cases := map[string]Phase{
		"Ethical":      PhaseEthical,
		"NotStarted":   PhaseNotStarted,
		"not_started":  PhaseNotStarted,
		" REFLECTION ": PhaseReflection,
		"completed":    PhaseCompleted,
	}
	for in, want := range cases {
		got, err := ParsePhase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePhase("bargaining")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"valid detection", Event{Kind: KindDetection, Detection: &patterns.Detection{PatternID: "p", Confidence: 0.5}}, false},
		{"detection missing id", Event{Kind: KindDetection, Detection: &patterns.Detection{Confidence: 0.5}}, true},
		{"detection confidence above one", Event{Kind: KindDetection, Detection: &patterns.Detection{PatternID: "p", Confidence: 1.2}}, true},
		{"detection confidence NaN", Event{Kind: KindDetection, Detection: &patterns.Detection{PatternID: "p", Confidence: math.NaN()}}, true},
		{"valid behavioral", Event{Kind: KindBehavioral, Behavioral: &Behavioral{ActionType: "click"}}, false},
		{"behavioral without action", Event{Kind: KindBehavioral, Behavioral: &Behavioral{}}, true},
		{"NaN indicator", Event{Kind: KindBehavioral, Behavioral: &Behavioral{
			ActionType: "click", Indicators: map[string]float64{"hesitation_ms": math.NaN()},
		}}, true},
		{"infinite indicator", Event{Kind: KindBehavioral, Behavioral: &Behavioral{
			ActionType: "click", Indicators: map[string]float64{"scroll_depth": math.Inf(-1)},
		}}, true},
		{"infinite nested payload", Event{Kind: KindBehavioral, Behavioral: &Behavioral{
			ActionType: "click", Payload: map[string]any{"pos": []any{1.0, math.Inf(1)}},
		}}, true},
		{"string NaN payload is plain text", Event{Kind: KindBehavioral, Behavioral: &Behavioral{
			ActionType: "click", Payload: map[string]any{"hesitation_ms": "NaN"},
		}}, false},
		{"negative decision time", NewDecision("accept", -1), true},
		{"valid violation", NewViolation("disclosure", patterns.SeverityHigh, "TILA-REG-Z"), false},
		{"violation bad severity", NewViolation("disclosure", "nuclear"), true},
		{"kind mismatch", Event{Kind: KindDecision, Behavioral: &Behavioral{ActionType: "click"}}, true},
		{"two payloads", Event{Kind: KindDecision, Decision: &Decision{ActionType: "a"}, Behavioral: &Behavioral{ActionType: "b"}}, true},
		{"no payload", Event{Kind: KindDecision}, true},
		{"unknown kind", Event{Kind: "gossip", Decision: &Decision{ActionType: "a"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := Event{Kind: KindBehavioral, Behavioral: &Behavioral{
		ActionType: "scroll",
		Payload:    map[string]any{"x": 1.0},
		Indicators: map[string]float64{"scroll_depth": 0.4},
	}}
	cp := orig.Clone()
	cp.Behavioral.Payload["x"] = 2.0
	cp.Behavioral.Indicators["scroll_depth"] = 0.9
	cp.Behavioral.ActionType = "click"

	assert.Equal(t, 1.0, orig.Behavioral.Payload["x"])
	assert.Equal(t, 0.4, orig.Behavioral.Indicators["scroll_depth"])
	assert.Equal(t, "scroll", orig.Behavioral.ActionType)
}

func TestDeriveIndicators(t *testing.T) {
	got := DeriveIndicators("uncheck", map[string]any{
		"time_to_decide_ms": 1500.0,
		"scroll_depth":      "0.75",
		"field_changes":     3,
		"note":              "ignored",
	})
	assert.Equal(t, map[string]float64{
		IndicatorHesitation:   1500,
		IndicatorScrollDepth:  0.75,
		IndicatorFieldChanges: 3,
		IndicatorReversal:     1,
	}, got)

	// Explicit hesitation wins over the time_to_decide fallback.
	got = DeriveIndicators("click", map[string]any{"hesitation_ms": 9000.0, "time_to_decide_ms": 10.0})
	assert.Equal(t, 9000.0, got[IndicatorHesitation])

	assert.Nil(t, DeriveIndicators("click", nil))
}

func TestDeriveIndicators_DropsNonFinite(t *testing.T) {
	for _, v := range []any{"NaN", "Inf", "-infinity", math.NaN(), math.Inf(1), float32(math.Inf(-1))} {
		got := DeriveIndicators("click", map[string]any{"hesitation_ms": v})
		assert.Nil(t, got, "value %v", v)
	}

	got := DeriveIndicators("click", map[string]any{"hesitation_ms": "NaN", "time_to_decide_ms": 700.0})
	assert.Equal(t, map[string]float64{IndicatorHesitation: 700}, got)
}
