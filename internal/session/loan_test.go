package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mbd888/loanlens/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoanConfig(t *testing.T) {
	cfg, err := DefaultLoanConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"CA", "FL", "IL", "NY", "OH", "TX"}, cfg.JurisdictionCodes())
	assert.Equal(t, 4, cfg.MaxRollovers)
	assert.Equal(t, "TX", cfg.Jurisdictions["TX"].Code)
}

func TestCompute(t *testing.T) {
	cfg, err := DefaultLoanConfig()
	require.NoError(t, err)
	p := LoanParams{Amount: 300, TermDays: 14, Jurisdiction: "TX"}

	none := cfg.Compute(p, events.PhaseNotStarted, 0)
	assert.Equal(t, 0.0, none.Fee)
	assert.Equal(t, 0.0, none.APR)
	assert.Equal(t, 300.0, none.TotalCost)

	exp := cfg.Compute(p, events.PhaseExploitative, 0)
	assert.Equal(t, 75.0, exp.Fee)
	assert.Equal(t, 651.79, exp.APR)
	assert.False(t, exp.Capped)

	eth := cfg.Compute(p, events.PhaseEthical, 0)
	assert.True(t, eth.Capped)
	assert.Equal(t, 36.0, eth.APR)
	// 0.36 * 300 * 14 / 365
	assert.Equal(t, 4.14, eth.Fee)

	rolled := cfg.Compute(p, events.PhaseExploitative, 2)
	assert.Equal(t, 525.0, rolled.TotalCost)
	assert.Equal(t, 2, rolled.RolloverCount)
}

func TestCompute_UncappedWhenUnderLimit(t *testing.T) {
	cfg, err := DefaultLoanConfig()
	require.NoError(t, err)

	// A 180-day term spreads a 3.5% fee to about 7% APR, under the TX cap.
	terms := cfg.Compute(LoanParams{Amount: 1000, TermDays: 180, Jurisdiction: "TX"}, events.PhaseEthical, 0)
	assert.False(t, terms.Capped)
	assert.Equal(t, 35.0, terms.Fee)
	assert.Equal(t, 7.1, terms.APR)
}

func TestParseLoanConfig_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing phase": `
max_rollovers: 1
phases:
  exploitative: { fee_rate: 0.25 }
jurisdictions:
  TX: { max_apr: 36, max_amount: 100, min_term_days: 1, max_term_days: 30 }
`,
		"bad term bounds": `
phases:
  not_started: { fee_rate: 0 }
  exploitative: { fee_rate: 0.25 }
  ethical: { fee_rate: 0.03, apply_cap: true }
  reflection: { fee_rate: 0.03, apply_cap: true }
  completed: { fee_rate: 0.03, apply_cap: true }
jurisdictions:
  TX: { max_apr: 36, max_amount: 100, min_term_days: 30, max_term_days: 7 }
`,
		"no jurisdictions": `
phases:
  not_started: { fee_rate: 0 }
  exploitative: { fee_rate: 0.25 }
  ethical: { fee_rate: 0.03 }
  reflection: { fee_rate: 0.03 }
  completed: { fee_rate: 0.03 }
`,
		"not yaml": "phases: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLoanConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadLoanConfig_NormalizesCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_rollovers: 2
phases:
  not_started: { fee_rate: 0 }
  exploitative: { fee_rate: 0.2 }
  ethical: { fee_rate: 0.02, apply_cap: true }
  reflection: { fee_rate: 0.02, apply_cap: true }
  completed: { fee_rate: 0.02, apply_cap: true }
jurisdictions:
  wa: { name: Washington, max_apr: 36, max_amount: 700, min_term_days: 7, max_term_days: 45 }
`), 0o600))

	cfg, err := LoadLoanConfig(path)
	require.NoError(t, err)

	p, j, err := cfg.ValidateParams(LoanParams{Amount: 500, TermDays: 30, Jurisdiction: " wa "})
	require.NoError(t, err)
	assert.Equal(t, "WA", p.Jurisdiction)
	assert.Equal(t, "Washington", j.Name)
}
