package session

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/loanlens/internal/events"
)

//go:embed loan_rules.yaml
var defaultLoanRules []byte

// PhaseRate is the fee configuration of one phase.
type PhaseRate struct {
	FeeRate  float64 `yaml:"fee_rate" json:"feeRate"`
	ApplyCap bool    `yaml:"apply_cap" json:"applyCap"`
}

// Jurisdiction holds the lending rules of one state.
type Jurisdiction struct {
	Code         string  `yaml:"-" json:"code"`
	Name         string  `yaml:"name" json:"name"`
	MaxAPR       float64 `yaml:"max_apr" json:"maxApr"`
	MaxRollovers int     `yaml:"max_rollovers" json:"maxRollovers"`
	MaxAmount    float64 `yaml:"max_amount" json:"maxAmount"`
	MinTermDays  int     `yaml:"min_term_days" json:"minTermDays"`
	MaxTermDays  int     `yaml:"max_term_days" json:"maxTermDays"`
}

// LoanConfig is the static loan-term configuration loaded at startup.
type LoanConfig struct {
	MaxRollovers  int                        `yaml:"max_rollovers"`
	Phases        map[events.Phase]PhaseRate `yaml:"phases"`
	Jurisdictions map[string]Jurisdiction    `yaml:"jurisdictions"`
}

// DefaultLoanConfig returns the embedded rule table.
func DefaultLoanConfig() (*LoanConfig, error) {
	return ParseLoanConfig(defaultLoanRules)
}

// LoadLoanConfig reads a YAML rule table from path.
func LoadLoanConfig(path string) (*LoanConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read loan rules: %w", err)
	}
	return ParseLoanConfig(data)
}

// ParseLoanConfig decodes and validates a YAML rule table.
func ParseLoanConfig(data []byte) (*LoanConfig, error) {
	var cfg LoanConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode loan rules: %w", err)
	}

	normalized := make(map[string]Jurisdiction, len(cfg.Jurisdictions))
	for code, j := range cfg.Jurisdictions {
		code = strings.ToUpper(strings.TrimSpace(code))
		j.Code = code
		normalized[code] = j
	}
	cfg.Jurisdictions = normalized

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the rule table is internally consistent.
func (c *LoanConfig) Validate() error {
	if c.MaxRollovers < 0 {
		return fmt.Errorf("loan rules: max_rollovers must not be negative")
	}
	for _, p := range events.Phases {
		rate, ok := c.Phases[p]
		if !ok {
			return fmt.Errorf("loan rules: no fee rate for phase %s", p)
		}
		if rate.FeeRate < 0 || rate.FeeRate > 1 {
			return fmt.Errorf("loan rules: fee rate %v for phase %s outside 0-1", rate.FeeRate, p)
		}
	}
	if len(c.Jurisdictions) == 0 {
		return fmt.Errorf("loan rules: no jurisdictions configured")
	}
	for code, j := range c.Jurisdictions {
		switch {
		case j.MaxAPR <= 0:
			return fmt.Errorf("loan rules: %s max_apr must be positive", code)
		case j.MaxAmount <= 0:
			return fmt.Errorf("loan rules: %s max_amount must be positive", code)
		case j.MinTermDays < 1 || j.MaxTermDays < j.MinTermDays:
			return fmt.Errorf("loan rules: %s term bounds %d-%d invalid", code, j.MinTermDays, j.MaxTermDays)
		case j.MaxRollovers < 0:
			return fmt.Errorf("loan rules: %s max_rollovers must not be negative", code)
		}
	}
	return nil
}

// JurisdictionCodes returns the configured codes, sorted.
func (c *LoanConfig) JurisdictionCodes() []string {
	codes := make([]string, 0, len(c.Jurisdictions))
	for code := range c.Jurisdictions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// LoanParams are the borrower-chosen loan parameters.
type LoanParams struct {
	Amount       float64 `json:"amount"`
	TermDays     int     `json:"termDays"`
	Jurisdiction string  `json:"jurisdiction"`
}

// LoanTerms are the phase-dependent derived terms.
type LoanTerms struct {
	FeeRate       float64 `json:"feeRate"`
	Fee           float64 `json:"fee"`
	APR           float64 `json:"apr"`
	TotalCost     float64 `json:"totalCost"`
	RolloverCount int     `json:"rolloverCount"`
	Capped        bool    `json:"capped"`
}

// ValidateParams normalizes p and checks it against the jurisdiction table.
func (c *LoanConfig) ValidateParams(p LoanParams) (LoanParams, Jurisdiction, error) {
	p.Jurisdiction = strings.ToUpper(strings.TrimSpace(p.Jurisdiction))
	j, ok := c.Jurisdictions[p.Jurisdiction]
	if !ok {
		return p, Jurisdiction{}, fmt.Errorf("%w: unknown jurisdiction %q", ErrValidation, p.Jurisdiction)
	}
	if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) || p.Amount <= 0 {
		return p, j, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if p.Amount > j.MaxAmount {
		return p, j, fmt.Errorf("%w: amount %.2f exceeds %s maximum of %.2f", ErrValidation, p.Amount, j.Code, j.MaxAmount)
	}
	if p.TermDays < j.MinTermDays || p.TermDays > j.MaxTermDays {
		return p, j, fmt.Errorf("%w: term of %d days outside %s range %d-%d", ErrValidation, p.TermDays, j.Code, j.MinTermDays, j.MaxTermDays)
	}
	return p, j, nil
}

// Compute derives the terms for phase. Params must already be validated.
func (c *LoanConfig) Compute(p LoanParams, phase events.Phase, rollovers int) LoanTerms {
	j := c.Jurisdictions[p.Jurisdiction]
	rate := c.Phases[phase]

	fee := p.Amount * rate.FeeRate
	apr := annualize(fee, p.Amount, p.TermDays)
	capped := false
	if rate.ApplyCap && apr > j.MaxAPR {
		fee = j.MaxAPR / 100 * p.Amount * float64(p.TermDays) / 365
		apr = j.MaxAPR
		capped = true
	}
	fee = roundCents(fee)

	return LoanTerms{
		FeeRate:       rate.FeeRate,
		Fee:           fee,
		APR:           roundCents(apr),
		TotalCost:     roundCents(p.Amount + fee*float64(1+rollovers)),
		RolloverCount: rollovers,
		Capped:        capped,
	}
}

// annualize converts a single-term fee into an APR percentage.
func annualize(fee, amount float64, termDays int) float64 {
	if fee == 0 || amount <= 0 || termDays <= 0 {
		return 0
	}
	return fee / amount * 365 / float64(termDays) * 100
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
