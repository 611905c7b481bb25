// Package config owns the engine's named configuration: risk scorer
// parameters, the contract adjacency graph, promotion thresholds, and
// valuation constants. Thresholds live here and only here; validation
// fails fast at startup, never per request.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/valueindex"
)

// #region configuration-error
// ConfigurationError reports a malformed engine configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %s: %s", e.Field, e.Reason)
}

// #endregion configuration-error

// #region config
// Config is the full engine configuration file.
type Config struct {
	Risk      RiskConfig      `yaml:"risk"`
	Contract  ContractConfig  `yaml:"contract"`
	Policy    PolicyConfig    `yaml:"policy"`
	Valuation ValuationConfig `yaml:"valuation"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// RiskConfig configures the risk scoring engine.
type RiskConfig struct {
	Alpha             float64      `yaml:"alpha"`
	SatisfactionFloor float64      `yaml:"satisfaction_floor"`
	HalfLifeHours     float64      `yaml:"half_life_hours"`
	Buckets           BucketConfig `yaml:"buckets"`
}

// BucketConfig holds the ascending risk-level thresholds.
type BucketConfig struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// ContractConfig configures the state machine for a deployment.
type ContractConfig struct {
	Initial      string              `yaml:"initial"`
	Adjacency    map[string][]string `yaml:"adjacency"`
	ImpactFactor float64             `yaml:"impact_factor"`
}

// PolicyConfig configures the automation pipeline thresholds.
type PolicyConfig struct {
	CandidateThreshold float64 `yaml:"candidate_threshold"`
	PromoteThreshold   float64 `yaml:"promote_threshold"`
	MinObservations    int     `yaml:"min_observations"`
	PriorWeight        float64 `yaml:"prior_weight"`
}

// ValuationConfig configures the exit-valuation constants.
type ValuationConfig struct {
	ExitMultiple  float64 `yaml:"exit_multiple"`
	DiscountRate  float64 `yaml:"discount_rate"`
	HorizonYears  int     `yaml:"horizon_years"`
	NominalGrowth float64 `yaml:"nominal_growth"`
}

// NotifyConfig configures the outbound notification collaborator.
type NotifyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// #endregion config

// #region defaults
// Default returns the standard engine configuration.
func Default() Config {
	rc := risk.DefaultConfig()
	pc := policy.DefaultConfig()
	vp := valueindex.DefaultValuationParams()
	mc := contract.DefaultConfig()

	adjacency := make(map[string][]string)
	for from, targets := range contract.DefaultAdjacency() {
		out := make([]string, 0, len(targets))
		for _, t := range targets {
			out = append(out, string(t))
		}
		adjacency[string(from)] = out
	}

	return Config{
		Risk: RiskConfig{
			Alpha:             rc.Alpha,
			SatisfactionFloor: rc.SatisfactionFloor,
			HalfLifeHours:     rc.HalfLifeHours,
			Buckets: BucketConfig{
				Medium:   rc.Buckets.Medium,
				High:     rc.Buckets.High,
				Critical: rc.Buckets.Critical,
			},
		},
		Contract: ContractConfig{
			Initial:      string(contract.StateIntake),
			Adjacency:    adjacency,
			ImpactFactor: mc.ImpactFactor,
		},
		Policy: PolicyConfig{
			CandidateThreshold: pc.CandidateThreshold,
			PromoteThreshold:   pc.PromoteThreshold,
			MinObservations:    pc.MinObservations,
			PriorWeight:        pc.PriorWeight,
		},
		Valuation: ValuationConfig{
			ExitMultiple:  vp.ExitMultiple,
			DiscountRate:  vp.DiscountRate,
			HorizonYears:  vp.HorizonYears,
			NominalGrowth: vp.NominalGrowth,
		},
		Notify: NotifyConfig{
			Enabled:   false,
			Addr:      "localhost:50061",
			TimeoutMS: 500,
		},
	}
}

// #endregion defaults

// #region load
// Load reads a YAML configuration file over the defaults and validates
// it. Omitted fields keep their default values.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, &ConfigurationError{Field: path, Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// #endregion load

// #region validate
// Validate checks the configuration and returns a ConfigurationError
// naming the first offending field.
func (c Config) Validate() error {
	if c.Risk.Alpha <= 0 {
		return &ConfigurationError{Field: "risk.alpha", Reason: "must be positive"}
	}
	if c.Risk.SatisfactionFloor <= 0 || c.Risk.SatisfactionFloor >= 1 {
		return &ConfigurationError{Field: "risk.satisfaction_floor", Reason: "must be in (0,1)"}
	}
	if c.Risk.HalfLifeHours <= 0 {
		return &ConfigurationError{Field: "risk.half_life_hours", Reason: "must be positive"}
	}
	b := c.Risk.Buckets
	if b.Medium <= 0 || b.High <= b.Medium || b.Critical <= b.High {
		return &ConfigurationError{Field: "risk.buckets", Reason: "thresholds must be positive and ascending"}
	}

	if _, err := c.Graph(); err != nil {
		return err
	}
	if c.Contract.ImpactFactor < 0 || c.Contract.ImpactFactor > 1 {
		return &ConfigurationError{Field: "contract.impact_factor", Reason: "must be in [0,1]"}
	}

	p := c.Policy
	if p.CandidateThreshold <= 0 || p.CandidateThreshold > 1 {
		return &ConfigurationError{Field: "policy.candidate_threshold", Reason: "must be in (0,1]"}
	}
	if p.PromoteThreshold <= p.CandidateThreshold || p.PromoteThreshold > 1 {
		return &ConfigurationError{Field: "policy.promote_threshold", Reason: "must be above candidate_threshold and at most 1"}
	}
	if p.MinObservations <= 0 {
		return &ConfigurationError{Field: "policy.min_observations", Reason: "must be positive"}
	}
	if p.PriorWeight < 0 {
		return &ConfigurationError{Field: "policy.prior_weight", Reason: "must be non-negative"}
	}

	v := c.Valuation
	if v.ExitMultiple <= 0 || v.NominalGrowth <= 0 {
		return &ConfigurationError{Field: "valuation", Reason: "exit_multiple and nominal_growth must be positive"}
	}
	if v.DiscountRate < 0 {
		return &ConfigurationError{Field: "valuation.discount_rate", Reason: "must be non-negative"}
	}
	if v.HorizonYears <= 0 {
		return &ConfigurationError{Field: "valuation.horizon_years", Reason: "must be positive"}
	}

	if c.Notify.Enabled {
		if c.Notify.Addr == "" {
			return &ConfigurationError{Field: "notify.addr", Reason: "required when notify is enabled"}
		}
		if c.Notify.TimeoutMS <= 0 {
			return &ConfigurationError{Field: "notify.timeout_ms", Reason: "must be positive"}
		}
	}

	return nil
}

// #endregion validate

// #region conversions
// RiskScorerConfig converts into the risk package's config.
func (c Config) RiskScorerConfig() risk.Config {
	return risk.Config{
		Alpha:             c.Risk.Alpha,
		SatisfactionFloor: c.Risk.SatisfactionFloor,
		HalfLifeHours:     c.Risk.HalfLifeHours,
		Buckets: risk.Buckets{
			Medium:   c.Risk.Buckets.Medium,
			High:     c.Risk.Buckets.High,
			Critical: c.Risk.Buckets.Critical,
		},
	}
}

// Graph builds the validated contract graph from the adjacency config.
func (c Config) Graph() (*contract.Graph, error) {
	adjacency := make(map[contract.State][]contract.State, len(c.Contract.Adjacency))
	for from, targets := range c.Contract.Adjacency {
		out := make([]contract.State, 0, len(targets))
		for _, t := range targets {
			out = append(out, contract.State(t))
		}
		adjacency[contract.State(from)] = out
	}
	g, err := contract.NewGraph(contract.State(c.Contract.Initial), adjacency)
	if err != nil {
		return nil, &ConfigurationError{Field: "contract.adjacency", Reason: err.Error()}
	}
	return g, nil
}

// MachineConfig converts into the contract package's config.
func (c Config) MachineConfig() contract.Config {
	return contract.Config{ImpactFactor: c.Contract.ImpactFactor}
}

// PipelineConfig converts into the policy package's config.
func (c Config) PipelineConfig() policy.Config {
	return policy.Config{
		CandidateThreshold: c.Policy.CandidateThreshold,
		PromoteThreshold:   c.Policy.PromoteThreshold,
		MinObservations:    c.Policy.MinObservations,
		PriorWeight:        c.Policy.PriorWeight,
	}
}

// ValuationParams converts into the valueindex package's params.
func (c Config) ValuationParams() valueindex.ValuationParams {
	return valueindex.ValuationParams{
		ExitMultiple:  c.Valuation.ExitMultiple,
		DiscountRate:  c.Valuation.DiscountRate,
		HorizonYears:  c.Valuation.HorizonYears,
		NominalGrowth: c.Valuation.NominalGrowth,
	}
}

// #endregion conversions
