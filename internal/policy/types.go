package policy

import (
	"time"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
)

// #region mode
// Mode is the automation lifecycle stage of a policy. The ratchet only
// moves forward: shadow → candidate → promoted. Killed is reachable
// from shadow or candidate only; promoted policies cannot be reversed
// by this pipeline.
type Mode string

const (
	ModeShadow    Mode = "shadow"
	ModeCandidate Mode = "candidate"
	ModePromoted  Mode = "promoted"
	ModeKilled    Mode = "killed"
)

// #endregion mode

// #region trigger
// Trigger is the condition under which a policy proposes an
// intervention: entity risk at or above MinRiskLevel, moving the
// entity to TargetState.
type Trigger struct {
	MinRiskLevel risk.Level
	TargetState  contract.State
}

// Fires reports whether the trigger matches the given risk level.
func (t Trigger) Fires(level risk.Level) bool {
	return level.AtLeast(t.MinRiskLevel)
}

// Matches reports whether a committed transition corresponds to this
// trigger's intervention.
func (t Trigger) Matches(to contract.State) bool {
	return to == t.TargetState
}

// #endregion trigger

// #region policy
// Policy is a proposed automated intervention with a confidence-gated
// lifecycle. Retained indefinitely for audit, even after promotion.
type Policy struct {
	ID               string
	Name             string
	Trigger          Trigger
	Mode             Mode
	Confidence       float64
	ObservationCount int
	SuccessCount     int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// #endregion policy

// #region config
// Config holds the promotion thresholds and the confidence prior.
// These are named configuration owned by the engine, not screen
// constants.
type Config struct {
	// CandidateThreshold gates shadow → candidate.
	CandidateThreshold float64
	// PromoteThreshold gates candidate → promoted, together with
	// MinObservations.
	PromoteThreshold float64
	MinObservations  int
	// PriorWeight is the pseudo-count pulling confidence toward 0.5
	// while the sample is small, keeping the estimate monotonic in the
	// success rate and bounded to [0,1].
	PriorWeight float64
}

// DefaultConfig returns the standard promotion thresholds.
func DefaultConfig() Config {
	return Config{
		CandidateThreshold: 0.70,
		PromoteThreshold:   0.90,
		MinObservations:    50,
		PriorWeight:        5,
	}
}

// #endregion config

// #region shadow-fire
// ShadowFire is a would-have-fired record written by shadow and
// candidate policies for later calibration. Shadow fires never touch
// the state machine.
type ShadowFire struct {
	ID          int64
	PolicyID    string
	EntityID    string
	TargetState contract.State
	RiskScore   float64
	CreatedAt   time.Time
}

// #endregion shadow-fire

// #region execution-result
// ExecutionResult reports what Execute did with a fired trigger.
type ExecutionResult struct {
	Executed bool              // promoted policy committed autonomously
	Shadowed bool              // would-have-fired record written instead
	Entry    contract.LogEntry // set when Executed
}

// #endregion execution-result
