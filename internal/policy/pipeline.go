// Package policy manages the lifecycle of proposed automated
// interventions. Policies accumulate confidence from confirmed
// trigger outcomes; only promoted policies may drive the contract
// state machine without human approval.
package policy

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
)

// #region schema
const policiesSchema = `
CREATE TABLE IF NOT EXISTS policies (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	min_risk_level     TEXT NOT NULL,
	target_state       TEXT NOT NULL,
	mode               TEXT NOT NULL DEFAULT 'shadow',
	confidence         REAL NOT NULL DEFAULT 0.5,
	observation_count  INTEGER NOT NULL DEFAULT 0,
	success_count      INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS shadow_fires (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	policy_id     TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	target_state  TEXT NOT NULL,
	risk_score    REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (policy_id) REFERENCES policies(id)
);
CREATE INDEX IF NOT EXISTS idx_shadow_fires_policy ON shadow_fires(policy_id);
`

// #endregion schema

// #region pipeline
// Pipeline persists policies in SQLite and enforces the mode ratchet
// and execution gate.
type Pipeline struct {
	db      *sql.DB
	config  Config
	machine *contract.Machine
	enabled bool

	// Serializes confidence updates; two updates against the same
	// policy must never interleave.
	mu sync.Mutex
}

// NewPipeline initializes the policy tables and returns a Pipeline.
// Kill switch: set COVENANT_AUTOMATION=false to force every policy,
// promoted included, into shadow-fire behavior.
func NewPipeline(db *sql.DB, config Config, machine *contract.Machine) (*Pipeline, error) {
	if _, err := db.Exec(policiesSchema); err != nil {
		return nil, fmt.Errorf("policy schema: %w", err)
	}

	enabled := true
	if v := os.Getenv("COVENANT_AUTOMATION"); v == "false" {
		enabled = false
	}

	return &Pipeline{db: db, config: config, machine: machine, enabled: enabled}, nil
}

// Enabled returns whether autonomous execution is active.
func (p *Pipeline) Enabled() bool {
	return p.enabled
}

// #endregion pipeline

// #region create
// Create registers a new policy in shadow mode with neutral confidence.
func (p *Pipeline) Create(name string, trigger Trigger) (Policy, error) {
	now := time.Now().UTC()
	pol := Policy{
		ID:         uuid.New().String(),
		Name:       name,
		Trigger:    trigger,
		Mode:       ModeShadow,
		Confidence: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := p.db.Exec(
		`INSERT INTO policies (id, name, min_risk_level, target_state, mode, confidence, observation_count, success_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		pol.ID, pol.Name, string(trigger.MinRiskLevel), string(trigger.TargetState),
		string(pol.Mode), pol.Confidence,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return pol, nil
}

// #endregion create

// #region queries
const policyColumns = `id, name, min_risk_level, target_state, mode, confidence, observation_count, success_count, created_at, updated_at`

// Get retrieves one policy by ID.
func (p *Pipeline) Get(id string) (Policy, error) {
	row := p.db.QueryRow(`SELECT `+policyColumns+` FROM policies WHERE id = ?`, id)
	pol, err := scanPolicy(row)
	if err != nil {
		return Policy{}, fmt.Errorf("get policy %s: %w", id, err)
	}
	return pol, nil
}

// List returns all policies, newest first.
func (p *Pipeline) List() ([]Policy, error) {
	rows, err := p.db.Query(`SELECT ` + policyColumns + ` FROM policies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

// Active returns policies that can still fire (not killed).
func (p *Pipeline) Active() ([]Policy, error) {
	all, err := p.List()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, pol := range all {
		if pol.Mode != ModeKilled {
			out = append(out, pol)
		}
	}
	return out, nil
}

// #endregion queries

// #region record-outcome
// RecordOutcome registers a confirmed trigger outcome: the observation
// count advances and confidence is recomputed as a prior-smoothed
// success rate. Promotion thresholds are checked afterwards.
func (p *Pipeline) RecordOutcome(id string, success bool) (Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pol, err := p.Get(id)
	if err != nil {
		return Policy{}, err
	}
	if pol.Mode == ModeKilled {
		return Policy{}, fmt.Errorf("policy %s is killed", id)
	}

	pol.ObservationCount++
	if success {
		pol.SuccessCount++
	}
	pol.Confidence = p.confidence(pol.SuccessCount, pol.ObservationCount)
	pol.Mode = p.promote(pol)

	if err := p.save(pol); err != nil {
		return Policy{}, err
	}
	return pol, nil
}

// ObserveTransition implements contract.TriggerSink: every committed
// transition advances the observation count of policies whose trigger
// matches it. Confidence only moves on confirmed outcomes.
func (p *Pipeline) ObserveTransition(entityID string, from, to contract.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pols, err := p.Active()
	if err != nil {
		log.Printf("[POLICY] observe transition: %v", err)
		return
	}
	for _, pol := range pols {
		if !pol.Trigger.Matches(to) {
			continue
		}
		pol.ObservationCount++
		pol.Mode = p.promote(pol)
		if err := p.save(pol); err != nil {
			log.Printf("[POLICY] observe transition save %s: %v", pol.ID, err)
		}
	}
}

// confidence is a prior-smoothed success rate: monotonic in the rate,
// bounded to [0,1], starting at 0.5 with no observations.
func (p *Pipeline) confidence(successes, observations int) float64 {
	prior := p.config.PriorWeight
	return (0.5*prior + float64(successes)) / (prior + float64(observations))
}

// promote applies the forward ratchet. A single update may cascade
// shadow → candidate → promoted when both gates are already met.
func (p *Pipeline) promote(pol Policy) Mode {
	mode := pol.Mode
	if mode == ModeShadow && pol.Confidence >= p.config.CandidateThreshold {
		mode = ModeCandidate
		log.Printf("[POLICY] %s promoted shadow → candidate (confidence %.2f)", pol.ID, pol.Confidence)
	}
	if mode == ModeCandidate && pol.Confidence >= p.config.PromoteThreshold && pol.ObservationCount >= p.config.MinObservations {
		mode = ModePromoted
		log.Printf("[POLICY] %s promoted candidate → promoted (confidence %.2f, %d observations)",
			pol.ID, pol.Confidence, pol.ObservationCount)
	}
	return mode
}

// #endregion record-outcome

// #region kill
// Kill moves a shadow or candidate policy to killed, unconditionally.
// Promoted policies cannot be reversed here; demotion requires a
// governance path outside this engine.
func (p *Pipeline) Kill(id string) (Policy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pol, err := p.Get(id)
	if err != nil {
		return Policy{}, err
	}
	switch pol.Mode {
	case ModePromoted:
		return Policy{}, fmt.Errorf("policy %s is promoted; demotion requires a governance action", id)
	case ModeKilled:
		return Policy{}, fmt.Errorf("policy %s is already killed", id)
	}

	pol.Mode = ModeKilled
	if err := p.save(pol); err != nil {
		return Policy{}, err
	}
	return pol, nil
}

// #endregion kill

// #region execute
// Execute runs a fired trigger through the execution gate. Promoted
// policies propose and commit autonomously; shadow and candidate
// policies only write a would-have-fired record and never commit.
func (p *Pipeline) Execute(pol Policy, entityID string, riskScore float64) (ExecutionResult, error) {
	if pol.Mode == ModeKilled {
		return ExecutionResult{}, fmt.Errorf("policy %s is killed", pol.ID)
	}

	if pol.Mode != ModePromoted || !p.enabled {
		if err := p.recordShadowFire(pol, entityID, riskScore); err != nil {
			return ExecutionResult{}, err
		}
		return ExecutionResult{Shadowed: true}, nil
	}

	prop, err := p.machine.Propose(entityID, pol.Trigger.TargetState)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("policy %s propose: %w", pol.ID, err)
	}
	entry, err := p.machine.Commit(prop.Token, "policy:"+pol.ID, contract.OriginPolicy)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("policy %s commit: %w", pol.ID, err)
	}

	log.Printf("[POLICY] %s executed %s → %s on %s", pol.ID, entry.FromState, entry.ToState, entityID)
	return ExecutionResult{Executed: true, Entry: entry}, nil
}

func (p *Pipeline) recordShadowFire(pol Policy, entityID string, riskScore float64) error {
	_, err := p.db.Exec(
		`INSERT INTO shadow_fires (policy_id, entity_id, target_state, risk_score, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		pol.ID, entityID, string(pol.Trigger.TargetState), riskScore,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record shadow fire: %w", err)
	}
	return nil
}

// ShadowFires returns a policy's would-have-fired records, newest
// first, for calibration.
func (p *Pipeline) ShadowFires(policyID string, limit int) ([]ShadowFire, error) {
	rows, err := p.db.Query(
		`SELECT id, policy_id, entity_id, target_state, risk_score, created_at
		 FROM shadow_fires WHERE policy_id = ? ORDER BY id DESC LIMIT ?`,
		policyID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list shadow fires: %w", err)
	}
	defer rows.Close()

	var out []ShadowFire
	for rows.Next() {
		var f ShadowFire
		var target, createdAt string
		if err := rows.Scan(&f.ID, &f.PolicyID, &f.EntityID, &target, &f.RiskScore, &createdAt); err != nil {
			return nil, fmt.Errorf("scan shadow fire: %w", err)
		}
		f.TargetState = contract.State(target)
		f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// #endregion execute

// #region helpers
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (Policy, error) {
	var pol Policy
	var minLevel, target, mode, createdAt, updatedAt string
	err := row.Scan(
		&pol.ID, &pol.Name, &minLevel, &target, &mode, &pol.Confidence,
		&pol.ObservationCount, &pol.SuccessCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return Policy{}, err
	}
	pol.Trigger = Trigger{
		MinRiskLevel: risk.Level(minLevel),
		TargetState:  contract.State(target),
	}
	pol.Mode = Mode(mode)
	pol.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	pol.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return pol, nil
}

func (p *Pipeline) save(pol Policy) error {
	_, err := p.db.Exec(
		`UPDATE policies SET mode = ?, confidence = ?, observation_count = ?, success_count = ?, updated_at = ?
		 WHERE id = ?`,
		string(pol.Mode), pol.Confidence, pol.ObservationCount, pol.SuccessCount,
		time.Now().UTC().Format(time.RFC3339Nano), pol.ID,
	)
	if err != nil {
		return fmt.Errorf("save policy %s: %w", pol.ID, err)
	}
	return nil
}

// #endregion helpers
