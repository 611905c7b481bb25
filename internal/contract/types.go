package contract

import (
	"fmt"
	"time"
)

// #region states
// State is a lifecycle state in the contract state machine.
type State string

// The standard deployment state set. The adjacency between states is
// deployment configuration; the engine only fixes the names.
const (
	StateIntake           State = "intake"
	StateEngaged          State = "engaged"
	StateActive           State = "active"
	StateApprovalPending  State = "approval_pending"
	StateAutoIntervention State = "auto_intervention"
	StateMonitoring       State = "monitoring"
	StateStable           State = "stable"
	StateShadowMonitor    State = "shadow_monitor"
	StateTerminal         State = "terminal"
)

// #endregion states

// #region origin
// Origin records who drove a committed transition.
type Origin string

const (
	OriginHuman  Origin = "human"
	OriginPolicy Origin = "policy"
)

// #endregion origin

// #region blast-radius
// BlastRadius is the read-only preview of how much a proposed
// transition would affect: entities linked through a shared resource
// and the estimated revenue swing across them.
type BlastRadius struct {
	LinkedEntities        int
	EstimatedRevenueDelta float64
}

// #endregion blast-radius

// #region proposal
// Proposal is an ephemeral two-phase transition token. It is not
// durable: a pending proposal has no resource cost and is cheap to
// discard. Staleness is detected at commit time.
type Proposal struct {
	Token       string
	EntityID    string
	FromState   State
	TargetState State
	BlastRadius BlastRadius
	CreatedAt   time.Time
}

// #endregion proposal

// #region log-entry
// LogEntry is one immutable decision-log record. Entries are appended
// on commit only; rejected and stale attempts never produce one.
type LogEntry struct {
	ID          string
	EntityID    string
	FromState   State
	ToState     State
	BlastRadius BlastRadius
	Approver    string
	Origin      Origin
	CreatedAt   time.Time
}

// #endregion log-entry

// #region entity-ref
// EntityRef is the minimal entity view the machine reads.
type EntityRef struct {
	ID             string
	State          State
	VIndex         float64
	SharedResource string
}

// #endregion entity-ref

// #region interfaces
// EntityStore is the persistence surface the machine depends on.
// CommitTransition must atomically move the entity from→to and append
// the log entry, returning ErrStateMoved without mutation when the
// entity is no longer in the from state.
type EntityStore interface {
	Ref(id string) (EntityRef, error)
	LinkedRefs(resource, excludeID string) ([]EntityRef, error)
	CommitTransition(entityID string, from, to State, entry LogEntry) error
}

// TriggerSink observes committed transitions. The policy pipeline uses
// this to advance observation counts of matching policies.
type TriggerSink interface {
	ObserveTransition(entityID string, from, to State)
}

// #endregion interfaces

// #region errors
// InvalidTransitionError rejects a target outside the adjacency set of
// the entity's current state. No mutation occurred.
type InvalidTransitionError struct {
	EntityID string
	From     State
	Target   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: %s → %s", e.EntityID, e.From, e.Target)
}

// StaleProposalError rejects a commit whose entity moved since propose,
// or whose token is unknown or already consumed. No mutation occurred;
// the caller re-proposes.
type StaleProposalError struct {
	Token  string
	Reason string
}

func (e *StaleProposalError) Error() string {
	return fmt.Sprintf("stale proposal %s: %s", e.Token, e.Reason)
}

// #endregion errors

// #region machine-config
// Config holds machine tunables.
type Config struct {
	// ImpactFactor is the fraction of each linked entity's v-index
	// counted as revenue at risk in the blast-radius preview.
	ImpactFactor float64
}

// DefaultConfig returns the standard machine tunables.
func DefaultConfig() Config {
	return Config{ImpactFactor: 0.25}
}

// #endregion machine-config
