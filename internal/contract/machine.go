// Package contract implements the gated lifecycle state machine for
// long-lived entities. Transitions are two-phase: Propose reads a
// snapshot and returns a token with a blast-radius preview; Commit
// re-validates and rejects stale tokens, giving optimistic-concurrency
// semantics instead of holding a lock across the approval wait.
package contract

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStateMoved is returned by EntityStore.CommitTransition when the
// entity is no longer in the expected from state.
var ErrStateMoved = errors.New("entity state moved")

const lockStripes = 32

// #region machine
// Machine validates and commits lifecycle transitions.
type Machine struct {
	graph    *Graph
	entities EntityStore
	config   Config

	sink TriggerSink // optional; set after construction

	mu        sync.Mutex
	proposals map[string]Proposal

	// Per-entity serialization: two commits against the same entity
	// must never interleave. Unrelated entities proceed in parallel.
	stripes [lockStripes]sync.Mutex
}

// NewMachine creates a machine over the given graph and entity store.
func NewMachine(graph *Graph, entities EntityStore, config Config) *Machine {
	return &Machine{
		graph:     graph,
		entities:  entities,
		config:    config,
		proposals: make(map[string]Proposal),
	}
}

// SetTriggerSink attaches the observer notified after each commit.
func (m *Machine) SetTriggerSink(sink TriggerSink) {
	m.sink = sink
}

// Graph returns the machine's adjacency graph.
func (m *Machine) Graph() *Graph {
	return m.graph
}

// #endregion machine

// #region propose
// Propose validates the target against the entity's current state and
// returns a proposal token with a read-only blast-radius preview.
// The entity state is not changed.
func (m *Machine) Propose(entityID string, target State) (Proposal, error) {
	ref, err := m.entities.Ref(entityID)
	if err != nil {
		return Proposal{}, fmt.Errorf("read entity %s: %w", entityID, err)
	}

	if !m.graph.Allowed(ref.State, target) {
		return Proposal{}, &InvalidTransitionError{EntityID: entityID, From: ref.State, Target: target}
	}

	radius, err := m.blastRadius(ref)
	if err != nil {
		return Proposal{}, fmt.Errorf("blast radius for %s: %w", entityID, err)
	}

	p := Proposal{
		Token:       uuid.New().String(),
		EntityID:    entityID,
		FromState:   ref.State,
		TargetState: target,
		BlastRadius: radius,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.proposals[p.Token] = p
	m.mu.Unlock()

	return p, nil
}

// #endregion propose

// #region commit
// Commit re-validates the proposal against current entity state and
// atomically applies it, appending exactly one decision-log entry.
// A moved entity or unknown token fails with StaleProposalError and no
// mutation; the token is consumed either way.
func (m *Machine) Commit(token, approver string, origin Origin) (LogEntry, error) {
	m.mu.Lock()
	p, ok := m.proposals[token]
	if ok {
		delete(m.proposals, token)
	}
	m.mu.Unlock()
	if !ok {
		return LogEntry{}, &StaleProposalError{Token: token, Reason: "unknown or already consumed"}
	}

	lock := m.entityLock(p.EntityID)
	lock.Lock()
	defer lock.Unlock()

	ref, err := m.entities.Ref(p.EntityID)
	if err != nil {
		return LogEntry{}, fmt.Errorf("read entity %s: %w", p.EntityID, err)
	}
	if ref.State != p.FromState {
		return LogEntry{}, &StaleProposalError{
			Token:  token,
			Reason: fmt.Sprintf("entity moved %s → %s since propose", p.FromState, ref.State),
		}
	}
	// Re-check adjacency in case the graph was reloaded between phases.
	if !m.graph.Allowed(ref.State, p.TargetState) {
		return LogEntry{}, &InvalidTransitionError{EntityID: p.EntityID, From: ref.State, Target: p.TargetState}
	}

	entry := LogEntry{
		ID:          uuid.New().String(),
		EntityID:    p.EntityID,
		FromState:   p.FromState,
		ToState:     p.TargetState,
		BlastRadius: p.BlastRadius,
		Approver:    approver,
		Origin:      origin,
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.entities.CommitTransition(p.EntityID, p.FromState, p.TargetState, entry); err != nil {
		if errors.Is(err, ErrStateMoved) {
			return LogEntry{}, &StaleProposalError{Token: token, Reason: "entity moved during commit"}
		}
		return LogEntry{}, fmt.Errorf("commit transition %s: %w", p.EntityID, err)
	}

	if m.sink != nil {
		m.sink.ObserveTransition(p.EntityID, p.FromState, p.TargetState)
	}

	return entry, nil
}

// #endregion commit

// #region discard
// Discard drops a pending proposal. Discarded proposals never log.
func (m *Machine) Discard(token string) {
	m.mu.Lock()
	delete(m.proposals, token)
	m.mu.Unlock()
}

// Pending returns the number of outstanding proposal tokens.
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proposals)
}

// #endregion discard

// #region blast-radius
// blastRadius estimates the transition's reach: entities linked via the
// same shared resource, and the revenue fraction at risk across them.
func (m *Machine) blastRadius(ref EntityRef) (BlastRadius, error) {
	linked, err := m.entities.LinkedRefs(ref.SharedResource, ref.ID)
	if err != nil {
		return BlastRadius{}, err
	}

	var atRisk float64
	for _, l := range linked {
		atRisk += l.VIndex * m.config.ImpactFactor
	}

	return BlastRadius{
		LinkedEntities:        len(linked),
		EstimatedRevenueDelta: -atRisk,
	}, nil
}

// #endregion blast-radius

// #region helpers
func (m *Machine) entityLock(entityID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return &m.stripes[h.Sum32()%lockStripes]
}

// #endregion helpers
