package contract

import (
	"errors"
	"sync"
	"testing"
)

// memStore is an in-memory EntityStore for machine tests.
type memStore struct {
	mu       sync.Mutex
	refs     map[string]EntityRef
	log      []LogEntry
	commitFn func() error // optional fault injection
}

func newMemStore(refs ...EntityRef) *memStore {
	s := &memStore{refs: make(map[string]EntityRef)}
	for _, r := range refs {
		s.refs[r.ID] = r
	}
	return s
}

func (s *memStore) Ref(id string) (EntityRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refs[id]
	if !ok {
		return EntityRef{}, errors.New("not found")
	}
	return r, nil
}

func (s *memStore) LinkedRefs(resource, excludeID string) ([]EntityRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EntityRef
	if resource == "" {
		return out, nil
	}
	for _, r := range s.refs {
		if r.SharedResource == resource && r.ID != excludeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) CommitTransition(entityID string, from, to State, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitFn != nil {
		if err := s.commitFn(); err != nil {
			return err
		}
	}
	r := s.refs[entityID]
	if r.State != from {
		return ErrStateMoved
	}
	r.State = to
	s.refs[entityID] = r
	s.log = append(s.log, entry)
	return nil
}

func (s *memStore) setState(id string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refs[id]
	r.State = st
	s.refs[id] = r
}

func (s *memStore) logLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

type sinkRecorder struct {
	mu    sync.Mutex
	calls []State
}

func (r *sinkRecorder) ObserveTransition(entityID string, from, to State) {
	r.mu.Lock()
	r.calls = append(r.calls, to)
	r.mu.Unlock()
}

func TestProposeCommitHappyPath(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	p, err := m.Propose("e1", StateEngaged)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p.Token == "" {
		t.Fatal("expected non-empty token")
	}

	// Propose alone changes nothing.
	ref, _ := store.Ref("e1")
	if ref.State != StateIntake {
		t.Fatalf("propose mutated state to %s", ref.State)
	}

	entry, err := m.Commit(p.Token, "alice", OriginHuman)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if entry.FromState != StateIntake || entry.ToState != StateEngaged {
		t.Fatalf("log entry %s → %s, want intake → engaged", entry.FromState, entry.ToState)
	}
	if entry.Approver != "alice" || entry.Origin != OriginHuman {
		t.Fatalf("entry attribution = %s/%s", entry.Approver, entry.Origin)
	}

	ref, _ = store.Ref("e1")
	if ref.State != StateEngaged {
		t.Fatalf("state = %s, want engaged", ref.State)
	}
	if store.logLen() != 1 {
		t.Fatalf("log entries = %d, want exactly 1", store.logLen())
	}
}

func TestProposeRejectsInvalidTarget(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	_, err := m.Propose("e1", StateMonitoring)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != StateIntake || ite.Target != StateMonitoring {
		t.Fatalf("error detail %s → %s", ite.From, ite.Target)
	}
	if store.logLen() != 0 {
		t.Fatal("rejected propose must not log")
	}
}

func TestTerminalStateAcceptsNoTransitions(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateTerminal})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	for _, target := range []State{StateIntake, StateEngaged, StateMonitoring, StateTerminal} {
		if _, err := m.Propose("e1", target); err == nil {
			t.Fatalf("terminal entity accepted transition to %s", target)
		}
	}
}

func TestCommitStaleWhenEntityMoved(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	p, err := m.Propose("e1", StateEngaged)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	// The entity moves between propose and commit.
	store.setState("e1", StateEngaged)

	_, err = m.Commit(p.Token, "alice", OriginHuman)
	var spe *StaleProposalError
	if !errors.As(err, &spe) {
		t.Fatalf("expected StaleProposalError, got %v", err)
	}
	if store.logLen() != 0 {
		t.Fatal("stale commit must not log")
	}
}

func TestCommitUnknownToken(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	_, err := m.Commit("no-such-token", "alice", OriginHuman)
	var spe *StaleProposalError
	if !errors.As(err, &spe) {
		t.Fatalf("expected StaleProposalError, got %v", err)
	}
}

func TestCommitConsumesToken(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	p, _ := m.Propose("e1", StateEngaged)
	if _, err := m.Commit(p.Token, "alice", OriginHuman); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := m.Commit(p.Token, "alice", OriginHuman); err == nil {
		t.Fatal("second commit on same token should fail")
	}
	if store.logLen() != 1 {
		t.Fatalf("log entries = %d, want 1", store.logLen())
	}
}

func TestDiscardDropsProposal(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	p, _ := m.Propose("e1", StateEngaged)
	m.Discard(p.Token)

	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}
	if _, err := m.Commit(p.Token, "alice", OriginHuman); err == nil {
		t.Fatal("discarded token should not commit")
	}
	if store.logLen() != 0 {
		t.Fatal("discard must not log")
	}
}

func TestCompetingProposalsOnlyOneWins(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateActive})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())

	a, err := m.Propose("e1", StateApprovalPending)
	if err != nil {
		t.Fatalf("propose a: %v", err)
	}
	b, err := m.Propose("e1", StateAutoIntervention)
	if err != nil {
		t.Fatalf("propose b: %v", err)
	}

	if _, err := m.Commit(a.Token, "alice", OriginHuman); err != nil {
		t.Fatalf("commit a: %v", err)
	}
	if _, err := m.Commit(b.Token, "bob", OriginHuman); err == nil {
		t.Fatal("second competing commit should be stale")
	}
	if store.logLen() != 1 {
		t.Fatalf("log entries = %d, want exactly 1", store.logLen())
	}
}

func TestBlastRadiusPreview(t *testing.T) {
	store := newMemStore(
		EntityRef{ID: "e1", State: StateActive, VIndex: 1000, SharedResource: "platform-x"},
		EntityRef{ID: "e2", State: StateActive, VIndex: 2000, SharedResource: "platform-x"},
		EntityRef{ID: "e3", State: StateActive, VIndex: 4000, SharedResource: "platform-x"},
		EntityRef{ID: "e4", State: StateActive, VIndex: 9999, SharedResource: "other"},
	)
	m := NewMachine(DefaultGraph(), store, Config{ImpactFactor: 0.25})

	p, err := m.Propose("e1", StateApprovalPending)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if p.BlastRadius.LinkedEntities != 2 {
		t.Fatalf("linked entities = %d, want 2", p.BlastRadius.LinkedEntities)
	}
	want := -(2000 + 4000) * 0.25
	if p.BlastRadius.EstimatedRevenueDelta != want {
		t.Fatalf("revenue delta = %.2f, want %.2f", p.BlastRadius.EstimatedRevenueDelta, want)
	}
}

func TestCommitNotifiesTriggerSink(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	m := NewMachine(DefaultGraph(), store, DefaultConfig())
	sink := &sinkRecorder{}
	m.SetTriggerSink(sink)

	p, _ := m.Propose("e1", StateEngaged)
	if _, err := m.Commit(p.Token, "alice", OriginHuman); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(sink.calls) != 1 || sink.calls[0] != StateEngaged {
		t.Fatalf("sink calls = %v, want [engaged]", sink.calls)
	}
}

func TestNoSequenceEscapesAdjacency(t *testing.T) {
	store := newMemStore(EntityRef{ID: "e1", State: StateIntake})
	g := DefaultGraph()
	m := NewMachine(g, store, DefaultConfig())

	// Walk forward greedily; at each step only adjacency targets may land.
	for i := 0; i < 20; i++ {
		ref, _ := store.Ref("e1")
		if g.Terminal(ref.State) {
			break
		}
		target := g.Targets(ref.State)[0]
		p, err := m.Propose("e1", target)
		if err != nil {
			t.Fatalf("step %d propose %s → %s: %v", i, ref.State, target, err)
		}
		if _, err := m.Commit(p.Token, "walker", OriginHuman); err != nil {
			t.Fatalf("step %d commit: %v", i, err)
		}
		next, _ := store.Ref("e1")
		if !g.Allowed(ref.State, next.State) {
			t.Fatalf("step %d landed outside adjacency: %s → %s", i, ref.State, next.State)
		}
	}
}
