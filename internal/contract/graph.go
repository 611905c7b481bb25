package contract

import "fmt"

// #region graph
// Graph is a validated adjacency set over the contract states.
// Adjacency is fixed per deployment; terminal states have no outgoing
// edges and accept no further transitions.
type Graph struct {
	initial   State
	adjacency map[State][]State
}

// NewGraph validates the adjacency set and returns a Graph. Validation
// failures are startup errors, not per-request errors.
func NewGraph(initial State, adjacency map[State][]State) (*Graph, error) {
	if initial == "" {
		return nil, fmt.Errorf("initial state is empty")
	}
	if len(adjacency) == 0 {
		return nil, fmt.Errorf("adjacency set is empty")
	}

	known := make(map[State]bool, len(adjacency))
	for from, targets := range adjacency {
		known[from] = true
		for _, to := range targets {
			known[to] = true
		}
	}
	if !known[initial] {
		return nil, fmt.Errorf("initial state %q not in adjacency set", initial)
	}

	for from, targets := range adjacency {
		seen := make(map[State]bool, len(targets))
		for _, to := range targets {
			if to == from {
				return nil, fmt.Errorf("state %q has a self-loop", from)
			}
			if seen[to] {
				return nil, fmt.Errorf("state %q lists target %q twice", from, to)
			}
			seen[to] = true
		}
	}

	// Copy so callers cannot mutate the graph after validation.
	adj := make(map[State][]State, len(adjacency))
	for from, targets := range adjacency {
		adj[from] = append([]State(nil), targets...)
	}

	return &Graph{initial: initial, adjacency: adj}, nil
}

// #endregion graph

// #region default-graph
// DefaultAdjacency returns the standard deployment graph:
// intake → engaged → active → {approval_pending | auto_intervention}
// → monitoring → {stable (loops to engaged) | shadow_monitor (loops to
// monitoring)} → terminal.
func DefaultAdjacency() map[State][]State {
	return map[State][]State{
		StateIntake:           {StateEngaged},
		StateEngaged:          {StateActive},
		StateActive:           {StateApprovalPending, StateAutoIntervention},
		StateApprovalPending:  {StateMonitoring},
		StateAutoIntervention: {StateMonitoring},
		StateMonitoring:       {StateStable, StateShadowMonitor},
		StateStable:           {StateEngaged, StateTerminal},
		StateShadowMonitor:    {StateMonitoring, StateTerminal},
		StateTerminal:         {},
	}
}

// DefaultGraph returns the validated standard deployment graph.
func DefaultGraph() *Graph {
	g, err := NewGraph(StateIntake, DefaultAdjacency())
	if err != nil {
		panic(err) // the default graph is known-good
	}
	return g
}

// #endregion default-graph

// #region queries
// Initial returns the entry state for new entities.
func (g *Graph) Initial() State {
	return g.initial
}

// Allowed reports whether from → to is in the adjacency set.
func (g *Graph) Allowed(from, to State) bool {
	for _, t := range g.adjacency[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func (g *Graph) Terminal(s State) bool {
	return len(g.adjacency[s]) == 0
}

// Targets returns the allowed targets from s.
func (g *Graph) Targets(s State) []State {
	return append([]State(nil), g.adjacency[s]...)
}

// #endregion queries
