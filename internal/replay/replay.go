// Package replay re-runs recorded metric events through the scoring
// pipeline with an alternate configuration. The run is counterfactual
// and fully in-memory: no entity state moves, no decision log entry is
// written, trigger fires are only counted. Used to answer "what would
// these thresholds have done" against real history.
package replay

import (
	"time"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/metricfeed"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
	"github.com/nmoreau/covenant/internal/valueindex"
)

// #region types
// Entity is the in-memory working copy replayed against. Seed it from
// the store with Snapshot.
type Entity struct {
	ID             string
	State          contract.State
	Mint           float64
	Tax            float64
	PeriodsElapsed int
	Factors        valueindex.Factors
	Deltas         []risk.PerformanceDelta
}

// Snapshot converts a stored entity plus its delta history into a
// replay working copy.
func Snapshot(e store.Entity, deltas []risk.PerformanceDelta) Entity {
	return Entity{
		ID:             e.ID,
		State:          e.State,
		Mint:           e.Mint,
		Tax:            e.Tax,
		PeriodsElapsed: e.PeriodsElapsed,
		Factors:        e.Factors,
		Deltas:         append([]risk.PerformanceDelta(nil), deltas...),
	}
}

// Trigger is a policy trigger detached from its stored lifecycle; mode
// and confidence are irrelevant in a counterfactual run.
type Trigger struct {
	PolicyID     string
	MinRiskLevel risk.Level
	TargetState  contract.State
}

// Config bundles everything a replay run varies.
type Config struct {
	Risk     risk.Config
	Graph    *contract.Graph
	Triggers []Trigger
}

// DefaultConfig replays with the engine defaults.
func DefaultConfig() Config {
	return Config{
		Risk:  risk.DefaultConfig(),
		Graph: contract.DefaultGraph(),
	}
}

// StepResult captures the outcome of replaying one event.
type StepResult struct {
	EntityID   string
	MetricName string
	Action     string // "folded" | "unknown" | "dropped"
	Assessment risk.Assessment
	VIndex     float64
	Fired      []string // policy IDs that would have fired
}

// Summary aggregates a replay run.
type Summary struct {
	TotalEvents int
	Folded      int
	Unknown     int
	Dropped     int
	Fires       map[string]int             // policy ID → would-fire count
	FinalLevels map[string]risk.Level      // entity ID → level after last event
	FinalScores map[string]risk.Assessment // entity ID → last assessment
}

// #endregion types

// #region run
// Run replays events in order against the seeded entities. Each event
// is scored at its own timestamp, so recency decay behaves exactly as
// it would have live. Entities absent from the seed are dropped, the
// same as the live feed does.
func Run(seed []Entity, events []store.MetricEvent, config Config) []StepResult {
	entities := make(map[string]*Entity, len(seed))
	for i := range seed {
		entities[seed[i].ID] = &seed[i]
	}
	scorer := risk.NewScorer(config.Risk)

	results := make([]StepResult, 0, len(events))
	for _, ev := range events {
		ent, ok := entities[ev.EntityID]
		if !ok {
			results = append(results, StepResult{
				EntityID:   ev.EntityID,
				MetricName: ev.MetricName,
				Action:     "dropped",
			})
			continue
		}

		c := metricfeed.Classify(ev.MetricName)
		if c.Kind == metricfeed.KindUnknown {
			results = append(results, StepResult{
				EntityID:   ev.EntityID,
				MetricName: ev.MetricName,
				Action:     "unknown",
			})
			continue
		}
		fold(ent, ev, c)

		satisfaction := valueindex.ComputeSatisfaction(ent.Factors)
		value := valueindex.ComputeValueIndex(ent.Mint, ent.Tax, satisfaction, ent.PeriodsElapsed)
		assessment := scorer.Score(ent.ID, ent.Deltas, satisfaction, ev.Timestamp)

		results = append(results, StepResult{
			EntityID:   ent.ID,
			MetricName: ev.MetricName,
			Action:     "folded",
			Assessment: assessment,
			VIndex:     value.VIndex,
			Fired:      fires(config, ent.State, assessment.Level),
		})
	}
	return results
}

// fires returns the policies that would have fired, in config order.
// The entity state never moves during replay, so a persistently risky
// entity fires on every event.
func fires(config Config, state contract.State, level risk.Level) []string {
	var out []string
	for _, tr := range config.Triggers {
		if !level.AtLeast(tr.MinRiskLevel) {
			continue
		}
		if config.Graph != nil && !config.Graph.Allowed(state, tr.TargetState) {
			continue
		}
		out = append(out, tr.PolicyID)
	}
	return out
}

func fold(ent *Entity, ev store.MetricEvent, c metricfeed.Classification) {
	switch c.Kind {
	case metricfeed.KindInput:
		switch ev.MetricName {
		case "mint":
			ent.Mint = ev.Value
		case "tax":
			ent.Tax = ev.Value
		case "periods_elapsed":
			ent.PeriodsElapsed = int(ev.Value)
		}
	case metricfeed.KindFactor:
		v := ev.Value
		switch ev.MetricName {
		case "nps_score":
			ent.Factors.NPSScore = &v
		case "retention_rate":
			ent.Factors.RetentionRate = &v
		case "engagement_rate":
			ent.Factors.EngagementRate = &v
		case "payment_punctuality":
			ent.Factors.PaymentPunctuality = &v
		case "feedback_sentiment":
			ent.Factors.FeedbackSentiment = &v
		}
	case metricfeed.KindDelta:
		ent.Deltas = append(ent.Deltas, risk.PerformanceDelta{
			Timestamp: ev.Timestamp,
			Category:  c.Category,
			DeltaM:    ev.Value,
		})
	}
}

// #endregion run

// #region summarize
// Summarize aggregates step results into per-policy fire counts and
// final per-entity assessments.
func Summarize(results []StepResult) Summary {
	s := Summary{
		TotalEvents: len(results),
		Fires:       make(map[string]int),
		FinalLevels: make(map[string]risk.Level),
		FinalScores: make(map[string]risk.Assessment),
	}
	for _, r := range results {
		switch r.Action {
		case "folded":
			s.Folded++
			s.FinalLevels[r.EntityID] = r.Assessment.Level
			s.FinalScores[r.EntityID] = r.Assessment
		case "unknown":
			s.Unknown++
		case "dropped":
			s.Dropped++
		}
		for _, id := range r.Fired {
			s.Fires[id]++
		}
	}
	return s
}

// #endregion summarize

// ScoreAt is a convenience for probing one entity at a point in time
// under the run's config without folding new events.
func ScoreAt(ent Entity, config Config, at time.Time) risk.Assessment {
	satisfaction := valueindex.ComputeSatisfaction(ent.Factors)
	return risk.NewScorer(config.Risk).Score(ent.ID, ent.Deltas, satisfaction, at)
}
