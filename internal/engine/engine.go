// Package engine coordinates the full ingest cycle: fold metric
// events, recompute scores, publish level crossings, and hand fired
// triggers to the automation pipeline. It owns no scoring logic of its
// own; every number comes from valueindex or risk.
package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/metricfeed"
	"github.com/nmoreau/covenant/internal/notify"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
	"github.com/nmoreau/covenant/internal/valueindex"
)

// #region engine
// Engine wires the store, the scorers, the state machine, and the
// automation pipeline into one ingest loop.
type Engine struct {
	store     *store.Store
	feed      *metricfeed.Feed
	scorer    *risk.Scorer
	machine   *contract.Machine
	pipeline  *policy.Pipeline
	publisher notify.Publisher
	valuation valueindex.ValuationParams

	now func() time.Time
}

// New assembles an engine. Pass notify.Nop{} when notifications are
// disabled.
func New(s *store.Store, scorer *risk.Scorer, m *contract.Machine, p *policy.Pipeline, pub notify.Publisher, vp valueindex.ValuationParams) *Engine {
	return &Engine{
		store:     s,
		feed:      metricfeed.NewFeed(s),
		scorer:    scorer,
		machine:   m,
		pipeline:  p,
		publisher: pub,
		valuation: vp,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// #endregion engine

// #region report
// TriggerOutcome records what one fired policy did during a cycle.
type TriggerOutcome struct {
	PolicyID string
	EntityID string
	Result   policy.ExecutionResult
}

// Report summarizes one ingest cycle.
type Report struct {
	Applied metricfeed.Applied
	Scored  []risk.Assessment
	Fired   []TriggerOutcome
}

// #endregion report

// #region ingest
// IngestMetrics runs one full cycle: fold the events, rescore every
// touched entity, then evaluate automation triggers against the fresh
// risk levels.
func (e *Engine) IngestMetrics(events []store.MetricEvent) (Report, error) {
	applied, err := e.feed.Apply(events)
	if err != nil {
		return Report{}, fmt.Errorf("apply metrics: %w", err)
	}
	report := Report{Applied: applied}

	for _, id := range applied.Entities {
		ent, assessment, err := e.Rescore(id)
		if err != nil {
			return report, fmt.Errorf("rescore %s: %w", id, err)
		}
		report.Scored = append(report.Scored, assessment)

		fired, err := e.EvaluateTriggers(ent, assessment)
		if err != nil {
			return report, err
		}
		report.Fired = append(report.Fired, fired...)
	}

	log.Printf("[ENGINE] cycle: %d events, %d entities scored, %d triggers fired",
		len(events), len(report.Scored), len(report.Fired))
	return report, nil
}

// #endregion ingest

// #region rescore
// Rescore recomputes satisfaction, value index, and risk for one
// entity from its stored inputs and delta history, persists the
// scores, and publishes a risk event when the level crosses a bucket
// boundary.
func (e *Engine) Rescore(id string) (store.Entity, risk.Assessment, error) {
	ent, err := e.store.GetEntity(id)
	if err != nil {
		return store.Entity{}, risk.Assessment{}, err
	}
	deltas, err := e.store.ListDeltas(id)
	if err != nil {
		return store.Entity{}, risk.Assessment{}, err
	}

	ent.Satisfaction = valueindex.ComputeSatisfaction(ent.Factors)
	result := valueindex.ComputeValueIndex(ent.Mint, ent.Tax, ent.Satisfaction, ent.PeriodsElapsed)
	assessment := e.scorer.Score(id, deltas, ent.Satisfaction, e.now())

	previousLevel := ent.RiskLevel
	if err := e.store.SaveInputs(ent); err != nil {
		return store.Entity{}, risk.Assessment{}, err
	}
	if err := e.store.SaveScores(id, result.VIndex, assessment.Score, assessment.Level); err != nil {
		return store.Entity{}, risk.Assessment{}, err
	}
	ent.VIndex = result.VIndex
	ent.RiskScore = assessment.Score
	ent.RiskLevel = assessment.Level

	if assessment.Level != previousLevel {
		log.Printf("[ENGINE] %s risk %s → %s (score %.2f)", id, previousLevel, assessment.Level, assessment.Score)
		notify.Emit(e.publisher, notify.RiskChangeEvent(id, assessment, e.now()))
	}
	return ent, assessment, nil
}

// #endregion rescore

// #region triggers
// EvaluateTriggers runs every active policy whose trigger fires at the
// entity's risk level and whose target is adjacent to the entity's
// current state. Evaluation stops after the first executed transition;
// the entity's state has moved, so remaining triggers are re-checked
// against fresh state on the next cycle.
func (e *Engine) EvaluateTriggers(ent store.Entity, a risk.Assessment) ([]TriggerOutcome, error) {
	active, err := e.pipeline.Active()
	if err != nil {
		return nil, fmt.Errorf("list active policies: %w", err)
	}

	var out []TriggerOutcome
	for _, pol := range active {
		if !pol.Trigger.Fires(a.Level) {
			continue
		}
		if !e.machine.Graph().Allowed(ent.State, pol.Trigger.TargetState) {
			continue
		}

		res, err := e.pipeline.Execute(pol, ent.ID, a.Score)
		if err != nil {
			log.Printf("[ENGINE] policy %s on %s: %v", pol.ID, ent.ID, err)
			continue
		}
		out = append(out, TriggerOutcome{PolicyID: pol.ID, EntityID: ent.ID, Result: res})

		if res.Executed {
			notify.Emit(e.publisher, notify.TransitionEvent(res.Entry))
			break
		}
	}
	return out, nil
}

// #endregion triggers

// #region human-approval
// ProposeTransition opens a two-phase human transition with its
// blast-radius preview.
func (e *Engine) ProposeTransition(entityID string, target contract.State) (contract.Proposal, error) {
	return e.machine.Propose(entityID, target)
}

// ApproveTransition commits a pending proposal on behalf of a named
// human approver and publishes the committed transition.
func (e *Engine) ApproveTransition(token, approver string) (contract.LogEntry, error) {
	entry, err := e.machine.Commit(token, approver, contract.OriginHuman)
	if err != nil {
		return contract.LogEntry{}, err
	}
	notify.Emit(e.publisher, notify.TransitionEvent(entry))
	return entry, nil
}

// DiscardProposal drops a pending proposal without committing.
func (e *Engine) DiscardProposal(token string) {
	e.machine.Discard(token)
}

// #endregion human-approval

// #region valuation
// ExitValuation projects the entity's current value index through the
// configured exit horizon.
func (e *Engine) ExitValuation(entityID string) (valueindex.Valuation, error) {
	ent, err := e.store.GetEntity(entityID)
	if err != nil {
		return valueindex.Valuation{}, err
	}
	return valueindex.ComputeExitValuation(ent.VIndex, e.valuation), nil
}

// #endregion valuation
