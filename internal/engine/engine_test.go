package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nmoreau/covenant/internal/audit"
	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/notify"
	"github.com/nmoreau/covenant/internal/policy"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
	"github.com/nmoreau/covenant/internal/valueindex"
)

type capturePublisher struct {
	events []notify.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev notify.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) ofKind(kind string) []notify.Event {
	var out []notify.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type rig struct {
	store    *store.Store
	log      *audit.Log
	machine  *contract.Machine
	pipeline *policy.Pipeline
	pub      *capturePublisher
	engine   *Engine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log, err := audit.NewLog(s.DB())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	m := contract.NewMachine(contract.DefaultGraph(), s, contract.DefaultConfig())
	p, err := policy.NewPipeline(s.DB(), policy.DefaultConfig(), m)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	m.SetTriggerSink(p)

	pub := &capturePublisher{}
	e := New(s, risk.NewScorer(risk.DefaultConfig()), m, p, pub, valueindex.DefaultValuationParams())
	return &rig{store: s, log: log, machine: m, pipeline: p, pub: pub, engine: e}
}

func promotedPolicy(t *testing.T, p *policy.Pipeline, target contract.State) policy.Policy {
	t.Helper()
	pol, err := p.Create("auto-escalate", policy.Trigger{MinRiskLevel: risk.LevelHigh, TargetState: target})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var cur policy.Policy
	for i := 0; i < 50; i++ {
		cur, err = p.RecordOutcome(pol.ID, true)
		if err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	if cur.Mode != policy.ModePromoted {
		t.Fatalf("setup: mode = %s, want promoted", cur.Mode)
	}
	return cur
}

func TestIngestRecomputesScoresFromInputs(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent"})

	now := time.Now().UTC()
	report, err := r.engine.IngestMetrics([]store.MetricEvent{
		{EntityID: ent.ID, MetricName: "mint", Value: 1_000_000, Timestamp: now},
		{EntityID: ent.ID, MetricName: "tax", Value: 300_000, Timestamp: now},
		{EntityID: ent.ID, MetricName: "periods_elapsed", Value: 6, Timestamp: now},
		{EntityID: ent.ID, MetricName: "nps_score", Value: 8, Timestamp: now},
	})
	if err != nil {
		t.Fatalf("IngestMetrics: %v", err)
	}
	if len(report.Scored) != 1 {
		t.Fatalf("scored = %d entities, want 1", len(report.Scored))
	}

	got, _ := r.store.GetEntity(ent.ID)
	if got.Satisfaction != 0.8 {
		t.Fatalf("satisfaction = %v, want 0.8 from lone NPS 8/10", got.Satisfaction)
	}
	want := valueindex.ComputeValueIndex(1_000_000, 300_000, 0.8, 6)
	if got.VIndex != want.VIndex {
		t.Fatalf("v_index = %v, want %v persisted from scorer", got.VIndex, want.VIndex)
	}
	if got.RiskLevel != risk.LevelLow {
		t.Fatalf("risk level = %s with no deltas, want LOW", got.RiskLevel)
	}
}

func TestRiskCrossingPublishesRiskChange(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent"})

	now := time.Now().UTC()
	// Fresh delta of -30 at neutral satisfaction: 30 / 0.5^1.5 ≈ 84.9,
	// inside the HIGH bucket.
	_, err := r.engine.IngestMetrics([]store.MetricEvent{
		{EntityID: ent.ID, MetricName: "revenue_delta", Value: -30, Timestamp: now},
	})
	if err != nil {
		t.Fatalf("IngestMetrics: %v", err)
	}

	got, _ := r.store.GetEntity(ent.ID)
	if got.RiskLevel != risk.LevelHigh {
		t.Fatalf("risk level = %s (score %.2f), want HIGH", got.RiskLevel, got.RiskScore)
	}
	crossings := r.pub.ofKind(notify.KindRiskChange)
	if len(crossings) != 1 || crossings[0].RiskLevel != "HIGH" {
		t.Fatalf("risk change events = %+v, want one HIGH crossing", crossings)
	}
}

func TestShadowPolicyFiresWithoutCommitting(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent", State: contract.StateActive})
	pol, _ := r.pipeline.Create("escalate", policy.Trigger{
		MinRiskLevel: risk.LevelHigh,
		TargetState:  contract.StateAutoIntervention,
	})

	report, err := r.engine.IngestMetrics([]store.MetricEvent{
		{EntityID: ent.ID, MetricName: "revenue_delta", Value: -30, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("IngestMetrics: %v", err)
	}
	if len(report.Fired) != 1 || !report.Fired[0].Result.Shadowed {
		t.Fatalf("fired = %+v, want one shadowed outcome", report.Fired)
	}

	got, _ := r.store.GetEntity(ent.ID)
	if got.State != contract.StateActive {
		t.Fatalf("shadow trigger moved state to %s", got.State)
	}
	if n, _ := r.log.Count(); n != 0 {
		t.Fatalf("shadow trigger logged %d entries", n)
	}
	fires, _ := r.pipeline.ShadowFires(pol.ID, 10)
	if len(fires) != 1 {
		t.Fatalf("shadow fires = %d, want 1", len(fires))
	}
}

func TestPromotedPolicyCommitsAndNotifies(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent", State: contract.StateActive})
	promotedPolicy(t, r.pipeline, contract.StateAutoIntervention)

	report, err := r.engine.IngestMetrics([]store.MetricEvent{
		{EntityID: ent.ID, MetricName: "revenue_delta", Value: -30, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("IngestMetrics: %v", err)
	}
	if len(report.Fired) != 1 || !report.Fired[0].Result.Executed {
		t.Fatalf("fired = %+v, want one executed outcome", report.Fired)
	}

	got, _ := r.store.GetEntity(ent.ID)
	if got.State != contract.StateAutoIntervention {
		t.Fatalf("state = %s, want auto_intervention", got.State)
	}
	if n, _ := r.log.Count(); n != 1 {
		t.Fatalf("log count = %d, want 1", n)
	}
	transitions := r.pub.ofKind(notify.KindTransition)
	if len(transitions) != 1 || transitions[0].Origin != "policy" {
		t.Fatalf("transition events = %+v, want one policy-originated", transitions)
	}
}

func TestTriggerSkippedWhenTargetNotAdjacent(t *testing.T) {
	r := newRig(t)
	// Intake has no edge to auto_intervention, so the trigger must not
	// fire even at HIGH risk.
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent"})
	promotedPolicy(t, r.pipeline, contract.StateAutoIntervention)

	report, err := r.engine.IngestMetrics([]store.MetricEvent{
		{EntityID: ent.ID, MetricName: "revenue_delta", Value: -30, Timestamp: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("IngestMetrics: %v", err)
	}
	if len(report.Fired) != 0 {
		t.Fatalf("fired = %+v, want none from non-adjacent target", report.Fired)
	}
	got, _ := r.store.GetEntity(ent.ID)
	if got.State != contract.StateIntake {
		t.Fatalf("state = %s, want unchanged intake", got.State)
	}
}

func TestHumanApprovalPathPublishes(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent", State: contract.StateActive})

	prop, err := r.engine.ProposeTransition(ent.ID, contract.StateApprovalPending)
	if err != nil {
		t.Fatalf("ProposeTransition: %v", err)
	}
	entry, err := r.engine.ApproveTransition(prop.Token, "alice")
	if err != nil {
		t.Fatalf("ApproveTransition: %v", err)
	}
	if entry.Approver != "alice" || entry.Origin != contract.OriginHuman {
		t.Fatalf("entry = %+v", entry)
	}

	got, _ := r.store.GetEntity(ent.ID)
	if got.State != contract.StateApprovalPending {
		t.Fatalf("state = %s, want approval_pending", got.State)
	}
	transitions := r.pub.ofKind(notify.KindTransition)
	if len(transitions) != 1 || transitions[0].Approver != "alice" {
		t.Fatalf("transition events = %+v", transitions)
	}
}

func TestDiscardedProposalNeverCommits(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent", State: contract.StateActive})

	prop, _ := r.engine.ProposeTransition(ent.ID, contract.StateApprovalPending)
	r.engine.DiscardProposal(prop.Token)

	if _, err := r.engine.ApproveTransition(prop.Token, "alice"); err == nil {
		t.Fatal("approving a discarded proposal should fail")
	}
	got, _ := r.store.GetEntity(ent.ID)
	if got.State != contract.StateActive {
		t.Fatalf("state = %s, want unchanged active", got.State)
	}
}

func TestExitValuationUsesPersistedIndex(t *testing.T) {
	r := newRig(t)
	ent, _ := r.store.CreateEntity(store.Entity{Name: "ent"})
	if err := r.store.SaveScores(ent.ID, 1_000_000, 0, risk.LevelLow); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}

	v, err := r.engine.ExitValuation(ent.ID)
	if err != nil {
		t.Fatalf("ExitValuation: %v", err)
	}
	want := valueindex.ComputeExitValuation(1_000_000, valueindex.DefaultValuationParams())
	if v != want {
		t.Fatalf("valuation = %+v, want %+v", v, want)
	}
}
