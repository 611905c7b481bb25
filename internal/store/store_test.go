package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nmoreau/covenant/internal/audit"
	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/valueindex"
)

func tempStore(t *testing.T) (*Store, *audit.Log) {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log, err := audit.NewLog(s.DB())
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return s, log
}

func fp(v float64) *float64 { return &v }

func TestCreateAndGetEntity(t *testing.T) {
	s, _ := tempStore(t)

	meta, err := structpb.NewStruct(map[string]interface{}{
		"segment": "enterprise",
		"seats":   42.0,
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	created, err := s.CreateEntity(Entity{
		Name:           "Acme Corp",
		SharedResource: "platform-x",
		Mint:           1_000_000,
		Tax:            300_000,
		PeriodsElapsed: 6,
		Factors:        valueindex.Factors{NPSScore: fp(8)},
		Metadata:       meta,
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated ID")
	}
	if created.State != contract.StateIntake {
		t.Fatalf("state = %s, want intake default", created.State)
	}

	got, err := s.GetEntity(created.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Name != "Acme Corp" || got.SharedResource != "platform-x" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Satisfaction != 0.5 {
		t.Fatalf("satisfaction = %.2f, want onboarding default 0.5", got.Satisfaction)
	}
	if got.Factors.NPSScore == nil || *got.Factors.NPSScore != 8 {
		t.Fatalf("nps factor lost: %+v", got.Factors)
	}
	if got.Factors.RetentionRate != nil {
		t.Fatal("absent factor should stay nil, not zero-filled")
	}
	if got.Metadata == nil || got.Metadata.Fields["segment"].GetStringValue() != "enterprise" {
		t.Fatalf("metadata lost: %v", got.Metadata)
	}
	if got.MetaVersion != 1 {
		t.Fatalf("meta version = %d, want 1", got.MetaVersion)
	}
}

func TestSaveInputsAndScores(t *testing.T) {
	s, _ := tempStore(t)
	e, _ := s.CreateEntity(Entity{Name: "ent"})

	e.Mint = 500_000
	e.Tax = 100_000
	e.PeriodsElapsed = 3
	e.Factors.RetentionRate = fp(90)
	e.Satisfaction = 0.9
	if err := s.SaveInputs(e); err != nil {
		t.Fatalf("SaveInputs: %v", err)
	}
	if err := s.SaveScores(e.ID, 925_000, 12.5, risk.LevelMedium); err != nil {
		t.Fatalf("SaveScores: %v", err)
	}

	got, _ := s.GetEntity(e.ID)
	if got.Mint != 500_000 || got.Satisfaction != 0.9 {
		t.Fatalf("inputs not saved: %+v", got)
	}
	if got.VIndex != 925_000 || got.RiskLevel != risk.LevelMedium {
		t.Fatalf("scores not saved: %+v", got)
	}
}

func TestCommitTransitionAtomicWithLog(t *testing.T) {
	s, log := tempStore(t)
	e, _ := s.CreateEntity(Entity{Name: "ent"})

	entry := contract.LogEntry{
		ID:        "entry-1",
		EntityID:  e.ID,
		FromState: contract.StateIntake,
		ToState:   contract.StateEngaged,
		Approver:  "alice",
		Origin:    contract.OriginHuman,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CommitTransition(e.ID, contract.StateIntake, contract.StateEngaged, entry); err != nil {
		t.Fatalf("CommitTransition: %v", err)
	}

	got, _ := s.GetEntity(e.ID)
	if got.State != contract.StateEngaged {
		t.Fatalf("state = %s, want engaged", got.State)
	}
	n, err := log.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("log count = %d, want 1", n)
	}
}

func TestCommitTransitionDetectsMovedState(t *testing.T) {
	s, log := tempStore(t)
	e, _ := s.CreateEntity(Entity{Name: "ent"})

	entry := contract.LogEntry{ID: "entry-1", EntityID: e.ID, CreatedAt: time.Now().UTC()}
	err := s.CommitTransition(e.ID, contract.StateEngaged, contract.StateActive, entry)
	if !errors.Is(err, contract.ErrStateMoved) {
		t.Fatalf("expected ErrStateMoved, got %v", err)
	}

	got, _ := s.GetEntity(e.ID)
	if got.State != contract.StateIntake {
		t.Fatalf("failed commit mutated state to %s", got.State)
	}
	if n, _ := log.Count(); n != 0 {
		t.Fatalf("failed commit logged %d entries", n)
	}
}

func TestLinkedRefsUnionsResourceAndEdges(t *testing.T) {
	s, _ := tempStore(t)
	a, _ := s.CreateEntity(Entity{Name: "a", SharedResource: "res"})
	b, _ := s.CreateEntity(Entity{Name: "b", SharedResource: "res"})
	c, _ := s.CreateEntity(Entity{Name: "c", SharedResource: "other"})
	d, _ := s.CreateEntity(Entity{Name: "d"})

	// b is linked twice: shared resource and an explicit edge.
	if err := s.AddLinkage(a.ID, b.ID, "dependency", 0.8); err != nil {
		t.Fatalf("AddLinkage: %v", err)
	}
	if err := s.AddLinkage(a.ID, c.ID, "dependency", 0.5); err != nil {
		t.Fatalf("AddLinkage: %v", err)
	}

	refs, err := s.LinkedRefs("res", a.ID)
	if err != nil {
		t.Fatalf("LinkedRefs: %v", err)
	}
	ids := make(map[string]bool)
	for _, r := range refs {
		ids[r.ID] = true
	}
	if len(refs) != 2 || !ids[b.ID] || !ids[c.ID] {
		t.Fatalf("linked refs = %v, want {b, c} deduplicated", ids)
	}
	if ids[d.ID] {
		t.Fatal("unlinked entity included")
	}
}

func TestIncrementLinkageCapsAtOne(t *testing.T) {
	s, _ := tempStore(t)
	a, _ := s.CreateEntity(Entity{Name: "a"})
	b, _ := s.CreateEntity(Entity{Name: "b"})

	for i := 0; i < 5; i++ {
		if err := s.IncrementLinkage(a.ID, b.ID, "dependency", 0.3); err != nil {
			t.Fatalf("IncrementLinkage: %v", err)
		}
	}

	edges, err := s.Neighbors(a.ID, 0)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	if edges[0].Weight > 1.0 {
		t.Fatalf("weight = %.2f, want capped at 1.0", edges[0].Weight)
	}
}

func TestDeltaHistoryRoundTrip(t *testing.T) {
	s, _ := tempStore(t)
	e, _ := s.CreateEntity(Entity{Name: "ent"})

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, dm := range []float64{-10, 25, -40} {
		d := risk.PerformanceDelta{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Category:  risk.CategoryRevenue,
			DeltaM:    dm,
		}
		if err := s.AppendDelta(e.ID, d); err != nil {
			t.Fatalf("AppendDelta: %v", err)
		}
	}

	got, err := s.ListDeltas(e.ID)
	if err != nil {
		t.Fatalf("ListDeltas: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("deltas = %d, want 3", len(got))
	}
	if got[0].DeltaM != -10 || got[2].DeltaM != -40 {
		t.Fatalf("delta order wrong: %+v", got)
	}
	if !got[1].Timestamp.After(got[0].Timestamp) {
		t.Fatal("deltas not in time order")
	}
}

func TestMetricEventsRetainedInOrder(t *testing.T) {
	s, _ := tempStore(t)
	e, _ := s.CreateEntity(Entity{Name: "ent"})

	now := time.Now().UTC()
	for i, name := range []string{"mint", "tax", "nps_score"} {
		ev := MetricEvent{EntityID: e.ID, MetricName: name, Value: float64(i), Timestamp: now}
		if err := s.AppendMetricEvent(ev); err != nil {
			t.Fatalf("AppendMetricEvent: %v", err)
		}
	}

	events, err := s.ListMetricEvents()
	if err != nil {
		t.Fatalf("ListMetricEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	if events[0].MetricName != "mint" || events[2].MetricName != "nps_score" {
		t.Fatalf("arrival order lost: %+v", events)
	}
}
