package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Close() error { return nil }

func TestTransitionEventCarriesLogEntry(t *testing.T) {
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := TransitionEvent(contract.LogEntry{
		EntityID:  "e1",
		FromState: contract.StateActive,
		ToState:   contract.StateAutoIntervention,
		Approver:  "policy:p1",
		Origin:    contract.OriginPolicy,
		CreatedAt: when,
	})
	if ev.Kind != KindTransition {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if ev.FromState != "active" || ev.ToState != "auto_intervention" {
		t.Fatalf("states = %s → %s", ev.FromState, ev.ToState)
	}
	if ev.Origin != "policy" || ev.Approver != "policy:p1" {
		t.Fatalf("attribution = %s / %s", ev.Origin, ev.Approver)
	}
	if !ev.OccurredAt.Equal(when) {
		t.Fatalf("occurred at = %v", ev.OccurredAt)
	}
}

func TestRiskChangeEventCarriesAssessment(t *testing.T) {
	now := time.Now().UTC()
	ev := RiskChangeEvent("e1", risk.Assessment{Score: 120, Level: risk.LevelHigh}, now)
	if ev.Kind != KindRiskChange || ev.RiskScore != 120 || ev.RiskLevel != "HIGH" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEmitDeliversToPublisher(t *testing.T) {
	rec := &recorder{}
	Emit(rec, Event{Kind: KindTransition, EntityID: "e1"})
	if len(rec.events) != 1 || rec.events[0].EntityID != "e1" {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestEmitSwallowsPublisherFailure(t *testing.T) {
	rec := &recorder{err: errors.New("notifier down")}
	// Must not panic and must not surface the error.
	Emit(rec, Event{Kind: KindRiskChange, EntityID: "e1"})
	if len(rec.events) != 0 {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestEmitToleratesNilPublisher(t *testing.T) {
	Emit(nil, Event{Kind: KindTransition})
}

func TestNopDiscards(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("Nop.Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Nop.Close: %v", err)
	}
}
