package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
)

// #region fixture-types
// Fixture is the top-level JSON structure for a portable replay run:
// seed entities, recorded events, and the triggers to evaluate. It
// travels as a single file so history can be replayed away from the
// live database.
type Fixture struct {
	Description   string           `json:"description"`
	Entities      []FixtureEntity  `json:"entities"`
	Events        []FixtureEvent   `json:"events"`
	Triggers      []FixtureTrigger `json:"triggers,omitempty"`
	ExpectedFires map[string]int   `json:"expected_fires,omitempty"`
}

// FixtureEntity is the JSON-serializable replay seed. Factors are
// keyed by metric name; an absent key means the factor was never
// observed.
type FixtureEntity struct {
	ID             string             `json:"id"`
	State          string             `json:"state"`
	Mint           float64            `json:"mint"`
	Tax            float64            `json:"tax"`
	PeriodsElapsed int                `json:"periods_elapsed"`
	Factors        map[string]float64 `json:"factors,omitempty"`
}

// FixtureEvent mirrors store.MetricEvent with JSON tags.
type FixtureEvent struct {
	EntityID  string    `json:"entity_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// FixtureTrigger mirrors Trigger with JSON tags.
type FixtureTrigger struct {
	PolicyID     string `json:"policy_id"`
	MinRiskLevel string `json:"min_risk_level"`
	TargetState  string `json:"target_state"`
}

// #endregion fixture-types

// #region fixture-io
// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// SaveFixture writes a fixture as indented JSON.
func SaveFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-io

// #region fixture-conversions
// Seed converts the fixture entities into replay working copies.
func (f *Fixture) Seed() []Entity {
	out := make([]Entity, 0, len(f.Entities))
	for _, fe := range f.Entities {
		e := Entity{
			ID:             fe.ID,
			State:          contract.State(fe.State),
			Mint:           fe.Mint,
			Tax:            fe.Tax,
			PeriodsElapsed: fe.PeriodsElapsed,
		}
		for name, value := range fe.Factors {
			v := value
			switch name {
			case "nps_score":
				e.Factors.NPSScore = &v
			case "retention_rate":
				e.Factors.RetentionRate = &v
			case "engagement_rate":
				e.Factors.EngagementRate = &v
			case "payment_punctuality":
				e.Factors.PaymentPunctuality = &v
			case "feedback_sentiment":
				e.Factors.FeedbackSentiment = &v
			}
		}
		out = append(out, e)
	}
	return out
}

// EventStream converts the fixture events into the store's event type.
func (f *Fixture) EventStream() []store.MetricEvent {
	out := make([]store.MetricEvent, 0, len(f.Events))
	for _, fe := range f.Events {
		out = append(out, store.MetricEvent{
			EntityID:   fe.EntityID,
			MetricName: fe.Metric,
			Value:      fe.Value,
			Timestamp:  fe.Timestamp,
		})
	}
	return out
}

// TriggerSet converts the fixture triggers into replay triggers.
func (f *Fixture) TriggerSet() []Trigger {
	out := make([]Trigger, 0, len(f.Triggers))
	for _, ft := range f.Triggers {
		out = append(out, Trigger{
			PolicyID:     ft.PolicyID,
			MinRiskLevel: risk.Level(ft.MinRiskLevel),
			TargetState:  contract.State(ft.TargetState),
		})
	}
	return out
}

// #endregion fixture-conversions

// #region fixture-export
// Export captures the live database into a fixture: current entities
// as the seed, the retained metric events as the stream, and the
// non-killed policies as triggers.
func Export(s *store.Store, description string) (*Fixture, error) {
	entities, err := s.ListEntities()
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	events, err := s.ListMetricEvents()
	if err != nil {
		return nil, fmt.Errorf("list metric events: %w", err)
	}

	f := &Fixture{Description: description}
	for _, e := range entities {
		fe := FixtureEntity{
			ID:             e.ID,
			State:          string(e.State),
			Mint:           e.Mint,
			Tax:            e.Tax,
			PeriodsElapsed: e.PeriodsElapsed,
		}
		fe.Factors = factorMap(e)
		f.Entities = append(f.Entities, fe)
	}
	for _, ev := range events {
		f.Events = append(f.Events, FixtureEvent{
			EntityID:  ev.EntityID,
			Metric:    ev.MetricName,
			Value:     ev.Value,
			Timestamp: ev.Timestamp,
		})
	}
	return f, nil
}

func factorMap(e store.Entity) map[string]float64 {
	m := make(map[string]float64)
	if e.Factors.NPSScore != nil {
		m["nps_score"] = *e.Factors.NPSScore
	}
	if e.Factors.RetentionRate != nil {
		m["retention_rate"] = *e.Factors.RetentionRate
	}
	if e.Factors.EngagementRate != nil {
		m["engagement_rate"] = *e.Factors.EngagementRate
	}
	if e.Factors.PaymentPunctuality != nil {
		m["payment_punctuality"] = *e.Factors.PaymentPunctuality
	}
	if e.Factors.FeedbackSentiment != nil {
		m["feedback_sentiment"] = *e.Factors.FeedbackSentiment
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// #endregion fixture-export
