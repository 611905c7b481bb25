// Package metricfeed folds inbound metric events into entity records.
// The feed is an external boundary: events arrive as name/value pairs
// and the engine never originates them. Raw events are retained as-is
// so recorded history can be re-run later.
package metricfeed

import (
	"fmt"
	"log"

	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/store"
)

// #region classify
// Kind is the routing class of a metric name.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput        // mint, tax, periods_elapsed
	KindFactor       // satisfaction factor columns
	KindDelta        // signed performance change, feeds the risk scorer
)

// Classification routes one metric name. Category is set for KindDelta.
type Classification struct {
	Kind     Kind
	Category risk.Category
}

var deltaCategories = map[string]risk.Category{
	"revenue_delta":    risk.CategoryRevenue,
	"usage_delta":      risk.CategoryUsage,
	"support_delta":    risk.CategorySupport,
	"engagement_delta": risk.CategoryEngagement,
	"payment_delta":    risk.CategoryPayment,
}

// Classify maps a metric name to its routing class. Unknown names come
// back as KindUnknown; the caller decides whether to retain or drop.
func Classify(name string) Classification {
	switch name {
	case "mint", "tax", "periods_elapsed":
		return Classification{Kind: KindInput}
	case "nps_score", "retention_rate", "engagement_rate",
		"payment_punctuality", "feedback_sentiment":
		return Classification{Kind: KindFactor}
	}
	if cat, ok := deltaCategories[name]; ok {
		return Classification{Kind: KindDelta, Category: cat}
	}
	return Classification{}
}

// #endregion classify

// #region feed
// Applied summarizes one batch fold.
type Applied struct {
	Entities []string // touched entity IDs, first-seen order
	Inputs   int
	Factors  int
	Deltas   int
	Dropped  int      // events for unknown entities
	Unknown  []string // metric names retained but not folded
}

// Feed folds metric events into the store.
type Feed struct {
	store *store.Store
}

func NewFeed(s *store.Store) *Feed {
	return &Feed{store: s}
}

// Apply retains the raw events and folds them into entity inputs in
// arrival order. Events for unknown entities are dropped with a log
// line; unknown metric names are retained raw but not folded. Derived
// scores are not touched here; the caller recomputes them afterward.
func (f *Feed) Apply(events []store.MetricEvent) (Applied, error) {
	var out Applied
	touched := make(map[string]*store.Entity)
	unknownNames := make(map[string]bool)

	for _, ev := range events {
		e, ok := touched[ev.EntityID]
		if !ok {
			loaded, err := f.store.GetEntity(ev.EntityID)
			if err != nil {
				log.Printf("[FEED] drop %s for unknown entity %s", ev.MetricName, ev.EntityID)
				out.Dropped++
				continue
			}
			e = &loaded
			touched[ev.EntityID] = e
			out.Entities = append(out.Entities, ev.EntityID)
		}

		if err := f.store.AppendMetricEvent(ev); err != nil {
			return out, fmt.Errorf("retain metric event: %w", err)
		}

		c := Classify(ev.MetricName)
		switch c.Kind {
		case KindInput:
			foldInput(e, ev)
			out.Inputs++
		case KindFactor:
			foldFactor(e, ev)
			out.Factors++
		case KindDelta:
			d := risk.PerformanceDelta{
				Timestamp: ev.Timestamp,
				Category:  c.Category,
				DeltaM:    ev.Value,
			}
			if err := f.store.AppendDelta(ev.EntityID, d); err != nil {
				return out, fmt.Errorf("append delta: %w", err)
			}
			out.Deltas++
		default:
			if !unknownNames[ev.MetricName] {
				unknownNames[ev.MetricName] = true
				out.Unknown = append(out.Unknown, ev.MetricName)
				log.Printf("[FEED] unknown metric %q retained, not folded", ev.MetricName)
			}
		}
	}

	for _, id := range out.Entities {
		if err := f.store.SaveInputs(*touched[id]); err != nil {
			return out, fmt.Errorf("save inputs for %s: %w", id, err)
		}
	}
	return out, nil
}

// #endregion feed

// #region fold
func foldInput(e *store.Entity, ev store.MetricEvent) {
	switch ev.MetricName {
	case "mint":
		e.Mint = ev.Value
	case "tax":
		e.Tax = ev.Value
	case "periods_elapsed":
		e.PeriodsElapsed = int(ev.Value)
	}
}

func foldFactor(e *store.Entity, ev store.MetricEvent) {
	v := ev.Value
	switch ev.MetricName {
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

// #endregion fold
