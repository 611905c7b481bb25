package store

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
	"github.com/nmoreau/covenant/internal/valueindex"
)

// #region entity
// Entity is the durable record the engine scores and transitions.
// Metadata is a typed, versioned open map rather than an ad-hoc blob:
// MetaVersion advances whenever the metadata shape changes.
type Entity struct {
	ID             string
	Name           string
	State          contract.State
	SharedResource string

	// Raw metric inputs.
	Mint           float64
	Tax            float64
	PeriodsElapsed int
	Factors        valueindex.Factors

	// Derived scores, recomputed on every metric ingest.
	Satisfaction float64
	VIndex       float64
	RiskScore    float64
	RiskLevel    risk.Level

	Metadata    *structpb.Struct
	MetaVersion int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the entity reached a deactivated state under g.
func (e Entity) Terminal(g *contract.Graph) bool {
	return g.Terminal(e.State)
}

// #endregion entity

// #region metric-event
// MetricEvent is one inbound record from the metric feed. The engine
// treats the feed as an opaque time series it does not originate; raw
// events are retained for replay.
type MetricEvent struct {
	ID         int64
	EntityID   string
	MetricName string
	Value      float64
	Timestamp  time.Time
}

// #endregion metric-event

// #region linkage-edge
// LinkageEdge is a weighted link between two entities sharing exposure,
// used by the blast-radius preview alongside shared-resource matches.
type LinkageEdge struct {
	ID        int64
	SourceID  string
	TargetID  string
	EdgeType  string
	Weight    float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// #endregion linkage-edge
