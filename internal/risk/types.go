package risk

import "time"

// #region category
// Category classifies the source of a performance delta.
type Category string

const (
	CategoryRevenue    Category = "revenue"
	CategoryUsage      Category = "usage"
	CategorySupport    Category = "support"
	CategoryEngagement Category = "engagement"
	CategoryPayment    Category = "payment"
)

// #endregion category

// #region performance-delta
// PerformanceDelta is one signed change observation for an entity.
// Negative DeltaM means the signal is falling.
type PerformanceDelta struct {
	Timestamp time.Time
	Category  Category
	DeltaM    float64
}

// #endregion performance-delta

// #region level
// Level is the categorical risk bucket.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// levelRank orders levels for comparisons.
var levelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// AtLeast reports whether l is the same or a more severe level than other.
func (l Level) AtLeast(other Level) bool {
	return levelRank[l] >= levelRank[other]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// #endregion level

// #region config
// Config holds the scorer parameters. All of these are deployment
// configuration, not hard-coded constants; the recency half-life and
// the bucket thresholds vary per deployment.
type Config struct {
	// Alpha is the satisfaction exponent in R = S / s^alpha.
	Alpha float64
	// SatisfactionFloor keeps the denominator away from zero as
	// satisfaction approaches 0.
	SatisfactionFloor float64
	// HalfLifeHours drives the exponential recency weight
	// w = exp(-age/halfLife); w(0)=1 and w is non-increasing in age.
	HalfLifeHours float64
	// Buckets are the ascending level thresholds: score < Medium → LOW,
	// < High → MEDIUM, < Critical → HIGH, else CRITICAL.
	Buckets Buckets
}

// Buckets holds the ascending risk-level thresholds.
type Buckets struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultConfig returns the standard scorer parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:             1.5,
		SatisfactionFloor: 0.05,
		HalfLifeHours:     7 * 24,
		Buckets:           Buckets{Medium: 10, High: 50, Critical: 200},
	}
}

// #endregion config

// #region assessment
// Assessment is the scored risk output for one entity.
type Assessment struct {
	EntityID    string
	Score       float64
	Level       Level
	WeightedSum float64 // Σ(w_i * Δm_i) before sign flip
	Denominator float64 // max(satisfaction, floor)^alpha
}

// Input pairs an entity with what the scorer needs; used by BatchScore.
type Input struct {
	EntityID     string
	Deltas       []PerformanceDelta
	Satisfaction float64
}

// #endregion assessment
