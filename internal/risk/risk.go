// Package risk implements the time-decayed risk scoring engine:
// R = max(0, -Σ(w_i * Δm_i) / max(s, ε)^α). Falling signals and low
// satisfaction jointly raise risk. Scoring is pure; the scorer carries
// configuration only.
package risk

import (
	"math"
	"sort"
	"time"
)

// #region scorer
// Scorer computes risk assessments from performance-delta history.
type Scorer struct {
	config Config
}

// NewScorer creates a scorer with the given configuration.
func NewScorer(config Config) *Scorer {
	return &Scorer{config: config}
}

// #endregion scorer

// #region score
// Score computes the risk assessment for one entity at the given
// reference time. An empty delta history is neutral: {0, LOW}.
func (s *Scorer) Score(entityID string, deltas []PerformanceDelta, satisfaction float64, now time.Time) Assessment {
	if len(deltas) == 0 {
		return Assessment{EntityID: entityID, Score: 0, Level: LevelLow}
	}

	var weightedSum float64
	for _, d := range deltas {
		weightedSum += s.recencyWeight(now.Sub(d.Timestamp)) * d.DeltaM
	}

	floored := satisfaction
	if floored < s.config.SatisfactionFloor {
		floored = s.config.SatisfactionFloor
	}
	denom := math.Pow(floored, s.config.Alpha)

	score := -weightedSum / denom
	if score < 0 {
		score = 0
	}

	return Assessment{
		EntityID:    entityID,
		Score:       score,
		Level:       s.Bucket(score),
		WeightedSum: weightedSum,
		Denominator: denom,
	}
}

// #endregion score

// #region recency-weight
// recencyWeight is exponential half-life decay over elapsed age:
// w(0)=1, monotonically non-increasing. Future-dated deltas clamp to
// age zero rather than amplifying.
func (s *Scorer) recencyWeight(age time.Duration) float64 {
	hours := age.Hours()
	if hours < 0 {
		hours = 0
	}
	if s.config.HalfLifeHours <= 0 {
		return 1
	}
	return math.Exp(-hours / s.config.HalfLifeHours)
}

// #endregion recency-weight

// #region bucket
// Bucket maps a score onto the categorical level. The mapping is
// exhaustive over [0,∞) and monotonic in score.
func (s *Scorer) Bucket(score float64) Level {
	b := s.config.Buckets
	switch {
	case score < b.Medium:
		return LevelLow
	case score < b.High:
		return LevelMedium
	case score < b.Critical:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// #endregion bucket

// #region batch
// BatchScore scores each input independently (no shared state) and
// returns assessments sorted by score descending. Ties keep input
// order.
func (s *Scorer) BatchScore(inputs []Input, now time.Time) []Assessment {
	out := make([]Assessment, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, s.Score(in.EntityID, in.Deltas, in.Satisfaction, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// #endregion batch
