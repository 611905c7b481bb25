package valueindex

import "fmt"

// #region domain-error
// DomainError reports an invalid numeric input to a scoring function.
// Inputs are never silently defaulted; the caller decides how to recover.
type DomainError struct {
	Op     string
	Reason string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// #endregion domain-error

// #region factors
// Factors carries the optional satisfaction inputs. A nil field means the
// factor was not observed and is excluded from the weighted average
// (not zero-filled).
type Factors struct {
	NPSScore           *float64 // 0-10
	RetentionRate      *float64 // 0-100
	EngagementRate     *float64 // 0-100
	PaymentPunctuality *float64 // 0-100
	FeedbackSentiment  *float64 // -1..1
}

// Empty reports whether no factor was supplied.
func (f Factors) Empty() bool {
	return f.NPSScore == nil && f.RetentionRate == nil && f.EngagementRate == nil &&
		f.PaymentPunctuality == nil && f.FeedbackSentiment == nil
}

// #endregion factors

// #region result
// Result is the full value-index breakdown for one entity.
type Result struct {
	NetValue   float64
	Multiplier float64
	VIndex     float64 // rounded to the nearest integer

	// Trajectory maps absolute period (t+3, t+6, t+12) to the projected
	// value, re-based from NetValue at computation time.
	Trajectory map[int]float64
}

// #endregion result

// #region growth-rate
// GrowthRate breaks a previous→current change into total, per-period,
// and annualized rates.
type GrowthRate struct {
	Total      float64
	Monthly    float64
	Annualized float64
}

// #endregion growth-rate

// #region valuation
// ValuationParams holds the tunable constants for exit valuation.
type ValuationParams struct {
	ExitMultiple  float64
	DiscountRate  float64
	HorizonYears  int
	NominalGrowth float64 // fixed nominal growth assumption per year
}

// DefaultValuationParams returns the standard valuation constants.
func DefaultValuationParams() ValuationParams {
	return ValuationParams{
		ExitMultiple:  3.5,
		DiscountRate:  0.15,
		HorizonYears:  3,
		NominalGrowth: 1.2,
	}
}

// Valuation is the output of ComputeExitValuation.
type Valuation struct {
	Current      float64
	Exit         float64
	PresentValue float64
}

// #endregion valuation

// #region regions
// Region is one regional contribution to a consolidated value.
type Region struct {
	Name          string
	Value         float64
	ExchangeRate  float64  // multiplier into the common unit
	SynergyFactor *float64 // nil defaults to 1 (no synergy)
}

// Consolidation is the output of ConsolidateRegions.
type Consolidation struct {
	Total     float64 // converted sum plus synergy bonus
	PerRegion map[string]float64
	Bonus     float64
}

// #endregion regions
