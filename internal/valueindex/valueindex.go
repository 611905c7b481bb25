// Package valueindex implements the composite value scoring engine.
// Every function here is pure and deterministic: identical inputs yield
// identical outputs, so results are safely memoizable by input tuple.
package valueindex

import "math"

// #region weights
// Fixed factor weights for satisfaction aggregation. The normalization
// base is the sum of weights of the factors actually supplied.
const (
	weightNPS         = 0.25
	weightRetention   = 0.25
	weightEngagement  = 0.20
	weightPunctuality = 0.15
	weightSentiment   = 0.15
)

// neutralSatisfaction is returned when no factor is supplied.
const neutralSatisfaction = 0.5

// #endregion weights

// #region value-index
// ComputeValueIndex computes V = (M - T) * (1+s)^t, rounded to the
// nearest integer, plus a breakdown echo and a trajectory projection
// at t+3, t+6, and t+12.
//
// The trajectory re-bases from NetValue at the time of computation
// ("project from now") rather than continuing from the compounded V.
func ComputeValueIndex(mint, tax, satisfaction float64, periods int) Result {
	net := mint - tax
	multiplier := math.Pow(1+satisfaction, float64(periods))

	trajectory := make(map[int]float64, 3)
	for _, ahead := range []int{3, 6, 12} {
		trajectory[periods+ahead] = net * math.Pow(1+satisfaction, float64(ahead))
	}

	return Result{
		NetValue:   net,
		Multiplier: multiplier,
		VIndex:     math.Round(net * multiplier),
		Trajectory: trajectory,
	}
}

// #endregion value-index

// #region satisfaction
// ComputeSatisfaction aggregates up to five optional factors into a
// [0,1] scalar. Missing factors are excluded from the weighted average;
// no factors at all yields the neutral 0.5.
func ComputeSatisfaction(f Factors) float64 {
	if f.Empty() {
		return neutralSatisfaction
	}

	var sum, base float64
	if f.NPSScore != nil {
		sum += (*f.NPSScore / 10) * weightNPS
		base += weightNPS
	}
	if f.RetentionRate != nil {
		sum += (*f.RetentionRate / 100) * weightRetention
		base += weightRetention
	}
	if f.EngagementRate != nil {
		sum += (*f.EngagementRate / 100) * weightEngagement
		base += weightEngagement
	}
	if f.PaymentPunctuality != nil {
		sum += (*f.PaymentPunctuality / 100) * weightPunctuality
		base += weightPunctuality
	}
	if f.FeedbackSentiment != nil {
		sum += ((*f.FeedbackSentiment + 1) / 2) * weightSentiment
		base += weightSentiment
	}

	return clamp01(sum / base)
}

// #endregion satisfaction

// #region growth-rate
// ComputeGrowthRate derives total, per-period, and annualized growth
// from a previous→current pair over the given number of periods.
// A zero previous value or non-positive period count is a DomainError.
func ComputeGrowthRate(previous, current float64, periods int) (GrowthRate, error) {
	if previous == 0 {
		return GrowthRate{}, &DomainError{Op: "growth_rate", Reason: "previous value is zero"}
	}
	if periods <= 0 {
		return GrowthRate{}, &DomainError{Op: "growth_rate", Reason: "periods must be positive"}
	}

	total := (current - previous) / previous
	monthly := math.Pow(current/previous, 1/float64(periods)) - 1
	annualized := math.Pow(1+monthly, 12) - 1

	return GrowthRate{Total: total, Monthly: monthly, Annualized: annualized}, nil
}

// #endregion growth-rate

// #region exit-valuation
// ComputeExitValuation projects a present value from the current
// v-index: current = V * multiple, exit = current * growth^years,
// presentValue = exit / (1+discount)^years.
func ComputeExitValuation(vIndex float64, p ValuationParams) Valuation {
	current := vIndex * p.ExitMultiple
	exit := current * math.Pow(p.NominalGrowth, float64(p.HorizonYears))
	present := exit / math.Pow(1+p.DiscountRate, float64(p.HorizonYears))

	return Valuation{Current: current, Exit: exit, PresentValue: present}
}

// #endregion exit-valuation

// #region consolidate
// ConsolidateRegions converts each region's value into the common unit,
// sums them, and applies a synergy bonus derived from the mean synergy
// factor across regions (absent factors count as 1).
func ConsolidateRegions(regions []Region) Consolidation {
	perRegion := make(map[string]float64, len(regions))
	if len(regions) == 0 {
		return Consolidation{PerRegion: perRegion}
	}

	var total, synergySum float64
	for _, r := range regions {
		converted := r.Value * r.ExchangeRate
		perRegion[r.Name] = converted
		total += converted
		if r.SynergyFactor != nil {
			synergySum += *r.SynergyFactor
		} else {
			synergySum++
		}
	}

	avgSynergy := synergySum / float64(len(regions))
	bonus := total * (avgSynergy - 1)

	return Consolidation{Total: total + bonus, PerRegion: perRegion, Bonus: bonus}
}

// #endregion consolidate

// #region helpers
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
