package reputation

import "time"

// Neutral baselines for subjects with no history in the window.
const (
	baselineReliability  = 75.0
	baselineCommerce     = 50.0
	baselineHygiene      = 100.0
	baselineAttestations = 50.0
	baselineUsage        = 50.0
)

// DefaultAttestationHorizon is the linear decay horizon for attestations.
const DefaultAttestationHorizon = 90 * 24 * time.Hour

// DefaultActivityScale is the event count that saturates the usage factor.
const DefaultActivityScale = 1000.0

// ActivityStats summarize a subject's usage events over a window.
type ActivityStats struct {
	Total    int64
	Failures int64

	// Commerce counts.
	SettledOrders int64
	BadEvents     int64 // chargebacks, refunds, disputes
}

// HygieneStats summarize a subject's recent auth and rate-limit trouble.
type HygieneStats struct {
	AuthFailures    int64
	RateLimitSpikes int64
}

// reliabilityScore penalizes the error rate steeply: a 20% error rate
// already zeroes the factor. No traffic means no evidence either way.
func reliabilityScore(stats ActivityStats) float64 {
	if stats.Total == 0 {
		return baselineReliability
	}
	errorRate := float64(stats.Failures) / float64(stats.Total)
	return clamp(100-errorRate*100*5, 0, 100)
}

// commerceScore adds a volume component (5 points per settled order, capped
// at 50) to a clean-record component (50 minus 10 per chargeback, refund or
// dispute, floored at 0). A subject with no commerce history sits at the
// clean-record baseline.
func commerceScore(stats ActivityStats) float64 {
	volume := clamp(5*float64(stats.SettledOrders), 0, 50)
	clean := clamp(50-10*float64(stats.BadEvents), 0, 50)
	return volume + clean
}

// hygieneScore deducts capped penalties for auth failures and rate-limit
// spikes from a perfect 100.
func hygieneScore(stats HygieneStats) float64 {
	authPenalty := clamp(5*float64(stats.AuthFailures), 0, 30)
	spikePenalty := clamp(10*float64(stats.RateLimitSpikes), 0, 20)
	return 100 - authPenalty - spikePenalty
}

// attestationScore starts at the neutral baseline and adds up to 50 points
// from decayed attestation weights. decay = max(0, 1 - age/horizon), so an
// attestation at the horizon contributes nothing and a fresh one its full
// weight.
func attestationScore(attestations []Attestation, now time.Time, horizon time.Duration) float64 {
	if horizon <= 0 {
		horizon = DefaultAttestationHorizon
	}
	var sum float64
	for _, a := range attestations {
		if a.RevokedAt != nil {
			continue
		}
		age := now.Sub(a.CreatedAt)
		decay := clamp(1-age.Seconds()/horizon.Seconds(), 0, 1)
		sum += float64(a.Weight) * decay
	}
	if sum > 10 {
		sum = 10
	}
	return baselineAttestations + sum*5
}

// usageScore scales from the baseline toward 100 with activity volume,
// saturating at activityScale events in the window.
func usageScore(stats ActivityStats, activityScale float64) float64 {
	if activityScale <= 0 {
		activityScale = DefaultActivityScale
	}
	normalized := float64(stats.Total) / activityScale
	if normalized > 1 {
		normalized = 1
	}
	return baselineUsage + 50*normalized
}
