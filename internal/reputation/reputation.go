// Package reputation computes windowed trust scores for orgs and agents
// from five weighted factors, persisting every computation as an immutable
// snapshot.
package reputation

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Window is a trailing scoring window.
type Window string

// Supported scoring windows.
const (
	Window7d  Window = "7d"
	Window30d Window = "30d"
	Window90d Window = "90d"
)

// Windows lists the supported windows in ascending order.
func Windows() []Window {
	return []Window{Window7d, Window30d, Window90d}
}

// Duration returns the window length.
func (w Window) Duration() (time.Duration, error) {
	switch w {
	case Window7d:
		return 7 * 24 * time.Hour, nil
	case Window30d:
		return 30 * 24 * time.Hour, nil
	case Window90d:
		return 90 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown reputation window %q", w)
}

// Factor names.
const (
	FactorReliability  = "reliability"
	FactorCommerce     = "commerce"
	FactorHygiene      = "hygiene"
	FactorAttestations = "attestations"
	FactorUsage        = "usage"
)

// Factor weights. They sum to 1.0.
var factorWeights = map[string]float64{
	FactorReliability:  0.30,
	FactorCommerce:     0.20,
	FactorHygiene:      0.15,
	FactorAttestations: 0.20,
	FactorUsage:        0.15,
}

// Weight returns the weight for a factor name, zero for unknown names.
func Weight(factor string) float64 {
	return factorWeights[factor]
}

// FactorScore is one factor's contribution to a snapshot.
type FactorScore struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// Contribution is the factor's weighted share of the overall score.
func (f FactorScore) Contribution() float64 {
	return f.Score * f.Weight
}

// Snapshot is an immutable point-in-time score for a subject over a window.
type Snapshot struct {
	ID          string        `json:"id"`
	SubjectType string        `json:"subject_type"`
	SubjectID   string        `json:"subject_id"`
	Window      Window        `json:"window"`
	Score       int           `json:"score"`
	Breakdown   []FactorScore `json:"breakdown"`
	ComputedAt  time.Time     `json:"computed_at"`
}

// Bucketed rounds the score to the nearest 10, for external exposure.
func (s *Snapshot) Bucketed() int {
	return int(math.Round(float64(s.Score)/10) * 10)
}

// TopFactors returns the n factors with the highest weighted contribution,
// in descending order. Ties keep the breakdown's original order.
func (s *Snapshot) TopFactors(n int) []FactorScore {
	out := make([]FactorScore, len(s.Breakdown))
	copy(out, s.Breakdown)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Contribution() > out[j].Contribution()
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
