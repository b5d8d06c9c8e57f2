package patterns

import (
	"math"
	"time"
)

// Factors are the raw usage signals behind a confidence computation. Only
// the resulting scalar is persisted.
type Factors struct {
	MatchQuality float64
	UsageCount   int
	SuccessRate  float64
	LastUsed     time.Time // zero = unknown
}

// Weighting of the four confidence factors. These are contract values;
// tests assert them exactly.
const (
	weightMatch   = 0.40
	weightUsage   = 0.30
	weightSuccess = 0.20
	weightRecency = 0.10
)

// Score combines the factors into a [0,1] confidence value:
//
//	0.40*match + 0.30*min(1, log10(usage+1)/2) + 0.20*success + 0.10*recency
func Score(f Factors, now time.Time) float64 {
	usage := math.Log10(float64(f.UsageCount)+1) / 2.0
	if usage > 1 {
		usage = 1
	}

	score := weightMatch*f.MatchQuality +
		weightUsage*usage +
		weightSuccess*f.SuccessRate +
		weightRecency*recencyScore(f.LastUsed, now)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// recencyScore is a step function of days since last use.
func recencyScore(lastUsed, now time.Time) float64 {
	if lastUsed.IsZero() {
		return 0.5
	}
	days := now.Sub(lastUsed).Hours() / 24
	switch {
	case days <= 7:
		return 1.0
	case days <= 30:
		return 0.8
	case days <= 90:
		return 0.6
	case days <= 180:
		return 0.4
	default:
		return 0.2
	}
}

// Percent surfaces a score as an integer percentage.
func Percent(score float64) int {
	return int(math.Round(score * 100))
}

// Label maps a score to its discrete confidence band.
func Label(score float64) string {
	pct := Percent(score)
	switch {
	case pct >= 90:
		return "Very High"
	case pct >= 75:
		return "High"
	case pct >= 50:
		return "Medium"
	case pct >= 30:
		return "Low"
	default:
		return "Very Low"
	}
}
