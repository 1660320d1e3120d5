// Package objective turns the per-round quality measurements into the
// single scalar objective the optimiser minimises, and computes the
// percentage deviations those measurements are made of.
package objective

import "errors"

// ErrNoObjective reports a round with no evaluation input at all. The
// optimiser cannot score a round without at least one source.
var ErrNoObjective = errors.New("no objective available: both evaluation sources are empty")

// Sample is one round of evaluation results. Auto holds per-object
// percentage deviations from an automated check. Manual holds the
// deviation derived from a human rating; it carries at most one value.
// The weights are user fractions in [0, 100] and need not sum to 100.
type Sample struct {
	Auto         []float64 `json:"auto"`
	Manual       []float64 `json:"manual"`
	WeightAuto   float64   `json:"weight_auto"`
	WeightManual float64   `json:"weight_manual"`
}

// Normalize reduces a sample to one scalar y in roughly [0, 1] where
// lower is better.
//
// With only one source present the weights are ignored. With both
// present, the manual deviation contributes once as a weighted scalar
// while the weighted auto deviations are averaged across objects. The
// asymmetry is intentional: the manual source is a single pipeline-wide
// rating while the auto source scales with the number of objects.
func Normalize(s Sample) (float64, error) {
	switch {
	case len(s.Manual) == 0 && len(s.Auto) == 0:
		return 0, ErrNoObjective
	case len(s.Manual) == 0:
		return mean(s.Auto) / 100, nil
	case len(s.Auto) == 0:
		return sum(s.Manual) / 100, nil
	}

	manual := s.WeightManual / 100 * sum(s.Manual)
	auto := s.WeightAuto / 100 * sum(s.Auto) / float64(len(s.Auto))
	return (manual + auto) / 100, nil
}

// RangeDeviation scores a set of per-object measurement values against a
// tolerance range. Values inside [min, max] contribute nothing; values
// outside contribute their percentage distance to the violated bound.
// The per-value contributions are averaged over all values, so a single
// outlier among many good objects weighs proportionally.
func RangeDeviation(values []float64, min, max float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		switch {
		case v < min:
			total += (min - v) * 100 / min
		case v > max:
			total += (v - max) * 100 / max
		}
	}
	return total / float64(len(values))
}

// RatingDeviation converts a human quality rating against its threshold
// into a percentage deviation. Ratings at or above the threshold deviate
// by zero.
func RatingDeviation(rating, threshold int) float64 {
	if rating >= threshold {
		return 0
	}
	return float64(threshold-rating) * 100 / float64(threshold)
}

func sum(xs []float64) float64 {
	var s float64
	for _, v := range xs {
		s += v
	}
	return s
}

func mean(xs []float64) float64 {
	return sum(xs) / float64(len(xs))
}
