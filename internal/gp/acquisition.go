package gp

import (
	"math/rand"

	"gonum.org/v1/gonum/stat/distuv"
)

// ExpectedImprovement scores each candidate posterior (mu, sigma) against
// the incumbent minimum of the posterior mean. Candidates with zero
// predictive deviation score zero: the model is certain there and has
// nothing left to learn.
func ExpectedImprovement(muMin float64, mu, sigma []float64) []float64 {
	ei := make([]float64, len(mu))
	for i := range mu {
		if sigma[i] == 0 {
			continue
		}
		improvement := muMin - mu[i]
		z := improvement / sigma[i]
		ei[i] = improvement*distuv.UnitNormal.CDF(z) + sigma[i]*distuv.UnitNormal.Prob(z)
	}
	return ei
}

// ArgmaxTieBreak returns the index of the maximum value, choosing
// uniformly at random among indices that attain the exact maximum.
// Panics when values is empty.
func ArgmaxTieBreak(values []float64, rng *rand.Rand) int {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	var ties []int
	for i, v := range values {
		if v == max {
			ties = append(ties, i)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[rng.Intn(len(ties))]
}

// ArgminMean returns the index of the smallest posterior mean. Panics
// when mu is empty.
func ArgminMean(mu []float64) int {
	best := 0
	for i, v := range mu {
		if v < mu[best] {
			best = i
		}
	}
	return best
}
