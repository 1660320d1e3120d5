// Package standardize rescales candidate grids to zero mean and unit
// variance per dimension, as required for stable kernel distance
// computations, and filters already-observed points out of a grid.
package standardize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrDegenerateDimension reports a candidate dimension with zero spread
// (for example a single-step range), which cannot be standardized.
var ErrDegenerateDimension = errors.New("candidate dimension has zero spread")

// quantScale converts parameter values to an integer grid for row
// comparison. The pipeline's parameter values carry at most 3 decimal
// digits of meaningful precision; values needing more will silently
// collide here. This is a deliberate precision assumption, not a general
// float-equality mechanism.
const quantScale = 1000

// Stats holds the per-dimension mean and population standard deviation of
// a candidate grid.
type Stats struct {
	Mean   []float64 `json:"mean"`
	Stddev []float64 `json:"stddev"`
}

// Fit computes Stats over all rows of the grid. The stddev is the
// population standard deviation (divide by n, not n-1), matching how the
// stats are consumed: they describe the full finite candidate set, not a
// sample from it. Dimensions with zero spread yield ErrDegenerateDimension
// rather than a divide-by-zero downstream.
func Fit(rows [][]float64) (Stats, error) {
	if len(rows) == 0 {
		return Stats{}, errors.New("cannot fit standardization stats on an empty grid")
	}
	dims := len(rows[0])
	mean := make([]float64, dims)
	for _, row := range rows {
		for d, v := range row {
			mean[d] += v
		}
	}
	n := float64(len(rows))
	for d := range mean {
		mean[d] /= n
	}

	stddev := make([]float64, dims)
	for _, row := range rows {
		for d, v := range row {
			diff := v - mean[d]
			stddev[d] += diff * diff
		}
	}
	for d := range stddev {
		stddev[d] = math.Sqrt(stddev[d] / n)
		if stddev[d] == 0 {
			return Stats{}, fmt.Errorf("dimension %d: %w", d, ErrDegenerateDimension)
		}
	}

	return Stats{Mean: mean, Stddev: stddev}, nil
}

// Transform maps rows from raw parameter space into standardized space.
// The input rows are not modified.
func Transform(rows [][]float64, stats Stats) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		s := make([]float64, len(row))
		for d, v := range row {
			s[d] = (v - stats.Mean[d]) / stats.Stddev[d]
		}
		out[i] = s
	}
	return out
}

// Inverse maps standardized rows back to raw parameter space. It is the
// exact inverse of Transform up to floating rounding.
func Inverse(rows [][]float64, stats Stats) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		s := make([]float64, len(row))
		for d, v := range row {
			s[d] = v*stats.Stddev[d] + stats.Mean[d]
		}
		out[i] = s
	}
	return out
}

// InverseRow de-standardizes a single point.
func InverseRow(row []float64, stats Stats) []float64 {
	s := make([]float64, len(row))
	for d, v := range row {
		s[d] = v*stats.Stddev[d] + stats.Mean[d]
	}
	return s
}

// RemoveObserved returns the rows of grid whose quantized form does not
// appear in observed, so the acquisition step never re-suggests a point
// already tried. Comparison happens on the integer grid described at
// quantScale because direct float equality across a round-trip through
// persistence is unreliable.
func RemoveObserved(grid, observed [][]float64) [][]float64 {
	if len(observed) == 0 {
		return grid
	}
	seen := make(map[string]bool, len(observed))
	for _, row := range observed {
		seen[quantKey(row)] = true
	}
	out := make([][]float64, 0, len(grid))
	for _, row := range grid {
		if !seen[quantKey(row)] {
			out = append(out, row)
		}
	}
	return out
}

// quantKey encodes a row as its quantized integer coordinates.
func quantKey(row []float64) string {
	buf := make([]byte, 0, len(row)*12)
	for _, v := range row {
		buf = strconv.AppendInt(buf, int64(math.Round(v*quantScale)), 10)
		buf = append(buf, '|')
	}
	return string(buf)
}

// Round3 rounds every component of a row to 3 decimal places, matching the
// precision the rest of the pipeline accepts for parameter values.
func Round3(row []float64) []float64 {
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = math.Round(v*quantScale) / quantScale
	}
	return out
}
