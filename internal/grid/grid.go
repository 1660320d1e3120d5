// Package grid builds the discretized candidate search space for the tuner.
// It expands per-parameter min:max:step specs into the full cartesian product
// of stepped value sequences, with a row cap enforced by random subsampling.
package grid

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// MaxDims is the maximum number of tunable parameters per instance.
const MaxDims = 4

// MaxRows caps the candidate grid size. Grids larger than this are
// subsampled so model fitting and the acquisition scan stay bounded no
// matter how finely a user slices the space.
const MaxRows = 10000

// maxGridRows bounds the materialized grid. The full product is built
// before the MaxRows subsample so standardization stats can cover it,
// which means its row count must stay allocatable and must not overflow
// while multiplying dimension sizes.
const maxGridRows = 10_000_000

// ParamSpec defines one tunable parameter: its current raw value and the
// range the tuner may vary it in. Min is inclusive, Max is exclusive.
type ParamSpec struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Step  float64 `json:"step"`
}

// Validate checks the spec invariants: positive step, min strictly below max.
func (p ParamSpec) Validate() error {
	if p.Step <= 0 {
		return fmt.Errorf("param %q: step must be positive, got %g", p.Name, p.Step)
	}
	if p.Min >= p.Max {
		return fmt.Errorf("param %q: min must be less than max, got [%g, %g)", p.Name, p.Min, p.Max)
	}
	return nil
}

// ParseSpec parses a "min:max:step" string into a ParamSpec.
// Returns an error if the format is invalid or values cannot be parsed.
func ParseSpec(name, s string) (ParamSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ParamSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return ParamSpec{}, fmt.Errorf("invalid min value %q: %w", parts[0], err)
	}

	max, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return ParamSpec{}, fmt.Errorf("invalid max value %q: %w", parts[1], err)
	}

	step, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return ParamSpec{}, fmt.Errorf("invalid step value %q: %w", parts[2], err)
	}

	spec := ParamSpec{Name: name, Min: min, Max: max, Step: step}
	if err := spec.Validate(); err != nil {
		return ParamSpec{}, err
	}
	return spec, nil
}

// Sequence generates the stepped value sequence for one parameter: Min
// inclusive, Max exclusive, Step spacing. The range is not divided evenly,
// so the last point may sit closer than Step to Max.
func Sequence(spec ParamSpec) []float64 {
	if spec.Step <= 0 || spec.Min >= spec.Max {
		return nil
	}
	// Enforce the row ceiling before converting to int: a huge or
	// non-finite count would otherwise corrupt the slice allocation.
	count := (spec.Max - spec.Min) / spec.Step
	if !(count >= 0) || count > maxGridRows {
		return nil
	}
	out := make([]float64, 0, int(count)+1)
	for i := 0; ; i++ {
		v := spec.Min + float64(i)*spec.Step
		if v >= spec.Max {
			break
		}
		out = append(out, v)
	}
	return out
}

// Build expands the specs into the full cartesian product of their value
// sequences. Supports 1 to MaxDims dimensions; each returned row has one
// column per spec, in spec order.
func Build(specs []ParamSpec) ([][]float64, error) {
	if len(specs) == 0 || len(specs) > MaxDims {
		return nil, fmt.Errorf("expected 1 to %d parameter specs, got %d", MaxDims, len(specs))
	}

	values := make([][]float64, len(specs))
	total := 1
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if count := (spec.Max - spec.Min) / spec.Step; count > maxGridRows {
			return nil, fmt.Errorf("param %q: range [%g, %g) step %g exceeds %d candidates; coarsen the step", spec.Name, spec.Min, spec.Max, spec.Step, maxGridRows)
		}
		seq := Sequence(spec)
		if len(seq) == 0 {
			return nil, fmt.Errorf("param %q: range [%g, %g) step %g yields no candidates", spec.Name, spec.Min, spec.Max, spec.Step)
		}
		values[i] = seq
		// Guard the product before multiplying so total cannot overflow.
		if total > maxGridRows/len(seq) {
			return nil, fmt.Errorf("candidate grid exceeds %d rows; coarsen the steps or narrow the ranges", maxGridRows)
		}
		total *= len(seq)
	}

	rows := make([][]float64, total)
	for i := range rows {
		rows[i] = make([]float64, len(specs))
	}

	repeat := 1
	for dim := len(specs) - 1; dim >= 0; dim-- {
		dimValues := values[dim]
		cycle := len(dimValues)
		for i := 0; i < total; i++ {
			rows[i][dim] = dimValues[(i/repeat)%cycle]
		}
		repeat *= cycle
	}

	return rows, nil
}

// Subsample returns at most n rows drawn uniformly without replacement.
// When the grid already fits it is returned unchanged. The caller supplies
// the rng so repeated calls at the same iteration reproduce the same draw.
func Subsample(rows [][]float64, n int, rng *rand.Rand) [][]float64 {
	if len(rows) <= n {
		return rows
	}
	perm := rng.Perm(len(rows))
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = rows[perm[i]]
	}
	return out
}
