// Package tuner orchestrates one optimisation round per call: it
// normalizes the round's evaluation into an objective value, persists
// the observation, and either proposes the next parameter vector or
// signals that the iteration budget is exhausted.
package tuner

import (
	"fmt"
	"log"
	"math/rand"

	"github.com/pipetune/pipetune/internal/gp"
	"github.com/pipetune/pipetune/internal/grid"
	"github.com/pipetune/pipetune/internal/history"
	"github.com/pipetune/pipetune/internal/objective"
	"github.com/pipetune/pipetune/internal/standardize"
)

// randomOffset is the number of initial observations answered with a
// uniformly random candidate before the surrogate model takes over. A
// Gaussian Process fitted on fewer points produces a degenerate
// posterior.
const randomOffset = 2

// hyperOptThreshold is the observation count from which the kernel
// hyperparameter search runs during fitting. Below it the marginal
// likelihood surface is too flat to optimise reliably.
const hyperOptThreshold = 10

// seedBase offsets the per-round random seed. The seed varies with the
// observation count so each round draws a fresh subsample and tie-break
// while staying reproducible for a given history length.
const seedBase = 3 * 345

// Kind tags the outcome of a Step call.
type Kind string

const (
	// RandomExplore means the next vector was drawn uniformly from the
	// candidate set without fitting a model.
	RandomExplore Kind = "random_explore"
	// ModelGuided means the next vector maximises Expected Improvement
	// under the fitted surrogate.
	ModelGuided Kind = "model_guided"
	// Terminated means the iteration budget is spent; no new vector is
	// proposed and Best carries the recommendation.
	Terminated Kind = "terminated"
)

// Request carries everything one optimisation round needs. Params are
// supplied fresh each call, so adjusted bounds or steps between rounds
// take effect immediately.
type Request struct {
	Key           string           `json:"key"`
	Params        []grid.ParamSpec `json:"params"`
	Sample        objective.Sample `json:"sample"`
	MaxIterations int              `json:"max_iterations"`
	LengthScale   float64          `json:"length_scale"`
	Alpha         float64          `json:"alpha"`
}

// Validate checks the request invariants.
func (r Request) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("instance key must not be empty")
	}
	if len(r.Params) == 0 || len(r.Params) > grid.MaxDims {
		return fmt.Errorf("got %d parameters, want 1 to %d", len(r.Params), grid.MaxDims)
	}
	for _, p := range r.Params {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if r.MaxIterations < 2 {
		return fmt.Errorf("max iterations must be at least 2, got %d", r.MaxIterations)
	}
	if r.LengthScale <= 0 {
		return fmt.Errorf("length scale must be positive, got %g", r.LengthScale)
	}
	if r.Alpha < 0 {
		return fmt.Errorf("alpha must be non-negative, got %g", r.Alpha)
	}
	return nil
}

// Trace carries model diagnostics from a model-guided step.
type Trace struct {
	Candidates  int       `json:"candidates"`
	BestModeled float64   `json:"best_modeled"`
	EI          float64   `json:"ei"`
	Kernel      gp.Kernel `json:"kernel"`
}

// Result is the outcome of one round.
type Result struct {
	Kind  Kind                 `json:"kind"`
	Round int                  `json:"round"`
	Next  []float64            `json:"next,omitempty"`
	Best  *history.Observation `json:"best,omitempty"`
	Trace *Trace               `json:"trace,omitempty"`
	Y     float64              `json:"y"`
}

// Tuner runs the optimisation loop against a persistent observation
// store.
type Tuner struct {
	store *history.Store
}

// New creates a Tuner backed by store.
func New(store *history.Store) *Tuner {
	return &Tuner{store: store}
}

// Step executes one optimisation round. The round's parameter values and
// normalized objective are persisted before any modeling happens, so a
// crash mid-round loses no data and a retried round sees the observation
// exactly once.
func (t *Tuner) Step(req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	y, err := objective.Normalize(req.Sample)
	if err != nil {
		return nil, err
	}

	current := make([]float64, len(req.Params))
	for i, p := range req.Params {
		current[i] = p.Value
	}

	hist, err := t.store.AppendAndReload(req.Key, current, y)
	if err != nil {
		return nil, err
	}
	n := len(hist)
	log.Printf("[tune] key=%s iteration %d/%d y=%.4f", req.Key, n, req.MaxIterations, y)

	if n > req.MaxIterations {
		log.Printf("[tune] key=%s max iterations reached", req.Key)
		best, err := t.store.Best(req.Key)
		if err != nil {
			return nil, err
		}
		return &Result{Kind: Terminated, Round: n, Best: best, Y: y}, nil
	}

	rng := rand.New(rand.NewSource(int64(seedBase + n)))

	full, err := grid.Build(req.Params)
	if err != nil {
		return nil, err
	}
	// Standardization stats cover the full grid, not the subsample, so
	// the mapping is stable across rounds with identical specs.
	stats, err := standardize.Fit(full)
	if err != nil {
		return nil, err
	}
	candidates := grid.Subsample(full, grid.MaxRows, rng)

	observed := make([][]float64, n)
	for i, obs := range hist {
		observed[i] = obs.X
	}
	remaining := standardize.RemoveObserved(candidates, observed)
	if len(remaining) == 0 {
		return nil, fmt.Errorf("key %s: all %d candidates already observed; widen bounds or reset", req.Key, len(candidates))
	}

	if n <= randomOffset {
		next := standardize.Round3(remaining[rng.Intn(len(remaining))])
		log.Printf("[tune] key=%s random explore: next=%v", req.Key, next)
		return &Result{Kind: RandomExplore, Round: n, Next: next, Y: y}, nil
	}

	next, trace, err := t.modelStep(req, rng, stats, remaining, observed, hist)
	if err != nil {
		return nil, err
	}
	log.Printf("[tune] key=%s model guided: next=%v ei=%.6f candidates=%d", req.Key, next, trace.EI, trace.Candidates)
	return &Result{Kind: ModelGuided, Round: n, Next: next, Trace: trace, Y: y}, nil
}

// modelStep fits the surrogate on the standardized history and picks the
// remaining candidate with the highest Expected Improvement.
func (t *Tuner) modelStep(req Request, rng *rand.Rand, stats standardize.Stats, remaining, observed [][]float64, hist []history.Observation) ([]float64, *Trace, error) {
	active := standardize.Transform(observed, stats)
	ys := make([]float64, len(hist))
	for i, obs := range hist {
		ys[i] = obs.Y
	}

	model, err := gp.Fit(active, ys, gp.Config{
		LengthScale:    req.LengthScale,
		Alpha:          req.Alpha,
		OptimizeHypers: len(hist) >= hyperOptThreshold,
		Rand:           rng,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fitting surrogate for key %s: %w", req.Key, err)
	}

	// The incumbent comes from the model's view of the observed points,
	// not the raw data; the posterior can differ slightly from the
	// recorded values.
	muActive, _ := model.Predict(active)
	muMin := muActive[gp.ArgminMean(muActive)]

	cands := standardize.Transform(remaining, stats)
	muCand, sigmaCand := model.Predict(cands)
	ei := gp.ExpectedImprovement(muMin, muCand, sigmaCand)
	pick := gp.ArgmaxTieBreak(ei, rng)

	trace := &Trace{
		Candidates:  len(remaining),
		BestModeled: muMin,
		EI:          ei[pick],
		Kernel:      model.Kernel(),
	}
	// The chosen candidate goes back through the inverse transform so the
	// proposal reported to the operator is in raw parameter units.
	return standardize.Round3(standardize.InverseRow(cands[pick], stats)), trace, nil
}

// RecordSatisfied documents a round where optimisation was not needed:
// the current values are appended with a binary objective, zero when the
// operator accepted the result and one when they rejected it. The bad
// mark keeps an unsatisfying round visible in the history without
// triggering a parameter change.
func (t *Tuner) RecordSatisfied(key string, x []float64, satisfied bool) error {
	y := 0.0
	if !satisfied {
		y = 1.0
	}
	if err := t.store.Append(key, x, y); err != nil {
		return err
	}
	log.Printf("[tune] key=%s recorded verdict satisfied=%t", key, satisfied)
	return nil
}

// Best returns the lowest-objective observation recorded for key, nil
// when no history exists.
func (t *Tuner) Best(key string) (*history.Observation, error) {
	return t.store.Best(key)
}
