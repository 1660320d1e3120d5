package tuner

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/pipetune/pipetune/internal/grid"
	"github.com/pipetune/pipetune/internal/history"
	"github.com/pipetune/pipetune/internal/objective"
)

const testMigrationsDir = "../../db/migrations"

func setupTestTuner(t *testing.T) (*Tuner, *history.Store) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "tuner.db"), testMigrationsDir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func testRequest(current, y float64, maxIter int) Request {
	return Request{
		Key:           "pipeline-7/module-2",
		Params:        []grid.ParamSpec{{Name: "threshold", Value: current, Min: 1, Max: 10, Step: 1}},
		Sample:        objective.Sample{Auto: []float64{y * 100}},
		MaxIterations: maxIter,
		LengthScale:   1,
		Alpha:         0.1,
	}
}

func TestRequestValidate(t *testing.T) {
	valid := testRequest(5, 0.5, 10)

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty key", func(r *Request) { r.Key = "" }},
		{"no params", func(r *Request) { r.Params = nil }},
		{"too many params", func(r *Request) {
			p := r.Params[0]
			r.Params = []grid.ParamSpec{p, p, p, p, p}
		}},
		{"bad param step", func(r *Request) { r.Params[0].Step = 0 }},
		{"max iterations below two", func(r *Request) { r.MaxIterations = 1 }},
		{"zero length scale", func(r *Request) { r.LengthScale = 0 }},
		{"negative alpha", func(r *Request) { r.Alpha = -1 }},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request failed validation: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(5, 0.5, 10)
			tt.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestStepStateTransitions(t *testing.T) {
	tun, _ := setupTestTuner(t)
	const maxIter = 4

	rounds := []struct {
		current float64
		y       float64
		want    Kind
	}{
		{2, 0.8, RandomExplore},
		{5, 0.5, RandomExplore},
		{8, 0.9, ModelGuided},
		{3, 0.6, ModelGuided},
		{4, 0.7, Terminated},
	}
	for i, r := range rounds {
		req := testRequest(r.current, r.y, maxIter)
		res, err := tun.Step(req)
		if err != nil {
			t.Fatalf("Step() round %d error = %v", i+1, err)
		}
		if res.Kind != r.want {
			t.Fatalf("Step() round %d kind = %s, want %s", i+1, res.Kind, r.want)
		}
		if res.Round != i+1 {
			t.Errorf("Step() round %d reported round %d", i+1, res.Round)
		}
		switch r.want {
		case Terminated:
			if res.Next != nil {
				t.Errorf("terminated step proposed %v, want no new candidate", res.Next)
			}
			if res.Best == nil || res.Best.Y != 0.5 {
				t.Errorf("terminated step best = %+v, want the y=0.5 observation", res.Best)
			}
		default:
			if len(res.Next) != 1 {
				t.Fatalf("Step() round %d next = %v, want one dimension", i+1, res.Next)
			}
			if res.Next[0] < 1 || res.Next[0] > 9 {
				t.Errorf("Step() round %d proposed %g, outside the stepped range", i+1, res.Next[0])
			}
		}
		if r.want == ModelGuided && res.Trace == nil {
			t.Errorf("model-guided step round %d has no trace", i+1)
		}
	}
}

func TestStepModelGuidedNeverReproposesObserved(t *testing.T) {
	tun, store := setupTestTuner(t)

	if err := store.Append("pipeline-7/module-2", []float64{2}, 0.8); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append("pipeline-7/module-2", []float64{5}, 0.5); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// The call itself records x=8, so the model sees [2 5 8].
	res, err := tun.Step(testRequest(8, 0.9, 150))
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if res.Kind != ModelGuided {
		t.Fatalf("Step() kind = %s, want %s", res.Kind, ModelGuided)
	}
	got := res.Next[0]
	for _, seen := range []float64{2, 5, 8} {
		if got == seen {
			t.Fatalf("Step() re-proposed already observed x=%g", got)
		}
	}
	if got < 1 || got > 9 {
		t.Fatalf("Step() proposed %g, want a value in the stepped range [1, 9]", got)
	}
	// The proposal round-trips through standardization, so it must land
	// back on a grid point of the unit-step range once rounded.
	if math.Mod(got, 1) != 0 {
		t.Fatalf("Step() proposed %g, want an integer grid point", got)
	}
	if res.Trace.Candidates != 6 {
		t.Errorf("trace candidates = %d, want 9 grid points minus 3 observed", res.Trace.Candidates)
	}
	if res.Trace.EI < 0 {
		t.Errorf("trace ei = %g, want non-negative", res.Trace.EI)
	}
}

func TestStepNoObjective(t *testing.T) {
	tun, _ := setupTestTuner(t)

	req := testRequest(5, 0, 10)
	req.Sample = objective.Sample{}
	_, err := tun.Step(req)
	if !errors.Is(err, objective.ErrNoObjective) {
		t.Fatalf("Step() error = %v, want ErrNoObjective", err)
	}
}

func TestStepDimensionMismatch(t *testing.T) {
	tun, store := setupTestTuner(t)

	if err := store.Append("pipeline-7/module-2", []float64{1, 2}, 0.5); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_, err := tun.Step(testRequest(5, 0.5, 10))
	if !errors.Is(err, history.ErrDimensionMismatch) {
		t.Fatalf("Step() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestStepExhaustedCandidates(t *testing.T) {
	tun, store := setupTestTuner(t)

	req := testRequest(5, 0.5, 50)
	req.Params = []grid.ParamSpec{{Name: "threshold", Value: 5, Min: 1, Max: 3, Step: 1}}

	// The grid is {1, 2}; once both are observed no candidate remains.
	for _, x := range []float64{1, 2} {
		if err := store.Append(req.Key, []float64{x}, 0.5); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if _, err := tun.Step(req); err == nil {
		t.Fatal("Step() with exhausted candidate set should fail")
	}
}

func TestRecordSatisfied(t *testing.T) {
	tun, store := setupTestTuner(t)

	if err := tun.RecordSatisfied("key", []float64{4, 0.5}, true); err != nil {
		t.Fatalf("RecordSatisfied() error = %v", err)
	}
	if err := tun.RecordSatisfied("key", []float64{4, 0.5}, false); err != nil {
		t.Fatalf("RecordSatisfied() error = %v", err)
	}

	hist, err := store.Load("key")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("Load() returned %d rows, want 2", len(hist))
	}
	if hist[0].Y != 0 || hist[1].Y != 1 {
		t.Fatalf("recorded y = %g, %g, want 0 then 1", hist[0].Y, hist[1].Y)
	}
}

func TestBestDelegates(t *testing.T) {
	tun, store := setupTestTuner(t)

	if best, err := tun.Best("key"); err != nil || best != nil {
		t.Fatalf("Best() on empty history = %v, %v, want nil, nil", best, err)
	}
	if err := store.Append("key", []float64{3}, 0.2); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	best, err := tun.Best("key")
	if err != nil {
		t.Fatalf("Best() error = %v", err)
	}
	if best == nil || best.X[0] != 3 {
		t.Fatalf("Best() = %+v, want the single observation", best)
	}
}
