// Package gp implements the Gaussian-Process surrogate model and the
// Expected Improvement acquisition function used to pick the next
// candidate point from a standardized search space.
package gp

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// defaultConstant is the initial value of the multiplicative kernel
// constant before any hyperparameter search has run.
const defaultConstant = 0.1

// restarts is the number of random starts for the kernel hyperparameter
// search, run in addition to the start at the configured kernel.
const restarts = 5

// Kernel is a constant times radial-basis-function covariance:
//
//	k(a, b) = Constant * exp(-||a-b||^2 / (2 * Length^2))
type Kernel struct {
	Constant float64
	Length   float64
}

func (k Kernel) eval(a, b []float64) float64 {
	var sq float64
	for i := range a {
		d := a[i] - b[i]
		sq += d * d
	}
	return k.Constant * math.Exp(-sq/(2*k.Length*k.Length))
}

// Config controls a Regressor fit.
type Config struct {
	// LengthScale is the RBF length scale. Must be positive.
	LengthScale float64
	// Alpha is the noise term added to the kernel diagonal. Must be >= 0.
	Alpha float64
	// OptimizeHypers enables the marginal-likelihood hyperparameter
	// search. With few observations the search is unstable, so callers
	// keep it off until enough data exists.
	OptimizeHypers bool
	// Rand drives the hyperparameter restart starting points. Required
	// when OptimizeHypers is set.
	Rand *rand.Rand
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	if c.LengthScale <= 0 {
		return fmt.Errorf("length scale must be positive, got %g", c.LengthScale)
	}
	if c.Alpha < 0 {
		return fmt.Errorf("alpha must be non-negative, got %g", c.Alpha)
	}
	if c.OptimizeHypers && c.Rand == nil {
		return errors.New("hyperparameter optimisation requires a random source")
	}
	return nil
}

// Regressor is a Gaussian-Process regressor over standardized inputs.
// The targets are normalized to zero mean and unit variance internally
// for fitting stability; predictions are de-normalized on the way out.
type Regressor struct {
	cfg    Config
	kernel Kernel

	x     [][]float64
	yMean float64
	yStd  float64

	chol  mat.Cholesky
	coeff *mat.VecDense
}

// Fit trains the regressor on the observations (x, y). len(x) must equal
// len(y) and be at least 1; all rows must share one dimensionality.
func Fit(x [][]float64, y []float64, cfg Config) (*Regressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(x) == 0 || len(x) != len(y) {
		return nil, fmt.Errorf("need matching non-empty observations, got %d x and %d y", len(x), len(y))
	}

	r := &Regressor{
		cfg:    cfg,
		kernel: Kernel{Constant: defaultConstant, Length: cfg.LengthScale},
		x:      x,
	}

	// Normalize the targets. A constant y column gets unit scale so the
	// normalization stays invertible.
	r.yMean, r.yStd = meanStd(y)
	if r.yStd == 0 {
		r.yStd = 1
	}
	yn := make([]float64, len(y))
	for i, v := range y {
		yn[i] = (v - r.yMean) / r.yStd
	}

	if cfg.OptimizeHypers {
		r.kernel = r.searchHypers(yn)
	}

	if err := r.factorize(r.kernel, yn); err != nil {
		return nil, err
	}
	return r, nil
}

// factorize builds and factorizes the training covariance for the given
// kernel, storing the Cholesky factor and the weight vector K^-1 y.
func (r *Regressor) factorize(k Kernel, yn []float64) error {
	n := len(r.x)
	cov := buildCovariance(r.x, k, r.cfg.Alpha)

	// A PSD failure usually means the noise term is too small for the
	// conditioning of the kernel matrix; retry with growing jitter
	// before giving up.
	jitter := 0.0
	for attempt := 0; ; attempt++ {
		if jitter > 0 {
			for i := 0; i < n; i++ {
				cov.SetSym(i, i, cov.At(i, i)+jitter)
			}
		}
		if r.chol.Factorize(cov) {
			break
		}
		if attempt >= 3 {
			return errors.New("covariance matrix is not positive definite; increase alpha")
		}
		if jitter == 0 {
			jitter = 1e-10
		} else {
			jitter *= 100
		}
	}

	r.coeff = mat.NewVecDense(n, nil)
	if err := r.chol.SolveVecTo(r.coeff, mat.NewVecDense(n, yn)); err != nil {
		return fmt.Errorf("solving for kernel weights: %w", err)
	}
	return nil
}

// Predict returns the posterior mean and standard deviation at each query
// point, in the units of the original targets.
func (r *Regressor) Predict(points [][]float64) (mu, sigma []float64) {
	n := len(r.x)
	mu = make([]float64, len(points))
	sigma = make([]float64, len(points))

	kstar := mat.NewVecDense(n, nil)
	v := mat.NewVecDense(n, nil)

	for i, p := range points {
		for j := 0; j < n; j++ {
			kstar.SetVec(j, r.kernel.eval(p, r.x[j]))
		}
		m := mat.Dot(kstar, r.coeff)

		// Posterior variance: k(p,p) - k*' K^-1 k*.
		if err := r.chol.SolveVecTo(v, kstar); err != nil {
			// The factorization succeeded at fit time, so a solve
			// failure here means the query produced non-finite
			// kernel values; report maximal uncertainty.
			mu[i] = r.yMean
			sigma[i] = math.Sqrt(r.kernel.Constant) * r.yStd
			continue
		}
		variance := r.kernel.eval(p, p) - mat.Dot(kstar, v)
		if variance < 0 {
			variance = 0
		}

		mu[i] = m*r.yStd + r.yMean
		sigma[i] = math.Sqrt(variance) * r.yStd
	}
	return mu, sigma
}

// Kernel returns the kernel in effect after fitting (post hyperparameter
// search when enabled).
func (r *Regressor) Kernel() Kernel {
	return r.kernel
}

// searchHypers maximizes the log marginal likelihood over the kernel
// constant and length scale in log space, using Nelder-Mead from the
// initial kernel plus random restarts. The incoming kernel is kept when
// every search attempt fails.
func (r *Regressor) searchHypers(yn []float64) Kernel {
	objective := func(theta []float64) float64 {
		k := Kernel{Constant: math.Exp(theta[0]), Length: math.Exp(theta[1])}
		lml, err := logMarginalLikelihood(r.x, yn, k, r.cfg.Alpha)
		if err != nil {
			return math.Inf(1)
		}
		return -lml
	}
	problem := optimize.Problem{Func: objective}

	best := r.kernel
	bestScore := objective([]float64{math.Log(best.Constant), math.Log(best.Length)})

	// The configured kernel seeds the first minimization; the random
	// restarts run on top of it, not instead of it.
	starts := [][]float64{
		{math.Log(r.kernel.Constant), math.Log(r.kernel.Length)},
	}
	for i := 0; i < restarts; i++ {
		// Log-uniform restarts over [1e-3, 1e3].
		starts = append(starts, []float64{
			(r.cfg.Rand.Float64()*2 - 1) * 3 * math.Ln10,
			(r.cfg.Rand.Float64()*2 - 1) * 3 * math.Ln10,
		})
	}

	for _, start := range starts {
		result, err := optimize.Minimize(problem, start, nil, &optimize.NelderMead{})
		if err != nil || result == nil {
			continue
		}
		if result.F < bestScore {
			bestScore = result.F
			best = Kernel{Constant: math.Exp(result.X[0]), Length: math.Exp(result.X[1])}
		}
	}
	return best
}

// logMarginalLikelihood computes the GP log marginal likelihood of the
// normalized targets under the given kernel and noise.
func logMarginalLikelihood(x [][]float64, yn []float64, k Kernel, alpha float64) (float64, error) {
	if k.Length <= 0 || k.Constant <= 0 || math.IsInf(k.Constant, 0) || math.IsInf(k.Length, 0) {
		return 0, errors.New("kernel out of range")
	}
	n := len(x)
	cov := buildCovariance(x, k, alpha)

	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return 0, errors.New("not positive definite")
	}
	coeff := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(coeff, mat.NewVecDense(n, yn)); err != nil {
		return 0, err
	}

	fit := mat.Dot(mat.NewVecDense(n, yn), coeff)
	return -0.5*fit - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi), nil
}

// buildCovariance assembles the symmetric training covariance K + alpha*I.
func buildCovariance(x [][]float64, k Kernel, alpha float64) *mat.SymDense {
	n := len(x)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := k.eval(x[i], x[j])
			if i == j {
				v += alpha
			}
			cov.SetSym(i, j, v)
		}
	}
	return cov
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))
	for _, v := range xs {
		d := v - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}
