// Command tune runs one round of the pipeline parameter optimiser. Each
// invocation records the current round's evaluation and either prints
// the next parameter vector to apply or reports that tuning is finished.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pipetune/pipetune/internal/config"
	"github.com/pipetune/pipetune/internal/grid"
	"github.com/pipetune/pipetune/internal/history"
	"github.com/pipetune/pipetune/internal/objective"
	"github.com/pipetune/pipetune/internal/report"
	"github.com/pipetune/pipetune/internal/tuner"
	"github.com/pipetune/pipetune/internal/version"
)

const dbFile = "tuner.db"

// paramFlags collects repeated -param flags of the form name=min:max:step.
type paramFlags []grid.ParamSpec

func (p *paramFlags) String() string {
	var parts []string
	for _, spec := range *p {
		parts = append(parts, fmt.Sprintf("%s=%g:%g:%g", spec.Name, spec.Min, spec.Max, spec.Step))
	}
	return strings.Join(parts, ",")
}

func (p *paramFlags) Set(s string) error {
	name, rangeSpec, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("param %q: want name=min:max:step", s)
	}
	spec, err := grid.ParseSpec(name, rangeSpec)
	if err != nil {
		return err
	}
	*p = append(*p, spec)
	return nil
}

func main() {
	var params paramFlags
	flag.Var(&params, "param", "Tunable parameter as name=min:max:step (repeatable, 1 to 4)")

	dir := flag.String("dir", ".", "Directory holding the observation database")
	migrations := flag.String("migrations", "db/migrations", "Directory holding schema migrations")
	key := flag.String("key", "", "Tuner instance key (required)")
	current := flag.String("current", "", "Comma-separated current parameter values, in -param order")

	auto := flag.String("auto", "", "Comma-separated per-object percentage deviations from automated evaluation")
	measure := flag.String("measure", "", "Comma-separated raw object measurements, scored against -range-min/-range-max")
	rangeMin := flag.Float64("range-min", 0, "Tolerance range lower bound for -measure")
	rangeMax := flag.Float64("range-max", 0, "Tolerance range upper bound for -measure")
	manual := flag.Float64("manual", math.NaN(), "Manual evaluation percentage deviation")
	rating := flag.Int("rating", -1, "Manual quality rating, converted to a deviation against -rating-threshold")
	ratingThreshold := flag.Int("rating-threshold", 9, "Quality threshold for -rating")
	wAuto := flag.Float64("w-auto", 50, "Weight of the automated evaluation (0-100)")
	wManual := flag.Float64("w-manual", 50, "Weight of the manual evaluation (0-100)")

	maxIter := flag.Int("max-iter", 150, "Iteration budget before tuning terminates")
	lengthScale := flag.Float64("length-scale", 1.0, "RBF kernel length scale")
	alpha := flag.Float64("alpha", 0.01, "GP noise term")

	cfgPath := flag.String("config", "", "JSON tuning defaults file; explicit flags override its values")
	verdict := flag.String("verdict", "", "Record a quality verdict instead of optimising: satisfied or unsatisfied")
	reset := flag.Bool("reset", false, "Delete all history for the key and exit")
	best := flag.Bool("best", false, "Print the best observation for the key and exit")
	reportPath := flag.String("report", "", "Write an HTML convergence report to this path and exit")
	plotPath := flag.String("plot", "", "Write a PNG convergence plot to this path and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tune %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *key == "" {
		log.Fatal("-key is required")
	}

	if *cfgPath != "" {
		cfg, err := config.LoadTuningConfig(*cfgPath)
		if err != nil {
			log.Fatalf("loading tuning defaults: %v", err)
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["w-auto"] {
			*wAuto = cfg.GetWeightAuto()
		}
		if !set["w-manual"] {
			*wManual = cfg.GetWeightManual()
		}
		if !set["rating-threshold"] {
			*ratingThreshold = cfg.GetRatingThreshold()
		}
		if !set["max-iter"] {
			*maxIter = cfg.GetMaxIterations()
		}
		if !set["length-scale"] {
			*lengthScale = cfg.GetLengthScale()
		}
		if !set["alpha"] {
			*alpha = cfg.GetAlpha()
		}
	}

	store, err := history.Open(filepath.Join(*dir, dbFile), *migrations)
	if err != nil {
		log.Fatalf("opening observation store: %v", err)
	}
	defer store.Close()

	switch {
	case *reset:
		if err := store.Reset(*key); err != nil {
			log.Fatalf("resetting history: %v", err)
		}
		log.Printf("[tune] key=%s history reset", *key)
		return

	case *best:
		printBest(store, *key)
		return

	case *reportPath != "" || *plotPath != "":
		writeReports(store, *key, *reportPath, *plotPath)
		return
	}

	currentX, err := parseFloats(*current)
	if err != nil {
		log.Fatalf("parsing -current: %v", err)
	}
	if len(currentX) != len(params) {
		log.Fatalf("got %d current values for %d parameters", len(currentX), len(params))
	}
	for i := range params {
		params[i].Value = currentX[i]
	}

	t := tuner.New(store)

	if *verdict != "" {
		switch *verdict {
		case "satisfied", "unsatisfied":
		default:
			log.Fatalf("unknown verdict %q, want satisfied or unsatisfied", *verdict)
		}
		if err := t.RecordSatisfied(*key, currentX, *verdict == "satisfied"); err != nil {
			log.Fatalf("recording verdict: %v", err)
		}
		return
	}

	sample, err := buildSample(*auto, *measure, *rangeMin, *rangeMax, *manual, *rating, *ratingThreshold, *wAuto, *wManual)
	if err != nil {
		log.Fatalf("building evaluation sample: %v", err)
	}

	result, err := t.Step(tuner.Request{
		Key:           *key,
		Params:        params,
		Sample:        sample,
		MaxIterations: *maxIter,
		LengthScale:   *lengthScale,
		Alpha:         *alpha,
	})
	if err != nil {
		log.Fatalf("optimisation step failed: %v", err)
	}

	switch result.Kind {
	case tuner.Terminated:
		fmt.Printf("terminated after %d rounds\n", result.Round)
		if result.Best != nil {
			printObservation(params, result.Best)
		}
	default:
		fmt.Printf("%s round=%d y=%.4f\n", result.Kind, result.Round, result.Y)
		for i, spec := range params {
			fmt.Printf("%s=%g\n", spec.Name, result.Next[i])
		}
	}
}

// buildSample assembles the round's evaluation inputs. Deviations can be
// passed directly (-auto, -manual) or derived from raw measurements
// (-measure against a tolerance range, -rating against a threshold).
func buildSample(auto, measure string, rangeMin, rangeMax, manual float64, rating, ratingThreshold int, wAuto, wManual float64) (objective.Sample, error) {
	sample := objective.Sample{WeightAuto: wAuto, WeightManual: wManual}

	autoDevs, err := parseFloats(auto)
	if err != nil {
		return sample, fmt.Errorf("parsing -auto: %w", err)
	}
	sample.Auto = autoDevs

	if measure != "" {
		if rangeMax <= rangeMin {
			return sample, fmt.Errorf("tolerance range [%g, %g] is empty", rangeMin, rangeMax)
		}
		values, err := parseFloats(measure)
		if err != nil {
			return sample, fmt.Errorf("parsing -measure: %w", err)
		}
		sample.Auto = append(sample.Auto, objective.RangeDeviation(values, rangeMin, rangeMax))
	}

	if !math.IsNaN(manual) {
		sample.Manual = []float64{manual}
	} else if rating >= 0 {
		sample.Manual = []float64{objective.RatingDeviation(rating, ratingThreshold)}
	}

	return sample, nil
}

func printBest(store *history.Store, key string) {
	obs, err := store.Best(key)
	if err != nil {
		log.Fatalf("querying best observation: %v", err)
	}
	if obs == nil {
		fmt.Println("no history recorded")
		return
	}
	fmt.Printf("best round=%d y=%.4f x=%v\n", obs.Round, obs.Y, obs.X)
}

func printObservation(params []grid.ParamSpec, obs *history.Observation) {
	fmt.Printf("best y=%.4f from round %d\n", obs.Y, obs.Round)
	for i, spec := range params {
		if i < len(obs.X) {
			fmt.Printf("%s=%g (current %g)\n", spec.Name, obs.X[i], spec.Value)
		}
	}
}

func writeReports(store *history.Store, key, htmlPath, pngPath string) {
	hist, err := store.Load(key)
	if err != nil {
		log.Fatalf("loading history: %v", err)
	}

	if htmlPath != "" {
		best, err := store.Best(key)
		if err != nil {
			log.Fatalf("querying best observation: %v", err)
		}
		f, err := os.Create(htmlPath)
		if err != nil {
			log.Fatalf("creating report file: %v", err)
		}
		if err := report.ConvergenceHTML(f, key, hist, best); err != nil {
			f.Close()
			log.Fatalf("rendering report: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("closing report file: %v", err)
		}
		log.Printf("[tune] wrote report %s", htmlPath)
	}

	if pngPath != "" {
		if err := report.ConvergencePNG(pngPath, key, hist); err != nil {
			log.Fatalf("rendering plot: %v", err)
		}
		log.Printf("[tune] wrote plot %s", pngPath)
	}
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var out []float64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", part)
		}
		out = append(out, v)
	}
	return out, nil
}
