// Package report renders convergence output for a tuner instance: an
// interactive HTML chart of the objective over iterations and a static
// PNG for inclusion in run directories.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/pipetune/pipetune/internal/history"
)

// ConvergenceHTML renders a line chart of the normalized objective per
// round to w. The best observation, when present, is called out in the
// chart subtitle.
func ConvergenceHTML(w io.Writer, key string, hist []history.Observation, best *history.Observation) error {
	if len(hist) == 0 {
		return fmt.Errorf("no history recorded for key %s", key)
	}

	rounds := make([]string, len(hist))
	values := make([]opts.LineData, len(hist))
	for i, obs := range hist {
		rounds[i] = strconv.Itoa(obs.Round)
		values[i] = opts.LineData{Value: obs.Y}
	}

	subtitle := fmt.Sprintf("key=%s rounds=%d", key, len(hist))
	if best != nil {
		subtitle = fmt.Sprintf("%s best y=%.4f at round %d x=%v", subtitle, best.Y, best.Round, best.X)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Tuner Convergence", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Objective over Iterations", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Round"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Objective y"}),
	)
	line.SetXAxis(rounds)
	line.AddSeries("y", values, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	return line.Render(w)
}

// ConvergencePNG saves a static objective-over-iterations plot to path.
func ConvergencePNG(path, key string, hist []history.Observation) error {
	if len(hist) == 0 {
		return fmt.Errorf("no history recorded for key %s", key)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Objective over Iterations (%s)", key)
	p.X.Label.Text = "Round"
	p.Y.Label.Text = "Objective y"

	pts := make(plotter.XYs, len(hist))
	bestIdx := 0
	for i, obs := range hist {
		pts[i] = plotter.XY{X: float64(obs.Round), Y: obs.Y}
		if obs.Y < hist[bestIdx].Y {
			bestIdx = i
		}
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("building objective line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("y", line)
	p.Legend.Top = true

	bestPt, err := plotter.NewScatter(plotter.XYs{pts[bestIdx]})
	if err != nil {
		return fmt.Errorf("building best marker: %w", err)
	}
	bestPt.Radius = vg.Points(3)
	p.Add(bestPt)
	p.Legend.Add("best", bestPt)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving convergence plot: %w", err)
	}
	return nil
}
