// Package evaluate scores a trained regression model on a dataset and
// writes its predicted-vs-actual plot.
package evaluate

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-pds/training"
	"go.uber.org/zap"
)

// DefaultThreshold is the raw intensity whose log separates the high
// labels scored separately.
const DefaultThreshold = 10.0

// PlotEntry is the Entries key that holds the plot path.
const PlotEntry = "plot"

// Evaluator scores models. FS receives plots under Dir; a nil FS skips
// plotting.
type Evaluator struct {
	Threshold float64
	FS        afero.Fs
	Dir       string
	BatchSize int
	Logger    *zap.Logger
}

// Report is the outcome of one evaluation.
type Report struct {
	Tag     string
	Overall *training.RegressionMetrics
	// Above is restricted to labels above ln(Threshold); nil when no label
	// qualifies.
	Above *training.RegressionMetrics
	Plot  string
}

// Entries flattens the report into a metric map. The plot path, when
// present, is under PlotEntry.
func (r *Report) Entries() map[string]interface{} {
	entries := map[string]interface{}{
		"count":     r.Overall.Count,
		"mae":       r.Overall.MAE,
		"mse":       r.Overall.MSE,
		"rmse":      r.Overall.RMSE,
		"r2":        r.Overall.R2,
		"nmae":      r.Overall.NMAE,
		"pearson_r": r.Overall.PearsonR,
	}
	if r.Above != nil {
		entries["count_above"] = r.Above.Count
		entries["mae_above"] = r.Above.MAE
		entries["pearson_r_above"] = r.Above.PearsonR
	}
	if r.Plot != "" {
		entries[PlotEntry] = r.Plot
	}
	return entries
}

// Fields renders the report as zap fields in a stable order.
func (r *Report) Fields() []zap.Field {
	entries := r.Entries()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, 0, len(keys)+1)
	fields = append(fields, zap.String("tag", r.Tag))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, entries[k]))
	}
	return fields
}

// Evaluate predicts ds with model's regression head and scores the
// predictions against the labels.
func (e *Evaluator) Evaluate(model *training.EmbeddingModel, ds *training.Dataset, tag string) (*Report, error) {
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	predictions, err := training.NewModelInferencer(model, e.BatchSize).Predict(ds)
	if err != nil {
		return nil, errors.Wrapf(err, "predicting %s", tag)
	}

	report := &Report{Tag: tag}
	if report.Overall, err = training.CalculateRegressionMetrics(predictions, ds.Labels); err != nil {
		return nil, errors.Wrapf(err, "scoring %s", tag)
	}

	cut := math.Log(threshold)
	var abovePred, aboveTrue []float64
	for i, y := range ds.Labels {
		if y > cut {
			abovePred = append(abovePred, predictions[i])
			aboveTrue = append(aboveTrue, y)
		}
	}
	if len(aboveTrue) > 0 {
		if report.Above, err = training.CalculateRegressionMetrics(abovePred, aboveTrue); err != nil {
			return nil, errors.Wrapf(err, "scoring %s above ln(%g)", tag, threshold)
		}
	}

	if e.FS != nil {
		viz := training.NewVisualizationCollector(tag)
		viz.RecordRegressionData(predictions, ds.Labels)
		pd := viz.GenerateRegressionScatterPlot()
		pd.Metrics = map[string]float64{
			"mae":       report.Overall.MAE,
			"pearson_r": report.Overall.PearsonR,
		}

		path := filepath.Join(e.Dir, fmt.Sprintf("regression_plot_%s.png", tag))
		if err := training.RenderPNG(e.FS, path, pd); err != nil {
			return nil, errors.Wrapf(err, "plotting %s", tag)
		}
		report.Plot = path
	}

	logger.Info("evaluated", report.Fields()...)
	return report, nil
}
