package training

import (
	"encoding/json"
	"fmt"
	"image/color"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotType represents the kinds of plots a run produces
type PlotType string

const (
	TrainingCurves    PlotType = "training_curves"
	RegressionScatter PlotType = "regression_scatter"
)

// PlotData is a renderer-independent description of a plot. It can be
// rendered to PNG or exported as JSON.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name   string      `json:"name"`
	Type   string      `json:"type"` // "line" or "scatter"
	Data   []DataPoint `json:"data"`
	Color  color.RGBA  `json:"-"`
	Dashed bool        `json:"dashed,omitempty"`
}

// DataPoint is a single (x, y) point
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`  // points
	Height     int    `json:"height"` // points
}

var (
	trainColor   = color.RGBA{R: 0xFF, G: 0x6B, B: 0x6B, A: 0xFF}
	validColor   = color.RGBA{R: 0xFF, G: 0x9F, B: 0x43, A: 0xFF}
	retrainColor = color.RGBA{R: 0x5F, G: 0x27, B: 0xCD, A: 0xFF}
	pointColor   = color.RGBA{R: 0x4E, G: 0xCD, B: 0xC4, A: 0x99}
)

// VisualizationCollector records per-epoch losses and predictions for
// plotting.
type VisualizationCollector struct {
	modelName string

	epochs         []int
	trainingLoss   []float64
	validationLoss []float64
	retrainLoss    []float64

	predictions []float64
	trueValues  []float64
}

// NewVisualizationCollector creates a new visualization collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch records the losses of one selection epoch.
func (vc *VisualizationCollector) RecordEpoch(epoch int, trainLoss, valLoss float64) {
	vc.epochs = append(vc.epochs, epoch)
	vc.trainingLoss = append(vc.trainingLoss, trainLoss)
	vc.validationLoss = append(vc.validationLoss, valLoss)
}

// RecordRetrainEpoch records the loss of one retraining epoch.
func (vc *VisualizationCollector) RecordRetrainEpoch(loss float64) {
	vc.retrainLoss = append(vc.retrainLoss, loss)
}

// RecordRegressionData records predictions against true values.
func (vc *VisualizationCollector) RecordRegressionData(predictions, trueValues []float64) {
	vc.predictions = append(vc.predictions, predictions...)
	vc.trueValues = append(vc.trueValues, trueValues...)
}

// GenerateTrainingCurvesPlot describes the training, validation and
// retraining loss curves by epoch.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	train := SeriesData{Name: "Training Loss", Type: "line", Color: trainColor}
	valid := SeriesData{Name: "Validation Loss", Type: "line", Color: validColor, Dashed: true}
	for i, epoch := range vc.epochs {
		train.Data = append(train.Data, DataPoint{X: float64(epoch), Y: vc.trainingLoss[i]})
		valid.Data = append(valid.Data, DataPoint{X: float64(epoch), Y: vc.validationLoss[i]})
	}
	series := []SeriesData{train, valid}

	if len(vc.retrainLoss) > 0 {
		retrain := SeriesData{Name: "Retrain Loss", Type: "line", Color: retrainColor}
		for i, loss := range vc.retrainLoss {
			retrain.Data = append(retrain.Data, DataPoint{X: float64(i + 1), Y: loss})
		}
		series = append(series, retrain)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     "Training and Validation Loss Over Epochs",
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      576,
			Height:     432,
		},
	}
}

// GenerateRegressionScatterPlot describes predictions against true values
// with the identity line for reference.
func (vc *VisualizationCollector) GenerateRegressionScatterPlot() PlotData {
	if len(vc.predictions) == 0 {
		return PlotData{}
	}

	points := make([]DataPoint, len(vc.predictions))
	lo, hi := vc.trueValues[0], vc.trueValues[0]
	for i := range vc.predictions {
		points[i] = DataPoint{X: vc.trueValues[i], Y: vc.predictions[i]}
		if vc.trueValues[i] < lo {
			lo = vc.trueValues[i]
		}
		if vc.trueValues[i] > hi {
			hi = vc.trueValues[i]
		}
	}

	return PlotData{
		PlotType:  RegressionScatter,
		Title:     fmt.Sprintf("Predicted vs Actual - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			{Name: "Predictions", Type: "scatter", Data: points, Color: pointColor},
			{Name: "Perfect Prediction", Type: "line", Data: []DataPoint{{lo, lo}, {hi, hi}}, Color: trainColor, Dashed: true},
		},
		Config: PlotConfig{
			XAxisLabel: "Actual",
			YAxisLabel: "Predicted",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      432,
			Height:     432,
		},
	}
}

// ToJSON converts plot data to JSON
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %v", err)
	}
	return string(data), nil
}

// Clear clears all collected data
func (vc *VisualizationCollector) Clear() {
	*vc = VisualizationCollector{modelName: vc.modelName}
}

// RenderPNG draws pd and writes it as a PNG to path on fs.
func RenderPNG(fs afero.Fs, path string, pd PlotData) error {
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "new plot")
	}
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	for _, s := range pd.Series {
		if len(s.Data) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(s.Data))
		for i, d := range s.Data {
			xys[i] = plotter.XY{X: d.X, Y: d.Y}
		}

		switch s.Type {
		case "scatter":
			sc, err := plotter.NewScatter(xys)
			if err != nil {
				return errors.Wrapf(err, "series %q", s.Name)
			}
			sc.GlyphStyle.Color = s.Color
			sc.GlyphStyle.Radius = vg.Points(2)
			p.Add(sc)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, sc)
			}
		default:
			line, err := plotter.NewLine(xys)
			if err != nil {
				return errors.Wrapf(err, "series %q", s.Name)
			}
			line.Color = s.Color
			line.Width = vg.Points(1.5)
			if s.Dashed {
				line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			}
			p.Add(line)
			if pd.Config.ShowLegend {
				p.Legend.Add(s.Name, line)
			}
		}
	}

	width, height := vg.Length(pd.Config.Width), vg.Length(pd.Config.Height)
	if width <= 0 || height <= 0 {
		width, height = 8*vg.Inch, 6*vg.Inch
	}
	w, err := p.WriterTo(width, height, "png")
	if err != nil {
		return errors.Wrap(err, "encode plot")
	}

	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
