package training

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// MetricType represents regression evaluation metrics
type MetricType int

const (
	MAE  MetricType = iota // Mean Absolute Error
	MSE                    // Mean Squared Error
	RMSE                   // Root Mean Squared Error
	R2                     // R-squared
	NMAE                   // MAE normalised by the label range
	PearsonR
)

func (mt MetricType) String() string {
	switch mt {
	case MAE:
		return "MAE"
	case MSE:
		return "MSE"
	case RMSE:
		return "RMSE"
	case R2:
		return "R2"
	case NMAE:
		return "NMAE"
	case PearsonR:
		return "PearsonR"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// RegressionMetrics holds regression evaluation metrics
type RegressionMetrics struct {
	Count int

	MAE      float64
	MSE      float64
	RMSE     float64
	R2       float64
	NMAE     float64
	PearsonR float64
}

// Get returns a single metric.
func (m *RegressionMetrics) Get(metric MetricType) float64 {
	switch metric {
	case MAE:
		return m.MAE
	case MSE:
		return m.MSE
	case RMSE:
		return m.RMSE
	case R2:
		return m.R2
	case NMAE:
		return m.NMAE
	case PearsonR:
		return m.PearsonR
	default:
		return math.NaN()
	}
}

// CalculateRegressionMetrics compares predictions with true values. R2 and
// NMAE are 0 for constant labels, and PearsonR is 0 when either side is
// constant.
func CalculateRegressionMetrics(predictions, trueValues []float64) (*RegressionMetrics, error) {
	if len(predictions) != len(trueValues) {
		return nil, errors.Errorf("%d predictions for %d true values", len(predictions), len(trueValues))
	}
	if len(predictions) == 0 {
		return nil, errors.New("no predictions to evaluate")
	}

	meanTrue, err := stats.Mean(trueValues)
	if err != nil {
		return nil, err
	}
	minTrue, err := stats.Min(trueValues)
	if err != nil {
		return nil, err
	}
	maxTrue, err := stats.Max(trueValues)
	if err != nil {
		return nil, err
	}

	absErr := make(stats.Float64Data, len(predictions))
	sqErr := make(stats.Float64Data, len(predictions))
	sumSqTotal := 0.0
	for i := range predictions {
		d := predictions[i] - trueValues[i]
		absErr[i] = math.Abs(d)
		sqErr[i] = d * d
		sumSqTotal += (trueValues[i] - meanTrue) * (trueValues[i] - meanTrue)
	}

	m := &RegressionMetrics{Count: len(predictions)}
	if m.MAE, err = absErr.Mean(); err != nil {
		return nil, err
	}
	if m.MSE, err = sqErr.Mean(); err != nil {
		return nil, err
	}
	m.RMSE = math.Sqrt(m.MSE)

	if sumSqTotal > 0 {
		sumSqErr, _ := sqErr.Sum()
		m.R2 = 1.0 - sumSqErr/sumSqTotal
	}
	if maxTrue > minTrue {
		m.NMAE = m.MAE / (maxTrue - minTrue)
	}

	if m.PearsonR, err = stats.Pearson(predictions, trueValues); err != nil {
		return nil, err
	}
	return m, nil
}
