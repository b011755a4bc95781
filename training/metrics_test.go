package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetricTypeString tests the string representation of MetricType
func TestMetricTypeString(t *testing.T) {
	tests := []struct {
		metric   MetricType
		expected string
	}{
		{MAE, "MAE"},
		{MSE, "MSE"},
		{RMSE, "RMSE"},
		{R2, "R2"},
		{NMAE, "NMAE"},
		{PearsonR, "PearsonR"},
		{MetricType(999), "Unknown(999)"},
	}

	for _, test := range tests {
		if result := test.metric.String(); result != test.expected {
			t.Errorf("MetricType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestCalculateRegressionMetrics(t *testing.T) {
	t.Run("PerfectPredictions", func(t *testing.T) {
		values := []float64{1.0, 2.0, 3.0, 4.0, 5.0}

		metrics, err := CalculateRegressionMetrics(values, values)
		require.NoError(t, err)

		assert.Equal(t, 5, metrics.Count)
		assert.Equal(t, 0.0, metrics.MAE)
		assert.Equal(t, 0.0, metrics.MSE)
		assert.Equal(t, 0.0, metrics.RMSE)
		assert.Equal(t, 1.0, metrics.R2)
		assert.InDelta(t, 1.0, metrics.PearsonR, 1e-12)
	})

	t.Run("KnownValues", func(t *testing.T) {
		predictions := []float64{2.5, 0.0, 2.0, 8.0}
		trueValues := []float64{3.0, -0.5, 2.0, 7.0}

		metrics, err := CalculateRegressionMetrics(predictions, trueValues)
		require.NoError(t, err)

		// Errors: [-0.5, 0.5, 0.0, 1.0]
		assert.InDelta(t, 0.5, metrics.MAE, 1e-12)
		assert.InDelta(t, 0.375, metrics.MSE, 1e-12)
		assert.InDelta(t, math.Sqrt(0.375), metrics.RMSE, 1e-12)

		// mean = 2.875, SS_tot = 29.1875, SS_res = 1.5
		assert.InDelta(t, 1-1.5/29.1875, metrics.R2, 1e-12)
		assert.InDelta(t, 0.5/7.5, metrics.NMAE, 1e-12)
		assert.Greater(t, metrics.PearsonR, 0.9)

		assert.Equal(t, metrics.RMSE, metrics.Get(RMSE))
		assert.True(t, math.IsNaN(metrics.Get(MetricType(42))))
	})

	t.Run("ConstantTarget", func(t *testing.T) {
		predictions := []float64{5.1, 4.9, 5.2, 4.8}
		trueValues := []float64{5.0, 5.0, 5.0, 5.0}

		metrics, err := CalculateRegressionMetrics(predictions, trueValues)
		require.NoError(t, err)

		assert.Equal(t, 0.0, metrics.R2)
		assert.Equal(t, 0.0, metrics.NMAE)
		assert.Equal(t, 0.0, metrics.PearsonR)
		assert.InDelta(t, 0.15, metrics.MAE, 1e-12)
	})

	t.Run("ErrorCases", func(t *testing.T) {
		_, err := CalculateRegressionMetrics([]float64{1.0}, []float64{1.0, 2.0})
		assert.Error(t, err)

		_, err = CalculateRegressionMetrics(nil, nil)
		assert.Error(t, err)
	})
}

// BenchmarkRegressionMetrics benchmarks regression metrics calculation
func BenchmarkRegressionMetrics(b *testing.B) {
	size := 10000
	predictions := make([]float64, size)
	trueValues := make([]float64, size)

	for i := 0; i < size; i++ {
		trueValues[i] = float64(i) * 0.1
		predictions[i] = trueValues[i] + float64(i%10)*0.01
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = CalculateRegressionMetrics(predictions, trueValues)
	}
}
