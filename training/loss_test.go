package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-pds/tensor"
)

func lossValue(t *testing.T, loss *tensor.Tensor) float64 {
	t.Helper()
	v, err := loss.Item()
	require.NoError(t, err)
	return v
}

func TestPairError(t *testing.T) {
	t.Run("Symmetric", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 20; i++ {
			z1 := []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
			z2 := []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
			y1, y2 := rng.NormFloat64(), rng.NormFloat64()
			assert.Equal(t, PairError(z1, z2, y1, y2), PairError(z2, z1, y2, y1))
		}
	})

	t.Run("Zero when distances match", func(t *testing.T) {
		assert.Equal(t, 0.0, PairError([]float64{1, 2}, []float64{1, 2}, 3, 3))
		// ||(3,4)||² = 25 = 5²
		assert.Equal(t, 0.0, PairError([]float64{0, 0}, []float64{3, 4}, 0, 5))
	})

	t.Run("Bounded for unit vectors and unit labels", func(t *testing.T) {
		rng := rand.New(rand.NewSource(2))
		for i := 0; i < 200; i++ {
			a := []float64{rng.NormFloat64(), rng.NormFloat64()}
			b := []float64{rng.NormFloat64(), rng.NormFloat64()}
			for _, v := range [][]float64{a, b} {
				norm := math.Hypot(v[0], v[1])
				v[0], v[1] = v[0]/norm, v[1]/norm
			}
			e := PairError(a, b, rng.Float64(), rng.Float64())
			assert.GreaterOrEqual(t, e, 0.0)
			assert.LessOrEqual(t, e, 8.0)
		}
	})
}

func TestPairwiseLoss(t *testing.T) {
	origin, err := tensor.Zeros([]int{4, 2}, tensor.Float64)
	require.NoError(t, err)
	labels := []float64{0, 0, 1, 5}

	t.Run("Embeddings at the origin", func(t *testing.T) {
		// Δy over the 6 pairs: 0, 1, 5, 1, 5, 4
		expected := 0.0
		for _, dy := range []float64{0, 1, 5, 1, 5, 4} {
			expected += 0.5 * dy * dy * dy * dy
		}

		loss, err := PairwiseLoss(origin, labels, nil, ReductionNone, nil)
		require.NoError(t, err)
		assert.InDelta(t, expected/6, lossValue(t, loss), 1e-6)

		sum, err := PairwiseLoss(origin, labels, nil, ReductionSum, nil)
		require.NoError(t, err)
		assert.Equal(t, 754.0, lossValue(t, sum))
	})

	t.Run("Unit weights equal the unweighted loss", func(t *testing.T) {
		z, _ := tensor.RandomNormal([]int{5, 3}, 0, 1, tensor.Float64, rand.New(rand.NewSource(3)))
		y := []float64{0.1, 2, 0.3, 1.5, 4}
		ones := make([]float64, PairCount(5))
		for i := range ones {
			ones[i] = 1
		}

		plain, err := PairwiseLoss(z, y, nil, ReductionNone, nil)
		require.NoError(t, err)
		weighted, err := PairwiseLoss(z, y, ones, ReductionNone, nil)
		require.NoError(t, err)
		assert.Equal(t, lossValue(t, plain), lossValue(t, weighted))
	})

	t.Run("Weights scale individual pairs", func(t *testing.T) {
		// Only the (1, 2) pair keeps a weight, doubled.
		weights := []float64{0, 0, 0, 2, 0, 0}
		loss, err := PairwiseLoss(origin, labels, weights, ReductionSum, nil)
		require.NoError(t, err)
		assert.Equal(t, 2*0.5, lossValue(t, loss))
	})

	t.Run("Too few samples", func(t *testing.T) {
		one, _ := tensor.Zeros([]int{1, 2}, tensor.Float64)
		_, err := PairwiseLoss(one, []float64{1}, nil, ReductionNone, nil)
		assert.Equal(t, ErrTooFewSamples, err)
	})

	t.Run("Misaligned weights", func(t *testing.T) {
		_, err := PairwiseLoss(origin, labels, []float64{1, 1}, ReductionNone, nil)
		assert.Equal(t, ErrWeightCount, errors.Cause(err))
	})

	t.Run("Unsupported reduction", func(t *testing.T) {
		_, err := PairwiseLoss(origin, labels, nil, Reduction(7), nil)
		var unsupported *UnsupportedReductionError
		require.True(t, errors.As(err, &unsupported))
		assert.Equal(t, Reduction(7), unsupported.Reduction)
	})

	t.Run("Loss keeps the embedding dtype", func(t *testing.T) {
		z, _ := tensor.Zeros([]int{3, 2}, tensor.Float32)
		loss, err := PairwiseLoss(z, []float64{0, 1, 2}, nil, ReductionNone, nil)
		require.NoError(t, err)
		assert.Equal(t, tensor.Float32, loss.DType)
	})

	t.Run("Tally records the batch", func(t *testing.T) {
		tally := NewPairTally(math.Log(10))
		_, err := PairwiseLoss(origin, labels, []float64{1, 0, 3, 1, 1, 1}, ReductionNone, tally)
		require.NoError(t, err)
		assert.Equal(t, 1, tally.Batches)
		assert.Equal(t, 6, tally.Pairs)
		assert.Equal(t, 1, tally.ZeroWeight)
		assert.Equal(t, 1, tally.Reweighted)
		// only label 5 is above ln(10)
		assert.Equal(t, 3, tally.CrossThreshold)
		assert.Equal(t, 0, tally.Elevated)

		tally.Reset()
		assert.Equal(t, 0, tally.Pairs)
		assert.Equal(t, math.Log(10), tally.Threshold)
	})
}

func TestPairwiseLossMatrixMatchesLoop(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, n := range []int{2, 3, 7} {
		z, _ := tensor.RandomNormal([]int{n, 4}, 0, 1, tensor.Float64, rng)
		y := make([]float64, n)
		weights := make([]float64, PairCount(n))
		for i := range y {
			y[i] = rng.Float64() * 3
		}
		for i := range weights {
			weights[i] = rng.Float64() * 2
		}

		for _, reduction := range []Reduction{ReductionNone, ReductionSum} {
			loop, err := PairwiseLoss(z, y, weights, reduction, nil)
			require.NoError(t, err)
			matrix, err := PairwiseLossMatrix(z, y, weights, reduction, nil)
			require.NoError(t, err)
			assert.InDelta(t, lossValue(t, loop), lossValue(t, matrix), 1e-9, "n=%d reduction=%s", n, reduction)
		}
	}
}

func TestPairwiseLossGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	y := []float64{0.2, 1.1, 0.7, 2.5}
	weights := []float64{1, 0.5, 2, 1, 0.25, 3}

	for _, vectorized := range []bool{false, true} {
		config := LossConfig{Reduction: ReductionNone, Vectorized: vectorized}
		name := "loop"
		if vectorized {
			name = "matrix"
		}
		t.Run(name, func(t *testing.T) {
			z, _ := tensor.RandomNormal([]int{4, 3}, 0, 1, tensor.Float64, rng)
			z.SetRequiresGrad(true)

			loss, err := config.Compute(z, y, weights, nil)
			require.NoError(t, err)
			require.NoError(t, loss.Backward())
			analytic := z.Grad().Float64s()

			const h = 1e-6
			values := z.Data.([]float64)
			for i := range values {
				orig := values[i]
				values[i] = orig + h
				up, err := config.Compute(z, y, weights, nil)
				require.NoError(t, err)
				values[i] = orig - h
				down, err := config.Compute(z, y, weights, nil)
				require.NoError(t, err)
				values[i] = orig

				numeric := (lossValue(t, up) - lossValue(t, down)) / (2 * h)
				assert.InDelta(t, numeric, analytic[i], 1e-4, "element %d", i)
			}
		})
	}
}
