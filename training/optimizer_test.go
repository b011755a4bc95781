package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-pds/tensor"
)

// quadratic returns a parameter p with gradient 2p from loss sum(p²).
func quadratic(t *testing.T, values ...float64) (*tensor.Tensor, func()) {
	t.Helper()
	p, err := tensor.FromVector(values, tensor.Float64)
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	backward := func() {
		target, _ := tensor.Zeros(p.Shape, tensor.Float64)
		loss, err := tensor.MSEAutograd(p, target, nil)
		require.NoError(t, err)
		// MSE averages over elements; rescale so the gradient is 2p
		loss, err = tensor.ScaleAutograd(loss, float64(len(values)))
		require.NoError(t, err)
		require.NoError(t, loss.Backward())
	}
	return p, backward
}

func TestSGD(t *testing.T) {
	t.Run("Plain step", func(t *testing.T) {
		p, backward := quadratic(t, 1, -2)
		opt := NewSGD([]*tensor.Tensor{p}, 0.1, 0, 0)
		backward()
		require.NoError(t, opt.Step())
		assert.InDeltaSlice(t, []float64{0.8, -1.6}, p.Float64s(), 1e-12)
	})

	t.Run("Momentum accumulates", func(t *testing.T) {
		p, _ := tensor.FromVector([]float64{0}, tensor.Float64)
		p.SetRequiresGrad(true)
		opt := NewSGD([]*tensor.Tensor{p}, 1, 0.5, 0)
		for i := 0; i < 2; i++ {
			opt.ZeroGrad()
			loss, _ := tensor.ScaleAutograd(p, 1)
			require.NoError(t, loss.Backward())
			require.NoError(t, opt.Step())
		}
		// velocities 1 then 1.5
		assert.InDelta(t, -2.5, p.Float64s()[0], 1e-12)
	})

	t.Run("Learning rate accessors", func(t *testing.T) {
		opt := NewSGD(nil, 0.1, 0, 0)
		opt.SetLR(0.01)
		assert.Equal(t, 0.01, opt.GetLR())
	})
}

func TestAdam(t *testing.T) {
	t.Run("First step moves by the learning rate", func(t *testing.T) {
		p, backward := quadratic(t, 3, -5)
		opt := NewAdam([]*tensor.Tensor{p}, 0.01, DefaultBeta1, DefaultBeta2, DefaultEpsilon, 0)
		backward()
		require.NoError(t, opt.Step())
		assert.InDeltaSlice(t, []float64{2.99, -4.99}, p.Float64s(), 1e-6)
	})

	t.Run("Converges on a quadratic", func(t *testing.T) {
		p, backward := quadratic(t, 1, -1)
		opt := NewAdam([]*tensor.Tensor{p}, 0.05, DefaultBeta1, DefaultBeta2, DefaultEpsilon, 0)
		for i := 0; i < 500; i++ {
			opt.ZeroGrad()
			backward()
			require.NoError(t, opt.Step())
		}
		for _, v := range p.Float64s() {
			assert.Less(t, math.Abs(v), 0.1)
		}
	})

	t.Run("Frozen and gradient-free parameters are untouched", func(t *testing.T) {
		frozen, _ := tensor.FromVector([]float64{1}, tensor.Float64)
		idle, _ := tensor.FromVector([]float64{2}, tensor.Float64)
		idle.SetRequiresGrad(true)

		opt := NewAdam([]*tensor.Tensor{frozen, idle}, 0.1, DefaultBeta1, DefaultBeta2, DefaultEpsilon, 0)
		require.NoError(t, opt.Step())
		assert.Equal(t, []float64{1}, frozen.Float64s())
		assert.Equal(t, []float64{2}, idle.Float64s())
	})
}

func TestNewOptimizer(t *testing.T) {
	opt, err := NewOptimizer("", nil, 1e-3)
	require.NoError(t, err)
	assert.IsType(t, &Adam{}, opt)

	opt, err = NewOptimizer("sgd", nil, 1e-3)
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, opt)
	assert.Equal(t, 1e-3, opt.GetLR())

	_, err = NewOptimizer("rmsprop", nil, 1e-3)
	assert.Error(t, err)
}
