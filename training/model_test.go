package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-pds/checkpoints"
	"github.com/tsawler/go-pds/tensor"
)

func newTestModel(t *testing.T, heads HeadConfig, seed int64) *EmbeddingModel {
	t.Helper()
	config := DefaultModelConfig(4)
	config.Heads = heads
	config.DType = tensor.Float64
	m, err := NewEmbeddingModel(config, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func TestHeadConfig(t *testing.T) {
	tests := []struct {
		reg, dec bool
		expected HeadConfig
		name     string
	}{
		{false, false, HeadsPrimary, "primary"},
		{true, false, HeadsPrimaryRegression, "primary+regression"},
		{false, true, HeadsPrimaryDecoder, "primary+decoder"},
		{true, true, HeadsPrimaryRegressionDecoder, "primary+regression+decoder"},
	}
	for _, test := range tests {
		h := HeadConfigFor(test.reg, test.dec)
		assert.Equal(t, test.expected, h)
		assert.Equal(t, test.reg, h.HasRegression())
		assert.Equal(t, test.dec, h.HasDecoder())
		assert.Equal(t, test.name, h.String())
	}
}

func TestOutputsValidate(t *testing.T) {
	z := tensor.FromScalar(1, tensor.Float64)

	assert.NoError(t, Outputs{Representation: z}.Validate(HeadsPrimary))
	assert.NoError(t, Outputs{Representation: z, Regression: z, Reconstruction: z}.Validate(HeadsPrimaryRegressionDecoder))

	err := Outputs{Representation: z, Regression: z}.Validate(HeadsPrimary)
	assert.Equal(t, ErrHeadArity, errors.Cause(err))
	err = Outputs{Representation: z}.Validate(HeadsPrimaryDecoder)
	assert.Equal(t, ErrHeadArity, errors.Cause(err))
	err = Outputs{}.Validate(HeadsPrimary)
	assert.Equal(t, ErrHeadArity, errors.Cause(err))
}

func TestEmbeddingModel(t *testing.T) {
	x, _ := tensor.RandomNormal([]int{6, 4}, 0, 1, tensor.Float64, rand.New(rand.NewSource(8)))

	t.Run("Output shapes per head configuration", func(t *testing.T) {
		for _, heads := range []HeadConfig{HeadsPrimary, HeadsPrimaryRegression, HeadsPrimaryDecoder, HeadsPrimaryRegressionDecoder} {
			m := newTestModel(t, heads, 1)
			out, err := m.Forward(x)
			require.NoError(t, err, heads.String())

			assert.Equal(t, []int{6, 9}, out.Representation.Shape)
			if heads.HasRegression() {
				assert.Equal(t, []int{6, 1}, out.Regression.Shape)
			} else {
				assert.Nil(t, out.Regression)
			}
			if heads.HasDecoder() {
				assert.Equal(t, []int{6, 4}, out.Reconstruction.Shape)
			} else {
				assert.Nil(t, out.Reconstruction)
			}
		}
	})

	t.Run("Representation is unit norm", func(t *testing.T) {
		out, err := newTestModel(t, HeadsPrimary, 2).Forward(x)
		require.NoError(t, err)
		rows, _ := out.Representation.Rows()
		for _, r := range rows {
			norm := 0.0
			for _, v := range r {
				norm += v * v
			}
			assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
		}
	})

	t.Run("Input dtype is converted", func(t *testing.T) {
		x32, _ := x.Cast(tensor.Float32)
		out, err := newTestModel(t, HeadsPrimary, 2).Forward(x32)
		require.NoError(t, err)
		assert.Equal(t, tensor.Float64, out.Representation.DType)
	})

	t.Run("Layer names", func(t *testing.T) {
		m := newTestModel(t, HeadsPrimaryRegressionDecoder, 3)
		var names []string
		for _, l := range m.linears() {
			names = append(names, l.Name())
		}
		assert.Equal(t, []string{"dense_1", "repr_layer", "regression_head", "decoder_dense_1", "decoder_head"}, names)
	})

	t.Run("Invalid configuration", func(t *testing.T) {
		config := DefaultModelConfig(0)
		_, err := NewEmbeddingModel(config, rand.New(rand.NewSource(1)))
		assert.Error(t, err)

		_, err = NewEmbeddingModel(DefaultModelConfig(3), nil)
		assert.Error(t, err)
	})
}

func TestAddRegressionProjectionHead(t *testing.T) {
	x, _ := tensor.RandomNormal([]int{3, 4}, 0, 1, tensor.Float64, rand.New(rand.NewSource(8)))

	t.Run("Frozen features", func(t *testing.T) {
		base := newTestModel(t, HeadsPrimary, 4)
		m, err := AddRegressionProjectionHead(base, 1, nil, true, rand.New(rand.NewSource(5)))
		require.NoError(t, err)

		assert.Equal(t, HeadsPrimaryRegression, m.Heads())
		assert.Same(t, base.Encoder(), m.Encoder())
		for _, p := range m.Encoder().Parameters() {
			assert.False(t, p.RequiresGrad())
		}
		// projection_layer_1 weight and bias plus regression_head weight and bias
		assert.Len(t, m.TrainableParameters(), 4)

		out, err := m.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 1}, out.Regression.Shape)
	})

	t.Run("Fine-tuned features", func(t *testing.T) {
		base := newTestModel(t, HeadsPrimary, 4)
		m, err := AddRegressionProjectionHead(base, 1, []int{6, 3}, false, rand.New(rand.NewSource(5)))
		require.NoError(t, err)
		assert.Len(t, m.TrainableParameters(), len(m.Parameters()))
		assert.Len(t, m.linears(), 2+3)
	})
}

func TestSnapshotRestore(t *testing.T) {
	x, _ := tensor.RandomNormal([]int{3, 4}, 0, 1, tensor.Float64, rand.New(rand.NewSource(8)))
	a := newTestModel(t, HeadsPrimaryRegression, 1)
	b := newTestModel(t, HeadsPrimaryRegression, 2)

	c := a.Snapshot(checkpoints.TrainingState{Phase: "best", Epoch: 3, BestEpoch: 3})
	require.NoError(t, c.Validate())
	_, ok := c.Weight("repr_layer.weight")
	assert.True(t, ok)

	require.NoError(t, b.Restore(c))
	outA, err := a.Forward(x)
	require.NoError(t, err)
	outB, err := b.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, outA.Regression.Float64s(), outB.Regression.Float64s())

	t.Run("Snapshots are copies", func(t *testing.T) {
		before := c.Weights[0].Data[0]
		w := a.linears()[0].Weight()
		require.NoError(t, w.SetData(make([]float64, w.NumElems)))
		assert.Equal(t, before, c.Weights[0].Data[0])
	})

	t.Run("Mismatched checkpoints leave the model intact", func(t *testing.T) {
		other := newTestModel(t, HeadsPrimary, 3)
		before := b.linears()[0].Weight().Float64s()
		assert.Error(t, b.Restore(other.Snapshot(checkpoints.TrainingState{})))
		assert.Equal(t, before, b.linears()[0].Weight().Float64s())
	})
}
