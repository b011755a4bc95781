package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-pds/tensor"
	"github.com/tsawler/go-pds/training"
)

func load(t *testing.T, content string) (*Config, error) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "run.yaml", []byte(content), 0644))
	return LoadFS(fs, "run.yaml")
}

func TestLoadDefaults(t *testing.T) {
	c, err := load(t, "data:\n  samples: samples.csv\n")
	require.NoError(t, err)

	assert.Equal(t, int64(42), c.Seed)
	assert.Equal(t, 1e-3, c.Training.LearningRate)
	assert.Equal(t, 100, c.Training.Epochs)
	assert.Equal(t, 32, c.Training.BatchSize)
	assert.Equal(t, 9, c.Training.Patience)
	assert.Equal(t, 25, c.Training.EstimationEpochs)
	assert.Equal(t, []int{18}, c.Model.Hiddens)
	assert.Equal(t, 9, c.Model.FeatDim)
	assert.Equal(t, []int{6}, c.Projection.Hiddens)
	assert.Equal(t, 0.9, c.Data.Alpha)
	assert.Equal(t, training.ObjectivePrimary, c.Objective())
	assert.False(t, c.PreSplit())

	mc, err := c.ModelConfig(19)
	require.NoError(t, err)
	assert.Equal(t, 19, mc.InputDim)
	assert.Equal(t, training.HeadsPrimary, mc.Heads)
	assert.Equal(t, tensor.Float32, mc.DType)
}

func TestLoadOverrides(t *testing.T) {
	c, err := load(t, `
seed: 7
data:
  samples: s.csv
  feature_columns: [a, b]
model:
  hiddens: [32, 16]
  regression: true
  dtype: float64
  negative_slope: 0.1
training:
  reduction: sum
  miss_policy: skip
  batch_size: 0
`)
	require.NoError(t, err)

	assert.Equal(t, int64(7), c.Seed)
	assert.Equal(t, []string{"a", "b"}, c.Data.FeatureColumns)
	assert.Equal(t, training.ObjectiveCombined, c.Objective())

	mc, err := c.ModelConfig(2)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 16}, mc.Hiddens)
	assert.Equal(t, training.HeadsPrimaryRegression, mc.Heads)
	assert.Equal(t, tensor.Float64, mc.DType)
	assert.Equal(t, 0.1, mc.NegativeSlope)

	lc, err := c.Loss()
	require.NoError(t, err)
	assert.Equal(t, training.ReductionSum, lc.Reduction)
	assert.True(t, lc.Vectorized)

	policy, err := c.MissPolicy()
	require.NoError(t, err)
	assert.Equal(t, training.MissSkip, policy)
}

func TestLoadPreSplit(t *testing.T) {
	c, err := load(t, "data:\n  train: t.csv\n  val: v.csv\n  test: x.csv\n  pair_weights: p.csv\n")
	require.NoError(t, err)
	assert.True(t, c.PreSplit())
	assert.Equal(t, "p.csv", c.Data.PairWeights)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing samples", "seed: 1\n"},
		{"samples and splits", "data:\n  samples: s.csv\n  train: t.csv\n"},
		{"partial splits", "data:\n  train: t.csv\n  val: v.csv\n"},
		{"weights need splits", "data:\n  samples: s.csv\n  pair_weights: p.csv\n"},
		{"unknown field", "data:\n  samples: s.csv\n  colour: red\n"},
		{"bad hiddens", "data:\n  samples: s.csv\nmodel:\n  hiddens: [0]\n"},
		{"bad dtype", "data:\n  samples: s.csv\nmodel:\n  dtype: int8\n"},
		{"bad reduction", "data:\n  samples: s.csv\ntraining:\n  reduction: mean\n"},
		{"bad miss policy", "data:\n  samples: s.csv\ntraining:\n  miss_policy: ignore\n"},
		{"zero patience", "data:\n  samples: s.csv\ntraining:\n  patience: 0\n"},
		{"bad format", "data:\n  samples: s.csv\ncheckpoints:\n  format: xml\n"},
		{"bad projection", "data:\n  samples: s.csv\nprojection:\n  enabled: true\n  epochs: 0\n"},
		{"bad threshold", "data:\n  samples: s.csv\nevaluation:\n  threshold: 0\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := load(t, test.content)
			assert.Error(t, err)
		})
	}

	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadFS(afero.NewMemMapFs(), "none.yaml")
		assert.Error(t, err)
	})
}
