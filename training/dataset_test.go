package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-pds/tensor"
)

func rowsOf(n, dim int, start float64) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, dim)
		for j := range rows[i] {
			rows[i][j] = start + float64(i)
		}
	}
	return rows
}

func TestDataset(t *testing.T) {
	t.Run("NewDataset validates lengths", func(t *testing.T) {
		_, err := NewDataset(rowsOf(3, 2, 0), []float64{1, 2}, tensor.Float32)
		assert.Error(t, err)

		ds, err := NewDataset(rowsOf(3, 2, 0), []float64{1, 2, 3}, tensor.Float32)
		require.NoError(t, err)
		assert.Equal(t, 3, ds.Len())
		assert.Equal(t, 2, ds.InputDim())
	})

	t.Run("WithSampleWeights", func(t *testing.T) {
		ds, _ := NewDataset(rowsOf(2, 1, 0), []float64{1, 2}, tensor.Float64)
		_, err := ds.WithSampleWeights([]float64{1})
		assert.Error(t, err)

		weighted, err := ds.WithSampleWeights([]float64{1, 3})
		require.NoError(t, err)
		assert.Nil(t, ds.SampleWeights)
		assert.Equal(t, []float64{1, 3}, weighted.SampleWeights)
	})

	t.Run("Combine shifts the second pair table", func(t *testing.T) {
		first, _ := NewDataset(rowsOf(3, 2, 0), []float64{1, 2, 3}, tensor.Float64)
		second, _ := NewDataset(rowsOf(2, 2, 10), []float64{4, 5}, tensor.Float64)
		t1, _ := NewPairWeightTable([]float64{0.5}, [][2]int{{0, 2}}, 3)
		t2, _ := NewPairWeightTable([]float64{2}, [][2]int{{0, 1}}, 2)
		first, _ = first.WithSampleWeights([]float64{1, 1, 1})
		second, _ = second.WithSampleWeights([]float64{2, 2})

		combined, err := Combine(first.WithPairWeights(t1), second.WithPairWeights(t2))
		require.NoError(t, err)
		assert.Equal(t, 5, combined.Len())
		assert.Equal(t, []float64{1, 2, 3, 4, 5}, combined.Labels)
		assert.Equal(t, []float64{1, 1, 1, 2, 2}, combined.SampleWeights)

		w, ok := combined.PairWeights.Lookup(0, 2)
		assert.True(t, ok)
		assert.Equal(t, 0.5, w)
		w, ok = combined.PairWeights.Lookup(3, 4)
		assert.True(t, ok)
		assert.Equal(t, 2.0, w)

		v, _ := combined.Features.At(3, 0)
		assert.Equal(t, 10.0, v)
	})

	t.Run("Combine drops one-sided pair tables", func(t *testing.T) {
		first, _ := NewDataset(rowsOf(2, 2, 0), []float64{1, 2}, tensor.Float64)
		second, _ := NewDataset(rowsOf(2, 2, 0), []float64{3, 4}, tensor.Float64)
		table, err := NewPairWeightTable([]float64{2}, [][2]int{{0, 1}}, 2)
		require.NoError(t, err)

		combined, err := Combine(first.WithPairWeights(table), second)
		require.NoError(t, err)
		assert.Nil(t, combined.PairWeights)
		assert.Nil(t, combined.SampleWeights)

		narrow, _ := NewDataset(rowsOf(2, 1, 0), []float64{3, 4}, tensor.Float64)
		_, err = Combine(first, narrow)
		assert.Error(t, err)
	})

	t.Run("Combine rejects one-sided sample weights", func(t *testing.T) {
		first, _ := NewDataset(rowsOf(2, 2, 0), []float64{1, 2}, tensor.Float64)
		second, _ := NewDataset(rowsOf(2, 2, 0), []float64{3, 4}, tensor.Float64)
		weighted, _ := first.WithSampleWeights([]float64{1, 3})

		_, err := Combine(weighted, second)
		assert.Equal(t, ErrSampleWeightMismatch, err)
		_, err = Combine(second, weighted)
		assert.Equal(t, ErrSampleWeightMismatch, err)

		other, _ := second.WithSampleWeights([]float64{2, 4})
		combined, err := Combine(weighted, other)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 3, 2, 4}, combined.SampleWeights)
	})
}

func TestDataLoader(t *testing.T) {
	ds, _ := NewDataset(rowsOf(7, 2, 0), []float64{0, 1, 2, 3, 4, 5, 6}, tensor.Float64)
	ds, _ = ds.WithSampleWeights([]float64{1, 2, 3, 4, 5, 6, 7})

	t.Run("Fixed-stride batches in order", func(t *testing.T) {
		loader := NewDataLoader(ds, 3)
		assert.Equal(t, 3, loader.Len())

		var ranges [][2]int
		for loader.HasNext() {
			b, err := loader.Next()
			require.NoError(t, err)
			ranges = append(ranges, [2]int{b.Lo, b.Hi})
			assert.Equal(t, ds.Labels[b.Lo:b.Hi], b.Labels)
			assert.Equal(t, ds.SampleWeights[b.Lo:b.Hi], b.SampleWeights)
			assert.Equal(t, b.Size(), b.Features.Shape[0])
		}
		assert.Equal(t, [][2]int{{0, 3}, {3, 6}, {6, 7}}, ranges)

		b, err := loader.Next()
		assert.NoError(t, err)
		assert.Nil(t, b)

		loader.Reset()
		assert.True(t, loader.HasNext())
	})

	t.Run("Non-positive batch size is the whole dataset", func(t *testing.T) {
		loader := NewDataLoader(ds, -1)
		assert.Equal(t, 1, loader.Len())
		assert.Equal(t, 7, loader.BatchSize())
	})
}
