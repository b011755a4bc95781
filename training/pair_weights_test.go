package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairWeightTable(t *testing.T) {
	t.Run("Lookup", func(t *testing.T) {
		table, err := NewPairWeightTable([]float64{0.5, 2}, [][2]int{{0, 1}, {1, 3}}, 4)
		require.NoError(t, err)
		assert.Equal(t, 2, table.Len())

		w, ok := table.Lookup(1, 3)
		assert.True(t, ok)
		assert.Equal(t, 2.0, w)
		_, ok = table.Lookup(3, 1)
		assert.False(t, ok)
	})

	t.Run("Validation", func(t *testing.T) {
		tests := []struct {
			name    string
			weights []float64
			pairs   [][2]int
		}{
			{"length mismatch", []float64{1}, nil},
			{"unordered", []float64{1}, [][2]int{{2, 1}}},
			{"diagonal", []float64{1}, [][2]int{{1, 1}}},
			{"negative index", []float64{1}, [][2]int{{-1, 1}}},
			{"out of range", []float64{1}, [][2]int{{0, 4}}},
			{"negative weight", []float64{-1}, [][2]int{{0, 1}}},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				_, err := NewPairWeightTable(test.weights, test.pairs, 4)
				assert.Error(t, err)
			})
		}
	})

	t.Run("Nil table has no weights", func(t *testing.T) {
		var table *PairWeightTable
		_, ok := table.Lookup(0, 1)
		assert.False(t, ok)
		assert.Equal(t, 0, table.Len())
	})
}

func TestBatchWeightResolver(t *testing.T) {
	table, err := NewPairWeightTable([]float64{0.5, 2, 3}, [][2]int{{0, 1}, {1, 2}, {4, 5}}, 6)
	require.NoError(t, err)

	t.Run("Default one fills misses", func(t *testing.T) {
		r, err := NewBatchWeightResolver(table, MissDefaultOne, 0)
		require.NoError(t, err)
		// pairs (0,1) (0,2) (1,2)
		assert.Equal(t, []float64{0.5, 1, 2}, r.Resolve(0, 3))
		assert.Equal(t, MissDefaultOne, r.Policy())
	})

	t.Run("Skip zeroes misses", func(t *testing.T) {
		r, err := NewBatchWeightResolver(table, MissSkip, 0)
		require.NoError(t, err)
		assert.Equal(t, []float64{0.5, 0, 2}, r.Resolve(0, 3))
	})

	t.Run("Resolved weights align with batch pairs", func(t *testing.T) {
		r, _ := NewBatchWeightResolver(table, MissDefaultOne, 0)
		for _, rng := range [][2]int{{0, 2}, {0, 6}, {2, 6}, {3, 5}} {
			assert.Len(t, r.Resolve(rng[0], rng[1]), PairCount(rng[1]-rng[0]))
		}
	})

	t.Run("Hits lists only present pairs", func(t *testing.T) {
		r, _ := NewBatchWeightResolver(table, MissDefaultOne, 0)
		assert.Equal(t, []float64{0.5, 2}, r.Hits(0, 3))
		assert.Nil(t, r.Hits(2, 4))
		// (4,5) lies outside [3, 5)
		assert.Nil(t, r.Hits(3, 5))
	})

	t.Run("Single sample ranges resolve to nil", func(t *testing.T) {
		r, _ := NewBatchWeightResolver(table, MissDefaultOne, 0)
		assert.Nil(t, r.Resolve(5, 6))
	})

	t.Run("Repeated ranges are served from cache", func(t *testing.T) {
		r, _ := NewBatchWeightResolver(table, MissDefaultOne, 2)
		first := r.Resolve(0, 3)
		second := r.Resolve(0, 3)
		assert.Same(t, &first[0], &second[0])
	})

	t.Run("Table is required", func(t *testing.T) {
		_, err := NewBatchWeightResolver(nil, MissDefaultOne, 0)
		assert.Error(t, err)
	})
}

func TestConcat(t *testing.T) {
	a, _ := NewPairWeightTable([]float64{1.5}, [][2]int{{0, 1}}, 2)
	b, _ := NewPairWeightTable([]float64{4}, [][2]int{{0, 2}}, 3)
	c := Concat(a, b, 2)

	assert.Equal(t, 2, c.Len())
	w, ok := c.Lookup(2, 4)
	assert.True(t, ok)
	assert.Equal(t, 4.0, w)
	_, ok = c.Lookup(0, 2)
	assert.False(t, ok)
}

func TestPartition(t *testing.T) {
	table, err := NewPairWeightTable(
		[]float64{1, 2, 3, 4},
		[][2]int{{0, 1}, {1, 3}, {3, 4}, {0, 2}},
		5)
	require.NoError(t, err)

	first, second := table.Partition(3)
	assert.Equal(t, 2, first.Len())
	assert.Equal(t, 1, second.Len())

	w, ok := second.Lookup(0, 1)
	assert.True(t, ok)
	assert.Equal(t, 3.0, w)
	_, ok = first.Lookup(1, 3)
	assert.False(t, ok)

	// Concat restores every pair that did not span the parts
	back := Concat(first, second, 3)
	assert.Equal(t, 3, back.Len())
	w, ok = back.Lookup(3, 4)
	assert.True(t, ok)
	assert.Equal(t, 3.0, w)
	_, ok = back.Lookup(1, 3)
	assert.False(t, ok)
}
