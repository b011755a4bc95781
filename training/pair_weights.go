package training

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// PairKey is an ordered sample index pair with I < J.
type PairKey struct {
	I, J int
}

// PairWeightTable maps index pairs of one dataset to importance weights.
// It is immutable after construction.
type PairWeightTable struct {
	weights map[PairKey]float64
	size    int
}

// NewPairWeightTable indexes a flat weight array and its parallel pair list.
// size is the number of samples the pairs index into; 0 skips the bound check.
func NewPairWeightTable(weights []float64, pairs [][2]int, size int) (*PairWeightTable, error) {
	if len(weights) != len(pairs) {
		return nil, errors.Errorf("%d weights for %d pairs", len(weights), len(pairs))
	}

	t := &PairWeightTable{weights: make(map[PairKey]float64, len(pairs)), size: size}
	for k, p := range pairs {
		i, j := p[0], p[1]
		if i < 0 || j < 0 {
			return nil, errors.Errorf("pair %d (%d, %d) has a negative index", k, i, j)
		}
		if i >= j {
			return nil, errors.Errorf("pair %d (%d, %d) is not ordered i<j", k, i, j)
		}
		if size > 0 && j >= size {
			return nil, errors.Errorf("pair %d (%d, %d) out of range for %d samples", k, i, j, size)
		}
		if weights[k] < 0 {
			return nil, errors.Errorf("pair %d (%d, %d) has negative weight %g", k, i, j, weights[k])
		}
		t.weights[PairKey{i, j}] = weights[k]
	}
	return t, nil
}

// Concat combines the tables of two consecutive datasets. Pairs of second
// are shifted by offset, the sample count of the first dataset.
func Concat(first, second *PairWeightTable, offset int) *PairWeightTable {
	out := &PairWeightTable{weights: make(map[PairKey]float64, first.Len()+second.Len())}
	if first.size > 0 && second.size > 0 {
		out.size = offset + second.size
	}
	for k, w := range first.weights {
		out.weights[k] = w
	}
	for k, w := range second.weights {
		out.weights[PairKey{k.I + offset, k.J + offset}] = w
	}
	return out
}

// Partition splits a table over two consecutive datasets, the first with n
// samples, back into one table each. Pairs spanning both are dropped.
func (t *PairWeightTable) Partition(n int) (first, second *PairWeightTable) {
	first = &PairWeightTable{weights: make(map[PairKey]float64), size: n}
	second = &PairWeightTable{weights: make(map[PairKey]float64)}
	if t.size > 0 {
		second.size = t.size - n
	}
	for k, w := range t.weights {
		switch {
		case k.J < n:
			first.weights[k] = w
		case k.I >= n:
			second.weights[PairKey{k.I - n, k.J - n}] = w
		}
	}
	return first, second
}

// Lookup returns the weight of the pair (i, j), i<j.
func (t *PairWeightTable) Lookup(i, j int) (float64, bool) {
	if t == nil {
		return 0, false
	}
	w, ok := t.weights[PairKey{i, j}]
	return w, ok
}

// Len is the number of weighted pairs.
func (t *PairWeightTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.weights)
}

// MissPolicy decides the weight of a batch pair absent from the table.
type MissPolicy int

const (
	// MissDefaultOne treats unweighted pairs as weight 1.
	MissDefaultOne MissPolicy = iota
	// MissSkip gives unweighted pairs weight 0, removing them from the loss.
	MissSkip
)

func (p MissPolicy) String() string {
	if p == MissSkip {
		return "skip"
	}
	return "default-one"
}

const defaultResolverCacheSize = 256

type batchRange struct {
	lo, hi int
}

// BatchWeightResolver maps batch index ranges to pair weights. Resolved
// slices are cached, since fixed-stride batches repeat every epoch, and must
// not be modified by callers.
type BatchWeightResolver struct {
	table  *PairWeightTable
	policy MissPolicy
	cache  *lru.Cache
}

// NewBatchWeightResolver creates a resolver over table. cacheSize <= 0 uses
// a default size.
func NewBatchWeightResolver(table *PairWeightTable, policy MissPolicy, cacheSize int) (*BatchWeightResolver, error) {
	if table == nil {
		return nil, errors.New("pair weight table is required")
	}
	if cacheSize <= 0 {
		cacheSize = defaultResolverCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "resolver cache")
	}
	return &BatchWeightResolver{table: table, policy: policy, cache: cache}, nil
}

// Hits returns the weights of the in-range pairs present in the table, in
// nested i<j order. Pairs without a weight contribute no entry.
func (r *BatchWeightResolver) Hits(lo, hi int) []float64 {
	var out []float64
	for i := lo; i < hi; i++ {
		for j := i + 1; j < hi; j++ {
			if w, ok := r.table.Lookup(i, j); ok {
				out = append(out, w)
			}
		}
	}
	return out
}

// Resolve returns one weight per in-range pair, in nested i<j order, with
// misses filled in by the resolver's policy. Ranges with fewer than two
// samples resolve to nil.
func (r *BatchWeightResolver) Resolve(lo, hi int) []float64 {
	if hi-lo < 2 {
		return nil
	}
	key := batchRange{lo, hi}
	if cached, ok := r.cache.Get(key); ok {
		return cached.([]float64)
	}

	miss := 1.0
	if r.policy == MissSkip {
		miss = 0
	}

	out := make([]float64, 0, PairCount(hi-lo))
	for i := lo; i < hi; i++ {
		for j := i + 1; j < hi; j++ {
			if w, ok := r.table.Lookup(i, j); ok {
				out = append(out, w)
			} else {
				out = append(out, miss)
			}
		}
	}
	r.cache.Add(key, out)
	return out
}

// Policy returns the resolver's miss policy.
func (r *BatchWeightResolver) Policy() MissPolicy { return r.policy }
