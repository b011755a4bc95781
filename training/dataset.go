package training

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-pds/tensor"
)

// Dataset is an in-memory feature matrix with scalar labels. SampleWeights
// and PairWeights are optional and index samples by position.
type Dataset struct {
	Features      *tensor.Tensor // [n, input_dim]
	Labels        []float64
	SampleWeights []float64
	PairWeights   *PairWeightTable
}

// NewDataset builds a dataset from feature rows and labels.
func NewDataset(features [][]float64, labels []float64, dtype tensor.DType) (*Dataset, error) {
	if len(features) != len(labels) {
		return nil, fmt.Errorf("%d feature rows for %d labels", len(features), len(labels))
	}
	x, err := tensor.FromRows(features, dtype)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature tensor: %v", err)
	}
	return &Dataset{Features: x, Labels: append([]float64(nil), labels...)}, nil
}

// Len returns the number of samples
func (ds *Dataset) Len() int {
	return len(ds.Labels)
}

// InputDim returns the number of features per sample.
func (ds *Dataset) InputDim() int {
	return ds.Features.Shape[1]
}

// WithSampleWeights attaches per-sample weights.
func (ds *Dataset) WithSampleWeights(weights []float64) (*Dataset, error) {
	if weights != nil && len(weights) != ds.Len() {
		return nil, fmt.Errorf("%d sample weights for %d samples", len(weights), ds.Len())
	}
	out := *ds
	out.SampleWeights = weights
	return &out, nil
}

// WithPairWeights attaches a pair weight table.
func (ds *Dataset) WithPairWeights(table *PairWeightTable) *Dataset {
	out := *ds
	out.PairWeights = table
	return &out
}

// ErrSampleWeightMismatch is returned when only one of two combined datasets
// carries sample weights.
var ErrSampleWeightMismatch = errors.New("sample weights must be set on both datasets or neither")

// Combine concatenates two datasets. Sample weights must be present on both or
// neither; pair tables are merged with the second shifted past the first when
// both have one.
func Combine(first, second *Dataset) (*Dataset, error) {
	if first.InputDim() != second.InputDim() {
		return nil, fmt.Errorf("cannot combine datasets with %d and %d features", first.InputDim(), second.InputDim())
	}
	if (first.SampleWeights == nil) != (second.SampleWeights == nil) {
		return nil, ErrSampleWeightMismatch
	}
	a, err := first.Features.Rows()
	if err != nil {
		return nil, err
	}
	b, err := second.Features.Rows()
	if err != nil {
		return nil, err
	}

	out, err := NewDataset(append(a, b...), append(append([]float64(nil), first.Labels...), second.Labels...), first.Features.DType)
	if err != nil {
		return nil, err
	}
	if first.SampleWeights != nil {
		out.SampleWeights = append(append([]float64(nil), first.SampleWeights...), second.SampleWeights...)
	}
	if first.PairWeights != nil && second.PairWeights != nil {
		out.PairWeights = Concat(first.PairWeights, second.PairWeights, first.Len())
	}
	return out, nil
}

// Batch is a contiguous slice [Lo, Hi) of a dataset
type Batch struct {
	Lo, Hi        int
	Features      *tensor.Tensor
	Labels        []float64
	SampleWeights []float64
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Hi - b.Lo
}

// DataLoader walks a dataset in fixed-stride batches, in dataset order.
type DataLoader struct {
	dataset   *Dataset
	batchSize int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. batchSize <= 0 yields the whole
// dataset as a single batch.
func NewDataLoader(dataset *Dataset, batchSize int) *DataLoader {
	if batchSize <= 0 || batchSize > dataset.Len() {
		batchSize = dataset.Len()
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	if dl.batchSize == 0 {
		return 0
	}
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// BatchSize returns the effective batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.position = 0
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < dl.dataset.Len()
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	n := dl.dataset.Len()
	if dl.position >= n {
		return nil, nil // End of epoch
	}

	lo := dl.position
	hi := lo + dl.batchSize
	if hi > n {
		hi = n
	}
	dl.position = hi

	features, err := dl.dataset.Features.SliceRows(lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch [%d, %d): %v", lo, hi, err)
	}
	batch := &Batch{
		Lo:       lo,
		Hi:       hi,
		Features: features,
		Labels:   dl.dataset.Labels[lo:hi],
	}
	if dl.dataset.SampleWeights != nil {
		batch.SampleWeights = dl.dataset.SampleWeights[lo:hi]
	}
	return batch, nil
}
