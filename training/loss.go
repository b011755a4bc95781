package training

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-pds/tensor"
)

// Reduction selects how per-pair errors are aggregated
type Reduction int

const (
	// ReductionNone averages over the number of pairs.
	ReductionNone Reduction = iota
	// ReductionSum returns the raw sum.
	ReductionSum
)

func (r Reduction) String() string {
	switch r {
	case ReductionNone:
		return "none"
	case ReductionSum:
		return "sum"
	default:
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
}

// pairEpsilon guards the pair-count normalisation.
const pairEpsilon = 1e-9

var (
	// ErrTooFewSamples is returned for batches without a single pair.
	ErrTooFewSamples = errors.New("pairwise loss needs at least 2 samples")
	// ErrWeightCount is returned when pair weights are not aligned with the batch pairs.
	ErrWeightCount = errors.New("pair weights not aligned with batch pairs")
)

// UnsupportedReductionError reports a reduction the pairwise loss cannot apply.
type UnsupportedReductionError struct {
	Reduction Reduction
}

func (e *UnsupportedReductionError) Error() string {
	return fmt.Sprintf("unsupported reduction type: %s", e.Reduction)
}

// PairCount is the number of unique pairs i<j among n samples.
func PairCount(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// PairError is 0.5 * (||z1 - z2||² - (y1 - y2)²)².
func PairError(z1, z2 []float64, y1, y2 float64) float64 {
	zd := 0.0
	for k := range z1 {
		d := z1[k] - z2[k]
		zd += d * d
	}
	yd := (y1 - y2) * (y1 - y2)
	return 0.5 * (zd - yd) * (zd - yd)
}

// LossConfig configures the pairwise representation loss.
type LossConfig struct {
	Reduction Reduction
	// Vectorized computes the loss from the pairwise distance matrix instead
	// of enumerating pairs.
	Vectorized bool
}

// Compute evaluates the configured pairwise loss.
func (c LossConfig) Compute(z *tensor.Tensor, y, weights []float64, tally *PairTally) (*tensor.Tensor, error) {
	if c.Vectorized {
		return PairwiseLossMatrix(z, y, weights, c.Reduction, tally)
	}
	return PairwiseLoss(z, y, weights, c.Reduction, tally)
}

// PairwiseLoss computes the label-distance-matching loss of a batch of
// embeddings z [n, d] with labels y over every unique pair i<j.
//
// weights, when non-nil, holds one weight per pair in nested i<j order and
// scales the pair's error. The result is a single-element tensor of z's dtype
// that is differentiable with respect to z. tally, when non-nil, records the
// batch's pair statistics.
func PairwiseLoss(z *tensor.Tensor, y, weights []float64, reduction Reduction, tally *PairTally) (*tensor.Tensor, error) {
	op, err := newPairwiseLossOp(z, y, weights, reduction, false)
	if err != nil {
		return nil, err
	}
	tally.Record(y, weights)
	return op.Forward(z)
}

// PairwiseLossMatrix is PairwiseLoss computed from the full pairwise distance
// matrix masked to its strict upper triangle.
func PairwiseLossMatrix(z *tensor.Tensor, y, weights []float64, reduction Reduction, tally *PairTally) (*tensor.Tensor, error) {
	op, err := newPairwiseLossOp(z, y, weights, reduction, true)
	if err != nil {
		return nil, err
	}
	tally.Record(y, weights)
	return op.Forward(z)
}

// pairwiseLossOp is the differentiable pairwise loss.
type pairwiseLossOp struct {
	inputs     []*tensor.Tensor
	labels     []float64
	weights    []float64
	scale      float64
	vectorized bool
}

func newPairwiseLossOp(z *tensor.Tensor, y, weights []float64, reduction Reduction, vectorized bool) (*pairwiseLossOp, error) {
	if len(z.Shape) != 2 {
		return nil, errors.Errorf("embeddings must be [batch, dim], got %v", z.Shape)
	}
	n := z.Shape[0]
	if len(y) != n {
		return nil, errors.Errorf("%d labels for %d embeddings", len(y), n)
	}
	if n < 2 {
		return nil, ErrTooFewSamples
	}
	pairs := PairCount(n)
	if weights != nil && len(weights) != pairs {
		return nil, errors.Wrapf(ErrWeightCount, "%d weights for %d pairs", len(weights), pairs)
	}

	op := &pairwiseLossOp{labels: y, weights: weights, vectorized: vectorized}
	switch reduction {
	case ReductionNone:
		op.scale = 1 / (float64(pairs) + pairEpsilon)
	case ReductionSum:
		op.scale = 1
	default:
		return nil, &UnsupportedReductionError{Reduction: reduction}
	}
	return op, nil
}

func (op *pairwiseLossOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *pairwiseLossOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("pairwise loss requires exactly 1 input")
	}
	op.inputs = inputs

	var total float64
	var err error
	if op.vectorized {
		total, err = op.matrixTotal()
	} else {
		total, err = op.loopTotal()
	}
	if err != nil {
		return nil, err
	}

	result, err := tensor.NewTensor([]int{1}, inputs[0].DType, []float64{total * op.scale})
	if err != nil {
		return nil, err
	}
	tensor.Record(result, op, inputs...)
	return result, nil
}

func (op *pairwiseLossOp) weight(k int) float64 {
	if op.weights == nil {
		return 1
	}
	return op.weights[k]
}

// rows returns z as row vectors.
func (op *pairwiseLossOp) rows() ([][]float64, error) {
	return op.inputs[0].Rows()
}

func (op *pairwiseLossOp) loopTotal() (float64, error) {
	z, err := op.rows()
	if err != nil {
		return 0, err
	}
	total, k := 0.0, 0
	for i := 0; i < len(z); i++ {
		for j := i + 1; j < len(z); j++ {
			total += op.weight(k) * PairError(z[i], z[j], op.labels[i], op.labels[j])
			k++
		}
	}
	return total, nil
}

// residuals returns e_ij = ||z_i - z_j||² - (y_i - y_j)² for i<j from the
// Gram matrix, with the weights laid out as a matrix alongside.
func (op *pairwiseLossOp) residuals() (e, w [][]float64, err error) {
	z := op.inputs[0]
	if z.DType != tensor.Float64 {
		if z, err = z.Cast(tensor.Float64); err != nil {
			return nil, nil, err
		}
	}
	zt, err := tensor.Transpose(z)
	if err != nil {
		return nil, nil, err
	}
	gram, err := tensor.MatMul(z, zt)
	if err != nil {
		return nil, nil, err
	}
	g, err := gram.Rows()
	if err != nil {
		return nil, nil, err
	}

	n := len(g)
	e = make([][]float64, n)
	w = make([][]float64, n)
	k := 0
	for i := 0; i < n; i++ {
		e[i] = make([]float64, n)
		w[i] = make([]float64, n)
		for j := i + 1; j < n; j++ {
			d := g[i][i] + g[j][j] - 2*g[i][j]
			yd := op.labels[i] - op.labels[j]
			e[i][j] = d - yd*yd
			w[i][j] = op.weight(k)
			k++
		}
	}
	return e, w, nil
}

func (op *pairwiseLossOp) matrixTotal() (float64, error) {
	e, w, err := op.residuals()
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := range e {
		for j := i + 1; j < len(e); j++ {
			total += w[i][j] * 0.5 * e[i][j] * e[i][j]
		}
	}
	return total, nil
}

// Backward uses d/dz_i of 0.5*w*e² = 2*w*e*(z_i - z_j), and the negation for z_j.
func (op *pairwiseLossOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	upstream, err := gradOut.Item()
	if err != nil {
		return nil, err
	}
	z := op.inputs[0]
	rows, err := op.rows()
	if err != nil {
		return nil, err
	}
	n, dim := len(rows), len(rows[0])
	grad := make([]float64, n*dim)

	if op.vectorized {
		e, w, err := op.residuals()
		if err != nil {
			return nil, err
		}
		// S is the symmetrised coefficient matrix; grad = 2 * (diag(rowsum S) Z - S Z)
		s := make([][]float64, n)
		for i := range s {
			s[i] = make([]float64, n)
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				c := w[i][j] * e[i][j]
				s[i][j], s[j][i] = c, c
			}
		}
		st, err := tensor.FromRows(s, tensor.Float64)
		if err != nil {
			return nil, err
		}
		zf, err := tensor.FromRows(rows, tensor.Float64)
		if err != nil {
			return nil, err
		}
		sz, err := tensor.MatMul(st, zf)
		if err != nil {
			return nil, err
		}
		szv := sz.Float64s()
		for i := 0; i < n; i++ {
			rowSum := 0.0
			for j := 0; j < n; j++ {
				rowSum += s[i][j]
			}
			for d := 0; d < dim; d++ {
				grad[i*dim+d] = 2 * upstream * op.scale * (rowSum*rows[i][d] - szv[i*dim+d])
			}
		}
	} else {
		k := 0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				zd := 0.0
				for d := 0; d < dim; d++ {
					diff := rows[i][d] - rows[j][d]
					zd += diff * diff
				}
				yd := op.labels[i] - op.labels[j]
				c := 2 * upstream * op.scale * op.weight(k) * (zd - yd*yd)
				for d := 0; d < dim; d++ {
					g := c * (rows[i][d] - rows[j][d])
					grad[i*dim+d] += g
					grad[j*dim+d] -= g
				}
				k++
			}
		}
	}

	gz, err := tensor.NewTensor(z.Shape, z.DType, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gz}, nil
}
