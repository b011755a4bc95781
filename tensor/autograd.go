package tensor

import (
	"fmt"
	"math"
)

// Record marks result as produced by op from inputs. Packages outside tensor
// use it to register their own differentiable operations.
func Record(result *Tensor, op Operation, inputs ...*Tensor) {
	result.creator = op
	result.requiresGrad = false
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			break
		}
	}
}

// reduceGradientToShape sums a broadcast gradient back onto a single-element
// operand and otherwise reshapes it to the target shape.
func reduceGradientToShape(grad *Tensor, targetShape []int, dtype DType) (*Tensor, error) {
	if calculateNumElements(targetShape) == 1 && grad.NumElems != 1 {
		sum, err := SumAll(grad)
		if err != nil {
			return nil, err
		}
		grad = sum
	}
	if grad.NumElems != calculateNumElements(targetShape) {
		return nil, fmt.Errorf("gradient of %d elements cannot be reduced to shape %v", grad.NumElems, targetShape)
	}
	return NewTensor(targetShape, dtype, grad.Float64s())
}

// AddOp implements the Operation interface for tensor addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}

	Record(result, op, inputs...)
	return result, nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	gradA, err := reduceGradientToShape(gradOut, a.Shape, a.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input A: %v", err)
	}
	gradB, err := reduceGradientToShape(gradOut, b.Shape, b.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input B: %v", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// ScaleOp multiplies its input by a constant factor
type ScaleOp struct {
	inputs []*Tensor
	factor float64
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := Scale(inputs[0], op.factor)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}

	Record(result, op, inputs...)
	return result, nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Scale(gradOut, op.factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// MatMulOp implements the Operation interface for matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs")
	}
	op.inputs = inputs

	result, err := MatMul(inputs[0], inputs[1])
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}

	Record(result, op, inputs...)
	return result, nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// d(A @ B)/dA = gradOut @ B^T, d(A @ B)/dB = A^T @ gradOut
	bT, err := Transpose(b)
	if err != nil {
		return nil, err
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed for gradA: %v", err)
	}

	aT, err := Transpose(a)
	if err != nil {
		return nil, err
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, fmt.Errorf("backward pass failed for gradB: %v", err)
	}

	return []*Tensor{gradA, gradB}, nil
}

// AddBiasOp adds a [cols] bias to every row of a [rows, cols] input
type AddBiasOp struct {
	inputs []*Tensor
}

func (op *AddBiasOp) Inputs() []*Tensor { return op.inputs }

func (op *AddBiasOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddBiasOp requires exactly 2 inputs")
	}
	x, bias := inputs[0], inputs[1]
	if err := checkCompatibility(x, bias); err != nil {
		return nil, err
	}
	if len(x.Shape) != 2 || len(bias.Shape) != 1 || bias.Shape[0] != x.Shape[1] {
		return nil, fmt.Errorf("AddBiasOp: cannot add bias %v to input %v", bias.Shape, x.Shape)
	}
	op.inputs = inputs

	rows, cols := x.Shape[0], x.Shape[1]
	xs, bs := x.float64View(), bias.float64View()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = xs[i*cols+j] + bs[j]
		}
	}

	result, err := newFromFloat64(x.Shape, x.DType, out)
	if err != nil {
		return nil, err
	}
	Record(result, op, inputs...)
	return result, nil
}

func (op *AddBiasOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradX, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradB, err := SumRows(gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradX, gradB}, nil
}

// LeakyReLUOp implements max(x, slope*x)
type LeakyReLUOp struct {
	inputs        []*Tensor
	negativeSlope float64
}

func (op *LeakyReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *LeakyReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("LeakyReLUOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := LeakyReLU(inputs[0], op.negativeSlope)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}

	Record(result, op, inputs...)
	return result, nil
}

func (op *LeakyReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	xs := op.inputs[0].float64View()
	gs := gradOut.float64View()
	out := make([]float64, len(xs))
	for i, x := range xs {
		if x > 0 {
			out[i] = gs[i]
		} else {
			out[i] = gs[i] * op.negativeSlope
		}
	}
	grad, err := newFromFloat64(op.inputs[0].Shape, op.inputs[0].DType, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// RowNormalizeOp divides every row by its L2 norm plus eps
type RowNormalizeOp struct {
	inputs []*Tensor
	eps    float64
}

func (op *RowNormalizeOp) Inputs() []*Tensor { return op.inputs }

func (op *RowNormalizeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("RowNormalizeOp requires exactly 1 input")
	}
	x := inputs[0]
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("RowNormalizeOp requires a 2D input, got %v", x.Shape)
	}
	op.inputs = inputs

	rows, cols := x.Shape[0], x.Shape[1]
	xs := x.float64View()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		row := xs[i*cols : (i+1)*cols]
		d := l2(row) + op.eps
		for j, v := range row {
			out[i*cols+j] = v / d
		}
	}

	result, err := newFromFloat64(x.Shape, x.DType, out)
	if err != nil {
		return nil, err
	}
	Record(result, op, inputs...)
	return result, nil
}

func (op *RowNormalizeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	x := op.inputs[0]
	rows, cols := x.Shape[0], x.Shape[1]
	xs := x.float64View()
	gs := gradOut.float64View()
	out := make([]float64, rows*cols)

	// y = x / d with d = ||x|| + eps:
	// dL/dx_j = g_j / d - x_j * <g, x> / (||x|| * d^2)
	for i := 0; i < rows; i++ {
		row := xs[i*cols : (i+1)*cols]
		g := gs[i*cols : (i+1)*cols]
		r := l2(row)
		d := r + op.eps
		dot := 0.0
		for j := range row {
			dot += g[j] * row[j]
		}
		for j := range row {
			v := g[j] / d
			if r > 0 {
				v -= row[j] * dot / (r * d * d)
			}
			out[i*cols+j] = v
		}
	}

	grad, err := newFromFloat64(x.Shape, x.DType, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func l2(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum)
}

// CastOp converts between dtypes; gradients are cast back.
type CastOp struct {
	inputs []*Tensor
	dtype  DType
}

func (op *CastOp) Inputs() []*Tensor { return op.inputs }

func (op *CastOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("CastOp requires exactly 1 input")
	}
	op.inputs = inputs

	result, err := NewTensor(inputs[0].Shape, op.dtype, inputs[0].Float64s())
	if err != nil {
		return nil, err
	}
	Record(result, op, inputs...)
	return result, nil
}

func (op *CastOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.Cast(op.inputs[0].DType)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// MSEOp is the mean squared error between pred and target, averaged over the
// trailing dimension per row. With sample weights the per-row errors are
// combined as sum(mse_i * w_i) / sum(w_i); otherwise they are averaged.
type MSEOp struct {
	inputs  []*Tensor
	weights []float64
}

func (op *MSEOp) Inputs() []*Tensor { return op.inputs }

func (op *MSEOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MSEOp requires exactly 2 inputs")
	}
	pred, target := inputs[0], inputs[1]
	if pred.NumElems != target.NumElems || pred.Shape[0] != target.Shape[0] {
		return nil, fmt.Errorf("MSEOp: prediction %v and target %v shapes differ", pred.Shape, target.Shape)
	}
	rows := pred.Shape[0]
	if op.weights != nil && len(op.weights) != rows {
		return nil, fmt.Errorf("MSEOp: %d sample weights for %d rows", len(op.weights), rows)
	}
	op.inputs = inputs

	cols := pred.NumElems / rows
	ps, ts := pred.float64View(), target.float64View()
	total, norm := 0.0, op.normalizer(rows)
	if norm == 0 {
		return nil, fmt.Errorf("MSEOp: sample weights sum to zero")
	}
	for i := 0; i < rows; i++ {
		rowErr := 0.0
		for j := 0; j < cols; j++ {
			d := ps[i*cols+j] - ts[i*cols+j]
			rowErr += d * d
		}
		total += op.rowWeight(i) * rowErr / float64(cols)
	}

	result, err := NewTensor([]int{1}, pred.DType, []float64{total / norm})
	if err != nil {
		return nil, err
	}
	Record(result, op, inputs...)
	return result, nil
}

func (op *MSEOp) rowWeight(i int) float64 {
	if op.weights == nil {
		return 1
	}
	return op.weights[i]
}

func (op *MSEOp) normalizer(rows int) float64 {
	if op.weights == nil {
		return float64(rows)
	}
	sum := 0.0
	for _, w := range op.weights {
		sum += w
	}
	return sum
}

func (op *MSEOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	pred, target := op.inputs[0], op.inputs[1]
	upstream, err := gradOut.Item()
	if err != nil {
		return nil, err
	}

	rows := pred.Shape[0]
	cols := pred.NumElems / rows
	norm := op.normalizer(rows)
	ps, ts := pred.float64View(), target.float64View()
	gp := make([]float64, len(ps))
	gt := make([]float64, len(ts))
	for i := 0; i < rows; i++ {
		scale := upstream * 2 * op.rowWeight(i) / (float64(cols) * norm)
		for j := 0; j < cols; j++ {
			d := ps[i*cols+j] - ts[i*cols+j]
			gp[i*cols+j] = scale * d
			gt[i*cols+j] = -scale * d
		}
	}

	gradPred, err := NewTensor(pred.Shape, pred.DType, gp)
	if err != nil {
		return nil, err
	}
	gradTarget, err := NewTensor(target.Shape, target.DType, gt)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradPred, gradTarget}, nil
}

// High-level autograd functions that create and execute operations

// AddAutograd performs addition with automatic differentiation. Both operands
// must share a dtype.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{}
	return op.Forward(a, b)
}

// ScaleAutograd multiplies by a constant with automatic differentiation
func ScaleAutograd(a *Tensor, factor float64) (*Tensor, error) {
	op := &ScaleOp{factor: factor}
	return op.Forward(a)
}

// MatMulAutograd performs matrix multiplication with automatic differentiation
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// AddBiasAutograd adds a bias row with automatic differentiation
func AddBiasAutograd(x, bias *Tensor) (*Tensor, error) {
	op := &AddBiasOp{}
	return op.Forward(x, bias)
}

// LeakyReLUAutograd performs Leaky ReLU activation with automatic differentiation
func LeakyReLUAutograd(a *Tensor, negativeSlope float64) (*Tensor, error) {
	op := &LeakyReLUOp{negativeSlope: negativeSlope}
	return op.Forward(a)
}

// RowNormalizeAutograd L2-normalises every row with automatic differentiation
func RowNormalizeAutograd(a *Tensor, eps float64) (*Tensor, error) {
	op := &RowNormalizeOp{eps: eps}
	return op.Forward(a)
}

// CastAutograd converts dtype with automatic differentiation
func CastAutograd(a *Tensor, dtype DType) (*Tensor, error) {
	op := &CastOp{dtype: dtype}
	return op.Forward(a)
}

// MSEAutograd computes the (optionally sample weighted) mean squared error
func MSEAutograd(pred, target *Tensor, sampleWeights []float64) (*Tensor, error) {
	op := &MSEOp{weights: sampleWeights}
	return op.Forward(pred, target)
}
