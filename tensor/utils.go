package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a new tensor with the same data but different shape.
// The new shape must have the same total number of elements; one dimension
// may be -1 and is then inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	newNumElems := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems = t.NumElems
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, newNumElems)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        copyShape(t.Shape),
		Strides:      copyShape(t.Strides),
		DType:        t.DType,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	switch data := t.Data.(type) {
	case []float32:
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case []float64:
		cloneData := make([]float64, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported data for Clone: %T", t.Data)
	}

	return clone, nil
}

// Float64s returns a float64 copy of the tensor data.
func (t *Tensor) Float64s() []float64 {
	switch data := t.Data.(type) {
	case []float64:
		out := make([]float64, len(data))
		copy(out, data)
		return out
	case []float32:
		out := make([]float64, len(data))
		for i, v := range data {
			out[i] = float64(v)
		}
		return out
	default:
		return nil
	}
}

// float64View avoids the copy when the tensor already stores float64. The
// returned slice must not be mutated.
func (t *Tensor) float64View() []float64 {
	if data, ok := t.Data.([]float64); ok {
		return data
	}
	return t.Float64s()
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() can only be called on single-element tensors, got %d elements", t.NumElems)
	}
	return t.At(0)
}

// At returns the value at the given multi-dimensional index. A single index
// addresses the flat data.
func (t *Tensor) At(indices ...int) (float64, error) {
	idx := 0
	if len(indices) == 1 {
		idx = indices[0]
	} else {
		if len(indices) != len(t.Shape) {
			return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
		}
		for i, v := range indices {
			if v < 0 || v >= t.Shape[i] {
				return 0, fmt.Errorf("index %d out of bounds for dimension %d of size %d", v, i, t.Shape[i])
			}
			idx += v * t.Strides[i]
		}
	}
	if idx < 0 || idx >= t.NumElems {
		return 0, fmt.Errorf("flat index %d out of bounds for %d elements", idx, t.NumElems)
	}

	switch data := t.Data.(type) {
	case []float32:
		return float64(data[idx]), nil
	case []float64:
		return data[idx], nil
	default:
		return 0, fmt.Errorf("unsupported data for At: %T", t.Data)
	}
}

// Rows returns a 2-D tensor as a float64 matrix.
func (t *Tensor) Rows() ([][]float64, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Rows requires a 2D tensor, got shape %v", t.Shape)
	}
	values := t.Float64s()
	cols := t.Shape[1]
	rows := make([][]float64, t.Shape[0])
	for i := range rows {
		rows[i] = values[i*cols : (i+1)*cols]
	}
	return rows, nil
}

// SliceRows copies rows [lo, hi) of a tensor along its first dimension.
func (t *Tensor) SliceRows(lo, hi int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot slice a scalar tensor")
	}
	if lo < 0 || hi > t.Shape[0] || lo >= hi {
		return nil, fmt.Errorf("invalid row range [%d, %d) for %d rows", lo, hi, t.Shape[0])
	}
	rowSize := t.NumElems / t.Shape[0]
	shape := copyShape(t.Shape)
	shape[0] = hi - lo

	switch data := t.Data.(type) {
	case []float32:
		out := make([]float32, (hi-lo)*rowSize)
		copy(out, data[lo*rowSize:hi*rowSize])
		return NewTensor(shape, t.DType, out)
	case []float64:
		out := make([]float64, (hi-lo)*rowSize)
		copy(out, data[lo*rowSize:hi*rowSize])
		return NewTensor(shape, t.DType, out)
	default:
		return nil, fmt.Errorf("unsupported data for SliceRows: %T", t.Data)
	}
}

// Cast converts the tensor to dtype without recording graph history.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone()
	}
	return NewTensor(t.Shape, dtype, t.Float64s())
}

func (t *Tensor) Size() []int {
	return copyShape(t.Shape)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// AllClose reports whether both tensors have the same shape and all values
// within tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	a, b := t.float64View(), other.float64View()
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// PrintData returns a string with at most maxElements values.
func (t *Tensor) PrintData(maxElements int) string {
	values := t.float64View()
	n := len(values)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}

	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%.4f", values[i])
	}
	suffix := ""
	if n < len(values) {
		suffix = ", ..."
	}
	return fmt.Sprintf("%s[%s%s]", t.String(), strings.Join(parts, ", "), suffix)
}

// ZeroGrad clears accumulated gradients on the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}

func FromScalar(value float64, dtype DType) *Tensor {
	t, _ := NewTensor([]int{1}, dtype, value)
	return t
}
