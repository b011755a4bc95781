package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	tensor := &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data == nil {
		data = 0.0
	}
	if err := tensor.setData(data); err != nil {
		return nil, err
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case []float64:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			slice := make([]float32, len(d))
			for i, v := range d {
				slice[i] = float32(v)
			}
			t.Data = slice
		case float32:
			t.Data = fillFloat32(t.NumElems, d)
		case float64:
			t.Data = fillFloat32(t.NumElems, float32(d))
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Float64:
		switch d := data.(type) {
		case []float64:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			slice := make([]float64, len(d))
			for i, v := range d {
				slice[i] = float64(v)
			}
			t.Data = slice
		case float64:
			t.Data = fillFloat64(t.NumElems, d)
		case float32:
			t.Data = fillFloat64(t.NumElems, float64(d))
		default:
			return fmt.Errorf("unsupported data type for Float64 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// SetData replaces the tensor contents in place, keeping its shape. Graph
// history is untouched, so it is safe for optimizer updates on leaves.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

func fillFloat32(n int, v float32) []float32 {
	slice := make([]float32, n)
	for i := range slice {
		slice[i] = v
	}
	return slice
}

func fillFloat64(n int, v float64) []float64 {
	slice := make([]float64, n)
	for i := range slice {
		slice[i] = v
	}
	return slice
}

// newFromFloat64 builds a tensor of the given dtype from float64 values. The
// slice is owned by the result when dtype is Float64.
func newFromFloat64(shape []int, dtype DType, values []float64) (*Tensor, error) {
	return NewTensor(shape, dtype, values)
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, 0.0)
}

func Ones(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, 1.0)
}

func Full(shape []int, value float64, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, value)
}

// FromVector creates a 1-D tensor.
func FromVector(values []float64, dtype DType) (*Tensor, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("cannot create tensor from empty vector")
	}
	data := make([]float64, len(values))
	copy(data, values)
	return NewTensor([]int{len(values)}, dtype, data)
}

// FromRows creates a 2-D tensor of shape [len(rows), len(rows[0])].
func FromRows(rows [][]float64, dtype DType) (*Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("cannot create tensor from empty rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return NewTensor([]int{len(rows), cols}, dtype, data)
}

// RandomUniform samples U(lo, hi) from rng.
func RandomUniform(shape []int, lo, hi float64, dtype DType, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("RandomUniform requires a random source")
	}

	values := make([]float64, calculateNumElements(shape))
	for i := range values {
		values[i] = lo + rng.Float64()*(hi-lo)
	}
	return NewTensor(shape, dtype, values)
}

func RandomNormal(shape []int, mean, std float64, dtype DType, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("RandomNormal requires a random source")
	}

	values := make([]float64, calculateNumElements(shape))
	for i := range values {
		values[i] = rng.NormFloat64()*std + mean
	}
	return NewTensor(shape, dtype, values)
}
