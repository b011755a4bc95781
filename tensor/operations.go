package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same data type: %s vs %s", t1.DType, t2.DType)
	}
	return nil
}

// checkShapesCompatible accepts equal shapes or a single-element operand.
func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if shapesEqual(shape1, shape2) {
		return copyShape(shape1), nil
	}
	if calculateNumElements(shape2) == 1 {
		return copyShape(shape1), nil
	}
	if calculateNumElements(shape1) == 1 {
		return copyShape(shape2), nil
	}
	return nil, fmt.Errorf("tensor shapes are incompatible: %v vs %v", shape1, shape2)
}

func elementwise(t1, t2 *Tensor, name string, fn func(a, b float64) float64) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	shape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}

	a, b := t1.float64View(), t2.float64View()
	n := calculateNumElements(shape)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		av, bv := a[0], b[0]
		if len(a) > 1 {
			av = a[i]
		}
		if len(b) > 1 {
			bv = b[i]
		}
		out[i] = fn(av, bv)
	}
	return newFromFloat64(shape, t1.DType, out)
}

func unary(t *Tensor, fn func(v float64) float64) (*Tensor, error) {
	values := t.float64View()
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = fn(v)
	}
	return newFromFloat64(t.Shape, t.DType, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Add", func(a, b float64) float64 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Sub", func(a, b float64) float64 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Mul", func(a, b float64) float64 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	for _, v := range t2.float64View() {
		if v == 0 {
			return nil, fmt.Errorf("Div: division by zero")
		}
	}
	return elementwise(t1, t2, "Div", func(a, b float64) float64 { return a / b })
}

// Scale multiplies every element by factor.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	return unary(t, func(v float64) float64 { return v * factor })
}

func LeakyReLU(t *Tensor, negativeSlope float64) (*Tensor, error) {
	return unary(t, func(v float64) float64 {
		if v > 0 {
			return v
		}
		return v * negativeSlope
	})
}

func Sqrt(t *Tensor) (*Tensor, error) {
	for _, v := range t.float64View() {
		if v < 0 {
			return nil, fmt.Errorf("Sqrt: negative input %v", v)
		}
	}
	return unary(t, math.Sqrt)
}

// SumAll reduces every element to a one-element tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	sum := 0.0
	for _, v := range t.float64View() {
		sum += v
	}
	return NewTensor([]int{1}, t.DType, []float64{sum})
}

// Mean reduces every element to their arithmetic mean.
func Mean(t *Tensor) (*Tensor, error) {
	sum, err := SumAll(t)
	if err != nil {
		return nil, err
	}
	return Scale(sum, 1/float64(t.NumElems))
}
