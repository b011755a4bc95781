package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-pds/layers"
	"github.com/tsawler/go-pds/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns parameters, frozen ones included
	Name() string
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	name   string
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform weights
// drawn from rng and zero biases.
func NewLinear(name string, inputSize, outputSize int, bias bool, dtype tensor.DType, rng *rand.Rand) (*Linear, error) {
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	// Weight shape is [inputSize, outputSize] to work with MatMul
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, dtype, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{name: name, weight: weight}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, dtype)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("%s: input size mismatch: expected %d, got %d", l.name, l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("%s: matmul failed: %v", l.name, err)
	}

	if l.bias != nil {
		output, err = tensor.AddBiasAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("%s: bias addition failed: %v", l.name, err)
		}
	}

	return output, nil
}

// Parameters returns the weight and, when present, the bias
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias != nil {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

func (l *Linear) Name() string { return l.name }

// Weight returns the [in, out] weight matrix.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias returns the bias vector, or nil.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// LeakyReLU implements the leaky rectifier activation
type LeakyReLU struct {
	name          string
	negativeSlope float64
}

func NewLeakyReLU(name string, negativeSlope float64) *LeakyReLU {
	return &LeakyReLU{name: name, negativeSlope: negativeSlope}
}

func (r *LeakyReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLUAutograd(input, r.negativeSlope)
}

func (r *LeakyReLU) Parameters() []*tensor.Tensor { return nil }

func (r *LeakyReLU) Name() string { return r.name }

// Normalize scales every row to unit L2 norm: x / (||x|| + eps)
type Normalize struct {
	name string
	eps  float64
}

func NewNormalize(name string, eps float64) *Normalize {
	return &Normalize{name: name, eps: eps}
}

func (n *Normalize) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.RowNormalizeAutograd(input, n.eps)
}

func (n *Normalize) Parameters() []*tensor.Tensor { return nil }

func (n *Normalize) Name() string { return n.name }

// Sequential is a container that chains modules
type Sequential struct {
	spec    *layers.ModelSpec
	modules []Module
}

// NewSequential instantiates a compiled layer spec.
func NewSequential(spec *layers.ModelSpec, dtype tensor.DType, rng *rand.Rand) (*Sequential, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	s := &Sequential{spec: spec}
	for _, layer := range spec.Layers {
		var module Module
		switch layer.Type {
		case layers.Dense:
			linear, err := NewLinear(layer.Name,
				layers.GetIntParam(layer.Parameters, "input_size", layer.InputShape[1]),
				layers.GetIntParam(layer.Parameters, "output_size", 0),
				layers.GetBoolParam(layer.Parameters, "use_bias", true),
				dtype, rng)
			if err != nil {
				return nil, err
			}
			module = linear
		case layers.LeakyReLU:
			module = NewLeakyReLU(layer.Name, layers.GetFloatParam(layer.Parameters, "negative_slope", layers.DefaultNegativeSlope))
		case layers.Normalize:
			module = NewNormalize(layer.Name, layers.GetFloatParam(layer.Parameters, "eps", layers.DefaultNormalizeEps))
		default:
			return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
		}
		s.modules = append(s.modules, module)
	}

	if spec.Layers[0].Frozen {
		s.SetFrozen(true)
	}
	return s, nil
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d (%s) forward failed: %v", i, module.Name(), err)
		}
	}

	return output, nil
}

// Parameters returns all parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

func (s *Sequential) Name() string { return s.spec.Name }

// Spec returns the layer description the container was built from.
func (s *Sequential) Spec() *layers.ModelSpec { return s.spec }

// Linears returns the dense layers in order.
func (s *Sequential) Linears() []*Linear {
	var out []*Linear
	for _, m := range s.modules {
		if l, ok := m.(*Linear); ok {
			out = append(out, l)
		}
	}
	return out
}

// SetFrozen enables or disables gradients for every parameter.
func (s *Sequential) SetFrozen(frozen bool) {
	for _, p := range s.Parameters() {
		p.SetRequiresGrad(!frozen)
	}
	for i := range s.spec.Layers {
		s.spec.Layers[i].Frozen = frozen
	}
}
