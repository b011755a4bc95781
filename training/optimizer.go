package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-pds/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates parameters that received gradients
	ZeroGrad()        // Clears gradients of all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// Adam hyperparameter defaults.
const (
	DefaultBeta1   = 0.9
	DefaultBeta2   = 0.999
	DefaultEpsilon = 1e-7
)

// NewOptimizer builds an optimizer by name: "adam" (default) or "sgd".
func NewOptimizer(name string, parameters []*tensor.Tensor, lr float64) (Optimizer, error) {
	switch name {
	case "", "adam":
		return NewAdam(parameters, lr, DefaultBeta1, DefaultBeta2, DefaultEpsilon, 0), nil
	case "sgd":
		return NewSGD(parameters, lr, 0, 0), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", name)
	}
}

// update computes new parameter values from the current values and gradient
type update func(param *tensor.Tensor, values, grad []float64)

// applyUpdates runs fn for every parameter with a gradient and writes the
// result back in place. Frozen parameters and those without gradients are
// left untouched.
func applyUpdates(parameters []*tensor.Tensor, fn update) error {
	for _, param := range parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		values := param.Float64s()
		grad := param.Grad().Float64s()
		if len(values) != len(grad) {
			return fmt.Errorf("gradient has %d elements, parameter has %d", len(grad), len(values))
		}
		fn(param, values, grad)
		if err := param.SetData(values); err != nil {
			return fmt.Errorf("parameter data update failed: %v", err)
		}
	}
	return nil
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	return applyUpdates(sgd.parameters, func(param *tensor.Tensor, values, grad []float64) {
		velocity := sgd.velocities[param]
		if sgd.momentum > 0 && velocity == nil {
			velocity = make([]float64, len(values))
			sgd.velocities[param] = velocity
		}
		for i := range values {
			g := grad[i] + sgd.weightDecay*values[i]
			if sgd.momentum > 0 {
				// velocity = momentum * velocity + grad
				velocity[i] = sgd.momentum*velocity[i] + g
				g = velocity[i]
			}
			values[i] -= sgd.learningRate * g
		}
	})
}

// ZeroGrad resets gradients for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float64 // First moment estimates
	v           map[*tensor.Tensor][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	return applyUpdates(adam.parameters, func(param *tensor.Tensor, values, grad []float64) {
		m, v := adam.m[param], adam.v[param]
		if m == nil {
			m = make([]float64, len(values))
			v = make([]float64, len(values))
			adam.m[param], adam.v[param] = m, v
		}
		for i := range values {
			g := grad[i] + adam.weightDecay*values[i]
			m[i] = adam.beta1*m[i] + (1-adam.beta1)*g
			v[i] = adam.beta2*v[i] + (1-adam.beta2)*g*g

			mHat := m[i] / bias1
			vHat := v[i] / bias2
			values[i] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	})
}

// ZeroGrad resets gradients for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}
