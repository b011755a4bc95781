package training

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-pds/checkpoints"
	"github.com/tsawler/go-pds/layers"
	"github.com/tsawler/go-pds/tensor"
)

// ErrHeadArity is returned when a model's outputs do not match its head
// configuration.
var ErrHeadArity = errors.New("model outputs do not match head configuration")

// HeadConfig selects which outputs an EmbeddingModel produces. The
// representation is always present.
type HeadConfig int

const (
	HeadsPrimary HeadConfig = iota
	HeadsPrimaryRegression
	HeadsPrimaryDecoder
	HeadsPrimaryRegressionDecoder
)

// HeadConfigFor maps the regression and reconstruction flags to a head configuration.
func HeadConfigFor(withRegression, withDecoder bool) HeadConfig {
	switch {
	case withRegression && withDecoder:
		return HeadsPrimaryRegressionDecoder
	case withRegression:
		return HeadsPrimaryRegression
	case withDecoder:
		return HeadsPrimaryDecoder
	default:
		return HeadsPrimary
	}
}

func (h HeadConfig) HasRegression() bool {
	return h == HeadsPrimaryRegression || h == HeadsPrimaryRegressionDecoder
}

func (h HeadConfig) HasDecoder() bool {
	return h == HeadsPrimaryDecoder || h == HeadsPrimaryRegressionDecoder
}

func (h HeadConfig) String() string {
	switch h {
	case HeadsPrimary:
		return "primary"
	case HeadsPrimaryRegression:
		return "primary+regression"
	case HeadsPrimaryDecoder:
		return "primary+decoder"
	case HeadsPrimaryRegressionDecoder:
		return "primary+regression+decoder"
	default:
		return "unknown"
	}
}

// Outputs holds the named model outputs. Heads absent from the
// configuration are nil.
type Outputs struct {
	Representation *tensor.Tensor
	Regression     *tensor.Tensor
	Reconstruction *tensor.Tensor
}

// Validate checks that exactly the outputs of heads are present.
func (o Outputs) Validate(heads HeadConfig) error {
	if o.Representation == nil {
		return errors.Wrap(ErrHeadArity, "missing representation")
	}
	if (o.Regression != nil) != heads.HasRegression() {
		return errors.Wrapf(ErrHeadArity, "regression output present=%v for %s", o.Regression != nil, heads)
	}
	if (o.Reconstruction != nil) != heads.HasDecoder() {
		return errors.Wrapf(ErrHeadArity, "reconstruction output present=%v for %s", o.Reconstruction != nil, heads)
	}
	return nil
}

// ModelConfig describes an EmbeddingModel.
type ModelConfig struct {
	InputDim  int
	OutputDim int
	FeatDim   int
	Hiddens   []int
	// Normalize appends a unit-norm layer after the representation.
	Normalize     bool
	Heads         HeadConfig
	NegativeSlope float64
	DType         tensor.DType
}

// DefaultModelConfig returns the standard architecture for inputDim features.
func DefaultModelConfig(inputDim int) ModelConfig {
	return ModelConfig{
		InputDim:      inputDim,
		OutputDim:     1,
		FeatDim:       9,
		Hiddens:       []int{18},
		Normalize:     true,
		Heads:         HeadsPrimary,
		NegativeSlope: layers.DefaultNegativeSlope,
		DType:         tensor.Float32,
	}
}

func (c ModelConfig) validate() error {
	if c.InputDim <= 0 || c.FeatDim <= 0 {
		return errors.Errorf("input dim %d and feature dim %d must be positive", c.InputDim, c.FeatDim)
	}
	if c.Heads.HasRegression() && c.OutputDim <= 0 {
		return errors.Errorf("output dim %d must be positive", c.OutputDim)
	}
	for _, h := range c.Hiddens {
		if h <= 0 {
			return errors.Errorf("hidden width %d must be positive", h)
		}
	}
	return nil
}

// EmbeddingModel maps feature vectors to a representation plus optional
// regression and reconstruction outputs.
type EmbeddingModel struct {
	config     ModelConfig
	encoder    *Sequential
	regression *Sequential
	decoder    *Sequential
}

// NewEmbeddingModel builds a model with weights initialised from rng.
func NewEmbeddingModel(config ModelConfig, rng *rand.Rand) (*EmbeddingModel, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}

	encoderSpec, err := encoderSpec(config)
	if err != nil {
		return nil, errors.Wrap(err, "encoder")
	}
	m := &EmbeddingModel{config: config}
	if m.encoder, err = NewSequential(encoderSpec, config.DType, rng); err != nil {
		return nil, err
	}

	if config.Heads.HasRegression() {
		spec, err := layers.NewModelBuilder("regression", []int{-1, config.FeatDim}).
			AddDense(config.OutputDim, true, "regression_head").
			Compile()
		if err != nil {
			return nil, errors.Wrap(err, "regression head")
		}
		if m.regression, err = NewSequential(spec, config.DType, rng); err != nil {
			return nil, err
		}
	}

	if config.Heads.HasDecoder() {
		b := layers.NewModelBuilder("decoder", []int{-1, config.FeatDim})
		for i := len(config.Hiddens) - 1; i >= 0; i-- {
			k := len(config.Hiddens) - i
			b.AddDense(config.Hiddens[i], true, fmt.Sprintf("decoder_dense_%d", k)).
				AddLeakyReLU(config.NegativeSlope, fmt.Sprintf("decoder_activation_%d", k))
		}
		spec, err := b.AddDense(config.InputDim, true, "decoder_head").Compile()
		if err != nil {
			return nil, errors.Wrap(err, "decoder head")
		}
		if m.decoder, err = NewSequential(spec, config.DType, rng); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func encoderSpec(config ModelConfig) (*layers.ModelSpec, error) {
	b := layers.NewModelBuilder("encoder", []int{-1, config.InputDim})
	for i, h := range config.Hiddens {
		b.AddDense(h, true, fmt.Sprintf("dense_%d", i+1)).
			AddLeakyReLU(config.NegativeSlope, fmt.Sprintf("leaky_relu_%d", i+1))
	}
	b.AddDense(config.FeatDim, true, "repr_layer").
		AddLeakyReLU(config.NegativeSlope, "repr_activation")
	if config.Normalize {
		b.AddNormalize(layers.DefaultNormalizeEps, "normalize_layer")
	}
	return b.Compile()
}

// AddRegressionProjectionHead returns a model that shares base's encoder and
// replaces its heads with projection layers feeding a new regression head.
// hiddens defaults to [6]. With freezeFeatures the shared encoder stops
// receiving gradients, in base as well.
func AddRegressionProjectionHead(base *EmbeddingModel, outputDim int, hiddens []int, freezeFeatures bool, rng *rand.Rand) (*EmbeddingModel, error) {
	if hiddens == nil {
		hiddens = []int{6}
	}
	if outputDim <= 0 {
		return nil, errors.Errorf("output dim %d must be positive", outputDim)
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}

	b := layers.NewModelBuilder("projection", []int{-1, base.config.FeatDim})
	for i, h := range hiddens {
		b.AddDense(h, true, fmt.Sprintf("projection_layer_%d", i+1)).
			AddLeakyReLU(base.config.NegativeSlope, fmt.Sprintf("projection_activation_%d", i+1))
	}
	spec, err := b.AddDense(outputDim, true, "regression_head").Compile()
	if err != nil {
		return nil, errors.Wrap(err, "projection head")
	}
	head, err := NewSequential(spec, base.config.DType, rng)
	if err != nil {
		return nil, err
	}

	base.encoder.SetFrozen(freezeFeatures)

	config := base.config
	config.OutputDim = outputDim
	config.Heads = HeadsPrimaryRegression
	return &EmbeddingModel{
		config:     config,
		encoder:    base.encoder,
		regression: head,
	}, nil
}

// Forward runs the model on a [batch, input_dim] tensor.
func (m *EmbeddingModel) Forward(x *tensor.Tensor) (Outputs, error) {
	var out Outputs
	if x.DType != m.config.DType {
		cast, err := x.Cast(m.config.DType)
		if err != nil {
			return out, err
		}
		x = cast
	}

	z, err := m.encoder.Forward(x)
	if err != nil {
		return out, errors.Wrap(err, "encoder")
	}
	out.Representation = z

	if m.regression != nil {
		if out.Regression, err = m.regression.Forward(z); err != nil {
			return out, errors.Wrap(err, "regression head")
		}
	}
	if m.decoder != nil {
		if out.Reconstruction, err = m.decoder.Forward(z); err != nil {
			return out, errors.Wrap(err, "decoder head")
		}
	}
	return out, out.Validate(m.config.Heads)
}

// Heads returns the model's head configuration.
func (m *EmbeddingModel) Heads() HeadConfig { return m.config.Heads }

// Config returns the model configuration.
func (m *EmbeddingModel) Config() ModelConfig { return m.config }

// Encoder returns the layers producing the representation.
func (m *EmbeddingModel) Encoder() *Sequential { return m.encoder }

// Parameters returns every parameter of the model, frozen ones included.
func (m *EmbeddingModel) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, s := range m.parts() {
		params = append(params, s.Parameters()...)
	}
	return params
}

// TrainableParameters returns the parameters that currently receive gradients.
func (m *EmbeddingModel) TrainableParameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, p := range m.Parameters() {
		if p.RequiresGrad() {
			params = append(params, p)
		}
	}
	return params
}

func (m *EmbeddingModel) parts() []*Sequential {
	parts := []*Sequential{m.encoder}
	if m.regression != nil {
		parts = append(parts, m.regression)
	}
	if m.decoder != nil {
		parts = append(parts, m.decoder)
	}
	return parts
}

func (m *EmbeddingModel) linears() []*Linear {
	var out []*Linear
	for _, s := range m.parts() {
		out = append(out, s.Linears()...)
	}
	return out
}

// Summary describes every part of the model.
func (m *EmbeddingModel) Summary() string {
	s := fmt.Sprintf("EmbeddingModel (%s)\n", m.config.Heads)
	for _, part := range m.parts() {
		s += part.Spec().Summary()
	}
	return s
}

// Snapshot copies the current weights into a checkpoint.
func (m *EmbeddingModel) Snapshot(state checkpoints.TrainingState) *checkpoints.Checkpoint {
	c := &checkpoints.Checkpoint{
		ModelSpec:     m.encoder.Spec(),
		TrainingState: state,
	}
	for _, l := range m.linears() {
		c.Weights = append(c.Weights, weightTensor(l.Name(), "weight", l.Weight()))
		if l.Bias() != nil {
			c.Weights = append(c.Weights, weightTensor(l.Name(), "bias", l.Bias()))
		}
	}
	return c
}

func weightTensor(layer, kind string, t *tensor.Tensor) checkpoints.WeightTensor {
	return checkpoints.WeightTensor{
		Name:  checkpoints.WeightName(layer, kind),
		Shape: append([]int(nil), t.Shape...),
		Data:  t.Float64s(),
		Layer: layer,
		Type:  kind,
	}
}

// Restore loads weights from a checkpoint. Every model parameter must be
// present with a matching shape.
func (m *EmbeddingModel) Restore(c *checkpoints.Checkpoint) error {
	type target struct {
		name string
		t    *tensor.Tensor
	}
	var targets []target
	for _, l := range m.linears() {
		targets = append(targets, target{checkpoints.WeightName(l.Name(), "weight"), l.Weight()})
		if l.Bias() != nil {
			targets = append(targets, target{checkpoints.WeightName(l.Name(), "bias"), l.Bias()})
		}
	}

	// Verify everything before mutating so a bad checkpoint leaves the model intact
	for _, tg := range targets {
		w, ok := c.Weight(tg.name)
		if !ok {
			return errors.Errorf("checkpoint has no weight %s", tg.name)
		}
		if fmt.Sprint(w.Shape) != fmt.Sprint(tg.t.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs checkpoint %v", tg.name, tg.t.Shape, w.Shape)
		}
	}
	for _, tg := range targets {
		w, _ := c.Weight(tg.name)
		data := append([]float64(nil), w.Data...)
		if err := tg.t.SetData(data); err != nil {
			return errors.Wrapf(err, "failed to copy weight data for %s", tg.name)
		}
	}
	return nil
}
