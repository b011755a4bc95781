package training

import (
	"github.com/pkg/errors"
)

// ModelInferencer runs forward passes without building gradients for
// parameters.
type ModelInferencer struct {
	model     *EmbeddingModel
	batchSize int
}

// NewModelInferencer creates an inferencer over model. batchSize <= 0 runs
// the whole dataset at once.
func NewModelInferencer(model *EmbeddingModel, batchSize int) *ModelInferencer {
	return &ModelInferencer{model: model, batchSize: batchSize}
}

// Predict returns the regression head output for every sample.
func (mi *ModelInferencer) Predict(ds *Dataset) ([]float64, error) {
	if !mi.model.Heads().HasRegression() {
		return nil, errors.Errorf("model has no regression head (%s)", mi.model.Heads())
	}
	var out []float64
	err := mi.run(ds, func(o Outputs) error {
		out = append(out, o.Regression.Float64s()...)
		return nil
	})
	return out, err
}

// Embed returns the representation of every sample.
func (mi *ModelInferencer) Embed(ds *Dataset) ([][]float64, error) {
	var out [][]float64
	err := mi.run(ds, func(o Outputs) error {
		rows, err := o.Representation.Rows()
		if err != nil {
			return err
		}
		out = append(out, rows...)
		return nil
	})
	return out, err
}

func (mi *ModelInferencer) run(ds *Dataset, collect func(Outputs) error) error {
	params := mi.model.Parameters()
	trainable := make([]bool, len(params))
	for i, p := range params {
		trainable[i] = p.RequiresGrad()
		p.SetRequiresGrad(false)
	}
	defer func() {
		for i, p := range params {
			p.SetRequiresGrad(trainable[i])
		}
	}()

	loader := NewDataLoader(ds, mi.batchSize)
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return err
		}
		o, err := mi.model.Forward(batch.Features)
		if err != nil {
			return errors.Wrapf(err, "forward [%d, %d)", batch.Lo, batch.Hi)
		}
		if err := collect(o); err != nil {
			return err
		}
	}
	return nil
}
