package training

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/tsawler/go-pds/tensor"
	"go.uber.org/zap"
)

// LossDType is the dtype every loss term is cast to before summation.
const LossDType = tensor.Float64

// ErrNoBatches is returned when an epoch processed no batch at all, e.g. a
// pairwise objective over a single sample.
var ErrNoBatches = errors.New("epoch processed no batches")

// Objective selects the loss an epoch optimises.
type Objective int

const (
	// ObjectivePrimary is the pairwise representation loss alone.
	ObjectivePrimary Objective = iota
	// ObjectiveCombined adds the coefficient-weighted regression and
	// reconstruction losses of the enabled heads to the primary loss.
	ObjectiveCombined
	// ObjectiveRegression is the sample-weighted regression MSE alone.
	ObjectiveRegression
	// ObjectiveReconstruction is the reconstruction MSE alone.
	ObjectiveReconstruction
	// ObjectiveRegressionReconstruction is regression MSE plus lambda times
	// reconstruction MSE, without the primary loss.
	ObjectiveRegressionReconstruction
)

func (o Objective) String() string {
	switch o {
	case ObjectivePrimary:
		return "primary"
	case ObjectiveCombined:
		return "combined"
	case ObjectiveRegression:
		return "regression"
	case ObjectiveReconstruction:
		return "reconstruction"
	case ObjectiveRegressionReconstruction:
		return "regression+reconstruction"
	default:
		return "unknown"
	}
}

// pairwise reports whether the objective includes the pairwise loss.
func (o Objective) pairwise() bool {
	return o == ObjectivePrimary || o == ObjectiveCombined
}

// Coefficients balance auxiliary losses against the primary loss. A nil
// coefficient weighs its head's term by 1; a head the model lacks has no term.
type Coefficients struct {
	Gamma  *float64 // regression
	Lambda *float64 // reconstruction
}

// EpochConfig configures an EpochTrainer.
type EpochConfig struct {
	// BatchSize <= 0 uses the whole dataset as one batch.
	BatchSize  int
	Loss       LossConfig
	MissPolicy MissPolicy
	// Tally, when set, accumulates pair statistics of the pairwise batches of
	// training passes. Evaluation passes are not recorded.
	Tally *PairTally
	// Progress, when set, receives a progress bar per epoch.
	Progress io.Writer
}

// EpochTrainer runs single passes over a dataset.
type EpochTrainer struct {
	model        *EmbeddingModel
	optimizer    Optimizer
	config       EpochConfig
	coefficients Coefficients
	logger       *zap.Logger

	resolvers map[*PairWeightTable]*BatchWeightResolver
	epoch     int
}

// NewEpochTrainer creates a trainer updating model with optimizer.
func NewEpochTrainer(model *EmbeddingModel, optimizer Optimizer, config EpochConfig, logger *zap.Logger) *EpochTrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpochTrainer{
		model:     model,
		optimizer: optimizer,
		config:    config,
		logger:    logger,
		resolvers: make(map[*PairWeightTable]*BatchWeightResolver),
	}
}

// SetCoefficients sets the auxiliary loss coefficients.
func (t *EpochTrainer) SetCoefficients(c Coefficients) {
	t.coefficients = c
}

// Coefficients returns the auxiliary loss coefficients.
func (t *EpochTrainer) Coefficients() Coefficients {
	return t.coefficients
}

// Model returns the model being trained.
func (t *EpochTrainer) Model() *EmbeddingModel {
	return t.model
}

// RunEpoch makes one fixed-order pass over ds and returns the mean batch
// loss. With training false no gradients are computed and the weights are
// left unchanged.
func (t *EpochTrainer) RunEpoch(ds *Dataset, objective Objective, training bool) (float64, error) {
	if err := t.checkObjective(objective); err != nil {
		return 0, err
	}
	t.epoch++

	loader := NewDataLoader(ds, t.config.BatchSize)
	var pb *ProgressBar
	if t.config.Progress != nil {
		mode := "eval"
		if training {
			mode = "train"
		}
		pb = NewProgressBar(t.config.Progress, fmt.Sprintf("%s %s", mode, objective), loader.Len())
	}

	total, processed, step := 0.0, 0, 0
	for loader.HasNext() {
		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		step++
		if objective.pairwise() && batch.Size() < 2 {
			t.logger.Debug("skipping batch without pairs", zap.Int("lo", batch.Lo), zap.Int("hi", batch.Hi))
			continue
		}

		loss, err := t.batchLoss(ds, batch, objective, training)
		if err != nil {
			return 0, errors.Wrapf(err, "batch [%d, %d)", batch.Lo, batch.Hi)
		}

		update := training && loss.RequiresGrad()
		if update && objective == ObjectivePrimary {
			unweighted, err := t.unweighted(ds, batch)
			if err != nil {
				return 0, err
			}
			if unweighted {
				t.logger.Debug("no weighted pairs, skipping update", zap.Int("lo", batch.Lo), zap.Int("hi", batch.Hi))
				update = false
			}
		}
		if update {
			t.optimizer.ZeroGrad()
			if err := loss.Backward(); err != nil {
				return 0, errors.Wrap(err, "backward")
			}
			if err := t.optimizer.Step(); err != nil {
				return 0, errors.Wrap(err, "optimizer step")
			}
		}

		value, err := loss.Item()
		if err != nil {
			return 0, err
		}
		total += value
		processed++

		t.logger.Debug("batch",
			zap.Int("epoch", t.epoch),
			zap.Int("batch", step),
			zap.Stringer("objective", objective),
			zap.Bool("training", training),
			zap.Float64("loss", value))
		if pb != nil {
			pb.Update(step, map[string]float64{"loss": total / float64(processed)})
		}
	}
	if pb != nil {
		pb.Finish()
	}

	if processed == 0 {
		return 0, ErrNoBatches
	}
	return total / float64(processed), nil
}

func (t *EpochTrainer) checkObjective(objective Objective) error {
	heads := t.model.Heads()
	switch objective {
	case ObjectivePrimary, ObjectiveCombined:
		return nil
	case ObjectiveRegression:
		if !heads.HasRegression() {
			return errors.Errorf("objective %s needs a regression head, model has %s", objective, heads)
		}
	case ObjectiveReconstruction:
		if !heads.HasDecoder() {
			return errors.Errorf("objective %s needs a decoder head, model has %s", objective, heads)
		}
	case ObjectiveRegressionReconstruction:
		if !heads.HasRegression() || !heads.HasDecoder() {
			return errors.Errorf("objective %s needs regression and decoder heads, model has %s", objective, heads)
		}
	default:
		return errors.Errorf("unknown objective %d", int(objective))
	}
	return nil
}

func (t *EpochTrainer) resolver(table *PairWeightTable) (*BatchWeightResolver, error) {
	if r, ok := t.resolvers[table]; ok {
		return r, nil
	}
	r, err := NewBatchWeightResolver(table, t.config.MissPolicy, 0)
	if err != nil {
		return nil, err
	}
	t.resolvers[table] = r
	return r, nil
}

// unweighted reports whether a batch has no pair in the dataset's weight
// table while misses are skipped, so every pair of the batch weighs zero.
func (t *EpochTrainer) unweighted(ds *Dataset, batch *Batch) (bool, error) {
	if ds.PairWeights == nil || t.config.MissPolicy != MissSkip {
		return false, nil
	}
	r, err := t.resolver(ds.PairWeights)
	if err != nil {
		return false, err
	}
	return len(r.Hits(batch.Lo, batch.Hi)) == 0, nil
}

// batchLoss computes the objective's scalar loss for one batch, in LossDType.
// Pair statistics are tallied for training batches only.
func (t *EpochTrainer) batchLoss(ds *Dataset, batch *Batch, objective Objective, training bool) (*tensor.Tensor, error) {
	out, err := t.model.Forward(batch.Features)
	if err != nil {
		return nil, err
	}

	var terms []*tensor.Tensor
	add := func(term *tensor.Tensor, coefficient float64) error {
		cast, err := tensor.CastAutograd(term, LossDType)
		if err != nil {
			return err
		}
		if coefficient != 1 {
			if cast, err = tensor.ScaleAutograd(cast, coefficient); err != nil {
				return err
			}
		}
		terms = append(terms, cast)
		return nil
	}

	if objective.pairwise() {
		var weights []float64
		if ds.PairWeights != nil {
			r, err := t.resolver(ds.PairWeights)
			if err != nil {
				return nil, err
			}
			weights = r.Resolve(batch.Lo, batch.Hi)
		}
		var tally *PairTally
		if training {
			tally = t.config.Tally
		}
		primary, err := t.config.Loss.Compute(out.Representation, batch.Labels, weights, tally)
		if err != nil {
			return nil, errors.Wrap(err, "pairwise loss")
		}
		if err := add(primary, 1); err != nil {
			return nil, err
		}
	}

	gamma, withRegression := 1.0, false
	lambda, withDecoder := 1.0, false
	switch objective {
	case ObjectiveCombined:
		// A head without an estimated coefficient still trains, at weight 1.
		if withRegression = out.Regression != nil; withRegression && t.coefficients.Gamma != nil {
			gamma = *t.coefficients.Gamma
		}
		if withDecoder = out.Reconstruction != nil; withDecoder && t.coefficients.Lambda != nil {
			lambda = *t.coefficients.Lambda
		}
	case ObjectiveRegression:
		withRegression = true
	case ObjectiveReconstruction:
		withDecoder = true
	case ObjectiveRegressionReconstruction:
		withRegression, withDecoder = true, true
		if t.coefficients.Lambda != nil {
			lambda = *t.coefficients.Lambda
		}
	}

	if withRegression {
		target, err := labelTensor(batch.Labels, out.Regression.DType)
		if err != nil {
			return nil, err
		}
		reg, err := tensor.MSEAutograd(out.Regression, target, batch.SampleWeights)
		if err != nil {
			return nil, errors.Wrap(err, "regression loss")
		}
		if err := add(reg, gamma); err != nil {
			return nil, err
		}
	}
	if withDecoder {
		// Sample weights apply to reconstruction only when it is trained alone.
		var weights []float64
		if objective == ObjectiveReconstruction {
			weights = batch.SampleWeights
		}
		dec, err := tensor.MSEAutograd(out.Reconstruction, batch.Features, weights)
		if err != nil {
			return nil, errors.Wrap(err, "reconstruction loss")
		}
		if err := add(dec, lambda); err != nil {
			return nil, err
		}
	}

	total := terms[0]
	for _, term := range terms[1:] {
		if total, err = tensor.AddAutograd(total, term); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// labelTensor shapes labels as a [n, 1] column.
func labelTensor(labels []float64, dtype tensor.DType) (*tensor.Tensor, error) {
	return tensor.NewTensor([]int{len(labels), 1}, dtype, append([]float64(nil), labels...))
}

// Heads returns the heads of the model being trained.
func (t *EpochTrainer) Heads() HeadConfig {
	return t.model.Heads()
}
