package training

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-pds/checkpoints"
	"go.uber.org/zap"
)

// Training defaults.
const (
	DefaultLearningRate = 1e-3
	DefaultEpochs       = 100
	DefaultBatchSize    = 32
	DefaultPatience     = 9
)

// TrainingConfig holds configuration for a two-phase training run
type TrainingConfig struct {
	Epochs   int // maximum selection epochs
	Patience int // epochs without improvement before stopping

	// Tag names the run's checkpoints and artifacts.
	Tag string
	// FinalPhase names the snapshot saved after retraining. Defaults to
	// checkpoints.PhaseFinal.
	FinalPhase checkpoints.Phase

	// EstimationEpochs > 0 estimates loss coefficients before selection
	// when the runner supports them.
	EstimationEpochs int

	// Artifacts, when set, receives the loss curve PNG under ArtifactDir.
	Artifacts   afero.Fs
	ArtifactDir string
}

// DefaultTrainingConfig returns the default configuration for tag.
func DefaultTrainingConfig(tag string) TrainingConfig {
	return TrainingConfig{
		Epochs:     DefaultEpochs,
		Patience:   DefaultPatience,
		Tag:        tag,
		FinalPhase: checkpoints.PhaseFinal,
	}
}

// TrainingMetrics holds metrics for a single selection epoch
type TrainingMetrics struct {
	Epoch         int
	TrainLoss     float64
	ValidLoss     float64
	EpochDuration time.Duration
}

// Terminal is the way the selection phase ended.
type Terminal int

const (
	// TerminalExhausted means every selection epoch ran.
	TerminalExhausted Terminal = iota
	// TerminalEarlyStopped means patience ran out.
	TerminalEarlyStopped
)

func (t Terminal) String() string {
	if t == TerminalEarlyStopped {
		return "early-stopped"
	}
	return "exhausted"
}

// EarlyStoppingState tracks the selection phase.
type EarlyStoppingState struct {
	BestValLoss              float64
	BestEpoch                int // 1-based, 0 until an improvement
	EpochsWithoutImprovement int
}

// Observe records a validation loss and reports whether it strictly
// improved on the best so far.
func (s *EarlyStoppingState) Observe(epoch int, valLoss float64) bool {
	if valLoss < s.BestValLoss {
		s.BestValLoss = valLoss
		s.BestEpoch = epoch
		s.EpochsWithoutImprovement = 0
		return true
	}
	s.EpochsWithoutImprovement++
	return false
}

// Result is the outcome of a run.
type Result struct {
	History       []TrainingMetrics
	State         EarlyStoppingState
	Terminal      Terminal
	Coefficients  Coefficients
	RetrainLosses []float64
	// PlotPath is the loss curve artifact, empty when none was written.
	PlotPath string
}

// EpochRunner runs one pass over a dataset and returns its mean loss.
type EpochRunner interface {
	RunEpoch(ds *Dataset, objective Objective, training bool) (float64, error)
}

// Balancer is an EpochRunner whose multi-head objectives take loss
// coefficients.
type Balancer interface {
	EpochRunner
	Heads() HeadConfig
	SetCoefficients(Coefficients)
}

// Snapshotter persists the current weights under a name.
type Snapshotter interface {
	Snapshot(ctx context.Context, name string, state checkpoints.TrainingState) error
}

// StoreSnapshotter snapshots a model into a checkpoint store.
type StoreSnapshotter struct {
	Model *EmbeddingModel
	Store checkpoints.Store
	RunID string
}

// Snapshot saves the model's current weights as name.
func (s *StoreSnapshotter) Snapshot(ctx context.Context, name string, state checkpoints.TrainingState) error {
	c := s.Model.Snapshot(state)
	c.Metadata.RunID = s.RunID
	c.Metadata.Description = fmt.Sprintf("%s weights (%s)", state.Phase, s.Model.Heads())
	return s.Store.Save(ctx, name, c)
}

// Trainer runs the two-phase protocol: model selection with early stopping
// on validation loss, then retraining on train+validation for the selected
// number of epochs.
type Trainer struct {
	runner    EpochRunner
	snapshots Snapshotter
	config    TrainingConfig
	logger    *zap.Logger
}

// NewTrainer creates a new Trainer
func NewTrainer(runner EpochRunner, snapshots Snapshotter, config TrainingConfig, logger *zap.Logger) *Trainer {
	if config.FinalPhase == "" {
		config.FinalPhase = checkpoints.PhaseFinal
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		runner:    runner,
		snapshots: snapshots,
		config:    config,
		logger:    logger,
	}
}

// Train runs the complete protocol for objective. Snapshot failures abort
// the run.
func (t *Trainer) Train(ctx context.Context, train, val *Dataset, objective Objective) (*Result, error) {
	if t.config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", t.config.Epochs)
	}
	if t.config.Patience <= 0 {
		return nil, errors.Errorf("patience must be positive, got %d", t.config.Patience)
	}

	combined, err := Combine(train, val)
	if err != nil {
		return nil, errors.Wrap(err, "combining training and validation data")
	}

	result := &Result{State: EarlyStoppingState{BestValLoss: math.Inf(1)}}
	coefficients, err := t.estimate(train, val, objective)
	if err != nil {
		return nil, errors.Wrap(err, "coefficient estimation")
	}
	result.Coefficients = coefficients

	viz := NewVisualizationCollector(t.config.Tag)
	bestName := checkpoints.Name(checkpoints.PhaseBest, t.config.Tag)

	result.Terminal = TerminalExhausted
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "selection stopped before epoch %d", epoch)
		}
		epochStart := time.Now()

		trainLoss, err := t.runner.RunEpoch(train, objective, true)
		if err != nil {
			return nil, errors.Wrapf(err, "training epoch %d", epoch)
		}
		valLoss, err := t.runner.RunEpoch(val, objective, false)
		if err != nil {
			return nil, errors.Wrapf(err, "validation epoch %d", epoch)
		}

		metrics := TrainingMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			ValidLoss:     valLoss,
			EpochDuration: time.Since(epochStart),
		}
		result.History = append(result.History, metrics)
		viz.RecordEpoch(epoch, trainLoss, valLoss)

		t.logger.Info("epoch",
			zap.Int("epoch", epoch),
			zap.Int("epochs", t.config.Epochs),
			zap.Float64("loss", trainLoss),
			zap.Float64("val_loss", valLoss),
			zap.Duration("duration", metrics.EpochDuration))

		if result.State.Observe(epoch, valLoss) {
			state := checkpoints.TrainingState{
				Phase:     string(checkpoints.PhaseBest),
				Epoch:     epoch,
				BestEpoch: epoch,
				BestLoss:  valLoss,
			}
			if err := t.snapshots.Snapshot(ctx, bestName, state); err != nil {
				return nil, errors.Wrapf(err, "saving %s", bestName)
			}
			continue
		}
		if result.State.EpochsWithoutImprovement >= t.config.Patience {
			t.logger.Info("early stopping triggered",
				zap.Int("epoch", epoch),
				zap.Int("best_epoch", result.State.BestEpoch),
				zap.Float64("best_val_loss", result.State.BestValLoss))
			result.Terminal = TerminalEarlyStopped
			break
		}
	}

	t.logger.Info("retraining to the best epoch", zap.Int("best_epoch", result.State.BestEpoch))
	for epoch := 1; epoch <= result.State.BestEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "retraining stopped before epoch %d", epoch)
		}
		loss, err := t.runner.RunEpoch(combined, objective, true)
		if err != nil {
			return nil, errors.Wrapf(err, "retrain epoch %d", epoch)
		}
		result.RetrainLosses = append(result.RetrainLosses, loss)
		viz.RecordRetrainEpoch(loss)
		t.logger.Info("retrain epoch", zap.Int("epoch", epoch), zap.Int("epochs", result.State.BestEpoch), zap.Float64("loss", loss))
	}

	finalName := checkpoints.Name(t.config.FinalPhase, t.config.Tag)
	state := checkpoints.TrainingState{
		Phase:     string(t.config.FinalPhase),
		Epoch:     result.State.BestEpoch,
		BestEpoch: result.State.BestEpoch,
		BestLoss:  result.State.BestValLoss,
	}
	if err := t.snapshots.Snapshot(ctx, finalName, state); err != nil {
		return nil, errors.Wrapf(err, "saving %s", finalName)
	}

	if t.config.Artifacts != nil {
		plotPath := filepath.Join(t.config.ArtifactDir, fmt.Sprintf("training_plot_%s.png", t.config.Tag))
		if err := RenderPNG(t.config.Artifacts, plotPath, viz.GenerateTrainingCurvesPlot()); err != nil {
			t.logger.Warn("failed to write loss plot", zap.String("path", plotPath), zap.Error(err))
		} else {
			result.PlotPath = plotPath
		}
	}
	return result, nil
}

// estimate sets loss coefficients on a Balancer runner for objectives that
// combine several losses.
func (t *Trainer) estimate(train, val *Dataset, objective Objective) (Coefficients, error) {
	b, ok := t.runner.(Balancer)
	if !ok || t.config.EstimationEpochs <= 0 {
		return Coefficients{}, nil
	}
	estimator := NewCoefficientEstimator(t.config.EstimationEpochs, t.logger)

	var c Coefficients
	switch objective {
	case ObjectiveCombined:
		var err error
		if c, err = estimator.Estimate(b, b.Heads(), train); err != nil {
			return c, err
		}
	case ObjectiveRegressionReconstruction:
		lambda, err := estimator.EstimateDecoderBalance(b, train, val)
		if err != nil {
			return c, err
		}
		c.Lambda = &lambda
	default:
		return c, nil
	}
	b.SetCoefficients(c)
	return c, nil
}
