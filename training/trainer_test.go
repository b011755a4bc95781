package training

import (
	"context"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-pds/checkpoints"
	"github.com/tsawler/go-pds/tensor"
)

type recordedSnapshot struct {
	name  string
	state checkpoints.TrainingState
}

type recordingSnapshotter struct {
	saved []recordedSnapshot
	err   error
}

func (s *recordingSnapshotter) Snapshot(ctx context.Context, name string, state checkpoints.TrainingState) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, recordedSnapshot{name, state})
	return nil
}

func smallSplits(t *testing.T) (*Dataset, *Dataset) {
	t.Helper()
	train, err := NewDataset(rowsOf(4, 2, 0), []float64{0, 1, 2, 3}, tensor.Float64)
	require.NoError(t, err)
	val, err := NewDataset(rowsOf(2, 2, 5), []float64{4, 5}, tensor.Float64)
	require.NoError(t, err)
	return train, val
}

func TestTrainerEarlyStopping(t *testing.T) {
	train, val := smallSplits(t)
	runner := newScriptedRunner()
	runner.eval[ObjectivePrimary] = []float64{5, 4, 3, 3.1, 3.2, 3.3}
	snaps := &recordingSnapshotter{}

	config := DefaultTrainingConfig("run1")
	config.Patience = 2
	result, err := NewTrainer(runner, snaps, config, nil).Train(context.Background(), train, val, ObjectivePrimary)
	require.NoError(t, err)

	assert.Equal(t, TerminalEarlyStopped, result.Terminal)
	assert.Len(t, result.History, 5)
	assert.Equal(t, 3, result.State.BestEpoch)
	assert.Equal(t, 3.0, result.State.BestValLoss)
	assert.Equal(t, 2, result.State.EpochsWithoutImprovement)

	// 5 selection epochs, then exactly best_epoch retraining epochs
	assert.Equal(t, 5+3, runner.count(ObjectivePrimary, true))
	assert.Equal(t, 5, runner.count(ObjectivePrimary, false))
	assert.Len(t, result.RetrainLosses, 3)
	for _, call := range runner.calls[10:] {
		assert.Equal(t, 6, call.ds.Len())
	}

	// best after epochs 1-3, final after retraining
	var names []string
	for _, s := range snaps.saved {
		names = append(names, s.name)
	}
	assert.Equal(t, []string{
		"best_model_weights_run1",
		"best_model_weights_run1",
		"best_model_weights_run1",
		"final_model_weights_run1",
	}, names)
	assert.Equal(t, 3, snaps.saved[2].state.BestEpoch)
	assert.Equal(t, "final", snaps.saved[3].state.Phase)
}

func TestTrainerExhaustsEpochs(t *testing.T) {
	train, val := smallSplits(t)
	runner := newScriptedRunner()
	runner.eval[ObjectivePrimary] = []float64{3, 2, 2.5, 1}

	config := DefaultTrainingConfig("x")
	config.Epochs = 4
	config.Patience = 3
	config.FinalPhase = checkpoints.PhaseExtended
	snaps := &recordingSnapshotter{}
	result, err := NewTrainer(runner, snaps, config, nil).Train(context.Background(), train, val, ObjectivePrimary)
	require.NoError(t, err)

	assert.Equal(t, TerminalExhausted, result.Terminal)
	assert.Equal(t, 4, result.State.BestEpoch)
	assert.Len(t, result.RetrainLosses, 4)
	assert.Equal(t, "extended_model_weights_x", snaps.saved[len(snaps.saved)-1].name)
}

func TestTrainerRetrainIgnoresMaxEpochs(t *testing.T) {
	train, val := smallSplits(t)
	runner := newScriptedRunner()
	runner.eval[ObjectivePrimary] = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	config := DefaultTrainingConfig("x")
	config.Patience = 9
	result, err := NewTrainer(runner, &recordingSnapshotter{}, config, nil).Train(context.Background(), train, val, ObjectivePrimary)
	require.NoError(t, err)

	assert.Equal(t, TerminalEarlyStopped, result.Terminal)
	assert.Len(t, result.History, 10)
	assert.Equal(t, 1, result.State.BestEpoch)
	assert.Len(t, result.RetrainLosses, 1)
}

func TestTrainerFailures(t *testing.T) {
	train, val := smallSplits(t)

	t.Run("Snapshot errors are fatal", func(t *testing.T) {
		boom := errors.New("disk full")
		_, err := NewTrainer(newScriptedRunner(), &recordingSnapshotter{err: boom}, DefaultTrainingConfig("x"), nil).
			Train(context.Background(), train, val, ObjectivePrimary)
		assert.Equal(t, boom, errors.Cause(err))
	})

	t.Run("Cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		runner := newScriptedRunner()
		_, err := NewTrainer(runner, &recordingSnapshotter{}, DefaultTrainingConfig("x"), nil).Train(ctx, train, val, ObjectivePrimary)
		assert.Equal(t, context.Canceled, errors.Cause(err))
		assert.Empty(t, runner.calls)
	})

	t.Run("One-sided sample weights fail before training", func(t *testing.T) {
		weighted, err := train.WithSampleWeights([]float64{1, 1, 2, 2})
		require.NoError(t, err)
		runner := newScriptedRunner()
		_, err = NewTrainer(runner, &recordingSnapshotter{}, DefaultTrainingConfig("x"), nil).
			Train(context.Background(), weighted, val, ObjectivePrimary)
		assert.Equal(t, ErrSampleWeightMismatch, errors.Cause(err))
		assert.Empty(t, runner.calls)
	})

	t.Run("Invalid configuration", func(t *testing.T) {
		config := DefaultTrainingConfig("x")
		config.Patience = 0
		_, err := NewTrainer(newScriptedRunner(), &recordingSnapshotter{}, config, nil).Train(context.Background(), train, val, ObjectivePrimary)
		assert.Error(t, err)
	})
}

func TestTrainerEstimatesCoefficients(t *testing.T) {
	train, val := smallSplits(t)
	runner := newScriptedRunner()
	runner.heads = HeadsPrimaryRegression
	runner.train[ObjectiveRegression] = []float64{2}
	runner.train[ObjectivePrimary] = []float64{4}
	runner.eval[ObjectiveCombined] = []float64{1, 2}

	config := DefaultTrainingConfig("x")
	config.Epochs = 2
	config.EstimationEpochs = 2
	result, err := NewTrainer(runner, &recordingSnapshotter{}, config, nil).Train(context.Background(), train, val, ObjectiveCombined)
	require.NoError(t, err)

	require.NotNil(t, result.Coefficients.Gamma)
	assert.Equal(t, 2.0, *result.Coefficients.Gamma)
	require.NotNil(t, runner.coefficients)
	assert.Equal(t, 2.0, *runner.coefficients.Gamma)
	assert.Equal(t, 2, runner.count(ObjectiveRegression, true))
}

func TestTrainerWritesLossPlot(t *testing.T) {
	train, val := smallSplits(t)
	fs := afero.NewMemMapFs()

	config := DefaultTrainingConfig("plot")
	config.Epochs = 3
	config.Artifacts = fs
	config.ArtifactDir = "artifacts"
	result, err := NewTrainer(newScriptedRunner(), &recordingSnapshotter{}, config, nil).Train(context.Background(), train, val, ObjectivePrimary)
	require.NoError(t, err)

	assert.Equal(t, "artifacts/training_plot_plot.png", result.PlotPath)
	data, err := afero.ReadFile(fs, result.PlotPath)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))
}

func TestTrainerEndToEnd(t *testing.T) {
	train := randomDataset(t, 8, 4, 31)
	val := randomDataset(t, 4, 4, 32)

	model := newTestModel(t, HeadsPrimary, 5)
	opt := NewAdam(model.Parameters(), 1e-2, DefaultBeta1, DefaultBeta2, DefaultEpsilon, 0)
	epochs := NewEpochTrainer(model, opt, EpochConfig{BatchSize: 4}, nil)

	store := checkpoints.NewMemoryStore()
	require.NoError(t, store.Init(context.Background()))
	snaps := &StoreSnapshotter{Model: model, Store: store, RunID: "e2e"}

	config := DefaultTrainingConfig("e2e")
	config.Epochs = 4
	result, err := NewTrainer(epochs, snaps, config, nil).Train(context.Background(), train, val, ObjectivePrimary)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.History), 4)

	names, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "best_model_weights_e2e")
	assert.Contains(t, names, "final_model_weights_e2e")

	final, err := store.Load(context.Background(), "final_model_weights_e2e")
	require.NoError(t, err)
	assert.Equal(t, "e2e", final.Metadata.RunID)

	restored := newTestModel(t, HeadsPrimary, 99)
	require.NoError(t, restored.Restore(final))
	x, _ := tensor.RandomNormal([]int{2, 4}, 0, 1, tensor.Float64, rand.New(rand.NewSource(1)))
	a, _ := model.Forward(x)
	b, _ := restored.Forward(x)
	assert.InDeltaSlice(t, a.Representation.Float64s(), b.Representation.Float64s(), 1e-12)
}

func TestTrainerCombinedWithoutEstimation(t *testing.T) {
	train := randomDataset(t, 8, 4, 41)
	val := randomDataset(t, 4, 4, 42)

	model := newTestModel(t, HeadsPrimaryRegression, 7)
	before := model.regression.Parameters()[0].Float64s()
	opt := NewAdam(model.Parameters(), 1e-2, DefaultBeta1, DefaultBeta2, DefaultEpsilon, 0)
	epochs := NewEpochTrainer(model, opt, EpochConfig{BatchSize: 4}, nil)

	config := DefaultTrainingConfig("plain")
	config.Epochs = 3
	config.EstimationEpochs = 0
	result, err := NewTrainer(epochs, &recordingSnapshotter{}, config, nil).Train(context.Background(), train, val, ObjectiveCombined)
	require.NoError(t, err)

	assert.Nil(t, result.Coefficients.Gamma)
	assert.NotEqual(t, before, model.regression.Parameters()[0].Float64s())
}
