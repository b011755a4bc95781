// Command pdstrain trains a pairwise distance-matching embedding, optionally
// adds a regression projection head on top of it, and evaluates the result.
package main

import (
	"context"
	"io"
	"math/rand"
	"os"
	"os/signal"

	arg "github.com/alexflint/go-arg"
	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-pds/checkpoints"
	"github.com/tsawler/go-pds/config"
	"github.com/tsawler/go-pds/data"
	"github.com/tsawler/go-pds/evaluate"
	"github.com/tsawler/go-pds/training"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type args struct {
	Config   string `arg:"positional,required" help:"YAML run configuration"`
	Tag      string `arg:"--tag" help:"run tag naming checkpoints and artifacts (default: random UUID)"`
	Progress bool   `arg:"--progress" help:"draw progress bars on stderr"`
	Verbose  bool   `arg:"-v,--verbose" help:"log every batch"`
}

func (args) Description() string {
	return "pdstrain trains a pairwise distance-matching representation and evaluates it"
}

// newLogger splits output to stdout and stderr based on level.
func newLogger(verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= level && lvl < zapcore.ErrorLevel
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isInfoLevel),
	)
	return zap.New(core, zap.AddCaller())
}

func main() {
	var a args
	arg.MustParse(&a)

	logger := newLogger(a.Verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, a, logger); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

// runner holds what a single invocation shares across stages.
type runner struct {
	cfg      *config.Config
	fs       afero.Fs
	tag      string
	rng      *rand.Rand
	store    checkpoints.Store
	progress io.Writer
	logger   *zap.Logger
}

func run(ctx context.Context, a args, logger *zap.Logger) error {
	cfg, err := config.Load(a.Config)
	if err != nil {
		return err
	}
	tag := a.Tag
	if tag == "" {
		tag = uuid.New().String()
	}
	logger = logger.With(zap.String("tag", tag))

	format, err := checkpoints.ParseFormat(cfg.Checkpoints.Format)
	if err != nil {
		return err
	}
	store, err := checkpoints.NewStore(cfg.Checkpoints.Backend, cfg.Checkpoints.Path, format)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return errors.Wrap(err, "initialising checkpoint store")
	}
	defer store.Close()

	r := &runner{
		cfg:    cfg,
		fs:     afero.NewOsFs(),
		tag:    tag,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		store:  store,
		logger: logger,
	}
	if a.Progress {
		r.progress = os.Stderr
	}
	return r.run(ctx)
}

func (r *runner) run(ctx context.Context) error {
	train, val, test, err := r.load()
	if err != nil {
		return err
	}

	mc, err := r.cfg.ModelConfig(train.InputDim())
	if err != nil {
		return err
	}
	model, err := training.NewEmbeddingModel(mc, r.rng)
	if err != nil {
		return err
	}
	if r.progress != nil {
		training.NewModelArchitecturePrinter(r.progress, "representation").PrintArchitecture(model)
	}

	t := r.cfg.Training
	if _, err := r.stage(ctx, "representation", model, r.cfg.Objective(), stageConfig{
		lr:         t.LearningRate,
		epochs:     t.Epochs,
		patience:   t.Patience,
		estimation: t.EstimationEpochs,
		tag:        r.tag,
		phase:      checkpoints.PhaseFinal,
	}, train, val); err != nil {
		return err
	}

	if p := r.cfg.Projection; p.Enabled {
		projected, err := training.AddRegressionProjectionHead(model, r.cfg.Model.OutputDim, p.Hiddens, p.Freeze, r.rng)
		if err != nil {
			return err
		}
		if r.progress != nil {
			training.NewModelArchitecturePrinter(r.progress, "projection").PrintArchitecture(projected)
		}
		if _, err := r.stage(ctx, "projection", projected, training.ObjectiveRegression, stageConfig{
			lr:       p.LearningRate,
			epochs:   p.Epochs,
			patience: p.Patience,
			tag:      r.tag + "_projection",
			phase:    checkpoints.PhaseExtended,
		}, train, val); err != nil {
			return err
		}
		model = projected
	}

	if !model.Heads().HasRegression() {
		r.logger.Info("no regression head, skipping evaluation")
		return nil
	}
	combined, err := training.Combine(train, val)
	if err != nil {
		return err
	}
	e := &evaluate.Evaluator{
		Threshold: r.cfg.Evaluation.Threshold,
		FS:        r.fs,
		Dir:       r.cfg.Evaluation.ArtifactDir,
		BatchSize: t.BatchSize,
		Logger:    r.logger,
	}
	if _, err := e.Evaluate(model, test, r.tag+"_test"); err != nil {
		return err
	}
	_, err = e.Evaluate(model, combined, r.tag+"_training")
	return err
}

// load reads the configured data and returns training, validation and test
// datasets with any weights attached.
func (r *runner) load() (train, val, test *training.Dataset, err error) {
	d := r.cfg.Data
	var splits data.Splits
	if r.cfg.PreSplit() {
		for _, part := range []struct {
			path string
			dst  *[]data.Sample
		}{{d.Train, &splits.Train}, {d.Val, &splits.Val}, {d.Test, &splits.Test}} {
			if *part.dst, err = data.LoadSamples(r.fs, part.path, d.LabelColumn, d.FeatureColumns); err != nil {
				return nil, nil, nil, err
			}
		}
	} else {
		samples, err := data.LoadSamples(r.fs, d.Samples, d.LabelColumn, d.FeatureColumns)
		if err != nil {
			return nil, nil, nil, err
		}
		if splits, err = data.Split(samples, r.rng); err != nil {
			return nil, nil, nil, err
		}
	}

	for name, part := range map[string][]data.Sample{"train": splits.Train, "val": splits.Val, "test": splits.Test} {
		elevated, sep := data.CountAboveThreshold(data.Labels(part), d.ElevatedThreshold, d.SEPThreshold)
		r.logger.Info("split",
			zap.String("split", name),
			zap.String("samples", humanize.Comma(int64(len(part)))),
			zap.Int("elevated", elevated),
			zap.Int("sep", sep))
	}

	dtype, err := r.cfg.DType()
	if err != nil {
		return nil, nil, nil, err
	}
	if train, err = data.ToDataset(splits.Train, dtype); err != nil {
		return nil, nil, nil, errors.Wrap(err, "training split")
	}
	if val, err = data.ToDataset(splits.Val, dtype); err != nil {
		return nil, nil, nil, errors.Wrap(err, "validation split")
	}
	if test, err = data.ToDataset(splits.Test, dtype); err != nil {
		return nil, nil, nil, errors.Wrap(err, "test split")
	}

	n := train.Len()
	if d.PairWeights != "" {
		table, err := data.LoadPairWeights(r.fs, d.PairWeights, n+val.Len())
		if err != nil {
			return nil, nil, nil, err
		}
		trainPairs, valPairs := table.Partition(n)
		r.logger.Info("pair weights",
			zap.Int("pairs", table.Len()),
			zap.Int("train_pairs", trainPairs.Len()),
			zap.Int("val_pairs", valPairs.Len()),
			zap.Float64("alpha", d.Alpha))
		train = train.WithPairWeights(trainPairs)
		val = val.WithPairWeights(valPairs)
	}
	if d.SampleWeights != "" {
		weights, err := data.LoadSampleWeights(r.fs, d.SampleWeights)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(weights) != n+val.Len() {
			return nil, nil, nil, errors.Errorf("%d sample weights for %d training and validation samples", len(weights), n+val.Len())
		}
		if train, err = train.WithSampleWeights(weights[:n]); err != nil {
			return nil, nil, nil, err
		}
		if val, err = val.WithSampleWeights(weights[n:]); err != nil {
			return nil, nil, nil, err
		}
	}
	return train, val, test, nil
}

type stageConfig struct {
	lr               float64
	epochs, patience int
	estimation       int
	tag              string
	phase            checkpoints.Phase
}

// stage runs the two-phase protocol for model.
func (r *runner) stage(ctx context.Context, name string, model *training.EmbeddingModel, objective training.Objective, sc stageConfig, train, val *training.Dataset) (*training.Result, error) {
	logger := r.logger.With(zap.String("stage", name))

	opt, err := training.NewOptimizer(r.cfg.Training.Optimizer, model.TrainableParameters(), sc.lr)
	if err != nil {
		return nil, err
	}
	loss, err := r.cfg.Loss()
	if err != nil {
		return nil, err
	}
	policy, err := r.cfg.MissPolicy()
	if err != nil {
		return nil, err
	}
	tally := training.NewPairTally(r.cfg.Data.SEPThreshold)
	epochs := training.NewEpochTrainer(model, opt, training.EpochConfig{
		BatchSize:  r.cfg.Training.BatchSize,
		Loss:       loss,
		MissPolicy: policy,
		Tally:      tally,
		Progress:   r.progress,
	}, logger)

	tc := training.DefaultTrainingConfig(sc.tag)
	tc.Epochs = sc.epochs
	tc.Patience = sc.patience
	tc.EstimationEpochs = sc.estimation
	tc.FinalPhase = sc.phase
	tc.Artifacts = r.fs
	tc.ArtifactDir = r.cfg.Evaluation.ArtifactDir

	snapshots := &training.StoreSnapshotter{Model: model, Store: r.store, RunID: r.tag}
	result, err := training.NewTrainer(epochs, snapshots, tc, logger).Train(ctx, train, val, objective)
	if err != nil {
		return nil, errors.Wrapf(err, "%s stage", name)
	}

	logger.Info("stage finished",
		zap.Stringer("objective", objective),
		zap.Stringer("terminal", result.Terminal),
		zap.Int("best_epoch", result.State.BestEpoch),
		zap.String("best_val_loss", humanize.FtoaWithDigits(result.State.BestValLoss, 6)),
		zap.String("plot", result.PlotPath),
		// training passes only: probes, selection and retraining
		zap.Int("trained_batches", tally.Batches),
		zap.Int("trained_pairs", tally.Pairs),
		zap.Int("elevated_pairs", tally.Elevated),
		zap.Int("cross_threshold_pairs", tally.CrossThreshold),
		zap.Int("reweighted_pairs", tally.Reweighted))
	return result, nil
}
