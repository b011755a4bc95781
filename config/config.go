// Package config reads the YAML run configuration for pdstrain.
package config

import (
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-pds/checkpoints"
	"github.com/tsawler/go-pds/tensor"
	"github.com/tsawler/go-pds/training"
	"gopkg.in/yaml.v2"
)

// Config is a complete run configuration.
type Config struct {
	Seed int64 `yaml:"seed"`

	Data        Data        `yaml:"data"`
	Model       Model       `yaml:"model"`
	Training    Training    `yaml:"training"`
	Projection  Projection  `yaml:"projection"`
	Checkpoints Checkpoints `yaml:"checkpoints"`
	Evaluation  Evaluation  `yaml:"evaluation"`
}

// Data locates the samples and their optional weights. Either Samples is
// split by the run, or Train, Val and Test name pre-split files.
type Data struct {
	Samples        string   `yaml:"samples"`
	Train          string   `yaml:"train"`
	Val            string   `yaml:"val"`
	Test           string   `yaml:"test"`
	LabelColumn    string   `yaml:"label_column"`
	FeatureColumns []string `yaml:"feature_columns"`

	// Both weight files index the combined train+validation samples, so
	// they need pre-split files.
	PairWeights   string `yaml:"pair_weights"`
	SampleWeights string `yaml:"sample_weights"`

	// Alpha is the density reweighting exponent the weight files were
	// produced with. It is recorded, not applied.
	Alpha float64 `yaml:"alpha"`

	ElevatedThreshold float64 `yaml:"elevated_threshold"`
	SEPThreshold      float64 `yaml:"sep_threshold"`
}

// Model describes the encoder and its auxiliary heads.
type Model struct {
	FeatDim    int      `yaml:"feat_dim"`
	Hiddens    []int    `yaml:"hiddens"`
	Regression bool     `yaml:"regression"`
	Decoder    bool     `yaml:"decoder"`
	Normalize  bool     `yaml:"normalize"`
	DType      string   `yaml:"dtype"`
	OutputDim  int      `yaml:"output_dim"`
	Slope      *float64 `yaml:"negative_slope"`
}

// Training configures stage 1.
type Training struct {
	Optimizer        string  `yaml:"optimizer"`
	LearningRate     float64 `yaml:"learning_rate"`
	Epochs           int     `yaml:"epochs"`
	BatchSize        int     `yaml:"batch_size"`
	Patience         int     `yaml:"patience"`
	EstimationEpochs int     `yaml:"estimation_epochs"`
	Reduction        string  `yaml:"reduction"`
	Vectorized       bool    `yaml:"vectorized"`
	MissPolicy       string  `yaml:"miss_policy"`
	Progress         bool    `yaml:"progress"`
}

// Projection configures the optional stage 2 regression head trained on
// top of the stage 1 representation.
type Projection struct {
	Enabled bool  `yaml:"enabled"`
	Hiddens []int `yaml:"hiddens"`
	// Freeze keeps the stage 1 encoder fixed; otherwise it is fine-tuned.
	Freeze       bool    `yaml:"freeze"`
	LearningRate float64 `yaml:"learning_rate"`
	Epochs       int     `yaml:"epochs"`
	Patience     int     `yaml:"patience"`
}

// Checkpoints selects the snapshot store.
type Checkpoints struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Format  string `yaml:"format"`
}

// Evaluation configures scoring and artifacts.
type Evaluation struct {
	Threshold   float64 `yaml:"threshold"`
	ArtifactDir string  `yaml:"artifact_dir"`
}

// Default returns the configuration every file is applied on top of.
func Default() *Config {
	return &Config{
		Seed: 42,
		Data: Data{
			LabelColumn:       "label",
			Alpha:             0.9,
			ElevatedThreshold: math.Log(10) / 2,
			SEPThreshold:      math.Log(10),
		},
		Model: Model{
			FeatDim:   9,
			Hiddens:   []int{18},
			Normalize: true,
			DType:     "float32",
			OutputDim: 1,
		},
		Training: Training{
			Optimizer:        "adam",
			LearningRate:     training.DefaultLearningRate,
			Epochs:           training.DefaultEpochs,
			BatchSize:        training.DefaultBatchSize,
			Patience:         training.DefaultPatience,
			EstimationEpochs: training.DefaultEstimationEpochs,
			Reduction:        "none",
			Vectorized:       true,
			MissPolicy:       "default-one",
		},
		Projection: Projection{
			Hiddens:      []int{6},
			Freeze:       true,
			LearningRate: training.DefaultLearningRate,
			Epochs:       training.DefaultEpochs,
			Patience:     training.DefaultPatience,
		},
		Checkpoints: Checkpoints{
			Backend: "file",
			Path:    "checkpoints",
			Format:  "binary",
		},
		Evaluation: Evaluation{
			Threshold:   10,
			ArtifactDir: "artifacts",
		},
	}
}

// Load reads path from the OS filesystem.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS reads path from fs, applies it over Default and validates the
// result.
func LoadFS(fs afero.Fs, path string) (*Config, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	c := Default()
	if err := yaml.UnmarshalStrict(raw, c); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// PreSplit reports whether the data comes as separate split files.
func (c *Config) PreSplit() bool {
	return c.Data.Samples == ""
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	d := c.Data
	presplit := d.Train != "" || d.Val != "" || d.Test != ""
	switch {
	case d.Samples == "" && !presplit:
		return errors.New("data.samples or data.train, data.val and data.test are required")
	case d.Samples != "" && presplit:
		return errors.New("data.samples excludes data.train, data.val and data.test")
	case presplit && (d.Train == "" || d.Val == "" || d.Test == ""):
		return errors.New("data.train, data.val and data.test must all be set")
	case !presplit && (d.PairWeights != "" || d.SampleWeights != ""):
		return errors.New("weight files index pre-split data; set data.train, data.val and data.test")
	}
	if d.LabelColumn == "" {
		return errors.New("data.label_column is required")
	}
	if c.Model.FeatDim <= 0 {
		return errors.Errorf("model.feat_dim must be positive, got %d", c.Model.FeatDim)
	}
	if err := positive("model.hiddens", c.Model.Hiddens); err != nil {
		return err
	}
	if _, err := c.DType(); err != nil {
		return err
	}

	t := c.Training
	switch {
	case t.LearningRate <= 0:
		return errors.Errorf("training.learning_rate must be positive, got %g", t.LearningRate)
	case t.Epochs <= 0:
		return errors.Errorf("training.epochs must be positive, got %d", t.Epochs)
	case t.BatchSize < 0:
		return errors.Errorf("training.batch_size must not be negative, got %d", t.BatchSize)
	case t.Patience <= 0:
		return errors.Errorf("training.patience must be positive, got %d", t.Patience)
	case t.EstimationEpochs < 0:
		return errors.Errorf("training.estimation_epochs must not be negative, got %d", t.EstimationEpochs)
	}
	if _, err := c.Loss(); err != nil {
		return err
	}
	if _, err := c.MissPolicy(); err != nil {
		return err
	}

	if p := c.Projection; p.Enabled {
		if err := positive("projection.hiddens", p.Hiddens); err != nil {
			return err
		}
		if p.LearningRate <= 0 || p.Epochs <= 0 || p.Patience <= 0 {
			return errors.New("projection learning_rate, epochs and patience must be positive")
		}
	}

	if _, err := checkpoints.ParseFormat(c.Checkpoints.Format); err != nil {
		return err
	}
	if c.Evaluation.Threshold <= 0 {
		return errors.Errorf("evaluation.threshold must be positive, got %g", c.Evaluation.Threshold)
	}
	return nil
}

func positive(name string, values []int) error {
	for _, v := range values {
		if v <= 0 {
			return errors.Errorf("%s must be positive, got %v", name, values)
		}
	}
	return nil
}

// DType maps model.dtype to a tensor dtype.
func (c *Config) DType() (tensor.DType, error) {
	switch c.Model.DType {
	case "", "float32":
		return tensor.Float32, nil
	case "float64":
		return tensor.Float64, nil
	default:
		return 0, errors.Errorf("unknown model.dtype %q", c.Model.DType)
	}
}

// Loss maps the training reduction settings to a loss configuration.
func (c *Config) Loss() (training.LossConfig, error) {
	lc := training.LossConfig{Vectorized: c.Training.Vectorized}
	switch c.Training.Reduction {
	case "", "none":
		lc.Reduction = training.ReductionNone
	case "sum":
		lc.Reduction = training.ReductionSum
	default:
		return lc, errors.Errorf("unknown training.reduction %q", c.Training.Reduction)
	}
	return lc, nil
}

// MissPolicy maps training.miss_policy to a resolver policy.
func (c *Config) MissPolicy() (training.MissPolicy, error) {
	switch c.Training.MissPolicy {
	case "", "default-one":
		return training.MissDefaultOne, nil
	case "skip":
		return training.MissSkip, nil
	default:
		return 0, errors.Errorf("unknown training.miss_policy %q", c.Training.MissPolicy)
	}
}

// ModelConfig builds the stage 1 architecture for inputDim features.
func (c *Config) ModelConfig(inputDim int) (training.ModelConfig, error) {
	dtype, err := c.DType()
	if err != nil {
		return training.ModelConfig{}, err
	}
	mc := training.DefaultModelConfig(inputDim)
	mc.FeatDim = c.Model.FeatDim
	mc.Hiddens = append([]int(nil), c.Model.Hiddens...)
	mc.Normalize = c.Model.Normalize
	mc.Heads = training.HeadConfigFor(c.Model.Regression, c.Model.Decoder)
	mc.OutputDim = c.Model.OutputDim
	mc.DType = dtype
	if c.Model.Slope != nil {
		mc.NegativeSlope = *c.Model.Slope
	}
	return mc, nil
}

// Objective is the stage 1 objective implied by the enabled heads.
func (c *Config) Objective() training.Objective {
	if c.Model.Regression || c.Model.Decoder {
		return training.ObjectiveCombined
	}
	return training.ObjectivePrimary
}
