package training

import (
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultEstimationEpochs is the probe length used when none is configured.
const DefaultEstimationEpochs = 25

// ErrDegenerateHeadLoss is returned when a probe records a zero head loss,
// which would make the balancing ratio infinite.
var ErrDegenerateHeadLoss = errors.New("head loss is zero, cannot balance against it")

// CoefficientEstimator derives loss balancing coefficients from short
// training probes. Probes train the shared model weights, so the main phase
// starts from the probed weights.
type CoefficientEstimator struct {
	Epochs int
	Logger *zap.Logger
}

// NewCoefficientEstimator returns an estimator running epochs per probe.
func NewCoefficientEstimator(epochs int, logger *zap.Logger) *CoefficientEstimator {
	if epochs <= 0 {
		epochs = DefaultEstimationEpochs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoefficientEstimator{Epochs: epochs, Logger: logger}
}

// Estimate probes every enabled head of heads on train, then the primary
// objective, and balances each head against the primary loss. Disabled heads
// get a nil coefficient.
func (e *CoefficientEstimator) Estimate(runner EpochRunner, heads HeadConfig, train *Dataset) (Coefficients, error) {
	var c Coefficients
	if !heads.HasRegression() && !heads.HasDecoder() {
		return c, nil
	}

	var regression, reconstruction []float64
	var err error
	if heads.HasRegression() {
		if regression, err = e.probe(runner, ObjectiveRegression, train, nil); err != nil {
			return c, err
		}
	}
	if heads.HasDecoder() {
		if reconstruction, err = e.probe(runner, ObjectiveReconstruction, train, nil); err != nil {
			return c, err
		}
	}
	primary, err := e.probe(runner, ObjectivePrimary, train, nil)
	if err != nil {
		return c, err
	}

	if regression != nil {
		gamma, err := BalanceCoefficient(primary, regression)
		if err != nil {
			return c, errors.Wrap(err, "gamma")
		}
		c.Gamma = &gamma
	}
	if reconstruction != nil {
		lambda, err := BalanceCoefficient(primary, reconstruction)
		if err != nil {
			return c, errors.Wrap(err, "lambda")
		}
		c.Lambda = &lambda
	}

	e.Logger.Info("estimated loss coefficients",
		zap.Stringer("heads", heads),
		zap.Int("epochs", e.Epochs),
		zap.Float64p("gamma", c.Gamma),
		zap.Float64p("lambda", c.Lambda))
	return c, nil
}

// EstimateDecoderBalance balances the reconstruction loss against the
// regression loss for training without the primary objective. Each head is
// trained on train and scored on val after every epoch; the result is the
// mean of the epoch-aligned regression / reconstruction validation ratios.
func (e *CoefficientEstimator) EstimateDecoderBalance(runner EpochRunner, train, val *Dataset) (float64, error) {
	regression, err := e.probe(runner, ObjectiveRegression, train, val)
	if err != nil {
		return 0, err
	}
	reconstruction, err := e.probe(runner, ObjectiveReconstruction, train, val)
	if err != nil {
		return 0, err
	}
	lambda, err := BalanceCoefficient(regression, reconstruction)
	if err != nil {
		return 0, errors.Wrap(err, "lambda")
	}
	e.Logger.Info("estimated decoder balance", zap.Int("epochs", e.Epochs), zap.Float64("lambda", lambda))
	return lambda, nil
}

// probe trains objective on train for the configured epochs and records the
// training loss, or the loss on score when given.
func (e *CoefficientEstimator) probe(runner EpochRunner, objective Objective, train, score *Dataset) ([]float64, error) {
	losses := make([]float64, 0, e.Epochs)
	for epoch := 1; epoch <= e.Epochs; epoch++ {
		loss, err := runner.RunEpoch(train, objective, true)
		if err != nil {
			return nil, errors.Wrapf(err, "%s probe epoch %d", objective, epoch)
		}
		if score != nil {
			if loss, err = runner.RunEpoch(score, objective, false); err != nil {
				return nil, errors.Wrapf(err, "%s probe validation epoch %d", objective, epoch)
			}
		}
		e.Logger.Debug("probe epoch", zap.Stringer("objective", objective), zap.Int("epoch", epoch), zap.Float64("loss", loss))
		losses = append(losses, loss)
	}
	return losses, nil
}

// BalanceCoefficient is the mean of the epoch-aligned ratios
// reference[i] / head[i].
func BalanceCoefficient(reference, head []float64) (float64, error) {
	if len(reference) != len(head) {
		return 0, errors.Errorf("%d reference losses for %d head losses", len(reference), len(head))
	}
	if len(head) == 0 {
		return 0, errors.New("no losses to balance")
	}
	ratios := make(stats.Float64Data, len(head))
	for i := range head {
		if head[i] == 0 {
			return 0, errors.Wrapf(ErrDegenerateHeadLoss, "epoch %d", i+1)
		}
		ratios[i] = reference[i] / head[i]
	}
	return stats.Mean(ratios)
}
