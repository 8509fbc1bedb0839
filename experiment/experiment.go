// Package experiment runs one tracked ElasticNet training run:
// load, split, fit, evaluate, record.
//
// Data is loaded and split before the tracking run is opened, so an
// unreadable dataset leaves no run behind. Once the run is open it is always
// finalized, as FINISHED on success and FAILED on any error or panic.
package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/YuminosukeSato/scigo-mlrun/config"
	"github.com/YuminosukeSato/scigo-mlrun/dataset"
	"github.com/YuminosukeSato/scigo-mlrun/metrics"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	linear "github.com/YuminosukeSato/scigo-mlrun/sklearn/linear_model"
	"github.com/YuminosukeSato/scigo-mlrun/sklearn/model_selection"
	"github.com/YuminosukeSato/scigo-mlrun/tracking"
)

// Hyperparameters are the two values a run is parameterized by.
type Hyperparameters struct {
	Alpha   float64 `validate:"gte=0"`
	L1Ratio float64 `validate:"gte=0,lte=1"`
}

// DefaultHyperparameters returns alpha=0.5, l1_ratio=0.5.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{Alpha: 0.5, L1Ratio: 0.5}
}

func (h Hyperparameters) asMap() map[string]float64 {
	return map[string]float64{"alpha": h.Alpha, "l1_ratio": h.L1Ratio}
}

// String formats the pair as "alpha=0.5, l1_ratio=0.5".
func (h Hyperparameters) String() string {
	return fmt.Sprintf("alpha=%s, l1_ratio=%s", tracking.FormatFloat(h.Alpha), tracking.FormatFloat(h.L1Ratio))
}

// RegisteredModelName is the registry name for a model trained with h.
func RegisteredModelName(h Hyperparameters) string {
	return fmt.Sprintf("ElasticNetModel_alpha_%s_l1_%s", tracking.FormatFloat(h.Alpha), tracking.FormatFloat(h.L1Ratio))
}

// Result summarizes a successful run.
type Result struct {
	RunID        string
	ExperimentID string
	Params       Hyperparameters
	Report       *metrics.RegressionReport
	Coef         []float64
	Intercept    float64
	NIter        int
	TrainSamples int
	TestSamples  int
	Model        *tracking.ModelInfo
	// RegisteredModel is empty when the store has no registry.
	RegisteredModel string
	Duration        time.Duration
}

// Runner executes training runs against one store.
type Runner struct {
	cfg    *config.Config
	store  tracking.Store
	logger log.Logger
	plot   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default log.GetLogger().
func WithLogger(l log.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithPredictionPlot toggles the predictions.png artifact. Default on.
func WithPredictionPlot(enabled bool) Option {
	return func(r *Runner) {
		r.plot = enabled
	}
}

// NewRunner returns a Runner. store is not closed by the runner.
func NewRunner(cfg *config.Config, store tracking.Store, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, store: store, plot: true}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.GetLogger()
	}
	return r
}

// Run trains, evaluates and records one model.
func (r *Runner) Run(ctx context.Context, hp Hyperparameters) (res *Result, err error) {
	start := time.Now()
	logger := r.logger.With(log.AlphaKey, hp.Alpha, log.L1RatioKey, hp.L1Ratio)

	stage := log.StageLoad
	defer func() {
		if p := recover(); p != nil {
			logger.Error(fmt.Sprintf("Error during %s stage for %s", stage, hp),
				errors.NewPanicError("experiment.Run", p), log.StageKey, stage)
			panic(p)
		}
		if err != nil {
			logger.Error(fmt.Sprintf("Error during %s stage for %s", stage, hp), err, log.StageKey, stage)
		}
	}()

	if err = config.Validate(hp); err != nil {
		stage = log.StageTrain
		return nil, errors.NewTrainingError("ElasticNet", hp.asMap(), err)
	}

	frame, err := dataset.LoadCSV(r.cfg.Data.Path, r.cfg.Data.Target, dataset.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	stage = log.StageSplit
	split, err := model_selection.TrainTestSplit(frame.X, frame.Y,
		model_selection.WithTestSize(r.cfg.Split.TestSize),
		model_selection.WithRandomState(r.cfg.Split.RandomState),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("Dataset split into training and testing sets.",
		log.TrainSamplesKey, len(split.TrainIndex),
		log.TestSamplesKey, len(split.TestIndex),
	)

	stage = log.StageRecord
	exp, err := r.store.GetOrCreateExperiment(ctx, r.cfg.Tracking.Experiment)
	if err != nil {
		return nil, err
	}
	run, err := tracking.StartRun(ctx, r.store, exp.ID, tracking.WithRunLogger(logger))
	if err != nil {
		return nil, err
	}
	defer run.End(&err)
	logger = logger.With(log.RunIDKey, run.ID())

	stage = log.StageTrain
	model := linear.NewElasticNet(
		linear.WithAlpha(hp.Alpha),
		linear.WithL1Ratio(hp.L1Ratio),
		linear.WithMaxIter(r.cfg.Model.MaxIter),
		linear.WithTol(r.cfg.Model.Tol),
		linear.WithSelection(r.cfg.Model.Selection),
		linear.WithRandomState(r.cfg.Model.RandomState),
	)
	if err = model.Fit(split.XTrain, split.YTrain); err != nil {
		return nil, err
	}
	if err = model.SetFeatureNames(frame.Features); err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Model training completed for %s.", hp),
		log.OperationKey, log.OperationFit,
		log.IterationKey, model.NIter(),
		log.DualGapKey, model.DualGap(),
	)

	stage = log.StageEvaluate
	predictions, err := model.Predict(split.XTest)
	if err != nil {
		return nil, err
	}
	signature, err := tracking.InferSignature(frame.Features, split.XTest, predictions)
	if err != nil {
		return nil, err
	}
	report, err := metrics.Evaluate(split.YTest, predictions)
	if err != nil {
		return nil, err
	}

	stage = log.StageRecord
	scores := report.AsMap()
	for _, name := range []string{"mse", "mae", "r2"} {
		if err = run.LogMetric(ctx, name, scores[name]); err != nil {
			return nil, err
		}
	}
	if err = run.LogParam(ctx, "alpha", hp.Alpha); err != nil {
		return nil, err
	}
	if err = run.LogParam(ctx, "l1_ratio", hp.L1Ratio); err != nil {
		return nil, err
	}

	// レジストリの有無はストアの能力で判定する
	var registeredName string
	if r.store.SupportsModelRegistry() {
		registeredName = RegisteredModelName(hp)
	}
	info, err := run.LogModel(ctx, model, tracking.LogModelOptions{
		ArtifactPath:   "model",
		RegisteredName: registeredName,
		Signature:      signature,
	})
	if err != nil {
		return nil, err
	}

	if r.plot {
		png, err := PredictionPlot(split.YTest, predictions, hp)
		if err != nil {
			return nil, err
		}
		if err := run.LogArtifact(ctx, "plots/predictions.png", png); err != nil {
			return nil, err
		}
	}

	logger.Info(fmt.Sprintf("ElasticNet model (%s):", hp), log.ReportKey, report)
	logger.Info(fmt.Sprintf("Mean Squared Error (MSE): %.2f", report.MSE), log.MSEKey, report.MSE)
	logger.Info(fmt.Sprintf("Mean Absolute Error (MAE): %.2f", report.MAE), log.MAEKey, report.MAE)
	logger.Info(fmt.Sprintf("R² (Coefficient of Determination): %.2f", report.R2), log.R2ScoreKey, report.R2)

	return &Result{
		RunID:           run.ID(),
		ExperimentID:    exp.ID,
		Params:          hp,
		Report:          report,
		Coef:            model.Coef(),
		Intercept:       model.Intercept(),
		NIter:           model.NIter(),
		TrainSamples:    len(split.TrainIndex),
		TestSamples:     len(split.TestIndex),
		Model:           info,
		RegisteredModel: registeredName,
		Duration:        time.Since(start),
	}, nil
}
