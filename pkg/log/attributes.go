// Package log defines standard attribute keys for training runs.
//
// The keys follow a hierarchical naming convention (e.g. "model.name",
// "data.samples") so that records from different stages can be filtered
// the same way.

package log

// Model and Operation Context
const (
	// ModelNameKey identifies the type of machine learning model.
	ModelNameKey = "model.name"

	// OperationKey specifies the machine learning operation being performed.
	// Standard values: "fit", "predict", "score", "split", "load", "log_model"
	OperationKey = "ml.operation"

	// ComponentKey identifies which component or package is performing the operation.
	ComponentKey = "ml.component"

	// StageKey names the stage of the training run (load, split, train, evaluate, record).
	StageKey = "ml.stage"
)

// Data Shape and Characteristics
const (
	// PathKey is the path of the dataset being read.
	PathKey = "data.path"

	// SamplesKey indicates the number of samples (rows) in the dataset.
	SamplesKey = "data.samples"

	// FeaturesKey indicates the number of features (columns) in the dataset.
	FeaturesKey = "data.features"

	// TrainSamplesKey and TestSamplesKey give the sizes of the two partitions.
	TrainSamplesKey = "data.train_samples"
	TestSamplesKey  = "data.test_samples"
)

// Performance Metrics
const (
	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// MSEKey, MAEKey and R2ScoreKey record the regression metrics.
	MSEKey     = "metrics.mse"
	MAEKey     = "metrics.mae"
	R2ScoreKey = "metrics.r2_score"

	// ReportKey carries the whole evaluation report as one object.
	ReportKey = "metrics.report"

	// IterationKey records the number of solver iterations.
	IterationKey = "training.iteration"

	// DualGapKey records the final duality gap of coordinate descent.
	DualGapKey = "training.dual_gap"
)

// Hyperparameters and Configuration
const (
	// AlphaKey records the regularization strength.
	AlphaKey = "hyperparams.alpha"

	// L1RatioKey records the L1/L2 mixing ratio.
	L1RatioKey = "hyperparams.l1_ratio"

	// RandomSeedKey records the random seed for reproducibility.
	RandomSeedKey = "config.random_seed"
)

// Tracking Context
const (
	// ExperimentKey is the experiment name.
	ExperimentKey = "tracking.experiment"

	// RunIDKey identifies the tracking run.
	RunIDKey = "tracking.run_id"

	// TrackingURIKey is the URI of the tracking store.
	TrackingURIKey = "tracking.uri"

	// RegisteredModelKey is the registry name a model version was created under.
	RegisteredModelKey = "tracking.registered_model"
)

// Error Context
const (
	// ErrAttrKey carries the error value itself.
	ErrAttrKey = "error"

	// StacktraceAttrKey carries the stack trace extracted from ErrAttrKey.
	StacktraceAttrKey = "stacktrace"

	// ErrorTypeKey categorizes the type of error encountered.
	ErrorTypeKey = "error.type"
)

// Standard attribute value constants.
const (
	OperationLoad     = "load"
	OperationSplit    = "split"
	OperationFit      = "fit"
	OperationPredict  = "predict"
	OperationScore    = "score"
	OperationLogModel = "log_model"

	StageLoad     = "load"
	StageSplit    = "split"
	StageTrain    = "train"
	StageEvaluate = "evaluate"
	StageRecord   = "record"
)
