package tracking

import (
	"bytes"
	"context"
	"path"
	"sync"
	"time"

	"github.com/YuminosukeSato/scigo-mlrun/core/model"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	"go.yaml.in/yaml/v3"
)

// ActiveRun is the handle of a RUNNING run. It is not global state: callers
// pass it to whatever logs into the run and finalize it with End.
//
//	run, err := tracking.StartRun(ctx, store, exp.ID)
//	if err != nil {
//	    return err
//	}
//	defer run.End(&err)
type ActiveRun struct {
	store  Store
	info   *Run
	logger log.Logger
	// ctx は End での終了処理用 (キャンセルは引き継がない)
	ctx context.Context

	mu     sync.Mutex
	ended  bool
	status RunStatus
}

type runConfig struct {
	name   string
	logger log.Logger
}

// RunOption configures StartRun.
type RunOption func(*runConfig)

// WithRunName sets the run name. Default "run-<first 8 chars of id>".
func WithRunName(name string) RunOption {
	return func(c *runConfig) {
		c.name = name
	}
}

// WithRunLogger sets the logger used by the run handle.
func WithRunLogger(l log.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = l
	}
}

// StartRun creates a run in experimentID and returns its handle.
func StartRun(ctx context.Context, store Store, experimentID string, opts ...RunOption) (*ActiveRun, error) {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.GetLogger()
	}

	info, err := store.CreateRun(ctx, experimentID, cfg.name)
	if err != nil {
		return nil, err
	}
	logger := cfg.logger.With(log.ComponentKey, "tracking", log.RunIDKey, info.ID)
	logger.Debug("Run started", "experiment_id", experimentID, "run_name", info.Name)
	return &ActiveRun{
		store:  store,
		info:   info,
		logger: logger,
		ctx:    context.WithoutCancel(ctx),
		status: RunStatusRunning,
	}, nil
}

// ID returns the run id.
func (r *ActiveRun) ID() string { return r.info.ID }

// ExperimentID returns the id of the experiment the run belongs to.
func (r *ActiveRun) ExperimentID() string { return r.info.ExperimentID }

// ArtifactURI returns the root URI of the run's artifacts.
func (r *ActiveRun) ArtifactURI() string { return r.info.ArtifactURI }

// Status returns RUNNING until End has been called.
func (r *ActiveRun) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Info reads the current state of the run from the store.
func (r *ActiveRun) Info(ctx context.Context) (*Run, error) {
	return r.store.GetRun(ctx, r.info.ID)
}

// LogParam records a parameter. value is formatted with FormatParam.
func (r *ActiveRun) LogParam(ctx context.Context, key string, value any) error {
	return r.store.LogParam(ctx, r.info.ID, key, FormatParam(value))
}

// MetricOption configures LogMetric.
type MetricOption func(*Metric)

// WithStep sets the metric step. Default 0.
func WithStep(step int64) MetricOption {
	return func(m *Metric) {
		m.Step = step
	}
}

// LogMetric records a metric value.
func (r *ActiveRun) LogMetric(ctx context.Context, key string, value float64, opts ...MetricOption) error {
	m := Metric{Key: key, Value: value}
	for _, opt := range opts {
		opt(&m)
	}
	return r.store.LogMetric(ctx, r.info.ID, m)
}

// LogArtifact writes data to artifactPath under the run's artifact root.
func (r *ActiveRun) LogArtifact(ctx context.Context, artifactPath string, data []byte) error {
	return r.store.LogArtifact(ctx, r.info.ID, artifactPath, bytes.NewReader(data))
}

// LogModelOptions controls LogModel.
type LogModelOptions struct {
	// ArtifactPath is the directory of the model under the run's artifacts. Default "model".
	ArtifactPath string
	// RegisteredName, if set, registers the logged model under this name.
	// The store must support a model registry.
	RegisteredName string
	// Signature is written into MLmodel when set.
	Signature *Signature
}

// ModelInfo describes a logged model.
type ModelInfo struct {
	ArtifactPath string
	ModelURI     string
	ModelUUID    string
	RunID        string
	Signature    *Signature
	// Version is set when the model was registered.
	Version *ModelVersion
}

// LogModel writes the model's weights and an MLmodel descriptor to the run,
// and registers a new model version when opts.RegisteredName is set.
func (r *ActiveRun) LogModel(ctx context.Context, m model.WeightExporter, opts LogModelOptions) (*ModelInfo, error) {
	artifactPath := opts.ArtifactPath
	if artifactPath == "" {
		artifactPath = "model"
	}
	if err := validateArtifactPath(artifactPath); err != nil {
		return nil, errors.NewTrackingError("log_model", r.info.ID, err)
	}
	if opts.RegisteredName != "" && !r.store.SupportsModelRegistry() {
		return nil, errors.NewTrackingError("log_model", r.info.ID,
			errors.Wrapf(errors.ErrRegistryUnsupported, "%s store cannot register %q", r.store.Scheme(), opts.RegisteredName))
	}

	weights, err := m.ExportWeights()
	if err != nil {
		return nil, errors.NewTrackingError("log_model", r.info.ID, err)
	}
	data, err := weights.ToJSON()
	if err != nil {
		return nil, errors.NewTrackingError("log_model", r.info.ID, errors.WithStack(err))
	}
	if err := r.LogArtifact(ctx, path.Join(artifactPath, weightsFile), data); err != nil {
		return nil, err
	}

	desc := newMLModel(artifactPath, r.info.ID, weights, opts.Signature, time.Now())
	descData, err := yaml.Marshal(desc)
	if err != nil {
		return nil, errors.NewTrackingError("log_model", r.info.ID, errors.WithStack(err))
	}
	if err := r.LogArtifact(ctx, path.Join(artifactPath, mlmodelFile), descData); err != nil {
		return nil, err
	}

	info := &ModelInfo{
		ArtifactPath: artifactPath,
		ModelURI:     ModelURI(r.info.ID, artifactPath),
		ModelUUID:    desc.ModelUUID,
		RunID:        r.info.ID,
		Signature:    opts.Signature,
	}
	r.logger.Debug("Model logged", log.OperationKey, log.OperationLogModel, "model_uri", info.ModelURI)

	if opts.RegisteredName == "" {
		return info, nil
	}
	source := r.info.ArtifactURI + "/" + artifactPath
	version, err := r.store.CreateModelVersion(ctx, opts.RegisteredName, r.info.ID, source)
	if err != nil {
		return nil, err
	}
	info.Version = version
	r.logger.Info("Registered model version",
		log.RegisteredModelKey, version.Name,
		"version", version.Version,
	)
	return info, nil
}

// End finalizes the run and must be deferred with a pointer to the
// caller's named error result. The run is marked FAILED when *errp is
// non-nil or a panic is unwinding, FINISHED otherwise. A panic is
// re-raised after the run is finalized. Calling End again is a no-op.
//
// Finalization ignores cancellation of the run's context. If finalizing
// fails and the caller had no error, the failure is stored in *errp.
func (r *ActiveRun) End(errp *error) {
	p := recover()

	failed := p != nil || (errp != nil && *errp != nil)
	status := RunStatusFinished
	if failed {
		status = RunStatusFailed
	}

	if endErr := r.finish(status); endErr != nil {
		r.logger.Error("Failed to finalize run", endErr)
		if p == nil && errp != nil && *errp == nil {
			*errp = endErr
		}
	}

	if p != nil {
		panic(p)
	}
}

func (r *ActiveRun) finish(status RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return nil
	}
	r.ended = true
	r.status = status

	if err := r.store.SetTerminated(r.ctx, r.info.ID, status); err != nil {
		return err
	}
	r.logger.Debug("Run ended", "status", string(status))
	return nil
}
