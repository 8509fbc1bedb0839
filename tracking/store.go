// Package tracking records training runs (parameters, metrics, artifacts
// and registered model versions) in an MLflow-style experiment store.
//
// Two backends are provided. FileStore keeps everything in a directory
// tree and has no model registry. SQLStore keeps run metadata in SQLite and
// supports registering model versions. Open picks one from a tracking URI.
package tracking

import (
	"context"
	"io"
	"math"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "RUNNING"
	RunStatusFinished RunStatus = "FINISHED"
	RunStatusFailed   RunStatus = "FAILED"
)

// IsTerminal reports whether no further writes are accepted in this state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

// Experiment groups runs under a name.
type Experiment struct {
	ID               string `json:"experiment_id" yaml:"experiment_id"`
	Name             string `json:"name" yaml:"name"`
	ArtifactLocation string `json:"artifact_location" yaml:"artifact_location"`
	LifecycleStage   string `json:"lifecycle_stage" yaml:"lifecycle_stage"`
	CreationTime     int64  `json:"creation_time" yaml:"creation_time"`
}

// Metric is one logged measurement. Timestamp is in epoch milliseconds.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// Run is a snapshot of a run's metadata and data.
// Metrics holds the latest value per key (highest step, then timestamp).
type Run struct {
	ID           string            `json:"run_id"`
	ExperimentID string            `json:"experiment_id"`
	Name         string            `json:"run_name"`
	Status       RunStatus         `json:"status"`
	StartTime    int64             `json:"start_time"`
	EndTime      int64             `json:"end_time,omitempty"`
	ArtifactURI  string            `json:"artifact_uri"`
	Params       map[string]string `json:"params"`
	Metrics      map[string]Metric `json:"metrics"`
}

// ModelVersion is one registered version of a named model.
type ModelVersion struct {
	Name         string `json:"name"`
	Version      int    `json:"version"`
	RunID        string `json:"run_id"`
	Source       string `json:"source"`
	CreationTime int64  `json:"creation_time"`
}

// Store is a tracking backend.
type Store interface {
	// Scheme returns the URI scheme the store was opened with ("file", "sqlite").
	Scheme() string
	// SupportsModelRegistry reports whether CreateModelVersion can succeed.
	SupportsModelRegistry() bool

	GetOrCreateExperiment(ctx context.Context, name string) (*Experiment, error)
	CreateRun(ctx context.Context, experimentID, runName string) (*Run, error)
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID string, m Metric) error
	LogArtifact(ctx context.Context, runID, artifactPath string, r io.Reader) error
	OpenArtifact(ctx context.Context, runID, artifactPath string) (io.ReadCloser, error)
	SetTerminated(ctx context.Context, runID string, status RunStatus) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, experimentID string) ([]*Run, error)
	CreateModelVersion(ctx context.Context, name, runID, source string) (*ModelVersion, error)
	ListModelVersions(ctx context.Context, name string) ([]*ModelVersion, error)
	Close() error
}

const (
	maxKeyLength        = 250
	maxParamValueLength = 6000
	lifecycleActive     = "active"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-. /]+$`)

// validateKey checks a param or metric key. Keys become file names in the
// file store, so path traversal is rejected.
func validateKey(kind, key string) error {
	switch {
	case key == "":
		return errors.NewValidationError(kind, "key must not be empty", key)
	case len(key) > maxKeyLength:
		return errors.NewValidationError(kind, "key is too long", len(key))
	case !keyPattern.MatchString(key):
		return errors.NewValidationError(kind, "key may only contain alphanumerics, underscores, dashes, periods, spaces and slashes", key)
	case strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.Contains(key, ".."):
		return errors.NewValidationError(kind, "key must be a clean relative path", key)
	}
	return nil
}

func validateParam(key, value string) error {
	if err := validateKey("param", key); err != nil {
		return err
	}
	if len(value) > maxParamValueLength {
		return errors.NewValidationError("param", "value is too long", len(value))
	}
	return nil
}

func validateMetric(m Metric) error {
	if err := validateKey("metric", m.Key); err != nil {
		return err
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return errors.NewValidationError("metric", "value must be finite", m.Value)
	}
	return nil
}

// validateArtifactPath checks a path relative to a run's artifact root.
func validateArtifactPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || path.Clean(p) != p || p == "." ||
		p == ".." || strings.HasPrefix(p, "../") {
		return errors.NewValidationError("artifact_path", "must be a clean relative path", p)
	}
	return nil
}

// newRunID returns a 32 character hex identifier.
func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// runArtifactPrefix is the key prefix of a run's artifacts under the store's artifact root.
func runArtifactPrefix(experimentID, runID string) string {
	return path.Join(experimentID, runID, "artifacts")
}

// latest reports whether m should replace cur as the latest value of a metric.
func latest(cur, m Metric) bool {
	if m.Step != cur.Step {
		return m.Step > cur.Step
	}
	return m.Timestamp >= cur.Timestamp
}

func defaultRunName(runID string) string {
	return "run-" + runID[:8]
}

type options struct {
	artifactRoot string
	s3           S3Config
	logger       log.Logger
	now          func() time.Time
}

// Option configures Open, NewFileStore and NewSQLStore.
type Option func(*options)

// WithArtifactRoot sets where run artifacts are written: a local directory,
// a file:// URI, or an s3://bucket/prefix URI. The file store defaults to
// its own root directory; the SQL store defaults to ./mlartifacts.
func WithArtifactRoot(root string) Option {
	return func(o *options) {
		o.artifactRoot = root
	}
}

// WithS3Config sets the connection settings for s3:// artifact roots.
func WithS3Config(cfg S3Config) Option {
	return func(o *options) {
		o.s3 = cfg
	}
}

// WithLogger sets the logger for store diagnostics.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.GetLogger()
	}
	return o
}

func (o options) nowMillis() int64 {
	return o.now().UnixMilli()
}

// Open connects to the store named by uri.
//
//	""                   file store in ./mlruns
//	file://./mlruns      file store
//	/abs/path, rel/path  file store
//	sqlite:///mlflow.db  SQL store, relative path
//	sqlite:////abs/x.db  SQL store, absolute path
func Open(uri string, opts ...Option) (Store, error) {
	switch {
	case uri == "":
		return NewFileStore("./mlruns", opts...)
	case strings.HasPrefix(uri, "file://"):
		return NewFileStore(strings.TrimPrefix(uri, "file://"), opts...)
	case strings.HasPrefix(uri, sqlitePrefix):
		rest := strings.TrimPrefix(uri, sqlitePrefix)
		// sqlite:///rel.db は相対パス、sqlite:////abs.db は絶対パス
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			return nil, errors.NewTrackingError("open", "", errors.Newf("missing database path in %q", uri))
		}
		return NewSQLStore(rest, opts...)
	case !strings.Contains(uri, "://"):
		return NewFileStore(uri, opts...)
	}
	return nil, errors.NewTrackingError("open", "", errors.Newf("unsupported tracking URI %q", uri))
}
