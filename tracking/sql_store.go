package tracking

import (
	"context"
	"database/sql"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	"github.com/samber/lo"
	_ "modernc.org/sqlite"
)

const (
	sqlitePrefix        = "sqlite://"
	defaultArtifactRoot = "./mlartifacts"
)

// SQLStore keeps tracking metadata in a SQLite database and artifacts in an
// ArtifactRepository. It supports the model registry.
type SQLStore struct {
	db        *sql.DB
	path      string
	artifacts ArtifactRepository
	opts      options
	logger    log.Logger
}

var _ Store = (*SQLStore)(nil)

// AppendURLParams adds query parameters to a data source name. The part
// before '?' is kept verbatim since the driver reads it as a plain filename.
func AppendURLParams(rawURL string, params []lo.Tuple2[string, string]) (string, error) {
	base, rawQuery, _ := strings.Cut(rawURL, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", errors.WithStack(err)
	}
	for _, tuple := range params {
		q.Add(tuple.A, tuple.B)
	}
	if len(q) == 0 {
		return base, nil
	}
	return base + "?" + q.Encode(), nil
}

// NewSQLStore opens the SQLite database at path and creates the schema.
func NewSQLStore(path string, opts ...Option) (*SQLStore, error) {
	o := buildOptions(opts)

	dataSourceName, err := AppendURLParams(path, []lo.Tuple2[string, string]{
		{A: "_pragma", B: "busy_timeout(10000)"},
		{A: "_pragma", B: "journal_mode(wal)"},
	})
	if err != nil {
		return nil, errors.NewTrackingError("open", "", err)
	}
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.NewTrackingError("open", "", errors.WithStack(err))
	}
	// SQLite は書き込みが直列なので接続は 1 本に絞る
	db.SetMaxOpenConns(1)

	artifactRoot := o.artifactRoot
	if artifactRoot == "" {
		artifactRoot = defaultArtifactRoot
	}
	repo, err := NewArtifactRepository(artifactRoot, o.s3)
	if err != nil {
		_ = db.Close()
		return nil, errors.NewTrackingError("open", "", err)
	}

	s := &SQLStore{
		db:        db,
		path:      path,
		artifacts: repo,
		opts:      o,
		logger:    o.logger.With(log.ComponentKey, "tracking.sql_store"),
	}
	if err := s.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.NewTrackingError("open", "", err)
	}
	return s, nil
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	statements := []string{`
CREATE TABLE IF NOT EXISTS experiments (
	experiment_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	artifact_location TEXT,
	lifecycle_stage TEXT,
	creation_time INTEGER
);`, `
CREATE TABLE IF NOT EXISTS runs (
	run_uuid TEXT PRIMARY KEY,
	experiment_id INTEGER NOT NULL,
	name TEXT,
	status TEXT NOT NULL,
	start_time INTEGER,
	end_time INTEGER,
	artifact_uri TEXT
);`, `
CREATE TABLE IF NOT EXISTS params (
	run_uuid TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (run_uuid, key)
);`, `
CREATE TABLE IF NOT EXISTS metrics (
	run_uuid TEXT NOT NULL,
	key TEXT NOT NULL,
	value REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step INTEGER NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS registered_models (
	name TEXT PRIMARY KEY,
	creation_time INTEGER
);`, `
CREATE TABLE IF NOT EXISTS model_versions (
	name TEXT NOT NULL,
	version INTEGER NOT NULL,
	run_id TEXT,
	source TEXT,
	creation_time INTEGER,
	PRIMARY KEY (name, version)
);`}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	return nil
}

// Scheme implements Store.
func (s *SQLStore) Scheme() string { return "sqlite" }

// SupportsModelRegistry implements Store.
func (s *SQLStore) SupportsModelRegistry() bool { return true }

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// GetOrCreateExperiment implements Store.
func (s *SQLStore) GetOrCreateExperiment(ctx context.Context, name string) (*Experiment, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewTrackingError("get_or_create_experiment", "",
			errors.NewValidationError("name", "experiment name must not be empty", name))
	}

	exp, err := s.experimentByName(ctx, name)
	if err == nil {
		return exp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", errors.WithStack(err))
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.nowMillis()
	res, err := tx.ExecContext(ctx, `
INSERT INTO experiments (name, lifecycle_stage, creation_time) VALUES (?, ?, ?)
`, name, lifecycleActive, now)
	if err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", errors.WithStack(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", errors.WithStack(err))
	}
	expID := strconv.FormatInt(id, 10)
	location := s.artifacts.URI(expID)
	if _, err := tx.ExecContext(ctx, `
UPDATE experiments SET artifact_location = ? WHERE experiment_id = ?
`, location, id); err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", errors.WithStack(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", errors.WithStack(err))
	}

	s.logger.Debug("Created experiment", log.ExperimentKey, name, "experiment_id", expID)
	return &Experiment{
		ID:               expID,
		Name:             name,
		ArtifactLocation: location,
		LifecycleStage:   lifecycleActive,
		CreationTime:     now,
	}, nil
}

func (s *SQLStore) experimentByName(ctx context.Context, name string) (*Experiment, error) {
	var (
		exp      Experiment
		id       int64
		location sql.NullString
		stage    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT experiment_id, name, artifact_location, lifecycle_stage, creation_time FROM experiments WHERE name = ?
`, name).Scan(&id, &exp.Name, &location, &stage, &exp.CreationTime)
	if err != nil {
		return nil, err
	}
	exp.ID = strconv.FormatInt(id, 10)
	exp.ArtifactLocation = location.String
	exp.LifecycleStage = stage.String
	return &exp, nil
}

// CreateRun implements Store.
func (s *SQLStore) CreateRun(ctx context.Context, experimentID, runName string) (*Run, error) {
	id, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, errors.NewTrackingError("create_run", "",
			errors.Wrapf(errors.ErrExperimentNotFound, "experiment %q", experimentID))
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE experiment_id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, errors.NewTrackingError("create_run", "", errors.WithStack(err))
	}
	if exists == 0 {
		return nil, errors.NewTrackingError("create_run", "",
			errors.Wrapf(errors.ErrExperimentNotFound, "experiment %q", experimentID))
	}

	runID := newRunID()
	if runName == "" {
		runName = defaultRunName(runID)
	}
	run := &Run{
		ID:           runID,
		ExperimentID: experimentID,
		Name:         runName,
		Status:       RunStatusRunning,
		StartTime:    s.opts.nowMillis(),
		ArtifactURI:  s.artifacts.URI(runArtifactPrefix(experimentID, runID)),
		Params:       map[string]string{},
		Metrics:      map[string]Metric{},
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO runs (run_uuid, experiment_id, name, status, start_time, end_time, artifact_uri)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, run.ID, id, run.Name, string(run.Status), run.StartTime, 0, run.ArtifactURI); err != nil {
		return nil, errors.NewTrackingError("create_run", runID, errors.WithStack(err))
	}
	return run, nil
}

// runInfo reads the runs row for runID without params or metrics.
func (s *SQLStore) runInfo(ctx context.Context, runID string) (*Run, error) {
	var (
		run    Run
		expID  int64
		name   sql.NullString
		status string
		uri    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_uuid, experiment_id, name, status, start_time, end_time, artifact_uri FROM runs WHERE run_uuid = ?
`, runID).Scan(&run.ID, &expID, &name, &status, &run.StartTime, &run.EndTime, &uri)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrRunNotFound, "run %q", runID)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	run.ExperimentID = strconv.FormatInt(expID, 10)
	run.Name = name.String
	run.Status = RunStatus(status)
	run.ArtifactURI = uri.String
	return &run, nil
}

func (s *SQLStore) activeRun(ctx context.Context, runID string) (*Run, error) {
	run, err := s.runInfo(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, errors.Wrapf(errors.ErrRunTerminated, "run is %s", run.Status)
	}
	return run, nil
}

// LogParam implements Store. Params are write-once.
func (s *SQLStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := validateParam(key, value); err != nil {
		return errors.NewTrackingError("log_param", runID, err)
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return errors.NewTrackingError("log_param", runID, err)
	}

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO params (run_uuid, key, value) VALUES (?, ?, ?)
ON CONFLICT(run_uuid, key) DO NOTHING
`, runID, key, value); err != nil {
		return errors.NewTrackingError("log_param", runID, errors.WithStack(err))
	}
	var stored string
	if err := s.db.QueryRowContext(ctx, `
SELECT value FROM params WHERE run_uuid = ? AND key = ?
`, runID, key).Scan(&stored); err != nil {
		return errors.NewTrackingError("log_param", runID, errors.WithStack(err))
	}
	if stored != value {
		return errors.NewTrackingError("log_param", runID,
			errors.Wrapf(errors.ErrParamConflict, "%s: logged %q, got %q", key, stored, value))
	}
	return nil
}

// LogMetric implements Store.
func (s *SQLStore) LogMetric(ctx context.Context, runID string, m Metric) error {
	if err := validateMetric(m); err != nil {
		return errors.NewTrackingError("log_metric", runID, err)
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return errors.NewTrackingError("log_metric", runID, err)
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.opts.nowMillis()
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO metrics (run_uuid, key, value, timestamp, step) VALUES (?, ?, ?, ?, ?)
`, runID, m.Key, m.Value, m.Timestamp, m.Step); err != nil {
		return errors.NewTrackingError("log_metric", runID, errors.WithStack(err))
	}
	return nil
}

// LogArtifact implements Store.
func (s *SQLStore) LogArtifact(ctx context.Context, runID, artifactPath string, r io.Reader) error {
	if err := validateArtifactPath(artifactPath); err != nil {
		return errors.NewTrackingError("log_artifact", runID, err)
	}
	run, err := s.activeRun(ctx, runID)
	if err != nil {
		return errors.NewTrackingError("log_artifact", runID, err)
	}
	key := runArtifactPrefix(run.ExperimentID, runID) + "/" + artifactPath
	if err := s.artifacts.Put(ctx, key, r, -1); err != nil {
		return errors.NewTrackingError("log_artifact", runID, err)
	}
	return nil
}

// OpenArtifact implements Store.
func (s *SQLStore) OpenArtifact(ctx context.Context, runID, artifactPath string) (io.ReadCloser, error) {
	if err := validateArtifactPath(artifactPath); err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, err)
	}
	run, err := s.runInfo(ctx, runID)
	if err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, err)
	}
	rc, err := s.artifacts.Open(ctx, runArtifactPrefix(run.ExperimentID, runID)+"/"+artifactPath)
	if err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, err)
	}
	return rc, nil
}

// SetTerminated implements Store.
func (s *SQLStore) SetTerminated(ctx context.Context, runID string, status RunStatus) error {
	if !status.IsTerminal() {
		return errors.NewTrackingError("set_terminated", runID,
			errors.NewValidationError("status", "must be FINISHED or FAILED", status))
	}
	if _, err := s.activeRun(ctx, runID); err != nil {
		return errors.NewTrackingError("set_terminated", runID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, end_time = ? WHERE run_uuid = ?
`, string(status), s.opts.nowMillis(), runID); err != nil {
		return errors.NewTrackingError("set_terminated", runID, errors.WithStack(err))
	}
	return nil
}

// GetRun implements Store.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := s.runInfo(ctx, runID)
	if err != nil {
		return nil, errors.NewTrackingError("get_run", runID, err)
	}
	if err := s.loadData(ctx, run); err != nil {
		return nil, errors.NewTrackingError("get_run", runID, err)
	}
	return run, nil
}

// ListRuns implements Store. Runs are ordered newest first.
func (s *SQLStore) ListRuns(ctx context.Context, experimentID string) ([]*Run, error) {
	id, err := strconv.ParseInt(experimentID, 10, 64)
	if err != nil {
		return nil, errors.NewTrackingError("list_runs", "",
			errors.Wrapf(errors.ErrExperimentNotFound, "experiment %q", experimentID))
	}
	rs, err := s.db.QueryContext(ctx, `
SELECT run_uuid FROM runs WHERE experiment_id = ? ORDER BY start_time DESC
`, id)
	if err != nil {
		return nil, errors.NewTrackingError("list_runs", "", errors.WithStack(err))
	}
	var ids []string
	for rs.Next() {
		var runID string
		if err := rs.Scan(&runID); err != nil {
			_ = rs.Close()
			return nil, errors.NewTrackingError("list_runs", "", errors.WithStack(err))
		}
		ids = append(ids, runID)
	}
	if err := rs.Err(); err != nil {
		_ = rs.Close()
		return nil, errors.NewTrackingError("list_runs", "", errors.WithStack(err))
	}
	if err := rs.Close(); err != nil {
		return nil, errors.NewTrackingError("list_runs", "", errors.WithStack(err))
	}

	// 接続が 1 本なので rows を閉じてから個別に読む
	runs := make([]*Run, 0, len(ids))
	for _, runID := range ids {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *SQLStore) loadData(ctx context.Context, run *Run) error {
	run.Params = make(map[string]string)
	run.Metrics = make(map[string]Metric)

	rs, err := s.db.QueryContext(ctx, `SELECT key, value FROM params WHERE run_uuid = ?`, run.ID)
	if err != nil {
		return errors.WithStack(err)
	}
	for rs.Next() {
		var key, value string
		if err := rs.Scan(&key, &value); err != nil {
			_ = rs.Close()
			return errors.WithStack(err)
		}
		run.Params[key] = value
	}
	if err := rs.Close(); err != nil {
		return errors.WithStack(err)
	}

	rs, err = s.db.QueryContext(ctx, `
SELECT key, value, timestamp, step FROM metrics WHERE run_uuid = ?
`, run.ID)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rs.Close()
	for rs.Next() {
		var m Metric
		if err := rs.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step); err != nil {
			return errors.WithStack(err)
		}
		if cur, ok := run.Metrics[m.Key]; !ok || latest(cur, m) {
			run.Metrics[m.Key] = m
		}
	}
	return errors.WithStack(rs.Err())
}

// CreateModelVersion implements Store. Versions start at 1 for each name.
func (s *SQLStore) CreateModelVersion(ctx context.Context, name, runID, source string) (*ModelVersion, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.NewTrackingError("create_model_version", runID,
			errors.NewValidationError("name", "registered model name must not be empty", name))
	}
	if _, err := s.runInfo(ctx, runID); err != nil {
		return nil, errors.NewTrackingError("create_model_version", runID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewTrackingError("create_model_version", runID, errors.WithStack(err))
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.nowMillis()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO registered_models (name, creation_time) VALUES (?, ?)
ON CONFLICT(name) DO NOTHING
`, name, now); err != nil {
		return nil, errors.NewTrackingError("create_model_version", runID, errors.WithStack(err))
	}
	var version int
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE name = ?
`, name).Scan(&version); err != nil {
		return nil, errors.NewTrackingError("create_model_version", runID, errors.WithStack(err))
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO model_versions (name, version, run_id, source, creation_time) VALUES (?, ?, ?, ?, ?)
`, name, version, runID, source, now); err != nil {
		return nil, errors.NewTrackingError("create_model_version", runID, errors.WithStack(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewTrackingError("create_model_version", runID, errors.WithStack(err))
	}

	s.logger.Debug("Registered model version", log.RegisteredModelKey, name, "version", version, log.RunIDKey, runID)
	return &ModelVersion{Name: name, Version: version, RunID: runID, Source: source, CreationTime: now}, nil
}

// ListModelVersions implements Store. Versions are in ascending order.
func (s *SQLStore) ListModelVersions(ctx context.Context, name string) ([]*ModelVersion, error) {
	rs, err := s.db.QueryContext(ctx, `
SELECT name, version, run_id, source, creation_time FROM model_versions WHERE name = ? ORDER BY version
`, name)
	if err != nil {
		return nil, errors.NewTrackingError("list_model_versions", "", errors.WithStack(err))
	}
	defer rs.Close()
	var versions []*ModelVersion
	for rs.Next() {
		var mv ModelVersion
		if err := rs.Scan(&mv.Name, &mv.Version, &mv.RunID, &mv.Source, &mv.CreationTime); err != nil {
			return nil, errors.NewTrackingError("list_model_versions", "", errors.WithStack(err))
		}
		versions = append(versions, &mv)
	}
	if err := rs.Err(); err != nil {
		return nil, errors.NewTrackingError("list_model_versions", "", errors.WithStack(err))
	}
	return versions, nil
}
