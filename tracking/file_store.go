package tracking

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	"go.yaml.in/yaml/v3"
)

const metaFile = "meta.yaml"

// FileStore keeps experiments and runs in a directory tree laid out like
// an MLflow file store:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/params/<key>
//	<root>/<experiment_id>/<run_id>/metrics/<key>    "<timestamp> <value> <step>" per line
//	<root>/<experiment_id>/<run_id>/artifacts/...
//
// It has no model registry.
type FileStore struct {
	mu        sync.Mutex
	root      string
	artifacts ArtifactRepository
	opts      options
	logger    log.Logger
}

var _ Store = (*FileStore)(nil)

type runMeta struct {
	RunID          string    `yaml:"run_id"`
	ExperimentID   string    `yaml:"experiment_id"`
	RunName        string    `yaml:"run_name"`
	Status         RunStatus `yaml:"status"`
	StartTime      int64     `yaml:"start_time"`
	EndTime        int64     `yaml:"end_time"`
	ArtifactURI    string    `yaml:"artifact_uri"`
	LifecycleStage string    `yaml:"lifecycle_stage"`
}

// NewFileStore opens (creating if needed) a file store rooted at root.
func NewFileStore(root string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.NewTrackingError("open", "", errors.WithStack(err))
	}

	artifactRoot := o.artifactRoot
	if artifactRoot == "" {
		artifactRoot = root
	}
	repo, err := NewArtifactRepository(artifactRoot, o.s3)
	if err != nil {
		return nil, errors.NewTrackingError("open", "", err)
	}

	return &FileStore{
		root:      root,
		artifacts: repo,
		opts:      o,
		logger:    o.logger.With(log.ComponentKey, "tracking.file_store"),
	}, nil
}

// Scheme implements Store.
func (s *FileStore) Scheme() string { return "file" }

// SupportsModelRegistry implements Store. The file store has no registry.
func (s *FileStore) SupportsModelRegistry() bool { return false }

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func readYAML(p string, out interface{}) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(yaml.Unmarshal(data, out), "parse %s", p)
}

func writeYAML(p string, in interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(p, data, 0o644))
}

// experiments lists every experiment under the root.
func (s *FileStore) experiments() ([]*Experiment, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []*Experiment
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var exp Experiment
		if err := readYAML(filepath.Join(s.root, e.Name(), metaFile), &exp); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, &exp)
	}
	return out, nil
}

// GetOrCreateExperiment implements Store.
func (s *FileStore) GetOrCreateExperiment(_ context.Context, name string) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(name) == "" {
		return nil, errors.NewTrackingError("get_or_create_experiment", "",
			errors.NewValidationError("name", "experiment name must not be empty", name))
	}

	exps, err := s.experiments()
	if err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", err)
	}
	nextID := 1
	for _, exp := range exps {
		if exp.Name == name {
			return exp, nil
		}
		if id, err := strconv.Atoi(exp.ID); err == nil && id >= nextID {
			nextID = id + 1
		}
	}

	id := strconv.Itoa(nextID)
	exp := &Experiment{
		ID:               id,
		Name:             name,
		ArtifactLocation: s.artifacts.URI(id),
		LifecycleStage:   lifecycleActive,
		CreationTime:     s.opts.nowMillis(),
	}
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", errors.WithStack(err))
	}
	if err := writeYAML(filepath.Join(dir, metaFile), exp); err != nil {
		return nil, errors.NewTrackingError("get_or_create_experiment", "", err)
	}
	s.logger.Debug("Created experiment", log.ExperimentKey, name, "experiment_id", id)
	return exp, nil
}

// CreateRun implements Store.
func (s *FileStore) CreateRun(_ context.Context, experimentID, runName string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expDir := filepath.Join(s.root, experimentID)
	if _, err := os.Stat(filepath.Join(expDir, metaFile)); err != nil {
		return nil, errors.NewTrackingError("create_run", "",
			errors.Wrapf(errors.ErrExperimentNotFound, "experiment %q", experimentID))
	}

	runID := newRunID()
	if runName == "" {
		runName = defaultRunName(runID)
	}
	meta := runMeta{
		RunID:          runID,
		ExperimentID:   experimentID,
		RunName:        runName,
		Status:         RunStatusRunning,
		StartTime:      s.opts.nowMillis(),
		ArtifactURI:    s.artifacts.URI(runArtifactPrefix(experimentID, runID)),
		LifecycleStage: lifecycleActive,
	}

	runDir := filepath.Join(expDir, runID)
	for _, sub := range []string{"params", "metrics"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, errors.NewTrackingError("create_run", runID, errors.WithStack(err))
		}
	}
	if err := writeYAML(filepath.Join(runDir, metaFile), meta); err != nil {
		return nil, errors.NewTrackingError("create_run", runID, err)
	}
	return s.loadRun(runDir, meta)
}

// findRun locates the directory and metadata of runID.
func (s *FileStore) findRun(runID string) (string, runMeta, error) {
	var meta runMeta
	if validateKey("run_id", runID) != nil || strings.Contains(runID, "/") {
		return "", meta, errors.Wrapf(errors.ErrRunNotFound, "run %q", runID)
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "*", runID, metaFile))
	if err != nil {
		return "", meta, errors.WithStack(err)
	}
	if len(matches) == 0 {
		return "", meta, errors.Wrapf(errors.ErrRunNotFound, "run %q", runID)
	}
	if err := readYAML(matches[0], &meta); err != nil {
		return "", meta, err
	}
	return filepath.Dir(matches[0]), meta, nil
}

// activeRun is findRun that also rejects terminated runs.
func (s *FileStore) activeRun(runID string) (string, runMeta, error) {
	dir, meta, err := s.findRun(runID)
	if err != nil {
		return "", meta, err
	}
	if meta.Status.IsTerminal() {
		return "", meta, errors.Wrapf(errors.ErrRunTerminated, "run is %s", meta.Status)
	}
	return dir, meta, nil
}

// LogParam implements Store. Params are write-once.
func (s *FileStore) LogParam(_ context.Context, runID, key, value string) error {
	if err := validateParam(key, value); err != nil {
		return errors.NewTrackingError("log_param", runID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, _, err := s.activeRun(runID)
	if err != nil {
		return errors.NewTrackingError("log_param", runID, err)
	}
	p := filepath.Join(dir, "params", filepath.FromSlash(key))
	if existing, err := os.ReadFile(p); err == nil {
		if string(existing) != value {
			return errors.NewTrackingError("log_param", runID,
				errors.Wrapf(errors.ErrParamConflict, "%s: logged %q, got %q", key, existing, value))
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.NewTrackingError("log_param", runID, errors.WithStack(err))
	}
	if err := os.WriteFile(p, []byte(value), 0o644); err != nil {
		return errors.NewTrackingError("log_param", runID, errors.WithStack(err))
	}
	return nil
}

// LogMetric implements Store. Each call appends to the metric's history.
func (s *FileStore) LogMetric(_ context.Context, runID string, m Metric) error {
	if err := validateMetric(m); err != nil {
		return errors.NewTrackingError("log_metric", runID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, _, err := s.activeRun(runID)
	if err != nil {
		return errors.NewTrackingError("log_metric", runID, err)
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.opts.nowMillis()
	}
	p := filepath.Join(dir, "metrics", filepath.FromSlash(m.Key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.NewTrackingError("log_metric", runID, errors.WithStack(err))
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewTrackingError("log_metric", runID, errors.WithStack(err))
	}
	defer f.Close()
	line := fmt.Sprintf("%d %s %d\n", m.Timestamp, strconv.FormatFloat(m.Value, 'g', -1, 64), m.Step)
	if _, err := f.WriteString(line); err != nil {
		return errors.NewTrackingError("log_metric", runID, errors.WithStack(err))
	}
	return nil
}

// LogArtifact implements Store.
func (s *FileStore) LogArtifact(ctx context.Context, runID, artifactPath string, r io.Reader) error {
	if err := validateArtifactPath(artifactPath); err != nil {
		return errors.NewTrackingError("log_artifact", runID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, meta, err := s.activeRun(runID)
	if err != nil {
		return errors.NewTrackingError("log_artifact", runID, err)
	}
	key := runArtifactPrefix(meta.ExperimentID, runID) + "/" + artifactPath
	if err := s.artifacts.Put(ctx, key, r, -1); err != nil {
		return errors.NewTrackingError("log_artifact", runID, err)
	}
	return nil
}

// OpenArtifact implements Store.
func (s *FileStore) OpenArtifact(ctx context.Context, runID, artifactPath string) (io.ReadCloser, error) {
	if err := validateArtifactPath(artifactPath); err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, meta, err := s.findRun(runID)
	if err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, err)
	}
	rc, err := s.artifacts.Open(ctx, runArtifactPrefix(meta.ExperimentID, runID)+"/"+artifactPath)
	if err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, err)
	}
	return rc, nil
}

// SetTerminated implements Store.
func (s *FileStore) SetTerminated(_ context.Context, runID string, status RunStatus) error {
	if !status.IsTerminal() {
		return errors.NewTrackingError("set_terminated", runID,
			errors.NewValidationError("status", "must be FINISHED or FAILED", status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, meta, err := s.activeRun(runID)
	if err != nil {
		return errors.NewTrackingError("set_terminated", runID, err)
	}
	meta.Status = status
	meta.EndTime = s.opts.nowMillis()
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		return errors.NewTrackingError("set_terminated", runID, err)
	}
	return nil
}

// GetRun implements Store.
func (s *FileStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, meta, err := s.findRun(runID)
	if err != nil {
		return nil, errors.NewTrackingError("get_run", runID, err)
	}
	run, err := s.loadRun(dir, meta)
	if err != nil {
		return nil, errors.NewTrackingError("get_run", runID, err)
	}
	return run, nil
}

// ListRuns implements Store. Runs are ordered newest first.
func (s *FileStore) ListRuns(_ context.Context, experimentID string) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expDir := filepath.Join(s.root, experimentID)
	entries, err := os.ReadDir(expDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewTrackingError("list_runs", "",
				errors.Wrapf(errors.ErrExperimentNotFound, "experiment %q", experimentID))
		}
		return nil, errors.NewTrackingError("list_runs", "", errors.WithStack(err))
	}

	var runs []*Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(expDir, e.Name())
		var meta runMeta
		if err := readYAML(filepath.Join(dir, metaFile), &meta); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, errors.NewTrackingError("list_runs", e.Name(), err)
		}
		run, err := s.loadRun(dir, meta)
		if err != nil {
			return nil, errors.NewTrackingError("list_runs", meta.RunID, err)
		}
		runs = append(runs, run)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartTime > runs[j].StartTime })
	return runs, nil
}

// CreateModelVersion implements Store. Always fails: no registry.
func (s *FileStore) CreateModelVersion(_ context.Context, name, runID, _ string) (*ModelVersion, error) {
	return nil, errors.NewTrackingError("create_model_version", runID,
		errors.Wrapf(errors.ErrRegistryUnsupported, "register %q", name))
}

// ListModelVersions implements Store. Always fails: no registry.
func (s *FileStore) ListModelVersions(_ context.Context, name string) ([]*ModelVersion, error) {
	return nil, errors.NewTrackingError("list_model_versions", "",
		errors.Wrapf(errors.ErrRegistryUnsupported, "list %q", name))
}

// loadRun reads params and metrics from a run directory.
func (s *FileStore) loadRun(dir string, meta runMeta) (*Run, error) {
	run := &Run{
		ID:           meta.RunID,
		ExperimentID: meta.ExperimentID,
		Name:         meta.RunName,
		Status:       meta.Status,
		StartTime:    meta.StartTime,
		EndTime:      meta.EndTime,
		ArtifactURI:  meta.ArtifactURI,
		Params:       make(map[string]string),
		Metrics:      make(map[string]Metric),
	}

	paramsDir := filepath.Join(dir, "params")
	err := walkFiles(paramsDir, func(key string, data []byte) error {
		run.Params[key] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metricsDir := filepath.Join(dir, "metrics")
	err = walkFiles(metricsDir, func(key string, data []byte) error {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			m, err := parseMetricLine(key, scanner.Text())
			if err != nil {
				return err
			}
			if cur, ok := run.Metrics[key]; !ok || latest(cur, m) {
				run.Metrics[key] = m
			}
		}
		return errors.WithStack(scanner.Err())
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// walkFiles calls fn for every regular file under dir with its slash-separated relative path.
func walkFiles(dir string, fn func(key string, data []byte) error) error {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), data)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return errors.WithStack(err)
}

func parseMetricLine(key, line string) (Metric, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Metric{}, errors.Newf("malformed metric line for %s: %q", key, line)
	}
	ts, err1 := strconv.ParseInt(fields[0], 10, 64)
	value, err2 := strconv.ParseFloat(fields[1], 64)
	step, err3 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Metric{}, errors.Newf("malformed metric line for %s: %q", key, line)
	}
	return Metric{Key: key, Value: value, Timestamp: ts, Step: step}, nil
}
