package tracking

import (
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
)

func quietLogger() log.Logger {
	l, _ := log.NewTestLogger(log.LevelError)
	return l
}

// fakeClock advances one second per call so that start times are ordered.
func fakeClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "mlruns"),
				WithLogger(quietLogger()), WithClock(fakeClock()))
			if err != nil {
				t.Fatalf("NewFileStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			dir := t.TempDir()
			s, err := NewSQLStore(filepath.Join(dir, "mlflow.db"),
				WithArtifactRoot(filepath.Join(dir, "mlartifacts")),
				WithLogger(quietLogger()), WithClock(fakeClock()))
			if err != nil {
				t.Fatalf("NewSQLStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func mustRun(t *testing.T, s Store) *Run {
	t.Helper()
	ctx := context.Background()
	exp, err := s.GetOrCreateExperiment(ctx, "ElasticNet Regression")
	if err != nil {
		t.Fatalf("GetOrCreateExperiment() error = %v", err)
	}
	run, err := s.CreateRun(ctx, exp.ID, "")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	return run
}

func assertTrackingOp(t *testing.T, err error, op string) {
	t.Helper()
	var te *errors.TrackingError
	if !errors.As(err, &te) {
		t.Fatalf("expected TrackingError, got %T: %v", err, err)
	}
	if te.Op != op {
		t.Errorf("Op = %q, want %q", te.Op, op)
	}
}

func TestStoreExperiments(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.GetOrCreateExperiment(ctx, "ElasticNet Regression")
		if err != nil {
			t.Fatalf("GetOrCreateExperiment() error = %v", err)
		}
		if first.ID != "1" || first.LifecycleStage != "active" {
			t.Errorf("unexpected experiment %+v", first)
		}
		again, err := s.GetOrCreateExperiment(ctx, "ElasticNet Regression")
		if err != nil {
			t.Fatal(err)
		}
		if again.ID != first.ID {
			t.Errorf("same name got ID %s, want %s", again.ID, first.ID)
		}
		other, err := s.GetOrCreateExperiment(ctx, "other")
		if err != nil {
			t.Fatal(err)
		}
		if other.ID != "2" {
			t.Errorf("second experiment ID = %s, want 2", other.ID)
		}

		_, err = s.GetOrCreateExperiment(ctx, "  ")
		assertTrackingOp(t, err, "get_or_create_experiment")
	})
}

func TestStoreRunLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := mustRun(t, s)

		if len(run.ID) != 32 || strings.Contains(run.ID, "-") {
			t.Errorf("run ID %q is not 32 hex chars", run.ID)
		}
		if run.Status != RunStatusRunning {
			t.Errorf("Status = %s, want RUNNING", run.Status)
		}
		if run.Name != "run-"+run.ID[:8] {
			t.Errorf("Name = %q", run.Name)
		}

		if err := s.LogParam(ctx, run.ID, "alpha", "0.5"); err != nil {
			t.Fatalf("LogParam() error = %v", err)
		}
		for step, v := range []float64{3.5, 2.25} {
			if err := s.LogMetric(ctx, run.ID, Metric{Key: "mse", Value: v, Step: int64(step)}); err != nil {
				t.Fatalf("LogMetric() error = %v", err)
			}
		}
		if err := s.SetTerminated(ctx, run.ID, RunStatusFinished); err != nil {
			t.Fatalf("SetTerminated() error = %v", err)
		}

		got, err := s.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if got.Status != RunStatusFinished || got.EndTime < got.StartTime || got.EndTime == 0 {
			t.Errorf("unexpected terminal state %+v", got)
		}
		if got.Params["alpha"] != "0.5" {
			t.Errorf("Params = %v", got.Params)
		}
		if m := got.Metrics["mse"]; m.Value != 2.25 || m.Step != 1 {
			t.Errorf("latest mse = %+v, want value 2.25 at step 1", m)
		}

		// 終了したランには書き込めない
		err = s.LogParam(ctx, run.ID, "l1_ratio", "0.5")
		if !errors.Is(err, errors.ErrRunTerminated) {
			t.Errorf("LogParam after end: %v", err)
		}
		err = s.LogMetric(ctx, run.ID, Metric{Key: "r2", Value: 1})
		if !errors.Is(err, errors.ErrRunTerminated) {
			t.Errorf("LogMetric after end: %v", err)
		}
		err = s.SetTerminated(ctx, run.ID, RunStatusFailed)
		if !errors.Is(err, errors.ErrRunTerminated) {
			t.Errorf("SetTerminated twice: %v", err)
		}
	})
}

func TestStoreParamsAreWriteOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := mustRun(t, s)

		if err := s.LogParam(ctx, run.ID, "alpha", "0.1"); err != nil {
			t.Fatal(err)
		}
		if err := s.LogParam(ctx, run.ID, "alpha", "0.1"); err != nil {
			t.Errorf("re-logging the same value should succeed: %v", err)
		}
		err := s.LogParam(ctx, run.ID, "alpha", "0.2")
		if !errors.Is(err, errors.ErrParamConflict) {
			t.Fatalf("expected ErrParamConflict, got %v", err)
		}
		assertTrackingOp(t, err, "log_param")
	})
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := mustRun(t, s)

		tests := []struct {
			name string
			op   string
			call func() error
		}{
			{"traversal key", "log_param", func() error { return s.LogParam(ctx, run.ID, "../alpha", "1") }},
			{"empty key", "log_param", func() error { return s.LogParam(ctx, run.ID, "", "1") }},
			{"long value", "log_param", func() error { return s.LogParam(ctx, run.ID, "k", strings.Repeat("x", 6001)) }},
			{"NaN metric", "log_metric", func() error { return s.LogMetric(ctx, run.ID, Metric{Key: "mse", Value: math.NaN()}) }},
			{"Inf metric", "log_metric", func() error { return s.LogMetric(ctx, run.ID, Metric{Key: "mse", Value: math.Inf(1)}) }},
			{"absolute artifact", "log_artifact", func() error { return s.LogArtifact(ctx, run.ID, "/etc/x", strings.NewReader("")) }},
			{"escaping artifact", "log_artifact", func() error { return s.LogArtifact(ctx, run.ID, "../x", strings.NewReader("")) }},
			{"running status", "set_terminated", func() error { return s.SetTerminated(ctx, run.ID, RunStatusRunning) }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := tt.call()
				if err == nil {
					t.Fatal("expected error")
				}
				assertTrackingOp(t, err, tt.op)
				var ve *errors.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError in chain: %v", err)
				}
			})
		}
	})
}

func TestStoreArtifacts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		run := mustRun(t, s)

		if err := s.LogArtifact(ctx, run.ID, "notes/summary.txt", strings.NewReader("hello")); err != nil {
			t.Fatalf("LogArtifact() error = %v", err)
		}
		rc, err := s.OpenArtifact(ctx, run.ID, "notes/summary.txt")
		if err != nil {
			t.Fatalf("OpenArtifact() error = %v", err)
		}
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		if string(data) != "hello" {
			t.Errorf("artifact = %q", data)
		}

		if !strings.HasPrefix(run.ArtifactURI, "file://") || !strings.HasSuffix(run.ArtifactURI, run.ID+"/artifacts") {
			t.Errorf("ArtifactURI = %q", run.ArtifactURI)
		}
		_, err = s.OpenArtifact(ctx, run.ID, "missing.txt")
		assertTrackingOp(t, err, "open_artifact")
	})
}

func TestStoreUnknownIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetRun(ctx, "0123456789abcdef0123456789abcdef")
		if !errors.Is(err, errors.ErrRunNotFound) {
			t.Errorf("GetRun unknown: %v", err)
		}
		_, err = s.CreateRun(ctx, "99", "")
		if !errors.Is(err, errors.ErrExperimentNotFound) {
			t.Errorf("CreateRun unknown experiment: %v", err)
		}
		err = s.LogParam(ctx, "0123456789abcdef0123456789abcdef", "alpha", "1")
		if !errors.Is(err, errors.ErrRunNotFound) {
			t.Errorf("LogParam unknown run: %v", err)
		}
	})
}

func TestStoreListRuns(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exp, err := s.GetOrCreateExperiment(ctx, "list")
		if err != nil {
			t.Fatal(err)
		}
		var ids []string
		for _, name := range []string{"a", "b", "c"} {
			run, err := s.CreateRun(ctx, exp.ID, name)
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, run.ID)
		}

		runs, err := s.ListRuns(ctx, exp.ID)
		if err != nil {
			t.Fatalf("ListRuns() error = %v", err)
		}
		if len(runs) != 3 {
			t.Fatalf("got %d runs, want 3", len(runs))
		}
		for i, want := range []string{ids[2], ids[1], ids[0]} {
			if runs[i].ID != want {
				t.Errorf("runs[%d] = %s (%s), want newest first", i, runs[i].ID, runs[i].Name)
			}
		}
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	tests := []struct {
		name    string
		uri     string
		scheme  string
		check   string
		wantErr bool
	}{
		{"file uri", "file://" + filepath.Join(dir, "a"), "file", filepath.Join(dir, "a"), false},
		{"bare path", "b", "file", filepath.Join(dir, "b"), false},
		{"sqlite relative", "sqlite:///rel.db", "sqlite", filepath.Join(dir, "rel.db"), false},
		{"sqlite absolute", "sqlite:///" + filepath.Join(dir, "abs.db"), "sqlite", filepath.Join(dir, "abs.db"), false},
		{"sqlite without path", "sqlite://", "", "", true},
		{"unsupported scheme", "http://localhost:5000", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.uri, WithLogger(quietLogger()))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				assertTrackingOp(t, err, "open")
				return
			}
			if err != nil {
				t.Fatalf("Open(%q) error = %v", tt.uri, err)
			}
			defer s.Close()
			if s.Scheme() != tt.scheme {
				t.Errorf("Scheme() = %s, want %s", s.Scheme(), tt.scheme)
			}
			if s.SupportsModelRegistry() != (tt.scheme == "sqlite") {
				t.Errorf("SupportsModelRegistry() = %v", s.SupportsModelRegistry())
			}
			if _, err := os.Stat(tt.check); err != nil {
				t.Errorf("expected %s to exist: %v", tt.check, err)
			}
		})
	}
}

func TestOpenDefaultsToMlruns(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	s, err := Open("", WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := os.Stat(filepath.Join(dir, "mlruns")); err != nil {
		t.Errorf("mlruns not created: %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"alpha", true},
		{"l1_ratio", true},
		{"eval/mse", true},
		{"mean squared-error.v2", true},
		{"", false},
		{"../x", false},
		{"/abs", false},
		{"a//b", false},
		{"a/", false},
		{"bad:key", false},
		{strings.Repeat("k", 251), false},
	}
	for _, tt := range tests {
		err := validateKey("param", tt.key)
		if (err == nil) != tt.valid {
			t.Errorf("validateKey(%q) error = %v, want valid=%v", tt.key, err, tt.valid)
		}
	}
}
