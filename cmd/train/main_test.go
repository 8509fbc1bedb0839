package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/YuminosukeSato/scigo-mlrun/experiment"
	"github.com/YuminosukeSato/scigo-mlrun/metrics"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/tracking"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    experiment.Hyperparameters
		wantErr bool
	}{
		{"defaults", nil, experiment.Hyperparameters{Alpha: 0.5, L1Ratio: 0.5}, false},
		{"alpha only", []string{"0.1"}, experiment.Hyperparameters{Alpha: 0.1, L1Ratio: 0.5}, false},
		{"both", []string{"0.1", "0.9"}, experiment.Hyperparameters{Alpha: 0.1, L1Ratio: 0.9}, false},
		{"exponent", []string{"1e-3", "1"}, experiment.Hyperparameters{Alpha: 0.001, L1Ratio: 1}, false},
		{"negative", []string{"-0.1"}, experiment.Hyperparameters{Alpha: -0.1, L1Ratio: 0.5}, false},
		{"not a number", []string{"abc"}, experiment.Hyperparameters{}, true},
		{"bad ratio", []string{"0.1", "x"}, experiment.Hyperparameters{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr {
				var ve *errors.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("parseArgs(%v) error = %v, want ValidationError", tt.args, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs(%v) error = %v", tt.args, err)
			}
			if got != tt.want {
				t.Errorf("parseArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}

func TestRenderSummary(t *testing.T) {
	res := &experiment.Result{
		RunID:        "0123456789abcdef0123456789abcdef",
		ExperimentID: "1",
		Params:       experiment.Hyperparameters{Alpha: 0.3, L1Ratio: 0.7},
		Report:       &metrics.RegressionReport{MSE: 1.5, MAE: 0.75, R2: 0.9},
		TrainSamples: 80,
		TestSamples:  20,
		Model: &tracking.ModelInfo{
			ModelURI: "runs:/0123456789abcdef0123456789abcdef/model",
			Version:  &tracking.ModelVersion{Name: "ElasticNetModel_alpha_0.3_l1_0.7", Version: 2},
		},
		RegisteredModel: "ElasticNetModel_alpha_0.3_l1_0.7",
	}

	var buf bytes.Buffer
	if err := renderSummary(&buf, res); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		res.RunID, "0.3", "0.7", "80/20", "1.5000", "0.7500", "0.9000",
		res.Model.ModelURI, "ElasticNetModel_alpha_0.3_l1_0.7 (version 2)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary lacks %q:\n%s", want, out)
		}
	}
}

func TestTrainCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	var b strings.Builder
	b.WriteString("RM,AGE,PRICE\n")
	for i := 0; i < 30; i++ {
		rm, age := 4+float64(i%7)*0.5, float64(i*3%50)
		fmt.Fprintf(&b, "%g,%g,%g\n", rm, age, 6*rm-0.1*age+float64(i%3)*0.2)
	}
	if err := os.WriteFile(filepath.Join(dir, "housing.csv"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRAIN_DATA_PATH", "housing.csv")
	t.Setenv("TRAIN_TRACKING_URI", "file://./mlruns")
	t.Setenv("TRAIN_LOG_LEVEL", "error")

	var out bytes.Buffer
	trainCommand.SetOut(&out)
	trainCommand.SetArgs([]string{"0.1", "0.9"})
	if err := trainCommand.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "runs:/") {
		t.Errorf("summary not printed:\n%s", out.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "mlruns", "1", "meta.yaml")); err != nil {
		t.Errorf("experiment not created: %v", err)
	}

	trainCommand.SetArgs([]string{"0.1", "0.9", "extra"})
	if err := trainCommand.Execute(); err == nil {
		t.Error("three positional arguments must be rejected")
	}

	// 負の alpha はフラグではなく不正なハイパーパラメータとして扱う
	trainCommand.SetArgs([]string{"-0.1"})
	err := trainCommand.Execute()
	var te *errors.TrainingError
	if !errors.As(err, &te) {
		t.Fatalf("Execute(-0.1) error = %v, want TrainingError", err)
	}
	var ve *errors.ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.ParamName, "Alpha") {
		t.Errorf("error does not name alpha: %v", err)
	}

	out.Reset()
	trainCommand.SetArgs([]string{"--help"})
	if err := trainCommand.Execute(); err != nil {
		t.Fatalf("Execute(--help) error = %v", err)
	}
	if !strings.Contains(out.String(), "train [alpha] [l1_ratio]") {
		t.Errorf("help not printed:\n%s", out.String())
	}
}
