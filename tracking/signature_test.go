package tracking

import (
	"math"
	"testing"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestInferSignature(t *testing.T) {
	X := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	preds := mat.NewDense(3, 1, []float64{0.1, 0.2, 0.3})

	sig, err := InferSignature([]string{"CRIM", "RM"}, X, preds)
	if err != nil {
		t.Fatalf("InferSignature() error = %v", err)
	}
	if sig.Inputs != `[{"name":"CRIM","type":"double"},{"name":"RM","type":"double"}]` {
		t.Errorf("Inputs = %s", sig.Inputs)
	}
	if sig.Outputs != `[{"type":"tensor","tensor-spec":{"dtype":"float64","shape":[-1]}}]` {
		t.Errorf("Outputs = %s", sig.Outputs)
	}

	cols, err := sig.InputColumns()
	if err != nil || len(cols) != 2 || cols[1].Name != "RM" {
		t.Errorf("InputColumns() = %v, %v", cols, err)
	}
}

func TestInferSignatureErrors(t *testing.T) {
	X := mat.NewDense(3, 2, nil)

	_, err := InferSignature([]string{"only-one"}, X, mat.NewDense(3, 1, nil))
	var de *errors.DimensionError
	if !errors.As(err, &de) || de.Axis != 1 {
		t.Errorf("feature count mismatch: %v", err)
	}

	_, err = InferSignature([]string{"a", "b"}, X, mat.NewDense(2, 1, nil))
	if !errors.As(err, &de) || de.Axis != 0 {
		t.Errorf("row mismatch: %v", err)
	}

	_, err = InferSignature([]string{"a", "b"}, nil, nil)
	var ve *errors.ValueError
	if !errors.As(err, &ve) {
		t.Errorf("nil input: %v", err)
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.5, "0.5"},
		{1, "1.0"},
		{0, "0.0"},
		{0.3, "0.3"},
		{-2, "-2.0"},
		{1e-05, "1e-05"},
		{0.0001, "0.0001"},
		{123456.75, "123456.75"},
		{1e16, "1e+16"},
		{math.NaN(), "nan"},
		{math.Inf(-1), "-inf"},
	}
	for _, tt := range tests {
		if got := FormatFloat(tt.in); got != tt.want {
			t.Errorf("FormatFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatParam(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"cyclic", "cyclic"},
		{0.1, "0.1"},
		{float32(0.5), "0.5"},
		{1000, "1000"},
		{int64(-3), "-3"},
		{uint64(42), "42"},
		{true, "True"},
		{RunStatusFinished, "FINISHED"},
	}
	for _, tt := range tests {
		if got := FormatParam(tt.in); got != tt.want {
			t.Errorf("FormatParam(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
