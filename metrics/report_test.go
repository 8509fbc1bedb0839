package metrics

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestEvaluate(t *testing.T) {
	yTrue := mat.NewDense(4, 1, []float64{1, 2, 3, 4})
	yPred := mat.NewDense(4, 1, []float64{1.5, 2.5, 2.5, 3.5})

	report, err := Evaluate(yTrue, yPred)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if math.Abs(report.MSE-0.25) > 1e-12 {
		t.Errorf("MSE = %v, want 0.25", report.MSE)
	}
	if math.Abs(report.MAE-0.5) > 1e-12 {
		t.Errorf("MAE = %v, want 0.5", report.MAE)
	}
	// 1 - 1.0/5.0
	if math.Abs(report.R2-0.8) > 1e-12 {
		t.Errorf("R2 = %v, want 0.8", report.R2)
	}

	m := report.AsMap()
	for _, key := range []string{"mse", "mae", "r2"} {
		if _, ok := m[key]; !ok {
			t.Errorf("AsMap() missing %q", key)
		}
	}
	if s := report.String(); !strings.Contains(s, "MSE: 0.25") {
		t.Errorf("String() = %q", s)
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name  string
		yTrue mat.Matrix
		yPred mat.Matrix
	}{
		{
			name:  "row mismatch",
			yTrue: mat.NewDense(3, 1, []float64{1, 2, 3}),
			yPred: mat.NewDense(2, 1, []float64{1, 2}),
		},
		{
			name:  "not a column",
			yTrue: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
			yPred: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		},
		{
			name:  "empty",
			yTrue: &mat.Dense{},
			yPred: &mat.Dense{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Evaluate(tt.yTrue, tt.yPred); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// 任意の入力に対して MSE ≥ 0, MAE ≥ 0, R² ≤ 1 が成り立つことを確認
func TestEvaluateInvariants(t *testing.T) {
	silenceWarnings(t)
	rng := rand.New(rand.NewPCG(42, 42))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.IntN(30)
		yTrue := mat.NewDense(n, 1, nil)
		yPred := mat.NewDense(n, 1, nil)
		for i := 0; i < n; i++ {
			yTrue.Set(i, 0, rng.NormFloat64()*10)
			yPred.Set(i, 0, rng.NormFloat64()*10)
		}

		report, err := Evaluate(yTrue, yPred)
		if err != nil {
			t.Fatalf("trial %d: Evaluate() error = %v", trial, err)
		}
		if report.MSE < 0 || report.MAE < 0 {
			t.Fatalf("trial %d: negative error metric %+v", trial, report)
		}
		if report.R2 > 1 {
			t.Fatalf("trial %d: R2 above one %+v", trial, report)
		}
	}
}
