package metrics

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// RegressionReport は回帰モデルの評価結果をまとめたもの
type RegressionReport struct {
	MSE float64 `json:"mse"`
	MAE float64 `json:"mae"`
	R2  float64 `json:"r2"`
}

// Evaluate は n×1 の正解値と予測値から MSE, MAE, R² を計算する
func Evaluate(yTrue, yPred mat.Matrix) (*RegressionReport, error) {
	t, p, err := matrixPair("Evaluate", yTrue, yPred)
	if err != nil {
		return nil, err
	}

	mse, err := MSE(t, p)
	if err != nil {
		return nil, err
	}
	mae, err := MAE(t, p)
	if err != nil {
		return nil, err
	}
	r2, err := R2Score(t, p)
	if err != nil {
		return nil, err
	}

	return &RegressionReport{MSE: mse, MAE: mae, R2: r2}, nil
}

// AsMap returns the report keyed by the metric names used for tracking.
func (r *RegressionReport) AsMap() map[string]float64 {
	return map[string]float64{
		"mse": r.MSE,
		"mae": r.MAE,
		"r2":  r.R2,
	}
}

func (r *RegressionReport) String() string {
	return fmt.Sprintf("MSE: %.2f, MAE: %.2f, R2: %.2f", r.MSE, r.MAE, r.R2)
}

// MarshalZerologObject はzerologのイベントに評価結果を追加します。
func (r *RegressionReport) MarshalZerologObject(e *zerolog.Event) {
	e.Float64("mse", r.MSE).
		Float64("mae", r.MAE).
		Float64("r2", r.R2)
}
