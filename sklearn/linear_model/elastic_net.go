package linear_model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/YuminosukeSato/scigo-mlrun/core/model"
	"github.com/YuminosukeSato/scigo-mlrun/metrics"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// 係数の更新順序
const (
	SelectionCyclic = "cyclic"
	SelectionRandom = "random"
)

var (
	_ model.LinearModel     = (*ElasticNet)(nil)
	_ model.WeightExporter  = (*ElasticNet)(nil)
	_ model.ParameterGetter = (*ElasticNet)(nil)
)

// ElasticNet is a linear regression model with combined L1 and L2 priors,
// fitted by coordinate descent. It minimizes
//
//	1/(2n) * ||y - Xw - b||² + alpha * l1_ratio * ||w||₁ + 0.5 * alpha * (1 - l1_ratio) * ||w||²
//
// and follows scikit-learn's ElasticNet, including its duality gap stopping
// rule.
type ElasticNet struct {
	state *model.StateManager

	// Hyperparameters
	alpha        float64 // 正則化の強さ
	l1Ratio      float64 // L1 の割合
	fitIntercept bool
	maxIter      int
	tol          float64
	selection    string
	randomState  uint64
	warmStart    bool

	modelType string
	version   string

	// Learned parameters
	coef_      []float64
	intercept_ float64
	nIter_     int
	dualGap_   float64
	features_  []string
}

// NewElasticNet は新しいElasticNetモデルを作成
func NewElasticNet(options ...Option) *ElasticNet {
	en := &ElasticNet{
		state:        model.NewStateManager(),
		alpha:        1.0,
		l1Ratio:      0.5,
		fitIntercept: true,
		maxIter:      1000,
		tol:          1e-4,
		selection:    SelectionCyclic,
		randomState:  42,
		modelType:    "ElasticNet",
		version:      "1.0.0",
	}

	for _, opt := range options {
		opt(en)
	}

	return en
}

// hyperparams は TrainingError に載せるハイパーパラメータ
func (en *ElasticNet) hyperparams() map[string]float64 {
	return map[string]float64{
		"alpha":    en.alpha,
		"l1_ratio": en.l1Ratio,
	}
}

func (en *ElasticNet) validateParams() error {
	switch {
	case math.IsNaN(en.alpha) || math.IsInf(en.alpha, 0) || en.alpha < 0:
		return errors.NewValidationError("alpha", "must be a finite non-negative number", en.alpha)
	case math.IsNaN(en.l1Ratio) || en.l1Ratio < 0 || en.l1Ratio > 1:
		return errors.NewValidationError("l1_ratio", "must be in [0, 1]", en.l1Ratio)
	case en.maxIter < 1:
		return errors.NewValidationError("max_iter", "must be positive", en.maxIter)
	case math.IsNaN(en.tol) || en.tol < 0:
		return errors.NewValidationError("tol", "must be non-negative", en.tol)
	case en.selection != SelectionCyclic && en.selection != SelectionRandom:
		return errors.NewValidationError("selection", "must be \"cyclic\" or \"random\"", en.selection)
	}
	return nil
}

// Fit はモデルを訓練データで学習
func (en *ElasticNet) Fit(X, y mat.Matrix) (err error) {
	defer errors.Recover(&err, "ElasticNet.Fit")

	if err := en.validateParams(); err != nil {
		return errors.NewTrainingError(en.modelType, en.hyperparams(), err)
	}

	rows, cols := X.Dims()
	yRows, yCols := y.Dims()
	if rows == 0 || cols == 0 {
		return errors.NewValueError("ElasticNet.Fit", "X must have at least one sample and one feature")
	}
	if rows != yRows {
		return errors.NewDimensionError("ElasticNet.Fit", rows, yRows, 0)
	}
	if yCols != 1 {
		return errors.NewDimensionError("ElasticNet.Fit", 1, yCols, 1)
	}

	if err := errors.CheckMatrix("ElasticNet.Fit(X)", X); err != nil {
		return errors.NewTrainingError(en.modelType, en.hyperparams(), err)
	}
	if err := errors.CheckMatrix("ElasticNet.Fit(y)", y); err != nil {
		return errors.NewTrainingError(en.modelType, en.hyperparams(), err)
	}

	// 列ごとにコピーし、切片を学習する場合は中心化する
	xCols := make([][]float64, cols)
	xMean := make([]float64, cols)
	for j := 0; j < cols; j++ {
		xCols[j] = mat.Col(nil, j, X)
		if en.fitIntercept {
			xMean[j] = stat.Mean(xCols[j], nil)
			floats.AddConst(-xMean[j], xCols[j])
		}
	}
	yc := mat.Col(nil, 0, y)
	var yMean float64
	if en.fitIntercept {
		yMean = stat.Mean(yc, nil)
		floats.AddConst(-yMean, yc)
	}

	w := make([]float64, cols)
	if en.warmStart && en.state.IsFitted() && len(en.coef_) == cols {
		copy(w, en.coef_)
	}

	gap, tol, nIter, converged := en.coordinateDescent(xCols, yc, w)
	if !converged {
		errors.Warn(errors.NewConvergenceWarning(en.modelType, nIter, fmt.Sprintf(
			"objective did not converge, duality gap %.3e exceeds tolerance %.3e; consider increasing max_iter or alpha",
			gap, tol)))
	}

	if err := errors.CheckNumericalStability("ElasticNet.Fit(coef)", w, nIter); err != nil {
		return errors.NewTrainingError(en.modelType, en.hyperparams(), err)
	}

	intercept := 0.0
	if en.fitIntercept {
		intercept = yMean - floats.Dot(xMean, w)
	}
	if err := errors.CheckScalar("ElasticNet.Fit(intercept)", intercept, nIter); err != nil {
		return errors.NewTrainingError(en.modelType, en.hyperparams(), err)
	}

	en.coef_ = w
	en.intercept_ = intercept
	en.nIter_ = nIter
	en.dualGap_ = gap / float64(rows)
	if len(en.features_) != cols {
		en.features_ = nil
	}
	en.state.SetFitted(cols, rows)
	return nil
}

// coordinateDescent は中心化済みの列 xCols と目的変数 y に対して w を更新する。
// 戻り値は最後に計算した双対ギャップ、スケール済み許容誤差、反復回数、収束したかどうか。
func (en *ElasticNet) coordinateDescent(xCols [][]float64, y, w []float64) (float64, float64, int, bool) {
	nFeatures := len(xCols)
	n := float64(len(y))
	l1Reg := en.alpha * en.l1Ratio * n
	l2Reg := en.alpha * (1 - en.l1Ratio) * n

	normCols := make([]float64, nFeatures)
	for j, c := range xCols {
		normCols[j] = floats.Dot(c, c)
	}

	// 残差 R = y - Xw
	R := make([]float64, len(y))
	copy(R, y)
	for j, c := range xCols {
		if w[j] != 0 {
			floats.AddScaled(R, -w[j], c)
		}
	}

	tol := en.tol * floats.Dot(y, y)

	var rng *rand.Rand
	if en.selection == SelectionRandom {
		rng = rand.New(rand.NewPCG(en.randomState, en.randomState))
	}

	gap := math.Inf(1)
	for iter := 0; iter < en.maxIter; iter++ {
		var wMax, dwMax float64
		for k := 0; k < nFeatures; k++ {
			j := k
			if rng != nil {
				j = rng.IntN(nFeatures)
			}
			if normCols[j] == 0 {
				continue
			}

			old := w[j]
			if old != 0 {
				floats.AddScaled(R, old, xCols[j])
			}
			w[j] = softThreshold(floats.Dot(xCols[j], R), l1Reg) / (normCols[j] + l2Reg)
			if w[j] != 0 {
				floats.AddScaled(R, -w[j], xCols[j])
			}

			dwMax = math.Max(dwMax, math.Abs(w[j]-old))
			wMax = math.Max(wMax, math.Abs(w[j]))
		}

		if wMax == 0 || dwMax/wMax < en.tol || iter == en.maxIter-1 {
			gap = dualityGap(xCols, y, R, w, l1Reg, l2Reg)
			if gap <= tol {
				return gap, tol, iter + 1, true
			}
		}
	}

	return gap, tol, en.maxIter, false
}

// dualityGap は現在の w における主問題と双対問題の差を計算する
func dualityGap(xCols [][]float64, y, R, w []float64, l1Reg, l2Reg float64) float64 {
	// XtA = X^T R - l2_reg * w
	var dualNorm float64
	for j, c := range xCols {
		dualNorm = math.Max(dualNorm, math.Abs(floats.Dot(c, R)-l2Reg*w[j]))
	}

	rNorm2 := floats.Dot(R, R)
	wNorm2 := floats.Dot(w, w)

	var constant, gap float64
	if dualNorm > l1Reg {
		constant = l1Reg / dualNorm
		gap = 0.5 * (rNorm2 + rNorm2*constant*constant)
	} else {
		constant = 1
		gap = rNorm2
	}

	gap += l1Reg*floats.Norm(w, 1) - constant*floats.Dot(R, y) +
		0.5*l2Reg*(1+constant*constant)*wNorm2
	return gap
}

func softThreshold(x, lambda float64) float64 {
	switch {
	case x > lambda:
		return x - lambda
	case x < -lambda:
		return x + lambda
	}
	return 0
}

// Predict は入力データに対する予測を行う（n×1 行列を返す）
func (en *ElasticNet) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := en.state.RequireFitted(en.modelType, "Predict"); err != nil {
		return nil, err
	}
	rows, cols := X.Dims()
	if err := en.state.RequireFeatures("ElasticNet.Predict", cols); err != nil {
		return nil, err
	}

	var xw mat.VecDense
	xw.MulVec(X, mat.NewVecDense(cols, en.Coef()))

	predictions := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		predictions.Set(i, 0, xw.AtVec(i)+en.intercept_)
	}
	return predictions, nil
}

// Score はモデルの決定係数（R²）を計算
func (en *ElasticNet) Score(X, y mat.Matrix) (float64, error) {
	predictions, err := en.Predict(X)
	if err != nil {
		return 0, err
	}
	return metrics.R2ScoreMatrix(y, predictions)
}

// Coef は学習された重み係数を返す
func (en *ElasticNet) Coef() []float64 {
	if en.coef_ == nil {
		return nil
	}
	coef := make([]float64, len(en.coef_))
	copy(coef, en.coef_)
	return coef
}

// Intercept は学習された切片を返す
func (en *ElasticNet) Intercept() float64 {
	return en.intercept_
}

// NIter は収束までに要した反復回数を返す
func (en *ElasticNet) NIter() int {
	return en.nIter_
}

// DualGap は学習終了時の双対ギャップ（サンプル数で正規化）を返す
func (en *ElasticNet) DualGap() float64 {
	return en.dualGap_
}

// IsFitted returns whether the model has been fitted
func (en *ElasticNet) IsFitted() bool {
	return en.state.IsFitted()
}

// SetFeatureNames は特徴量の名前を記録する。ExportWeights に含まれる。
func (en *ElasticNet) SetFeatureNames(names []string) error {
	if nFeatures, _ := en.state.GetDimensions(); en.state.IsFitted() && len(names) != nFeatures {
		return errors.NewDimensionError("ElasticNet.SetFeatureNames", nFeatures, len(names), 1)
	}
	en.features_ = append([]string(nil), names...)
	return nil
}

// FeatureNames は記録された特徴量の名前を返す
func (en *ElasticNet) FeatureNames() []string {
	return append([]string(nil), en.features_...)
}

// GetParams returns the model's hyperparameters (scikit-learn compatible)
func (en *ElasticNet) GetParams() map[string]interface{} {
	return map[string]interface{}{
		"alpha":         en.alpha,
		"l1_ratio":      en.l1Ratio,
		"fit_intercept": en.fitIntercept,
		"max_iter":      en.maxIter,
		"tol":           en.tol,
		"selection":     en.selection,
		"random_state":  en.randomState,
		"warm_start":    en.warmStart,
	}
}

// SetParams sets the model's hyperparameters (scikit-learn compatible).
// Numbers may arrive as any Go numeric type or as float64 after a JSON round trip.
// Unknown keys are ignored.
func (en *ElasticNet) SetParams(params map[string]interface{}) error {
	next := *en

	for key, raw := range params {
		switch key {
		case "alpha", "l1_ratio", "tol", "max_iter", "random_state":
			v, ok := toFloat(raw)
			if !ok {
				return errors.NewValidationError(key, "must be a number", raw)
			}
			switch key {
			case "alpha":
				next.alpha = v
			case "l1_ratio":
				next.l1Ratio = v
			case "tol":
				next.tol = v
			case "max_iter":
				next.maxIter = int(v)
			case "random_state":
				if v < 0 {
					return errors.NewValidationError(key, "must be non-negative", raw)
				}
				next.randomState = uint64(v)
			}
		case "fit_intercept", "warm_start":
			v, ok := raw.(bool)
			if !ok {
				return errors.NewValidationError(key, "must be a boolean", raw)
			}
			if key == "fit_intercept" {
				next.fitIntercept = v
			} else {
				next.warmStart = v
			}
		case "selection":
			v, ok := raw.(string)
			if !ok {
				return errors.NewValidationError(key, "must be a string", raw)
			}
			next.selection = v
		}
	}

	if err := next.validateParams(); err != nil {
		return err
	}
	*en = next
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ExportWeights はモデルの重みをエクスポート（完全な再現性を保証）
func (en *ElasticNet) ExportWeights() (*model.ModelWeights, error) {
	if err := en.state.RequireFitted(en.modelType, "ExportWeights"); err != nil {
		return nil, err
	}
	nFeatures, nSamples := en.state.GetDimensions()

	weights := &model.ModelWeights{
		ModelType:       en.modelType,
		Version:         en.version,
		Coefficients:    en.Coef(),
		Intercept:       en.intercept_,
		Features:        en.FeatureNames(),
		IsFitted:        true,
		Hyperparameters: en.GetParams(),
		Metadata: map[string]interface{}{
			"n_features": nFeatures,
			"n_samples":  nSamples,
			"n_iter":     en.nIter_,
			"dual_gap":   en.dualGap_,
		},
	}
	weights.Seal()

	return weights, nil
}

// ImportWeights はモデルの重みをインポート（完全な再現性を保証）
func (en *ElasticNet) ImportWeights(weights *model.ModelWeights) error {
	if weights == nil {
		return errors.NewValueError("ElasticNet.ImportWeights", "weights cannot be nil")
	}
	if weights.ModelType != en.modelType {
		return errors.NewValueError("ElasticNet.ImportWeights",
			fmt.Sprintf("model type mismatch: expected %s, got %s", en.modelType, weights.ModelType))
	}
	if !weights.IsFitted {
		return errors.NewValueError("ElasticNet.ImportWeights", "weights are not fitted")
	}
	if err := weights.Validate(); err != nil {
		return errors.Wrap(err, "ElasticNet.ImportWeights")
	}
	if err := weights.VerifyChecksum(); err != nil {
		return errors.Wrap(err, "ElasticNet.ImportWeights")
	}
	if err := en.SetParams(weights.Hyperparameters); err != nil {
		return err
	}

	en.coef_ = append([]float64(nil), weights.Coefficients...)
	en.intercept_ = weights.Intercept
	en.features_ = append([]string(nil), weights.Features...)

	var nSamples int
	if v, ok := toFloat(weights.Metadata["n_samples"]); ok {
		nSamples = int(v)
	}
	if v, ok := toFloat(weights.Metadata["n_iter"]); ok {
		en.nIter_ = int(v)
	}
	if v, ok := toFloat(weights.Metadata["dual_gap"]); ok {
		en.dualGap_ = v
	}

	en.state.SetFitted(len(en.coef_), nSamples)
	return nil
}

// Clone は同じハイパーパラメータを持つ未学習のモデルを作成
func (en *ElasticNet) Clone() *ElasticNet {
	return NewElasticNet(
		WithAlpha(en.alpha),
		WithL1Ratio(en.l1Ratio),
		WithFitIntercept(en.fitIntercept),
		WithMaxIter(en.maxIter),
		WithTol(en.tol),
		WithSelection(en.selection),
		WithRandomState(en.randomState),
		WithWarmStart(en.warmStart),
	)
}

// String returns a string representation of the model
func (en *ElasticNet) String() string {
	if !en.state.IsFitted() {
		return fmt.Sprintf("ElasticNet(alpha=%g, l1_ratio=%g, fit_intercept=%t, max_iter=%d, tol=%g, selection=%s)",
			en.alpha, en.l1Ratio, en.fitIntercept, en.maxIter, en.tol, en.selection)
	}
	nFeatures, _ := en.state.GetDimensions()
	return fmt.Sprintf("ElasticNet(alpha=%g, l1_ratio=%g, n_features=%d, n_iter=%d, fitted=true)",
		en.alpha, en.l1Ratio, nFeatures, en.nIter_)
}
