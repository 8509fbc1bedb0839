// Package model_selection はデータ分割のユーティリティを提供します。
package model_selection

import (
	"math"
	"math/rand/v2"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Split は TrainTestSplit の結果
type Split struct {
	XTrain *mat.Dense
	XTest  *mat.Dense
	YTrain *mat.VecDense
	YTest  *mat.VecDense

	// 元データにおける行番号
	TrainIndex []int
	TestIndex  []int
}

type splitConfig struct {
	testSize    float64
	randomState uint64
	shuffle     bool
}

// SplitOption は TrainTestSplit の設定オプション
type SplitOption func(*splitConfig)

// WithTestSize はテストデータの割合を設定（0 < size < 1、デフォルト 0.2）
func WithTestSize(size float64) SplitOption {
	return func(c *splitConfig) {
		c.testSize = size
	}
}

// WithRandomState は行の並べ替えに使う乱数シードを設定（デフォルト 42）
func WithRandomState(seed uint64) SplitOption {
	return func(c *splitConfig) {
		c.randomState = seed
	}
}

// WithShuffle は分割前に行を並べ替えるかを設定（デフォルト true）。
// false の場合は末尾の行がテストデータになる。
func WithShuffle(shuffle bool) SplitOption {
	return func(c *splitConfig) {
		c.shuffle = shuffle
	}
}

// TrainTestSplit は X と y を訓練データとテストデータに分割する。
// テスト行数は ceil(testSize * n)、残りが訓練データになる。
// 同じシードと割合なら常に同じ分割を返す。
func TrainTestSplit(X *mat.Dense, y *mat.VecDense, opts ...SplitOption) (*Split, error) {
	cfg := splitConfig{testSize: 0.2, randomState: 42, shuffle: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if math.IsNaN(cfg.testSize) || cfg.testSize <= 0 || cfg.testSize >= 1 {
		return nil, errors.NewValidationError("test_size", "must be in the open interval (0, 1)", cfg.testSize)
	}
	if X == nil || y == nil || X.IsEmpty() || y.IsEmpty() {
		return nil, errors.Wrap(errors.ErrEmptyData, "TrainTestSplit")
	}

	n, nFeatures := X.Dims()
	if y.Len() != n {
		return nil, errors.NewDimensionError("TrainTestSplit", n, y.Len(), 0)
	}

	nTest := int(math.Ceil(cfg.testSize * float64(n)))
	nTrain := n - nTest
	if nTest == 0 || nTrain == 0 {
		return nil, errors.NewValidationError("test_size",
			"leaves the train or test set empty for the given number of samples", cfg.testSize)
	}

	var perm []int
	if cfg.shuffle {
		rng := rand.New(rand.NewPCG(cfg.randomState, cfg.randomState))
		perm = rng.Perm(n)
	} else {
		perm = make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		// シャッフルしない場合は先頭を訓練データにする
		perm = append(perm[nTrain:], perm[:nTrain]...)
	}

	testIdx := append([]int(nil), perm[:nTest]...)
	trainIdx := append([]int(nil), perm[nTest:]...)

	s := &Split{
		XTrain:     takeRows(X, trainIdx, nFeatures),
		XTest:      takeRows(X, testIdx, nFeatures),
		YTrain:     takeElems(y, trainIdx),
		YTest:      takeElems(y, testIdx),
		TrainIndex: trainIdx,
		TestIndex:  testIdx,
	}
	return s, nil
}

func takeRows(X *mat.Dense, idx []int, nFeatures int) *mat.Dense {
	out := mat.NewDense(len(idx), nFeatures, nil)
	for i, row := range idx {
		out.SetRow(i, X.RawRowView(row))
	}
	return out
}

func takeElems(y *mat.VecDense, idx []int) *mat.VecDense {
	out := mat.NewVecDense(len(idx), nil)
	for i, row := range idx {
		out.SetVec(i, y.AtVec(row))
	}
	return out
}
