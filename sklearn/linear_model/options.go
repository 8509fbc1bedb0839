package linear_model

// Option は ElasticNet の設定オプション
type Option func(*ElasticNet)

// WithAlpha は正則化の強さを設定
func WithAlpha(alpha float64) Option {
	return func(en *ElasticNet) {
		en.alpha = alpha
	}
}

// WithL1Ratio は L1 と L2 の混合比を設定（0 で Ridge、1 で Lasso）
func WithL1Ratio(ratio float64) Option {
	return func(en *ElasticNet) {
		en.l1Ratio = ratio
	}
}

// WithFitIntercept は切片の学習有無を設定
func WithFitIntercept(fit bool) Option {
	return func(en *ElasticNet) {
		en.fitIntercept = fit
	}
}

// WithMaxIter は座標降下法の最大反復回数を設定
func WithMaxIter(n int) Option {
	return func(en *ElasticNet) {
		en.maxIter = n
	}
}

// WithTol は双対ギャップによる収束判定の許容誤差を設定
func WithTol(tol float64) Option {
	return func(en *ElasticNet) {
		en.tol = tol
	}
}

// WithSelection は更新する係数の選び方を設定（"cyclic" または "random"）
func WithSelection(selection string) Option {
	return func(en *ElasticNet) {
		en.selection = selection
	}
}

// WithRandomState は selection="random" のときの乱数シードを設定
func WithRandomState(seed uint64) Option {
	return func(en *ElasticNet) {
		en.randomState = seed
	}
}

// WithWarmStart は前回の学習結果を初期値として使うかを設定
func WithWarmStart(warm bool) Option {
	return func(en *ElasticNet) {
		en.warmStart = warm
	}
}
