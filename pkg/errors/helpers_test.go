package errors

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

func denseOf(r, c int, data ...float64) *mat.Dense {
	return mat.NewDense(r, c, data)
}

func nan() float64 { return math.NaN() }

func inf() float64 { return math.Inf(1) }
