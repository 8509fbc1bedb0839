package experiment

import (
	"bytes"
	"image/color"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// PredictionPlot renders predicted against actual values as a PNG scatter
// with the identity line y = x.
func PredictionPlot(yTrue *mat.VecDense, yPred mat.Matrix, hp Hyperparameters) ([]byte, error) {
	n := yTrue.Len()
	if r, _ := yPred.Dims(); r != n {
		return nil, errors.NewDimensionError("PredictionPlot", n, r, 0)
	}
	if n == 0 {
		return nil, errors.NewValueError("PredictionPlot", "nothing to plot")
	}

	pts := make(plotter.XYs, n)
	all := make([]float64, 0, 2*n)
	for i := range pts {
		pts[i].X = yTrue.AtVec(i)
		pts[i].Y = yPred.At(i, 0)
		all = append(all, pts[i].X, pts[i].Y)
	}

	p := plot.New()
	p.Title.Text = "ElasticNet (" + hp.String() + ")"
	p.X.Label.Text = "actual"
	p.Y.Label.Text = "predicted"
	p.Add(plotter.NewGrid())

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, errors.Wrap(err, "build scatter")
	}
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(2)
	p.Add(scatter)

	lo, hi := floats.Min(all), floats.Max(all)
	identity := plotter.NewFunction(func(x float64) float64 { return x })
	identity.XMin, identity.XMax = lo, hi
	identity.Color = color.RGBA{R: 200, A: 255}
	identity.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(identity)
	p.Legend.Add("predictions", scatter)
	p.Legend.Add("y = x", identity)
	p.Legend.Top = true
	p.Legend.Left = true

	// 描画中の panic もエラーとして返す
	var buf bytes.Buffer
	err = errors.SafeExecute("PredictionPlot", func() error {
		w, err := p.WriterTo(5*vg.Inch, 5*vg.Inch, "png")
		if err != nil {
			return errors.Wrap(err, "render plot")
		}
		if _, err := w.WriteTo(&buf); err != nil {
			return errors.Wrap(err, "encode png")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
