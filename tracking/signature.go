package tracking

import (
	"encoding/json"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ColSpec describes one named input column.
type ColSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TensorSpec describes an unnamed tensor output.
type TensorSpec struct {
	Type       string `json:"type"`
	TensorSpec struct {
		DType string `json:"dtype"`
		Shape []int  `json:"shape"`
	} `json:"tensor-spec"`
}

// Signature is the input/output schema stored in MLmodel. Inputs and
// Outputs are JSON documents embedded as strings, the way MLflow writes them.
type Signature struct {
	Inputs  string `yaml:"inputs"`
	Outputs string `yaml:"outputs"`
}

// InferSignature builds a signature from the feature names, the input matrix
// and the predictions made on it.
func InferSignature(features []string, X, preds mat.Matrix) (*Signature, error) {
	if X == nil || preds == nil {
		return nil, errors.NewValueError("InferSignature", "inputs and predictions must not be nil")
	}
	rows, cols := X.Dims()
	if cols != len(features) {
		return nil, errors.NewDimensionError("InferSignature", len(features), cols, 1)
	}
	pRows, pCols := preds.Dims()
	if pRows != rows {
		return nil, errors.NewDimensionError("InferSignature", rows, pRows, 0)
	}

	inputs := make([]ColSpec, len(features))
	for i, name := range features {
		inputs[i] = ColSpec{Name: name, Type: "double"}
	}
	out := TensorSpec{Type: "tensor"}
	out.TensorSpec.DType = "float64"
	out.TensorSpec.Shape = []int{-1}
	if pCols > 1 {
		out.TensorSpec.Shape = []int{-1, pCols}
	}

	in, err := json.Marshal(inputs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outputs, err := json.Marshal([]TensorSpec{out})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Signature{Inputs: string(in), Outputs: string(outputs)}, nil
}

// InputColumns decodes the input schema.
func (s *Signature) InputColumns() ([]ColSpec, error) {
	var cols []ColSpec
	if err := json.Unmarshal([]byte(s.Inputs), &cols); err != nil {
		return nil, errors.Wrap(err, "decode signature inputs")
	}
	return cols, nil
}
