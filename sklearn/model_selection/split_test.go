package model_selection

import (
	"sort"
	"testing"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// rowData は行 i の全要素が i になるデータを作る
func rowData(n, p int) (*mat.Dense, *mat.VecDense) {
	X := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			X.Set(i, j, float64(i))
		}
		y.SetVec(i, float64(i))
	}
	return X, y
}

func TestTrainTestSplitSizes(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		testSize  float64
		wantTest  int
		wantTrain int
	}{
		{"default fraction", 100, 0.2, 20, 80},
		{"rounds test size up", 11, 0.2, 3, 8},
		{"quarter", 8, 0.25, 2, 6},
		{"tiny dataset", 2, 0.2, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			X, y := rowData(tt.n, 3)
			s, err := TrainTestSplit(X, y, WithTestSize(tt.testSize))
			if err != nil {
				t.Fatalf("TrainTestSplit() error = %v", err)
			}
			if r, c := s.XTest.Dims(); r != tt.wantTest || c != 3 {
				t.Errorf("XTest dims = %dx%d, want %dx3", r, c, tt.wantTest)
			}
			if r, _ := s.XTrain.Dims(); r != tt.wantTrain {
				t.Errorf("XTrain rows = %d, want %d", r, tt.wantTrain)
			}
			if s.YTest.Len() != tt.wantTest || s.YTrain.Len() != tt.wantTrain {
				t.Errorf("y lengths = %d/%d", s.YTrain.Len(), s.YTest.Len())
			}
		})
	}
}

func TestTrainTestSplitPartition(t *testing.T) {
	X, y := rowData(50, 2)
	s, err := TrainTestSplit(X, y)
	if err != nil {
		t.Fatalf("TrainTestSplit() error = %v", err)
	}

	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, s.TrainIndex...), s.TestIndex...) {
		if seen[i] {
			t.Fatalf("row %d appears twice", i)
		}
		seen[i] = true
	}
	if len(seen) != 50 {
		t.Fatalf("union covers %d rows, want 50", len(seen))
	}

	// 行の中身とインデックスが対応している
	for k, i := range s.TestIndex {
		if s.XTest.At(k, 1) != float64(i) || s.YTest.AtVec(k) != float64(i) {
			t.Errorf("test row %d does not match source row %d", k, i)
		}
	}
	for k, i := range s.TrainIndex {
		if s.XTrain.At(k, 0) != float64(i) || s.YTrain.AtVec(k) != float64(i) {
			t.Errorf("train row %d does not match source row %d", k, i)
		}
	}
}

func TestTrainTestSplitDeterministic(t *testing.T) {
	X, y := rowData(40, 2)

	a, err := TrainTestSplit(X, y, WithRandomState(42))
	if err != nil {
		t.Fatal(err)
	}
	b, err := TrainTestSplit(X, y, WithRandomState(42))
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.TestIndex {
		if a.TestIndex[i] != b.TestIndex[i] {
			t.Fatalf("same seed produced different splits: %v vs %v", a.TestIndex, b.TestIndex)
		}
	}
	if !mat.Equal(a.XTrain, b.XTrain) {
		t.Error("same seed produced different XTrain")
	}

	c, err := TrainTestSplit(X, y, WithRandomState(7))
	if err != nil {
		t.Fatal(err)
	}
	same := true
	for i := range a.TestIndex {
		if a.TestIndex[i] != c.TestIndex[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds should give different splits")
	}
}

func TestTrainTestSplitWithoutShuffle(t *testing.T) {
	X, y := rowData(10, 1)
	s, err := TrainTestSplit(X, y, WithShuffle(false), WithTestSize(0.3))
	if err != nil {
		t.Fatal(err)
	}
	test := append([]int{}, s.TestIndex...)
	sort.Ints(test)
	want := []int{7, 8, 9}
	for i := range want {
		if test[i] != want[i] {
			t.Fatalf("TestIndex = %v, want %v", s.TestIndex, want)
		}
	}
	if s.TrainIndex[0] != 0 {
		t.Errorf("TrainIndex should start at row 0: %v", s.TrainIndex)
	}
}

func TestTrainTestSplitErrors(t *testing.T) {
	X, y := rowData(10, 2)

	tests := []struct {
		name string
		X    *mat.Dense
		y    *mat.VecDense
		opts []SplitOption
		want interface{}
	}{
		{"zero test size", X, y, []SplitOption{WithTestSize(0)}, &errors.ValidationError{}},
		{"test size one", X, y, []SplitOption{WithTestSize(1)}, &errors.ValidationError{}},
		{"empty train side", func() *mat.Dense { x, _ := rowData(1, 2); return x }(),
			func() *mat.VecDense { _, v := rowData(1, 2); return v }(), nil, &errors.ValidationError{}},
		{"row mismatch", X, mat.NewVecDense(9, nil), nil, &errors.DimensionError{}},
		{"nil input", nil, nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TrainTestSplit(tt.X, tt.y, tt.opts...)
			if err == nil {
				t.Fatal("expected error")
			}
			switch tt.want.(type) {
			case *errors.ValidationError:
				var ve *errors.ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError, got %v", err)
				}
			case *errors.DimensionError:
				var de *errors.DimensionError
				if !errors.As(err, &de) {
					t.Errorf("expected DimensionError, got %v", err)
				}
			default:
				if !errors.Is(err, errors.ErrEmptyData) {
					t.Errorf("expected ErrEmptyData, got %v", err)
				}
			}
		})
	}
}
