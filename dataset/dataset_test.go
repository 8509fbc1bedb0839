package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
)

const housing = `CRIM,RM,AGE,PRICE
0.1,6.5,65.2,24.0
0.2,6.4,78.9,21.6
0.3,7.1,61.1,34.7
`

func TestLoad(t *testing.T) {
	logger, _ := log.NewTestLogger(log.LevelDebug)

	frame, err := Load(strings.NewReader(housing), "housing.csv", "PRICE", WithLogger(logger))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := strings.Join(frame.Features, ","); got != "CRIM,RM,AGE" {
		t.Errorf("Features = %s", got)
	}
	if frame.NSamples() != 3 || frame.NFeatures() != 3 {
		t.Errorf("shape = %dx%d, want 3x3", frame.NSamples(), frame.NFeatures())
	}
	if r, c := frame.X.Dims(); r != 3 || c != 3 {
		t.Errorf("X dims = %dx%d", r, c)
	}
	if frame.X.At(2, 1) != 7.1 || frame.Y.AtVec(1) != 21.6 {
		t.Errorf("unexpected values X[2,1]=%v Y[1]=%v", frame.X.At(2, 1), frame.Y.AtVec(1))
	}

	if !logger.ContainsMessage("Dataset loaded successfully.") {
		t.Error("expected load summary log entry")
	}
	if !logger.ContainsField(log.SamplesKey, float64(3)) {
		t.Error("expected sample count in log entry")
	}
}

func TestLoadTargetInMiddle(t *testing.T) {
	data := "a,PRICE,b\n1,10,2\n3,20,4\n"
	frame, err := Load(strings.NewReader(data), "mem", "PRICE", WithLogger(discard()))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if frame.X.At(1, 0) != 3 || frame.X.At(1, 1) != 4 || frame.Y.AtVec(1) != 20 {
		t.Errorf("target column not separated correctly")
	}
}

func TestLoadSemicolonDelimiter(t *testing.T) {
	data := "x;y\n1;2\n"
	frame, err := Load(strings.NewReader(data), "mem", "y", WithDelimiter(';'), WithLogger(discard()))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if frame.Y.AtVec(0) != 2 {
		t.Errorf("Y[0] = %v", frame.Y.AtVec(0))
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantRow int
		wantCol string
	}{
		{"empty file", "", 0, ""},
		{"header only", "a,PRICE\n", 0, ""},
		{"missing target", "a,b\n1,2\n", 1, "PRICE"},
		{"only target", "PRICE\n1\n", 1, ""},
		{"duplicate column", "a,a,PRICE\n1,2,3\n", 1, "a"},
		{"ragged row", "a,PRICE\n1,2\n3\n", 3, ""},
		{"non-numeric cell", "a,PRICE\n1,2\nfoo,3\n", 3, "a"},
		{"empty cell", "a,PRICE\n1,\n", 2, "PRICE"},
		{"non-finite cell", "a,PRICE\nNaN,1\n", 2, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.data), "mem.csv", "PRICE", WithLogger(discard()))
			if err == nil {
				t.Fatal("expected error")
			}
			var dle *errors.DataLoadError
			if !errors.As(err, &dle) {
				t.Fatalf("expected DataLoadError, got %T: %v", err, err)
			}
			if dle.Path != "mem.csv" {
				t.Errorf("Path = %q", dle.Path)
			}
			if dle.Row != tt.wantRow {
				t.Errorf("Row = %d, want %d (%v)", dle.Row, tt.wantRow, err)
			}
			if dle.Column != tt.wantCol {
				t.Errorf("Column = %q, want %q", dle.Column, tt.wantCol)
			}
		})
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "housing.csv")
	if err := os.WriteFile(path, []byte(housing), 0o644); err != nil {
		t.Fatal(err)
	}

	frame, err := LoadCSV(path, "PRICE", WithLogger(discard()))
	if err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	if frame.Target != "PRICE" || frame.NSamples() != 3 {
		t.Errorf("unexpected frame %+v", frame)
	}
}

func TestLoadCSVMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.csv")

	_, err := LoadCSV(path, "PRICE")
	var dle *errors.DataLoadError
	if !errors.As(err, &dle) {
		t.Fatalf("expected DataLoadError, got %v", err)
	}
	if dle.Path != path {
		t.Errorf("Path = %q, want %q", dle.Path, path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file should match fs.ErrNotExist: %v", err)
	}
}

func discard() log.Logger {
	l, _ := log.NewTestLogger(log.LevelError)
	return l
}
