// Package dataset loads tabular training data into gonum matrices.
//
// The expected input is a comma-separated file with a header row. One
// column is the regression target; every other column is a numeric
// feature.
package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/mat"
)

// Frame is a loaded dataset. It is not modified after Load returns.
type Frame struct {
	Features []string
	Target   string
	X        *mat.Dense
	Y        *mat.VecDense
}

// NSamples returns the number of rows.
func (f *Frame) NSamples() int {
	return f.Y.Len()
}

// NFeatures returns the number of feature columns.
func (f *Frame) NFeatures() int {
	return len(f.Features)
}

type loadConfig struct {
	logger    log.Logger
	delimiter rune
}

// Option configures Load and LoadCSV.
type Option func(*loadConfig)

// WithLogger sets the logger used for the load summary.
func WithLogger(l log.Logger) Option {
	return func(c *loadConfig) {
		c.logger = l
	}
}

// WithDelimiter sets the field delimiter. Default ','.
func WithDelimiter(r rune) Option {
	return func(c *loadConfig) {
		c.delimiter = r
	}
}

// LoadCSV reads the file at path. Every failure is a *errors.DataLoadError
// carrying path; a missing file still matches fs.ErrNotExist.
func LoadCSV(path, target string, opts ...Option) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewDataLoadError(path, 0, "", err)
	}
	defer f.Close()

	return Load(f, path, target, opts...)
}

// Load reads CSV data from r. name identifies the source in errors and logs.
func Load(r io.Reader, name, target string, opts ...Option) (*Frame, error) {
	cfg := loadConfig{delimiter: ','}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.GetLogger()
	}
	logger := cfg.logger.With(log.ComponentKey, "dataset", log.OperationKey, log.OperationLoad)
	start := time.Now()

	reader := csv.NewReader(r)
	reader.Comma = cfg.delimiter
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.NewDataLoadError(name, 0, "", errors.Wrap(errors.ErrEmptyData, "missing header row"))
	}
	if err != nil {
		return nil, errors.NewDataLoadError(name, 1, "", err)
	}
	header = lo.Map(header, func(h string, _ int) string {
		return strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	})

	if dups := lo.FindDuplicates(header); len(dups) > 0 {
		return nil, errors.NewDataLoadError(name, 1, dups[0], errors.New("duplicate column name"))
	}
	targetIdx := lo.IndexOf(header, target)
	if targetIdx < 0 {
		return nil, errors.NewDataLoadError(name, 1, target, errors.New("target column not found in header"))
	}
	features := lo.Without(header, target)
	if len(features) == 0 {
		return nil, errors.NewDataLoadError(name, 1, "", errors.New("no feature columns besides the target"))
	}

	var xData, yData []float64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// csv.ParseError は行番号を持つ（列数の不一致など）
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, errors.NewDataLoadError(name, pe.Line, "", err)
			}
			return nil, errors.NewDataLoadError(name, 0, "", err)
		}
		line, _ := reader.FieldPos(0)

		for i, cell := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, errors.NewDataLoadError(name, line, header[i], errors.Wrapf(err, "non-numeric value %q", cell))
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.NewDataLoadError(name, line, header[i], errors.Newf("non-finite value %q", cell))
			}
			if i == targetIdx {
				yData = append(yData, v)
			} else {
				xData = append(xData, v)
			}
		}
	}

	if len(yData) == 0 {
		return nil, errors.NewDataLoadError(name, 0, "", errors.Wrap(errors.ErrEmptyData, "no data rows"))
	}

	frame := &Frame{
		Features: features,
		Target:   target,
		X:        mat.NewDense(len(yData), len(features), xData),
		Y:        mat.NewVecDense(len(yData), yData),
	}

	logger.Info("Dataset loaded successfully.",
		log.PathKey, name,
		log.SamplesKey, frame.NSamples(),
		log.FeaturesKey, frame.NFeatures(),
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return frame, nil
}
