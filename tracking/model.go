package tracking

import (
	"context"
	"io"
	"path"
	"time"

	"github.com/YuminosukeSato/scigo-mlrun/core/model"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"go.yaml.in/yaml/v3"
)

const (
	// FlavorName is the MLmodel flavor written by LogModel.
	FlavorName = "scigo"

	mlmodelFile = "MLmodel"
	weightsFile = "model.json"
)

// Flavor describes how to load the model data in a flavor-specific way.
type Flavor struct {
	ModelType string `yaml:"model_type"`
	Version   string `yaml:"version"`
	Data      string `yaml:"data"`
}

// MLModel is the descriptor stored as <artifact_path>/MLmodel.
type MLModel struct {
	ArtifactPath   string            `yaml:"artifact_path"`
	Flavors        map[string]Flavor `yaml:"flavors"`
	ModelUUID      string            `yaml:"model_uuid"`
	RunID          string            `yaml:"run_id"`
	UTCTimeCreated string            `yaml:"utc_time_created"`
	Signature      *Signature        `yaml:"signature,omitempty"`
}

func newMLModel(artifactPath, runID string, w *model.ModelWeights, sig *Signature, now time.Time) *MLModel {
	return &MLModel{
		ArtifactPath: artifactPath,
		Flavors: map[string]Flavor{
			FlavorName: {ModelType: w.ModelType, Version: w.Version, Data: weightsFile},
		},
		ModelUUID:      newRunID(),
		RunID:          runID,
		UTCTimeCreated: now.UTC().Format("2006-01-02 15:04:05.000000"),
		Signature:      sig,
	}
}

// ModelURI returns the runs:/ URI of a logged model.
func ModelURI(runID, artifactPath string) string {
	return "runs:/" + runID + "/" + artifactPath
}

func readArtifact(ctx context.Context, store Store, runID, artifactPath string) ([]byte, error) {
	rc, err := store.OpenArtifact(ctx, runID, artifactPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.NewTrackingError("open_artifact", runID, errors.WithStack(err))
	}
	return data, nil
}

// ReadMLModel reads the descriptor of the model logged under artifactPath.
func ReadMLModel(ctx context.Context, store Store, runID, artifactPath string) (*MLModel, error) {
	data, err := readArtifact(ctx, store, runID, path.Join(artifactPath, mlmodelFile))
	if err != nil {
		return nil, err
	}
	var m MLModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.NewTrackingError("load_model", runID, errors.Wrap(err, "parse MLmodel"))
	}
	return &m, nil
}

// LoadModel reads the weights logged under artifactPath into dst.
func LoadModel(ctx context.Context, store Store, runID, artifactPath string, dst model.WeightExporter) (*MLModel, error) {
	desc, err := ReadMLModel(ctx, store, runID, artifactPath)
	if err != nil {
		return nil, err
	}
	flavor, ok := desc.Flavors[FlavorName]
	if !ok {
		return nil, errors.NewTrackingError("load_model", runID,
			errors.Newf("model at %s has no %s flavor", artifactPath, FlavorName))
	}

	data, err := readArtifact(ctx, store, runID, path.Join(artifactPath, flavor.Data))
	if err != nil {
		return nil, err
	}
	var w model.ModelWeights
	if err := w.FromJSON(data); err != nil {
		return nil, errors.NewTrackingError("load_model", runID, errors.Wrap(err, "parse model weights"))
	}
	if err := dst.ImportWeights(&w); err != nil {
		return nil, errors.NewTrackingError("load_model", runID, err)
	}
	return desc, nil
}
