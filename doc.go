// Package mlrun trains an ElasticNet regression model on a tabular dataset
// and records each run to an MLflow-compatible tracking store.
//
// A run is a fixed pipeline:
//
//	dataset.LoadCSV -> model_selection.TrainTestSplit -> linear_model.ElasticNet.Fit
//	-> metrics.Evaluate -> tracking.ActiveRun (params, metrics, model, plot)
//
// The pieces are usable on their own. The command in cmd/train wires them
// together; package experiment holds the orchestration.
//
// # Quick Start
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	store, err := tracking.Open(cfg.Tracking.URI)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	res, err := experiment.NewRunner(cfg, store).Run(ctx, experiment.Hyperparameters{
//	    Alpha:   0.1,
//	    L1Ratio: 0.9,
//	})
//
// # Tracking stores
//
// The tracking URI selects the backend:
//
//	file://./mlruns        directory store, no model registry
//	./mlruns               same as above
//	sqlite:///mlflow.db    SQLite store with a model registry (relative path)
//	sqlite:////tmp/m.db    SQLite store, absolute path
//
// Artifacts go to the local filesystem unless the artifact root is an
// s3:// URI, in which case they are uploaded with the configured S3
// credentials.
//
// # Error Handling
//
// Every failure is returned as an error from pkg/errors: DataLoadError for
// the dataset, TrainingError for the solver and TrackingError for the store.
// A tracking run that was opened is always finalized, as FAILED when an
// error or panic ends it.
package mlrun
