// Command train fits one ElasticNet model on the housing dataset and records
// the run to the configured tracking store.
//
//	train [alpha] [l1_ratio]
//
// Both arguments default to 0.5. Settings other than the two hyperparameters
// come from train.{yaml,toml,json} and TRAIN_* environment variables, see
// package config.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/YuminosukeSato/scigo-mlrun/config"
	"github.com/YuminosukeSato/scigo-mlrun/experiment"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/errors"
	"github.com/YuminosukeSato/scigo-mlrun/pkg/log"
	"github.com/YuminosukeSato/scigo-mlrun/tracking"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// 負の値 (train -0.1) をフラグとして解釈させないためフラグ解析は無効
var trainCommand = &cobra.Command{
	Use:                "train [alpha] [l1_ratio]",
	Short:              "Train an ElasticNet regression model and track the run",
	Args:               cobra.MaximumNArgs(2),
	SilenceUsage:       true,
	SilenceErrors:      true,
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
			return cmd.Help()
		}
		hp, err := parseArgs(args)
		if err != nil {
			return err
		}
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		if err := log.SetupLogger(cfg.Log.Level); err != nil {
			return err
		}

		store, err := tracking.Open(cfg.Tracking.URI,
			tracking.WithArtifactRoot(cfg.Tracking.ArtifactRoot),
			tracking.WithS3Config(cfg.Tracking.S3),
		)
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := experiment.NewRunner(cfg, store).Run(cmd.Context(), hp)
		if err != nil {
			return err
		}
		return renderSummary(cmd.OutOrStdout(), res)
	},
}

// parseArgs reads the optional positional hyperparameters.
func parseArgs(args []string) (experiment.Hyperparameters, error) {
	hp := experiment.DefaultHyperparameters()
	targets := []*float64{&hp.Alpha, &hp.L1Ratio}
	names := []string{"alpha", "l1_ratio"}
	for i, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return hp, errors.NewValidationError(names[i], "must be a number", arg)
		}
		*targets[i] = v
	}
	return hp, nil
}

func renderSummary(w io.Writer, res *experiment.Result) error {
	table := tablewriter.NewWriter(w)
	table.Header("key", "value")
	rows := [][]string{
		{"run_id", res.RunID},
		{"experiment_id", res.ExperimentID},
		{"alpha", tracking.FormatFloat(res.Params.Alpha)},
		{"l1_ratio", tracking.FormatFloat(res.Params.L1Ratio)},
		{"train/test", fmt.Sprintf("%d/%d", res.TrainSamples, res.TestSamples)},
		{"n_iter", strconv.Itoa(res.NIter)},
		{"mse", fmt.Sprintf("%.4f", res.Report.MSE)},
		{"mae", fmt.Sprintf("%.4f", res.Report.MAE)},
		{"r2", fmt.Sprintf("%.4f", res.Report.R2)},
		{"model_uri", res.Model.ModelURI},
	}
	if res.RegisteredModel != "" {
		rows = append(rows, []string{"registered_model",
			fmt.Sprintf("%s (version %d)", res.RegisteredModel, res.Model.Version.Version)})
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return errors.Wrap(err, "render summary")
		}
	}
	return errors.Wrap(table.Render(), "render summary")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := trainCommand.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
