package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"forestserve/artifact"
	"forestserve/db"
	"forestserve/trainer"
)

func newTrainCmd(a *app) *cobra.Command {
	var (
		source   string
		trees    int
		seed     int64
		output   string
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the classifier and write the model artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			flags := cmd.Flags()
			if flags.Changed("dataset") {
				cfg.Dataset.Source = source
			}
			if flags.Changed("ensemble-size") {
				cfg.Training.EnsembleSize = trees
			}
			if flags.Changed("seed") {
				cfg.Training.Seed = seed
			}
			if flags.Changed("output") {
				cfg.ArtifactPath = output
			}
			if flags.Changed("progress") {
				cfg.Training.Progress = progress
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			result, err := trainer.RunWithConfig(cmd.Context(), &cfg, a.logger)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "dataset", "", "dataset: iris or a CSV path (overrides dataset.source)")
	cmd.Flags().IntVar(&trees, "ensemble-size", 0, "number of trees (overrides training.ensemble_size)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (overrides training.seed)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "artifact path (overrides artifact_path)")
	cmd.Flags().BoolVar(&progress, "progress", true, "show a progress bar")
	return cmd
}

func printResult(w io.Writer, result *trainer.Result) {
	fmt.Fprintf(w, "model saved to %s\n", result.ArtifactPath)
	fmt.Fprintf(w, "run %s: %s, %d rows, train accuracy %.4f", result.RunID, result.Metadata.Kind, result.TrainRows, result.TrainAccuracy)
	if result.TestAccuracy != nil {
		fmt.Fprintf(w, ", test accuracy %.4f", *result.TestAccuracy)
	}
	if result.OOBScore != nil {
		fmt.Fprintf(w, ", oob %.4f", *result.OOBScore)
	}
	fmt.Fprintln(w)
}

func newRunsCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded training runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := db.Open(a.cfg.Training.LedgerPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			logs, err := ledger.LoadTrainingLog(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(logs)
			}
			return printRuns(cmd.OutOrStdout(), logs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printRuns(w io.Writer, logs []db.TrainingLog) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTRAINED\tMODEL\tDATASET\tTREES\tSEED\tACCURACY\tOOB\tROWS")
	for _, log := range logs {
		oob := "-"
		if log.OOBScore != nil {
			oob = fmt.Sprintf("%.4f", *log.OOBScore)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.4f\t%s\t%d\n",
			log.RunID,
			log.TrainedAt.Local().Format("2006-01-02 15:04:05"),
			log.ModelName,
			log.Dataset,
			log.EnsembleSize,
			log.Seed,
			log.Accuracy,
			oob,
			log.DataPoints)
	}
	return tw.Flush()
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [artifact]",
		Short: "Verify a model artifact and print its metadata",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.ArtifactPath
			if len(args) == 1 {
				path = args[0]
			}
			art, err := artifact.Load(path)
			if err != nil {
				return err
			}
			if _, err := art.Classifier(); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(art.Metadata)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// no config or logger needed
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "forestserve %s (artifact schema %d)\n", version, artifact.SchemaVersion)
		},
	}
}
