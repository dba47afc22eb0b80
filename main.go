package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forestserve/config"
	"forestserve/logging"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "forestserve",
		Short:         "Train a random forest classifier and serve its predictions over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), 0)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.PathFromEnv(),
		"config file (env "+config.PathEnv+")")

	root.AddCommand(
		newServeCmd(a),
		newTrainCmd(a),
		newRunsCmd(a),
		newInspectCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a.cfg = cfg
	a.logger = logger
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "forestserve:", err)
		os.Exit(1)
	}
}
