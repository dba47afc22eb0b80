// Command train_model fits the classifier and writes the model artifact. It
// takes no flags: configuration comes from config.yaml (or $FORESTSERVE_CONFIG)
// and FORESTSERVE_* environment overrides.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"forestserve/config"
	"forestserve/logging"
	"forestserve/trainer"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		fmt.Fprintln(os.Stderr, "train_model:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "train_model:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := trainer.RunWithConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("training aborted", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	fmt.Printf("model saved to %s\n", result.ArtifactPath)
}
