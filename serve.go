package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forestserve/config"
	qhttp "forestserve/http"
	"forestserve/monitoring"
	"forestserve/predictor"
)

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions from the trained model artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides http.port)")
	return cmd
}

// services are the long-lived collaborators of the HTTP server.
type services struct {
	service *predictor.Service
	metrics *monitoring.Metrics
	feed    *monitoring.Hub
}

// buildServices loads the model and wires metrics and the prediction feed.
// With serving.require_model an unusable artifact is a startup error;
// otherwise the service starts degraded.
func buildServices(cfg *config.Config, logger *zap.Logger) (*services, error) {
	mapper, err := predictor.MapperFor(cfg.Serving.FeatureMapping)
	if err != nil {
		return nil, err
	}

	s := &services{metrics: monitoring.NewMetrics()}
	if cfg.Serving.FeedEnabled {
		s.feed = monitoring.NewHub(logger.Named("feed"), cfg.HTTP.AllowedOrigins, s.metrics.SetFeedClients)
	}

	onStale := func() {
		s.metrics.SetStale(true)
		if s.feed != nil {
			if err := s.feed.Publish(monitoring.StatusMessage, s.service.Status()); err != nil {
				logger.Warn("failed to publish status", zap.Error(err))
			}
		}
	}
	opts := []predictor.Option{
		predictor.WithLogger(logger.Named("predictor")),
		predictor.WithMapper(mapper),
		predictor.WithStaleHook(onStale),
	}

	svc, err := predictor.Load(cfg.ArtifactPath, opts...)
	if err != nil {
		if cfg.Serving.RequireModel {
			return nil, fmt.Errorf("startup: %w", err)
		}
		svc = predictor.Degraded(cfg.ArtifactPath, err, opts...)
	}
	s.service = svc

	if meta, ok := svc.Metadata(); ok {
		s.metrics.SetModel(meta.Kind, meta.RunID, meta.SchemaVersion)
	} else {
		s.metrics.SetModel("", "", 0)
	}
	return s, nil
}

func (a *app) serve(ctx context.Context, port int) error {
	cfg := *a.cfg
	if port > 0 {
		cfg.HTTP.Port = port
	}
	logger := a.logger

	s, err := buildServices(&cfg, logger)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Serving.WatchArtifact {
		if err := s.service.Watch(ctx); err != nil {
			logger.Warn("artifact watch disabled", zap.Error(err))
		}
	}
	if s.feed != nil {
		go s.feed.Run(ctx)
	}

	server := qhttp.NewServer(qhttp.ServerConfigFrom(cfg.HTTP), qhttp.Deps{
		Service: s.service,
		Metrics: s.metrics,
		Feed:    s.feed,
		Logger:  logger.Named("http"),
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	logger.Info("predictor service started",
		zap.String("addr", server.Addr()),
		zap.Bool("model_ready", s.service.Ready()),
		zap.String("artifact", cfg.ArtifactPath))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := server.Stop(); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	return <-errCh
}
