// Command x-ray-evaluator serves the fracture-assessment inference API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itzlutfur/x-ray-evaluator/internal/api"
	"github.com/itzlutfur/x-ray-evaluator/internal/config"
	"github.com/itzlutfur/x-ray-evaluator/internal/inference"
	"github.com/itzlutfur/x-ray-evaluator/internal/registry"
	"github.com/itzlutfur/x-ray-evaluator/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("x-ray-evaluator starting",
		"version", version.Version,
		"commit", version.GitCommit,
		"http_port", cfg.Server.HTTPPort,
		"api_prefix", cfg.Server.APIPrefix,
		"model_dir", cfg.Models.Dir,
	)

	reg := registry.New(cfg.Models.Dir, logger)
	consent := inference.NewConsentStore(cfg.Consent.Dir, logger)
	svc := inference.NewService(reg, consent, inference.Options{
		ConfidenceLowThreshold: cfg.Inference.ConfidenceLowThreshold,
		Disclaimer:             cfg.Inference.Disclaimer,
	}, logger)

	handler := api.WithMiddleware(
		api.New(svc, cfg.Server.APIPrefix, logger),
		cfg.Server.CORSAllowOrigins,
		logger,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "err", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}
}
