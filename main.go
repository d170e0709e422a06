package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"icoconvert/config"
	"icoconvert/converter"
	"icoconvert/logging"
	"icoconvert/metrics"
	"icoconvert/server"
	"icoconvert/store"
	"icoconvert/sweeper"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := os.Getenv("ICOCONVERT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.Init(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	st, err := store.New(cfg.Storage.TempDir, nil)
	if err != nil {
		return err
	}
	registry := store.NewRegistry()
	slog.Info("Using temp directory", "dir", st.Dir(), "max_age", cfg.Storage.MaxAge)

	promReg := metrics.NewRegistry()
	metrics.RegisterResultsGauge(promReg, registry.Len)

	sw, err := sweeper.New(st, cfg.Storage.MaxAge, cfg.Sweep.Schedule, metrics.NewSweepMetrics(promReg))
	if err != nil {
		return err
	}

	w, err := store.NewWatcher(st, registry)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	conv := converter.New(converter.Options{
		MaxSize:     cfg.Converter.MaxSize,
		MaxBytes:    cfg.Limits.MaxUploadBytes,
		MaxPixels:   cfg.Limits.MaxPixels,
		Concurrency: cfg.Converter.Concurrency,
	})

	srv, err := server.NewServer(cfg, server.Deps{
		Store:     st,
		Registry:  registry,
		Converter: conv,
		Sweeper:   sw,
		Metrics:   promReg,
	})
	if err != nil {
		return err
	}

	sw.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		for event := range w.Events() {
			logging.WithFile(event.FilePath).Debug("Temp directory event", "type", event.Type)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		errs := []error{srv.Shutdown(shutdownCtx)}
		errs = append(errs, sw.Stop(shutdownCtx))
		errs = append(errs, w.Stop())
		return errors.Join(errs...)
	})

	return g.Wait()
}
