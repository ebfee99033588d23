// Package main is the entry point of the iHarbor S3 multipart gateway.
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

	"golang.org/x/sync/errgroup"

	"github.com/i-harbor/iharbor-s3/internal/backends"
	"github.com/i-harbor/iharbor-s3/internal/config"
	"github.com/i-harbor/iharbor-s3/internal/logging"
	"github.com/i-harbor/iharbor-s3/internal/metrics"
	"github.com/i-harbor/iharbor-s3/internal/multipart"
	"github.com/i-harbor/iharbor-s3/internal/reaper"
	"github.com/i-harbor/iharbor-s3/internal/server"
	"github.com/i-harbor/iharbor-s3/internal/storage"
)

func main() {
	configPath := flag.String("config", "iharbor-s3.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	metrics.Register()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, err := backends.OpenMetadata(ctx, &cfg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	defer meta.Close()

	store, err := backends.OpenStorage(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	defer storage.Close(store)

	mgr := multipart.NewManager(meta, store, multipart.OptionsFromConfig(cfg.Multipart))
	srv, err := server.New(cfg, meta, store, server.WithManager(mgr))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("iharbor-s3 listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Reaper.Enabled {
		r := reaper.New(mgr, meta, reaper.OptionsFromConfig(cfg.Reaper))
		g.Go(func() error {
			return r.Loop(gctx)
		})
	}

	// Stop accepting connections once a signal arrives or the listener
	// fails, and give in-flight requests (completions included) time to
	// finish.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("server stopped")
	return err
}
