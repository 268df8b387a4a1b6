package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/edman/internal/cleanup"
	"github.com/italolelis/edman/internal/config"
	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/downloads/httpdl"
	"github.com/italolelis/edman/internal/downloads/putio"
	"github.com/italolelis/edman/internal/http/rest"
	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/native"
	"github.com/italolelis/edman/internal/notifier"
	"github.com/italolelis/edman/internal/telemetry"
	"github.com/italolelis/edman/internal/tracker"
	"github.com/italolelis/edman/internal/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const helperConfigTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("edman bridge starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
		RuntimeMetrics: cfg.Telemetry.RuntimeMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Helper Channel
	helper := native.NewClient(&transport.ProcessDialer{
		HostName:     cfg.HostName,
		ManifestDirs: cfg.HostManifestDirs,
		Path:         cfg.HostPath,
		Origin:       cfg.HostOrigin,
		StopTimeout:  cfg.HostStopTimeout,
	}, tel)
	defer helper.Close()

	// =========================================================================
	// Start Download Subsystem
	subsystem, closeSubsystem, err := buildDownloadSubsystem(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build download subsystem: %w", err)
	}

	instrumented := downloads.NewInstrumentedSubsystem(subsystem, tel, cfg.DownloadSubsystem)

	// =========================================================================
	// Start Tracker
	tr := tracker.New(helper, instrumented, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tr.Watch(gctx)
		tr.Close()

		return nil
	})

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		n := &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}

		g.Go(func() error {
			notifier.Forward(gctx, n, tr.Events())

			return nil
		})
	} else {
		g.Go(func() error {
			drainEvents(gctx, tr.Events())

			return nil
		})
	}

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, cfg, helper, tr, tel)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, cfg, tr, helper, tel)

	g.Go(func() error {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		closeSubsystem()

		return nil
	})

	logger.Info("waiting for downloads...",
		"download_subsystem", cfg.DownloadSubsystem,
		"download_dir", cfg.DownloadDir,
		"retention", cfg.StagingRetention.String(),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// This is an abstract factory for the download subsystem.
func buildDownloadSubsystem(ctx context.Context, cfg *config.Config) (downloads.Subsystem, func(), error) {
	switch cfg.DownloadSubsystem {
	case "http":
		s := httpdl.New(ctx, cfg.DownloadDir, cfg.MaxParallel, &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		})

		return s, s.Close, nil
	case "putio":
		s := putio.New(ctx, putio.Config{
			Token:           cfg.PutioToken,
			ParentID:        cfg.PutioParentID,
			Dir:             cfg.DownloadDir,
			PollingInterval: cfg.PutioPollInterval,
		})

		if err := s.Authenticate(ctx); err != nil {
			s.Close()

			return nil, nil, fmt.Errorf("authentication error: %w", err)
		}

		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("invalid download subsystem: %s", cfg.DownloadSubsystem)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tr *tracker.Tracker, helper *native.Client, tel *telemetry.Telemetry) *http.Server {
	handler := rest.NewHandler(rest.NewDispatcher(tr, helper), cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "edman-bridge"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, cfg *config.Config, helper *native.Client, tr *tracker.Tracker, tel *telemetry.Telemetry) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			cfgCtx, cancel := context.WithTimeout(ctx, helperConfigTimeout)
			helperCfg, err := helper.Config(cfgCtx)
			cancel()

			if err != nil {
				logger.Error("failed to get helper config for cleanup", "err", err)

				continue
			}

			if _, err := cleanup.DeleteExpiredFiles(ctx, cfg.DownloadDir, helperCfg.DownloadSubdirectory, tr.StagingPaths, cfg.StagingRetention, tel); err != nil {
				logger.Error("failed to delete expired staging files", "err", err)
			}
		}
	}
}

func drainEvents(ctx context.Context, events <-chan tracker.Event) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}

			logger.DebugContext(ctx, "tracker event", "event", string(e.Type), "handle", e.Handle)
		}
	}
}
