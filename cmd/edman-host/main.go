package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/italolelis/edman/internal/config"
	"github.com/italolelis/edman/internal/host"
	"github.com/italolelis/edman/internal/logctx"
	"github.com/italolelis/edman/internal/manifest"
	"github.com/italolelis/edman/internal/storage"
	"github.com/italolelis/edman/internal/storage/sqlite"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "edman-host [origin]",
		Short:   "Native messaging helper that registers finished downloads",
		Version: version,
		Args:    cobra.ArbitraryArgs,
		// Browsers append their own flags, e.g. --parent-window on Windows.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, registry *sqlite.InstrumentedRegistry, cfg storage.Config) error {
				return serve(ctx, registry, cfg, callerOrigin(args))
			})
		},
	}

	root.AddCommand(newManifestCmd("install", "Install the host manifest for a browser", install))
	root.AddCommand(newManifestCmd("uninstall", "Remove the host manifest of a browser", uninstall))

	return root
}

func newManifestCmd(use, short string, action func(ctx context.Context, b manifest.Browser) error) *cobra.Command {
	names := make([]string, 0, len(manifest.Browsers))
	for _, b := range manifest.Browsers {
		names = append(names, string(b))
	}

	return &cobra.Command{
		Use:       use + " <browser>",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := manifest.ParseBrowser(args[0])
			if err != nil {
				return err
			}

			return action(cmd.Context(), b)
		},
	}
}

// withRegistry opens the registry and seeds its configuration before calling fn.
// Logging goes to stderr since stdout carries the message stream.
func withRegistry(ctx context.Context, fn func(ctx context.Context, registry *sqlite.InstrumentedRegistry, cfg storage.Config) error) error {
	cfg, err := config.LoadHostConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		slog.Error("failed to open log file", "err", err)
		return err
	}
	defer closeLog()

	slog.SetDefault(logger)
	ctx = logctx.WithLogger(ctx, logger)

	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database", "path", cfg.DBPath, "err", err)
		return err
	}
	defer db.Close()

	registry := sqlite.NewInstrumentedRegistry(db, nil)

	stored, err := registry.EnsureConfig(ctx, storage.Config{
		DownloadDirectory:    cfg.DownloadDir,
		DownloadSubdirectory: cfg.DownloadSubdirectory,
		SaveFileDirectory:    cfg.SaveDir,
		AllowedOrigins:       cfg.AllowedOrigins,
		AllowedExtensions:    cfg.AllowedExtensions,
	})
	if err != nil {
		logger.Error("failed to load registry config", "err", err)
		return err
	}

	if err := fn(ctx, registry, *stored); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		return err
	}

	return nil
}

func newLogger(cfg *config.HostConfig) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stderr, opts)}
	closeFn := func() {}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, err
		}

		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}

		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closeFn = func() { _ = f.Close() }
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

func serve(ctx context.Context, registry *sqlite.InstrumentedRegistry, cfg storage.Config, origin string) error {
	logger := logctx.LoggerFromContext(ctx)
	backend := host.NewFileBackend(registry, cfg)

	nativeCfg, err := backend.Config(ctx)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := host.CheckOrigin(origin, nativeCfg); err != nil {
		return err
	}

	logger.Info("edman host serving", "origin", origin, "version", version)

	return host.New(backend, nil).Serve(ctx, os.Stdin, os.Stdout)
}

// callerOrigin picks the caller from the browser arguments. Chromium browsers
// pass the extension origin first; Firefox passes the manifest path followed
// by the extension id.
func callerOrigin(args []string) string {
	if len(args) == 0 {
		return ""
	}

	if len(args) > 1 && strings.HasSuffix(args[0], ".json") {
		return args[1]
	}

	return args[0]
}

func install(ctx context.Context, b manifest.Browser) error {
	return withRegistry(ctx, func(ctx context.Context, _ *sqlite.InstrumentedRegistry, cfg storage.Config) error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		dir, err := manifest.Dir(b)
		if err != nil {
			return err
		}

		path, err := manifest.Install(dir, manifest.New(b, config.HostName, exe, cfg.AllowedOrigins, cfg.AllowedExtensions))
		if err != nil {
			return err
		}

		logctx.LoggerFromContext(ctx).Info("installed host manifest", "browser", string(b), "path", path)

		return nil
	})
}

func uninstall(_ context.Context, b manifest.Browser) error {
	dir, err := manifest.Dir(b)
	if err != nil {
		return err
	}

	if err := manifest.Uninstall(dir, config.HostName); err != nil {
		return err
	}

	slog.Info("removed host manifest", "browser", string(b), "dir", dir)

	return nil
}
