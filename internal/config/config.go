package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "EDMAN"

// HostName is the name the helper registers in its native messaging manifest.
const HostName = "io.github.italolelis.edman"

// Config struct for the bridge environment variables.
type Config struct {
	DownloadSubsystem string `envconfig:"DOWNLOAD_SUBSYSTEM" default:"http"`
	// DownloadDir must match the helper's download_directory.
	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxParallel int    `envconfig:"MAX_PARALLEL" default:"5"`

	PutioToken        string        `envconfig:"PUTIO_TOKEN"`
	PutioParentID     int64         `envconfig:"PUTIO_PARENT_ID"`
	PutioPollInterval time.Duration `envconfig:"PUTIO_POLL_INTERVAL" default:"10s"`

	HostName         string        `envconfig:"HOST_NAME" default:"io.github.italolelis.edman"`
	HostManifestDirs []string      `envconfig:"HOST_MANIFEST_DIRS"`
	HostPath         string        `envconfig:"HOST_PATH"`
	HostOrigin       string        `envconfig:"HOST_ORIGIN"`
	HostStopTimeout  time.Duration `envconfig:"HOST_STOP_TIMEOUT" default:"5s"`

	StagingRetention  time.Duration `envconfig:"STAGING_RETENTION" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"edman-bridge"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
		RuntimeMetrics bool          `split_words:"true" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads EDMAN_ environment variables into a bridge Config.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("%s_DOWNLOAD_DIR must not be empty", envPrefix)
	}

	switch cfg.DownloadSubsystem {
	case "http":
	case "putio":
		if cfg.PutioToken == "" {
			return nil, fmt.Errorf("%s_PUTIO_TOKEN is required for the putio download subsystem", envPrefix)
		}
	default:
		return nil, fmt.Errorf("unsupported download subsystem: %s", cfg.DownloadSubsystem)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	return parseLevel(c.LogLevel)
}

// HostConfig struct for the helper environment variables. Directory settings
// only seed the registry the first time it is created.
type HostConfig struct {
	DBPath               string   `envconfig:"DB_PATH"`
	DownloadDir          string   `envconfig:"DOWNLOAD_DIR"`
	DownloadSubdirectory string   `envconfig:"DOWNLOAD_SUBDIRECTORY" default:"edman"`
	SaveDir              string   `envconfig:"SAVE_DIR"`
	AllowedOrigins       []string `envconfig:"ALLOWED_ORIGINS"`
	AllowedExtensions    []string `envconfig:"ALLOWED_EXTENSIONS"`
	LogLevel             string   `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile              string   `envconfig:"LOG_FILE"`
}

// LoadHostConfig reads EDMAN_ environment variables into a HostConfig and
// fills unset paths with per-user defaults.
func LoadHostConfig() (*HostConfig, error) {
	var cfg HostConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DBPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config directory: %w", err)
		}

		cfg.DBPath = filepath.Join(dir, "edman", "edman.db")
	}

	if cfg.DownloadDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DownloadDir = filepath.Join(home, "Downloads")
		}
	}

	if cfg.SaveDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.SaveDir = wd
		}
	}

	return &cfg, nil
}

func (c *HostConfig) SlogLevel() slog.Level {
	return parseLevel(c.LogLevel)
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
