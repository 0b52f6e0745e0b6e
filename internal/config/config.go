package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "TREMOR_"

// Config holds application configuration loaded from TREMOR_* environment
// variables and an optional .env file.
type Config struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath       string `env:"DB_PATH" envDefault:"tremor.db"`
	LogLevelName string `env:"LOG_LEVEL" envDefault:"info"`
	// LogLevel is derived from LogLevelName.
	LogLevel slog.Level

	// WorkDir holds upload spools and workspaces. Empty means the system
	// temp directory.
	WorkDir        string `env:"WORK_DIR"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"1073741824"`

	// MaxExtractedBytes and MaxArchiveMembers bound what one archive may
	// unpack into a workspace.
	MaxExtractedBytes int64 `env:"MAX_EXTRACTED_BYTES" envDefault:"2147483648"`
	MaxArchiveMembers int   `env:"MAX_ARCHIVE_MEMBERS" envDefault:"10000"`

	Workers     int           `env:"WORKERS" envDefault:"4"`
	QueueSize   int           `env:"QUEUE_SIZE" envDefault:"64"`
	JobLogLevel string        `env:"JOB_LOG_LEVEL" envDefault:"info"`
	JobTimeout  time.Duration `env:"JOB_TIMEOUT" envDefault:"1h"`
	// DryRunDelay makes the built-in calculator simulate work.
	DryRunDelay time.Duration `env:"DRY_RUN_DELAY" envDefault:"0s"`

	CallbackTimeout        time.Duration `env:"CALLBACK_TIMEOUT" envDefault:"10s"`
	CallbackRetries        int           `env:"CALLBACK_RETRIES" envDefault:"0"`
	CallbackOnNoCandidates bool          `env:"CALLBACK_ON_NO_CANDIDATES" envDefault:"false"`

	OwnerHeader  string   `env:"OWNER_HEADER" envDefault:"X-Remote-User"`
	DefaultOwner string   `env:"DEFAULT_OWNER" envDefault:"platform"`
	CORSOrigins  []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; variables already set win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	if cfg.Workers < 1 {
		return Config{}, fmt.Errorf("%sWORKERS must be at least 1, got %d", envPrefix, cfg.Workers)
	}
	if cfg.QueueSize < 0 {
		return Config{}, fmt.Errorf("%sQUEUE_SIZE must not be negative, got %d", envPrefix, cfg.QueueSize)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
