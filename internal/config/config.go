package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreBackendJSON   = "json"
	StoreBackendSQLite = "sqlite"
)

// Config struct for environment variables.
type Config struct {
	// Nested structs are prefixed with their field name: EMBY_HOST, EMBY_USER_ID, ...
	Emby struct {
		Scheme string `default:"http"`
		Host   string `required:"true"`
		Port   string `default:"8096"`
		Token  string `required:"true"`
		UserID string `split_words:"true" required:"true"`
	}

	StoreBackend string `envconfig:"STORE_BACKEND" default:"json"`
	StatePath    string `envconfig:"STATE_PATH" default:"download_progress.json"`
	DBPath       string `envconfig:"DB_PATH" default:"downloads.db"`

	DownloadDir        string        `envconfig:"DOWNLOAD_DIR" default:"."`
	ChunkSize          int           `envconfig:"CHUNK_SIZE" default:"1048576"`
	CheckpointInterval int64         `envconfig:"CHECKPOINT_INTERVAL" default:"33554432"`
	ReadTimeout        time.Duration `envconfig:"READ_TIMEOUT" default:"5m"`
	MetadataTimeout    time.Duration `envconfig:"METADATA_TIMEOUT" default:"30s"`
	ProbeRetries       uint          `envconfig:"PROBE_RETRIES" default:"3"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile           string `envconfig:"LOG_FILE"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `default:"false"`
		ServiceName  string `split_words:"true" default:"emby_downloader"`
		OTLPEndpoint string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		// Basic auth is only enforced when Username is set.
		Username string
		Password string
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values envconfig cannot express as tags.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("CHUNK_SIZE must be positive")
	}

	if c.CheckpointInterval <= 0 {
		return errors.New("CHECKPOINT_INTERVAL must be positive")
	}

	if c.ReadTimeout <= 0 {
		return errors.New("READ_TIMEOUT must be positive")
	}

	switch strings.ToLower(c.StoreBackend) {
	case StoreBackendJSON, StoreBackendSQLite:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	return nil
}

// EmbyBaseURL is the API root every Emby request is built from.
func (c *Config) EmbyBaseURL() string {
	return fmt.Sprintf("%s://%s:%s/emby", c.Emby.Scheme, c.Emby.Host, c.Emby.Port)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
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
