package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Converter ConverterConfig `yaml:"converter"`
	Limits    LimitsConfig    `yaml:"limits"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	TempDir string        `yaml:"temp_dir"`
	MaxAge  time.Duration `yaml:"max_age"`
}

type SweepConfig struct {
	// Schedule is a robfig/cron spec, e.g. "@every 1m" or "*/5 * * * *".
	Schedule   string `yaml:"schedule"`
	OnHomePage bool   `yaml:"on_home_page"`
}

type ConverterConfig struct {
	MaxSize     int `yaml:"max_size"`
	Concurrency int `yaml:"concurrency"`
}

type LimitsConfig struct {
	MaxUploadBytes int64   `yaml:"max_upload_bytes"`
	MaxPixels      int     `yaml:"max_pixels"`
	UploadRate     float64 `yaml:"upload_rate"`
	UploadBurst    int     `yaml:"upload_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Environment overrides, applied after the YAML file.
const (
	EnvHost     = "ICOCONVERT_HOST"
	EnvPort     = "ICOCONVERT_PORT"
	EnvTempDir  = "ICOCONVERT_TEMP_DIR"
	EnvMaxAge   = "ICOCONVERT_MAX_AGE"
	EnvLogLevel = "ICOCONVERT_LOG_LEVEL"
)

// MaxIconSize is the largest edge an ICO directory entry can describe.
const MaxIconSize = 256

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5001,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			TempDir: "temp",
			MaxAge:  24 * time.Hour,
		},
		Sweep: SweepConfig{
			Schedule: "@every 1m",
		},
		Converter: ConverterConfig{
			MaxSize:     MaxIconSize,
			Concurrency: runtime.NumCPU(),
		},
		Limits: LimitsConfig{
			MaxUploadBytes: 10 << 20,
			MaxPixels:      40_000_000,
			UploadRate:     2,
			UploadBurst:    10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Info("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		c.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvTempDir)); v != "" {
		c.Storage.TempDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxAge)); v != "" {
		age, err := parseAge(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxAge, err)
		}
		c.Storage.MaxAge = age
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	return nil
}

// parseAge accepts either a Go duration ("36h") or a plain number of seconds ("86400").
func parseAge(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// Validate checks if required configuration fields are set
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Storage.TempDir == "" {
		return fmt.Errorf("storage.temp_dir is required")
	}
	if c.Storage.MaxAge <= 0 {
		return fmt.Errorf("storage.max_age must be positive")
	}
	if c.Sweep.Schedule == "" {
		return fmt.Errorf("sweep.schedule is required")
	}
	if c.Converter.MaxSize <= 0 || c.Converter.MaxSize > MaxIconSize {
		return fmt.Errorf("converter.max_size must be between 1 and %d, got %d", MaxIconSize, c.Converter.MaxSize)
	}
	if c.Converter.Concurrency <= 0 {
		return fmt.Errorf("converter.concurrency must be positive")
	}
	if c.Limits.MaxUploadBytes <= 0 {
		return fmt.Errorf("limits.max_upload_bytes must be positive")
	}
	if c.Limits.MaxPixels <= 0 {
		return fmt.Errorf("limits.max_pixels must be positive")
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
