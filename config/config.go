// Package config aggregates the configuration of every memory component
// into one YAML-loadable structure with environment variable overrides.
//
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luminalab/engram/chunk"
	"github.com/luminalab/engram/consolidate"
	"github.com/luminalab/engram/embed"
	"github.com/luminalab/engram/internal/cache"
	"github.com/luminalab/engram/recall"
	"github.com/luminalab/engram/store"
)

// Config is the complete memory subsystem configuration.
type Config struct {
	Server        ServerConfig       `yaml:"server" env:"SERVER"`
	Database      DatabaseConfig     `yaml:"database" env:"DATABASE"`
	Pool          store.PoolConfig   `yaml:"pool" env:"POOL"`
	Cache         cache.Config       `yaml:"cache" env:"CACHE"`
	Embedding     embed.Config       `yaml:"embedding" env:"EMBEDDING"`
	Chunker       chunk.Config       `yaml:"chunker" env:"CHUNKER"`
	Recall        recall.Config      `yaml:"recall" env:"RECALL"`
	Consolidation consolidate.Config `yaml:"consolidation" env:"CONSOLIDATION"`
	Log           LogConfig          `yaml:"log" env:"LOG"`
	Metrics       MetricsConfig      `yaml:"metrics" env:"METRICS"`
}

// ServerConfig configures the HTTP surface of engramd.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects and addresses the relational backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development" env:"DEVELOPMENT"`
}

// MetricsConfig configures prometheus registration.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8087",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "engram.db",
		},
		Pool:          store.DefaultPoolConfig(),
		Cache:         cache.DefaultConfig(),
		Embedding:     embed.DefaultConfig(),
		Chunker:       chunk.DefaultConfig(),
		Recall:        recall.DefaultConfig(),
		Consolidation: consolidate.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace: "engram",
		},
	}
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if err := c.Embedding.Validate(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := c.Chunker.Validate(); err != nil {
		return fmt.Errorf("chunker: %w", err)
	}
	if err := c.Recall.Validate(); err != nil {
		return fmt.Errorf("recall: %w", err)
	}
	if err := c.Consolidation.Validate(); err != nil {
		return fmt.Errorf("consolidation: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// BuildLogger constructs the zap logger described by the log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}

	var zapCfg zap.Config
	if c.Log.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
