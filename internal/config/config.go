package config

import (
	"errors"
	"fmt"

	"github.com/zk/snapreport/internal/logger"
	"github.com/zk/snapreport/internal/merge"
)

// Defaults
const (
	DefaultReportPath  = "snapreport"
	DefaultLogLevel    = "WARN"
	DefaultMergePolicy = string(merge.PolicyPriority)
	DefaultServerAddr  = "localhost:8000"
)

var (
	// ErrInvalidWorkers is returned when the worker count is negative
	ErrInvalidWorkers = errors.New("workers must be zero (auto) or positive")
	// ErrEmptyReportPath is returned when report_path is blank
	ErrEmptyReportPath = errors.New("report_path must not be empty")
)

// Config is the snapreport configuration.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	ReportPath string       `mapstructure:"report_path"`
	Workers    int          `mapstructure:"workers"` // 0 means one per CPU
	LogLevel   string       `mapstructure:"log_level"`
	Reuse      bool         `mapstructure:"reuse"`
	Merge      MergeConfig  `mapstructure:"merge"`
	Server     ServerConfig `mapstructure:"server"`
}

// MergeConfig holds merge settings.
type MergeConfig struct {
	Policy string `mapstructure:"policy"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ReportPath == "" {
		return ErrEmptyReportPath
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidWorkers, c.Workers)
	}
	if _, err := merge.ParsePolicy(c.Merge.Policy); err != nil {
		return err
	}
	if c.LogLevel != "" {
		if _, ok := logger.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("unknown log level %q", c.LogLevel)
		}
	}
	return nil
}

// MergePolicy returns the parsed merge policy. Call after Validate.
func (c *Config) MergePolicy() merge.Policy {
	p, _ := merge.ParsePolicy(c.Merge.Policy)
	return p
}

// Level returns the parsed log level, WARN when unset.
func (c *Config) Level() logger.LogLevel {
	if l, ok := logger.ParseLevel(c.LogLevel); ok {
		return l
	}
	return logger.WARN
}
