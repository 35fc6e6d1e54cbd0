// Package config loads dlengine's configuration, layering environment
// variables on top of a YAML file on top of built-in defaults, with Merge
// for further overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ligustah/dlengine/internal/httpx"
	"github.com/ligustah/dlengine/internal/model"
	"github.com/ligustah/dlengine/internal/progress"
	"github.com/ligustah/dlengine/internal/worker"
)

// Config holds every knob a dlengine process needs at startup, per
// SPEC_FULL.md §A.
type Config struct {
	MaxConcurrent              int           `yaml:"max_concurrent"`
	DefaultSegments            int           `yaml:"default_segments"`
	MinSegmentSize             int64         `yaml:"min_segment_size"`
	StorePath                  string        `yaml:"store_path"`
	PersistenceCheckpointBytes int64         `yaml:"persistence_checkpoint_bytes"`
	ProgressUpdateInterval     time.Duration `yaml:"progress_update_interval"`
	RebalanceInterval          time.Duration `yaml:"rebalance_interval"`

	HTTP  HTTPConfig  `yaml:"http"`
	Retry RetryConfig `yaml:"retry"`
}

// HTTPConfig carries a subset of internal/httpx.Options' transport knobs;
// MaxIdleConnsPerHost, Referer, InsecureSkipVerify and
// MaxReceiveBytesPerSec are not configurable here.
type HTTPConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DNSTimeout       time.Duration `yaml:"dns_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	UserAgent        string        `yaml:"user_agent"`
	Proxy            string        `yaml:"proxy"`
	ProxyUsername    string        `yaml:"proxy_username"`
	ProxyPassword    string        `yaml:"proxy_password"`
	LowSpeedLimit    int64         `yaml:"low_speed_limit"`
	LowSpeedDuration time.Duration `yaml:"low_speed_duration"`
}

// RetryConfig defines the segment-worker retry policy of spec §7.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with the spec's built-in defaults (model
// package constants).
func Default() Config {
	return Config{
		MaxConcurrent:              model.DefaultMaxConcurrent,
		DefaultSegments:            model.DefaultSegments,
		MinSegmentSize:             model.MinSegmentSize,
		StorePath:                  "dlengine.db",
		PersistenceCheckpointBytes: model.PersistenceCheckpointBytes,
		ProgressUpdateInterval:     model.ProgressUpdateInterval,
		RebalanceInterval:          model.RebalanceInterval,
		HTTP: HTTPConfig{
			ConnectTimeout:   model.ConnectTimeout,
			DNSTimeout:       model.DNSTimeout,
			UserAgent:        "dlengine/1.0",
			LowSpeedLimit:    model.LowSpeedLimit,
			LowSpeedDuration: model.LowSpeedDuration,
		},
		Retry: RetryConfig{
			Attempts:   model.MaxRetries,
			Backoff:    model.RetryBackoffBase,
			MaxBackoff: model.MaxRetryDelay,
		},
	}
}

// HTTPOptions adapts c's HTTP sub-config to httpx.Options, seeding every
// field httpx.DefaultOptions doesn't own directly.
func (c Config) HTTPOptions() httpx.Options {
	opts := httpx.DefaultOptions()
	opts.ConnectTimeout = c.HTTP.ConnectTimeout
	opts.DNSTimeout = c.HTTP.DNSTimeout
	opts.RequestTimeout = c.HTTP.RequestTimeout
	opts.UserAgent = c.HTTP.UserAgent
	opts.Proxy = c.HTTP.Proxy
	opts.ProxyUsername = c.HTTP.ProxyUsername
	opts.ProxyPassword = c.HTTP.ProxyPassword
	opts.LowSpeedLimit = c.HTTP.LowSpeedLimit
	opts.LowSpeedDuration = c.HTTP.LowSpeedDuration
	return opts
}

// RetryPolicy adapts c's retry sub-config to worker.RetryPolicy. Retrying
// is the worker's job (spec §4.2 step 9, §7); the HTTP client makes a
// single attempt per call.
func (c Config) RetryPolicy() worker.RetryPolicy {
	return worker.RetryPolicy{
		MaxRetries:  c.Retry.Attempts,
		BackoffBase: c.Retry.Backoff,
		MaxBackoff:  c.Retry.MaxBackoff,
	}
}

// yamlConfig mirrors Config but with human-readable byte-size strings for
// size fields, parsed via progress.ParseBytes.
type yamlConfig struct {
	MaxConcurrent              int    `yaml:"max_concurrent"`
	DefaultSegments            int    `yaml:"default_segments"`
	MinSegmentSize             string `yaml:"min_segment_size"`
	StorePath                  string `yaml:"store_path"`
	PersistenceCheckpointBytes string `yaml:"persistence_checkpoint_bytes"`
	ProgressUpdateInterval     string `yaml:"progress_update_interval"`
	RebalanceInterval          string `yaml:"rebalance_interval"`
	HTTP                       struct {
		ConnectTimeout   string `yaml:"connect_timeout"`
		DNSTimeout       string `yaml:"dns_timeout"`
		RequestTimeout   string `yaml:"request_timeout"`
		UserAgent        string `yaml:"user_agent"`
		Proxy            string `yaml:"proxy"`
		ProxyUsername    string `yaml:"proxy_username"`
		ProxyPassword    string `yaml:"proxy_password"`
		LowSpeedLimit    string `yaml:"low_speed_limit"`
		LowSpeedDuration string `yaml:"low_speed_duration"`
	} `yaml:"http"`
	Retry struct {
		Attempts   int    `yaml:"attempts"`
		Backoff    string `yaml:"backoff"`
		MaxBackoff string `yaml:"max_backoff"`
	} `yaml:"retry"`
}

// LoadFromFile loads configuration from a YAML file, layered over Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parse file: %w", err)
	}

	cfg := Default()

	if yc.MaxConcurrent != 0 {
		cfg.MaxConcurrent = yc.MaxConcurrent
	}
	if yc.DefaultSegments != 0 {
		cfg.DefaultSegments = yc.DefaultSegments
	}
	if yc.StorePath != "" {
		cfg.StorePath = yc.StorePath
	}
	if yc.MinSegmentSize != "" {
		n, err := progress.ParseBytes(yc.MinSegmentSize)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse min_segment_size: %w", err)
		}
		cfg.MinSegmentSize = n
	}
	if yc.PersistenceCheckpointBytes != "" {
		n, err := progress.ParseBytes(yc.PersistenceCheckpointBytes)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse persistence_checkpoint_bytes: %w", err)
		}
		cfg.PersistenceCheckpointBytes = n
	}
	if yc.ProgressUpdateInterval != "" {
		d, err := time.ParseDuration(yc.ProgressUpdateInterval)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse progress_update_interval: %w", err)
		}
		cfg.ProgressUpdateInterval = d
	}
	if yc.RebalanceInterval != "" {
		d, err := time.ParseDuration(yc.RebalanceInterval)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse rebalance_interval: %w", err)
		}
		cfg.RebalanceInterval = d
	}

	if yc.HTTP.ConnectTimeout != "" {
		d, err := time.ParseDuration(yc.HTTP.ConnectTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse http.connect_timeout: %w", err)
		}
		cfg.HTTP.ConnectTimeout = d
	}
	if yc.HTTP.DNSTimeout != "" {
		d, err := time.ParseDuration(yc.HTTP.DNSTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse http.dns_timeout: %w", err)
		}
		cfg.HTTP.DNSTimeout = d
	}
	if yc.HTTP.RequestTimeout != "" {
		d, err := time.ParseDuration(yc.HTTP.RequestTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse http.request_timeout: %w", err)
		}
		cfg.HTTP.RequestTimeout = d
	}
	if yc.HTTP.UserAgent != "" {
		cfg.HTTP.UserAgent = yc.HTTP.UserAgent
	}
	if yc.HTTP.Proxy != "" {
		cfg.HTTP.Proxy = yc.HTTP.Proxy
	}
	if yc.HTTP.ProxyUsername != "" {
		cfg.HTTP.ProxyUsername = yc.HTTP.ProxyUsername
	}
	if yc.HTTP.ProxyPassword != "" {
		cfg.HTTP.ProxyPassword = yc.HTTP.ProxyPassword
	}
	if yc.HTTP.LowSpeedLimit != "" {
		n, err := progress.ParseBytes(yc.HTTP.LowSpeedLimit)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse http.low_speed_limit: %w", err)
		}
		cfg.HTTP.LowSpeedLimit = n
	}
	if yc.HTTP.LowSpeedDuration != "" {
		d, err := time.ParseDuration(yc.HTTP.LowSpeedDuration)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse http.low_speed_duration: %w", err)
		}
		cfg.HTTP.LowSpeedDuration = d
	}

	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables (DLENGINE_ prefix) onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DLENGINE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_MAX_CONCURRENT: %w", err)
		}
		c.MaxConcurrent = n
	}
	if v := os.Getenv("DLENGINE_DEFAULT_SEGMENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_DEFAULT_SEGMENTS: %w", err)
		}
		c.DefaultSegments = n
	}
	if v := os.Getenv("DLENGINE_MIN_SEGMENT_SIZE"); v != "" {
		n, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_MIN_SEGMENT_SIZE: %w", err)
		}
		c.MinSegmentSize = n
	}
	if v := os.Getenv("DLENGINE_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("DLENGINE_PERSISTENCE_CHECKPOINT_BYTES"); v != "" {
		n, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_PERSISTENCE_CHECKPOINT_BYTES: %w", err)
		}
		c.PersistenceCheckpointBytes = n
	}
	if v := os.Getenv("DLENGINE_PROGRESS_UPDATE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_PROGRESS_UPDATE_INTERVAL: %w", err)
		}
		c.ProgressUpdateInterval = d
	}
	if v := os.Getenv("DLENGINE_REBALANCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_REBALANCE_INTERVAL: %w", err)
		}
		c.RebalanceInterval = d
	}
	if v := os.Getenv("DLENGINE_HTTP_USER_AGENT"); v != "" {
		c.HTTP.UserAgent = v
	}
	if v := os.Getenv("DLENGINE_HTTP_PROXY"); v != "" {
		c.HTTP.Proxy = v
	}
	if v := os.Getenv("DLENGINE_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("DLENGINE_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("DLENGINE_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse DLENGINE_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}
	return nil
}

// Validate rejects configurations that would violate spec §3 invariants.
func (c *Config) Validate() error {
	if c.MaxConcurrent < model.MinMaxConcurrent || c.MaxConcurrent > model.MaxMaxConcurrent {
		return fmt.Errorf("config: max_concurrent must be in [%d, %d]", model.MinMaxConcurrent, model.MaxMaxConcurrent)
	}
	if c.DefaultSegments < model.MinSegments || c.DefaultSegments > model.MaxSegments {
		return fmt.Errorf("config: default_segments must be in [%d, %d]", model.MinSegments, model.MaxSegments)
	}
	if c.MinSegmentSize < model.MinSegmentSize {
		return fmt.Errorf("config: min_segment_size must be >= %d bytes", model.MinSegmentSize)
	}
	if c.StorePath == "" {
		return errors.New("config: store_path is required")
	}
	if c.PersistenceCheckpointBytes <= 0 {
		return errors.New("config: persistence_checkpoint_bytes must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	return nil
}

// Merge overlays non-zero fields of override onto c, returning a new
// Config; used to layer CLI flags over file/env configuration.
func (c Config) Merge(override Config) Config {
	if override.MaxConcurrent != 0 {
		c.MaxConcurrent = override.MaxConcurrent
	}
	if override.DefaultSegments != 0 {
		c.DefaultSegments = override.DefaultSegments
	}
	if override.MinSegmentSize != 0 {
		c.MinSegmentSize = override.MinSegmentSize
	}
	if override.StorePath != "" {
		c.StorePath = override.StorePath
	}
	if override.PersistenceCheckpointBytes != 0 {
		c.PersistenceCheckpointBytes = override.PersistenceCheckpointBytes
	}
	if override.ProgressUpdateInterval != 0 {
		c.ProgressUpdateInterval = override.ProgressUpdateInterval
	}
	if override.RebalanceInterval != 0 {
		c.RebalanceInterval = override.RebalanceInterval
	}
	if override.HTTP.ConnectTimeout != 0 {
		c.HTTP.ConnectTimeout = override.HTTP.ConnectTimeout
	}
	if override.HTTP.DNSTimeout != 0 {
		c.HTTP.DNSTimeout = override.HTTP.DNSTimeout
	}
	if override.HTTP.RequestTimeout != 0 {
		c.HTTP.RequestTimeout = override.HTTP.RequestTimeout
	}
	if override.HTTP.UserAgent != "" {
		c.HTTP.UserAgent = override.HTTP.UserAgent
	}
	if override.HTTP.Proxy != "" {
		c.HTTP.Proxy = override.HTTP.Proxy
	}
	if override.HTTP.ProxyUsername != "" {
		c.HTTP.ProxyUsername = override.HTTP.ProxyUsername
	}
	if override.HTTP.ProxyPassword != "" {
		c.HTTP.ProxyPassword = override.HTTP.ProxyPassword
	}
	if override.HTTP.LowSpeedLimit != 0 {
		c.HTTP.LowSpeedLimit = override.HTTP.LowSpeedLimit
	}
	if override.HTTP.LowSpeedDuration != 0 {
		c.HTTP.LowSpeedDuration = override.HTTP.LowSpeedDuration
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
