// Package config loads and validates mcprelayd's YAML configuration file:
// bind addresses, TLS material, session/cache sizing, and logging.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration document.
type Config struct {
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	HTTPPort    int    `yaml:"http_port" json:"http_port"`
	HTTPSPort   int    `yaml:"https_port" json:"https_port"`

	TLSCertPath     string `yaml:"tls_cert_path" json:"tls_cert_path"`
	TLSKeyPath      string `yaml:"tls_key_path" json:"tls_key_path"`
	TLSDHParamsPath string `yaml:"tls_dh_params_path" json:"tls_dh_params_path"`

	PluginDirectory string `yaml:"plugin_directory" json:"plugin_directory"`

	MaxSessions         int    `yaml:"max_sessions" json:"max_sessions"`
	MaxEventsPerSession int    `yaml:"max_events_per_session" json:"max_events_per_session"`
	SessionTTL          string `yaml:"session_ttl" json:"session_ttl"`

	IOPoolThreads int `yaml:"io_pool_threads" json:"io_pool_threads"`

	MaxRequestsPerSecond  int   `yaml:"max_requests_per_second" json:"max_requests_per_second"`
	MaxConcurrentRequests int   `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	MaxRequestSizeBytes   int64 `yaml:"max_request_size_bytes" json:"max_request_size_bytes"`

	LogLevel      string `yaml:"log_level" json:"log_level"`
	LogPath       string `yaml:"log_path" json:"log_path"`
	LogRotationMB int    `yaml:"log_rotation_mb" json:"log_rotation_mb"`
}

// SessionTTLDuration parses SessionTTL, which Validate checks is a valid
// time.ParseDuration string. An unparseable value yields 24h.
func (c *Config) SessionTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.PluginDirectory == "" {
		c.PluginDirectory = "./plugins"
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 1024
	}
	if c.MaxEventsPerSession == 0 {
		c.MaxEventsPerSession = 100
	}
	if c.SessionTTL == "" {
		c.SessionTTL = "24h"
	}
	if c.IOPoolThreads == 0 {
		c.IOPoolThreads = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogRotationMB == 0 {
		c.LogRotationMB = 64
	}
	if c.MaxRequestsPerSecond == 0 {
		c.MaxRequestsPerSecond = 100
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 1000
	}
	if c.MaxRequestSizeBytes == 0 {
		c.MaxRequestSizeBytes = 1 << 20
	}
}

// Validate performs structural checks beyond simple defaulting.
func (c *Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: http_port %d out of range", c.HTTPPort)
	}
	if c.HTTPSPort < 0 || c.HTTPSPort > 65535 {
		return fmt.Errorf("config: https_port %d out of range", c.HTTPSPort)
	}
	// Both empty is fine: tlsutil generates a self-signed pair. Exactly
	// one set is the error case.
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("config: tls_cert_path and tls_key_path must both be set or both be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.MaxEventsPerSession <= 0 {
		return fmt.Errorf("config: max_events_per_session must be positive, got %d", c.MaxEventsPerSession)
	}
	if _, err := time.ParseDuration(c.SessionTTL); err != nil {
		return fmt.Errorf("config: session_ttl: %w", err)
	}
	if c.IOPoolThreads <= 0 {
		return fmt.Errorf("config: io_pool_threads must be positive, got %d", c.IOPoolThreads)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unrecognized log_level %q", c.LogLevel)
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("config: max_requests_per_second must not be negative, got %d", c.MaxRequestsPerSecond)
	}
	if c.MaxConcurrentRequests < 0 {
		return fmt.Errorf("config: max_concurrent_requests must not be negative, got %d", c.MaxConcurrentRequests)
	}
	if c.MaxRequestSizeBytes < 0 {
		return fmt.Errorf("config: max_request_size_bytes must not be negative, got %d", c.MaxRequestSizeBytes)
	}
	return nil
}
