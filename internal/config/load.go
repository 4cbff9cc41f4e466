package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"mcprelay/internal/serverconfig"
)

// Load reads path, auto-detecting JSON vs YAML, applies MCPRELAY_* env
// overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := LoadFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses raw as JSON or YAML (sniffed from the first
// non-whitespace byte), applies environment overrides, defaults, and
// validation.
func LoadFromBytes(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := unmarshalAny(raw, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := expandPaths(cfg); err != nil {
		return nil, fmt.Errorf("expand paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandPaths resolves "~/..." shorthand in every path-valued field so the
// rest of the server never has to special-case it.
func expandPaths(cfg *Config) error {
	for _, p := range []*string{&cfg.TLSCertPath, &cfg.TLSKeyPath, &cfg.TLSDHParamsPath, &cfg.PluginDirectory, &cfg.LogPath} {
		expanded, err := serverconfig.ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func unmarshalAny(raw []byte, cfg *Config) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, cfg); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(trimmed, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

// envOverrides maps MCPRELAY_<KEY> suffixes to setter functions, mirroring
// the config struct's yaml keys in upper-snake form.
var envOverrides = map[string]func(*Config, string){
	"BIND_ADDRESS":           func(c *Config, v string) { c.BindAddress = v },
	"HTTP_PORT":              func(c *Config, v string) { setInt(&c.HTTPPort, v) },
	"HTTPS_PORT":             func(c *Config, v string) { setInt(&c.HTTPSPort, v) },
	"TLS_CERT_PATH":          func(c *Config, v string) { c.TLSCertPath = v },
	"TLS_KEY_PATH":           func(c *Config, v string) { c.TLSKeyPath = v },
	"TLS_DH_PARAMS_PATH":     func(c *Config, v string) { c.TLSDHParamsPath = v },
	"PLUGIN_DIRECTORY":       func(c *Config, v string) { c.PluginDirectory = v },
	"MAX_SESSIONS":           func(c *Config, v string) { setInt(&c.MaxSessions, v) },
	"MAX_EVENTS_PER_SESSION": func(c *Config, v string) { setInt(&c.MaxEventsPerSession, v) },
	"SESSION_TTL":            func(c *Config, v string) { c.SessionTTL = v },
	"IO_POOL_THREADS":        func(c *Config, v string) { setInt(&c.IOPoolThreads, v) },
	"LOG_LEVEL":              func(c *Config, v string) { c.LogLevel = v },
	"LOG_PATH":               func(c *Config, v string) { c.LogPath = v },
	"LOG_ROTATION_MB":        func(c *Config, v string) { setInt(&c.LogRotationMB, v) },

	"MAX_REQUESTS_PER_SECOND": func(c *Config, v string) { setInt(&c.MaxRequestsPerSecond, v) },
	"MAX_CONCURRENT_REQUESTS": func(c *Config, v string) { setInt(&c.MaxConcurrentRequests, v) },
	"MAX_REQUEST_SIZE_BYTES": func(c *Config, v string) {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			c.MaxRequestSizeBytes = n
		}
	},
}

func setInt(dst *int, v string) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = n
}

const envPrefix = "MCPRELAY_"

func applyEnvOverrides(cfg *Config) {
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, envPrefix)
		if set, ok := envOverrides[key]; ok {
			set(cfg, value)
		}
	}
}
