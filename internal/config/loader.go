package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Engine
	if cfg.Engine.DefaultSampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine.default_sample_rate %d must not be negative", cfg.Engine.DefaultSampleRate))
	}
	if cfg.Engine.ListenerQueueSize < 0 {
		errs = append(errs, fmt.Errorf("engine.listener_queue_size %d must not be negative", cfg.Engine.ListenerQueueSize))
	}
	if cfg.Engine.InboundQueueSize < 0 {
		errs = append(errs, fmt.Errorf("engine.inbound_queue_size %d must not be negative", cfg.Engine.InboundQueueSize))
	}
	if cfg.Engine.EnhanceWindow < 0 {
		errs = append(errs, fmt.Errorf("engine.enhance_window %s must not be negative", cfg.Engine.EnhanceWindow))
	}
	if cfg.Engine.EnhanceOverlap < 0 {
		errs = append(errs, fmt.Errorf("engine.enhance_overlap %s must not be negative", cfg.Engine.EnhanceOverlap))
	}
	if cfg.Engine.EnhanceWindow > 0 && cfg.Engine.EnhanceOverlap >= cfg.Engine.EnhanceWindow {
		errs = append(errs, fmt.Errorf("engine.enhance_overlap %s must be shorter than engine.enhance_window %s", cfg.Engine.EnhanceOverlap, cfg.Engine.EnhanceWindow))
	}

	// Enhancer
	if cfg.Enhancer.Mode != "" && !cfg.Enhancer.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("enhancer.mode %q is invalid; valid values: off, remote", cfg.Enhancer.Mode))
	}
	if cfg.Enhancer.Mode == EnhancerRemote && cfg.Enhancer.URL == "" {
		errs = append(errs, errors.New("enhancer.url is required when enhancer.mode is remote"))
	}

	// Presence
	if cfg.Presence.TTL < 0 {
		errs = append(errs, fmt.Errorf("presence.ttl %s must not be negative", cfg.Presence.TTL))
	}

	// Availability warnings: a missing backend degrades a feature rather than
	// failing startup.
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; recordings will be catalogued in memory only")
	}
	if cfg.Events.RedisAddr == "" {
		slog.Warn("events.redis_addr is empty; lifecycle events will be logged instead of published")
	}
	if cfg.Enhancer.Mode == "" || cfg.Enhancer.Mode == EnhancerOff {
		slog.Warn("enhancer.mode is off; denoise-enabled sessions will pass audio through unchanged")
	}

	return errors.Join(errs...)
}
