package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	envHost         = "LMSTUDIO_HOST"
	envPort         = "LMSTUDIO_PORT"
	envDefaultModel = "DEFAULT_MODEL"
	envRegistryPath = "MCP_JSON_PATH"
)

// Default returns the built-in configuration used when no config file
// exists: a local runtime on the standard port, info-level logs.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{LogLevel: LogInfo},
		Runtime: RuntimeConfig{Host: "localhost", Port: 1234},
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. A missing file is not an
// error — the defaults plus environment apply.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			applyEnv(cfg)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets the well-known environment variables win over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envHost); v != "" {
		cfg.Runtime.Host = v
	}
	if v := os.Getenv(envPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.Port = port
		}
	}
	if v := os.Getenv(envDefaultModel); v != "" {
		cfg.Runtime.DefaultModel = v
	}
	if v := os.Getenv(envRegistryPath); v != "" {
		cfg.Engine.RegistryPath = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Runtime.Host == "" {
		errs = append(errs, fmt.Errorf("runtime.host must not be empty"))
	}
	if cfg.Runtime.Port <= 0 || cfg.Runtime.Port > 65535 {
		errs = append(errs, fmt.Errorf("runtime.port %d is out of range (1-65535)", cfg.Runtime.Port))
	}
	if cfg.Runtime.LoadTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("runtime.load_ttl_seconds must not be negative"))
	}
	if cfg.Engine.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("engine.max_rounds must not be negative"))
	}

	return errors.Join(errs...)
}
