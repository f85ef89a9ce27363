// Package config provides the configuration schema and loader for the
// lmbridge server.
//
// Configuration is layered: a YAML file supplies the base values, then a
// small set of well-known environment variables override it so the bridge
// can be pointed at a different runtime without editing files. The
// downstream MCP registry is NOT configured here — it lives in its own
// mcp.json read by the registry package on every query.
package config

// LogLevel controls logging verbosity.
type LogLevel string

// Valid log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the known levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for lmbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Engine  EngineConfig  `yaml:"engine"`
}

// ServerConfig holds logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is an optional TCP address for the Prometheus /metrics
	// listener (e.g. ":9100"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// RuntimeConfig locates the LM Studio runtime.
type RuntimeConfig struct {
	// Host is the runtime's hostname. Overridden by LMSTUDIO_HOST.
	Host string `yaml:"host"`

	// Port is the runtime's TCP port. Overridden by LMSTUDIO_PORT.
	Port int `yaml:"port"`

	// DefaultModel is the model identifier used when a task names none.
	// Passed verbatim to the transport. Overridden by DEFAULT_MODEL.
	DefaultModel string `yaml:"default_model"`

	// LoadTTLSeconds is the idle time-to-live requested on model loads.
	// Zero means the built-in 600 second default.
	LoadTTLSeconds int `yaml:"load_ttl_seconds"`
}

// EngineConfig tunes the autonomous loop.
type EngineConfig struct {
	// MaxRounds caps LLM rounds per query. Zero means the built-in
	// (effectively unlimited) safety ceiling.
	MaxRounds int `yaml:"max_rounds"`

	// RegistryPath pins the downstream mcp.json location, bypassing the
	// search path. Overridden by MCP_JSON_PATH.
	RegistryPath string `yaml:"registry_path"`
}
