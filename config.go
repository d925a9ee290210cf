// config.go: Host configuration with defaults, validation and path expansion
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package launcher

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// StorageBackend selects the host-function storage implementation.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageSQLite StorageBackend = "sqlite"
)

// StorageConfig configures plugin key/value storage.
type StorageConfig struct {
	Backend StorageBackend `json:"backend" yaml:"backend"`
	// Path is the SQLite database file for the sqlite backend.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MessagingConfig sizes the service bridge queue.
type MessagingConfig struct {
	QueueCapacity       int `json:"queue_capacity" yaml:"queue_capacity"`
	MaxMessagesPerCycle int `json:"max_messages_per_cycle" yaml:"max_messages_per_cycle"`
}

// WatchConfig enables filesystem watching.
type WatchConfig struct {
	// Config reloads hot-reloadable settings when the config file changes.
	Config bool `json:"config" yaml:"config"`
	// Plugins rescans discovery directories when they change.
	Plugins      bool          `json:"plugins" yaml:"plugins"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// Debounce coalesces bursts of directory events into one rescan.
	Debounce time.Duration `json:"debounce" yaml:"debounce"`
	// AuditFile enables the argus audit trail of config reloads.
	AuditFile string `json:"audit_file,omitempty" yaml:"audit_file,omitempty"`
}

// HostConfig is the complete host configuration. Each section maps to one
// component; zero values fall back to that component's defaults.
type HostConfig struct {
	LogLevel string `json:"log_level" yaml:"log_level"`
	// DataDir holds per-plugin data directories, the plugin config store and
	// the default SQLite database.
	DataDir string `json:"data_dir" yaml:"data_dir"`
	Locale  string `json:"locale,omitempty" yaml:"locale,omitempty"`
	// RefreshInterval paces background_refresh for plugins that declare it.
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	// TickInterval paces Host.Run.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	Discovery      DiscoveryConfig      `json:"discovery" yaml:"discovery"`
	Loader         LoaderConfig         `json:"loader" yaml:"loader"`
	Search         SearchConfig         `json:"search" yaml:"search"`
	Health         HealthConfig         `json:"health" yaml:"health"`
	Scheduler      SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Correlation    CorrelationConfig    `json:"correlation" yaml:"correlation"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Messaging      MessagingConfig      `json:"messaging" yaml:"messaging"`
	HostFunctions  HostBridgeConfig     `json:"host_functions" yaml:"host_functions"`
	Sandbox        WasmConfig           `json:"sandbox" yaml:"sandbox"`
	Native         NativeTrustConfig    `json:"native" yaml:"native"`
	Storage        StorageConfig        `json:"storage" yaml:"storage"`
	Watch          WatchConfig          `json:"watch" yaml:"watch"`
}

// DefaultHostConfig returns a configuration that works out of the box.
func DefaultHostConfig() HostConfig {
	dataDir := "~/.local/share/launcher"
	if cfg, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(cfg, "launcher", "data")
	}
	bridge := DefaultServiceBridgeConfig()
	return HostConfig{
		LogLevel:        "info",
		DataDir:         dataDir,
		RefreshInterval: 5 * time.Minute,
		TickInterval:    16 * time.Millisecond,
		Discovery:       DefaultDiscoveryConfig(),
		Loader:          DefaultLoaderConfig(),
		Search:          DefaultSearchConfig(),
		Health:          DefaultHealthConfig(),
		Scheduler:       DefaultSchedulerConfig(),
		Correlation:     DefaultCorrelationConfig(),
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
		Messaging: MessagingConfig{
			QueueCapacity:       bridge.QueueCapacity,
			MaxMessagesPerCycle: bridge.MaxMessagesPerCycle,
		},
		HostFunctions: DefaultHostBridgeConfig(),
		Sandbox:       DefaultWasmConfig(),
		Native:        DefaultNativeTrustConfig(),
		Storage:       StorageConfig{Backend: StorageMemory},
		Watch: WatchConfig{
			PollInterval: 2 * time.Second,
			Debounce:     500 * time.Millisecond,
		},
	}
}

// LoadHostConfig reads a JSON, YAML or TOML config file over the defaults,
// then applies defaults, expands paths and validates.
func LoadHostConfig(path string) (*HostConfig, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, NewConfigReadError(path, err)
	}
	data, err := os.ReadFile(expanded) // #nosec G304 -- operator supplied configuration path
	if err != nil {
		return nil, NewConfigReadError(expanded, err)
	}
	cfg, err := ParseHostConfig(data, configFormat(expanded))
	if err != nil {
		return nil, NewConfigParseError(expanded, err)
	}
	return cfg, nil
}

func configFormat(path string) string {
	switch argus.DetectFormat(path) {
	case argus.FormatJSON:
		return "json"
	case argus.FormatTOML:
		return "toml"
	default:
		return "yaml"
	}
}

// ParseHostConfig decodes data over DefaultHostConfig. JSON is decoded by
// the YAML decoder, which accepts it and parses duration strings such as
// "2s" in both formats.
func ParseHostConfig(data []byte, format string) (*HostConfig, error) {
	cfg := DefaultHostConfig()
	switch strings.ToLower(format) {
	case "toml":
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		converted, err := yaml.Marshal(doc)
		if err != nil {
			return nil, err
		}
		data = converted
	case "json", "yaml", "yml", "":
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults replaces zero or negative values with component defaults.
func (c *HostConfig) ApplyDefaults() {
	d := DefaultHostConfig()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if len(c.Discovery.Directories) == 0 {
		c.Discovery.Directories = d.Discovery.Directories
	}
	c.Discovery = normalizeDiscoveryConfig(c.Discovery)
	if c.Loader.MaxSourceBytes <= 0 {
		c.Loader.MaxSourceBytes = d.Loader.MaxSourceBytes
	}
	if c.Loader.Build.Timeout <= 0 {
		c.Loader.Build.Timeout = d.Loader.Build.Timeout
	}
	if c.Loader.Build.MaxOutputBytes <= 0 {
		c.Loader.Build.MaxOutputBytes = d.Loader.Build.MaxOutputBytes
	}
	c.Search = normalizeSearchConfig(c.Search)
	if c.Health.SweepInterval <= 0 {
		c.Health.SweepInterval = d.Health.SweepInterval
	}
	if c.Health.UnresponsiveAfter <= 0 {
		c.Health.UnresponsiveAfter = d.Health.UnresponsiveAfter
	}
	if c.Health.ErrorAfter <= 0 {
		c.Health.ErrorAfter = d.Health.ErrorAfter
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = d.Scheduler.Workers
	}
	if c.Scheduler.QueueSize <= 0 {
		c.Scheduler.QueueSize = d.Scheduler.QueueSize
	}
	if c.Scheduler.TaskTimeout <= 0 {
		c.Scheduler.TaskTimeout = d.Scheduler.TaskTimeout
	}
	if c.Correlation.Timeout <= 0 {
		c.Correlation.Timeout = d.Correlation.Timeout
	}
	if c.Correlation.MaxPerRequester <= 0 {
		c.Correlation.MaxPerRequester = d.Correlation.MaxPerRequester
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		c.CircuitBreaker.FailureThreshold = d.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		c.CircuitBreaker.RecoveryTimeout = d.CircuitBreaker.RecoveryTimeout
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		c.CircuitBreaker.SuccessThreshold = d.CircuitBreaker.SuccessThreshold
	}
	if c.Messaging.QueueCapacity <= 0 {
		c.Messaging.QueueCapacity = d.Messaging.QueueCapacity
	}
	if c.Messaging.MaxMessagesPerCycle <= 0 {
		c.Messaging.MaxMessagesPerCycle = d.Messaging.MaxMessagesPerCycle
	}
	h := d.HostFunctions
	if c.HostFunctions.QueueSize <= 0 {
		c.HostFunctions.QueueSize = h.QueueSize
	}
	if c.HostFunctions.MaxPerCycle <= 0 {
		c.HostFunctions.MaxPerCycle = h.MaxPerCycle
	}
	if c.HostFunctions.MaxPayloadBytes <= 0 {
		c.HostFunctions.MaxPayloadBytes = h.MaxPayloadBytes
	}
	if c.HostFunctions.HTTPTimeout <= 0 {
		c.HostFunctions.HTTPTimeout = h.HTTPTimeout
	}
	if c.HostFunctions.MaxResponseBytes <= 0 {
		c.HostFunctions.MaxResponseBytes = h.MaxResponseBytes
	}
	if c.Sandbox.MemoryLimitPages == 0 {
		c.Sandbox.MemoryLimitPages = d.Sandbox.MemoryLimitPages
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.Watch.PollInterval <= 0 {
		c.Watch.PollInterval = d.Watch.PollInterval
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = d.Watch.Debounce
	}
}

// ExpandPaths resolves ${VAR} and ~ in every path field.
func (c *HostConfig) ExpandPaths() error {
	fields := []*string{&c.DataDir, &c.Sandbox.CacheDir, &c.Native.PinsFile, &c.Native.Audit.OutputFile, &c.Storage.Path, &c.Watch.AuditFile}
	for i := range c.Discovery.Directories {
		fields = append(fields, &c.Discovery.Directories[i].Path)
	}
	for i := range c.Native.TrustedPaths {
		fields = append(fields, &c.Native.TrustedPaths[i])
	}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		expanded, err := expandPath(*f)
		if err != nil {
			return NewConfigValidationError("cannot expand path "+*f, err)
		}
		*f = expanded
	}
	return nil
}

// Validate rejects settings no component can run with.
func (c *HostConfig) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		return NewConfigValidationError("log_level must be one of trace, debug, info, warn, error, off", nil)
	}
	if len(c.Discovery.Directories) == 0 {
		return NewConfigValidationError("discovery.directories is empty", nil)
	}
	for i, dir := range c.Discovery.Directories {
		if strings.TrimSpace(dir.Path) == "" {
			return NewConfigValidationError(fmt.Sprintf("discovery.directories[%d].path is required", i), nil)
		}
	}
	if c.Discovery.MaxDepth > 32 {
		return NewConfigValidationError("discovery.max_depth must not exceed 32", nil)
	}
	if c.Search.Boosts.Title < c.Search.Boosts.Description {
		return NewConfigValidationError("search.boosts.title must not be smaller than search.boosts.description", nil)
	}
	if c.Health.ErrorAfter < c.Health.UnresponsiveAfter {
		return NewConfigValidationError("health.error_after must not be shorter than health.unresponsive_after", nil)
	}
	if c.Correlation.MaxPerRequester > 4096 {
		return NewConfigValidationError("correlation.max_per_requester must not exceed 4096", nil)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.DataDir, "storage.db")
		}
	default:
		return NewConfigValidationError(fmt.Sprintf("storage.backend %q is not supported", c.Storage.Backend), nil)
	}
	for _, pin := range c.Native.Pins {
		if pin.PluginID == "" {
			return NewConfigValidationError("native.pins entries need a plugin_id", nil)
		}
	}
	return nil
}

// ToYAML renders the configuration, durations included, as YAML.
func (c *HostConfig) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandPath expands ${VAR}, ${VAR:-default} and a leading ~.
func expandPath(p string) (string, error) {
	var missing []string
	out := envPattern.ReplaceAllStringFunc(p, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(sub[1]); ok {
			return v
		}
		if sub[2] != "" {
			return sub[3]
		}
		missing = append(missing, sub[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variable %s", strings.Join(missing, ", "))
	}
	if out == "~" || strings.HasPrefix(out, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		out = filepath.Join(home, strings.TrimPrefix(out, "~"))
	}
	return out, nil
}
