// Package config loads the sealbox runtime configuration. All configuration
// comes from a JSON file at /etc/sealbox/config.json (overridable via the
// SEALBOX_CONFIG environment variable). The loaded Config is immutable and is
// passed explicitly to each component at construction.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file.
	DefaultConfigPath = "/etc/sealbox/config.json"

	// ConfigEnvVar is the environment variable to override config file location.
	ConfigEnvVar = "SEALBOX_CONFIG"
)

// Config is the root configuration structure.
type Config struct {
	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string `json:"log_level"`

	// Console is the control endpoint URI, e.g. "tcp://127.0.0.1:4200",
	// "unix:///run/sealbox/console.sock" or "vsock://:4200".
	Console string `json:"console"`

	RunDir  string `json:"run_dir"`  // Runtime state (sockets, pid files)
	DataDir string `json:"data_dir"` // Persisted data (state db)
	LogDir  string `json:"log_dir"`  // Container and instrumentation logs

	Cgroups      CgroupsConfig               `json:"cgroups"`
	Devices      DevicesConfig               `json:"devices"`
	Mounts       MountsConfig                `json:"mounts"`
	Debug        DebugConfig                 `json:"debug"`
	Repositories map[string]RepositoryConfig `json:"repositories"`
}

// CgroupsConfig names the parent groups under which per-container child
// groups are created. On unified (v2) hosts the memory parent is used for the
// single child group; on legacy hosts each name selects its own hierarchy.
type CgroupsConfig struct {
	Memory string `json:"memory"`
	CPU    string `json:"cpu"`
}

// DevicesConfig defines the host device paths used by the mount engine.
type DevicesConfig struct {
	// UnshareRoot is the root of the mount tree made private before the
	// first container mount; every image mount lives under it. The
	// disable_mount_namespace debug override leaves the tree shared.
	UnshareRoot string `json:"unshare_root"`

	// LoopControl is the loop control device (normally /dev/loop-control).
	LoopControl string `json:"loop_control"`

	// LoopDev is the loop device path prefix ("/dev/loop" -> /dev/loop0...).
	LoopDev string `json:"loop_dev"`

	// DeviceMapper is the device-mapper control device.
	DeviceMapper string `json:"device_mapper"`

	// DeviceMapperDev is the device-mapper device path prefix ("/dev/dm-").
	DeviceMapperDev string `json:"device_mapper_dev"`
}

// MountsConfig tunes the mount retry behavior.
// RetryDelay is a duration string (e.g. "100ms").
type MountsConfig struct {
	// MaxLoopDevices caps the loop device pool size. 0 means use the host's
	// loop-control capability.
	MaxLoopDevices int `json:"max_loop_devices"`

	Attempts   int    `json:"attempts"`
	RetryDelay string `json:"retry_delay"`
}

// GetRetryDelay returns the retry delay as a time.Duration.
// Panics if the configuration is invalid (caught by validation).
func (m *MountsConfig) GetRetryDelay() time.Duration {
	d, err := time.ParseDuration(m.RetryDelay)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", m.RetryDelay, err))
	}
	return d
}

// DebugConfig collects diagnostic-only settings.
type DebugConfig struct {
	Runtime RuntimeDebugConfig `json:"runtime"`

	// Strace, when set, attaches a trace instrument to every started
	// container.
	Strace *StraceConfig `json:"strace,omitempty"`

	// Perf, when set, attaches a profiling instrument to every started
	// container.
	Perf *PerfConfig `json:"perf,omitempty"`
}

// RuntimeDebugConfig holds runtime isolation overrides.
type RuntimeDebugConfig struct {
	// DisableMountNamespace suppresses the private mount namespace and its
	// automatic-unmount safety net. Diagnostic-only: mounts of containers
	// alive during an abnormal exit are orphaned.
	DisableMountNamespace bool `json:"disable_mount_namespace"`
}

// StraceConfig configures the trace instrument.
type StraceConfig struct {
	// Output is "file" (per-container file under log_dir) or "log"
	// (forwarded to the runtime log).
	Output string `json:"output"`
	Flags  string `json:"flags"`
	Path   string `json:"path"` // strace binary, default "strace"
}

// PerfConfig configures the profiling instrument.
type PerfConfig struct {
	Path  string `json:"path"` // perf binary, default "perf"
	Flags string `json:"flags"`
}

// RepositoryConfig describes one package source.
type RepositoryConfig struct {
	Dir string `json:"dir"` // Package directory
	Key string `json:"key"` // Trusted Ed25519 public key file
}

// Load loads configuration from SEALBOX_CONFIG or /etc/sealbox/config.json.
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFrom(path)
}

// LoadFrom loads configuration from a specific path.
// Returns an error if the file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s (set %s to override)", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration. Repositories have no
// sensible default and must be configured explicitly.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		Console:  "tcp://127.0.0.1:4200",
		RunDir:   "/run/sealbox",
		DataDir:  "/var/lib/sealbox",
		LogDir:   "/var/log/sealbox",
		Cgroups: CgroupsConfig{
			Memory: "sealbox",
			CPU:    "sealbox",
		},
		Devices: DevicesConfig{
			UnshareRoot:     "/run/sealbox",
			LoopControl:     "/dev/loop-control",
			LoopDev:         "/dev/loop",
			DeviceMapper:    "/dev/mapper/control",
			DeviceMapperDev: "/dev/dm-",
		},
		Mounts: MountsConfig{
			Attempts:   3,
			RetryDelay: "100ms",
		},
	}
}

// applyDefaults fills in default values for any empty fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Console == "" {
		c.Console = defaults.Console
	}
	if c.RunDir == "" {
		c.RunDir = defaults.RunDir
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.LogDir == "" {
		c.LogDir = defaults.LogDir
	}
	if c.Cgroups.Memory == "" {
		c.Cgroups.Memory = defaults.Cgroups.Memory
	}
	if c.Cgroups.CPU == "" {
		c.Cgroups.CPU = defaults.Cgroups.CPU
	}
	if c.Devices.UnshareRoot == "" {
		c.Devices.UnshareRoot = defaults.Devices.UnshareRoot
	}
	if c.Devices.LoopControl == "" {
		c.Devices.LoopControl = defaults.Devices.LoopControl
	}
	if c.Devices.LoopDev == "" {
		c.Devices.LoopDev = defaults.Devices.LoopDev
	}
	if c.Devices.DeviceMapper == "" {
		c.Devices.DeviceMapper = defaults.Devices.DeviceMapper
	}
	if c.Devices.DeviceMapperDev == "" {
		c.Devices.DeviceMapperDev = defaults.Devices.DeviceMapperDev
	}
	if c.Mounts.Attempts == 0 {
		c.Mounts.Attempts = defaults.Mounts.Attempts
	}
	if c.Mounts.RetryDelay == "" {
		c.Mounts.RetryDelay = defaults.Mounts.RetryDelay
	}
	if c.Debug.Strace != nil {
		if c.Debug.Strace.Output == "" {
			c.Debug.Strace.Output = "log"
		}
		if c.Debug.Strace.Path == "" {
			c.Debug.Strace.Path = "strace"
		}
	}
	if c.Debug.Perf != nil && c.Debug.Perf.Path == "" {
		c.Debug.Perf.Path = "perf"
	}
}
