package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

var logLevels = map[string]bool{
	"TRACE": true,
	"DEBUG": true,
	"INFO":  true,
	"WARN":  true,
	"ERROR": true,
}

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("log_level: %q is not one of TRACE|DEBUG|INFO|WARN|ERROR", c.LogLevel)
	}
	if err := c.validateConsole(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if err := c.validateDirs(); err != nil {
		return err
	}
	if err := c.validateCgroups(); err != nil {
		return fmt.Errorf("cgroups: %w", err)
	}
	if err := c.validateDevices(); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if err := c.validateMounts(); err != nil {
		return fmt.Errorf("mounts: %w", err)
	}
	if err := c.validateDebug(); err != nil {
		return fmt.Errorf("debug: %w", err)
	}
	if err := c.validateRepositories(); err != nil {
		return fmt.Errorf("repositories: %w", err)
	}
	return nil
}

func (c *Config) validateConsole() error {
	u, err := url.Parse(c.Console)
	if err != nil {
		return fmt.Errorf("invalid endpoint URI %q: %w", c.Console, err)
	}
	switch u.Scheme {
	case "tcp", "vsock":
		if u.Port() == "" {
			return fmt.Errorf("endpoint %q requires a port", c.Console)
		}
	case "unix":
		if u.Path == "" {
			return fmt.Errorf("endpoint %q requires a socket path", c.Console)
		}
	default:
		return fmt.Errorf("unsupported endpoint scheme %q (tcp, unix, vsock)", u.Scheme)
	}
	return nil
}

func (c *Config) validateDirs() error {
	for _, d := range []struct{ name, value string }{
		{"run_dir", c.RunDir},
		{"data_dir", c.DataDir},
		{"log_dir", c.LogDir},
	} {
		if d.value == "" {
			return fmt.Errorf("%s cannot be empty", d.name)
		}
	}
	return nil
}

func (c *Config) validateCgroups() error {
	if c.Cgroups.Memory == "" {
		return fmt.Errorf("memory parent group cannot be empty")
	}
	if c.Cgroups.CPU == "" {
		return fmt.Errorf("cpu parent group cannot be empty")
	}
	return nil
}

func (c *Config) validateDevices() error {
	for _, d := range []struct{ name, value string }{
		{"unshare_root", c.Devices.UnshareRoot},
		{"loop_control", c.Devices.LoopControl},
		{"loop_dev", c.Devices.LoopDev},
		{"device_mapper", c.Devices.DeviceMapper},
		{"device_mapper_dev", c.Devices.DeviceMapperDev},
	} {
		if d.value == "" {
			return fmt.Errorf("%s cannot be empty", d.name)
		}
	}
	return nil
}

func (c *Config) validateMounts() error {
	if c.Mounts.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1, got %d", c.Mounts.Attempts)
	}
	if c.Mounts.MaxLoopDevices < 0 {
		return fmt.Errorf("max_loop_devices cannot be negative, got %d", c.Mounts.MaxLoopDevices)
	}
	if _, err := time.ParseDuration(c.Mounts.RetryDelay); err != nil {
		return fmt.Errorf("retry_delay: %w", err)
	}
	return nil
}

func (c *Config) validateDebug() error {
	if s := c.Debug.Strace; s != nil {
		if s.Output != "file" && s.Output != "log" {
			return fmt.Errorf("strace output must be \"file\" or \"log\", got %q", s.Output)
		}
	}
	return nil
}

func (c *Config) validateRepositories() error {
	for name, repo := range c.Repositories {
		if repo.Dir == "" {
			return fmt.Errorf("%s: dir cannot be empty", name)
		}
		if repo.Key == "" {
			return fmt.Errorf("%s: key cannot be empty", name)
		}
	}
	return nil
}

// ValidateHost checks host prerequisites the runtime cannot operate without.
// Missing loop-control or device-mapper control devices are fatal: no
// container could ever be isolated without them. Called once at startup, kept
// out of Validate so configuration unit tests don't need the devices.
func (c *Config) ValidateHost() error {
	if _, err := os.Stat(c.Devices.LoopControl); err != nil {
		return fmt.Errorf("loop control device %s: %w", c.Devices.LoopControl, err)
	}
	if _, err := os.Stat(c.Devices.DeviceMapper); err != nil {
		return fmt.Errorf("device-mapper control device %s: %w", c.Devices.DeviceMapper, err)
	}
	return nil
}
