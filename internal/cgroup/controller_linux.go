//go:build linux

package cgroup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/log"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/sealbox/sealbox/internal/config"
)

const cgroupMountpoint = "/sys/fs/cgroup"

// Handle references a container's created groups.
type Handle struct {
	id   string
	path string

	v2 *cgroup2.Manager
	v1 cgroup1.Cgroup
}

// Path returns the container's group path for diagnostics and tests.
func (h *Handle) Path() string {
	return h.path
}

// Controller creates child groups under the configured memory and cpu parent
// groups. On unified hosts a process can only live in one group, so the
// memory parent names the single child group's location; a differing cpu
// parent is logged and ignored.
type Controller struct {
	memoryParent string
	cpuParent    string
	mode         cgroups.CGMode
}

// NewController detects the host cgroup mode.
func NewController(cfg config.CgroupsConfig) *Controller {
	mode := cgroups.Mode()
	if mode == cgroups.Unified && cfg.Memory != cfg.CPU {
		log.L.WithField("memory", cfg.Memory).WithField("cpu", cfg.CPU).
			Warn("unified cgroup host: cpu parent ignored, using memory parent")
	}
	return &Controller{
		memoryParent: cfg.Memory,
		cpuParent:    cfg.CPU,
		mode:         mode,
	}
}

// Create makes the per-container child groups and applies limits.
func (c *Controller) Create(ctx context.Context, id string, limits Limits) (*Handle, error) {
	if limits.CPUWeight == 0 {
		limits.CPUWeight = DefaultCPUWeight
	}

	name := sanitize(id)
	if c.mode == cgroups.Unified {
		return c.createV2(ctx, name, limits)
	}
	return c.createV1(ctx, name, limits)
}

func (c *Controller) createV2(ctx context.Context, name string, limits Limits) (*Handle, error) {
	group := "/" + c.memoryParent + "/" + name

	res := &cgroup2.Resources{
		CPU: &cgroup2.CPU{Weight: &limits.CPUWeight},
	}
	if limits.Memory > 0 {
		max := int64(limits.Memory)
		res.Memory = &cgroup2.Memory{Max: &max}
	}

	mgr, err := cgroup2.NewManager(cgroupMountpoint, group, res)
	if err != nil {
		return nil, fmt.Errorf("create group %s: %v: %w", group, err, ErrCgroupFailure)
	}

	log.G(ctx).WithField("group", group).Debug("created cgroup")
	return &Handle{id: name, path: cgroupMountpoint + group, v2: mgr}, nil
}

func (c *Controller) createV1(ctx context.Context, name string, limits Limits) (*Handle, error) {
	res := &specs.LinuxResources{
		CPU: &specs.LinuxCPU{Shares: sharesFromWeight(limits.CPUWeight)},
	}
	if limits.Memory > 0 {
		mem := int64(limits.Memory)
		res.Memory = &specs.LinuxMemory{Limit: &mem}
	}

	// Only memory and cpu are in the hierarchy, so only those names are
	// ever resolved.
	path := func(subsystem cgroup1.Name) (string, error) {
		switch subsystem {
		case cgroup1.Memory:
			return "/" + c.memoryParent + "/" + name, nil
		case cgroup1.Cpu:
			return "/" + c.cpuParent + "/" + name, nil
		}
		return "", fmt.Errorf("unmanaged subsystem %q", subsystem)
	}

	cg, err := cgroup1.New(path, res, cgroup1.WithHiearchy(memoryCPUHierarchy))
	if err != nil {
		return nil, fmt.Errorf("create groups for %s: %v: %w", name, err, ErrCgroupFailure)
	}

	log.G(ctx).WithField("memory", c.memoryParent).WithField("cpu", c.cpuParent).
		WithField("container", name).Debug("created cgroups")
	return &Handle{id: name, path: "/" + c.memoryParent + "/" + name, v1: cg}, nil
}

// memoryCPUHierarchy restricts the v1 hierarchy to the two subsystems the
// runtime manages.
func memoryCPUHierarchy() ([]cgroup1.Subsystem, error) {
	return []cgroup1.Subsystem{
		cgroup1.NewMemory(cgroupMountpoint),
		cgroup1.NewCpu(cgroupMountpoint),
	}, nil
}

// Attach moves pid into the container's groups. This must happen before the
// supervised process executes untrusted code.
func (c *Controller) Attach(ctx context.Context, h *Handle, pid int) error {
	var err error
	if h.v2 != nil {
		err = h.v2.AddProc(uint64(pid))
	} else {
		err = h.v1.AddProc(uint64(pid))
	}
	if err != nil {
		return fmt.Errorf("attach pid %d to %s: %v: %w", pid, h.path, err, ErrCgroupFailure)
	}
	return nil
}

// Destroy removes the child groups. A group the kernel already reclaimed
// (the process crashed and the group emptied out) is not an error.
func (c *Controller) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	var err error
	if h.v2 != nil {
		err = h.v2.Delete()
	} else {
		err = h.v1.Delete()
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("destroy group %s: %v: %w", h.path, err, ErrCgroupFailure)
	}
	return nil
}

// Recover removes groups left behind by a previous runtime instance. No
// handle survives a restart, so the paths are rebuilt from the container
// id. Absent groups are not an error.
func (c *Controller) Recover(ctx context.Context, id string) error {
	name := sanitize(id)
	var paths []string
	if c.mode == cgroups.Unified {
		paths = []string{filepath.Join(cgroupMountpoint, c.memoryParent, name)}
	} else {
		paths = []string{
			filepath.Join(cgroupMountpoint, "memory", c.memoryParent, name),
			filepath.Join(cgroupMountpoint, "cpu", c.cpuParent, name),
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove group %s: %v: %w", p, err, ErrCgroupFailure)
		}
	}
	return nil
}

// sharesFromWeight converts a cgroup2 cpu weight (1-10000, default 100) to
// legacy cpu.shares (default 1024).
func sharesFromWeight(weight uint64) *uint64 {
	shares := weight * 1024 / DefaultCPUWeight
	return &shares
}

// sanitize turns a container id into a safe group name.
func sanitize(id string) string {
	return strings.NewReplacer(":", "-", "/", "-").Replace(id)
}
