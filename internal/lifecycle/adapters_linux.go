//go:build linux

package lifecycle

import (
	"context"
	"time"

	"github.com/sealbox/sealbox/internal/cgroup"
	"github.com/sealbox/sealbox/internal/mount"
	"github.com/sealbox/sealbox/internal/repository"
	"github.com/sealbox/sealbox/internal/supervisor"
)

// NewMounter adapts the mount engine to the runtime's Mounter interface.
func NewMounter(e *mount.Engine) Mounter {
	return engineMounter{e}
}

type engineMounter struct {
	e *mount.Engine
}

func (m engineMounter) Mount(ctx context.Context, pkg *repository.Package, id string) (Mount, error) {
	chain, err := m.e.Mount(ctx, pkg, id)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

func (m engineMounter) Unmount(ctx context.Context, mnt Mount) error {
	return m.e.Unmount(ctx, mnt.(*mount.Chain))
}

func (m engineMounter) Recover(ctx context.Context, id string) error {
	return m.e.Recover(ctx, id)
}

// NewCgroups adapts the cgroup controller to the runtime's Cgroups
// interface.
func NewCgroups(c *cgroup.Controller) Cgroups {
	return cgroupAdapter{c}
}

type cgroupAdapter struct {
	c *cgroup.Controller
}

func (a cgroupAdapter) Create(ctx context.Context, id string, limits cgroup.Limits) (CgroupHandle, error) {
	h, err := a.c.Create(ctx, id, limits)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (a cgroupAdapter) Attach(ctx context.Context, h CgroupHandle, pid int) error {
	return a.c.Attach(ctx, h.(*cgroup.Handle), pid)
}

func (a cgroupAdapter) Destroy(ctx context.Context, h CgroupHandle) error {
	if h == nil {
		return nil
	}
	return a.c.Destroy(ctx, h.(*cgroup.Handle))
}

func (a cgroupAdapter) Recover(ctx context.Context, id string) error {
	return a.c.Recover(ctx, id)
}

// NewSupervisor adapts the process supervisor to the runtime's Supervisor
// interface.
func NewSupervisor(s *supervisor.Supervisor) Supervisor {
	return supervisorAdapter{s}
}

type supervisorAdapter struct {
	s *supervisor.Supervisor
}

func (a supervisorAdapter) Start(ctx context.Context, spec supervisor.StartSpec) (Process, error) {
	p, err := a.s.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a supervisorAdapter) Release(ctx context.Context, p Process) error {
	return a.s.Release(ctx, p.(*supervisor.Process))
}

func (a supervisorAdapter) Stop(ctx context.Context, p Process, timeout time.Duration) (supervisor.Exit, error) {
	return a.s.Stop(ctx, p.(*supervisor.Process), timeout)
}
