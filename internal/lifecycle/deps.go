package lifecycle

import (
	"context"
	"time"

	"github.com/sealbox/sealbox/internal/cgroup"
	"github.com/sealbox/sealbox/internal/repository"
	"github.com/sealbox/sealbox/internal/supervisor"
)

// Repositories is the package index and installer the runtime consumes.
// *repository.Manager implements it.
type Repositories interface {
	Lookup(name, version string) (*repository.Package, error)
	List() []*repository.Package
	Install(ctx context.Context, repo, src string) (*repository.Package, error)
	Uninstall(ctx context.Context, name, version string) error
}

// Mount is a live mount chain handle.
type Mount interface {
	MountPoint() string
}

// Mounter builds and unwinds verified mount chains. *mount.Engine
// implements it through a thin adapter.
type Mounter interface {
	Mount(ctx context.Context, pkg *repository.Package, id string) (Mount, error)
	Unmount(ctx context.Context, m Mount) error

	// Recover cleans up on-host remains of a chain from a previous
	// runtime instance.
	Recover(ctx context.Context, id string) error
}

// CgroupHandle references a container's created groups.
type CgroupHandle interface {
	Path() string
}

// Cgroups partitions host resources per container. *cgroup.Controller
// implements it through a thin adapter.
type Cgroups interface {
	Create(ctx context.Context, id string, limits cgroup.Limits) (CgroupHandle, error)
	Attach(ctx context.Context, h CgroupHandle, pid int) error
	Destroy(ctx context.Context, h CgroupHandle) error

	// Recover removes groups left behind by a previous runtime instance.
	Recover(ctx context.Context, id string) error
}

// Process is one gated, supervised container process.
type Process interface {
	Pid() int

	// Wait returns the channel carrying the process's single exit event.
	Wait() <-chan supervisor.Exit

	// Kill abandons the process without graceful escalation.
	Kill()
}

// Supervisor launches and terminates container processes. The real
// implementation wraps *supervisor.Supervisor.
type Supervisor interface {
	// Start launches the process parked at its exec gate.
	Start(ctx context.Context, spec supervisor.StartSpec) (Process, error)

	// Release opens the exec gate after the cgroup holds the pid.
	Release(ctx context.Context, p Process) error

	// Stop terminates gracefully, escalating after timeout, and returns
	// the decoded exit.
	Stop(ctx context.Context, p Process, timeout time.Duration) (supervisor.Exit, error)
}
