package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/sealbox/sealbox/internal/events"
	"github.com/sealbox/sealbox/internal/repository"
	"github.com/sealbox/sealbox/internal/store"
)

// shutdownStopTimeout is the grace period per container during runtime
// shutdown.
const shutdownStopTimeout = 10 * time.Second

// Status is the console-facing view of one package and its instance state.
type Status struct {
	Container  string `json:"container" cbor:"container"`
	Package    string `json:"package" cbor:"package"`
	Repository string `json:"repository" cbor:"repository"`
	State      State  `json:"state" cbor:"state"`
}

// Runtime owns all container instances and wires the repository index,
// mount engine, cgroup controller and process supervisor together. Every
// lifecycle operation the console exposes lands here.
type Runtime struct {
	repos   Repositories
	mounter Mounter
	cgroups Cgroups
	super   Supervisor
	events  *events.Exchange
	store   *store.Store[Record]

	disableMountNS bool

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	containers   map[string]*Container
	startOrder   []string
	shuttingDown bool
}

// Options carries the runtime's collaborators.
type Options struct {
	Repositories Repositories
	Mounter      Mounter
	Cgroups      Cgroups
	Supervisor   Supervisor
	Events       *events.Exchange
	Store        *store.Store[Record]

	// DisableMountNamespace is the diagnostic isolation override.
	DisableMountNamespace bool
}

// NewRuntime creates the runtime. Call Recover before serving commands.
func NewRuntime(opts Options) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		repos:          opts.Repositories,
		mounter:        opts.Mounter,
		cgroups:        opts.Cgroups,
		super:          opts.Supervisor,
		events:         opts.Events,
		store:          opts.Store,
		disableMountNS: opts.DisableMountNamespace,
		ctx:            ctx,
		cancel:         cancel,
		containers:     make(map[string]*Container),
	}
}

// Recover reconciles persisted records from a previous runtime instance.
// Non-terminal records mean the runtime died mid-operation: their on-host
// remains are cleaned up and the instances are marked Failed.
func (r *Runtime) Recover(ctx context.Context) error {
	var stale []string
	err := r.store.List(ctx, "", func(key string, rec *Record) error {
		if !rec.State.Terminal() {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list persisted containers: %w", err)
	}

	for _, id := range stale {
		log.G(ctx).WithField("container", id).
			Warn("reconciling container left behind by previous runtime")
		if err := r.mounter.Recover(ctx, id); err != nil {
			log.G(ctx).WithField("container", id).WithError(err).
				Warn("mount reconciliation failed")
		}
		if err := r.cgroups.Recover(ctx, id); err != nil {
			log.G(ctx).WithField("container", id).WithError(err).
				Warn("cgroup reconciliation failed")
		}

		rec, err := r.store.Get(ctx, id)
		if err != nil {
			continue
		}
		rec.State = StateFailed
		rec.Error = "runtime restarted during operation"
		rec.Pid = 0
		rec.MountPoint = ""
		rec.CgroupPath = ""
		rec.UpdatedAt = time.Now()
		if err := r.store.Put(ctx, id, rec); err != nil {
			return fmt.Errorf("persist reconciled container %s: %w", id, err)
		}
	}
	return nil
}

// Start launches name:version and blocks until the instance is Running or
// its start has failed. Different containers start concurrently; a second
// start for a live container is rejected.
func (r *Runtime) Start(ctx context.Context, name, version string) error {
	pkg, err := r.repos.Lookup(name, version)
	if err != nil {
		return err
	}

	c := newContainer(r, pkg)
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if live, ok := r.containers[c.id]; ok && !live.State().Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", c.id, ErrAlreadyRunning)
	}
	r.containers[c.id] = c
	r.startOrder = append(r.startOrder, c.id)
	r.mu.Unlock()

	r.recordTransition(c)
	go c.run()

	select {
	case err := <-c.startResult:
		if err != nil && c.stopRequested.Load() {
			return fmt.Errorf("%s: %w", c.id, ErrStartAborted)
		}
		return err
	case <-ctx.Done():
		// The start continues in the background; the caller only stopped
		// waiting for it.
		return ctx.Err()
	}
}

// Stop terminates the named container: graceful signal, timeout, forced
// kill. Stopping a container still in Starting aborts the pending start.
func (r *Runtime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	r.mu.Lock()
	c := r.containers[name]
	r.mu.Unlock()

	if c == nil || c.State().Terminal() {
		return fmt.Errorf("%s: %w", name, ErrNotRunning)
	}
	return c.requestStop(ctx, timeout)
}

// Install verifies and adds a package file to the named repository.
func (r *Runtime) Install(ctx context.Context, repo, path string) (*repository.Package, error) {
	return r.repos.Install(ctx, repo, path)
}

// Uninstall removes name:version from its repository. A package with a
// live instance cannot be uninstalled.
func (r *Runtime) Uninstall(ctx context.Context, name, version string) error {
	r.mu.Lock()
	c := r.containers[name]
	r.mu.Unlock()
	if c != nil && !c.State().Terminal() && c.pkg.Manifest.Version == version {
		return fmt.Errorf("%s:%s: %w", name, version, ErrAlreadyRunning)
	}
	return r.repos.Uninstall(ctx, name, version)
}

// List reports every indexed package with its instance state. Packages
// without a live instance report their last persisted terminal state, or
// Installed if they never ran.
func (r *Runtime) List(ctx context.Context) []Status {
	pkgs := r.repos.List()
	out := make([]Status, 0, len(pkgs))
	for _, pkg := range pkgs {
		st := Status{
			Container:  pkg.Manifest.Name,
			Package:    pkg.Ref(),
			Repository: pkg.Repository,
			State:      StateInstalled,
		}
		r.mu.Lock()
		c := r.containers[pkg.Manifest.Name]
		r.mu.Unlock()
		if c != nil && c.pkg.Ref() == pkg.Ref() {
			st.State = c.State()
		}
		out = append(out, st)
	}
	return out
}

// Status returns the record of the named container: the live snapshot if
// an instance exists, otherwise the last persisted record.
func (r *Runtime) Status(ctx context.Context, name string) (*Record, error) {
	r.mu.Lock()
	c := r.containers[name]
	r.mu.Unlock()
	if c != nil {
		return c.snapshot(), nil
	}
	return r.store.Get(ctx, name)
}

// Subscribe attaches a console subscriber to the event exchange.
func (r *Runtime) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	return r.events.Subscribe(ctx)
}

// Shutdown stops all live containers in reverse start order and refuses
// new work. It returns once every instance has settled.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.shuttingDown = true
	order := make([]string, len(r.startOrder))
	copy(order, r.startOrder)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		r.mu.Lock()
		c := r.containers[name]
		r.mu.Unlock()
		if c == nil || c.State().Terminal() {
			continue
		}
		log.G(ctx).WithField("container", name).Info("stopping container for shutdown")
		if err := c.requestStop(ctx, shutdownStopTimeout); err != nil {
			log.G(ctx).WithField("container", name).WithError(err).
				Warn("shutdown stop failed")
		}
	}

	r.cancel()
	r.events.Close()
}

// recordTransition persists the container's current record and publishes
// the matching event. Persistence happens first so a crash between the two
// is recoverable.
func (r *Runtime) recordTransition(c *Container) {
	rec := c.snapshot()
	if err := r.store.Put(r.ctx, c.id, rec); err != nil {
		log.G(r.ctx).WithField("container", c.id).WithError(err).
			Warn("failed to persist container record")
	}
	r.events.Publish(events.Event{
		Timestamp: rec.UpdatedAt,
		Container: rec.Container,
		Package:   rec.Package,
		State:     string(rec.State),
		ExitCode:  rec.ExitCode,
		Signal:    rec.Signal,
		Error:     rec.Error,
	})
}
