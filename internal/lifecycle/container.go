package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/sealbox/sealbox/internal/cgroup"
	"github.com/sealbox/sealbox/internal/repository"
	"github.com/sealbox/sealbox/internal/supervisor"
)

const (
	spawnAttempts   = 3
	spawnRetryDelay = 100 * time.Millisecond
)

// stopRequest asks a container's actor to terminate its process. The reply
// carries the stop outcome once the instance has settled.
type stopRequest struct {
	timeout time.Duration
	reply   chan error
}

// Container is one runtime instance of a package. All transitions happen on
// its actor goroutine; external callers only send messages and read
// snapshots.
type Container struct {
	id  string
	pkg *repository.Package
	rt  *Runtime

	// inbox serializes stop requests with the in-flight transition.
	inbox chan stopRequest

	// startResult delivers the outcome of the start sequence exactly once.
	startResult chan error

	// done closes when the actor goroutine has fully settled the instance.
	done chan struct{}

	startCtx      context.Context
	startCancel   context.CancelFunc
	stopRequested atomic.Bool

	mu        sync.Mutex
	state     State
	mount     Mount
	cgroup    CgroupHandle
	proc      Process
	exit      *supervisor.Exit
	failure   error
	startedAt time.Time
}

func newContainer(rt *Runtime, pkg *repository.Package) *Container {
	c := &Container{
		id:          pkg.Manifest.Name,
		pkg:         pkg,
		rt:          rt,
		inbox:       make(chan stopRequest, 1),
		startResult: make(chan error, 1),
		done:        make(chan struct{}),
		state:       StateInstalled,
		startedAt:   time.Now(),
	}
	c.startCtx, c.startCancel = context.WithCancel(rt.ctx)
	return c
}

// State returns the container's current state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run is the actor goroutine: one start sequence, then supervision until
// the instance reaches a terminal state.
func (c *Container) run() {
	defer close(c.done)
	defer c.startCancel()

	if err := c.startSequence(c.startCtx); err != nil {
		c.settleFailedStart(err)
		c.startResult <- err
		return
	}
	c.startResult <- nil

	c.supervise()
}

// startSequence drives Installed through Running. Any error leaves the
// partial resources recorded on the container for settleFailedStart to
// unwind.
func (c *Container) startSequence(ctx context.Context) error {
	m, err := c.rt.mounter.Mount(ctx, c.pkg, c.id)
	if err != nil {
		return fmt.Errorf("mount %s: %w", c.pkg.Ref(), err)
	}
	c.mu.Lock()
	c.mount = m
	c.mu.Unlock()
	if err := c.transition(StateMounted); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.transition(StateStarting); err != nil {
		return err
	}

	limits := cgroup.Limits{
		Memory:    c.pkg.Manifest.Resources.Memory,
		CPUWeight: c.pkg.Manifest.Resources.CPUWeight,
	}
	h, err := c.rt.cgroups.Create(ctx, c.id, limits)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cgroup = h
	c.mu.Unlock()

	proc, err := c.spawn(ctx, m.MountPoint())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	if err := c.rt.cgroups.Attach(ctx, h, proc.Pid()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// A stop won the race before the exec gate opened: the entrypoint
		// never runs.
		return err
	}
	if err := c.rt.super.Release(ctx, proc); err != nil {
		return err
	}

	return c.transition(StateRunning)
}

// spawn starts the container process, retrying a bounded number of times
// before the failure surfaces as ErrProcessSpawn.
func (c *Container) spawn(ctx context.Context, root string) (Process, error) {
	spec := supervisor.StartSpec{
		ContainerID:       c.id,
		Root:              root,
		Init:              c.pkg.Manifest.Init,
		Args:              c.pkg.Manifest.Args,
		Env:               c.pkg.Manifest.Env,
		UID:               c.pkg.Manifest.UID,
		GID:               c.pkg.Manifest.GID,
		Capabilities:      c.pkg.Manifest.Capabilities,
		NewMountNamespace: !c.rt.disableMountNS,
	}

	var lastErr error
	for attempt := 1; attempt <= spawnAttempts; attempt++ {
		proc, err := c.rt.super.Start(ctx, spec)
		if err == nil {
			return proc, nil
		}
		lastErr = err
		log.G(ctx).WithField("container", c.id).WithField("attempt", attempt).
			WithError(err).Warn("process spawn failed")
		if attempt < spawnAttempts {
			select {
			case <-time.After(spawnRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("spawn %s: %v: %w", c.id, lastErr, ErrProcessSpawn)
}

// supervise waits for either the process exit or a stop request; both
// converge on the same teardown.
func (c *Container) supervise() {
	ctx := context.WithoutCancel(c.rt.ctx)

	select {
	case exit := <-c.proc.Wait():
		log.G(ctx).WithField("container", c.id).WithField("exit", exit.String()).
			Info("container process exited")
		c.setExit(exit)
		_ = c.transition(StateStopping)
		c.teardown(ctx)
		_ = c.transition(StateStopped)

	case req := <-c.inbox:
		_ = c.transition(StateStopping)
		exit, err := c.rt.super.Stop(ctx, c.proc, req.timeout)
		if err == nil {
			c.setExit(exit)
		}
		c.teardown(ctx)
		_ = c.transition(StateStopped)
		req.reply <- err
	}
}

// settleFailedStart unwinds whatever the failed start sequence acquired and
// moves the instance to its terminal state: Stopped when a stop request
// aborted the start, Failed otherwise.
func (c *Container) settleFailedStart(err error) {
	ctx := context.WithoutCancel(c.rt.ctx)
	c.teardown(ctx)

	if c.stopRequested.Load() || errors.Is(err, context.Canceled) {
		log.G(ctx).WithField("container", c.id).Info("start aborted by stop request")
		_ = c.transition(StateStopped)
		return
	}

	log.G(ctx).WithField("container", c.id).WithError(err).Warn("container start failed")
	c.mu.Lock()
	c.failure = err
	c.mu.Unlock()
	_ = c.transition(StateFailed)
}

// teardown releases the instance's resources in reverse acquisition order:
// process, cgroup, mount. Steps never reached are skipped; step failures
// are logged but do not stop the remaining steps.
func (c *Container) teardown(ctx context.Context) {
	c.mu.Lock()
	proc, h, m := c.proc, c.cgroup, c.mount
	c.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	if h != nil {
		if err := c.rt.cgroups.Destroy(ctx, h); err != nil {
			log.G(ctx).WithField("container", c.id).WithError(err).
				Warn("cgroup teardown failed")
		}
	}
	if m != nil {
		if err := c.rt.mounter.Unmount(ctx, m); err != nil {
			log.G(ctx).WithField("container", c.id).WithError(err).
				Warn("unmount failed during teardown")
		}
	}
}

// requestStop cancels a pending start and queues a stop for the actor. It
// returns once the instance has settled or ctx expires.
func (c *Container) requestStop(ctx context.Context, timeout time.Duration) error {
	c.stopRequested.Store(true)
	c.startCancel()

	req := stopRequest{timeout: timeout, reply: make(chan error, 1)}
	select {
	case c.inbox <- req:
	case <-c.done:
		// Instance settled on its own; the stop converged with it.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Container) setExit(exit supervisor.Exit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exit = &exit
}

// transition moves the state machine along one edge, persists the record
// and publishes the event, in that order.
func (c *Container) transition(to State) error {
	c.mu.Lock()
	from := c.state
	if !from.CanTransition(to) {
		c.mu.Unlock()
		return fmt.Errorf("%s: %s -> %s: %w", c.id, from, to, ErrInvalidTransition)
	}
	c.state = to
	c.mu.Unlock()

	log.G(c.rt.ctx).WithField("container", c.id).
		WithField("from", string(from)).WithField("to", string(to)).
		Debug("state transition")
	c.rt.recordTransition(c)
	return nil
}

// snapshot builds the persisted view of the instance.
func (c *Container) snapshot() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &Record{
		Container: c.id,
		Package:   c.pkg.Ref(),
		State:     c.state,
		StartedAt: c.startedAt,
		UpdatedAt: time.Now(),
	}
	if c.proc != nil && c.state == StateRunning {
		rec.Pid = c.proc.Pid()
	}
	if c.mount != nil && !c.state.Terminal() {
		rec.MountPoint = c.mount.MountPoint()
	}
	if c.cgroup != nil && !c.state.Terminal() {
		rec.CgroupPath = c.cgroup.Path()
	}
	if c.exit != nil {
		if c.exit.Signaled {
			rec.Signal = c.exit.Signal.String()
		} else {
			code := c.exit.Code
			rec.ExitCode = &code
		}
	}
	if c.failure != nil {
		rec.Error = c.failure.Error()
	}
	return rec
}
