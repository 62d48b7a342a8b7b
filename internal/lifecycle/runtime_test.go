package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealbox/sealbox/internal/cgroup"
	"github.com/sealbox/sealbox/internal/events"
	"github.com/sealbox/sealbox/internal/mount"
	"github.com/sealbox/sealbox/internal/repository"
	"github.com/sealbox/sealbox/internal/store"
	"github.com/sealbox/sealbox/internal/supervisor"
)

func testPackage(name, version string) *repository.Package {
	return &repository.Package{
		Manifest: repository.Manifest{
			Name:    name,
			Version: version,
			Init:    "/sbin/init",
			UID:     1000,
			GID:     1000,
		},
		Repository: "default",
		Path:       "/repo/" + name + "-" + version + ".spk",
	}
}

type fakeRepos struct {
	mu   sync.Mutex
	pkgs map[string]*repository.Package
}

func newFakeRepos(pkgs ...*repository.Package) *fakeRepos {
	r := &fakeRepos{pkgs: make(map[string]*repository.Package)}
	for _, p := range pkgs {
		r.pkgs[p.Ref()] = p
	}
	return r
}

func (r *fakeRepos) Lookup(name, version string) (*repository.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pkgs[name+":"+version]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("package %s:%s: %w", name, version, store.ErrNotFound)
}

func (r *fakeRepos) List() []*repository.Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*repository.Package
	for _, p := range r.pkgs {
		out = append(out, p)
	}
	return out
}

func (r *fakeRepos) Install(ctx context.Context, repo, src string) (*repository.Package, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRepos) Uninstall(ctx context.Context, name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pkgs, name+":"+version)
	return nil
}

type fakeMount struct {
	point string
}

func (m *fakeMount) MountPoint() string { return m.point }

type fakeMounter struct {
	mu        sync.Mutex
	mountErr  error
	active    int
	unmounts  int
	recovered []string
}

func (f *fakeMounter) Mount(ctx context.Context, pkg *repository.Package, id string) (Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountErr != nil {
		return nil, f.mountErr
	}
	f.active++
	return &fakeMount{point: "/run/sealbox/mounts/" + id}, nil
}

func (f *fakeMounter) Unmount(ctx context.Context, m Mount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	f.unmounts++
	return nil
}

func (f *fakeMounter) Recover(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, id)
	return nil
}

func (f *fakeMounter) activeMounts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

type fakeHandle struct {
	path string
}

func (h *fakeHandle) Path() string { return h.path }

type fakeCgroups struct {
	mu        sync.Mutex
	createErr error
	created   int
	attached  []int
	destroyed int
	recovered []string
}

func (f *fakeCgroups) Create(ctx context.Context, id string, limits cgroup.Limits) (CgroupHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &fakeHandle{path: "/sys/fs/cgroup/sealbox/" + id}, nil
}

func (f *fakeCgroups) Attach(ctx context.Context, h CgroupHandle, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, pid)
	return nil
}

func (f *fakeCgroups) Destroy(ctx context.Context, h CgroupHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeCgroups) Recover(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, id)
	return nil
}

type fakeProcess struct {
	pid    int
	exitCh chan supervisor.Exit
	once   sync.Once
}

func (p *fakeProcess) Pid() int                      { return p.pid }
func (p *fakeProcess) Wait() <-chan supervisor.Exit  { return p.exitCh }
func (p *fakeProcess) Kill()                         { p.exit(supervisor.Exit{Code: -1}) }
func (p *fakeProcess) exit(e supervisor.Exit) {
	p.once.Do(func() { p.exitCh <- e })
}

type fakeSupervisor struct {
	mu         sync.Mutex
	startErr   error
	blockStart bool
	nextPid    int
	released   int
	stops      int
	last       *fakeProcess
}

func (f *fakeSupervisor) Start(ctx context.Context, spec supervisor.StartSpec) (Process, error) {
	f.mu.Lock()
	blocked, startErr := f.blockStart, f.startErr
	f.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if startErr != nil {
		return nil, startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	f.last = &fakeProcess{pid: 1000 + f.nextPid, exitCh: make(chan supervisor.Exit, 1)}
	return f.last, nil
}

func (f *fakeSupervisor) lastProc() *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeSupervisor) Release(ctx context.Context, p Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, p Process, timeout time.Duration) (supervisor.Exit, error) {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	exit := supervisor.Exit{Code: 0}
	p.(*fakeProcess).exit(exit)
	// Drain the exit we just delivered, the way the real Stop reaps it.
	<-p.Wait()
	return exit, nil
}

type testRuntime struct {
	rt      *Runtime
	repos   *fakeRepos
	mounter *fakeMounter
	cgroups *fakeCgroups
	super   *fakeSupervisor
	store   *store.Store[Record]
}

func newTestRuntime(t *testing.T, pkgs ...*repository.Package) *testRuntime {
	t.Helper()

	st, err := store.Open[Record](filepath.Join(t.TempDir(), "state.db"), "containers")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := &testRuntime{
		repos:   newFakeRepos(pkgs...),
		mounter: &fakeMounter{},
		cgroups: &fakeCgroups{},
		super:   &fakeSupervisor{},
		store:   st,
	}
	tr.rt = NewRuntime(Options{
		Repositories: tr.repos,
		Mounter:      tr.mounter,
		Cgroups:      tr.cgroups,
		Supervisor:   tr.super,
		Events:       events.NewExchange(),
		Store:        st,
	})
	return tr
}

// awaitStates reads subscriber events for one container until it reaches a
// terminal state and returns the observed state sequence.
func awaitStates(t *testing.T, ch <-chan events.Event, container string) []string {
	t.Helper()
	var states []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return states
			}
			if ev.Container != container {
				continue
			}
			states = append(states, ev.State)
			if State(ev.State).Terminal() {
				return states
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal state, saw %v", states)
		}
	}
}

func TestStartStopHappyPath(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	ctx := t.Context()

	ch, cancel := tr.rt.Subscribe(ctx)
	defer cancel()

	require.NoError(t, tr.rt.Start(ctx, "hello", "1.0.0"))
	require.NoError(t, tr.rt.Stop(ctx, "hello", 5*time.Second))

	states := awaitStates(t, ch, "hello")
	assert.Equal(t, []string{"installed", "mounted", "starting", "running", "stopping", "stopped"}, states)

	assert.Zero(t, tr.mounter.activeMounts(), "mount chain must be released")
	assert.Equal(t, 1, tr.cgroups.destroyed)
	assert.Equal(t, 1, tr.super.released)
	assert.Equal(t, []int{1001}, tr.cgroups.attached, "cgroup attach must precede release")

	rec, err := tr.store.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Zero(t, *rec.ExitCode)
}

func TestStartIntegrityMismatchFails(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	tr.mounter.mountErr = fmt.Errorf("verity: %w", mount.ErrIntegrityMismatch)
	ctx := t.Context()

	ch, cancel := tr.rt.Subscribe(ctx)
	defer cancel()

	err := tr.rt.Start(ctx, "hello", "1.0.0")
	require.ErrorIs(t, err, mount.ErrIntegrityMismatch)

	states := awaitStates(t, ch, "hello")
	assert.Equal(t, "failed", states[len(states)-1])
	assert.Zero(t, tr.mounter.activeMounts())

	rec, err := tr.store.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Error, "integrity")
}

func TestStartResourceExhaustedLeavesOthersRunning(t *testing.T) {
	tr := newTestRuntime(t,
		testPackage("first", "1.0.0"),
		testPackage("second", "1.0.0"))
	ctx := t.Context()

	require.NoError(t, tr.rt.Start(ctx, "first", "1.0.0"))

	tr.mounter.mu.Lock()
	tr.mounter.mountErr = mount.ErrResourceExhausted
	tr.mounter.mu.Unlock()

	err := tr.rt.Start(ctx, "second", "1.0.0")
	require.ErrorIs(t, err, mount.ErrResourceExhausted)

	rec, err := tr.rt.Status(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
}

func TestCrashWhileRunning(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	ctx := t.Context()

	ch, cancel := tr.rt.Subscribe(ctx)
	defer cancel()

	require.NoError(t, tr.rt.Start(ctx, "hello", "1.0.0"))

	// Unsolicited exit, no console stop involved.
	tr.super.lastProc().exit(supervisor.Exit{Signal: syscall.SIGSEGV, Signaled: true})

	states := awaitStates(t, ch, "hello")
	assert.Equal(t, []string{"installed", "mounted", "starting", "running", "stopping", "stopped"}, states)
	assert.Zero(t, tr.mounter.activeMounts())

	rec, err := tr.store.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "segmentation fault", rec.Signal)
}

func TestStopDuringStartingAbortsStart(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	tr.super.blockStart = true
	ctx := t.Context()

	ch, cancel := tr.rt.Subscribe(ctx)
	defer cancel()

	startErr := make(chan error, 1)
	go func() { startErr <- tr.rt.Start(ctx, "hello", "1.0.0") }()

	// Wait until the start has reached the blocked spawn.
	require.Eventually(t, func() bool {
		rec, err := tr.rt.Status(ctx, "hello")
		return err == nil && rec.State == StateStarting
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.rt.Stop(ctx, "hello", time.Second))
	require.ErrorIs(t, <-startErr, ErrStartAborted)

	states := awaitStates(t, ch, "hello")
	assert.Equal(t, "stopped", states[len(states)-1])
	assert.NotContains(t, states, "running")
	assert.Zero(t, tr.mounter.activeMounts())
}

func TestStartAlreadyRunning(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	ctx := t.Context()

	require.NoError(t, tr.rt.Start(ctx, "hello", "1.0.0"))
	require.ErrorIs(t, tr.rt.Start(ctx, "hello", "1.0.0"), ErrAlreadyRunning)
}

func TestStartOtherVersionOfLiveContainerRefused(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"), testPackage("hello", "2.0.0"))
	ctx := t.Context()

	// One instance per container name: a second version is an upgrade, not
	// a peer, and must wait for the live instance to stop.
	require.NoError(t, tr.rt.Start(ctx, "hello", "1.0.0"))
	require.ErrorIs(t, tr.rt.Start(ctx, "hello", "2.0.0"), ErrAlreadyRunning)

	require.NoError(t, tr.rt.Stop(ctx, "hello", time.Second))
	require.NoError(t, tr.rt.Start(ctx, "hello", "2.0.0"))
}

func TestStopNotRunning(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	require.ErrorIs(t, tr.rt.Stop(t.Context(), "hello", time.Second), ErrNotRunning)
}

func TestUninstallRunningPackageRefused(t *testing.T) {
	tr := newTestRuntime(t, testPackage("hello", "1.0.0"))
	ctx := t.Context()

	require.NoError(t, tr.rt.Start(ctx, "hello", "1.0.0"))
	require.ErrorIs(t, tr.rt.Uninstall(ctx, "hello", "1.0.0"), ErrAlreadyRunning)

	require.NoError(t, tr.rt.Stop(ctx, "hello", time.Second))
	require.NoError(t, tr.rt.Uninstall(ctx, "hello", "1.0.0"))
}

func TestRecoverReconcilesStaleRecords(t *testing.T) {
	tr := newTestRuntime(t)
	ctx := t.Context()

	stale := &Record{
		Container:  "hello",
		Package:    "hello:1.0.0",
		State:      StateStarting,
		MountPoint: "/run/sealbox/mounts/hello",
		StartedAt:  time.Now().Add(-time.Hour),
		UpdatedAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, tr.store.Put(ctx, "hello", stale))
	clean := &Record{Container: "done", Package: "done:1.0.0", State: StateStopped}
	require.NoError(t, tr.store.Put(ctx, "done", clean))

	require.NoError(t, tr.rt.Recover(ctx))

	assert.Equal(t, []string{"hello"}, tr.mounter.recovered)
	assert.Equal(t, []string{"hello"}, tr.cgroups.recovered)

	rec, err := tr.store.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Empty(t, rec.MountPoint)

	rec, err = tr.store.Get(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, rec.State)
}

func TestShutdownStopsInReverseStartOrder(t *testing.T) {
	tr := newTestRuntime(t,
		testPackage("first", "1.0.0"),
		testPackage("second", "1.0.0"))
	ctx := t.Context()

	ch, cancel := tr.rt.Subscribe(ctx)
	defer cancel()

	require.NoError(t, tr.rt.Start(ctx, "first", "1.0.0"))
	require.NoError(t, tr.rt.Start(ctx, "second", "1.0.0"))

	tr.rt.Shutdown(ctx)

	var stopped []string
	for ev := range ch {
		if ev.State == "stopped" {
			stopped = append(stopped, ev.Container)
		}
	}
	assert.Equal(t, []string{"second", "first"}, stopped)
	assert.Zero(t, tr.mounter.activeMounts())

	require.ErrorIs(t, tr.rt.Start(ctx, "first", "1.0.0"), ErrShuttingDown)
}

func TestListReportsInstanceState(t *testing.T) {
	tr := newTestRuntime(t,
		testPackage("hello", "1.0.0"),
		testPackage("idle", "2.0.0"))
	ctx := t.Context()

	require.NoError(t, tr.rt.Start(ctx, "hello", "1.0.0"))

	byName := map[string]Status{}
	for _, st := range tr.rt.List(ctx) {
		byName[st.Container] = st
	}
	assert.Equal(t, StateRunning, byName["hello"].State)
	assert.Equal(t, StateInstalled, byName["idle"].State)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateInstalled.CanTransition(StateMounted))
	assert.True(t, StateStarting.CanTransition(StateStopping))
	assert.True(t, StateRunning.CanTransition(StateFailed))
	assert.False(t, StateStopped.CanTransition(StateFailed))
	assert.False(t, StateRunning.CanTransition(StateMounted))
	assert.False(t, StateInstalled.CanTransition(StateRunning))
}
