package mount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealbox/sealbox/internal/repository"
)

type fakeLoop struct {
	mu          sync.Mutex
	next        int
	attached    map[string]string // device -> backing
	maxAttached int
	attachErr   error
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{attached: make(map[string]string)}
}

func (f *fakeLoop) Attach(backing string, offset int64, size uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return "", f.attachErr
	}
	dev := fmt.Sprintf("/dev/loop%d", f.next)
	f.next++
	f.attached[dev] = backing
	if len(f.attached) > f.maxAttached {
		f.maxAttached = len(f.attached)
	}
	return dev, nil
}

func (f *fakeLoop) Detach(device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, device)
	return nil
}

func (f *fakeLoop) Capacity() (int, error) { return 8, nil }

type fakeDM struct {
	mu        sync.Mutex
	targets   map[string]bool
	createErr error
}

func newFakeDM() *fakeDM {
	return &fakeDM{targets: make(map[string]bool)}
}

func (f *fakeDM) CreateVerity(name string, params verityParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.targets[name] = true
	return "/dev/dm-" + name, nil
}

func (f *fakeDM) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.targets, name)
	return nil
}

type fakeMounter struct {
	mu       sync.Mutex
	mounted  map[string]string // target -> source
	failures int               // fail this many Mount calls before succeeding
}

func newFakeMounter() *fakeMounter {
	return &fakeMounter{mounted: make(map[string]string)}
}

func (f *fakeMounter) Mount(source, target, fstype string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("simulated I/O error")
	}
	f.mounted[target] = source
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mounted, target)
	return nil
}

func testPackage(name string) *repository.Package {
	return &repository.Package{
		Manifest: repository.Manifest{Name: name, Version: "1.0", Init: "/bin/" + name},
		Path:     "/repo/" + name + "-1.0.spk",
		Verity: repository.Verity{
			Algorithm: "sha256",
			RootHash:  strings.Repeat("ab", 32),
			Salt:      strings.Repeat("cd", 32),
			DataSize:  8192,
			BlockSize: 4096,
		},
		ImageOffset: 128,
		ImageSize:   12288,
	}
}

type testEngine struct {
	*Engine
	loop *fakeLoop
	dm   *fakeDM
	mnt  *fakeMounter
}

func newTestEngine(t *testing.T, capacity int) *testEngine {
	t.Helper()
	loop := newFakeLoop()
	dm := newFakeDM()
	mnt := newFakeMounter()
	return &testEngine{
		Engine: newEngine(loop, dm, mnt, capacity, t.TempDir(), 3, time.Millisecond),
		loop:   loop,
		dm:     dm,
		mnt:    mnt,
	}
}

func TestMount_HappyPath(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	chain, err := e.Mount(ctx, testPackage("app"), "app:1.0-1")
	require.NoError(t, err)
	assert.Equal(t, StateMounted, chain.State())
	assert.NotEmpty(t, chain.MountPoint())
	assert.Equal(t, 3, e.Available())
	assert.Len(t, e.loop.attached, 1)
	assert.Len(t, e.dm.targets, 1)

	require.NoError(t, e.Unmount(ctx, chain))
	assert.Equal(t, StateUnmounted, chain.State())
	assert.Equal(t, 4, e.Available())
	assert.Empty(t, e.loop.attached)
	assert.Empty(t, e.dm.targets)
	assert.Empty(t, e.mnt.mounted)
}

func TestMount_PoolExhausted(t *testing.T) {
	e := newTestEngine(t, 1)
	ctx := context.Background()

	chain, err := e.Mount(ctx, testPackage("app"), "app:1.0-1")
	require.NoError(t, err)

	_, err = e.Mount(ctx, testPackage("db"), "db:1.0-1")
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	// The first chain is unaffected by the exhausted attempt.
	assert.Equal(t, StateMounted, chain.State())
	assert.Len(t, e.loop.attached, 1)

	// Release then reuse.
	require.NoError(t, e.Unmount(ctx, chain))
	_, err = e.Mount(ctx, testPackage("db"), "db:1.0-1")
	assert.NoError(t, err)
}

func TestMount_IntegrityMismatchAborts(t *testing.T) {
	e := newTestEngine(t, 2)
	e.dm.createErr = fmt.Errorf("root hash verification: %w", ErrIntegrityMismatch)

	_, err := e.Mount(context.Background(), testPackage("app"), "app:1.0-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrityMismatch))

	// Full unwind: no mount point, no verity target, loop device released.
	assert.Empty(t, e.mnt.mounted)
	assert.Empty(t, e.dm.targets)
	assert.Empty(t, e.loop.attached)
	assert.Equal(t, 2, e.Available())
}

func TestMount_RetriesThenSucceeds(t *testing.T) {
	e := newTestEngine(t, 2)
	e.mnt.failures = 2

	chain, err := e.Mount(context.Background(), testPackage("app"), "app:1.0-1")
	require.NoError(t, err)
	assert.Equal(t, StateMounted, chain.State())
}

func TestMount_RetriesExhausted(t *testing.T) {
	e := newTestEngine(t, 2)
	e.mnt.failures = 3 // one more than the bounded attempts succeed

	_, err := e.Mount(context.Background(), testPackage("app"), "app:1.0-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMountFailure))
	assert.Equal(t, 2, e.Available(), "slot must be released after failed mount")
	assert.Empty(t, e.loop.attached)
}

func TestUnmount_Idempotent(t *testing.T) {
	e := newTestEngine(t, 2)
	ctx := context.Background()

	chain, err := e.Mount(ctx, testPackage("app"), "app:1.0-1")
	require.NoError(t, err)

	require.NoError(t, e.Unmount(ctx, chain))
	require.NoError(t, e.Unmount(ctx, chain), "second unmount must be a no-op")
	assert.Equal(t, 2, e.Available(), "slot released exactly once")

	assert.NoError(t, e.Unmount(ctx, nil))
}

func TestUnmount_PartialChain(t *testing.T) {
	e := newTestEngine(t, 2)
	e.mnt.failures = 100 // never mounts

	_, err := e.Mount(context.Background(), testPackage("app"), "app:1.0-1")
	require.Error(t, err)

	// The failed Mount already unwound; pool and devices are clean.
	assert.Equal(t, 2, e.Available())
	assert.Empty(t, e.loop.attached)
	assert.Empty(t, e.dm.targets)
}

func TestMount_ExclusiveLoopHandles(t *testing.T) {
	e := newTestEngine(t, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	chains := make(chan *Chain, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := e.Mount(ctx, testPackage("app"), fmt.Sprintf("app:1.0-%d", i))
			if err == nil {
				chains <- c
			}
		}(i)
	}
	wg.Wait()
	close(chains)

	assert.LessOrEqual(t, e.loop.maxAttached, 4, "attached loop devices must never exceed pool capacity")

	devices := make(map[string]bool)
	for c := range chains {
		require.False(t, devices[c.loopDevice], "loop device %s handed to two chains", c.loopDevice)
		devices[c.loopDevice] = true
		require.NoError(t, e.Unmount(ctx, c))
	}
	assert.Equal(t, 4, e.Available())
}

func TestImageRootDerivesFromUnshareRoot(t *testing.T) {
	assert.Equal(t, "/run/sealbox/mounts", imageRoot("/run/sealbox"))
	assert.Equal(t, "/tmp/seal/mounts", imageRoot("/tmp/seal/"))
}
