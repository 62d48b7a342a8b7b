// Package mount implements the loop device + dm-verity + filesystem mount
// chain for sealed packages. Loop devices are a scarce host resource: they
// are drawn from a fixed-capacity pool with index-based slots so exhaustion
// is an explicit error and devices cannot leak across container restarts.
package mount

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/sealbox/sealbox/internal/repository"
)

var (
	// ErrResourceExhausted indicates no loop device slot is free.
	ErrResourceExhausted = errors.New("loop device pool exhausted")

	// ErrIntegrityMismatch indicates block-layer verification failed: the
	// image does not match its trusted verity root hash.
	ErrIntegrityMismatch = errors.New("image integrity mismatch")

	// ErrMountFailure indicates the filesystem mount failed after bounded
	// retries.
	ErrMountFailure = errors.New("mount failed")
)

// State tracks a chain through its lifecycle.
type State int

const (
	StateFree State = iota
	StateAllocated
	StateVerified
	StateMounted
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocated:
		return "allocated"
	case StateVerified:
		return "verified"
	case StateMounted:
		return "mounted"
	case StateUnmounted:
		return "unmounted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// loopController is the loop-device edge of the engine.
type loopController interface {
	// Attach binds a free loop device read-only to a byte range of the
	// backing file and returns its device path.
	Attach(backing string, offset int64, size uint64) (string, error)

	// Detach releases the loop device. Detaching an already-released device
	// is not an error.
	Detach(device string) error

	// Capacity reports how many loop devices the host can provide.
	Capacity() (int, error)
}

// verityParams is everything needed to build a verity target over a device.
type verityParams struct {
	DataDevice string
	DataSize   uint64 // bytes of filesystem data
	BlockSize  uint32
	HashOffset uint64 // byte offset of the hash tree on the same device
	Algorithm  string
	RootHash   []byte
	Salt       []byte
}

// dmController is the device-mapper edge of the engine.
type dmController interface {
	// CreateVerity creates and activates a verity target and returns its
	// device path. A table-load rejection or failed verification read
	// returns an error wrapping ErrIntegrityMismatch.
	CreateVerity(name string, params verityParams) (string, error)

	// Remove deletes the named target. Removing an absent target is not an
	// error.
	Remove(name string) error
}

// mounter is the filesystem edge of the engine.
type mounter interface {
	Mount(source, target, fstype string) error
	// Unmount detaches target. Unmounting a non-mounted target is not an
	// error.
	Unmount(target string) error
}

// Chain is the handle for one container's mount: loop device, verity target
// and mount point. It is owned by exactly one container at a time.
type Chain struct {
	mu sync.Mutex

	id    string
	state State

	slot         int
	slotReleased bool
	loopDevice   string
	verityName   string
	mountPoint   string
}

// MountPoint returns the target directory while the chain is mounted.
func (c *Chain) MountPoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mountPoint
}

// State returns the chain's current state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// pool is an arena-style fixed-capacity slot allocator. Slots are plain
// indices; a slot must be released before it can be handed out again.
type pool struct {
	mu   sync.Mutex
	free []int
}

func newPool(capacity int) *pool {
	p := &pool{free: make([]int, 0, capacity)}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

func (p *pool) acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrResourceExhausted
	}
	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return slot, nil
}

func (p *pool) release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, slot)
}

func (p *pool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Engine drives mount chains. Safe for concurrent use; a slow mount for one
// chain does not block operations on another.
type Engine struct {
	loop       loopController
	dm         dmController
	mnt        mounter
	pool       *pool
	mountRoot  string
	fsType     string
	attempts   int
	retryDelay time.Duration
}

const defaultFSType = "squashfs"

// imageRoot is the directory under the privatized unshare root where image
// mount points are created.
func imageRoot(unshareRoot string) string {
	return filepath.Join(unshareRoot, "mounts")
}

func newEngine(loop loopController, dm dmController, mnt mounter, capacity int, mountRoot string, attempts int, retryDelay time.Duration) *Engine {
	return &Engine{
		loop:       loop,
		dm:         dm,
		mnt:        mnt,
		pool:       newPool(capacity),
		mountRoot:  mountRoot,
		fsType:     defaultFSType,
		attempts:   attempts,
		retryDelay: retryDelay,
	}
}

// Available reports how many loop device slots are currently free.
func (e *Engine) Available() int {
	return e.pool.available()
}

// Mount runs the full chain for pkg: loop attach, verity target, filesystem
// mount. On any failure the partial chain is unwound before the error is
// returned, so no resource leaks past a failed Mount.
func (e *Engine) Mount(ctx context.Context, pkg *repository.Package, id string) (retChain *Chain, retErr error) {
	slot, err := e.pool.acquire()
	if err != nil {
		return nil, err
	}

	chain := &Chain{id: id, slot: slot, state: StateAllocated}
	defer func() {
		if retErr != nil {
			if uerr := e.Unmount(context.WithoutCancel(ctx), chain); uerr != nil {
				log.G(ctx).WithError(uerr).WithField("container", id).
					Warn("failed to unwind partial mount chain")
			}
		}
	}()

	loopDev, err := e.loop.Attach(pkg.Path, pkg.ImageOffset, pkg.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to attach loop device for %s: %w", pkg.Ref(), err)
	}
	chain.loopDevice = loopDev

	rootHash, err := hex.DecodeString(pkg.Verity.RootHash)
	if err != nil {
		return nil, fmt.Errorf("invalid verity root hash for %s: %w", pkg.Ref(), err)
	}
	salt, err := hex.DecodeString(pkg.Verity.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid verity salt for %s: %w", pkg.Ref(), err)
	}

	verityName := verityNameFor(id)
	verityDev, err := e.dm.CreateVerity(verityName, verityParams{
		DataDevice: loopDev,
		DataSize:   pkg.Verity.DataSize,
		BlockSize:  pkg.Verity.BlockSize,
		HashOffset: pkg.Verity.DataSize,
		Algorithm:  pkg.Verity.Algorithm,
		RootHash:   rootHash,
		Salt:       salt,
	})
	if err != nil {
		return nil, fmt.Errorf("verity setup for %s: %w", pkg.Ref(), err)
	}
	chain.verityName = verityName
	chain.state = StateVerified

	target := filepath.Join(e.mountRoot, id)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount point %s: %w", target, err)
	}

	if err := e.mountWithRetry(ctx, verityDev, target); err != nil {
		return nil, err
	}
	chain.mountPoint = target
	chain.state = StateMounted

	log.G(ctx).WithField("container", id).
		WithField("loop", loopDev).
		WithField("target", target).
		Debug("mount chain complete")
	return chain, nil
}

// mountWithRetry attempts the filesystem mount a bounded number of times
// before surfacing ErrMountFailure.
func (e *Engine) mountWithRetry(ctx context.Context, source, target string) error {
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		lastErr = e.mnt.Mount(source, target, e.fsType)
		if lastErr == nil {
			return nil
		}
		log.G(ctx).WithError(lastErr).
			WithField("attempt", attempt).
			WithField("source", source).
			Warn("mount attempt failed")
		if attempt < e.attempts {
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %s", ErrMountFailure, source, context.Cause(ctx))
			}
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrMountFailure, source, lastErr)
}

// verityNameFor is the deterministic device-mapper target name for a
// container id. Deterministic naming is what makes Recover possible after
// a runtime restart.
func verityNameFor(id string) string {
	return "sealbox-" + id
}

// Recover tears down the on-host remains of a mount chain left behind by a
// previous runtime instance. No live Chain survives a restart; only the
// deterministic names do. Absent devices and mount points are not errors,
// so Recover is safe to run on any suspect id.
func (e *Engine) Recover(ctx context.Context, id string) error {
	chain := &Chain{
		id:    id,
		state: StateMounted,
		// The slot belongs to this runtime instance's pool and was never
		// acquired for the stale chain.
		slotReleased: true,
		verityName:   verityNameFor(id),
		mountPoint:   filepath.Join(e.mountRoot, id),
	}
	return e.Unmount(ctx, chain)
}

// Unmount unwinds the chain in strict reverse order: filesystem, verity
// target, loop device, slot. It is idempotent and safe on a partially
// mounted chain; steps never reached are skipped. The slot is always
// released, so the loop device cannot leak past an Unmount.
func (e *Engine) Unmount(ctx context.Context, chain *Chain) error {
	if chain == nil {
		return nil
	}
	chain.mu.Lock()
	defer chain.mu.Unlock()

	if chain.state == StateUnmounted || chain.state == StateFree {
		return nil
	}

	var errs []error

	if chain.mountPoint != "" {
		if err := e.mnt.Unmount(chain.mountPoint); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", chain.mountPoint, err))
		} else {
			if err := os.Remove(chain.mountPoint); err != nil && !os.IsNotExist(err) {
				log.G(ctx).WithError(err).WithField("target", chain.mountPoint).
					Warn("failed to remove mount point")
			}
			chain.mountPoint = ""
		}
	}

	if chain.verityName != "" {
		if err := e.dm.Remove(chain.verityName); err != nil {
			errs = append(errs, fmt.Errorf("remove verity target %s: %w", chain.verityName, err))
		} else {
			chain.verityName = ""
		}
	}

	if chain.loopDevice != "" {
		if err := e.loop.Detach(chain.loopDevice); err != nil {
			errs = append(errs, fmt.Errorf("detach %s: %w", chain.loopDevice, err))
		} else {
			chain.loopDevice = ""
		}
	}

	// The slot is released exactly once, regardless of step errors: the
	// chain is no longer usable and holding the slot would leak pool
	// capacity. The state only reaches Unmounted when every step has been
	// undone, so a retry after a partial failure re-attempts what is left.
	if !chain.slotReleased {
		e.pool.release(chain.slot)
		chain.slotReleased = true
	}
	if len(errs) == 0 {
		chain.state = StateUnmounted
	}

	return errors.Join(errs...)
}
