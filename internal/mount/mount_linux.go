//go:build linux

package mount

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/sealbox/sealbox/internal/config"
)

// linuxMounter performs the filesystem mount on the verity device.
type linuxMounter struct{}

func (linuxMounter) Mount(source, target, fstype string) error {
	flags := uintptr(unix.MS_RDONLY | unix.MS_NODEV | unix.MS_NOSUID)
	if err := unix.Mount(source, target, fstype, flags, ""); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

func (linuxMounter) Unmount(target string) error {
	err := unix.Unmount(target, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOENT):
		// Not mounted, or the mount point is already gone.
		return nil
	case errors.Is(err, unix.EBUSY):
		// A straggling opener holds the mount; detach lazily so teardown
		// can proceed and the kernel finishes when the opener exits.
		if lerr := unix.Unmount(target, unix.MNT_DETACH); lerr != nil {
			return fmt.Errorf("unmount %s: %w", target, lerr)
		}
		return nil
	default:
		return fmt.Errorf("unmount %s: %w", target, err)
	}
}

// PrepareRoot makes the configured unshare root a private mount subtree so
// container image mounts do not propagate outside the runtime's tree. Under
// the disable_mount_namespace debug override the privatization is skipped;
// image mounts then live in the shared host tree and survive an abnormal
// runtime exit.
func PrepareRoot(cfg *config.Config) error {
	root := cfg.Devices.UnshareRoot
	if err := os.MkdirAll(imageRoot(root), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", imageRoot(root), err)
	}
	if cfg.Debug.Runtime.DisableMountNamespace {
		log.L.WithField("root", root).
			Warn("mount tree left shared, image mounts will outlive an abnormal exit")
		return nil
	}
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", root, err)
	}
	if err := unix.Mount("", root, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("privatize %s: %w", root, err)
	}
	return nil
}

// NewEngine constructs the engine on the real OS edges. The pool capacity is
// the host's loop-control capability, capped by config. Mount points are
// created under the unshare root prepared by PrepareRoot.
func NewEngine(cfg *config.Config) (*Engine, error) {
	loop := newLoopController(cfg.Devices)
	capacity, err := loop.Capacity()
	if err != nil {
		return nil, err
	}
	if max := cfg.Mounts.MaxLoopDevices; max > 0 && max < capacity {
		capacity = max
	}
	return newEngine(
		loop,
		newDMController(cfg.Devices),
		linuxMounter{},
		capacity,
		imageRoot(cfg.Devices.UnshareRoot),
		cfg.Mounts.Attempts,
		cfg.Mounts.GetRetryDelay(),
	), nil
}
