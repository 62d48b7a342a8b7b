//go:build linux

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Child fd layout, matching the ExtraFiles order in Start.
const (
	specFd  = 3
	gateFd  = 4
	readyFd = 5
)

// RunInit is the container init stage. It runs in the re-exec'd child,
// already inside its fresh namespaces, and never returns: on success the
// entrypoint replaces the process image, on failure the stage exits
// non-zero and the parent reads EOF from the readiness pipe.
func RunInit() {
	if err := runInit(); err != nil {
		fmt.Fprintln(os.Stderr, "container-init:", err)
		os.Exit(1)
	}
}

func runInit() error {
	specPipe := os.NewFile(specFd, "spec")
	gatePipe := os.NewFile(gateFd, "gate")
	readyPipe := os.NewFile(readyFd, "ready")

	var spec initSpec
	if err := json.NewDecoder(specPipe).Decode(&spec); err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	specPipe.Close()

	if err := unix.Sethostname([]byte(spec.ContainerID)); err != nil {
		return fmt.Errorf("set hostname: %w", err)
	}

	if spec.MountNS {
		if err := pivotInto(spec.Root); err != nil {
			return err
		}
		// Without a private mount namespace a proc mount would land in
		// the host namespace, so it is only done here.
		if err := mountProc(); err != nil {
			return err
		}
	} else {
		if err := unix.Chroot(spec.Root); err != nil {
			return fmt.Errorf("chroot %s: %w", spec.Root, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("chdir /: %w", err)
		}
	}

	keep, err := parseCapabilities(spec.Capabilities)
	if err != nil {
		return err
	}
	if err := dropPrivileges(spec.UID, spec.GID, keep); err != nil {
		return err
	}

	// Park at the gate: report readiness, then wait for the release byte.
	// A closed gate means the start was abandoned.
	if _, err := readyPipe.Write([]byte{0}); err != nil {
		return fmt.Errorf("signal readiness: %w", err)
	}
	readyPipe.Close()

	buf := make([]byte, 1)
	n, err := gatePipe.Read(buf)
	if n != 1 {
		return fmt.Errorf("start abandoned before exec: %v", err)
	}
	gatePipe.Close()

	env := spec.Env
	if len(env) == 0 {
		env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin"}
	}
	argv := append([]string{spec.Init}, spec.Args...)
	if err := unix.Exec(spec.Init, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", spec.Init, err)
	}
	return nil
}

// pivotInto makes root the process's root filesystem. Mount propagation is
// first cut off so nothing leaks back to the host namespace; the image is
// already a mount point, which is all pivot_root needs.
func pivotInto(root string) error {
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make mounts slave: %w", err)
	}
	if err := unix.Chdir(root); err != nil {
		return fmt.Errorf("chdir %s: %w", root, err)
	}
	// Stacking new root over old root avoids needing a put_old directory
	// inside the read-only image.
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root into %s: %w", root, err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach old root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}

// mountProc mounts a fresh proc for the new pid namespace. Images without
// a /proc directory simply run without one.
func mountProc() error {
	if _, err := os.Stat("/proc"); err != nil {
		return nil
	}
	flags := uintptr(unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC)
	if err := unix.Mount("proc", "/proc", "proc", flags, ""); err != nil {
		return fmt.Errorf("mount proc: %w", err)
	}
	return nil
}

// dropPrivileges applies gid, supplementary groups, uid and the capability
// set, in that order. Capability state is rewritten last so the uid change
// itself is still permitted.
func dropPrivileges(uid, gid uint32, keep map[int]bool) error {
	if len(keep) > 0 {
		// Keep permitted caps across the uid change so they can be
		// re-raised afterwards.
		if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
			return fmt.Errorf("set keepcaps: %w", err)
		}
	}
	if err := unix.Setgroups([]int{int(gid)}); err != nil {
		return fmt.Errorf("set groups: %w", err)
	}
	if err := unix.Setgid(int(gid)); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(int(uid)); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	if err := dropCapabilities(keep); err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	return nil
}
