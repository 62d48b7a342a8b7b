//go:build linux

package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/sealbox/sealbox/internal/config"
)

const (
	// tracerAttachTimeout bounds the wait for strace to take ownership of
	// the gated process.
	tracerAttachTimeout = 5 * time.Second

	// profilerSettleDelay gives perf time to open its counters before the
	// exec gate is released.
	profilerSettleDelay = 200 * time.Millisecond
)

// DebugSession holds the instrument processes attached to one container.
// The session ends when the container process exits; Close reaps the
// instruments and flushes their output.
type DebugSession struct {
	container string
	tracer    *exec.Cmd
	profiler  *exec.Cmd
}

// attachInstruments starts the configured trace and profile instruments
// against a gated process. The process has not executed the entrypoint
// yet, so the trace covers it from the first instruction.
func attachInstruments(ctx context.Context, cfg config.DebugConfig, logDir, container string, pid int) (*DebugSession, error) {
	if cfg.Strace == nil && cfg.Perf == nil {
		return nil, nil
	}
	session := &DebugSession{container: container}

	if cfg.Strace != nil {
		if err := session.attachTracer(ctx, cfg.Strace, logDir, pid); err != nil {
			session.Close(ctx)
			return nil, err
		}
	}
	if cfg.Perf != nil {
		if err := session.attachProfiler(ctx, cfg.Perf, pid); err != nil {
			session.Close(ctx)
			return nil, err
		}
	}
	return session, nil
}

func (d *DebugSession) attachTracer(ctx context.Context, cfg *config.StraceConfig, logDir string, pid int) error {
	args := straceArgs(cfg, logDir, d.container, pid)
	cmd := exec.Command(cfg.Path, args...)

	if cfg.Output == "log" {
		// strace writes the trace to stderr unless -o redirects it.
		cmd.Stderr = logWriter(ctx, d.container, "strace")
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tracer: %w", err)
	}
	d.tracer = cmd

	if err := awaitTracer(pid); err != nil {
		return err
	}
	log.G(ctx).WithField("container", d.container).WithField("pid", pid).
		Debug("tracer attached")
	return nil
}

func (d *DebugSession) attachProfiler(ctx context.Context, cfg *config.PerfConfig, pid int) error {
	args := append(splitFlags(cfg.Flags), "-p", strconv.Itoa(pid))
	cmd := exec.Command(cfg.Path, args...)
	cmd.Stdout = logWriter(ctx, d.container, "perf")
	cmd.Stderr = logWriter(ctx, d.container, "perf")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start profiler: %w", err)
	}
	d.profiler = cmd

	// perf attaches asynchronously and offers no attach signal, so it gets
	// a fixed settle delay before the gate opens.
	time.Sleep(profilerSettleDelay)
	log.G(ctx).WithField("container", d.container).WithField("pid", pid).
		Debug("profiler attached")
	return nil
}

// Close reaps the instrument processes. They normally exit on their own
// once the traced process is gone; a profiler that lingers is interrupted.
func (d *DebugSession) Close(ctx context.Context) {
	if d == nil {
		return
	}
	if d.tracer != nil {
		if err := d.tracer.Wait(); err != nil {
			log.G(ctx).WithField("container", d.container).WithError(err).
				Debug("tracer exit")
		}
	}
	if d.profiler != nil {
		_ = d.profiler.Process.Signal(unix.SIGINT)
		if err := d.profiler.Wait(); err != nil {
			log.G(ctx).WithField("container", d.container).WithError(err).
				Debug("profiler exit")
		}
	}
}

// straceArgs builds the tracer command line: configured flags, output
// redirection for file mode, and the target pid.
func straceArgs(cfg *config.StraceConfig, logDir, container string, pid int) []string {
	args := splitFlags(cfg.Flags)
	if cfg.Output == "file" {
		args = append(args, "-o", filepath.Join(logDir, "strace-"+container+".log"))
	}
	return append(args, "-p", strconv.Itoa(pid))
}

// awaitTracer polls TracerPid in /proc/<pid>/status until the tracer owns
// the process. Releasing the gate earlier would let the entrypoint run
// untraced instructions.
func awaitTracer(pid int) error {
	status := filepath.Join("/proc", strconv.Itoa(pid), "status")
	deadline := time.Now().Add(tracerAttachTimeout)
	for time.Now().Before(deadline) {
		tracer, err := readTracerPid(status)
		if err != nil {
			return fmt.Errorf("read %s: %w", status, err)
		}
		if tracer != 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("tracer did not attach to pid %d within %v", pid, tracerAttachTimeout)
}

// splitFlags splits a configured flag string on whitespace. Flags with
// embedded spaces are not supported.
func splitFlags(flags string) []string {
	return strings.Fields(flags)
}

func readTracerPid(statusPath string) (int, error) {
	f, err := os.Open(statusPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		return strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
	}
	return 0, scanner.Err()
}
