//go:build linux

// Package supervisor starts container entrypoints in reduced-privilege
// namespaces and monitors them until exit.
//
// A start re-execs /proc/self/exe as a small init stage in fresh pid, ipc,
// uts and (normally) mount namespaces. The init stage prepares the root,
// drops privileges and then blocks on an exec gate; the runtime releases
// the gate only after the process sits in its cgroup and any debug
// instruments are attached, so the entrypoint never runs a single
// instruction outside its limits.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/sealbox/sealbox/internal/config"
)

// readinessTimeout bounds how long a gated child may take to reach the
// exec gate.
const readinessTimeout = 10 * time.Second

// initSpec is the wire form handed to the init stage over the spec pipe.
type initSpec struct {
	ContainerID  string   `json:"container_id"`
	Root         string   `json:"root"`
	Init         string   `json:"init"`
	Args         []string `json:"args"`
	Env          []string `json:"env"`
	UID          uint32   `json:"uid"`
	GID          uint32   `json:"gid"`
	Capabilities []string `json:"capabilities"`
	MountNS      bool     `json:"mount_ns"`
}

// Process is one supervised container process. It is created gated: the
// entrypoint does not execute until Release is called.
type Process struct {
	id  string
	cmd *exec.Cmd

	mu       sync.Mutex
	gate     *os.File // write end; one byte releases the exec gate
	released bool

	instruments *DebugSession

	// exitCh delivers exactly one Exit when the process is gone.
	exitCh chan Exit
	waited chan struct{}
}

// Pid returns the supervised process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait returns the channel carrying the process's single exit event.
func (p *Process) Wait() <-chan Exit {
	return p.exitCh
}

// Supervisor launches and monitors container processes.
type Supervisor struct {
	debug  config.DebugConfig
	logDir string
}

// New creates a Supervisor using the runtime's debug instrument settings.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{debug: cfg.Debug, logDir: cfg.LogDir}
}

// Start launches the container init stage and waits until it is parked at
// the exec gate. The returned process has not executed the entrypoint yet;
// call Release once the cgroup holds its pid, or Kill to abandon it.
//
// Namespace or privilege-drop failure inside the init stage fails the
// start. There is no fallback to running unisolated.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (*Process, error) {
	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spec pipe: %w", err)
	}
	gateR, gateW, err := os.Pipe()
	if err != nil {
		specR.Close()
		specW.Close()
		return nil, fmt.Errorf("gate pipe: %w", err)
	}
	readyR, readyW, err := os.Pipe()
	if err != nil {
		specR.Close()
		specW.Close()
		gateR.Close()
		gateW.Close()
		return nil, fmt.Errorf("readiness pipe: %w", err)
	}

	cmd := exec.Command("/proc/self/exe", InitArg)
	cmd.Stdin = nil
	cmd.Stdout = logWriter(ctx, spec.ContainerID, "stdout")
	cmd.Stderr = logWriter(ctx, spec.ContainerID, "stderr")
	// Child fd layout: 3 spec, 4 gate, 5 readiness.
	cmd.ExtraFiles = []*os.File{specR, gateR, readyW}

	flags := uintptr(unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS)
	if spec.NewMountNamespace {
		flags |= unix.CLONE_NEWNS
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: flags}

	if err := cmd.Start(); err != nil {
		closeAll(specR, specW, gateR, gateW, readyR, readyW)
		return nil, fmt.Errorf("start init stage: %w", err)
	}
	// Parent keeps the write ends it uses plus the readiness read end.
	specR.Close()
	gateR.Close()
	readyW.Close()

	p := &Process{
		id:     spec.ContainerID,
		cmd:    cmd,
		gate:   gateW,
		exitCh: make(chan Exit, 1),
		waited: make(chan struct{}),
	}
	go p.reap(ctx)

	if err := writeSpec(specW, spec); err != nil {
		p.Kill()
		readyR.Close()
		return nil, fmt.Errorf("send init spec: %w", err)
	}

	if err := awaitReadiness(ctx, readyR); err != nil {
		p.Kill()
		readyR.Close()
		return nil, fmt.Errorf("init stage for %s: %w", spec.ContainerID, err)
	}
	readyR.Close()

	log.G(ctx).WithField("container", spec.ContainerID).WithField("pid", p.Pid()).
		Debug("init stage parked at exec gate")
	return p, nil
}

// Release attaches the configured debug instruments and opens the exec
// gate. After a successful Release the entrypoint is running.
func (s *Supervisor) Release(ctx context.Context, p *Process) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}

	session, err := attachInstruments(ctx, s.debug, s.logDir, p.id, p.Pid())
	if err != nil {
		return fmt.Errorf("attach instruments to %s: %w", p.id, err)
	}
	p.instruments = session

	if _, err := p.gate.Write([]byte{0}); err != nil {
		return fmt.Errorf("release exec gate for %s: %w", p.id, err)
	}
	p.gate.Close()
	p.released = true
	return nil
}

// Stop terminates the process: SIGTERM, a grace period, then SIGKILL. It
// always converges on the exit event, which is returned.
func (s *Supervisor) Stop(ctx context.Context, p *Process, timeout time.Duration) (Exit, error) {
	p.mu.Lock()
	released := p.released
	p.mu.Unlock()

	if !released {
		// Still parked at the gate: nothing to shut down gracefully.
		p.Kill()
		return <-p.exitCh, nil
	}

	logger := log.G(ctx).WithField("container", p.id).WithField("pid", p.Pid())
	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil {
		logger.WithError(err).Debug("SIGTERM failed, process may already be gone")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case exit := <-p.exitCh:
		return exit, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	logger.WithField("timeout", timeout).Warn("graceful stop timed out, killing")
	if err := p.cmd.Process.Kill(); err != nil {
		logger.WithError(err).Debug("SIGKILL failed, process may already be gone")
	}
	return <-p.exitCh, nil
}

// Kill abandons a process without escalation: the gate is closed so a
// parked init stage exits on its own, and SIGKILL covers a running one.
func (p *Process) Kill() {
	p.mu.Lock()
	if !p.released {
		p.gate.Close()
		p.released = true
	}
	p.mu.Unlock()
	_ = p.cmd.Process.Kill()
	<-p.waited
}

// reap waits for the process, decodes its wait status and closes out any
// instrument session before publishing the single exit event.
func (p *Process) reap(ctx context.Context) {
	err := p.cmd.Wait()
	close(p.waited)
	exit := decodeWaitError(err)

	if s := p.instrumentSession(); s != nil {
		s.Close(ctx)
	}

	log.G(ctx).WithField("container", p.id).WithField("exit", exit.String()).
		Debug("container process reaped")
	p.exitCh <- exit
	close(p.exitCh)
}

func (p *Process) instrumentSession() *DebugSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instruments
}

func writeSpec(w *os.File, spec StartSpec) error {
	defer w.Close()
	enc := json.NewEncoder(w)
	return enc.Encode(initSpec{
		ContainerID:  spec.ContainerID,
		Root:         spec.Root,
		Init:         spec.Init,
		Args:         spec.Args,
		Env:          flattenEnv(spec.Env),
		UID:          spec.UID,
		GID:          spec.GID,
		Capabilities: spec.Capabilities,
		MountNS:      spec.NewMountNamespace,
	})
}

// awaitReadiness blocks until the init stage reports it is parked at the
// gate. EOF means the stage died during setup.
func awaitReadiness(ctx context.Context, r *os.File) error {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 1)
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(readinessTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.n != 1 {
			return fmt.Errorf("init stage exited before reaching the exec gate: %v", res.err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("init stage did not reach the exec gate within %v", readinessTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// logWriter forwards a container output stream line by line into the
// runtime log.
func logWriter(ctx context.Context, container, stream string) *lineLogger {
	return &lineLogger{
		logger: log.G(ctx).WithField("container", container).WithField("stream", stream),
	}
}
