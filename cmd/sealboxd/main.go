//go:build linux

// Command sealboxd is the container runtime daemon: it indexes signed
// package repositories, mounts verified images and supervises container
// processes, controlled over the network console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/moby/sys/userns"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/sealbox/sealbox/internal/cgroup"
	"github.com/sealbox/sealbox/internal/config"
	"github.com/sealbox/sealbox/internal/console"
	"github.com/sealbox/sealbox/internal/events"
	"github.com/sealbox/sealbox/internal/lifecycle"
	"github.com/sealbox/sealbox/internal/mount"
	"github.com/sealbox/sealbox/internal/repository"
	"github.com/sealbox/sealbox/internal/store"
	"github.com/sealbox/sealbox/internal/supervisor"
	"github.com/sealbox/sealbox/internal/version"
)

func main() {
	// The supervisor re-execs this binary as the container init stage;
	// dispatch before any daemon setup runs.
	if len(os.Args) > 1 && os.Args[1] == supervisor.InitArg {
		supervisor.RunInit()
		return
	}

	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Info())
		return
	}

	if err := run(configPath); err != nil {
		log.L.WithError(err).Fatal("sealboxd failed")
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	log.G(ctx).WithField("version", version.Short()).
		WithField("console", cfg.Console).Info("starting sealboxd")

	if err := preflight(cfg); err != nil {
		return err
	}
	for _, dir := range []string{cfg.RunDir, cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	repos, err := repository.NewManager(ctx, cfg.Repositories)
	if err != nil {
		return err
	}
	if err := mount.PrepareRoot(cfg); err != nil {
		return fmt.Errorf("prepare mount root: %w", err)
	}
	engine, err := mount.NewEngine(cfg)
	if err != nil {
		return err
	}
	st, err := store.Open[lifecycle.Record](filepath.Join(cfg.DataDir, "state.db"), "containers")
	if err != nil {
		return err
	}
	defer st.Close()

	exchange := events.NewExchange()
	rt := lifecycle.NewRuntime(lifecycle.Options{
		Repositories:          repos,
		Mounter:               lifecycle.NewMounter(engine),
		Cgroups:               lifecycle.NewCgroups(cgroup.NewController(cfg.Cgroups)),
		Supervisor:            lifecycle.NewSupervisor(supervisor.New(cfg)),
		Events:                exchange,
		Store:                 st,
		DisableMountNamespace: cfg.Debug.Runtime.DisableMountNamespace,
	})
	if err := rt.Recover(ctx); err != nil {
		return fmt.Errorf("reconcile persisted state: %w", err)
	}

	srv, err := console.Listen(cfg.Console, rt)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.G(ctx).Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("console server: %w", err)
		}
	}

	// Stop accepting commands, then tear containers down in reverse start
	// order.
	srv.Close()
	rt.Shutdown(context.WithoutCancel(ctx))
	log.G(ctx).Info("sealboxd stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// preflight rejects hosts the runtime cannot isolate containers on.
// Without loop devices, device-mapper and real root privileges no container
// could ever be verified or confined, so these abort startup.
func preflight(cfg *config.Config) error {
	if userns.RunningInUserNS() {
		return fmt.Errorf("running inside a user namespace, container isolation is unavailable")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("sealboxd requires root")
	}
	return cfg.ValidateHost()
}
