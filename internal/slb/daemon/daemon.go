// Package daemon implements the slb notary daemon: the IPC server, the
// event bus, the store watcher, and the timeout scheduler.
//
// The daemon is optional.  All state lives in SQLite; the CLI works without
// a daemon and loses only push notifications, timeout enforcement between
// invocations, and unattended approvals.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/slb/internal/slb/classify"
	"github.com/bdobrica/slb/internal/slb/config"
	"github.com/bdobrica/slb/internal/slb/gate"
	"github.com/bdobrica/slb/internal/slb/notify"
	"github.com/bdobrica/slb/internal/slb/review"
	"github.com/bdobrica/slb/internal/slb/session"
	"github.com/bdobrica/slb/internal/slb/snapshot"
	"github.com/bdobrica/slb/internal/slb/store"
)

// Daemon wires the long-running components for one project.
type Daemon struct {
	cfg     *config.Config
	store   *store.Store
	project string
	dbPath  string

	sessions  *session.Registry
	engine    *review.Engine
	gate      *gate.Gate
	bus       *Bus
	server    *Server
	scheduler *Scheduler
	watcher   *Watcher

	socketPath string
	pidPath    string
}

// New assembles a Daemon for the project rooted at projectPath.
func New(cfg *config.Config, s *store.Store, projectPath, dbPath string) (*Daemon, error) {
	policy, err := classify.Load(context.Background(), cfg, s)
	if err != nil {
		return nil, err
	}

	bus := NewBus(cfg.Daemon.SubscriberQueueSize)
	// Events go to the bus and the daemon log.
	sink := notify.Multi{bus, notify.Slog{}}

	sessions := session.New(s)
	engine := review.New(s, sessions, cfg, sink)
	g := gate.New(s, sessions, policy, sink)
	cache := snapshot.New(filepath.Join(config.ProjectDir(projectPath), "requests"), s, cfg.General.EscalatedTerminal)

	d := &Daemon{
		cfg:        cfg,
		store:      s,
		project:    projectPath,
		dbPath:     dbPath,
		sessions:   sessions,
		engine:     engine,
		gate:       g,
		bus:        bus,
		scheduler:  NewScheduler(s, cfg, engine, sessions, cache, sink, projectPath),
		watcher:    NewWatcher(s, dbPath, cfg.Debounce(), sink),
		socketPath: config.SocketPath(cfg),
		pidPath:    config.PIDPath(),
	}
	d.server = NewServer(s, sessions, g, bus, projectPath)
	return d, nil
}

// SocketPath returns the socket the daemon listens on.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

// Run serves until ctx is cancelled or a fatal component error occurs.  A
// second daemon on the same pid file refuses to start rather than stealing
// the socket of the one already running.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(d.pidPath), 0o755); err != nil {
		return err
	}
	if err := ensureNotRunning(d.pidPath); err != nil {
		return err
	}
	if err := WritePIDFile(d.pidPath); err != nil {
		return err
	}
	defer RemovePIDFile(d.pidPath)

	ln, err := ListenUnix(d.socketPath)
	if err != nil {
		return err
	}
	defer os.Remove(d.socketPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("daemon started",
		"project", d.project, "socket", d.socketPath, "pid", os.Getpid())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.Serve(ctx, ln, false, nil) })
	g.Go(func() error { return d.scheduler.Run(ctx) })
	g.Go(func() error { return d.watcher.Run(ctx) })
	g.Go(func() error { return d.handleReload(ctx) })

	if d.cfg.Daemon.TCPEnabled {
		tcpLn, err := ListenTCP(d.cfg.Daemon.TCPAddr)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return d.server.Serve(ctx, tcpLn, true, d.cfg.Daemon.TCPAllowedIPs)
		})
	}

	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	slog.Info("daemon stopped")
	return err
}

// handleReload recompiles the policy on SIGHUP.
func (d *Daemon) handleReload(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			policy, err := classify.Load(ctx, d.cfg, d.store)
			if err != nil {
				slog.Error("policy reload failed, keeping previous policy", "err", err)
				continue
			}
			d.gate.SetPolicy(policy)
			slog.Info("policy reloaded")
		}
	}
}
