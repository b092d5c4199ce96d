// Package daemon owns the hadi background process lifecycle: it wires
// the change-aggregation engine, the store, the git auto-manager, and
// the IPC server together and tears them down in order on shutdown.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/arif7esat/hadi/internal/commitmsg"
	"github.com/arif7esat/hadi/internal/config"
	"github.com/arif7esat/hadi/internal/gitctl"
	"github.com/arif7esat/hadi/internal/ipc"
	"github.com/arif7esat/hadi/internal/monitor"
	"github.com/arif7esat/hadi/internal/store"
)

// IPCServer is the interface the daemon uses to start and stop the IPC
// listener. This avoids a circular dependency with the ipc package.
type IPCServer interface {
	Listen(ctx context.Context, socketPath string) error
	SetStore(st ipc.StoreQuerier)
	Stop() error
}

// Daemon manages the lifecycle of the hadi background process.
type Daemon struct {
	cfg    *config.Config
	logger *log.Logger
	ipc    IPCServer

	store  *store.Store
	engine *monitor.Aggregator
	git    *gitctl.AutoManager

	startTime time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New creates a Daemon. The IPC server and logger are injected; no
// component reaches for global state.
func New(cfg *config.Config, ipcServer IPCServer, logger *log.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		ipc:    ipcServer,
		logger: logger,
	}
}

// Start opens the store, starts the aggregation engine, the git
// auto-manager, and the IPC server, then blocks until a signal arrives,
// the IPC server fails, or the watch source dies.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.mu.Unlock()

	if err := d.cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.New(d.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = s
	d.ipc.SetStore(s)

	ctx, cancel := signalContext(context.Background())
	d.ctx = ctx
	d.cancel = cancel
	d.startTime = time.Now()

	// The watch source skips excluded directories during the recursive
	// walk; extension filtering applies to files only, so the directory
	// classifier carries no allow-list.
	dirClassifier := monitor.NewClassifier(monitor.ClassifierConfig{
		ExcludeDirs:    d.cfg.Monitor.ExcludeDirs,
		IgnorePatterns: d.cfg.Monitor.IgnorePatterns,
	})
	source, err := monitor.NewFSWatch(d.cfg.WatchPath, dirClassifier.ShouldIgnore)
	if err != nil {
		cancel()
		_ = s.Close()
		return fmt.Errorf("watch source: %w", err)
	}

	d.engine = monitor.New(monitor.Config{
		SettleWindow:  d.cfg.Monitor.SettleWindow.Std(),
		BatchSize:     d.cfg.Monitor.BatchSize,
		BatchInterval: d.cfg.Monitor.BatchInterval.Std(),
		Classifier: monitor.ClassifierConfig{
			ExcludeDirs:       d.cfg.Monitor.ExcludeDirs,
			AllowedExtensions: d.cfg.Monitor.AllowedExtensions,
			IgnorePatterns:    d.cfg.Monitor.IgnorePatterns,
		},
	}, source, d.logger)

	// Every delivered batch is recorded.
	d.engine.Subscribe(func(b monitor.Batch) {
		if _, err := s.InsertBatch(b); err != nil {
			d.logger.Printf("daemon: record batch: %v", err)
		}
	})

	// Git auto-commit, when the watch path is a repository.
	if d.cfg.Git.Enabled {
		repo, err := gitctl.Open(d.cfg.WatchPath)
		if err != nil {
			d.logger.Printf("daemon: git disabled (not a repo?): %v", err)
		} else {
			gen := commitmsg.New(d.cfg.AI, d.logger)
			d.git = gitctl.NewAutoManager(d.cfg.Git, repo, gen, s, d.logger)
			d.engine.Subscribe(d.git.HandleBatch)
		}
	}

	if err := d.engine.Start(); err != nil {
		cancel()
		_ = source.Close()
		_ = s.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	if d.git != nil {
		d.git.Start()
	}

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	ipcErrCh := make(chan error, 1)
	go func() {
		ipcErrCh <- d.ipc.Listen(d.ctx, d.cfg.SocketPath)
	}()

	d.logger.Printf("daemon started (pid %d, watching %s, db %s, socket %s)",
		os.Getpid(), d.cfg.WatchPath, d.cfg.DBPath, d.cfg.SocketPath)

	var runErr error
	select {
	case <-d.ctx.Done():
		d.logger.Printf("daemon: shutdown signal received")
	case err := <-ipcErrCh:
		if err != nil {
			d.logger.Printf("daemon: IPC server error: %v", err)
			runErr = err
		}
	case <-d.engine.Done():
		if err := d.engine.Err(); err != nil {
			d.logger.Printf("daemon: watch source failed: %v", err)
			runErr = err
		}
	}

	if err := d.shutdown(); err != nil {
		return err
	}
	return runErr
}

// Stop triggers a graceful shutdown from outside (e.g. the IPC stop
// command).
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// shutdown performs ordered teardown: engine first (drains the pending
// accumulation into one final batch to all subscribers), then the git
// manager (final commit and push), then IPC, store, and socket cleanup.
func (d *Daemon) shutdown() error {
	d.logger.Printf("daemon: shutting down...")

	if d.engine != nil {
		if err := d.engine.Stop(); err != nil {
			d.logger.Printf("daemon: engine stop: %v", err)
		}
	}

	if d.git != nil {
		d.git.Stop()
	}

	if d.ipc != nil {
		if err := d.ipc.Stop(); err != nil {
			d.logger.Printf("daemon: ipc stop: %v", err)
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Printf("daemon: store close: %v", err)
		}
	}

	_ = os.Remove(d.cfg.SocketPath)

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	d.logger.Printf("daemon stopped")
	return nil
}

// Running returns true if the daemon is currently running.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Uptime returns how long the daemon has been running.
func (d *Daemon) Uptime() time.Duration {
	if d.startTime.IsZero() {
		return 0
	}
	return time.Since(d.startTime)
}

// WatchPath returns the monitored directory root.
func (d *Daemon) WatchPath() string {
	return d.cfg.WatchPath
}

// EngineStats returns a snapshot of the aggregation engine counters.
func (d *Daemon) EngineStats() monitor.AggregatorStats {
	if d.engine == nil {
		return monitor.AggregatorStats{}
	}
	return d.engine.Stats()
}

// PendingCommitFiles returns the number of files awaiting auto-commit.
func (d *Daemon) PendingCommitFiles() int {
	if d.git == nil {
		return 0
	}
	return d.git.Pending()
}

// ForceFlush flushes the engine's pending batch accumulation.
func (d *Daemon) ForceFlush() error {
	if d.engine == nil {
		return fmt.Errorf("engine not running")
	}
	d.engine.Flush()
	return nil
}

// ForceCommit commits all pending changes immediately. A non-empty
// message overrides generation.
func (d *Daemon) ForceCommit(ctx context.Context, message string) (string, error) {
	if d.git == nil {
		return "", fmt.Errorf("git integration is not active")
	}
	// Flush first so just-settled changes make it into the commit.
	if d.engine != nil {
		d.engine.Flush()
	}
	return d.git.CommitNow(ctx, message)
}

// ForcePush pushes unpushed commits immediately.
func (d *Daemon) ForcePush(ctx context.Context) error {
	if d.git == nil {
		return fmt.Errorf("git integration is not active")
	}
	return d.git.PushNow(ctx)
}
