// Package daemon keeps a binder database continuously up to date.
//
// The daemon:
// 1. Reconciles runs orphaned by an earlier crash
// 2. Watches a drop directory for bulk export files and ingests them
// 3. Optionally triggers periodic remote syncs
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/example/cardbinder/internal/runner"
	"github.com/example/cardbinder/internal/source"
)

// Config holds configuration for the daemon.
type Config struct {
	// WatchDir is scanned for dropped bulk .json files. Empty
	// disables file watching.
	WatchDir string

	// ResyncInterval triggers a remote sync this often. Zero or
	// negative disables periodic syncs.
	ResyncInterval time.Duration

	// DebounceInterval is how long a dropped file must sit quiet
	// before ingestion starts. Large exports are written in many
	// chunks, so this batches the write events together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires file watching and scheduled syncs into a Runner.
type Daemon struct {
	runner *runner.Runner
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon around an existing runner.
func New(r *runner.Runner, config *Config) (*Daemon, error) {
	if r == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		runner:      r,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.WatchDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	return d, nil
}

// Start begins the daemon's operation.
//
// Orphaned runs from a crashed process are reconciled first, then the
// watch and resync loops run until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	reconciled, err := d.runner.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile orphaned runs: %w", err)
	}
	if reconciled > 0 {
		d.config.Logger.Printf("Marked %d orphaned run(s) as failed", reconciled)
	}

	if d.watcher != nil {
		if err := os.MkdirAll(d.config.WatchDir, 0o755); err != nil {
			return fmt.Errorf("failed to create watch directory: %w", err)
		}
		if err := d.watcher.Add(d.config.WatchDir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d.config.WatchDir, err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.WatchDir)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	if d.config.ResyncInterval > 0 {
		d.config.Logger.Printf("Periodic resync every %v", d.config.ResyncInterval)
		d.wg.Add(1)
		go d.resyncLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. An in-flight run is cancelled
// and reaches a terminal failed state before Stop returns.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()
	d.runner.Close()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for a dropped file.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue ingests dropped files once their writes settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests files quiet for a full debounce window.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		d.ingestFile(path)
	}
}

// ingestFile runs a sync from one dropped bulk file. A busy runner
// requeues the file rather than dropping it.
func (d *Daemon) ingestFile(path string) {
	d.config.Logger.Printf("Ingesting dropped file: %s", path)

	runID, err := d.runner.StartFrom(d.ctx, source.NewFileCatalog(path))
	if err != nil {
		if errors.Is(err, runner.ErrSyncInProgress) {
			d.config.Logger.Printf("Sync in progress, requeueing %s", path)
			d.queueChange(path)
			return
		}
		d.config.Logger.Printf("Error ingesting %s: %v", path, err)
		return
	}

	d.config.Logger.Printf("Started run %s for %s", runID, path)
}

// resyncLoop triggers remote syncs on a fixed interval.
func (d *Daemon) resyncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			runID, err := d.runner.Start(d.ctx)
			if err != nil {
				if errors.Is(err, runner.ErrSyncInProgress) {
					d.config.Logger.Println("Skipping scheduled sync: run already in progress")
					continue
				}
				d.config.Logger.Printf("Error starting scheduled sync: %v", err)
				continue
			}
			d.config.Logger.Printf("Started scheduled run %s", runID)
		}
	}
}
