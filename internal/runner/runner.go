// Package runner owns the lifecycle of a sync run.
//
// A run moves pending -> running -> {completed, failed} and never leaves
// a terminal state. Triggering a run returns its ID immediately; the
// fetch and batch loop execute on a dedicated worker goroutine, with the
// sync_runs table as the only channel between the worker and observers.
// At most one run may be live system-wide, enforced by a claim row in
// the store so the guarantee survives process restarts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/cardbinder/internal/ingest"
	"github.com/example/cardbinder/internal/source"
	"github.com/example/cardbinder/internal/store"
)

// ErrSyncInProgress is returned by Start when another run is already
// live. It is surfaced synchronously to the trigger caller and never
// written into a run row.
var ErrSyncInProgress = errors.New("a sync run is already in progress")

// DefaultClaimStaleAfter is how old a claim must be before a new run
// may take it over from a presumed-dead process.
const DefaultClaimStaleAfter = time.Hour

// Event is a progress notification emitted at run boundaries and batch
// checkpoints.
type Event struct {
	Type      string          `json:"type"` // run_started, progress, run_finished
	RunID     string          `json:"run_id"`
	Status    store.RunStatus `json:"status,omitempty"`
	Processed int64           `json:"processed,omitempty"`
	Total     int64           `json:"total,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Config holds configuration for a Runner.
type Config struct {
	// BatchSize is passed through to the ingestor (default 1000).
	BatchSize int

	// MaxConsecutiveErrors is passed through to the ingestor.
	MaxConsecutiveErrors int

	// ClaimStaleAfter bounds how long a dead process can hold the
	// sync claim (default one hour).
	ClaimStaleAfter time.Duration

	// Notify, if non-nil, receives run lifecycle and progress events.
	Notify func(Event)

	// Logger for run activity. Nil means a stderr default.
	Logger *log.Logger
}

// Runner triggers and tracks sync runs against one store and catalog.
type Runner struct {
	store   *store.Store
	catalog source.Catalog

	batchSize      int
	maxConsecutive int
	claimStale     time.Duration
	notify         func(Event)
	logger         *log.Logger

	mu     sync.Mutex
	active bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runner. The catalog is the default source used by
// Start; StartFrom can substitute another (e.g. a local file).
func New(st *store.Store, catalog source.Catalog, cfg *Config) *Runner {
	if cfg == nil {
		cfg = &Config{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[runner] ", log.LstdFlags)
	}

	claimStale := cfg.ClaimStaleAfter
	if claimStale <= 0 {
		claimStale = DefaultClaimStaleAfter
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		store:          st,
		catalog:        catalog,
		batchSize:      cfg.BatchSize,
		maxConsecutive: cfg.MaxConsecutiveErrors,
		claimStale:     claimStale,
		notify:         cfg.Notify,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start triggers a run against the default catalog.
//
// It returns the new run ID as soon as the run row and claim exist; the
// fetch and ingest happen in the background. Returns ErrSyncInProgress
// when another run is live.
func (r *Runner) Start(ctx context.Context) (string, error) {
	return r.StartFrom(ctx, r.catalog)
}

// StartFrom triggers a run against an explicit catalog.
func (r *Runner) StartFrom(ctx context.Context, cat source.Catalog) (string, error) {
	if cat == nil {
		return "", fmt.Errorf("no catalog configured")
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return "", ErrSyncInProgress
	}

	runID := uuid.NewString()

	if err := r.store.TryClaim(ctx, runID, r.claimStale); err != nil {
		r.mu.Unlock()
		if errors.Is(err, store.ErrClaimHeld) {
			return "", ErrSyncInProgress
		}
		return "", fmt.Errorf("failed to claim sync: %w", err)
	}

	if _, err := r.store.CreateRun(ctx, runID); err != nil {
		_ = r.store.ReleaseClaim(ctx, runID)
		r.mu.Unlock()
		return "", err
	}

	r.active = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(runID, cat)

	return runID, nil
}

// run executes one sync end to end on the worker goroutine.
// Every exit path reaches a terminal status and releases the claim.
func (r *Runner) run(runID string, cat source.Catalog) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		r.active = false
		r.mu.Unlock()
	}()

	ctx := r.ctx
	start := time.Now()

	if err := r.store.MarkRunning(ctx, runID); err != nil {
		r.finish(runID, store.RunFailed, err.Error())
		return
	}
	r.emit(Event{Type: "run_started", RunID: runID, Status: store.RunRunning})
	r.logger.Printf("Run %s started", runID)

	manifest, err := cat.FetchManifest(ctx)
	if err != nil {
		r.logger.Printf("Run %s: manifest fetch failed: %v", runID, err)
		r.finish(runID, store.RunFailed, err.Error())
		return
	}

	total := manifest.Size
	if total <= 0 {
		total = -1
	}

	stream, err := cat.StreamRecords(ctx, manifest.DownloadURI)
	if err != nil {
		r.logger.Printf("Run %s: stream open failed: %v", runID, err)
		r.finish(runID, store.RunFailed, err.Error())
		return
	}
	defer stream.Close()

	ingestor := ingest.New(r.store, &ingest.Config{
		BatchSize:            r.batchSize,
		MaxConsecutiveErrors: r.maxConsecutive,
		Logger:               r.logger,
		Notify: func(processed, total int64) {
			r.emit(Event{
				Type:      "progress",
				RunID:     runID,
				Status:    store.RunRunning,
				Processed: processed,
				Total:     total,
			})
		},
	})

	res, err := ingestor.Ingest(ctx, runID, stream, total)
	if err != nil {
		r.logger.Printf("Run %s failed after %v: %v", runID, time.Since(start).Round(time.Millisecond), err)
		r.finish(runID, store.RunFailed, err.Error())
		return
	}

	r.logger.Printf("Run %s completed in %v: processed=%d inserted=%d updated=%d unchanged=%d errors=%d",
		runID, time.Since(start).Round(time.Millisecond),
		res.Processed, res.Inserted, res.Updated, res.Unchanged, res.Errors)
	r.finish(runID, store.RunCompleted, "")
}

// finish freezes the run at a terminal status and releases the claim.
// A fresh context is used so shutdown cancellation cannot leave the run
// stuck in a non-terminal state.
func (r *Runner) finish(runID string, status store.RunStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.store.FinishRun(ctx, runID, status, errMsg); err != nil {
		r.logger.Printf("ERROR: failed to finalize run %s: %v", runID, err)
	}
	if err := r.store.ReleaseClaim(ctx, runID); err != nil {
		r.logger.Printf("ERROR: failed to release claim for run %s: %v", runID, err)
	}

	r.emit(Event{Type: "run_finished", RunID: runID, Status: status, Error: errMsg})
}

func (r *Runner) emit(ev Event) {
	if r.notify != nil {
		r.notify(ev)
	}
}

// Status returns a read-only snapshot of one run.
// Safe to call concurrently with a running sync.
func (r *Runner) Status(ctx context.Context, runID string) (*store.Run, error) {
	return r.store.GetRun(ctx, runID)
}

// Latest returns the most recently started run.
func (r *Runner) Latest(ctx context.Context) (*store.Run, error) {
	return r.store.LatestRun(ctx)
}

// ReconcileOrphans finalizes runs left non-terminal by a crashed
// process. Called at startup before accepting new triggers.
func (r *Runner) ReconcileOrphans(ctx context.Context) (int, error) {
	return r.store.ReconcileOrphans(ctx, r.claimStale)
}

// Wait blocks until any in-flight run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close cancels any in-flight run and waits for the worker to exit.
// The cancelled run reaches terminal failed state before Close returns.
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}
