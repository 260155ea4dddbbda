package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// RunStatus is the lifecycle state of a sync run.
// Transitions are monotone: pending -> running -> {completed, failed}.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ErrRunNotFound is returned when no sync run matches the requested ID.
var ErrRunNotFound = errors.New("sync run not found")

// ErrClaimHeld is returned when another live run holds the sync claim.
var ErrClaimHeld = errors.New("sync claim held by another run")

// Run is one row of the sync_runs table: a single ingestion attempt.
type Run struct {
	ID             string     `json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         RunStatus  `json:"status"`
	TotalCount     int64      `json:"total_count"` // -1 while unknown
	ProcessedCount int64      `json:"processed_count"`
	InsertedCount  int64      `json:"inserted_count"`
	UpdatedCount   int64      `json:"updated_count"`
	UnchangedCount int64      `json:"unchanged_count"`
	ErrorCount     int64      `json:"error_count"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// ProgressPercentage returns the rounded completion percentage.
// The second return is false while the total is unknown (indeterminate).
func (r *Run) ProgressPercentage() (int, bool) {
	if r.TotalCount <= 0 {
		return 0, false
	}
	pct := math.Round(100 * float64(r.ProcessedCount) / float64(r.TotalCount))
	return int(pct), true
}

// RunProgress is a per-batch counter checkpoint.
type RunProgress struct {
	Processed int64
	Inserted  int64
	Updated   int64
	Unchanged int64
	Errors    int64
}

// CreateRun inserts a new pending run row.
func (s *Store) CreateRun(ctx context.Context, runID string) (*Run, error) {
	now := time.Now().UTC()
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_runs (id, started_at, status) VALUES (?, ?, ?)
	`, runID, now.Format(time.RFC3339Nano), string(RunPending))
	if err != nil {
		return nil, fmt.Errorf("failed to create sync run %s: %w", runID, err)
	}

	return &Run{
		ID:         runID,
		StartedAt:  now,
		Status:     RunPending,
		TotalCount: -1,
	}, nil
}

// MarkRunning transitions a pending run to running.
// Terminal runs are never touched.
func (s *Store) MarkRunning(ctx context.Context, runID string) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_runs SET status = ? WHERE id = ? AND status = ?
	`, string(RunRunning), runID, string(RunPending))
	if err != nil {
		return fmt.Errorf("failed to mark run %s running: %w", runID, err)
	}
	return nil
}

// SetRunTotal records the declared record count once the source reports it.
func (s *Store) SetRunTotal(ctx context.Context, runID string, total int64) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_runs SET total_count = ? WHERE id = ?
	`, total, runID)
	if err != nil {
		return fmt.Errorf("failed to set total for run %s: %w", runID, err)
	}
	return nil
}

// UpdateRunProgress persists a batch-boundary counter checkpoint.
//
// The whole row is replaced in one statement, so a concurrent reader
// never observes a partially-written update. Counts only grow while a
// run is live; callers pass cumulative values.
func (s *Store) UpdateRunProgress(ctx context.Context, runID string, p RunProgress) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_runs SET
		processed_count = ?,
		inserted_count = ?,
		updated_count = ?,
		unchanged_count = ?,
		error_count = ?
	WHERE id = ? AND status = ?
	`, p.Processed, p.Inserted, p.Updated, p.Unchanged, p.Errors,
		runID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("failed to update progress for run %s: %w", runID, err)
	}
	return nil
}

// FinishRun freezes a run at a terminal status.
//
// completed_at is always set, and an already-terminal run is left
// untouched so status transitions stay monotone.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish run %s with non-terminal status %q", runID, status)
	}

	_, err := s.conn.ExecContext(ctx, `
	UPDATE sync_runs SET status = ?, completed_at = ?, error_message = ?
	WHERE id = ? AND status NOT IN (?, ?)
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), nullString(errMsg),
		runID, string(RunCompleted), string(RunFailed))
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// GetRun retrieves a snapshot of a single run.
// Safe to call concurrently with a running sync.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.conn.QueryRowContext(ctx, runSelect+` WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// LatestRun returns the most recently started run, or ErrRunNotFound
// when no sync has ever been attempted.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	row := s.conn.QueryRowContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

const runSelect = `
	SELECT id, started_at, completed_at, status, total_count,
	       processed_count, inserted_count, updated_count,
	       unchanged_count, error_count, error_message
	FROM sync_runs`

// scanRow abstracts sql.Row and sql.Rows for scanRun.
type scanRow interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanRow) (*Run, error) {
	var run Run
	var startedAt string
	var completedAt, errMsg sql.NullString
	var total sql.NullInt64

	err := row.Scan(
		&run.ID,
		&startedAt,
		&completedAt,
		&run.Status,
		&total,
		&run.ProcessedCount,
		&run.InsertedCount,
		&run.UpdatedCount,
		&run.UnchangedCount,
		&run.ErrorCount,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		run.StartedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			run.CompletedAt = &t
		}
	}

	run.TotalCount = -1
	if total.Valid {
		run.TotalCount = total.Int64
	}
	run.ErrorMessage = errMsg.String

	return &run, nil
}

// TryClaim acquires the single-row sync claim for a run.
//
// The claim is a store row rather than an in-process lock so the
// at-most-one-running-sync guarantee holds across process restarts.
// A claim whose run has reached a terminal status, or whose holder is
// older than staleAfter (a crashed process), is taken over. Returns
// ErrClaimHeld when a live run holds the claim.
func (s *Store) TryClaim(ctx context.Context, runID string, staleAfter time.Duration) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var holderID string
	var claimedAt string
	var holderStatus sql.NullString
	err = tx.QueryRowContext(ctx, `
	SELECT c.run_id, c.claimed_at, r.status
	FROM sync_claim c
	LEFT JOIN sync_runs r ON r.id = c.run_id
	WHERE c.id = 1
	`).Scan(&holderID, &claimedAt, &holderStatus)

	now := time.Now().UTC()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_claim (id, run_id, claimed_at) VALUES (1, ?, ?)
		`, runID, now.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to insert sync claim: %w", err)
		}

	case err != nil:
		return fmt.Errorf("failed to read sync claim: %w", err)

	default:
		if !claimTakeable(holderStatus, claimedAt, now, staleAfter) {
			return ErrClaimHeld
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE sync_claim SET run_id = ?, claimed_at = ? WHERE id = 1
		`, runID, now.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to take over sync claim: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync claim: %w", err)
	}
	return nil
}

// claimTakeable decides whether an existing claim can be taken over.
func claimTakeable(holderStatus sql.NullString, claimedAt string, now time.Time, staleAfter time.Duration) bool {
	// Holder run row missing entirely: orphaned claim.
	if !holderStatus.Valid {
		return true
	}
	if RunStatus(holderStatus.String).Terminal() {
		return true
	}
	if staleAfter > 0 {
		if t, err := time.Parse(time.RFC3339Nano, claimedAt); err == nil {
			if now.Sub(t) > staleAfter {
				return true
			}
		}
	}
	return false
}

// ReleaseClaim drops the sync claim if this run still holds it.
// Idempotent.
func (s *Store) ReleaseClaim(ctx context.Context, runID string) error {
	_, err := s.conn.ExecContext(ctx, `
	DELETE FROM sync_claim WHERE id = 1 AND run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("failed to release sync claim: %w", err)
	}
	return nil
}

// ReconcileOrphans finalizes runs stuck in a non-terminal status longer
// than staleAfter. Such runs belong to a process that crashed mid-sync;
// they are marked failed and their claim released so a new run can start.
// Returns the number of runs reconciled.
func (s *Store) ReconcileOrphans(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339Nano)

	res, err := s.conn.ExecContext(ctx, `
	UPDATE sync_runs SET
		status = ?,
		completed_at = ?,
		error_message = 'orphaned: process exited before the run finished'
	WHERE status IN (?, ?) AND started_at < ?
	`, string(RunFailed), time.Now().UTC().Format(time.RFC3339Nano),
		string(RunPending), string(RunRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile orphaned runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reconciled runs: %w", err)
	}

	// Drop any claim whose run is now terminal.
	if _, err := s.conn.ExecContext(ctx, `
	DELETE FROM sync_claim WHERE run_id IN (
		SELECT id FROM sync_runs WHERE status IN (?, ?)
	)
	`, string(RunCompleted), string(RunFailed)); err != nil {
		return 0, fmt.Errorf("failed to release orphaned claims: %w", err)
	}

	return int(n), nil
}

// CountRunsByStatus returns how many runs currently have the given status.
func (s *Store) CountRunsByStatus(ctx context.Context, status RunStatus) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_runs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s runs: %w", status, err)
	}
	return n, nil
}
