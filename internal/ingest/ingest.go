// Package ingest drives the batch loop of a sync run.
//
// Records are pulled lazily from the source stream and applied one at a
// time; progress is checkpointed to the run row at fixed batch
// boundaries. A crash mid-batch therefore loses at most one batch of
// progress visibility, never the whole run. Per-record failures are
// tallied and skipped; only a broken stream, storage unavailability, or
// a long streak of consecutive record errors aborts the run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/example/cardbinder/internal/schema"
	"github.com/example/cardbinder/internal/source"
	"github.com/example/cardbinder/internal/store"
)

// DefaultBatchSize is the number of records per progress checkpoint.
const DefaultBatchSize = 1000

// DefaultMaxConsecutiveErrors is the error streak that escalates to run
// failure. A streak this long means the stream or the store is broken,
// not the records.
const DefaultMaxConsecutiveErrors = 50

// Config holds configuration for an Ingestor.
type Config struct {
	// BatchSize is the progress checkpoint interval in records.
	BatchSize int

	// MaxConsecutiveErrors escalates to run failure when this many
	// records fail in a row. Zero means the default; negative
	// disables escalation.
	MaxConsecutiveErrors int

	// Notify, if non-nil, is invoked after every checkpoint with the
	// cumulative processed count and the declared total (-1 when
	// unknown).
	Notify func(processed, total int64)

	// Logger for ingestion activity. Nil means a stderr default.
	Logger *log.Logger
}

// Ingestor batches a record stream into the store.
type Ingestor struct {
	store          *store.Store
	batchSize      int
	maxConsecutive int
	notify         func(processed, total int64)
	logger         *log.Logger
}

// Result holds the cumulative counters of one ingestion.
type Result struct {
	Processed int64
	Inserted  int64
	Updated   int64
	Unchanged int64
	Errors    int64
}

// New creates an Ingestor writing to the given store.
func New(st *store.Store, cfg *Config) *Ingestor {
	if cfg == nil {
		cfg = &Config{}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	maxConsecutive := cfg.MaxConsecutiveErrors
	if maxConsecutive == 0 {
		maxConsecutive = DefaultMaxConsecutiveErrors
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[ingest] ", log.LstdFlags)
	}

	return &Ingestor{
		store:          st,
		batchSize:      batchSize,
		maxConsecutive: maxConsecutive,
		notify:         cfg.Notify,
		logger:         logger,
	}
}

// Ingest consumes the stream to exhaustion, applying every record and
// checkpointing the run's counters each batch.
//
// total is the declared record count (-1 when unknown); it is persisted
// on the run row before the first record is processed. The returned
// Result is valid even when an error is returned.
func (ing *Ingestor) Ingest(ctx context.Context, runID string, stream source.RecordStream, total int64) (*Result, error) {
	if total > 0 {
		if err := ing.store.SetRunTotal(ctx, runID, total); err != nil {
			return &Result{}, err
		}
	}

	res := &Result{}
	consecutive := 0
	inBatch := 0

	for {
		if err := ctx.Err(); err != nil {
			// The run context is gone; checkpoint on a fresh one so the
			// counters accumulated so far still land in the run row.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ing.checkpoint(flushCtx, runID, res, total)
			cancel()
			return res, err
		}

		card, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		var parseErr *schema.ParseError
		switch {
		case errors.As(err, &parseErr):
			res.Errors++
			consecutive++
			ing.logger.Printf("WARNING: skipping record: %v", parseErr)

		case err != nil:
			// The stream itself broke; nothing further can arrive.
			ing.checkpoint(ctx, runID, res, total)
			return res, fmt.Errorf("record stream failed: %w", err)

		default:
			applied, applyErr := ing.store.ApplyCard(ctx, card)
			if applyErr != nil {
				res.Errors++
				consecutive++
				ing.logger.Printf("WARNING: failed to apply card %s: %v", card.ID, applyErr)
			} else {
				consecutive = 0
				switch applied {
				case store.ApplyInserted:
					res.Inserted++
				case store.ApplyUpdated:
					res.Updated++
				default:
					res.Unchanged++
				}
			}
		}

		res.Processed++
		inBatch++

		if ing.maxConsecutive > 0 && consecutive >= ing.maxConsecutive {
			ing.checkpoint(ctx, runID, res, total)
			return res, fmt.Errorf("aborted after %d consecutive record errors", consecutive)
		}

		if inBatch >= ing.batchSize {
			if err := ing.checkpoint(ctx, runID, res, total); err != nil {
				return res, err
			}
			inBatch = 0
		}
	}

	if err := ing.checkpoint(ctx, runID, res, total); err != nil {
		return res, err
	}

	ing.logger.Printf("Ingest complete: processed=%d inserted=%d updated=%d unchanged=%d errors=%d",
		res.Processed, res.Inserted, res.Updated, res.Unchanged, res.Errors)

	return res, nil
}

// checkpoint persists the cumulative counters and notifies observers.
func (ing *Ingestor) checkpoint(ctx context.Context, runID string, res *Result, total int64) error {
	err := ing.store.UpdateRunProgress(ctx, runID, store.RunProgress{
		Processed: res.Processed,
		Inserted:  res.Inserted,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Errors:    res.Errors,
	})
	if err != nil {
		return fmt.Errorf("failed to checkpoint progress: %w", err)
	}

	if total > 0 {
		ing.logger.Printf("Processed %d/%d records (%.1f%%)",
			res.Processed, total, 100*float64(res.Processed)/float64(total))
	} else {
		ing.logger.Printf("Processed %d records", res.Processed)
	}

	if ing.notify != nil {
		ing.notify(res.Processed, total)
	}

	return nil
}
