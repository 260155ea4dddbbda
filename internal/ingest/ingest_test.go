package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/example/cardbinder/internal/schema"
	"github.com/example/cardbinder/internal/store"
)

// fakeStream replays a fixed sequence of records and errors.
type fakeStream struct {
	items []streamItem
	pos   int
}

type streamItem struct {
	card *schema.Card
	err  error
}

func (f *fakeStream) Next() (*schema.Card, error) {
	if f.pos >= len(f.items) {
		return nil, io.EOF
	}
	item := f.items[f.pos]
	f.pos++
	return item.card, item.err
}

func (f *fakeStream) Close() error { return nil }

func cardItem(i int) streamItem {
	return streamItem{card: &schema.Card{
		ID:   fmt.Sprintf("card-%04d", i),
		Name: fmt.Sprintf("Card %d", i),
	}}
}

func badItem(i int) streamItem {
	return streamItem{err: &schema.ParseError{Index: i, Err: errors.New("bad record")}}
}

// testRun opens a store with a running sync row ready for ingestion.
func testRun(t *testing.T) (*store.Store, string) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := st.CreateRun(ctx, "run-1"); err != nil {
		t.Fatalf("CreateRun() failed: %v", err)
	}
	if err := st.MarkRunning(ctx, "run-1"); err != nil {
		t.Fatalf("MarkRunning() failed: %v", err)
	}
	return st, "run-1"
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// TestIngest_Checkpoints tests that progress is persisted at every
// batch boundary plus once at the end of the stream.
func TestIngest_Checkpoints(t *testing.T) {
	st, runID := testRun(t)

	var items []streamItem
	for i := 0; i < 2500; i++ {
		items = append(items, cardItem(i))
	}

	var seen []int64
	ing := New(st, &Config{
		BatchSize: 1000,
		Logger:    quietLogger(),
		Notify: func(processed, total int64) {
			seen = append(seen, processed)
		},
	})

	res, err := ing.Ingest(context.Background(), runID, &fakeStream{items: items}, 2500)
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}

	if res.Processed != 2500 || res.Inserted != 2500 {
		t.Errorf("result = %+v, want 2500 processed and inserted", res)
	}

	want := []int64{1000, 2000, 2500}
	if len(seen) != len(want) {
		t.Fatalf("checkpoints = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("checkpoint %d = %d, want %d", i, seen[i], want[i])
		}
	}

	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if run.ProcessedCount != 2500 {
		t.Errorf("persisted ProcessedCount = %d, want 2500", run.ProcessedCount)
	}
	if run.TotalCount != 2500 {
		t.Errorf("persisted TotalCount = %d, want 2500", run.TotalCount)
	}
}

// TestIngest_CountsApplyOutcomes tests the inserted/updated/unchanged
// split across two passes over overlapping data.
func TestIngest_CountsApplyOutcomes(t *testing.T) {
	st, runID := testRun(t)
	ctx := context.Background()
	ing := New(st, &Config{Logger: quietLogger()})

	first := []streamItem{cardItem(0), cardItem(1), cardItem(2)}
	if _, err := ing.Ingest(ctx, runID, &fakeStream{items: first}, -1); err != nil {
		t.Fatalf("first Ingest() failed: %v", err)
	}

	// Second pass: one record changed, two identical.
	changed := cardItem(0)
	changed.card.OracleText = "Now does something."
	second := []streamItem{changed, cardItem(1), cardItem(2)}

	res, err := ing.Ingest(ctx, runID, &fakeStream{items: second}, -1)
	if err != nil {
		t.Fatalf("second Ingest() failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("Updated = %d, want 1", res.Updated)
	}
	if res.Unchanged != 2 {
		t.Errorf("Unchanged = %d, want 2", res.Unchanged)
	}
	if res.Inserted != 0 {
		t.Errorf("Inserted = %d, want 0", res.Inserted)
	}
}

// TestIngest_SkipsBadRecords tests that malformed records are tallied
// and skipped without failing the run.
func TestIngest_SkipsBadRecords(t *testing.T) {
	st, runID := testRun(t)

	items := []streamItem{cardItem(0), badItem(1), cardItem(2), badItem(3), cardItem(4)}
	ing := New(st, &Config{Logger: quietLogger()})

	res, err := ing.Ingest(context.Background(), runID, &fakeStream{items: items}, -1)
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if res.Processed != 5 {
		t.Errorf("Processed = %d, want 5", res.Processed)
	}
	if res.Inserted != 3 {
		t.Errorf("Inserted = %d, want 3", res.Inserted)
	}
	if res.Errors != 2 {
		t.Errorf("Errors = %d, want 2", res.Errors)
	}
}

// TestIngest_ConsecutiveErrorEscalation tests the abort threshold.
func TestIngest_ConsecutiveErrorEscalation(t *testing.T) {
	st, runID := testRun(t)

	var items []streamItem
	items = append(items, cardItem(0))
	for i := 1; i <= 10; i++ {
		items = append(items, badItem(i))
	}
	items = append(items, cardItem(11))

	ing := New(st, &Config{MaxConsecutiveErrors: 5, Logger: quietLogger()})

	res, err := ing.Ingest(context.Background(), runID, &fakeStream{items: items}, -1)
	if err == nil {
		t.Fatal("Ingest() succeeded, want consecutive-error abort")
	}
	if res.Errors != 5 {
		t.Errorf("Errors = %d, want 5 at abort", res.Errors)
	}

	// The abort checkpointed the partial counters.
	run, getErr := st.GetRun(context.Background(), runID)
	if getErr != nil {
		t.Fatalf("GetRun() failed: %v", getErr)
	}
	if run.ProcessedCount != res.Processed {
		t.Errorf("persisted ProcessedCount = %d, want %d", run.ProcessedCount, res.Processed)
	}
}

// TestIngest_GoodRecordResetsStreak tests that interleaved successes
// keep a noisy stream below the abort threshold.
func TestIngest_GoodRecordResetsStreak(t *testing.T) {
	st, runID := testRun(t)

	var items []streamItem
	for i := 0; i < 20; i++ {
		items = append(items, badItem(i), cardItem(i))
	}

	ing := New(st, &Config{MaxConsecutiveErrors: 2, Logger: quietLogger()})

	res, err := ing.Ingest(context.Background(), runID, &fakeStream{items: items}, -1)
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if res.Errors != 20 || res.Inserted != 20 {
		t.Errorf("result = %+v, want 20 errors and 20 inserted", res)
	}
}

// cancelAfterStream cancels the run context once n records have been
// served, simulating a shutdown mid-stream.
type cancelAfterStream struct {
	fakeStream
	after  int
	cancel context.CancelFunc
}

func (c *cancelAfterStream) Next() (*schema.Card, error) {
	if c.pos >= c.after {
		c.cancel()
	}
	return c.fakeStream.Next()
}

// TestIngest_CancelCheckpointsProgress tests that cancellation still
// persists the counters accumulated so far, even though the run
// context can no longer carry the write.
func TestIngest_CancelCheckpointsProgress(t *testing.T) {
	st, runID := testRun(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := &cancelAfterStream{
		fakeStream: fakeStream{items: []streamItem{
			cardItem(0), cardItem(1), cardItem(2), cardItem(3),
		}},
		after:  2,
		cancel: cancel,
	}

	ing := New(st, &Config{Logger: quietLogger()})

	res, err := ing.Ingest(ctx, runID, stream, -1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ingest() error = %v, want context.Canceled", err)
	}
	if res.Processed != 3 {
		t.Errorf("Processed = %d, want 3 before cancellation", res.Processed)
	}

	run, getErr := st.GetRun(context.Background(), runID)
	if getErr != nil {
		t.Fatalf("GetRun() failed: %v", getErr)
	}
	if run.ProcessedCount != res.Processed {
		t.Errorf("persisted ProcessedCount = %d, want %d", run.ProcessedCount, res.Processed)
	}
}

// TestIngest_StreamFailure tests that a broken stream fails the run
// with the partial counters checkpointed.
func TestIngest_StreamFailure(t *testing.T) {
	st, runID := testRun(t)

	items := []streamItem{
		cardItem(0), cardItem(1),
		{err: errors.New("connection reset")},
	}
	ing := New(st, &Config{Logger: quietLogger()})

	res, err := ing.Ingest(context.Background(), runID, &fakeStream{items: items}, -1)
	if err == nil {
		t.Fatal("Ingest() succeeded on a broken stream")
	}
	if res.Processed != 2 {
		t.Errorf("Processed = %d, want 2", res.Processed)
	}

	run, getErr := st.GetRun(context.Background(), runID)
	if getErr != nil {
		t.Fatalf("GetRun() failed: %v", getErr)
	}
	if run.ProcessedCount != 2 {
		t.Errorf("persisted ProcessedCount = %d, want 2", run.ProcessedCount)
	}
}
