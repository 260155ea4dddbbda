package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/example/cardbinder/internal/schema"
	"github.com/example/cardbinder/internal/source"
	"github.com/example/cardbinder/internal/store"
)

// sliceStream serves records from memory.
type sliceStream struct {
	cards []*schema.Card
	pos   int
	gate  chan struct{} // if non-nil, Next blocks until closed
}

func (s *sliceStream) Next() (*schema.Card, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.pos >= len(s.cards) {
		return nil, io.EOF
	}
	c := s.cards[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

// fakeCatalog is an in-memory source.Catalog.
type fakeCatalog struct {
	manifestErr error
	stream      *sliceStream
}

func (f *fakeCatalog) FetchManifest(ctx context.Context) (*source.Manifest, error) {
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return &source.Manifest{
		DownloadURI: "memory://cards",
		Size:        int64(len(f.stream.cards)),
	}, nil
}

func (f *fakeCatalog) StreamRecords(ctx context.Context, downloadURI string) (source.RecordStream, error) {
	return f.stream, nil
}

func testCards(n int) []*schema.Card {
	cards := make([]*schema.Card, n)
	for i := range cards {
		cards[i] = &schema.Card{
			ID:   fmt.Sprintf("card-%04d", i),
			Name: fmt.Sprintf("Card %d", i),
		}
	}
	return cards
}

func testStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// eventLog collects runner events across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var types []string
	for _, ev := range l.events {
		types = append(types, ev.Type)
	}
	return types
}

// TestRunner_CompleteFlow tests a full successful run end to end.
func TestRunner_CompleteFlow(t *testing.T) {
	st := testStore(t)
	cat := &fakeCatalog{stream: &sliceStream{cards: testCards(25)}}

	var events eventLog
	r := New(st, cat, &Config{
		BatchSize: 10,
		Logger:    quietLogger(),
		Notify:    events.add,
	})
	defer r.Close()

	runID, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if runID == "" {
		t.Fatal("Start() returned empty run ID")
	}
	r.Wait()

	run, err := r.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed (error: %s)", run.Status, run.ErrorMessage)
	}
	if run.ProcessedCount != 25 || run.InsertedCount != 25 {
		t.Errorf("counts = %d processed, %d inserted, want 25 each",
			run.ProcessedCount, run.InsertedCount)
	}
	if run.TotalCount != 25 {
		t.Errorf("TotalCount = %d, want 25", run.TotalCount)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	types := events.types()
	if len(types) < 3 {
		t.Fatalf("events = %v, want at least started/progress/finished", types)
	}
	if types[0] != "run_started" {
		t.Errorf("first event = %q, want run_started", types[0])
	}
	if types[len(types)-1] != "run_finished" {
		t.Errorf("last event = %q, want run_finished", types[len(types)-1])
	}
}

// TestRunner_ConflictWhileRunning tests that a second trigger is
// rejected without creating a second run row.
func TestRunner_ConflictWhileRunning(t *testing.T) {
	st := testStore(t)

	gate := make(chan struct{})
	cat := &fakeCatalog{stream: &sliceStream{cards: testCards(3), gate: gate}}

	r := New(st, cat, &Config{Logger: quietLogger()})
	defer r.Close()

	runID, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if _, err := r.Start(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("second Start() = %v, want ErrSyncInProgress", err)
	}

	close(gate)
	r.Wait()

	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}

	// The rejected trigger must not have left a second run row.
	for _, status := range []store.RunStatus{store.RunPending, store.RunRunning, store.RunFailed} {
		n, err := st.CountRunsByStatus(context.Background(), status)
		if err != nil {
			t.Fatalf("CountRunsByStatus() failed: %v", err)
		}
		if n != 0 {
			t.Errorf("%s runs = %d, want 0", status, n)
		}
	}
}

// TestRunner_ManifestFailure tests that an unreachable source produces
// a terminal failed run with the cause recorded.
func TestRunner_ManifestFailure(t *testing.T) {
	st := testStore(t)
	cat := &fakeCatalog{manifestErr: &source.TransientError{
		Op:  "manifest fetch",
		Err: errors.New("connection refused"),
	}}

	r := New(st, cat, &Config{Logger: quietLogger()})
	defer r.Close()

	runID, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	r.Wait()

	run, err := r.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Error("ErrorMessage is empty")
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set on failed run")
	}
}

// TestRunner_SequentialRuns tests that a finished run frees the claim
// for the next trigger.
func TestRunner_SequentialRuns(t *testing.T) {
	st := testStore(t)

	cat := &fakeCatalog{stream: &sliceStream{cards: testCards(2)}}
	r := New(st, cat, &Config{Logger: quietLogger()})
	defer r.Close()

	first, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("first Start() failed: %v", err)
	}
	r.Wait()

	cat.stream = &sliceStream{cards: testCards(2)}
	second, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	r.Wait()

	if first == second {
		t.Error("both runs share an ID")
	}

	run, err := r.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() failed: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.UnchangedCount != 2 {
		t.Errorf("UnchangedCount = %d, want 2 on the repeat sync", run.UnchangedCount)
	}
}

// TestRunner_StartFromFile tests syncing from an explicit catalog.
func TestRunner_StartFromFile(t *testing.T) {
	st := testStore(t)

	// Default catalog always fails; the explicit one must be used.
	r := New(st, &fakeCatalog{manifestErr: errors.New("unused")}, &Config{Logger: quietLogger()})
	defer r.Close()

	cat := &fakeCatalog{stream: &sliceStream{cards: testCards(4)}}
	runID, err := r.StartFrom(context.Background(), cat)
	if err != nil {
		t.Fatalf("StartFrom() failed: %v", err)
	}
	r.Wait()

	run, err := r.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed (error: %s)", run.Status, run.ErrorMessage)
	}
	if run.InsertedCount != 4 {
		t.Errorf("InsertedCount = %d, want 4", run.InsertedCount)
	}
}
