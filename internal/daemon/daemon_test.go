package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/cardbinder/internal/runner"
	"github.com/example/cardbinder/internal/source"
	"github.com/example/cardbinder/internal/store"
)

func testRunner(t *testing.T) (*runner.Runner, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	r := runner.New(st, source.NewFileCatalog("unused"), &runner.Config{Logger: quiet})
	t.Cleanup(r.Close)
	return r, st
}

// TestNew_RequiresRunner tests constructor validation.
func TestNew_RequiresRunner(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Error("New() accepted a nil runner")
	}
}

// TestDaemon_IngestsDroppedFile tests that a bulk file dropped into the
// watch directory is synced into the database.
func TestDaemon_IngestsDroppedFile(t *testing.T) {
	r, st := testRunner(t)
	watchDir := t.TempDir()

	d, err := New(r, &Config{
		WatchDir:         watchDir,
		DebounceInterval: 50 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	data := `[{"id": "c1", "name": "Lightning Bolt"}, {"id": "c2", "name": "Counterspell"}]`
	path := filepath.Join(watchDir, "cards.json")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		run, err := st.LatestRun(context.Background())
		if err == nil && run.Status == store.RunCompleted {
			if run.InsertedCount != 2 {
				t.Errorf("InsertedCount = %d, want 2", run.InsertedCount)
			}
			break
		}
		if err != nil && !errors.Is(err, store.ErrRunNotFound) {
			t.Fatalf("LatestRun() failed: %v", err)
		}

		select {
		case <-deadline:
			t.Fatal("timed out waiting for dropped file to be ingested")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
}

// TestDaemon_IgnoresNonJSONFiles tests that unrelated drops are skipped.
func TestDaemon_IgnoresNonJSONFiles(t *testing.T) {
	r, st := testRunner(t)
	watchDir := t.TempDir()

	d, err := New(r, &Config{
		WatchDir:         watchDir,
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(watchDir, "notes.txt")
	if err := os.WriteFile(path, []byte("not a bulk file"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if _, err := st.LatestRun(context.Background()); !errors.Is(err, store.ErrRunNotFound) {
		t.Errorf("LatestRun() = %v, want ErrRunNotFound after non-JSON drop", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
}
