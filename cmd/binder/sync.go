package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/cardbinder/internal/runner"
	"github.com/example/cardbinder/internal/source"
	"github.com/example/cardbinder/internal/store"
	"github.com/example/cardbinder/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run a one-shot catalog sync",
	Long: `Download the bulk card export and apply it to the local database.

Only records whose content changed since the last sync are written;
unchanged records are skipped via fingerprint comparison.

Example usage:
  binder sync                      # Sync from the remote catalog
  binder sync --file cards.json    # Ingest a local bulk export`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var cat source.Catalog
		if file != "" {
			cat = source.NewFileCatalog(file)
		} else {
			cat = source.NewClient(source.ClientConfig{
				BaseURL:  cfg.SourceURL,
				Dataset:  cfg.Dataset,
				Attempts: cfg.FetchAttempts,
			})
		}

		r := runner.New(st, cat, &runner.Config{
			BatchSize:            cfg.BatchSize,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
			Logger:               log.New(os.Stderr, "[sync] ", log.LstdFlags),
		})
		defer r.Close()

		if _, err := r.ReconcileOrphans(ctx); err != nil {
			return fmt.Errorf("failed to reconcile orphaned runs: %w", err)
		}

		start := time.Now()
		runID, err := r.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s Syncing (run %s)...\n", ui.RenderAccent("🔄"), runID)

		run, err := waitForRun(ctx, r, runID)
		if err != nil {
			return err
		}

		elapsed := time.Since(start).Round(time.Millisecond)
		switch run.Status {
		case store.RunCompleted:
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed)
			printRunCounts(run)
		case store.RunFailed:
			fmt.Printf("%s Sync failed after %v: %s\n", ui.RenderFail("✗"), elapsed, run.ErrorMessage)
			printRunCounts(run)
			return fmt.Errorf("sync failed")
		}
		return nil
	},
}

// waitForRun polls until the run reaches a terminal status.
func waitForRun(ctx context.Context, r *runner.Runner, runID string) (*store.Run, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Cancel the in-flight run and report its terminal state.
			r.Close()
			return r.Status(context.Background(), runID)
		case <-ticker.C:
		}

		run, err := r.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
	}
}

func printRunCounts(run *store.Run) {
	fmt.Printf("  Processed: %d\n", run.ProcessedCount)
	fmt.Printf("  Inserted:  %d\n", run.InsertedCount)
	fmt.Printf("  Updated:   %d\n", run.UpdatedCount)
	fmt.Printf("  Unchanged: %d\n", run.UnchangedCount)
	if run.ErrorCount > 0 {
		fmt.Printf("  %s  %d\n", ui.RenderWarn("Errors:"), run.ErrorCount)
	}
}

func init() {
	syncCmd.Flags().String("file", "", "Ingest a local bulk export file instead of fetching remotely")

	rootCmd.AddCommand(syncCmd)
}
