package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/cardbinder/internal/store"
	"github.com/example/cardbinder/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status [run-id]",
	GroupID: "sync",
	Short:   "Show sync run status and database counts",
	Long: `Show the status of a sync run and overall database statistics.

With no argument the most recent run is shown.

Example usage:
  binder status                   # Latest run
  binder status <run-id>          # A specific run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var run *store.Run
		if len(args) == 1 {
			run, err = st.GetRun(ctx, args[0])
		} else {
			run, err = st.LatestRun(ctx)
		}
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				fmt.Printf("%s No sync runs recorded\n", ui.RenderWarn("⚠"))
				return printCounts(ctx, st)
			}
			return err
		}

		fmt.Printf("\n%s Sync Run\n\n", ui.RenderAccent("📊"))
		fmt.Printf("  ID:      %s\n", run.ID)
		fmt.Printf("  Status:  %s\n", ui.RenderStatus(string(run.Status)))
		fmt.Printf("  Started: %s\n", run.StartedAt.Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Printf("  Ended:   %s\n", run.CompletedAt.Format(time.RFC3339))
		}
		if run.ErrorMessage != "" {
			fmt.Printf("  Error:   %s\n", ui.RenderFail(run.ErrorMessage))
		}

		if pct, ok := run.ProgressPercentage(); ok {
			fmt.Printf("\n  Progress: %d%% (%d/%d)\n", pct, run.ProcessedCount, run.TotalCount)
		} else {
			fmt.Printf("\n  Progress: %d records\n", run.ProcessedCount)
		}
		fmt.Printf("  Inserted: %d  Updated: %d  Unchanged: %d  Errors: %d\n",
			run.InsertedCount, run.UpdatedCount, run.UnchangedCount, run.ErrorCount)

		return printCounts(ctx, st)
	},
}

func printCounts(ctx context.Context, st *store.Store) error {
	cards, sets, artists, err := st.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s Database\n\n", ui.RenderAccent("🗃"))
	fmt.Printf("  Cards:   %d\n", cards)
	fmt.Printf("  Sets:    %d\n", sets)
	fmt.Printf("  Artists: %d\n", artists)
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
