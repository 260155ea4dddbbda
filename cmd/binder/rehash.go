package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/cardbinder/internal/ui"
)

var rehashCmd = &cobra.Command{
	Use:     "rehash",
	GroupID: "maint",
	Short:   "Recompute stored content fingerprints",
	Long: `Recompute the content fingerprint of every stored card.

Run this after upgrading across a fingerprint algorithm change so the
next sync does not treat every record as modified.`,
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

		fmt.Printf("%s Recomputing fingerprints...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		res, err := st.RehashAll(ctx, func(done, total int) {
			if done%5000 == 0 {
				fmt.Printf("  %d/%d\n", done, total)
			}
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Rehashed %d cards in %v (%d changed, %d errors)\n",
			ui.RenderPass("✓"), res.Total, time.Since(start).Round(time.Millisecond),
			res.Changed, res.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rehashCmd)
}
