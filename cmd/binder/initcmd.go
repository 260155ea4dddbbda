package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/cardbinder/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maint",
	Short:   "Create the database and schema",
	Long: `Create the binder database file and its schema.

Safe to run repeatedly; existing data is never touched. The sync and
serve commands also create the schema on demand, so init is only needed
when you want the database in place before the first sync.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		fmt.Printf("%s Initialized database at %s\n", ui.RenderPass("✓"), st.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
