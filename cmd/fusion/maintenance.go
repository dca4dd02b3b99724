package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"aifusion/internal/auth"
	"aifusion/internal/config"
	"aifusion/internal/docstore"
	"aifusion/internal/persistence"
)

func maintenanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run database housekeeping",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run every maintenance task once, now",
		Long:  `Prune chats past the retention period, deactivate expired tokens and optimize the database, exactly as the scheduled pass does.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}

			store, err := docstore.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			s, err := newMaintenanceScheduler(cfg, store, persistence.NewBridge(store), auth.NewTokenStorage(store.DB()))
			if err != nil {
				return err
			}

			results := s.RunNow(context.Background())
			out := cmd.OutOrStdout()
			failedTasks := 0
			for _, name := range sortedKeys(results) {
				r := results[name]
				mark := "ok"
				if !r.Success {
					mark = "FAILED"
					failedTasks++
				}
				fmt.Fprintf(out, "%-22s %-6s %s\n", name, mark, r.Message)
			}
			if failedTasks > 0 {
				return fmt.Errorf("%d maintenance tasks failed", failedTasks)
			}
			return nil
		},
	})
	return cmd
}
