package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aifusion/internal/config"
	"aifusion/internal/docstore"
	"aifusion/internal/persistence"
	"aifusion/internal/selection"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Inspect and manage user accounts",
	}
	cmd.AddCommand(setPlanCmd(), showUserCmd())
	return cmd
}

func setPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set-plan <email> <free|premium>",
		Short:   "Change a user's plan",
		Long:    `Change a user's plan, creating the account first if it does not exist. Connected sessions pick up the change on their next send.`,
		Example: `  fusion user set-plan ada@example.com premium`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.ToLower(strings.TrimSpace(args[0]))
			plan := strings.ToLower(args[1])

			return withBridge(func(ctx context.Context, cfg *config.Config, bridge *persistence.Bridge) error {
				cat, err := loadCatalog(cfg)
				if err != nil {
					return err
				}
				if _, err := bridge.LoadOrCreateUser(ctx, email, "", selection.InitializeDefaults(cat, false)); err != nil {
					return err
				}
				if err := bridge.SetPlan(ctx, email, plan); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now on the %s plan\n", email, plan)
				return nil
			})
		},
	}
}

func showUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <email>",
		Short: "Show a user's plan and model preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.ToLower(strings.TrimSpace(args[0]))

			return withBridge(func(ctx context.Context, cfg *config.Config, bridge *persistence.Bridge) error {
				u, err := bridge.GetUser(ctx, email)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Email:   %s\n", u.Email)
				if u.Name != "" {
					fmt.Fprintf(out, "Name:    %s\n", u.Name)
				}
				fmt.Fprintf(out, "Plan:    %s\n", u.Plan)
				fmt.Fprintf(out, "Created: %s\n", time.UnixMilli(u.CreatedAt).Format(time.RFC3339))

				if len(u.SelectedModelPref) == 0 {
					return nil
				}
				fmt.Fprintln(out)
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "MODEL\tENABLED\tVARIANT")
				for _, name := range sortedKeys(u.SelectedModelPref) {
					entry := u.SelectedModelPref[name]
					variant := "-"
					if entry.SubModelID != nil {
						variant = *entry.SubModelID
					}
					fmt.Fprintf(w, "%s\t%t\t%s\n", name, entry.Enabled, variant)
				}
				return w.Flush()
			})
		},
	}
}

// withBridge opens the configured database for one command.
func withBridge(fn func(ctx context.Context, cfg *config.Config, bridge *persistence.Bridge) error) error {
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

	return fn(context.Background(), cfg, persistence.NewBridge(store))
}
