package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"aifusion/internal/catalog"
	"aifusion/internal/config"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the model catalog",
	}

	var freeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List model families and their variants",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tVARIANT\tNAME\tTIER")
			for _, name := range cat.Names() {
				for _, sub := range cat.SubModelsOf(name, catalog.Filter{FreeOnly: freeOnly}) {
					tier := "free"
					if sub.Premium {
						tier = "premium"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, sub.ID, sub.Name, tier)
				}
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&freeOnly, "free", false, "show only variants available on the free plan")

	cmd.AddCommand(list)
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
