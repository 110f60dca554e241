package cmd

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict old or large records to free capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		reports, err := a.Store.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to clean up.")
			return nil
		}
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Medium", "Strategy", "Tried", "Removed", "Freed"})
		for _, r := range reports {
			strategy := r.Strategy
			if strategy == "" {
				strategy = "-"
			}
			table.Append([]string{
				r.Backend,
				strategy,
				strings.Join(r.Tried, ", "),
				fmt.Sprintf("%d", len(r.Removed)),
				formatBytes(r.Freed),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
