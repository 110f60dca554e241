package cmd

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmcleod/keepsake/storage"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show usage of the primary and local media",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.Store.StorageInfo(cmd.Context())
		if err != nil {
			return err
		}
		renderInfo(cmd.OutOrStdout(), info)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func renderInfo(w io.Writer, info storage.CombinedInfo) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Medium", "Available", "Used", "Total", "Usage"})
	for _, row := range []struct {
		name string
		info storage.Info
	}{
		{"primary", info.Primary},
		{"local", info.Fallback},
		{"combined", info.Combined},
	} {
		table.Append([]string{
			row.name,
			fmt.Sprintf("%t", row.info.Available),
			formatBytes(row.info.Used),
			formatTotal(row.info.Total),
			fmt.Sprintf("%.1f%%", row.info.Percentage),
		})
	}
	table.Render()
}

func formatTotal(n int64) string {
	if n == 0 {
		return "unbounded"
	}
	return formatBytes(n)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
