package cmd

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jmcleod/keepsake/app"
)

var exportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Write every record to a compressed snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
		defer f.Close()

		bar := newProgressBar("exporting")
		n, err := a.Export(cmd.Context(), f, progressFunc(bar))
		bar.Finish()
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", n, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Restore records from a compressed snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()

		bar := newProgressBar("importing")
		n, err := a.Import(cmd.Context(), f, progressFunc(bar))
		bar.Finish()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d records from %s\n", n, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func newProgressBar(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func progressFunc(bar *progressbar.ProgressBar) app.Progress {
	return func(done, total int) {
		if total > 0 {
			bar.ChangeMax(total)
		}
		bar.Set(done)
	}
}
