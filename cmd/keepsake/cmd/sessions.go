package cmd

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.Sessions.List(cmd.Context())
		if err != nil {
			return err
		}
		active, _ := a.Sessions.ActiveID(cmd.Context())

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"", "ID", "Name", "Messages", "Files", "Updated"})
		for _, s := range sessions {
			marker := ""
			if s.ID == active {
				marker = "*"
			}
			table.Append([]string{
				marker,
				s.ID,
				s.Name,
				fmt.Sprintf("%d", len(s.Messages)),
				fmt.Sprintf("%d", len(s.Files)),
				s.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
}
