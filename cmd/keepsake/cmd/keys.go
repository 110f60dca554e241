package cmd

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

var keysMatch string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List stored record keys",
	Example: `  keepsake keys
  keepsake keys --match 'keepsake_session_*'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.Store.Keys(cmd.Context())
		if err != nil {
			return err
		}
		matched, err := filterKeys(keys, keysMatch)
		if err != nil {
			return err
		}
		for _, k := range matched {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.Flags().StringVar(&keysMatch, "match", "", "Only list keys matching this glob pattern")
}

// filterKeys keeps the keys matching pattern; an empty pattern keeps all.
func filterKeys(keys []string, pattern string) ([]string, error) {
	if pattern == "" {
		return keys, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	var out []string
	for _, k := range keys {
		if g.Match(k) {
			out = append(out, k)
		}
	}
	return out, nil
}
