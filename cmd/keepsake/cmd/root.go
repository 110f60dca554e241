package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keepsake/app"
	"github.com/jmcleod/keepsake/internal/config"
)

// Version is overridden at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	configPath string
	dataDir    string
	logLevel   string
	ephemeral  bool
)

var rootCmd = &cobra.Command{
	Use:   "keepsake",
	Short: "Keepsake persists chat sessions, boards and projects",
	Long: `Keepsake stores application state on a large primary medium with a small
local medium as fallback, recovering capacity by evicting old or large records.
Complete documentation is available at https://github.com/jmcleod/keepsake`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for persistent data")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "Keep everything in memory")
}

// loadConfig reads the config file and applies flag overrides, which win
// over both the file and the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("ephemeral") {
		cfg.Ephemeral = ephemeral
	}
	if flags.Lookup("addr") != nil && flags.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp composes the application for a one-shot command.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)
	return app.New(cfg, app.WithLogger(logger))
}
