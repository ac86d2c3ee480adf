package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/perch-dev/perch/internal/config"
	"github.com/perch-dev/perch/internal/logger"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "perch",
		Short: "perch — gateway chat client",
		Long:  "Connects to a gateway over WebSocket, authenticates with a per-device signing key, and runs an interactive chat session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("config", defaultConfigPath(), "config file path")

	root.AddCommand(
		chatCmd(),
		keygenCmd(),
		transcriptCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".perch", "config.yaml")
}

// loadConfig reads the --config flag, loads the file, and initializes
// logging from it. Every subcommand that touches the gateway or the
// local stores goes through here.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return cfg, nil
}
