package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"secondbrain/api/internal/config"
	"secondbrain/api/internal/log"
)

var rootCmd = &cobra.Command{
	Use:           "secondbrain",
	Short:         "Realtime collaboration API for Second Brain workspaces",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the configured log level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}
