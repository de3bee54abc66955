// Package main is the entry point for ringvault, the cluster identity and
// backup storage sidecar.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ringvault/ringvault/internal/config"
	"github.com/ringvault/ringvault/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "ringvault",
	Short: "Cluster identity registry and backup storage for database sidecars",
	Long: "ringvault keeps cluster membership records and backup artifacts in a remote " +
		"object store (S3, GCS, Azure Blob, local disk or SQLite) and enforces backup retention.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "ringvault.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json (default: from config)")
}

// loadConfig reads the config file, applies flag overrides and sets up
// logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
