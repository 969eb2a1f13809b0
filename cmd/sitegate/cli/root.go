// Package cli provides the sitegate CLI commands.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/brickworks/sitegate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sitegate",
	Short: "sitegate - impersonation broker for construction site support",
	Long: `sitegate brokers time-boxed impersonation sessions between support
agents and construction site accounts. A support agent asks to act as a
site member; a site owner approves or denies over a live connection; every
step of the exchange lands in an immutable audit trail.

It provides:
  - The broker API and WebSocket endpoint with 'sitegate serve'
  - The background task worker with 'sitegate worker'`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies the logging setup.
func loadConfig() (*config.Config, error) {
	if err := config.Load(cfgFile, cfgFile != ""); err != nil {
		return nil, err
	}

	cfg, err := config.Get()
	if err != nil {
		return nil, err
	}

	if cfg.Logging.Format == config.TextLogFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
	if cfg.Logging.WithCaller {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	return cfg, nil
}
