// feedloader imports product and market data files into Postgres and exports
// them back to CSV or Excel.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/feedloader/internal/config"
	"github.com/JonMunkholm/feedloader/internal/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	envFile  string
	logLevel string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "feedloader",
	Short: "Import and export product and market data files",
	Long: `feedloader loads CSV and Excel files of products and market data into
PostgreSQL, mapping their columns onto a fixed schema, and exports stored
data back to files.

Configuration comes from environment variables, optionally loaded from a
.env file.`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load if present")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// loadConfig reads the env file and configuration. Commands log to stderr
// so their stdout stays clean; serve switches to stdout.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	if logLevel != "" {
		os.Setenv("LOG_LEVEL", logLevel)
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	slog.Debug("configuration loaded", "config", cfg.String())
	return nil
}

// commandContext returns a context cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signalContext(cmd.Context())
}
