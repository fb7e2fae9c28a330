// Command mlsync synchronizes MLS listing feeds into a local canonical store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/store"
	"github.com/homefeed/mlsync/internal/ui"
)

var (
	configPath string
	envFile    string
	dbOverride string
	quiet      bool
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "mlsync",
	Short: "Synchronize MLS listing feeds into a canonical store",
	Long: `mlsync pulls listings from upstream MLS providers, normalizes them into a
canonical schema, records price and status changes, and keeps a per-provider
watermark so incremental runs only fetch what changed.

Configuration is read from mlsync.yaml (or --config), MLSYNC_* environment
variables, and an optional .env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		}
		return config.LoadEnv(envFile)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./mlsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with provider tokens")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	var code exitCode
	switch {
	case errors.As(err, &code):
		os.Exit(int(code))
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitCode ends the process with a status without printing an error.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbOverride != "" {
		cfg.Database = dbOverride
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.DB, error) {
	db, err := store.OpenContext(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database, err)
	}
	return db, nil
}

// componentLogger returns a logger for a component, honoring --quiet.
func componentLogger(w io.Writer, component string) *log.Logger {
	if quiet {
		w = io.Discard
	}
	return log.New(w, "["+component+"] ", log.LstdFlags)
}
