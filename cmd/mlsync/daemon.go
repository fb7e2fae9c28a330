package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/daemon"
	"github.com/homefeed/mlsync/internal/dashboard"
	"github.com/homefeed/mlsync/internal/store"
	mlsync "github.com/homefeed/mlsync/internal/sync"
)

var daemonFlags struct {
	dashboardAddr string
	noDashboard   bool
	logFile       string
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run scheduled syncs for every enabled provider",
	Long: `Run incremental syncs every daemon.incremental_every and a full sync
(followed by the provider's secondary feeds) daily at daemon.full_at.

The config file is watched: editing it adds, removes or reconfigures
providers without a restart. Runs already in flight finish first.

The live dashboard is served on daemon.dashboard_addr unless
--no-dashboard is given. Logs go to stderr and, when daemon.log_file is
set, to a size-rotated file.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	f := daemonCmd.Flags()
	f.StringVar(&daemonFlags.dashboardAddr, "dashboard", "", "dashboard listen address (default daemon.dashboard_addr)")
	f.BoolVar(&daemonFlags.noDashboard, "no-dashboard", false, "do not serve the dashboard")
	f.StringVar(&daemonFlags.logFile, "log-file", "", "rotating log file (default daemon.log_file)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logPath := daemonFlags.logFile
	if logPath == "" {
		logPath = cfg.Daemon.LogFile
	}
	logger, closer := daemon.NewLogger(daemon.LogConfig{Path: logPath, Compress: true}, "[daemon] ")
	defer closer.Close()
	logs := logger.Writer()

	ctx := cmd.Context()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var notifier mlsync.Notifier
	addr := daemonFlags.dashboardAddr
	if addr == "" {
		addr = cfg.Daemon.DashboardAddr
	}
	if !daemonFlags.noDashboard && addr != "" {
		server := dashboard.NewServer(&dashboard.Config{
			Addr:     addr,
			Snapshot: dashboard.StoreSnapshot(db),
			Logger:   componentLogger(logs, "dashboard"),
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		notifier = dashboard.NewHandler(server, componentLogger(logs, "dashboard"))
	}

	load := func() ([]daemon.Job, error) {
		current, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if current.Database != cfg.Database {
			logger.Printf("database changed to %s; restart to apply", current.Database)
		}
		return buildJobs(current, db, notifier, logs)
	}

	d, err := daemon.New(load, &daemon.Config{
		IncrementalEvery: cfg.Daemon.IncrementalEvery,
		FullAt:           cfg.Daemon.FullAt,
		ConfigPath:       cfg.File(),
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	return d.Start(ctx)
}

// buildJobs creates one scheduled job per enabled provider.
func buildJobs(cfg *config.Config, db *store.DB, notifier mlsync.Notifier, logs io.Writer) ([]daemon.Job, error) {
	var jobs []daemon.Job
	for _, key := range cfg.ProviderNames() {
		p := cfg.Providers[key]
		if p.Disabled {
			continue
		}
		orch, _, err := newOrchestrator(cfg, db, p, notifier, logs)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", key, err)
		}
		jobs = append(jobs, daemon.Job{
			Runner:   orch,
			Options:  p.Options(),
			Entities: p.Entities,
		})
	}
	return jobs, nil
}
