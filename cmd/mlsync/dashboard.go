package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/dashboard"
)

var dashboardFlags struct {
	addr    string
	refresh time.Duration
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "inspect",
	Short:   "Serve the live sync dashboard without running syncs",
	Long: `Start the WebSocket dashboard against the local store.

Each client receives a snapshot on connect: listing counts by status,
secondary entity counts, watermarks, held run locks and recent runs.
Snapshots are re-broadcast every --refresh so runs started by other
processes show up.

Endpoints:
  ws://<addr>/ws       snapshot, run_started, run_finished, listing_change
  http://<addr>/health liveness
  http://<addr>/metrics Prometheus metrics

To see runs as they happen, use 'mlsync daemon', which serves the same
dashboard and publishes run events.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := dashboardFlags.addr
		if addr == "" {
			addr = cfg.Daemon.DashboardAddr
		}

		ctx := cmd.Context()
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		server := dashboard.NewServer(&dashboard.Config{
			Addr:     addr,
			Snapshot: dashboard.StoreSnapshot(db),
			Logger:   componentLogger(os.Stderr, "dashboard"),
		})
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		var tick <-chan time.Time
		if dashboardFlags.refresh > 0 {
			ticker := time.NewTicker(dashboardFlags.refresh)
			defer ticker.Stop()
			tick = ticker.C
		}
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-tick:
				if server.ClientCount() > 0 {
					server.BroadcastSnapshot(ctx)
				}
			}
		}

		fmt.Println("\nShutting down dashboard server...")
		return server.Stop()
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardFlags.addr, "addr", "", "listen address (default daemon.dashboard_addr)")
	dashboardCmd.Flags().DurationVar(&dashboardFlags.refresh, "refresh", 30*time.Second, "snapshot re-broadcast interval (0 disables)")
	rootCmd.AddCommand(dashboardCmd)
}
