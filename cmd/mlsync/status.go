package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/store"
	"github.com/homefeed/mlsync/internal/ui"
)

var statusFormat string

// ProviderStatus is the sync state of one configured provider.
type ProviderStatus struct {
	Provider   string                 `json:"provider" yaml:"provider"`
	Disabled   bool                   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Watermarks []listing.Watermark    `json:"watermarks" yaml:"watermarks"`
	LastRun    *listing.RunLog        `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Running    []store.Lock           `json:"running,omitempty" yaml:"running,omitempty"`
	ByStatus   map[listing.Status]int `json:"by_status" yaml:"by_status"`
	Total      int                    `json:"total" yaml:"total"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show watermarks, last runs and listing counts per provider",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkFormat(statusFormat); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		statuses, err := collectStatus(ctx, cfg, db)
		if err != nil {
			return err
		}
		if statusFormat != formatText {
			return writeStructured(os.Stdout, statusFormat, statuses)
		}
		printStatus(statuses)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", formatText, "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

func collectStatus(ctx context.Context, cfg *config.Config, db *store.DB) ([]ProviderStatus, error) {
	marks, err := db.ListWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := db.ListLocks(ctx)
	if err != nil {
		return nil, err
	}

	var out []ProviderStatus
	for _, key := range cfg.ProviderNames() {
		p := cfg.Providers[key]
		ps := ProviderStatus{Provider: p.Source, Disabled: p.Disabled}
		for _, w := range marks {
			if w.Provider == p.Source {
				ps.Watermarks = append(ps.Watermarks, w)
			}
		}
		for _, l := range locks {
			if l.Provider == p.Source {
				ps.Running = append(ps.Running, l)
			}
		}
		runs, err := db.ListRuns(ctx, store.ListRunsFilter{Provider: p.Source, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			ps.LastRun = &runs[0]
		}
		ps.ByStatus, err = db.CountByStatus(ctx, p.Source)
		if err != nil {
			return nil, err
		}
		for _, n := range ps.ByStatus {
			ps.Total += n
		}
		out = append(out, ps)
	}
	return out, nil
}

func printStatus(statuses []ProviderStatus) {
	if len(statuses) == 0 {
		fmt.Println("No providers configured. Run 'mlsync config init' to add one.")
		return
	}

	headers := []string{"PROVIDER", "WATERMARK", "LAST RUN", "STATE", "FETCHED", "ERRORS", "LISTINGS"}
	var rows [][]string
	for _, ps := range statuses {
		name := ps.Provider
		if ps.Disabled {
			name += ui.RenderMuted(" (disabled)")
		}
		mark := "-"
		for _, w := range ps.Watermarks {
			if w.Feed == listing.FeedProperty {
				mark = timeOrDash(&w.SyncedAt)
			}
		}
		lastRun, state, fetched, errs := "-", "-", "-", "-"
		if r := ps.LastRun; r != nil {
			lastRun = fmt.Sprintf("%s (%s)", r.StartedAt.Local().Format("2006-01-02 15:04"), r.Mode)
			state = stateBadge(r.State)
			fetched = fmt.Sprintf("%d", r.Counts.Fetched)
			errs = fmt.Sprintf("%d", r.Counts.Errors)
		}
		if len(ps.Running) > 0 {
			state = ui.RenderWarn("running")
		}
		rows = append(rows, []string{name, mark, lastRun, state, fetched, errs, fmt.Sprintf("%d", ps.Total)})
	}
	fmt.Println(ui.Table(headers, rows))

	for _, ps := range statuses {
		if ps.Total == 0 {
			continue
		}
		fmt.Printf("\n%s %s\n", ui.RenderAccent("●"), ps.Provider)
		keys := make([]string, 0, len(ps.ByStatus))
		for s := range ps.ByStatus {
			keys = append(keys, string(s))
		}
		sort.Strings(keys)
		for _, s := range keys {
			fmt.Printf("  %-12s %d\n", s, ps.ByStatus[listing.Status(s)])
		}
		for _, l := range ps.Running {
			fmt.Printf("  %s %s run held by %s for %v\n", ui.RenderWarn("⚠"), l.Feed,
				ui.RenderMuted(l.Owner), time.Since(l.AcquiredAt).Round(time.Second))
		}
	}
}
