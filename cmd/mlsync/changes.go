package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/store"
	"github.com/homefeed/mlsync/internal/ui"
)

var changesFlags struct {
	provider      string
	changeType    string
	listingID     string
	since         string
	unprocessed   bool
	limit         int
	markProcessed bool
	format        string
}

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "inspect",
	Short:   "List detected price and status changes",
	Long: `List change records written by sync runs, oldest first.

Downstream consumers can read --unprocessed changes and acknowledge them
with --mark-processed so the next read only returns new ones.`,
	Example: `  mlsync changes --since yesterday
  mlsync changes --provider ProviderA --type price --limit 20
  mlsync changes --unprocessed --mark-processed --format json`,
	Args: cobra.NoArgs,
	RunE: runChanges,
}

func init() {
	f := changesCmd.Flags()
	f.StringVar(&changesFlags.provider, "provider", "", "only changes for listings from this provider")
	f.StringVar(&changesFlags.changeType, "type", "", "change type: price or status")
	f.StringVar(&changesFlags.listingID, "listing", "", "only changes for this listing id")
	f.StringVar(&changesFlags.since, "since", "", `only changes detected after this time ("2024-05-01", "6h", "last week")`)
	f.BoolVar(&changesFlags.unprocessed, "unprocessed", false, "only changes not yet marked processed")
	f.IntVar(&changesFlags.limit, "limit", 100, "maximum number of changes (0 = no limit)")
	f.BoolVar(&changesFlags.markProcessed, "mark-processed", false, "mark the listed changes processed")
	f.StringVar(&changesFlags.format, "format", formatText, "output format: text, json or yaml")
	rootCmd.AddCommand(changesCmd)
}

func runChanges(cmd *cobra.Command, args []string) error {
	if err := checkFormat(changesFlags.format); err != nil {
		return err
	}
	filter := store.ListChangesFilter{
		ListingID:   changesFlags.listingID,
		Unprocessed: changesFlags.unprocessed,
		Limit:       changesFlags.limit,
	}
	switch t := listing.ChangeType(strings.ToLower(changesFlags.changeType)); t {
	case "":
	case listing.ChangePrice, listing.ChangeStatus:
		filter.Type = t
	default:
		return fmt.Errorf("unknown change type %q (want price or status)", changesFlags.changeType)
	}
	if changesFlags.since != "" {
		since, err := config.ParseSince(changesFlags.since, time.Now())
		if err != nil {
			return err
		}
		filter.Since = since
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if changesFlags.provider != "" {
		p, err := cfg.Provider(changesFlags.provider)
		if err != nil {
			return err
		}
		filter.Source = p.Source
	}

	ctx := cmd.Context()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	changes, err := db.ListChanges(ctx, filter)
	if err != nil {
		return err
	}

	if changesFlags.format != formatText {
		if err := writeStructured(os.Stdout, changesFlags.format, changes); err != nil {
			return err
		}
	} else {
		printChanges(changes)
	}

	if changesFlags.markProcessed && len(changes) > 0 {
		ids := make([]int64, len(changes))
		for i, c := range changes {
			ids[i] = c.ID
		}
		n, err := db.MarkProcessed(ctx, ids, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Marked %d change(s) processed\n", ui.RenderPass("✓"), n)
	}
	return nil
}

func printChanges(changes []listing.ChangeRecord) {
	if len(changes) == 0 {
		fmt.Println("No changes found.")
		return
	}
	headers := []string{"ID", "DETECTED", "LISTING", "TYPE", "OLD", "NEW", "CHANGE"}
	rows := make([][]string, 0, len(changes))
	for _, c := range changes {
		pct := "-"
		if c.PercentChange != nil {
			pct = fmt.Sprintf("%+.1f%%", *c.PercentChange)
			if *c.PercentChange < 0 {
				pct = ui.RenderFail(pct)
			} else {
				pct = ui.RenderPass(pct)
			}
		}
		id := fmt.Sprintf("%d", c.ID)
		if c.ProcessedAt != nil {
			id = ui.RenderMuted(id)
		}
		rows = append(rows, []string{
			id,
			c.DetectedAt.Local().Format("2006-01-02 15:04"),
			c.ListingID,
			string(c.Type),
			c.OldValue,
			c.NewValue,
			pct,
		})
	}
	fmt.Println(ui.Table(headers, rows))
	fmt.Printf("\n%d change(s)\n", len(changes))
}
