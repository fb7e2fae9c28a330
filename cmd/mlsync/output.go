package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homefeed/mlsync/internal/listing"
	mlsync "github.com/homefeed/mlsync/internal/sync"
	"github.com/homefeed/mlsync/internal/ui"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func checkFormat(f string) error {
	switch f {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown --format %q (want text, json or yaml)", f)
}

// writeStructured encodes v as JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	if format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateBadge(s listing.RunState) string {
	switch s {
	case listing.StateCompleted:
		return ui.RenderPass("✓ " + string(s))
	case listing.StateFailed:
		return ui.RenderFail("✗ " + string(s))
	default:
		return ui.RenderWarn(string(s))
	}
}

func printSummary(w io.Writer, s *mlsync.Summary) {
	title := fmt.Sprintf("%s %s sync", s.Provider, s.Mode)
	if s.Feed != listing.FeedProperty {
		title = fmt.Sprintf("%s %s sync", s.Provider, s.Feed)
	}
	if s.DryRun {
		title += ui.RenderWarn(" (dry run, nothing written)")
	}
	fmt.Fprintf(w, "\n%s %s\n", ui.RenderAccent("📊"), title)
	fmt.Fprintln(w, ui.RenderMuted(strings.Repeat("─", min(ui.Width(), 48))))

	c := s.Counts
	fmt.Fprintf(w, "State:    %s\n", stateBadge(s.State))
	fmt.Fprintf(w, "Run:      %s\n", ui.RenderMuted(s.RunID))
	if s.Since != nil {
		fmt.Fprintf(w, "Since:    %s\n", s.Since.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Fetched:  %d\n", c.Fetched)
	fmt.Fprintf(w, "Created:  %d\n", c.Created)
	fmt.Fprintf(w, "Updated:  %d\n", c.Updated)
	fmt.Fprintf(w, "Skipped:  %d\n", c.Skipped)
	errs := fmt.Sprintf("%d", c.Errors)
	if c.Errors > 0 {
		errs = ui.RenderWarn(errs)
	}
	fmt.Fprintf(w, "Errors:   %s\n", errs)
	fmt.Fprintf(w, "Changes:  %d\n", s.Changes)
	fmt.Fprintf(w, "Requests: %d (%d retries, %d pages)\n", s.Requests.Requests, s.Requests.Retries, s.Requests.Pages)
	fmt.Fprintf(w, "Duration: %v\n", s.Duration().Round(time.Millisecond))
	if s.Error != "" {
		fmt.Fprintf(w, "\n%s %s\n", ui.RenderFail("Error:"), s.Error)
	}
	fmt.Fprintln(w)
}

func joinOrDash(ss []string) string {
	if len(ss) == 0 {
		return "-"
	}
	return strings.Join(ss, ",")
}

func timeOrDash(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
