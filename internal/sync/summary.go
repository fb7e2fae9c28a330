package sync

import (
	"time"

	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/provider"
)

// Options narrows a single run.
type Options struct {
	// Statuses are provider-native status values to fetch.
	Statuses     []string
	PropertyType string
	// MaxRecords stops the run after this many records when > 0.
	MaxRecords int
	// DryRun maps and diffs without committing anything.
	DryRun bool
	// Since overrides the watermark for incremental runs.
	Since time.Time
}

// Summary is the outcome of one run.
type Summary struct {
	RunID      string           `json:"run_id" yaml:"run_id"`
	Provider   string           `json:"provider" yaml:"provider"`
	Feed       string           `json:"feed" yaml:"feed"`
	Mode       listing.Mode     `json:"mode" yaml:"mode"`
	State      listing.RunState `json:"state" yaml:"state"`
	DryRun     bool             `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Since      *time.Time       `json:"since,omitempty" yaml:"since,omitempty"`
	Counts     listing.Counts   `json:"counts" yaml:"counts"`
	Changes    int              `json:"changes" yaml:"changes"`
	StartedAt  time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Requests   provider.Stats   `json:"requests" yaml:"requests"`
	Error      string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is the run's wall-clock time.
func (s Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Failed reports whether the run did not complete.
func (s Summary) Failed() bool {
	return s.State == listing.StateFailed
}

// ExitCode is 1 when the run did not complete, or when it completed with
// errors but no record succeeded; 0 otherwise.
func (s Summary) ExitCode() int {
	if s.Failed() {
		return 1
	}
	if s.Counts.Errors > 0 && s.Counts.Succeeded() == 0 {
		return 1
	}
	return 0
}
