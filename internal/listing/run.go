package listing

import (
	"encoding/json"
	"time"
)

// ChangeType names a tracked field.
type ChangeType string

const (
	ChangePrice  ChangeType = "price"
	ChangeStatus ChangeType = "status"
)

// ChangeRecord is an append-only audit entry for a price or status change.
type ChangeRecord struct {
	ID            int64      `json:"id,omitempty"`
	ListingID     string     `json:"listing_id"`
	Type          ChangeType `json:"change_type"`
	OldValue      string     `json:"old_value"`
	NewValue      string     `json:"new_value"`
	PercentChange *float64   `json:"percent_change,omitempty"`
	DetectedAt    time.Time  `json:"detected_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// Feed names used for watermarks and run logs.
const (
	FeedProperty  = "Property"
	FeedMember    = "Member"
	FeedOffice    = "Office"
	FeedOpenHouse = "OpenHouse"
)

// Watermark is the persisted incremental cursor for one provider feed.
// SyncedAt is the start time of the run that wrote it, not its finish
// time, so the next incremental run re-covers records modified while that
// run was in flight.
type Watermark struct {
	Provider  string    `json:"provider"`
	Feed      string    `json:"feed"`
	SyncedAt  time.Time `json:"synced_at"`
	Cursor    string    `json:"cursor,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mode is the sync strategy of a run.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// RunState is a step of the orchestrator state machine.
type RunState string

const (
	StateIdle       RunState = "idle"
	StateFetching   RunState = "fetching"
	StateUpserting  RunState = "mapping+upserting"
	StateFinalizing RunState = "finalizing"
	StateCompleted  RunState = "completed"
	StateFailed     RunState = "failed"
)

// IsTerminal reports whether no further transitions follow s.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Counts are the per-run record counters.
type Counts struct {
	Fetched int `json:"fetched" yaml:"fetched"`
	Created int `json:"created" yaml:"created"`
	Updated int `json:"updated" yaml:"updated"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Errors  int `json:"errors" yaml:"errors"`
}

// Succeeded is the number of records that were written.
func (c Counts) Succeeded() int {
	return c.Created + c.Updated
}

// RunLog is the append-only audit row written once per orchestrator run.
type RunLog struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	Feed       string          `json:"feed"`
	Mode       Mode            `json:"mode"`
	State      RunState        `json:"state"`
	Counts     Counts          `json:"counts"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Error      string          `json:"error,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Duration is the wall-clock length of the run.
func (r RunLog) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
