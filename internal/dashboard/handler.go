package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/store"
	mlsync "github.com/homefeed/mlsync/internal/sync"
)

// RunData describes a sync run.
type RunData struct {
	RunID    string           `json:"run_id"`
	Provider string           `json:"provider"`
	Feed     string           `json:"feed"`
	Mode     listing.Mode     `json:"mode"`
	State    listing.RunState `json:"state"`
	DryRun   bool             `json:"dry_run,omitempty"`
	Counts   listing.Counts   `json:"counts"`
	Changes  int              `json:"changes"`
	Duration time.Duration    `json:"duration_ns,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// ChangeData describes one detected change on a listing.
type ChangeData struct {
	ListingID     string             `json:"listing_id"`
	Source        string             `json:"source"`
	ExternalID    string             `json:"external_id"`
	Address       string             `json:"address,omitempty"`
	Type          listing.ChangeType `json:"change_type"`
	OldValue      string             `json:"old_value"`
	NewValue      string             `json:"new_value"`
	PercentChange *float64           `json:"percent_change,omitempty"`
}

// SnapshotData is the store state sent to newly connected clients.
type SnapshotData struct {
	ByStatus   map[listing.Status]int `json:"by_status"`
	Entities   map[string]int         `json:"entities"`
	Watermarks []listing.Watermark    `json:"watermarks"`
	Running    []store.Lock           `json:"running"`
	RecentRuns []listing.RunLog       `json:"recent_runs"`
}

// StoreSnapshot returns a SnapshotFunc reading from db.
func StoreSnapshot(db *store.DB) SnapshotFunc {
	return func(ctx context.Context) (*SnapshotData, error) {
		byStatus, err := db.CountByStatus(ctx, "")
		if err != nil {
			return nil, err
		}
		entities, err := db.EntityCounts(ctx)
		if err != nil {
			return nil, err
		}
		wms, err := db.ListWatermarks(ctx)
		if err != nil {
			return nil, err
		}
		locks, err := db.ListLocks(ctx)
		if err != nil {
			return nil, err
		}
		runs, err := db.ListRuns(ctx, store.ListRunsFilter{Limit: 10})
		if err != nil {
			return nil, err
		}
		for i := range runs {
			runs[i].Detail = nil
		}
		return &SnapshotData{
			ByStatus:   byStatus,
			Entities:   entities,
			Watermarks: wms,
			Running:    locks,
			RecentRuns: runs,
		}, nil
	}
}

// Handler turns orchestrator notifications into dashboard messages. It
// implements sync.Notifier.
type Handler struct {
	server *Server
	logger *log.Logger
}

var _ mlsync.Notifier = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// RunStarted broadcasts a run_started message.
func (h *Handler) RunStarted(s mlsync.Summary) {
	h.send(MessageTypeRunStarted, runData(s))
}

// RunFinished broadcasts a run_finished message.
func (h *Handler) RunFinished(s mlsync.Summary) {
	h.send(MessageTypeRunFinished, runData(s))
}

// ListingChanged broadcasts one listing_change message per change.
func (h *Handler) ListingChanged(l listing.Listing, changes []listing.ChangeRecord) {
	for _, c := range changes {
		h.send(MessageTypeListingChange, ChangeData{
			ListingID:     l.ID,
			Source:        l.Source,
			ExternalID:    l.ExternalID,
			Address:       l.Address.Full,
			Type:          c.Type,
			OldValue:      c.OldValue,
			NewValue:      c.NewValue,
			PercentChange: c.PercentChange,
		})
	}
}

func (h *Handler) send(t MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: data})
}

func runData(s mlsync.Summary) RunData {
	return RunData{
		RunID:    s.RunID,
		Provider: s.Provider,
		Feed:     s.Feed,
		Mode:     s.Mode,
		State:    s.State,
		DryRun:   s.DryRun,
		Counts:   s.Counts,
		Changes:  s.Changes,
		Duration: s.Duration(),
		Error:    s.Error,
	}
}
