package sync

import (
	"context"

	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/provider"
)

// Source is the provider capability the orchestrator drives. It never
// depends on which protocol a provider speaks.
//
// *provider.Client implements Source.
type Source interface {
	// Name is the provider's source name.
	Name() string

	// SupportsModifiedSince reports whether Filter.ModifiedSince is
	// applied upstream. When false, incremental runs receive the full
	// filtered set and rely on the change detector.
	SupportsModifiedSince() bool

	// Walk delivers pages in fetch order until exhausted, maxRecords is
	// reached, fn returns an error, or a terminal provider error occurs.
	Walk(ctx context.Context, filter provider.Filter, maxRecords int, fn provider.PageFunc) error

	// Stats and ResetStats expose per-run request counters.
	Stats() provider.Stats
	ResetStats()
}

// Notifier receives run and change events. Implementations must not block;
// the dashboard broadcaster drops events when its queue is full.
type Notifier interface {
	// RunStarted is called once the run lock is held.
	RunStarted(s Summary)

	// RunFinished is called after the run log is written.
	RunFinished(s Summary)

	// ListingChanged is called after the batch containing the change
	// commits. Delivery is at-least-once across reruns.
	ListingChanged(l listing.Listing, changes []listing.ChangeRecord)
}

// nopNotifier discards events.
type nopNotifier struct{}

func (nopNotifier) RunStarted(Summary)                                     {}
func (nopNotifier) RunFinished(Summary)                                    {}
func (nopNotifier) ListingChanged(listing.Listing, []listing.ChangeRecord) {}
