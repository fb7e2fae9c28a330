// Package detect computes price and status change records between a stored
// listing and its incoming revision.
package detect

import (
	"math"
	"strconv"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
)

// Diff returns the tracked changes from existing to incoming, stamped with
// detectedAt. It returns nil when existing is nil (a creation is not a
// change). Only list price and status are tracked, and a change is emitted
// only when both sides are non-null and differ.
func Diff(incoming listing.Listing, existing *listing.Listing, detectedAt time.Time) []listing.ChangeRecord {
	if existing == nil {
		return nil
	}
	id := existing.ID
	if id == "" {
		id = incoming.ID
	}

	var changes []listing.ChangeRecord
	if incoming.ListPrice != nil && existing.ListPrice != nil && *incoming.ListPrice != *existing.ListPrice {
		changes = append(changes, listing.ChangeRecord{
			ListingID:     id,
			Type:          listing.ChangePrice,
			OldValue:      strconv.FormatInt(*existing.ListPrice, 10),
			NewValue:      strconv.FormatInt(*incoming.ListPrice, 10),
			PercentChange: PercentChange(*existing.ListPrice, *incoming.ListPrice),
			DetectedAt:    detectedAt,
		})
	}
	if incoming.Status != "" && existing.Status != "" && incoming.Status != existing.Status {
		changes = append(changes, listing.ChangeRecord{
			ListingID:  id,
			Type:       listing.ChangeStatus,
			OldValue:   string(existing.Status),
			NewValue:   string(incoming.Status),
			DetectedAt: detectedAt,
		})
	}
	return changes
}

// PercentChange is (new-old)/old*100 rounded to one decimal place, or nil
// when old is zero.
func PercentChange(old, new int64) *float64 {
	if old == 0 {
		return nil
	}
	pct := float64(new-old) / float64(old) * 100
	pct = math.Round(pct*10) / 10
	return &pct
}
