// Package listing defines the canonical property-listing model shared by the
// mapper, change detector, store and sync orchestrator.
//
// Every provider-specific schema converges on these types. Optional fields
// are pointers (or empty strings) so that "absent upstream" can be told apart
// from "present with a zero value"; the store relies on that distinction to
// merge partial updates without erasing previously populated data.
package listing

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the normalized listing status.
type Status string

// Canonical statuses. Provider vocabularies are mapped onto these; values
// with no mapping pass through uppercased, so Status is not a closed set.
const (
	StatusActive     Status = "ACTIVE"
	StatusPending    Status = "PENDING"
	StatusSold       Status = "SOLD"
	StatusExpired    Status = "EXPIRED"
	StatusWithdrawn  Status = "WITHDRAWN"
	StatusCancelled  Status = "CANCELLED"
	StatusComingSoon Status = "COMING_SOON"
	StatusHold       Status = "HOLD"
	StatusDeleted    Status = "DELETED"
	StatusUnknown    Status = "UNKNOWN"
)

// KnownStatuses lists the canonical statuses in display order.
var KnownStatuses = []Status{
	StatusActive, StatusPending, StatusSold, StatusExpired, StatusWithdrawn,
	StatusCancelled, StatusComingSoon, StatusHold, StatusDeleted, StatusUnknown,
}

// IsKnown reports whether s is one of the canonical statuses.
func (s Status) IsKnown() bool {
	for _, k := range KnownStatuses {
		if s == k {
			return true
		}
	}
	return false
}

// DateLayout is the storage and display layout for calendar dates.
const DateLayout = "2006-01-02"

// Address is a structured street address. Full is the assembled single-line
// form (or the provider's unparsed address when no components were sent).
type Address struct {
	Full            string `json:"full,omitempty"`
	StreetNumber    string `json:"street_number,omitempty"`
	StreetName      string `json:"street_name,omitempty"`
	Unit            string `json:"unit,omitempty"`
	City            string `json:"city,omitempty"`
	StateOrProvince string `json:"state_or_province,omitempty"`
	PostalCode      string `json:"postal_code,omitempty"`
	County          string `json:"county,omitempty"`
}

// Photo is a single ordered media entry.
type Photo struct {
	URL     string `json:"url"`
	Order   int    `json:"order"`
	Caption string `json:"caption,omitempty"`
}

// Listing is the canonical property record.
//
// (Source, ExternalID) is the natural key and never changes once stored.
// ID is derived from it with StableID.
type Listing struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`

	Status          Status `json:"status,omitempty"`
	PropertyType    string `json:"property_type,omitempty"`
	PropertySubType string `json:"property_sub_type,omitempty"`

	ListPrice         *int64 `json:"list_price,omitempty"`
	OriginalListPrice *int64 `json:"original_list_price,omitempty"`
	ClosePrice        *int64 `json:"close_price,omitempty"`

	ListDate       *time.Time `json:"list_date,omitempty"`
	CloseDate      *time.Time `json:"close_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`

	Beds       *int     `json:"beds,omitempty"`
	Baths      *float64 `json:"baths,omitempty"`
	LivingArea *int     `json:"living_area,omitempty"`
	LotAcres   *float64 `json:"lot_acres,omitempty"`
	YearBuilt  *int     `json:"year_built,omitempty"`

	Address   Address  `json:"address"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Geohash   string   `json:"geohash,omitempty"`

	// Photos is nil when the upstream record carried no media collection at
	// all, and an empty slice when it carried one with no photos.
	Photos       []Photo `json:"photos,omitempty"`
	PrimaryPhoto string  `json:"primary_photo,omitempty"`

	Remarks       string `json:"remarks,omitempty"`
	ListAgentKey  string `json:"list_agent_key,omitempty"`
	ListOfficeKey string `json:"list_office_key,omitempty"`

	// ModifiedAt is the provider's last-modification timestamp.
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	// SyncedAt is stamped locally on every touch.
	SyncedAt time.Time `json:"synced_at"`
}

// StableID returns the surrogate identifier for a natural key: the first 12
// hex characters of sha256("source:externalID").
func StableID(source, externalID string) string {
	sum := sha256.Sum256([]byte(source + ":" + externalID))
	return hex.EncodeToString(sum[:])[:12]
}

// Agent is a listing member (agent) keyed by the provider's member key.
type Agent struct {
	Source        string     `json:"source"`
	Key           string     `json:"key"`
	FullName      string     `json:"full_name,omitempty"`
	Email         string     `json:"email,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	OfficeKey     string     `json:"office_key,omitempty"`
	LicenseNumber string     `json:"license_number,omitempty"`
	ModifiedAt    *time.Time `json:"modified_at,omitempty"`
	SyncedAt      time.Time  `json:"synced_at"`
}

// Office is a brokerage office keyed by the provider's office key.
type Office struct {
	Source     string     `json:"source"`
	Key        string     `json:"key"`
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Email      string     `json:"email,omitempty"`
	City       string     `json:"city,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
}

// OpenHouse is a scheduled showing keyed by the provider's open-house key.
type OpenHouse struct {
	Source     string     `json:"source"`
	Key        string     `json:"key"`
	ListingKey string     `json:"listing_key,omitempty"`
	ListingID  string     `json:"listing_id,omitempty"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	Type       string     `json:"type,omitempty"`
	Remarks    string     `json:"remarks,omitempty"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
}
