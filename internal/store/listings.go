package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
)

// UpsertResult reports whether an upsert inserted or merged.
type UpsertResult int

const (
	Created UpsertResult = iota + 1
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	}
	return "unknown"
}

const listingColumns = `
	id, source, external_id,
	status, property_type, property_sub_type,
	list_price, original_list_price, close_price,
	list_date, close_date, expiration_date,
	beds, baths, living_area, lot_acres, year_built,
	address_full, street_number, street_name, unit, city, state_or_province, postal_code, county,
	latitude, longitude, geohash,
	photos, primary_photo,
	remarks, list_agent_key, list_office_key,
	modified_at, synced_at`

// upsertListingSQL merges with COALESCE so NULL (absent) incoming values
// keep the stored value. photos/primary_photo move together: a present media
// collection replaces both, an absent one leaves both alone. The revision
// returned is 1 only for a fresh insert.
const upsertListingSQL = `
	INSERT INTO listings (` + listingColumns + `, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, external_id) DO UPDATE SET
		revision = listings.revision + 1,
		status = COALESCE(excluded.status, listings.status),
		property_type = COALESCE(excluded.property_type, listings.property_type),
		property_sub_type = COALESCE(excluded.property_sub_type, listings.property_sub_type),
		list_price = COALESCE(excluded.list_price, listings.list_price),
		original_list_price = COALESCE(excluded.original_list_price, listings.original_list_price),
		close_price = COALESCE(excluded.close_price, listings.close_price),
		list_date = COALESCE(excluded.list_date, listings.list_date),
		close_date = COALESCE(excluded.close_date, listings.close_date),
		expiration_date = COALESCE(excluded.expiration_date, listings.expiration_date),
		beds = COALESCE(excluded.beds, listings.beds),
		baths = COALESCE(excluded.baths, listings.baths),
		living_area = COALESCE(excluded.living_area, listings.living_area),
		lot_acres = COALESCE(excluded.lot_acres, listings.lot_acres),
		year_built = COALESCE(excluded.year_built, listings.year_built),
		address_full = COALESCE(excluded.address_full, listings.address_full),
		street_number = COALESCE(excluded.street_number, listings.street_number),
		street_name = COALESCE(excluded.street_name, listings.street_name),
		unit = COALESCE(excluded.unit, listings.unit),
		city = COALESCE(excluded.city, listings.city),
		state_or_province = COALESCE(excluded.state_or_province, listings.state_or_province),
		postal_code = COALESCE(excluded.postal_code, listings.postal_code),
		county = COALESCE(excluded.county, listings.county),
		latitude = COALESCE(excluded.latitude, listings.latitude),
		longitude = COALESCE(excluded.longitude, listings.longitude),
		geohash = COALESCE(excluded.geohash, listings.geohash),
		primary_photo = CASE WHEN excluded.photos IS NOT NULL
			THEN excluded.primary_photo ELSE listings.primary_photo END,
		photos = COALESCE(excluded.photos, listings.photos),
		remarks = COALESCE(excluded.remarks, listings.remarks),
		list_agent_key = COALESCE(excluded.list_agent_key, listings.list_agent_key),
		list_office_key = COALESCE(excluded.list_office_key, listings.list_office_key),
		modified_at = COALESCE(excluded.modified_at, listings.modified_at),
		synced_at = excluded.synced_at
	RETURNING revision`

func upsertListing(ctx context.Context, q querier, l *listing.Listing) (UpsertResult, error) {
	if l.Source == "" || l.ExternalID == "" {
		return 0, wrap("upsert listing", fmt.Errorf("natural key (%q, %q) is incomplete", l.Source, l.ExternalID))
	}
	if l.ID == "" {
		l.ID = listing.StableID(l.Source, l.ExternalID)
	}
	if l.SyncedAt.IsZero() {
		l.SyncedAt = time.Now()
	}

	var photos sql.NullString
	if l.Photos != nil {
		b, err := json.Marshal(l.Photos)
		if err != nil {
			return 0, wrap("marshal photos", err)
		}
		photos = sql.NullString{String: string(b), Valid: true}
	}
	now := formatTime(l.SyncedAt)

	var revision int64
	err := q.QueryRowContext(ctx, upsertListingSQL,
		l.ID, l.Source, l.ExternalID,
		nullString(string(l.Status)), nullString(l.PropertyType), nullString(l.PropertySubType),
		nullInt64(l.ListPrice), nullInt64(l.OriginalListPrice), nullInt64(l.ClosePrice),
		dateToNullString(l.ListDate), dateToNullString(l.CloseDate), dateToNullString(l.ExpirationDate),
		nullInt(l.Beds), nullFloat(l.Baths), nullInt(l.LivingArea), nullFloat(l.LotAcres), nullInt(l.YearBuilt),
		nullString(l.Address.Full), nullString(l.Address.StreetNumber), nullString(l.Address.StreetName),
		nullString(l.Address.Unit), nullString(l.Address.City), nullString(l.Address.StateOrProvince),
		nullString(l.Address.PostalCode), nullString(l.Address.County),
		nullFloat(l.Latitude), nullFloat(l.Longitude), nullString(l.Geohash),
		photos, nullString(l.PrimaryPhoto),
		nullString(l.Remarks), nullString(l.ListAgentKey), nullString(l.ListOfficeKey),
		timeToNullString(l.ModifiedAt), now,
		now,
	).Scan(&revision)
	if err != nil {
		return 0, wrap(fmt.Sprintf("upsert listing %s:%s", l.Source, l.ExternalID), err)
	}
	if revision == 1 {
		return Created, nil
	}
	return Updated, nil
}

func getByNaturalKey(ctx context.Context, q querier, source, externalID string) (*listing.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE source = ? AND external_id = ?`
	rows, err := q.QueryContext(ctx, query, source, externalID)
	if err != nil {
		return nil, wrap("query listing", err)
	}
	defer rows.Close()

	listings, err := scanListings(rows)
	if err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		return nil, nil
	}
	return listings[0], nil
}

// UpsertListing inserts or merges a listing by its natural key.
func (db *DB) UpsertListing(l *listing.Listing) (UpsertResult, error) {
	return db.UpsertListingContext(context.Background(), l)
}

// UpsertListingContext inserts or merges a listing with context support.
func (db *DB) UpsertListingContext(ctx context.Context, l *listing.Listing) (UpsertResult, error) {
	return upsertListing(ctx, db.conn, l)
}

// GetByNaturalKey returns the listing for (source, externalID), or nil
// when none is stored.
func (db *DB) GetByNaturalKey(source, externalID string) (*listing.Listing, error) {
	return db.GetByNaturalKeyContext(context.Background(), source, externalID)
}

// GetByNaturalKeyContext is GetByNaturalKey with context support.
func (db *DB) GetByNaturalKeyContext(ctx context.Context, source, externalID string) (*listing.Listing, error) {
	return getByNaturalKey(ctx, db.conn, source, externalID)
}

// GetListing returns a listing by surrogate ID, or nil.
func (db *DB) GetListing(ctx context.Context, id string) (*listing.Listing, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	if err != nil {
		return nil, wrap("query listing", err)
	}
	defer rows.Close()

	listings, err := scanListings(rows)
	if err != nil || len(listings) == 0 {
		return nil, err
	}
	return listings[0], nil
}

// ListListingsFilter contains filters for ListListings.
type ListListingsFilter struct {
	Source string
	Status listing.Status
	// GeohashPrefix matches listings within a geohash cell.
	GeohashPrefix string
	Limit         int
}

// ListListings returns listings matching filter, most recently synced first.
func (db *DB) ListListings(ctx context.Context, filter ListListingsFilter) ([]*listing.Listing, error) {
	var where []string
	var args []any
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.GeohashPrefix != "" {
		where = append(where, "geohash LIKE ?")
		args = append(args, filter.GeohashPrefix+"%")
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY synced_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list listings", err)
	}
	defer rows.Close()
	return scanListings(rows)
}

// CountByStatus returns the number of listings per status for source, or
// for all sources when source is empty.
func (db *DB) CountByStatus(ctx context.Context, source string) (map[listing.Status]int, error) {
	query := `SELECT COALESCE(status, ''), COUNT(*) FROM listings`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` GROUP BY status`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("count listings", err)
	}
	defer rows.Close()

	counts := make(map[listing.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrap("scan listing count", err)
		}
		counts[listing.Status(status)] = n
	}
	return counts, wrap("iterate listing counts", rows.Err())
}

// scanListings scans rows selected with listingColumns.
func scanListings(rows *sql.Rows) ([]*listing.Listing, error) {
	var listings []*listing.Listing

	for rows.Next() {
		var l listing.Listing
		var (
			status, propertyType, propertySubType        sql.NullString
			listPrice, originalListPrice, closePrice     sql.NullInt64
			listDate, closeDate, expirationDate          sql.NullString
			beds, livingArea, yearBuilt                  sql.NullInt64
			baths, lotAcres, latitude, longitude         sql.NullFloat64
			full, number, street, unit, city, state, zip sql.NullString
			county, geohash, photos, primaryPhoto        sql.NullString
			remarks, agentKey, officeKey                 sql.NullString
			modifiedAt                                   sql.NullString
			syncedAt                                     string
		)

		err := rows.Scan(
			&l.ID, &l.Source, &l.ExternalID,
			&status, &propertyType, &propertySubType,
			&listPrice, &originalListPrice, &closePrice,
			&listDate, &closeDate, &expirationDate,
			&beds, &baths, &livingArea, &lotAcres, &yearBuilt,
			&full, &number, &street, &unit, &city, &state, &zip, &county,
			&latitude, &longitude, &geohash,
			&photos, &primaryPhoto,
			&remarks, &agentKey, &officeKey,
			&modifiedAt, &syncedAt,
		)
		if err != nil {
			return nil, wrap("scan listing", err)
		}

		l.Status = listing.Status(status.String)
		l.PropertyType = propertyType.String
		l.PropertySubType = propertySubType.String
		l.ListPrice = int64FromNull(listPrice)
		l.OriginalListPrice = int64FromNull(originalListPrice)
		l.ClosePrice = int64FromNull(closePrice)
		l.ListDate = nullStringToDate(listDate)
		l.CloseDate = nullStringToDate(closeDate)
		l.ExpirationDate = nullStringToDate(expirationDate)
		l.Beds = intFromNull(beds)
		l.Baths = floatFromNull(baths)
		l.LivingArea = intFromNull(livingArea)
		l.LotAcres = floatFromNull(lotAcres)
		l.YearBuilt = intFromNull(yearBuilt)
		l.Address = listing.Address{
			Full:            full.String,
			StreetNumber:    number.String,
			StreetName:      street.String,
			Unit:            unit.String,
			City:            city.String,
			StateOrProvince: state.String,
			PostalCode:      zip.String,
			County:          county.String,
		}
		l.Latitude = floatFromNull(latitude)
		l.Longitude = floatFromNull(longitude)
		l.Geohash = geohash.String
		if photos.Valid {
			if err := json.Unmarshal([]byte(photos.String), &l.Photos); err != nil {
				return nil, wrap("unmarshal photos for "+l.ID, err)
			}
			if l.Photos == nil {
				l.Photos = []listing.Photo{}
			}
		}
		l.PrimaryPhoto = primaryPhoto.String
		l.Remarks = remarks.String
		l.ListAgentKey = agentKey.String
		l.ListOfficeKey = officeKey.String
		l.ModifiedAt = nullStringToTime(modifiedAt)
		l.SyncedAt = parseTime(syncedAt)

		listings = append(listings, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("iterate listings", err)
	}
	return listings, nil
}
