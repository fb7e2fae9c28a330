package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
)

func syncedAt(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return formatTime(t)
}

// upsertRevision runs an upsert that RETURNs its revision column.
func upsertRevision(ctx context.Context, q querier, op, query string, args ...any) (UpsertResult, error) {
	var revision int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&revision); err != nil {
		return 0, wrap(op, err)
	}
	if revision == 1 {
		return Created, nil
	}
	return Updated, nil
}

func upsertAgent(ctx context.Context, q querier, a *listing.Agent) (UpsertResult, error) {
	if a.Source == "" || a.Key == "" {
		return 0, wrap("upsert agent", fmt.Errorf("natural key (%q, %q) is incomplete", a.Source, a.Key))
	}
	return upsertRevision(ctx, q, "upsert agent "+a.Key, `
	INSERT INTO agents (source, member_key, full_name, email, phone, office_key, license_number, modified_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, member_key) DO UPDATE SET
		revision = agents.revision + 1,
		full_name = COALESCE(excluded.full_name, agents.full_name),
		email = COALESCE(excluded.email, agents.email),
		phone = COALESCE(excluded.phone, agents.phone),
		office_key = COALESCE(excluded.office_key, agents.office_key),
		license_number = COALESCE(excluded.license_number, agents.license_number),
		modified_at = COALESCE(excluded.modified_at, agents.modified_at),
		synced_at = excluded.synced_at
	RETURNING revision`,
		a.Source, a.Key,
		nullString(a.FullName), nullString(a.Email), nullString(a.Phone),
		nullString(a.OfficeKey), nullString(a.LicenseNumber),
		timeToNullString(a.ModifiedAt), syncedAt(a.SyncedAt),
	)
}

func upsertOffice(ctx context.Context, q querier, o *listing.Office) (UpsertResult, error) {
	if o.Source == "" || o.Key == "" {
		return 0, wrap("upsert office", fmt.Errorf("natural key (%q, %q) is incomplete", o.Source, o.Key))
	}
	return upsertRevision(ctx, q, "upsert office "+o.Key, `
	INSERT INTO offices (source, office_key, name, phone, email, city, modified_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, office_key) DO UPDATE SET
		revision = offices.revision + 1,
		name = COALESCE(excluded.name, offices.name),
		phone = COALESCE(excluded.phone, offices.phone),
		email = COALESCE(excluded.email, offices.email),
		city = COALESCE(excluded.city, offices.city),
		modified_at = COALESCE(excluded.modified_at, offices.modified_at),
		synced_at = excluded.synced_at
	RETURNING revision`,
		o.Source, o.Key,
		nullString(o.Name), nullString(o.Phone), nullString(o.Email), nullString(o.City),
		timeToNullString(o.ModifiedAt), syncedAt(o.SyncedAt),
	)
}

func upsertOpenHouse(ctx context.Context, q querier, oh *listing.OpenHouse) (UpsertResult, error) {
	if oh.Source == "" || oh.Key == "" {
		return 0, wrap("upsert open house", fmt.Errorf("natural key (%q, %q) is incomplete", oh.Source, oh.Key))
	}
	return upsertRevision(ctx, q, "upsert open house "+oh.Key, `
	INSERT INTO open_houses (source, open_house_key, listing_key, listing_id, starts_at, ends_at, type, remarks, modified_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, open_house_key) DO UPDATE SET
		revision = open_houses.revision + 1,
		listing_key = COALESCE(excluded.listing_key, open_houses.listing_key),
		listing_id = COALESCE(excluded.listing_id, open_houses.listing_id),
		starts_at = COALESCE(excluded.starts_at, open_houses.starts_at),
		ends_at = COALESCE(excluded.ends_at, open_houses.ends_at),
		type = COALESCE(excluded.type, open_houses.type),
		remarks = COALESCE(excluded.remarks, open_houses.remarks),
		modified_at = COALESCE(excluded.modified_at, open_houses.modified_at),
		synced_at = excluded.synced_at
	RETURNING revision`,
		oh.Source, oh.Key,
		nullString(oh.ListingKey), nullString(oh.ListingID),
		timeToNullString(oh.StartsAt), timeToNullString(oh.EndsAt),
		nullString(oh.Type), nullString(oh.Remarks),
		timeToNullString(oh.ModifiedAt), syncedAt(oh.SyncedAt),
	)
}

// UpsertAgent inserts or merges an agent by (source, member key).
func (db *DB) UpsertAgent(ctx context.Context, a *listing.Agent) (UpsertResult, error) {
	return upsertAgent(ctx, db.conn, a)
}

// UpsertOffice inserts or merges an office by (source, office key).
func (db *DB) UpsertOffice(ctx context.Context, o *listing.Office) (UpsertResult, error) {
	return upsertOffice(ctx, db.conn, o)
}

// UpsertOpenHouse inserts or merges an open house by (source, key).
func (db *DB) UpsertOpenHouse(ctx context.Context, oh *listing.OpenHouse) (UpsertResult, error) {
	return upsertOpenHouse(ctx, db.conn, oh)
}

// GetAgent returns the agent for (source, key), or nil.
func (db *DB) GetAgent(ctx context.Context, source, key string) (*listing.Agent, error) {
	var a listing.Agent
	var name, email, phone, office, license, modified sql.NullString
	var synced string
	err := db.conn.QueryRowContext(ctx, `
		SELECT source, member_key, full_name, email, phone, office_key, license_number, modified_at, synced_at
		FROM agents WHERE source = ? AND member_key = ?`, source, key,
	).Scan(&a.Source, &a.Key, &name, &email, &phone, &office, &license, &modified, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get agent "+key, err)
	}
	a.FullName = name.String
	a.Email = email.String
	a.Phone = phone.String
	a.OfficeKey = office.String
	a.LicenseNumber = license.String
	a.ModifiedAt = nullStringToTime(modified)
	a.SyncedAt = parseTime(synced)
	return &a, nil
}

// EntityCounts returns row counts for the secondary entity tables.
func (db *DB) EntityCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for feed, table := range map[string]string{
		listing.FeedMember:    "agents",
		listing.FeedOffice:    "offices",
		listing.FeedOpenHouse: "open_houses",
	} {
		var n int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, wrap("count "+table, err)
		}
		counts[feed] = n
	}
	return counts, nil
}
