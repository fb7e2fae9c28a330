package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
)

func appendChanges(ctx context.Context, q querier, changes []listing.ChangeRecord) error {
	if len(changes) == 0 {
		return nil
	}
	query := `
	INSERT INTO listing_changes (listing_id, change_type, old_value, new_value, percent_change, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	for i := range changes {
		c := &changes[i]
		if c.DetectedAt.IsZero() {
			c.DetectedAt = time.Now()
		}
		res, err := q.ExecContext(ctx, query,
			c.ListingID, string(c.Type), c.OldValue, c.NewValue,
			nullFloat(c.PercentChange), formatTime(c.DetectedAt),
		)
		if err != nil {
			return wrap(fmt.Sprintf("append %s change for %s", c.Type, c.ListingID), err)
		}
		if id, err := res.LastInsertId(); err == nil {
			c.ID = id
		}
	}
	return nil
}

// AppendChanges appends change records. IDs are filled in on success.
func (db *DB) AppendChanges(changes []listing.ChangeRecord) error {
	return db.AppendChangesContext(context.Background(), changes)
}

// AppendChangesContext appends change records with context support.
func (db *DB) AppendChangesContext(ctx context.Context, changes []listing.ChangeRecord) error {
	return appendChanges(ctx, db.conn, changes)
}

// ListChangesFilter contains filters for ListChanges.
type ListChangesFilter struct {
	ListingID string
	Source    string
	Type      listing.ChangeType
	Since     time.Time
	// Unprocessed restricts to records no consumer has marked processed.
	Unprocessed bool
	Limit       int
}

// ListChanges returns change records oldest first.
func (db *DB) ListChanges(ctx context.Context, filter ListChangesFilter) ([]listing.ChangeRecord, error) {
	var where []string
	var args []any
	if filter.ListingID != "" {
		where = append(where, "c.listing_id = ?")
		args = append(args, filter.ListingID)
	}
	if filter.Source != "" {
		where = append(where, "l.source = ?")
		args = append(args, filter.Source)
	}
	if filter.Type != "" {
		where = append(where, "c.change_type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		where = append(where, "c.detected_at >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if filter.Unprocessed {
		where = append(where, "c.processed_at IS NULL")
	}

	query := `
	SELECT c.id, c.listing_id, c.change_type, c.old_value, c.new_value,
	       c.percent_change, c.detected_at, c.processed_at
	FROM listing_changes c
	JOIN listings l ON l.id = c.listing_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list changes", err)
	}
	defer rows.Close()

	var changes []listing.ChangeRecord
	for rows.Next() {
		var c listing.ChangeRecord
		var changeType, detectedAt string
		var pct sql.NullFloat64
		var processedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.ListingID, &changeType, &c.OldValue, &c.NewValue, &pct, &detectedAt, &processedAt); err != nil {
			return nil, wrap("scan change", err)
		}
		c.Type = listing.ChangeType(changeType)
		c.PercentChange = floatFromNull(pct)
		c.DetectedAt = parseTime(detectedAt)
		c.ProcessedAt = nullStringToTime(processedAt)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate changes", err)
	}
	return changes, nil
}

// MarkProcessed stamps processed_at on the given change records. Records
// already processed keep their original stamp. Returns the number marked.
func (db *DB) MarkProcessed(ctx context.Context, ids []int64, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{formatTime(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := db.conn.ExecContext(ctx,
		`UPDATE listing_changes SET processed_at = ? WHERE processed_at IS NULL AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, wrap("mark changes processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("mark changes processed", err)
	}
	return int(n), nil
}
