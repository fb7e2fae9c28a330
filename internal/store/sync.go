package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
)

func getWatermark(ctx context.Context, q querier, provider, feed string) (*listing.Watermark, error) {
	var w listing.Watermark
	var syncedAt, updatedAt string
	var cursor sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT provider, feed, synced_at, cursor, updated_at
		FROM sync_watermarks WHERE provider = ? AND feed = ?`, provider, feed,
	).Scan(&w.Provider, &w.Feed, &syncedAt, &cursor, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(fmt.Sprintf("get watermark %s/%s", provider, feed), err)
	}
	w.SyncedAt = parseTime(syncedAt)
	w.UpdatedAt = parseTime(updatedAt)
	w.Cursor = cursor.String
	return &w, nil
}

func setWatermark(ctx context.Context, q querier, w listing.Watermark) error {
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_watermarks (provider, feed, synced_at, cursor, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(provider, feed) DO UPDATE SET
		synced_at = excluded.synced_at,
		cursor = excluded.cursor,
		updated_at = excluded.updated_at`,
		w.Provider, w.Feed, formatTime(w.SyncedAt), nullString(w.Cursor), formatTime(w.UpdatedAt),
	)
	return wrap(fmt.Sprintf("set watermark %s/%s", w.Provider, w.Feed), err)
}

// GetWatermark returns the watermark for a provider feed, or nil when the
// feed has never completed a run.
func (db *DB) GetWatermark(ctx context.Context, provider, feed string) (*listing.Watermark, error) {
	return getWatermark(ctx, db.conn, provider, feed)
}

// SetWatermark persists a provider feed's watermark.
func (db *DB) SetWatermark(ctx context.Context, w listing.Watermark) error {
	return setWatermark(ctx, db.conn, w)
}

// ListWatermarks returns every watermark ordered by provider and feed.
func (db *DB) ListWatermarks(ctx context.Context) ([]listing.Watermark, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT provider, feed, synced_at, cursor, updated_at
		FROM sync_watermarks ORDER BY provider, feed`)
	if err != nil {
		return nil, wrap("list watermarks", err)
	}
	defer rows.Close()

	var out []listing.Watermark
	for rows.Next() {
		var w listing.Watermark
		var syncedAt, updatedAt string
		var cursor sql.NullString
		if err := rows.Scan(&w.Provider, &w.Feed, &syncedAt, &cursor, &updatedAt); err != nil {
			return nil, wrap("scan watermark", err)
		}
		w.SyncedAt = parseTime(syncedAt)
		w.UpdatedAt = parseTime(updatedAt)
		w.Cursor = cursor.String
		out = append(out, w)
	}
	return out, wrap("iterate watermarks", rows.Err())
}

// AppendRunLog writes a run's audit row. Each run ID is written once.
func (db *DB) AppendRunLog(ctx context.Context, r listing.RunLog) error {
	var detail sql.NullString
	if len(r.Detail) > 0 {
		detail = sql.NullString{String: string(r.Detail), Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_runs (
		id, provider, feed, mode, state,
		fetched, created, updated, skipped, errors,
		started_at, finished_at, error, detail
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Provider, r.Feed, string(r.Mode), string(r.State),
		r.Counts.Fetched, r.Counts.Created, r.Counts.Updated, r.Counts.Skipped, r.Counts.Errors,
		formatTime(r.StartedAt), formatTime(r.FinishedAt), nullString(r.Error), detail,
	)
	return wrap("append run log "+r.ID, err)
}

// ListRunsFilter contains filters for ListRuns.
type ListRunsFilter struct {
	Provider string
	Feed     string
	Limit    int
}

// ListRuns returns run logs newest first.
func (db *DB) ListRuns(ctx context.Context, filter ListRunsFilter) ([]listing.RunLog, error) {
	var where []string
	var args []any
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Feed != "" {
		where = append(where, "feed = ?")
		args = append(args, filter.Feed)
	}
	query := `
	SELECT id, provider, feed, mode, state, fetched, created, updated, skipped, errors,
	       started_at, finished_at, error, detail
	FROM sync_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list runs", err)
	}
	defer rows.Close()

	var runs []listing.RunLog
	for rows.Next() {
		var r listing.RunLog
		var mode, state, startedAt, finishedAt string
		var runErr, detail sql.NullString
		err := rows.Scan(&r.ID, &r.Provider, &r.Feed, &mode, &state,
			&r.Counts.Fetched, &r.Counts.Created, &r.Counts.Updated, &r.Counts.Skipped, &r.Counts.Errors,
			&startedAt, &finishedAt, &runErr, &detail)
		if err != nil {
			return nil, wrap("scan run", err)
		}
		r.Mode = listing.Mode(mode)
		r.State = listing.RunState(state)
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseTime(finishedAt)
		r.Error = runErr.String
		if detail.Valid {
			r.Detail = []byte(detail.String)
		}
		runs = append(runs, r)
	}
	return runs, wrap("iterate runs", rows.Err())
}

// Lock is a held run lock.
type Lock struct {
	Provider   string    `json:"provider"`
	Feed       string    `json:"feed"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock takes the run lock for a provider feed. The lock is granted
// when free, or when the current holder acquired it more than ttl ago.
// Returns ErrRunInProgress otherwise.
func (db *DB) AcquireLock(ctx context.Context, provider, feed, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_locks (provider, feed, owner, acquired_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(provider, feed) DO UPDATE SET
		owner = excluded.owner,
		acquired_at = excluded.acquired_at
	WHERE sync_locks.acquired_at < ?`,
		provider, feed, owner, formatTime(now), formatTime(now.Add(-ttl)),
	)
	if err != nil {
		return wrap(fmt.Sprintf("acquire lock %s/%s", provider, feed), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(fmt.Sprintf("acquire lock %s/%s", provider, feed), err)
	}
	if n == 0 {
		holder, _ := db.getLock(ctx, provider, feed)
		if holder != nil {
			return fmt.Errorf("%w: %s/%s held by %s since %s", ErrRunInProgress,
				provider, feed, holder.Owner, holder.AcquiredAt.Format(time.RFC3339))
		}
		return fmt.Errorf("%w: %s/%s", ErrRunInProgress, provider, feed)
	}
	return nil
}

// ReleaseLock releases a lock held by owner. Releasing a lock that owner no
// longer holds is a no-op.
func (db *DB) ReleaseLock(ctx context.Context, provider, feed, owner string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE provider = ? AND feed = ? AND owner = ?`,
		provider, feed, owner)
	return wrap(fmt.Sprintf("release lock %s/%s", provider, feed), err)
}

func (db *DB) getLock(ctx context.Context, provider, feed string) (*Lock, error) {
	var l Lock
	var acquiredAt string
	err := db.conn.QueryRowContext(ctx,
		`SELECT provider, feed, owner, acquired_at FROM sync_locks WHERE provider = ? AND feed = ?`,
		provider, feed,
	).Scan(&l.Provider, &l.Feed, &l.Owner, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get lock", err)
	}
	l.AcquiredAt = parseTime(acquiredAt)
	return &l, nil
}

// ListLocks returns all held locks.
func (db *DB) ListLocks(ctx context.Context) ([]Lock, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT provider, feed, owner, acquired_at FROM sync_locks ORDER BY provider, feed`)
	if err != nil {
		return nil, wrap("list locks", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var l Lock
		var acquiredAt string
		if err := rows.Scan(&l.Provider, &l.Feed, &l.Owner, &acquiredAt); err != nil {
			return nil, wrap("scan lock", err)
		}
		l.AcquiredAt = parseTime(acquiredAt)
		locks = append(locks, l)
	}
	return locks, wrap("iterate locks", rows.Err())
}
