package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/homefeed/mlsync/internal/listing"
)

// Batch is a write transaction. Reads through a Batch see its own
// uncommitted writes. A Batch must end with Commit or Rollback.
type Batch struct {
	tx   *sql.Tx
	ops  int
	done bool
}

// BeginBatch starts a write transaction. With the immediate transaction
// lock the write lock is taken here, waiting up to the busy timeout.
func (db *DB) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("begin batch", err)
	}
	return &Batch{tx: tx}, nil
}

// Len returns the number of writes issued in the batch.
func (b *Batch) Len() int {
	return b.ops
}

// GetByNaturalKey reads a listing within the batch.
func (b *Batch) GetByNaturalKey(ctx context.Context, source, externalID string) (*listing.Listing, error) {
	return getByNaturalKey(ctx, b.tx, source, externalID)
}

// UpsertListing inserts or merges a listing within the batch.
func (b *Batch) UpsertListing(ctx context.Context, l *listing.Listing) (UpsertResult, error) {
	b.ops++
	return upsertListing(ctx, b.tx, l)
}

// UpsertAgent inserts or merges an agent within the batch.
func (b *Batch) UpsertAgent(ctx context.Context, a *listing.Agent) (UpsertResult, error) {
	b.ops++
	return upsertAgent(ctx, b.tx, a)
}

// UpsertOffice inserts or merges an office within the batch.
func (b *Batch) UpsertOffice(ctx context.Context, o *listing.Office) (UpsertResult, error) {
	b.ops++
	return upsertOffice(ctx, b.tx, o)
}

// UpsertOpenHouse inserts or merges an open house within the batch.
func (b *Batch) UpsertOpenHouse(ctx context.Context, oh *listing.OpenHouse) (UpsertResult, error) {
	b.ops++
	return upsertOpenHouse(ctx, b.tx, oh)
}

// AppendChanges appends change records within the batch.
func (b *Batch) AppendChanges(ctx context.Context, changes []listing.ChangeRecord) error {
	b.ops += len(changes)
	return appendChanges(ctx, b.tx, changes)
}

// Commit makes the batch durable.
func (b *Batch) Commit() error {
	if b.done {
		return wrap("commit batch", errors.New("batch already finished"))
	}
	b.done = true
	return wrap("commit batch", b.tx.Commit())
}

// Rollback discards the batch. Rolling back a finished batch is a no-op.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true
	return wrap("rollback batch", b.tx.Rollback())
}
