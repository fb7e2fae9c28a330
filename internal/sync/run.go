package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/homefeed/mlsync/internal/detect"
	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/mapper"
	"github.com/homefeed/mlsync/internal/metrics"
	"github.com/homefeed/mlsync/internal/provider"
	"github.com/homefeed/mlsync/internal/store"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeError
)

func (o outcome) String() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	case outcomeError:
		return "error"
	default:
		return "skipped"
	}
}

// recordHandler processes one raw record inside the open batch. A non-nil
// error aborts the run; per-record failures are reported as outcomeError.
type recordHandler func(ctx context.Context, r *run, b *store.Batch, raw provider.Record) (outcome, error)

type transition struct {
	State listing.RunState `json:"state"`
	At    time.Time        `json:"at"`
}

type recordError struct {
	Page       int    `json:"page"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error"`
}

type pendingChange struct {
	listing listing.Listing
	changes []listing.ChangeRecord
}

// run is the mutable state of one invocation.
type run struct {
	summary Summary
	filter  provider.Filter

	page        int
	inBatch     int
	pending     listing.Counts
	pendingChgs []pendingChange
	transitions []transition
	samples     []recordError
	maxSamples  int
}

func (r *run) transition(s listing.RunState, at time.Time) {
	r.summary.State = s
	r.transitions = append(r.transitions, transition{State: s, At: at.UTC()})
}

func (r *run) recordFailure(externalID string, err error) {
	if len(r.samples) >= r.maxSamples {
		return
	}
	r.samples = append(r.samples, recordError{Page: r.page, ExternalID: externalID, Error: err.Error()})
}

func (r *run) count(o outcome) {
	switch o {
	case outcomeCreated:
		r.pending.Created++
	case outcomeUpdated:
		r.pending.Updated++
	case outcomeError:
		r.pending.Errors++
	default:
		r.pending.Skipped++
	}
}

// settle folds the open batch's counts into the run totals.
func (r *run) settle() {
	c := &r.summary.Counts
	c.Created += r.pending.Created
	c.Updated += r.pending.Updated
	c.Skipped += r.pending.Skipped
	c.Errors += r.pending.Errors
	for _, pc := range r.pendingChgs {
		r.summary.Changes += len(pc.changes)
	}
	r.pending = listing.Counts{}
	r.inBatch = 0
}

// discard drops the open batch's pending work after a rollback.
func (r *run) discard() {
	r.pending = listing.Counts{}
	r.pendingChgs = nil
	r.inBatch = 0
}

func (r *run) detail() json.RawMessage {
	d := struct {
		Filter      provider.Filter  `json:"filter"`
		Since       *time.Time       `json:"since,omitempty"`
		DryRun      bool             `json:"dry_run,omitempty"`
		Provider    provider.Stats   `json:"provider"`
		Transitions []transition     `json:"transitions"`
		Samples     []recordError    `json:"error_samples,omitempty"`
		Error       string           `json:"error,omitempty"`
		Pages       int              `json:"pages"`
		Counts      listing.Counts   `json:"counts"`
		State       listing.RunState `json:"state"`
	}{
		Filter:      r.filter,
		Since:       r.summary.Since,
		DryRun:      r.summary.DryRun,
		Provider:    r.summary.Requests,
		Transitions: r.transitions,
		Samples:     r.samples,
		Error:       r.summary.Error,
		Pages:       r.page,
		Counts:      r.summary.Counts,
		State:       r.summary.State,
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return data
}

func (o *Orchestrator) execute(ctx context.Context, mode listing.Mode, feed string, filter provider.Filter, opts Options, handle recordHandler) (*Summary, error) {
	name := o.src.Name()
	started := o.now()

	r := &run{
		summary: Summary{
			RunID:     uuid.NewString(),
			Provider:  name,
			Feed:      feed,
			Mode:      mode,
			DryRun:    opts.DryRun,
			StartedAt: started,
		},
		filter:     filter,
		maxSamples: o.cfg.MaxErrorSamples,
	}
	if !filter.ModifiedSince.IsZero() {
		since := filter.ModifiedSince
		r.summary.Since = &since
	}

	if err := o.db.AcquireLock(ctx, name, feed, r.summary.RunID, o.cfg.LockTTL); err != nil {
		return nil, err
	}
	defer func() {
		// Release on a fresh context so a cancelled run still frees the lock.
		if err := o.db.ReleaseLock(context.Background(), name, feed, r.summary.RunID); err != nil {
			o.logger.Printf("WARNING: failed to release run lock: %v", err)
		}
	}()

	o.src.ResetStats()
	o.setState(r, listing.StateIdle)
	o.notify.RunStarted(r.summary)
	o.logger.Printf("Starting %s %s sync (run %s)", mode, feed, r.summary.RunID)

	runErr := o.fetchAndProcess(ctx, r, opts, handle)

	o.setState(r, listing.StateFinalizing)
	r.summary.Requests = o.src.Stats()
	final := listing.StateCompleted
	if runErr != nil {
		final = listing.StateFailed
		r.summary.Error = runErr.Error()
		if isStoreError(runErr) {
			o.logger.Printf("Run %s aborted by store failure: %v", r.summary.RunID, runErr)
		} else {
			o.logger.Printf("Run %s aborted by provider failure: %v", r.summary.RunID, runErr)
		}
	}

	if runErr == nil && !opts.DryRun {
		wm := listing.Watermark{Provider: name, Feed: feed, SyncedAt: started, UpdatedAt: o.now()}
		if err := o.db.SetWatermark(ctx, wm); err != nil {
			runErr = err
			final = listing.StateFailed
			r.summary.Error = err.Error()
		} else {
			metrics.WatermarkTimestamp.WithLabelValues(name, feed).Set(float64(started.Unix()))
		}
	}

	o.setState(r, final)
	r.summary.FinishedAt = o.now()

	if !opts.DryRun {
		entry := listing.RunLog{
			ID:         r.summary.RunID,
			Provider:   name,
			Feed:       feed,
			Mode:       mode,
			State:      final,
			Counts:     r.summary.Counts,
			StartedAt:  r.summary.StartedAt,
			FinishedAt: r.summary.FinishedAt,
			Error:      r.summary.Error,
			Detail:     r.detail(),
		}
		// The run log is written even for failed runs.
		if err := o.db.AppendRunLog(context.Background(), entry); err != nil {
			o.logger.Printf("WARNING: failed to write run log: %v", err)
		}
	}

	o.observe(r)
	o.notify.RunFinished(r.summary)

	c := r.summary.Counts
	o.logger.Printf("Finished %s %s sync: state=%s fetched=%d created=%d updated=%d skipped=%d errors=%d changes=%d duration=%v",
		mode, feed, final, c.Fetched, c.Created, c.Updated, c.Skipped, c.Errors, r.summary.Changes,
		r.summary.Duration().Round(time.Millisecond))

	summary := r.summary
	if runErr != nil {
		return &summary, runErr
	}
	return &summary, nil
}

func (o *Orchestrator) fetchAndProcess(ctx context.Context, r *run, opts Options, handle recordHandler) error {
	o.setState(r, listing.StateFetching)

	var batch *store.Batch
	var storeErr error

	commit := func() error {
		if batch == nil {
			return nil
		}
		b := batch
		batch = nil
		if opts.DryRun {
			if err := b.Rollback(); err != nil {
				return err
			}
		} else if err := b.Commit(); err != nil {
			r.discard()
			return err
		}
		r.settle()
		if !opts.DryRun {
			for _, pc := range r.pendingChgs {
				o.notify.ListingChanged(pc.listing, pc.changes)
			}
		}
		r.pendingChgs = nil
		return nil
	}

	err := o.src.Walk(ctx, r.filter, opts.MaxRecords, func(page int, records []provider.Record) error {
		r.page = page
		if r.summary.State != listing.StateUpserting {
			o.setState(r, listing.StateUpserting)
		}
		for _, raw := range records {
			r.summary.Counts.Fetched++
			if batch == nil {
				b, err := o.db.BeginBatch(ctx)
				if err != nil {
					storeErr = err
					return err
				}
				batch = b
			}

			out, err := o.safeHandle(ctx, r, batch, raw, handle)
			if err != nil {
				storeErr = err
				return err
			}
			r.count(out)
			r.inBatch++
			metrics.SyncRecordsTotal.WithLabelValues(r.summary.Provider, r.summary.Feed, out.String()).Inc()

			if r.inBatch >= o.cfg.BatchSize {
				if err := commit(); err != nil {
					storeErr = err
					return err
				}
			}
		}
		// No write transaction stays open across the next page fetch.
		if err := commit(); err != nil {
			storeErr = err
			return err
		}
		o.logger.Printf("Page %d: %d records (fetched %d so far)", page, len(records), r.summary.Counts.Fetched)
		return nil
	})

	if storeErr != nil {
		// The failed batch is discarded; earlier batches stay committed.
		if batch != nil {
			_ = batch.Rollback()
			r.discard()
		}
		return fmt.Errorf("store failure on page %d: %w", r.page, storeErr)
	}

	// Keep whatever the provider delivered before it failed.
	if cerr := commit(); cerr != nil {
		if err != nil {
			o.logger.Printf("WARNING: failed to commit partial batch: %v", cerr)
			return err
		}
		return fmt.Errorf("store failure committing final batch: %w", cerr)
	}
	if err != nil && provider.IsUserActionRequired(err) {
		o.logger.Printf("Provider %s rejected credentials; check the configured token", r.summary.Provider)
	}
	return err
}

// safeHandle runs handle, converting a panic into a per-record error.
func (o *Orchestrator) safeHandle(ctx context.Context, r *run, b *store.Batch, raw provider.Record, handle recordHandler) (out outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			perr := fmt.Errorf("panic processing record: %v", p)
			o.logger.Printf("WARNING: %v", perr)
			r.recordFailure(o.externalID(raw), perr)
			out, err = outcomeError, nil
		}
	}()
	return handle(ctx, r, b, raw)
}

func (o *Orchestrator) externalID(raw provider.Record) string {
	id, _ := o.mapper.ExternalID(raw)
	return id
}

// mappingOutcome classifies a mapper error: records without a key are
// skipped, anything else is a counted error.
func (o *Orchestrator) mappingOutcome(r *run, raw provider.Record, err error) outcome {
	if errors.Is(err, mapper.ErrMissingExternalID) {
		return outcomeSkipped
	}
	o.logger.Printf("WARNING: mapping failed on page %d: %v", r.page, err)
	r.recordFailure(o.externalID(raw), err)
	return outcomeError
}

func (o *Orchestrator) processListing(ctx context.Context, r *run, b *store.Batch, raw provider.Record) (outcome, error) {
	l, err := o.mapper.Transform(raw, r.summary.Provider)
	if err != nil {
		return o.mappingOutcome(r, raw, err), nil
	}

	existing, err := b.GetByNaturalKey(ctx, l.Source, l.ExternalID)
	if err != nil {
		return outcomeError, err
	}
	changes := detect.Diff(l, existing, o.now())

	res, err := b.UpsertListing(ctx, &l)
	if err != nil {
		return outcomeError, err
	}
	if len(changes) > 0 {
		if err := b.AppendChanges(ctx, changes); err != nil {
			return outcomeError, err
		}
		for _, c := range changes {
			metrics.ChangesDetectedTotal.WithLabelValues(r.summary.Provider, string(c.Type)).Inc()
		}
		r.pendingChgs = append(r.pendingChgs, pendingChange{listing: l, changes: changes})
	}

	if a := o.mapper.EmbeddedAgent(raw, r.summary.Provider); a != nil {
		if _, err := b.UpsertAgent(ctx, a); err != nil {
			return outcomeError, err
		}
	}
	if off := o.mapper.EmbeddedOffice(raw, r.summary.Provider); off != nil {
		if _, err := b.UpsertOffice(ctx, off); err != nil {
			return outcomeError, err
		}
	}

	if res == store.Created {
		return outcomeCreated, nil
	}
	return outcomeUpdated, nil
}

func (o *Orchestrator) processAgent(ctx context.Context, r *run, b *store.Batch, raw provider.Record) (outcome, error) {
	a, err := o.mapper.TransformAgent(raw, r.summary.Provider)
	if err != nil {
		return o.mappingOutcome(r, raw, err), nil
	}
	res, err := b.UpsertAgent(ctx, &a)
	return resultOutcome(res, err)
}

func (o *Orchestrator) processOffice(ctx context.Context, r *run, b *store.Batch, raw provider.Record) (outcome, error) {
	off, err := o.mapper.TransformOffice(raw, r.summary.Provider)
	if err != nil {
		return o.mappingOutcome(r, raw, err), nil
	}
	res, err := b.UpsertOffice(ctx, &off)
	return resultOutcome(res, err)
}

func (o *Orchestrator) processOpenHouse(ctx context.Context, r *run, b *store.Batch, raw provider.Record) (outcome, error) {
	oh, err := o.mapper.TransformOpenHouse(raw, r.summary.Provider)
	if err != nil {
		return o.mappingOutcome(r, raw, err), nil
	}
	res, err := b.UpsertOpenHouse(ctx, &oh)
	return resultOutcome(res, err)
}

func resultOutcome(res store.UpsertResult, err error) (outcome, error) {
	if err != nil {
		return outcomeError, err
	}
	if res == store.Created {
		return outcomeCreated, nil
	}
	return outcomeUpdated, nil
}

func (o *Orchestrator) observe(r *run) {
	s := r.summary
	metrics.SyncRunsTotal.WithLabelValues(s.Provider, s.Feed, string(s.Mode), string(s.State)).Inc()
	metrics.SyncRunDuration.WithLabelValues(s.Provider, string(s.Mode)).Observe(s.Duration().Seconds())
}
