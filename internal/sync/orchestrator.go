package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/mapper"
	"github.com/homefeed/mlsync/internal/provider"
	"github.com/homefeed/mlsync/internal/store"
)

// Config configures an Orchestrator.
type Config struct {
	// BatchSize is the number of records per committed transaction.
	BatchSize int
	// Lookback bounds incremental runs that have no watermark yet.
	Lookback time.Duration
	// LockTTL is how long a run lock is honored before it is considered
	// stale and may be taken over.
	LockTTL time.Duration
	// MaxErrorSamples bounds the per-record errors kept in the run detail.
	MaxErrorSamples int

	Mapper   *mapper.Mapper
	Notifier Notifier
	Logger   *log.Logger

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		Lookback:        24 * time.Hour,
		LockTTL:         2 * time.Hour,
		MaxErrorSamples: 20,
	}
}

// Orchestrator runs syncs for one provider.
type Orchestrator struct {
	db     *store.DB
	src    Source
	cfg    Config
	mapper *mapper.Mapper
	notify Notifier
	logger *log.Logger
	now    func() time.Time

	mu    gosync.Mutex
	state listing.RunState
}

// New creates an Orchestrator for src writing to database.
//
// If cfg.Logger is nil, a default logger writing to stderr is used.
func New(database *store.DB, src Source, cfg Config) (*Orchestrator, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if src == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.MaxErrorSamples <= 0 {
		cfg.MaxErrorSamples = def.MaxErrorSamples
	}

	o := &Orchestrator{
		db:     database,
		src:    src,
		cfg:    cfg,
		mapper: cfg.Mapper,
		notify: cfg.Notifier,
		logger: cfg.Logger,
		now:    cfg.Now,
		state:  listing.StateIdle,
	}
	if o.mapper == nil {
		o.mapper = mapper.New(nil)
	}
	if o.notify == nil {
		o.notify = nopNotifier{}
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, fmt.Sprintf("[sync:%s] ", src.Name()), log.LstdFlags)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Provider returns the source name this orchestrator syncs.
func (o *Orchestrator) Provider() string {
	return o.src.Name()
}

// State returns the state of the current or most recent run.
func (o *Orchestrator) State() listing.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// RunFull fetches everything matching opts, ignoring the watermark.
func (o *Orchestrator) RunFull(ctx context.Context, opts Options) (*Summary, error) {
	filter := provider.Filter{
		Resource:     listing.FeedProperty,
		Statuses:     opts.Statuses,
		PropertyType: opts.PropertyType,
	}
	return o.execute(ctx, listing.ModeFull, listing.FeedProperty, filter, opts, o.processListing)
}

// RunIncremental fetches records modified since the watermark. With no
// watermark it looks back cfg.Lookback rather than fetching everything.
// Providers without an upstream change filter return the full filtered set.
func (o *Orchestrator) RunIncremental(ctx context.Context, opts Options) (*Summary, error) {
	since, err := o.incrementalSince(ctx, listing.FeedProperty, opts.Since)
	if err != nil {
		return nil, err
	}
	filter := provider.Filter{
		Resource:      listing.FeedProperty,
		Statuses:      opts.Statuses,
		PropertyType:  opts.PropertyType,
		ModifiedSince: since,
	}
	if !o.src.SupportsModifiedSince() {
		o.logger.Printf("%s has no upstream change filter; fetching the full filtered set", o.src.Name())
	}
	return o.execute(ctx, listing.ModeIncremental, listing.FeedProperty, filter, opts, o.processListing)
}

// RunEntities performs a full sync of a secondary entity feed: Member,
// Office or OpenHouse.
func (o *Orchestrator) RunEntities(ctx context.Context, feed string, opts Options) (*Summary, error) {
	var handle recordHandler
	switch {
	case strings.EqualFold(feed, listing.FeedMember):
		feed, handle = listing.FeedMember, o.processAgent
	case strings.EqualFold(feed, listing.FeedOffice):
		feed, handle = listing.FeedOffice, o.processOffice
	case strings.EqualFold(feed, listing.FeedOpenHouse):
		feed, handle = listing.FeedOpenHouse, o.processOpenHouse
	default:
		return nil, fmt.Errorf("unknown entity feed %q", feed)
	}
	return o.execute(ctx, listing.ModeFull, feed, provider.Filter{Resource: feed}, opts, handle)
}

func (o *Orchestrator) incrementalSince(ctx context.Context, feed string, override time.Time) (time.Time, error) {
	if !override.IsZero() {
		return override, nil
	}
	wm, err := o.db.GetWatermark(ctx, o.src.Name(), feed)
	if err != nil {
		return time.Time{}, err
	}
	if wm != nil {
		return wm.SyncedAt, nil
	}
	since := o.now().Add(-o.cfg.Lookback)
	o.logger.Printf("No watermark for %s/%s; looking back %v to %s",
		o.src.Name(), feed, o.cfg.Lookback, since.UTC().Format(time.RFC3339))
	return since, nil
}

func (o *Orchestrator) setState(r *run, s listing.RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	r.transition(s, o.now())
}

// isStoreError reports whether err came from the canonical store.
func isStoreError(err error) bool {
	return errors.Is(err, store.ErrStore)
}
