// Package daemon runs provider syncs on a schedule.
//
// The daemon:
//  1. Runs an incremental sync per provider on startup and every
//     IncrementalEvery
//  2. Runs a nightly full sync (plus any entity feeds) at FullAt
//  3. Reloads provider jobs when the config file changes
//  4. Handles graceful shutdown
//
// Providers run concurrently on their own goroutines. Runs for a single
// provider are sequential, and the store's run lock keeps other processes
// from overlapping them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/store"
	mlsync "github.com/homefeed/mlsync/internal/sync"
)

// Runner is the part of sync.Orchestrator the daemon drives.
type Runner interface {
	Provider() string
	RunFull(ctx context.Context, opts mlsync.Options) (*mlsync.Summary, error)
	RunIncremental(ctx context.Context, opts mlsync.Options) (*mlsync.Summary, error)
	RunEntities(ctx context.Context, feed string, opts mlsync.Options) (*mlsync.Summary, error)
}

// Job is one scheduled provider.
type Job struct {
	Runner Runner
	// Options apply to every run of this job.
	Options mlsync.Options
	// Entities are secondary feeds synced after the nightly full run.
	Entities []string
}

// Loader builds the current job set. It is called on Start and again on
// every config reload.
type Loader func() ([]Job, error)

// Config holds configuration for the daemon.
type Config struct {
	// IncrementalEvery is how often each provider runs an incremental sync
	IncrementalEvery time.Duration

	// FullAt is the local wall-clock time ("HH:MM") of the nightly full sync
	FullAt string

	// ConfigPath is watched for changes; empty disables reloading
	ConfigPath string

	// ReloadDebounce batches rapid config file writes into one reload
	ReloadDebounce time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		IncrementalEvery: 15 * time.Minute,
		FullAt:           "02:00",
		ReloadDebounce:   500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync runs for a set of providers.
type Daemon struct {
	config  *Config
	load    Loader
	fullAt  clock
	watcher *FileWatcher

	mu       sync.Mutex
	reloadMu sync.Mutex
	jobs     []Job
	stopJobs chan struct{}
	loops    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start to begin scheduling.
func New(load Loader, config *Config) (*Daemon, error) {
	if load == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.IncrementalEvery <= 0 {
		config.IncrementalEvery = def.IncrementalEvery
	}
	if config.FullAt == "" {
		config.FullAt = def.FullAt
	}
	if config.ReloadDebounce <= 0 {
		config.ReloadDebounce = def.ReloadDebounce
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	at, err := parseClock(config.FullAt)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		config: config,
		load:   load,
		fullAt: at,
	}
	if config.ConfigPath != "" {
		w, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start loads the jobs and begins scheduling. It blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	jobs, err := d.load()
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no providers configured")
	}
	d.reloadMu.Lock()
	d.startLoops(jobs)
	d.reloadMu.Unlock()

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.ConfigPath); err != nil {
			d.Stop()
			return err
		}
		d.config.Logger.Printf("Watching %s for changes", d.config.ConfigPath)
		d.wg.Add(1)
		go d.watchConfig()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon, waiting for in-flight runs.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()

	d.reloadMu.Lock()
	d.stopLoops()
	d.reloadMu.Unlock()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Reload rebuilds the job set from the loader. Runs in flight finish
// before their provider is rescheduled. On a load error the running jobs
// are kept.
func (d *Daemon) Reload() error {
	jobs, err := d.load()
	if err != nil {
		d.config.Logger.Printf("Reload failed, keeping current providers: %v", err)
		return err
	}

	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()
	if d.ctx.Err() != nil {
		return nil
	}
	d.stopLoops()
	d.startLoops(jobs)
	d.config.Logger.Printf("Reloaded %d providers", len(jobs))
	return nil
}

// Providers returns the names of the scheduled providers.
func (d *Daemon) Providers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.jobs))
	for _, j := range d.jobs {
		names = append(names, j.Runner.Provider())
	}
	return names
}

func (d *Daemon) startLoops(jobs []Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stop := make(chan struct{})
	d.jobs = jobs
	d.stopJobs = stop
	for _, job := range jobs {
		d.loops.Add(1)
		go d.runLoop(d.ctx, stop, job)
	}
}

func (d *Daemon) stopLoops() {
	d.mu.Lock()
	stop := d.stopJobs
	d.stopJobs = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	d.loops.Wait()
}

// runLoop drives one provider until stop is closed or ctx is cancelled.
// Runs use ctx, so closing stop lets an in-flight run finish.
func (d *Daemon) runLoop(ctx context.Context, stop <-chan struct{}, job Job) {
	defer d.loops.Done()

	name := job.Runner.Provider()
	next := d.fullAt.next(time.Now())
	d.config.Logger.Printf("%s: incremental every %v, next full sync at %s",
		name, d.config.IncrementalEvery, next.Format(time.RFC3339))

	d.runIncremental(ctx, job)

	ticker := time.NewTicker(d.config.IncrementalEvery)
	defer ticker.Stop()
	full := time.NewTimer(time.Until(next))
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-stop:
			return

		case <-ticker.C:
			d.runIncremental(ctx, job)

		case <-full.C:
			d.runFull(ctx, job)
			full.Reset(time.Until(d.fullAt.next(time.Now())))
		}
	}
}

func (d *Daemon) runIncremental(ctx context.Context, job Job) {
	sum, err := job.Runner.RunIncremental(ctx, job.Options)
	d.report(job.Runner.Provider(), listing.FeedProperty, sum, err)
}

func (d *Daemon) runFull(ctx context.Context, job Job) {
	sum, err := job.Runner.RunFull(ctx, job.Options)
	d.report(job.Runner.Provider(), listing.FeedProperty, sum, err)

	for _, feed := range job.Entities {
		if ctx.Err() != nil {
			return
		}
		sum, err := job.Runner.RunEntities(ctx, feed, mlsync.Options{MaxRecords: job.Options.MaxRecords})
		d.report(job.Runner.Provider(), feed, sum, err)
	}
}

func (d *Daemon) report(provider, feed string, sum *mlsync.Summary, err error) {
	switch {
	case errors.Is(err, store.ErrRunInProgress):
		d.config.Logger.Printf("%s/%s: skipped, another run holds the lock", provider, feed)
	case errors.Is(err, context.Canceled):
		d.config.Logger.Printf("%s/%s: cancelled", provider, feed)
	case err != nil && sum == nil:
		d.config.Logger.Printf("%s/%s: run failed to start: %v", provider, feed, err)
	case err != nil:
		d.config.Logger.Printf("%s/%s: %s run failed after %d records: %v",
			provider, feed, sum.Mode, sum.Counts.Fetched, err)
	default:
		c := sum.Counts
		d.config.Logger.Printf("%s/%s: %s run %s: fetched=%d created=%d updated=%d errors=%d in %v",
			provider, feed, sum.Mode, sum.State, c.Fetched, c.Created, c.Updated, c.Errors,
			sum.Duration().Round(time.Millisecond))
	}
}

// watchConfig reloads the jobs after the config file settles.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	var debounce <-chan time.Time
	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("Config %s: %s", ev.Op, ev.Path)
			debounce = time.After(d.config.ReloadDebounce)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)

		case <-debounce:
			debounce = nil
			_ = d.Reload()
		}
	}
}
