package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/store"
	mlsync "github.com/homefeed/mlsync/internal/sync"
)

// fakeRunner counts calls per mode.
type fakeRunner struct {
	name string
	err  error

	mu          sync.Mutex
	incremental int
	full        int
	entities    []string
}

func (f *fakeRunner) Provider() string { return f.name }

func (f *fakeRunner) summary(mode listing.Mode, feed string) *mlsync.Summary {
	now := time.Now()
	return &mlsync.Summary{Provider: f.name, Feed: feed, Mode: mode, State: listing.StateCompleted, StartedAt: now, FinishedAt: now}
}

func (f *fakeRunner) RunIncremental(ctx context.Context, _ mlsync.Options) (*mlsync.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremental++
	if f.err != nil {
		return nil, f.err
	}
	return f.summary(listing.ModeIncremental, listing.FeedProperty), nil
}

func (f *fakeRunner) RunFull(ctx context.Context, _ mlsync.Options) (*mlsync.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.full++
	return f.summary(listing.ModeFull, listing.FeedProperty), nil
}

func (f *fakeRunner) RunEntities(ctx context.Context, feed string, _ mlsync.Options) (*mlsync.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = append(f.entities, feed)
	return f.summary(listing.ModeFull, feed), nil
}

func (f *fakeRunner) incrementals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incremental
}

func testConfig() *Config {
	return &Config{
		IncrementalEvery: 20 * time.Millisecond,
		FullAt:           "02:00",
		ReloadDebounce:   20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew(t *testing.T) {
	load := func() ([]Job, error) { return nil, nil }

	if _, err := New(nil, testConfig()); err == nil {
		t.Error("New(nil loader) should fail")
	}

	bad := testConfig()
	bad.FullAt = "25:99"
	if _, err := New(load, bad); err == nil {
		t.Error("New() with invalid FullAt should fail")
	}

	d, err := New(load, &Config{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d.config.IncrementalEvery != 15*time.Minute || d.fullAt.String() != "02:00" {
		t.Errorf("defaults not applied: every=%v fullAt=%s", d.config.IncrementalEvery, d.fullAt)
	}
}

func TestStartRequiresProviders(t *testing.T) {
	d, err := New(func() ([]Job, error) { return nil, nil }, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("Start() with no providers should fail")
	}
}

func TestIncrementalSchedule(t *testing.T) {
	a := &fakeRunner{name: "ProviderA"}
	b := &fakeRunner{name: "ProviderB", err: errors.New("upstream down")}
	d, err := New(func() ([]Job, error) {
		return []Job{{Runner: a}, {Runner: b}}, nil
	}, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, "repeated incremental runs", func() bool {
		return a.incrementals() >= 3 && b.incrementals() >= 3
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRunFullIncludesEntities(t *testing.T) {
	r := &fakeRunner{name: "ProviderB"}
	d, err := New(func() ([]Job, error) { return nil, nil }, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	d.runFull(context.Background(), Job{Runner: r, Entities: []string{listing.FeedMember, listing.FeedOffice}})

	if r.full != 1 {
		t.Errorf("full runs = %d, want 1", r.full)
	}
	if len(r.entities) != 2 || r.entities[0] != listing.FeedMember || r.entities[1] != listing.FeedOffice {
		t.Errorf("entity runs = %v", r.entities)
	}
}

func TestReport(t *testing.T) {
	d, err := New(func() ([]Job, error) { return nil, nil }, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	// None of these may panic, including a nil summary.
	d.report("A", listing.FeedProperty, nil, store.ErrRunInProgress)
	d.report("A", listing.FeedProperty, nil, errors.New("boom"))
	d.report("A", listing.FeedProperty, &mlsync.Summary{Mode: listing.ModeFull}, errors.New("boom"))
	d.report("A", listing.FeedProperty, &mlsync.Summary{Mode: listing.ModeFull, State: listing.StateCompleted}, nil)
}

func TestReloadOnConfigChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlsync.yaml")
	if err := os.WriteFile(path, []byte("providers: {}\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var loads atomic.Int32
	first := &fakeRunner{name: "ProviderA"}
	second := &fakeRunner{name: "ProviderC"}
	load := func() ([]Job, error) {
		if loads.Add(1) == 1 {
			return []Job{{Runner: first}}, nil
		}
		return []Job{{Runner: second}}, nil
	}

	cfg := testConfig()
	cfg.IncrementalEvery = time.Hour
	cfg.ConfigPath = path
	d, err := New(load, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	waitFor(t, "first provider to run", func() bool { return first.incrementals() == 1 })
	// Give watcher time to stabilize
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("providers: {c: {}}\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	waitFor(t, "reloaded provider to run", func() bool { return second.incrementals() >= 1 })

	if got := d.Providers(); len(got) != 1 || got[0] != "ProviderC" {
		t.Errorf("Providers() = %v, want [ProviderC]", got)
	}
}

func TestReloadKeepsJobsOnError(t *testing.T) {
	r := &fakeRunner{name: "ProviderA"}
	calls := 0
	load := func() ([]Job, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("bad config")
		}
		return []Job{{Runner: r}}, nil
	}
	cfg := testConfig()
	cfg.IncrementalEvery = time.Hour
	d, err := New(load, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	d.startLoops([]Job{{Runner: r}})
	defer d.Stop()

	if err := d.Reload(); err != nil {
		t.Fatalf("first Reload() failed: %v", err)
	}
	if err := d.Reload(); err == nil {
		t.Fatal("Reload() with bad config should fail")
	}
	if got := d.Providers(); len(got) != 1 || got[0] != "ProviderA" {
		t.Errorf("Providers() = %v, want [ProviderA]", got)
	}
}

func TestClockNext(t *testing.T) {
	at, err := parseClock("02:00")
	if err != nil {
		t.Fatalf("parseClock() failed: %v", err)
	}
	loc := time.UTC
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 3, 1, 1, 0, 0, 0, loc), time.Date(2024, 3, 1, 2, 0, 0, 0, loc)},
		{time.Date(2024, 3, 1, 2, 0, 0, 0, loc), time.Date(2024, 3, 2, 2, 0, 0, 0, loc)},
		{time.Date(2024, 3, 1, 23, 30, 0, 0, loc), time.Date(2024, 3, 2, 2, 0, 0, 0, loc)},
		{time.Date(2024, 12, 31, 3, 0, 0, 0, loc), time.Date(2025, 1, 1, 2, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := at.next(tt.now); !got.Equal(tt.want) {
			t.Errorf("next(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}

	for _, bad := range []string{"", "2am", "24:00", "12:60"} {
		if _, err := parseClock(bad); err == nil {
			t.Errorf("parseClock(%q) should fail", bad)
		}
	}
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	logger, closer := NewLogger(LogConfig{Path: path}, "[daemon] ")
	logger.Println("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}

	_, closer = NewLogger(LogConfig{}, "[daemon] ")
	if err := closer.Close(); err != nil {
		t.Errorf("stderr closer failed: %v", err)
	}
}
