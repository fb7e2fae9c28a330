package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// testConfig returns a fast config pointed at url.
func testConfig(name, url string, protocol Protocol) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.BaseURL = url
	cfg.Protocol = protocol
	cfg.Token = "secret"
	cfg.MinInterval = 0
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

// offsetServer serves total records in {bundle, total} envelopes. When
// reportTotal is false the total field is omitted.
func offsetServer(t *testing.T, total int, reportTotal bool, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		bundle := []map[string]any{}
		for i := offset; i < offset+limit && i < total; i++ {
			bundle = append(bundle, map[string]any{"ListingKey": fmt.Sprintf("L%d", i)})
		}
		env := map[string]any{"success": true, "status": 200, "bundle": bundle}
		if reportTotal {
			env["total"] = total
		}
		_ = json.NewEncoder(w).Encode(env)
	}))
}

func TestAuthenticate_MissingToken(t *testing.T) {
	var hits int32
	srv := offsetServer(t, 10, true, &hits)
	defer srv.Close()

	cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
	cfg.Token = ""
	c := newTestClient(t, cfg)

	if err := c.Authenticate(); !errors.Is(err, ErrAuth) {
		t.Fatalf("Authenticate() error = %v, want ErrAuth", err)
	}
	if _, err := c.FetchAll(context.Background(), Filter{}, 0, nil); !errors.Is(err, ErrAuth) {
		t.Errorf("FetchAll() error = %v, want ErrAuth", err)
	}
	if hits != 0 {
		t.Errorf("server hits = %d, want 0 with no credential", hits)
	}
}

func TestFetchAll_OffsetDrainsTotal(t *testing.T) {
	tests := []struct {
		name        string
		total       int
		reportTotal bool
		wantHits    int32
	}{
		{"final short page", 450, true, 5},
		{"total reached on full page", 400, true, 4},
		{"no total reported", 250, false, 3},
		{"empty", 0, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := offsetServer(t, tt.total, tt.reportTotal, &hits)
			defer srv.Close()

			cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
			cfg.PageSize = 100
			c := newTestClient(t, cfg)

			var progress []int
			records, err := c.FetchAll(context.Background(), Filter{}, 0, func(page, cumulative int) {
				progress = append(progress, cumulative)
			})
			if err != nil {
				t.Fatalf("FetchAll() failed: %v", err)
			}
			if len(records) != tt.total {
				t.Errorf("len(records) = %d, want %d", len(records), tt.total)
			}
			seen := make(map[string]bool)
			for _, r := range records {
				key := r["ListingKey"].(string)
				if seen[key] {
					t.Fatalf("duplicate record %s", key)
				}
				seen[key] = true
			}
			if hits != tt.wantHits {
				t.Errorf("server hits = %d, want %d", hits, tt.wantHits)
			}
			if int32(len(progress)) != tt.wantHits {
				t.Errorf("progress calls = %d, want %d", len(progress), tt.wantHits)
			}
			if s := c.Stats(); s.Records != tt.total || s.Requests != int(tt.wantHits) {
				t.Errorf("Stats() = %+v, want records=%d requests=%d", s, tt.total, tt.wantHits)
			}
		})
	}
}

func TestOffsetPager_CapsPageSize(t *testing.T) {
	p := &OffsetPager{BaseURL: "https://a.example/api/", Resource: "Property", PageSize: 500, MaxPageSize: 200}
	got := p.URL(Filter{Statuses: []string{"Active", "Pending"}, PropertyType: "Residential"}, 400)
	want := "https://a.example/api/Property?PropertyType=Residential&StandardStatus=Active%2CPending&limit=200&offset=400"
	if got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func TestFetchAll_MaxRecords(t *testing.T) {
	var hits int32
	srv := offsetServer(t, 1000, true, &hits)
	defer srv.Close()

	cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
	cfg.PageSize = 100
	c := newTestClient(t, cfg)

	records, err := c.FetchAll(context.Background(), Filter{}, 250, nil)
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(records) != 250 {
		t.Errorf("len(records) = %d, want 250", len(records))
	}
	if hits != 3 {
		t.Errorf("server hits = %d, want 3", hits)
	}
}

func TestFetchAll_CursorFollowsNextLinkVerbatim(t *testing.T) {
	var paths []string
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		env := map[string]any{}
		switch r.URL.Query().Get("$skiptoken") {
		case "":
			env["value"] = []map[string]any{{"ListingKey": "1"}, {"ListingKey": "2"}}
			env["@odata.nextLink"] = srv.URL + "/Property?$skiptoken=opaque%3Dabc"
		case "opaque=abc":
			env["value"] = []map[string]any{{"ListingKey": "3"}}
			env["@odata.nextLink"] = "Property?$skiptoken=last"
		case "last":
			env["value"] = []map[string]any{{"ListingKey": "4"}}
		}
		_ = json.NewEncoder(w).Encode(env)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig("ProviderB", srv.URL, ProtocolCursor))
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	records, err := c.FetchAll(context.Background(), Filter{Statuses: []string{"Active"}, ModifiedSince: since}, 0, nil)
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want 4", len(records))
	}
	if len(paths) != 3 {
		t.Fatalf("requests = %v, want 3", paths)
	}
	if paths[1] != "/Property?$skiptoken=opaque%3Dabc" {
		t.Errorf("second request = %q, want next link verbatim", paths[1])
	}
	if paths[2] != "/Property?$skiptoken=last" {
		t.Errorf("third request = %q, want relative next link resolved", paths[2])
	}
}

func TestODataFilter(t *testing.T) {
	since := time.Date(2024, 5, 1, 6, 30, 0, 0, time.UTC)
	got := ODataFilter(Filter{
		Statuses:      []string{"Active", "Coming Soon"},
		PropertyType:  "Residential",
		ModifiedSince: since,
	})
	want := "(StandardStatus eq 'Active' or StandardStatus eq 'Coming Soon') and PropertyType eq 'Residential' and ModificationTimestamp gt 2024-05-01T06:30:00Z"
	if got != want {
		t.Errorf("ODataFilter() = %q, want %q", got, want)
	}
	if got := ODataFilter(Filter{PropertyType: "O'Brien"}); got != "PropertyType eq 'O''Brien'" {
		t.Errorf("ODataFilter() = %q, want quotes doubled", got)
	}
}

// sequenceServer answers with the given status codes in order, then 200.
func sequenceServer(codes []int, hits *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(hits, 1)) - 1
		if n < len(codes) && codes[n] != http.StatusOK {
			w.WriteHeader(codes[n])
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"bundle":[{"ListingKey":"1"}],"total":1}`))
	}))
}

func TestRetry_Boundary(t *testing.T) {
	tests := []struct {
		name        string
		maxRetries  int
		wantErr     error
		wantRetries int
		wantHits    int32
	}{
		{"succeeds on third attempt", 3, nil, 2, 3},
		{"exhausted after two attempts", 2, ErrRetriesExhausted, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := sequenceServer([]int{500, 500, 200}, &hits)
			defer srv.Close()

			cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
			cfg.MaxRetries = tt.maxRetries
			c := newTestClient(t, cfg)

			_, err := c.FetchAll(context.Background(), Filter{}, 0, nil)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("FetchAll() failed: %v", err)
				}
			} else {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FetchAll() error = %v, want %v", err, tt.wantErr)
				}
				if !IsRetryable(err) {
					t.Errorf("IsRetryable(%v) = false, want true", err)
				}
			}
			if got := c.Stats().Retries; got != tt.wantRetries {
				t.Errorf("Stats().Retries = %d, want %d", got, tt.wantRetries)
			}
			if hits != tt.wantHits {
				t.Errorf("server hits = %d, want %d", hits, tt.wantHits)
			}
		})
	}
}

func TestRetry_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		codes    []int
		wantErr  error
		wantKind Kind
		wantHits int32
	}{
		{"401 is auth", []int{401}, ErrAuth, KindAuth, 1},
		{"403 is auth", []int{403}, ErrAuth, KindAuth, 1},
		{"400 is terminal", []int{400}, ErrTerminal, KindTerminal, 1},
		{"404 is terminal", []int{404}, ErrTerminal, KindTerminal, 1},
		{"429 retried", []int{429}, nil, 0, 2},
		{"503 retried", []int{503, 502}, nil, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			srv := sequenceServer(tt.codes, &hits)
			defer srv.Close()

			c := newTestClient(t, testConfig("ProviderA", srv.URL, ProtocolOffset))
			_, err := c.FetchAll(context.Background(), Filter{}, 0, nil)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("FetchAll() failed: %v", err)
				}
			} else {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("FetchAll() error = %v, want %v", err, tt.wantErr)
				}
				if got := KindOf(err); got != tt.wantKind {
					t.Errorf("KindOf() = %v, want %v", got, tt.wantKind)
				}
			}
			if hits != tt.wantHits {
				t.Errorf("server hits = %d, want %d", hits, tt.wantHits)
			}
		})
	}
}

func TestRetry_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, testConfig("ProviderA", url, ProtocolOffset))
	_, err := c.FetchAll(context.Background(), Filter{}, 0, nil)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("FetchAll() error = %v, want ErrRetriesExhausted", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Attempts != 3 {
		t.Errorf("error = %#v, want 3 attempts", err)
	}
}

func TestMaxRequestsPerRun(t *testing.T) {
	var hits int32
	srv := offsetServer(t, 1000, true, &hits)
	defer srv.Close()

	cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
	cfg.PageSize = 10
	cfg.MaxRequestsPerRun = 2
	c := newTestClient(t, cfg)

	var pages int
	err := c.Walk(context.Background(), Filter{}, 0, func(page int, records []Record) error {
		pages++
		return nil
	})
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("Walk() error = %v, want ErrRateLimitExceeded", err)
	}
	if pages != 2 || hits != 2 {
		t.Errorf("pages = %d hits = %d, want 2 delivered before the ceiling", pages, hits)
	}

	c.ResetStats()
	if s := c.Stats(); s.Requests != 0 || s.Pages != 0 {
		t.Errorf("Stats() after reset = %+v, want zero", s)
	}
	if _, err := c.FetchPage(context.Background(), Filter{}, ""); err != nil {
		t.Errorf("FetchPage() after ResetStats failed: %v", err)
	}
}

func TestMinInterval(t *testing.T) {
	var hits int32
	srv := offsetServer(t, 30, true, &hits)
	defer srv.Close()

	cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
	cfg.PageSize = 10
	cfg.MinInterval = 25 * time.Millisecond
	c := newTestClient(t, cfg)

	start := time.Now()
	if _, err := c.FetchAll(context.Background(), Filter{}, 0, nil); err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("3 requests took %v, want >= 50ms with 25ms interval", elapsed)
	}
}

func TestStatsNotBlockedByThrottle(t *testing.T) {
	var hits int32
	srv := offsetServer(t, 30, true, &hits)
	defer srv.Close()

	cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
	cfg.MinInterval = 400 * time.Millisecond
	c := newTestClient(t, cfg)

	ctx := context.Background()
	if _, err := c.FetchPage(ctx, Filter{Limit: 1}, ""); err != nil {
		t.Fatalf("FetchPage() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchPage(ctx, Filter{Limit: 1}, "1")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	st := c.Stats()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Stats() took %v while a request was throttled", elapsed)
	}
	if st.Requests != 2 {
		t.Errorf("Requests = %d, want 2 (throttled request already reserved)", st.Requests)
	}
	if err := <-done; err != nil {
		t.Fatalf("second FetchPage() failed: %v", err)
	}
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"bundle":[{"ListingKey":"1"}],"total":1}`))
	}))
	defer srv.Close()

	cfg := testConfig("ProviderA", srv.URL, ProtocolOffset)
	cfg.MaxRetryAfter = 80 * time.Millisecond
	c := newTestClient(t, cfg)

	start := time.Now()
	records, err := c.FetchAll(context.Background(), Filter{}, 0, nil)
	if err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	elapsed := time.Since(start)
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
	// Retry-After is capped at MaxRetryAfter and wins over the 1ms backoff.
	if elapsed < 80*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("retry waited %v, want about 80ms", elapsed)
	}
	if st := c.Stats(); st.Retries != 1 || st.Requests != 2 {
		t.Errorf("Stats = %+v, want 1 retry over 2 requests", st)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, time.Second, 60*time.Second); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	if got := ParseRetryAfter(h); got != 0 {
		t.Errorf("absent = %v, want 0", got)
	}
	h.Set("Retry-After", "7")
	if got := ParseRetryAfter(h); got != 7*time.Second {
		t.Errorf("seconds = %v, want 7s", got)
	}
	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	if got := ParseRetryAfter(h); got < 59*time.Minute || got > time.Hour {
		t.Errorf("date = %v, want about 1h", got)
	}
	h.Set("Retry-After", "soon")
	if got := ParseRetryAfter(h); got != 0 {
		t.Errorf("garbage = %v, want 0", got)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://x"}); err == nil {
		t.Error("New() without name succeeded")
	}
	if _, err := New(Config{Name: "A"}); err == nil {
		t.Error("New() without base URL succeeded")
	}
	if _, err := New(Config{Name: "A", BaseURL: "http://x", Protocol: "carrier-pigeon"}); err == nil {
		t.Error("New() with unknown protocol succeeded")
	}
}
