package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/homefeed/mlsync/internal/metrics"
)

// Protocol selects the pagination strategy of a provider.
type Protocol string

const (
	// ProtocolOffset is limit/offset paging with a {bundle, total} envelope.
	ProtocolOffset Protocol = "offset"
	// ProtocolCursor is OData paging that follows @odata.nextLink.
	ProtocolCursor Protocol = "cursor"
)

// maxBodyBytes bounds how much of an error response is kept for messages.
const maxBodyBytes = 2048

// Config configures a provider Client.
type Config struct {
	// Name is the provider's source name, stored on every listing.
	Name     string
	Protocol Protocol
	BaseURL  string
	// Token is the bearer credential. It is never logged.
	Token string

	// Resource is the default feed path or entity set (e.g. "Property").
	Resource string
	// PageSize is the requested page size; offset providers cap it at
	// MaxPageSize.
	PageSize    int
	MaxPageSize int
	// Expand lists OData navigation properties requested by cursor pagers.
	Expand []string

	MinInterval       time.Duration
	MaxRequestsPerRun int
	// MaxRetries is the total number of attempts per request.
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxRetryAfter time.Duration
	Timeout       time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		Protocol:          ProtocolOffset,
		Resource:          "Property",
		PageSize:          200,
		MaxPageSize:       200,
		MinInterval:       500 * time.Millisecond,
		MaxRequestsPerRun: 2000,
		MaxRetries:        3,
		BackoffBase:       time.Second,
		BackoffCap:        60 * time.Second,
		MaxRetryAfter:     5 * time.Minute,
		Timeout:           30 * time.Second,
	}
}

// Stats are per-run counters.
type Stats struct {
	Requests   int           `json:"requests"`
	Retries    int           `json:"retries"`
	Records    int           `json:"records"`
	Pages      int           `json:"pages"`
	Errors     int           `json:"errors"`
	Throttled  int           `json:"throttled"`
	WaitedFor  time.Duration `json:"waited_ns"`
	LastStatus int           `json:"last_status,omitempty"`
}

// Client talks to one upstream provider. It owns authentication, rate
// limiting, retry/backoff and pagination. A Client is safe for use by one
// run at a time; Stats may be read concurrently.
type Client struct {
	cfg     Config
	http    *http.Client
	pager   Pager
	limiter *limiter
	logger  *log.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a Client for cfg. Zero-valued numeric settings take their
// defaults. A missing token is not an error here; Authenticate reports it.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base URL cannot be empty", cfg.Name)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider %s: invalid base URL: %w", cfg.Name, err)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Resource == "" {
		cfg.Resource = def.Resource
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = def.MaxRetryAfter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}

	c := &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: newLimiter(cfg.MinInterval, cfg.MaxRequestsPerRun),
		logger:  cfg.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, fmt.Sprintf("[provider:%s] ", cfg.Name), log.LstdFlags)
	}

	switch cfg.Protocol {
	case ProtocolOffset:
		c.pager = &OffsetPager{BaseURL: cfg.BaseURL, Resource: cfg.Resource, PageSize: cfg.PageSize, MaxPageSize: cfg.MaxPageSize}
	case ProtocolCursor:
		c.pager = &CursorPager{BaseURL: cfg.BaseURL, Resource: cfg.Resource, PageSize: cfg.PageSize, Expand: cfg.Expand}
	default:
		return nil, fmt.Errorf("provider %s: unknown protocol %q", cfg.Name, cfg.Protocol)
	}
	return c, nil
}

// Name returns the provider's source name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Pager returns the pagination strategy in use.
func (c *Client) Pager() Pager {
	return c.pager
}

// SupportsModifiedSince reports whether filtering by modification time
// happens upstream.
func (c *Client) SupportsModifiedSince() bool {
	return c.pager.SupportsModifiedSince()
}

// Authenticate checks that a credential is configured. No request is made.
func (c *Client) Authenticate() error {
	if strings.TrimSpace(c.cfg.Token) == "" {
		return &Error{Provider: c.cfg.Name, Kind: KindAuth, Message: "no bearer token configured"}
	}
	return nil
}

// Stats returns a snapshot of the per-run counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Requests, s.WaitedFor = c.limiter.usage()
	return s
}

// ResetStats clears the counters and the per-run request ceiling.
func (c *Client) ResetStats() {
	c.mu.Lock()
	c.stats = Stats{}
	c.mu.Unlock()
	c.limiter.reset()
}

func (c *Client) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// GetJSON issues an authenticated GET for rawURL and decodes the JSON body
// into out, retrying transient failures up to MaxRetries total attempts.
// Numbers are decoded as json.Number.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	if err := c.Authenticate(); err != nil {
		return err
	}

	var lastErr *attemptError
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt-1, c.cfg.BackoffBase, c.cfg.BackoffCap)
			if lastErr.retryAfter > 0 {
				delay = min(lastErr.retryAfter, c.cfg.MaxRetryAfter)
			}
			c.logger.Printf("Retrying after %v (attempt %d/%d): %v", delay, attempt+1, c.cfg.MaxRetries, lastErr.err)
			c.count(func(s *Stats) { s.Retries++ })
			metrics.ProviderRetriesTotal.WithLabelValues(c.cfg.Name).Inc()
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}

		waited, err := c.limiter.wait(ctx)
		if err != nil {
			if errors.Is(err, errCeiling) {
				c.count(func(s *Stats) { s.Errors++ })
				return &Error{
					Provider: c.cfg.Name,
					Kind:     KindRateLimitExceeded,
					Message:  fmt.Sprintf("reached %d requests this run", c.cfg.MaxRequestsPerRun),
				}
			}
			return err
		}
		if waited > 0 {
			metrics.ProviderThrottleSeconds.WithLabelValues(c.cfg.Name).Add(waited.Seconds())
		}

		perr := c.attempt(ctx, rawURL, out)
		if perr == nil {
			return nil
		}
		perr.err.Attempts = attempt + 1
		c.count(func(s *Stats) { s.Errors++ })
		if !perr.err.Kind.Retryable() {
			return perr.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = perr
	}

	return &Error{
		Provider:   c.cfg.Name,
		Kind:       KindRetriesExhausted,
		StatusCode: lastErr.err.StatusCode,
		Attempts:   c.cfg.MaxRetries,
		Err:        lastErr.err,
	}
}

// attemptError carries a classified failure plus any server-requested delay.
type attemptError struct {
	err        *Error
	retryAfter time.Duration
}

// attempt performs one request and classifies its outcome.
func (c *Client) attempt(ctx context.Context, rawURL string, out any) *attemptError {
	fail := func(kind Kind, status int, msg string, err error) *attemptError {
		return &attemptError{err: &Error{Provider: c.cfg.Name, Kind: kind, StatusCode: status, Message: msg, Err: err}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(KindTerminal, 0, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mlsync/1.0")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(c.cfg.Name, "network_error").Inc()
		return fail(KindTransient, 0, "request failed", err)
	}
	defer resp.Body.Close()

	metrics.ProviderRequestsTotal.WithLabelValues(c.cfg.Name, strconv.Itoa(resp.StatusCode)).Inc()
	c.count(func(s *Stats) { s.LastStatus = resp.StatusCode })

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fail(KindTransient, resp.StatusCode, "failed to read response body", err)
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fail(KindTerminal, resp.StatusCode, "failed to decode response", err)
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fail(KindAuth, resp.StatusCode, snippet(resp.Body), nil)

	case resp.StatusCode == http.StatusTooManyRequests:
		c.count(func(s *Stats) { s.Throttled++ })
		ae := fail(KindTransient, resp.StatusCode, "rate limited by provider", nil)
		ae.retryAfter = ParseRetryAfter(resp.Header)
		return ae

	case resp.StatusCode >= 500:
		return fail(KindTransient, resp.StatusCode, snippet(resp.Body), nil)

	default:
		return fail(KindTerminal, resp.StatusCode, snippet(resp.Body), nil)
	}
}

// snippet returns the start of an error body for diagnostics.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	return strings.TrimSpace(string(b))
}
