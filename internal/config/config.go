// Package config loads mlsync settings from mlsync.yaml, MLSYNC_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/homefeed/mlsync/internal/daemon"
	"github.com/homefeed/mlsync/internal/provider"
	mlsync "github.com/homefeed/mlsync/internal/sync"
)

// EnvPrefix prefixes every environment override, e.g. MLSYNC_DATABASE.
const EnvPrefix = "MLSYNC"

// Provider configures one upstream feed. Keys are case-insensitive, so
// Source carries the canonical source name written to the store.
type Provider struct {
	Source   string            `mapstructure:"source"`
	Protocol provider.Protocol `mapstructure:"protocol"`
	BaseURL  string            `mapstructure:"base_url"`
	Token    string            `mapstructure:"token"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string   `mapstructure:"token_env"`
	Resource string   `mapstructure:"resource"`
	Expand   []string `mapstructure:"expand"`

	PageSize          int           `mapstructure:"page_size"`
	MaxPageSize       int           `mapstructure:"max_page_size"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxRequestsPerRun int           `mapstructure:"max_requests_per_run"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	MaxRetryAfter     time.Duration `mapstructure:"max_retry_after"`
	Timeout           time.Duration `mapstructure:"timeout"`

	// Statuses and PropertyType are the default run filter.
	Statuses     []string `mapstructure:"statuses"`
	PropertyType string   `mapstructure:"property_type"`

	// Entities are secondary feeds synced after nightly full runs.
	Entities []string `mapstructure:"entities"`

	// Vocabulary is a TOML file extending the status/type/field vocabulary.
	Vocabulary string `mapstructure:"vocabulary"`
	Disabled   bool   `mapstructure:"disabled"`
}

// Sync configures the orchestrator.
type Sync struct {
	BatchSize int           `mapstructure:"batch_size"`
	Lookback  time.Duration `mapstructure:"lookback"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// Daemon configures scheduled runs and the dashboard.
type Daemon struct {
	IncrementalEvery time.Duration `mapstructure:"incremental_every"`
	FullAt           string        `mapstructure:"full_at"`
	LogFile          string        `mapstructure:"log_file"`
	DashboardAddr    string        `mapstructure:"dashboard_addr"`
}

// Config is the full mlsync configuration.
type Config struct {
	Database  string              `mapstructure:"database"`
	Sync      Sync                `mapstructure:"sync"`
	Daemon    Daemon              `mapstructure:"daemon"`
	Providers map[string]Provider `mapstructure:"providers"`

	file string
}

// Default returns the built-in configuration with no providers.
func Default() *Config {
	sc := mlsync.DefaultConfig()
	dc := daemon.DefaultConfig()
	return &Config{
		Database: filepath.Join(".mlsync", "mlsync.db"),
		Sync: Sync{
			BatchSize: sc.BatchSize,
			Lookback:  sc.Lookback,
			LockTTL:   sc.LockTTL,
		},
		Daemon: Daemon{
			IncrementalEvery: dc.IncrementalEvery,
			FullAt:           dc.FullAt,
			DashboardAddr:    ":8080",
		},
		Providers: map[string]Provider{},
	}
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("database", def.Database)
	v.SetDefault("sync.batch_size", def.Sync.BatchSize)
	v.SetDefault("sync.lookback", def.Sync.Lookback)
	v.SetDefault("sync.lock_ttl", def.Sync.LockTTL)
	v.SetDefault("daemon.incremental_every", def.Daemon.IncrementalEvery)
	v.SetDefault("daemon.full_at", def.Daemon.FullAt)
	v.SetDefault("daemon.log_file", "")
	v.SetDefault("daemon.dashboard_addr", def.Daemon.DashboardAddr)
}

// LoadEnv loads KEY=VALUE pairs from path (default ".env") into the
// process environment. A missing file is not an error; variables already
// set are not overwritten.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration. An explicit path must exist; with no path,
// mlsync.yaml is looked up in the working directory and
// $XDG_CONFIG_HOME/mlsync, and defaults apply when neither has one.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mlsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "mlsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	if cfg.Providers == nil {
		cfg.Providers = map[string]Provider{}
	}
	for key, p := range cfg.Providers {
		if p.Source == "" {
			p.Source = key
		}
		if p.Token == "" {
			p.Token = resolveToken(key, p.TokenEnv)
		}
		cfg.Providers[key] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveToken reads the token from tokenEnv, falling back to
// MLSYNC_<KEY>_TOKEN.
func resolveToken(key, tokenEnv string) string {
	if tokenEnv != "" {
		if tok := os.Getenv(tokenEnv); tok != "" {
			return tok
		}
	}
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(key))
	return os.Getenv(EnvPrefix + "_" + name + "_TOKEN")
}

// File returns the config file that was read, or "" when running on
// defaults.
func (c *Config) File() string {
	return c.file
}

// Validate checks the configuration for values no run could use.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path cannot be empty"))
	}
	if c.Sync.BatchSize < 0 {
		errs = append(errs, errors.New("sync.batch_size cannot be negative"))
	}
	if _, err := time.Parse("15:04", c.Daemon.FullAt); c.Daemon.FullAt != "" && err != nil {
		errs = append(errs, fmt.Errorf("daemon.full_at %q is not HH:MM", c.Daemon.FullAt))
	}
	for _, key := range c.ProviderNames() {
		p := c.Providers[key]
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("providers.%s: base_url is required", key))
		}
		switch p.Protocol {
		case "", provider.ProtocolOffset, provider.ProtocolCursor:
		default:
			errs = append(errs, fmt.Errorf("providers.%s: unknown protocol %q", key, p.Protocol))
		}
		if p.PageSize < 0 || p.MaxPageSize < 0 || p.MaxRetries < 0 || p.MaxRequestsPerRun < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: limits cannot be negative", key))
		}
	}
	return errors.Join(errs...)
}

// ProviderNames returns the configured provider keys, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for k := range c.Providers {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Provider looks a provider up by key or source name, ignoring case.
func (c *Config) Provider(name string) (Provider, error) {
	for key, p := range c.Providers {
		if strings.EqualFold(key, name) || strings.EqualFold(p.Source, name) {
			return p, nil
		}
	}
	return Provider{}, fmt.Errorf("unknown provider %q (configured: %s)", name, strings.Join(c.ProviderNames(), ", "))
}

// ClientConfig converts p into a provider client configuration. Unset
// limits take the client defaults.
func (p Provider) ClientConfig() provider.Config {
	cfg := provider.DefaultConfig()
	cfg.Name = p.Source
	cfg.BaseURL = p.BaseURL
	cfg.Token = p.Token
	cfg.Expand = p.Expand
	if p.Protocol != "" {
		cfg.Protocol = p.Protocol
	}
	if p.Resource != "" {
		cfg.Resource = p.Resource
	}
	if p.PageSize > 0 {
		cfg.PageSize = p.PageSize
	}
	if p.MaxPageSize > 0 {
		cfg.MaxPageSize = p.MaxPageSize
	}
	if p.MinInterval > 0 {
		cfg.MinInterval = p.MinInterval
	}
	if p.MaxRequestsPerRun > 0 {
		cfg.MaxRequestsPerRun = p.MaxRequestsPerRun
	}
	if p.MaxRetries > 0 {
		cfg.MaxRetries = p.MaxRetries
	}
	if p.BackoffBase > 0 {
		cfg.BackoffBase = p.BackoffBase
	}
	if p.BackoffCap > 0 {
		cfg.BackoffCap = p.BackoffCap
	}
	if p.MaxRetryAfter > 0 {
		cfg.MaxRetryAfter = p.MaxRetryAfter
	}
	if p.Timeout > 0 {
		cfg.Timeout = p.Timeout
	}
	return cfg
}

// Options returns p's default run filter.
func (p Provider) Options() mlsync.Options {
	return mlsync.Options{Statuses: p.Statuses, PropertyType: p.PropertyType}
}

// OrchestratorConfig returns the sync settings as an orchestrator config.
// Mapper, Notifier and Logger are left for the caller.
func (c *Config) OrchestratorConfig() mlsync.Config {
	oc := mlsync.DefaultConfig()
	if c.Sync.BatchSize > 0 {
		oc.BatchSize = c.Sync.BatchSize
	}
	if c.Sync.Lookback > 0 {
		oc.Lookback = c.Sync.Lookback
	}
	if c.Sync.LockTTL > 0 {
		oc.LockTTL = c.Sync.LockTTL
	}
	return oc
}
