package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Render returns cfg as mlsync.yaml content. Durations are written in Go
// duration syntax and tokens are redacted unless withSecrets is set.
func Render(cfg *Config, withSecrets bool) ([]byte, error) {
	providers := map[string]any{}
	for key, p := range cfg.Providers {
		providers[key] = renderProvider(p, withSecrets)
	}
	doc := map[string]any{
		"database": cfg.Database,
		"sync": map[string]any{
			"batch_size": cfg.Sync.BatchSize,
			"lookback":   cfg.Sync.Lookback.String(),
			"lock_ttl":   cfg.Sync.LockTTL.String(),
		},
		"daemon": omitEmpty(map[string]any{
			"incremental_every": cfg.Daemon.IncrementalEvery.String(),
			"full_at":           cfg.Daemon.FullAt,
			"log_file":          cfg.Daemon.LogFile,
			"dashboard_addr":    cfg.Daemon.DashboardAddr,
		}),
		"providers": providers,
	}
	return yaml.Marshal(doc)
}

func renderProvider(p Provider, withSecrets bool) map[string]any {
	token := p.Token
	if token != "" && !withSecrets {
		token = "********"
	}
	if p.TokenEnv != "" && !withSecrets {
		token = ""
	}
	m := map[string]any{
		"source":        p.Source,
		"protocol":      string(p.Protocol),
		"base_url":      p.BaseURL,
		"token":         token,
		"token_env":     p.TokenEnv,
		"resource":      p.Resource,
		"property_type": p.PropertyType,
		"vocabulary":    p.Vocabulary,
	}
	for k, v := range map[string]int{
		"page_size":            p.PageSize,
		"max_page_size":        p.MaxPageSize,
		"max_requests_per_run": p.MaxRequestsPerRun,
		"max_retries":          p.MaxRetries,
	} {
		if v != 0 {
			m[k] = v
		}
	}
	for k, v := range map[string]time.Duration{
		"min_interval":    p.MinInterval,
		"backoff_base":    p.BackoffBase,
		"backoff_cap":     p.BackoffCap,
		"max_retry_after": p.MaxRetryAfter,
		"timeout":         p.Timeout,
	} {
		if v != 0 {
			m[k] = v.String()
		}
	}
	if len(p.Statuses) > 0 {
		m["statuses"] = p.Statuses
	}
	if len(p.Expand) > 0 {
		m["expand"] = p.Expand
	}
	if len(p.Entities) > 0 {
		m["entities"] = p.Entities
	}
	if p.Disabled {
		m["disabled"] = true
	}
	return omitEmpty(m)
}

func omitEmpty(m map[string]any) map[string]any {
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
	return m
}

// WriteFile renders cfg to path, creating parent directories. It refuses
// to overwrite an existing file unless force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := Render(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
