package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/homefeed/mlsync/internal/provider"
)

const sampleYAML = `
database: /var/lib/mlsync/listings.db
sync:
  batch_size: 50
  lookback: 12h
daemon:
  incremental_every: 10m
  full_at: "03:30"
providers:
  ProviderA:
    protocol: offset
    base_url: https://api.provider-a.test/v1
    token_env: PROVIDER_A_TOKEN
    page_size: 100
    min_interval: 250ms
    statuses: [Active, Pending]
  provider-b:
    source: ProviderB
    protocol: cursor
    base_url: https://reso.provider-b.test/odata
    token: inline-secret
    expand: [Media, Rooms]
    entities: [Member, Office]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mlsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("PROVIDER_A_TOKEN", "env-secret")
	path := writeConfig(t, sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.File() != path {
		t.Errorf("File() = %q, want %q", cfg.File(), path)
	}
	if cfg.Database != "/var/lib/mlsync/listings.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	want := Sync{BatchSize: 50, Lookback: 12 * time.Hour, LockTTL: 2 * time.Hour}
	if diff := cmp.Diff(want, cfg.Sync); diff != "" {
		t.Errorf("Sync mismatch (-want +got):\n%s", diff)
	}
	if cfg.Daemon.IncrementalEvery != 10*time.Minute || cfg.Daemon.FullAt != "03:30" {
		t.Errorf("Daemon = %+v", cfg.Daemon)
	}

	if got := cfg.ProviderNames(); !cmp.Equal(got, []string{"provider-b", "providera"}) {
		t.Errorf("ProviderNames() = %v", got)
	}

	a, err := cfg.Provider("ProviderA")
	if err != nil {
		t.Fatalf("Provider(ProviderA) failed: %v", err)
	}
	if a.Source != "providera" {
		t.Errorf("Source = %q, want key fallback", a.Source)
	}
	if a.Token != "env-secret" {
		t.Errorf("Token = %q, want value of token_env", a.Token)
	}
	if a.MinInterval != 250*time.Millisecond || !cmp.Equal(a.Statuses, []string{"Active", "Pending"}) {
		t.Errorf("ProviderA = %+v", a)
	}

	b, err := cfg.Provider("providerb")
	if err != nil {
		t.Fatalf("Provider(providerb) failed: %v", err)
	}
	if b.Source != "ProviderB" || b.Protocol != provider.ProtocolCursor || b.Token != "inline-secret" {
		t.Errorf("ProviderB = %+v", b)
	}
	if cc := b.ClientConfig(); !cmp.Equal(cc.Expand, []string{"Media", "Rooms"}) {
		t.Errorf("ClientConfig().Expand = %v, want [Media Rooms]", cc.Expand)
	}

	if _, err := cfg.Provider("nope"); err == nil {
		t.Error("Provider(nope) should fail")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MLSYNC_DATABASE", "/tmp/override.db")
	t.Setenv("MLSYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("MLSYNC_PROVIDER_B_TOKEN", "fallback-secret")
	path := writeConfig(t, `
providers:
  provider-b:
    base_url: https://b.test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database != "/tmp/override.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.Sync.BatchSize != 7 {
		t.Errorf("BatchSize = %d", cfg.Sync.BatchSize)
	}
	if p, _ := cfg.Provider("provider-b"); p.Token != "fallback-secret" {
		t.Errorf("Token = %q, want MLSYNC_<KEY>_TOKEN fallback", p.Token)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() with missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing base url", "providers:\n  a:\n    protocol: offset\n", "base_url is required"},
		{"bad protocol", "providers:\n  a:\n    base_url: https://a\n    protocol: graphql\n", "unknown protocol"},
		{"bad full_at", "daemon:\n  full_at: noon\n", "not HH:MM"},
		{"negative limits", "providers:\n  a:\n    base_url: https://a\n    max_retries: -1\n", "cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientConfigDefaults(t *testing.T) {
	p := Provider{Source: "ProviderA", BaseURL: "https://a", PageSize: 50, MaxRetries: 5}
	got := p.ClientConfig()
	def := provider.DefaultConfig()

	if got.Name != "ProviderA" || got.PageSize != 50 || got.MaxRetries != 5 {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.MinInterval != def.MinInterval || got.MaxRequestsPerRun != def.MaxRequestsPerRun || got.Protocol != def.Protocol {
		t.Errorf("defaults not applied: %+v", got)
	}
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := Default()
	cfg.Sync.BatchSize = 25
	oc := cfg.OrchestratorConfig()
	if oc.BatchSize != 25 || oc.Lookback != 24*time.Hour || oc.LockTTL != 2*time.Hour {
		t.Errorf("OrchestratorConfig() = %+v", oc)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("LoadEnv(missing) = %v, want nil", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MLSYNC_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("MLSYNC_TEST_DOTENV") })
	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv() failed: %v", err)
	}
	if got := os.Getenv("MLSYNC_TEST_DOTENV"); got != "loaded" {
		t.Errorf("MLSYNC_TEST_DOTENV = %q", got)
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Database = "data/listings.db"
	cfg.Providers["providera"] = Provider{
		Source:      "ProviderA",
		Protocol:    provider.ProtocolOffset,
		BaseURL:     "https://a.test",
		TokenEnv:    "A_TOKEN",
		MinInterval: time.Second,
		Statuses:    []string{"Active"},
		Expand:      []string{"Media"},
	}

	path := filepath.Join(t.TempDir(), "conf", "mlsync.yaml")
	if err := WriteFile(path, cfg, false); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := WriteFile(path, cfg, false); err == nil {
		t.Error("WriteFile() should refuse to overwrite")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	p, err := got.Provider("ProviderA")
	if err != nil {
		t.Fatalf("Provider() failed: %v", err)
	}
	if p.BaseURL != "https://a.test" || p.TokenEnv != "A_TOKEN" || p.MinInterval != time.Second {
		t.Errorf("round-tripped provider = %+v", p)
	}
	if !cmp.Equal(p.Expand, []string{"Media"}) {
		t.Errorf("round-tripped Expand = %v", p.Expand)
	}
	if got.Sync.Lookback != cfg.Sync.Lookback || got.Daemon.FullAt != cfg.Daemon.FullAt {
		t.Errorf("round-tripped config = %+v", got)
	}
}

func TestRenderRedactsTokens(t *testing.T) {
	cfg := Default()
	cfg.Providers["a"] = Provider{Source: "a", BaseURL: "https://a", Token: "s3cret"}
	out, err := Render(cfg, false)
	if err != nil {
		t.Fatalf("Render() failed: %v", err)
	}
	if strings.Contains(string(out), "s3cret") {
		t.Errorf("Render() leaked token:\n%s", out)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-06-01T08:00:00Z", time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)},
		{"2024-06-01", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
		{"6h", now.Add(-6 * time.Hour)},
		{"90m", now.Add(-90 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSince(tt.in, now)
			if err != nil {
				t.Fatalf("ParseSince(%q) failed: %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	got, err := ParseSince("yesterday", now)
	if err != nil {
		t.Fatalf("ParseSince(yesterday) failed: %v", err)
	}
	if !got.Before(now) || now.Sub(got) > 48*time.Hour {
		t.Errorf("ParseSince(yesterday) = %v", got)
	}

	for _, bad := range []string{"", "-5h", "qqq zzz"} {
		if _, err := ParseSince(bad, now); err == nil {
			t.Errorf("ParseSince(%q) should fail", bad)
		}
	}
}
