package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/homefeed/mlsync/internal/config"
	"github.com/homefeed/mlsync/internal/listing"
	"github.com/homefeed/mlsync/internal/provider"
	"github.com/homefeed/mlsync/internal/store"
)

// execute runs the root command with args after restoring flag defaults.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	configPath, envFile, dbOverride, quiet = "", ".env", "", false
	syncFlags.format = formatText
	changesFlags.format, changesFlags.limit = formatText, 100
	statusFormat = formatText
	providersFlags.format = formatText
	configInitFlags = initInput{
		path:     "mlsync.yaml",
		database: config.Default().Database,
		protocol: string(provider.ProtocolOffset),
	}
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestDefaultTokenEnv(t *testing.T) {
	tests := map[string]string{
		"ProviderA":  "MLSYNC_PROVIDERA_TOKEN",
		" north-mls": "MLSYNC_NORTH_MLS_TOKEN",
		"feed.v2":    "MLSYNC_FEED_V2_TOKEN",
	}
	for in, want := range tests {
		if got := defaultTokenEnv(in); got != want {
			t.Errorf("defaultTokenEnv(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInitProvider(t *testing.T) {
	if _, err := initProvider(&initInput{baseURL: "https://x.example"}); err == nil {
		t.Error("expected error for missing provider name")
	}
	if _, err := initProvider(&initInput{provider: "A", baseURL: "not a url"}); err == nil {
		t.Error("expected error for relative base URL")
	}

	got, err := initProvider(&initInput{
		provider: "ProviderB",
		protocol: string(provider.ProtocolCursor),
		baseURL:  "https://api.example.com/odata/",
		entities: true,
	})
	if err != nil {
		t.Fatalf("initProvider() failed: %v", err)
	}
	want := config.Provider{
		Source:   "ProviderB",
		Protocol: provider.ProtocolCursor,
		BaseURL:  "https://api.example.com/odata",
		TokenEnv: "MLSYNC_PROVIDERB_TOKEN",
		Entities: []string{listing.FeedMember, listing.FeedOffice},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("provider mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckFormat(t *testing.T) {
	for _, f := range []string{formatText, formatJSON, formatYAML} {
		if err := checkFormat(f); err != nil {
			t.Errorf("checkFormat(%q) = %v", f, err)
		}
	}
	if err := checkFormat("xml"); err == nil {
		t.Error("checkFormat(xml) should fail")
	}
}

func TestCLIEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"status":200,"total":2,"bundle":[
			{"ListingKey":"1","ListPrice":300000,"StandardStatus":"Active"},
			{"ListingKey":"2","ListPrice":410000,"StandardStatus":"Closed"}]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "mlsync.yaml")
	dbPath := filepath.Join(dir, "mlsync.db")
	t.Setenv("MLSYNC_PROVIDERA_TOKEN", "secret")

	err := execute(t, "config", "init", "--yes",
		"--path", cfgPath,
		"--provider", "ProviderA",
		"--base-url", srv.URL,
		"--database", dbPath)
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if err := execute(t, "config", "init", "--yes", "--path", cfgPath, "--provider", "ProviderA", "--base-url", srv.URL); err == nil {
		t.Error("config init should refuse to overwrite without --force")
	}

	if err := execute(t, "-q", "-c", cfgPath, "sync", "ProviderA", "--full"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	l, err := db.GetByNaturalKeyContext(ctx, "ProviderA", "2")
	if err != nil {
		t.Fatalf("GetByNaturalKey failed: %v", err)
	}
	if l == nil || l.Status != listing.StatusSold {
		t.Fatalf("listing 2 = %+v, want SOLD", l)
	}
	runs, err := db.ListRuns(ctx, store.ListRunsFilter{Provider: "ProviderA"})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Counts.Created != 2 {
		t.Errorf("runs = %+v, want one run with 2 created", runs)
	}

	for _, args := range [][]string{
		{"-c", cfgPath, "status", "--format", "json"},
		{"-c", cfgPath, "changes", "--provider", "providera"},
		{"-c", cfgPath, "providers"},
		{"-c", cfgPath, "config", "show"},
	} {
		if err := execute(t, args...); err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
	}

	err = execute(t, "-c", cfgPath, "sync", "nope")
	if err == nil {
		t.Error("sync of an unknown provider should fail")
	}
	var code exitCode
	if errors.As(err, &code) {
		t.Errorf("unknown provider should be a plain error, got exit code %d", code)
	}
}
