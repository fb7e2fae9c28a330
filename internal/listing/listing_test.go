package listing

import (
	"testing"
	"time"
)

func TestStableID(t *testing.T) {
	a := StableID("ProviderA", "12345")
	b := StableID("ProviderA", "12345")
	if a != b {
		t.Errorf("StableID not deterministic: %q != %q", a, b)
	}
	if len(a) != 12 {
		t.Errorf("len(StableID) = %d, want 12", len(a))
	}
	if other := StableID("ProviderB", "12345"); other == a {
		t.Errorf("StableID collided across sources: %q", other)
	}
	if other := StableID("ProviderA", "123456"); other == a {
		t.Errorf("StableID collided across external IDs: %q", other)
	}
}

func TestStableID_HexOnly(t *testing.T) {
	id := StableID("x", "y")
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("StableID(%q) contains non-hex rune %q", id, r)
		}
	}
}

func TestStatusIsKnown(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusActive, true},
		{StatusComingSoon, true},
		{StatusUnknown, true},
		{Status("BACKUP_OFFER"), false},
		{Status(""), false},
	}
	for _, tt := range tests {
		if got := tt.status.IsKnown(); got != tt.want {
			t.Errorf("Status(%q).IsKnown() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRunStateIsTerminal(t *testing.T) {
	for _, s := range []RunState{StateIdle, StateFetching, StateUpserting, StateFinalizing} {
		if s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = true, want false", s)
		}
	}
	for _, s := range []RunState{StateCompleted, StateFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false, want true", s)
		}
	}
}

func TestCountsSucceededAndDuration(t *testing.T) {
	c := Counts{Fetched: 10, Created: 3, Updated: 4, Skipped: 1, Errors: 2}
	if got := c.Succeeded(); got != 7 {
		t.Errorf("Succeeded() = %d, want 7", got)
	}

	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := RunLog{StartedAt: start, FinishedAt: start.Add(90 * time.Second)}
	if got := r.Duration(); got != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", got)
	}
}
