package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, path string) *FileWatcher {
	t.Helper()
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	t.Cleanup(func() { fw.Stop() })
	if err := fw.Start(path); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	// Give watcher time to stabilize
	time.Sleep(100 * time.Millisecond)
	return fw
}

func waitEvent(t *testing.T, fw *FileWatcher) FileEvent {
	t.Helper()
	select {
	case ev := <-fw.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for file event")
	}
	return FileEvent{}
}

func TestFileWatcher_Modify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlsync.yaml")
	if err := os.WriteFile(path, []byte("db: a.db\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fw := startWatcher(t, path)

	if err := os.WriteFile(path, []byte("db: b.db\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ev := waitEvent(t, fw)
	if ev.Op != OpModify {
		t.Errorf("Op = %v, want modify", ev.Op)
	}
	if filepath.Base(ev.Path) != "mlsync.yaml" {
		t.Errorf("Path = %s", ev.Path)
	}
}

func TestFileWatcher_Create(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlsync.yaml")
	fw := startWatcher(t, path)

	if err := os.WriteFile(path, []byte("db: a.db\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if ev := waitEvent(t, fw); ev.Op != OpCreate {
		t.Errorf("Op = %v, want create", ev.Op)
	}
}

func TestFileWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mlsync.yaml")
	if err := os.WriteFile(path, []byte("x: 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fw := startWatcher(t, path)

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("y: 2\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	select {
	case ev := <-fw.Events():
		t.Errorf("unexpected event for sibling file: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFileWatcher_StopIdempotent(t *testing.T) {
	fw, err := NewFileWatcher()
	if err != nil {
		t.Fatalf("NewFileWatcher() failed: %v", err)
	}
	if err := fw.Start(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !fw.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := fw.Start("again.yaml"); err == nil {
		t.Error("second Start() should fail")
	}
	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
	if fw.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestEventOpString(t *testing.T) {
	for op, want := range map[EventOp]string{OpCreate: "create", OpModify: "modify", OpDelete: "delete", EventOp(9): "unknown"} {
		if got := op.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", op, got, want)
		}
	}
}
