package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestWatcher(t *testing.T, dir string, existing bool) *Watcher {
	t.Helper()
	w, err := New(Config{
		Dirs:     []string{dir},
		Patterns: []string{"*.img", "*.dd"},
		Settle:   150 * time.Millisecond,
		Existing: existing,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Settle: time.Second}); err == nil {
		t.Error("expected error without directories")
	}
	if _, err := New(Config{Dirs: []string{"."}}); err == nil {
		t.Error("expected error without settle interval")
	}
	if _, err := New(Config{Dirs: []string{"."}, Settle: time.Second, Patterns: []string{"[x"}}); err == nil {
		t.Error("expected error for bad pattern")
	}
}

func TestMatches(t *testing.T) {
	w := newTestWatcher(t, t.TempDir(), false)
	defer w.Stop()

	tests := []struct {
		path string
		want bool
	}{
		{"/drop/disk.img", true},
		{"/drop/usb.dd", true},
		{"/drop/notes.txt", false},
		{"/drop/.disk.img", false},
		{"/drop/disk.img.part", false},
		{"/drop/disk.img~", false},
	}
	for _, tt := range tests {
		if got := w.Matches(tt.path); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestStartRejectsMissingDir(t *testing.T) {
	w := newTestWatcher(t, filepath.Join(t.TempDir(), "missing"), false)
	if err := w.Start(); err == nil {
		t.Error("expected error for missing directory")
	}
	w.Stop()
}

func TestSettledFileIsReportedOnce(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "disk.img")
	if err := os.WriteFile(path, make([]byte, 4096), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Errorf("event path = %s, want %s", ev.Path, path)
		}
		if ev.Size != 4096 {
			t.Errorf("event size = %d, want 4096", ev.Size)
		}
	case err := <-w.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settled file")
	}

	select {
	case ev := <-w.Events():
		t.Errorf("unexpected second event for %s", ev.Path)
	case <-time.After(500 * time.Millisecond):
	}
	if n := w.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.dd")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, dir, true)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Errorf("event path = %s", ev.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("existing file was not reported")
	}
}

func TestCheckSettledWaitsForQuietPeriod(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)
	defer w.Stop()

	path := filepath.Join(dir, "grow.img")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	w.now = func() time.Time { return base }
	w.touch(path)

	// Grew since it was first seen: the clock restarts.
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	w.checkSettled(base.Add(time.Second))
	if len(w.events) != 0 {
		t.Fatal("file reported while still changing")
	}

	w.checkSettled(base.Add(time.Second + 100*time.Millisecond))
	if len(w.events) != 0 {
		t.Fatal("file reported before settle interval")
	}

	w.checkSettled(base.Add(time.Second + 200*time.Millisecond))
	if len(w.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(w.events))
	}
	ev := <-w.events
	if ev.Size != 3 {
		t.Errorf("size = %d, want 3", ev.Size)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(ctx, func(_ context.Context, ev Event) error {
			mu.Lock()
			got = append(got, filepath.Base(ev.Path))
			mu.Unlock()
			cancel()
			return nil
		}, nil)
	}()

	// Give Start a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "a.img"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a.img" {
		t.Errorf("handled %v", got)
	}
}
