package signals

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu                    sync.Mutex
	pauses, resumes, wake int
}

func (r *recorder) Pause()  { r.mu.Lock(); r.pauses++; r.mu.Unlock() }
func (r *recorder) Resume() { r.mu.Lock(); r.resumes++; r.mu.Unlock() }
func (r *recorder) Wake()   { r.mu.Lock(); r.wake++; r.mu.Unlock() }

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauses, r.resumes, r.wake
}

func waitUntil(t *testing.T, what string, cond func() bool) {
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

func startWatcher(t *testing.T, dir string, rec *recorder) {
	t.Helper()
	w, err := NewWatcher(dir, rec, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	})
	// Give the watcher time to register before the test writes files.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcher_PauseAndResume(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	rec := &recorder{}
	startWatcher(t, dir, rec)

	if err := SendPause(dir); err != nil {
		t.Fatalf("SendPause failed: %v", err)
	}
	waitUntil(t, "pause", func() bool { p, _, _ := rec.counts(); return p >= 1 })

	if err := ClearPause(dir); err != nil {
		t.Fatalf("ClearPause failed: %v", err)
	}
	waitUntil(t, "resume", func() bool { _, r, _ := rec.counts(); return r == 1 })
}

func TestWatcher_WakeIsConsumed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	rec := &recorder{}
	startWatcher(t, dir, rec)

	if err := SendWake(dir); err != nil {
		t.Fatalf("SendWake failed: %v", err)
	}
	waitUntil(t, "wake", func() bool { _, _, w := rec.counts(); return w >= 1 })
	waitUntil(t, "wake file removed", func() bool {
		_, err := os.Stat(filepath.Join(dir, WakeFile))
		return os.IsNotExist(err)
	})
}

func TestWatcher_AppliesExistingPause(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	if err := SendPause(dir); err != nil {
		t.Fatalf("SendPause failed: %v", err)
	}
	rec := &recorder{}
	startWatcher(t, dir, rec)
	if p, _, _ := rec.counts(); p != 1 {
		t.Errorf("pauses = %d, want 1", p)
	}
}

func TestClearPause_Missing(t *testing.T) {
	if err := ClearPause(t.TempDir()); err != nil {
		t.Errorf("ClearPause on empty dir: %v", err)
	}
}
