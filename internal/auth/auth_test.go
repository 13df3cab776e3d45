package auth

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".marksync", DefaultTokenFile)
	s, err := NewFileStore(path, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return s
}

func TestNewFileStore_EmptyPath(t *testing.T) {
	if _, err := NewFileStore("", nil); err == nil {
		t.Error("NewFileStore(\"\") should fail")
	}
}

// TestFileStore_Lifecycle verifies save, read and logout of the token file.
func TestFileStore_Lifecycle(t *testing.T) {
	s := testStore(t)

	tok, err := s.Token()
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok != "" || s.LoggedIn() {
		t.Fatalf("new store should be logged out, got %q", tok)
	}

	if err := s.Save("  ghp_secret\n"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	tok, err = s.Token()
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok != "ghp_secret" {
		t.Errorf("Token() = %q, want ghp_secret", tok)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if s.LoggedIn() {
		t.Error("LoggedIn() should be false after Logout()")
	}
	if err := s.Logout(); err != nil {
		t.Errorf("second Logout() failed: %v", err)
	}
}

func TestFileStore_SaveEmpty(t *testing.T) {
	s := testStore(t)
	if err := s.Save("   "); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("Save(blank) = %v, want ErrEmptyToken", err)
	}
}

type observed struct {
	event Event
	token string
}

func waitFor(t *testing.T, ch <-chan observed, want observed) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s %q", want.event, want.token)
		}
	}
}

// TestWatcher_ReportsLoginAndLogout verifies that changes made through another
// store on the same file are observed.
func TestWatcher_ReportsLoginAndLogout(t *testing.T) {
	s := testStore(t)
	other, err := NewFileStore(s.Path(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}

	ch := make(chan observed, 16)
	w, err := NewWatcher(s, func(e Event, token string) {
		ch <- observed{e, token}
	})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := other.Save("tok-1"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	waitFor(t, ch, observed{EventLogin, "tok-1"})

	if err := other.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	waitFor(t, ch, observed{EventLogout, ""})
}

// TestWatcher_IgnoresUnchangedToken verifies that rewriting the same token is not reported.
func TestWatcher_IgnoresUnchangedToken(t *testing.T) {
	s := testStore(t)
	if err := s.Save("same"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	ch := make(chan observed, 16)
	w, err := NewWatcher(s, func(e Event, token string) { ch <- observed{e, token} })
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	if err := s.Save("same"); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected event %s %q", got.event, got.token)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIdempotent(t *testing.T) {
	s := testStore(t)
	w, err := NewWatcher(s, func(Event, string) {})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() before Start() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

// TestFileStore_Watch verifies that Watch returns once the context is cancelled.
func TestFileStore_Watch(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(Event, string) {}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	s := testStore(t)
	if _, err := NewWatcher(nil, func(Event, string) {}); err == nil {
		t.Error("NewWatcher(nil store) should fail")
	}
	if _, err := NewWatcher(s, nil); err == nil {
		t.Error("NewWatcher(nil callback) should fail")
	}
}
