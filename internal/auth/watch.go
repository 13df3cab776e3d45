package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Event is a change of login state observed on disk.
type Event int

const (
	// EventLogin means a token appeared or was replaced.
	EventLogin Event = iota
	// EventLogout means the token was removed.
	EventLogout
)

// String returns a human-readable representation of the event.
func (e Event) String() string {
	switch e {
	case EventLogin:
		return "login"
	case EventLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// WatchFunc receives login state changes. token is "" for EventLogout.
type WatchFunc func(e Event, token string)

// Watcher follows the token file with fsnotify. It watches the parent directory
// because Save replaces the file by rename.
type Watcher struct {
	store   *FileStore
	fn      WatchFunc
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	last    string
}

// NewWatcher creates a watcher. It must be started with Start.
func NewWatcher(store *FileStore, fn WatchFunc) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fn == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	return &Watcher{store: store, fn: fn}, nil
}

// Start begins watching. The current token is the baseline; only later changes
// are reported.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	last, err := w.store.Token()
	if err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.last = last
	w.done = make(chan struct{})
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	w.store.logger.Printf("Watching %s", w.store.Path())
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	name := filepath.Clean(w.store.Path())
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.check()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.store.logger.Printf("Watcher error: %v", err)
		}
	}
}

// check compares the token on disk with the last one seen and reports a change.
func (w *Watcher) check() {
	token, err := w.store.Token()
	if err != nil {
		w.store.logger.Printf("Failed to read token: %v", err)
		return
	}
	if token == w.last {
		return
	}
	w.last = token

	if token == "" {
		w.fn(EventLogout, "")
		return
	}
	w.fn(EventLogin, token)
}

// Watch reports login state changes to fn until ctx is cancelled.
func (s *FileStore) Watch(ctx context.Context, fn WatchFunc) error {
	w, err := NewWatcher(s, fn)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}
