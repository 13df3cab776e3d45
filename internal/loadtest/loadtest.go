// Package loadtest drives the orchestrator with concurrent editors to check
// that edits made while a sync is in flight are never lost.
//
// A Fixture wires an orchestrator to an in-memory gist host. Editors add
// bookmarks from many goroutines while a syncer pushes in a loop; afterwards
// the remote document must decode to a tree holding every bookmark.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/marksync/marksync/internal/markdown"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/remote"
	"github.com/marksync/marksync/internal/tree"
)

const (
	category = "Load"
	bundle   = "Inbox"
)

// Fixture is an initialized orchestrator over an in-memory host.
type Fixture struct {
	Orch *orchestrator.Orchestrator
	Host *remote.MemoryHost
	Repo *remote.Memory
}

// LatencyStats captures timings for one kind of operation.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// Report is the outcome of one RunConcurrentEdits call.
type Report struct {
	Edits     *LatencyStats
	Syncs     *LatencyStats
	Added     []string // URLs
	SyncCalls int
	Skipped   int
}

// NewFixture creates the host, the repository and an initialized orchestrator
// with one empty bundle to edit.
func NewFixture(ctx context.Context) (*Fixture, error) {
	host := remote.NewMemoryHost()
	repo := remote.NewMemory(host, "", "")

	cfg := orchestrator.DefaultConfig()
	cfg.AutoSync = false
	cfg.StartupBackoff = time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)

	o, err := orchestrator.New(repo, &orchestrator.MemoryMirror{}, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := o.Initialize(ctx); err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	if err := o.AddCategory(category); err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to add category: %w", err)
	}
	if err := o.AddBundle(category, bundle); err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to add bundle: %w", err)
	}
	if _, err := o.SyncWithRemote(ctx, nil); err != nil {
		o.Close()
		return nil, fmt.Errorf("failed to push initial tree: %w", err)
	}

	return &Fixture{Orch: o, Host: host, Repo: repo}, nil
}

// Close shuts the orchestrator down.
func (f *Fixture) Close() {
	if f.Orch != nil {
		f.Orch.Close()
	}
}

// RunConcurrentEdits starts numEditors goroutines that each add editsPerEditor
// bookmarks while a single syncer pushes continuously. A final sync runs once
// every editor is done.
func (f *Fixture) RunConcurrentEdits(ctx context.Context, numEditors, editsPerEditor int) (*Report, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		editTimes []time.Duration
		added     []string
		editErrs  int
	)

	stop := make(chan struct{})
	syncDone := make(chan struct{})
	var syncTimes []time.Duration
	var syncErrs, syncCalls, skipped int

	go func() {
		defer close(syncDone)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			start := time.Now()
			_, err := f.Orch.SyncWithRemote(ctx, nil)
			syncTimes = append(syncTimes, time.Since(start))
			syncCalls++
			switch {
			case err == nil:
			case errors.Is(err, orchestrator.ErrSyncInProgress):
				skipped++
			default:
				syncErrs++
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < numEditors; i++ {
		wg.Add(1)
		go func(editor int) {
			defer wg.Done()
			for j := 0; j < editsPerEditor; j++ {
				in := tree.BookmarkInput{
					Title: fmt.Sprintf("Editor %d bookmark %d", editor, j),
					URL:   fmt.Sprintf("https://example.com/%d/%d", editor, j),
					Tags:  []string{"loadtest", fmt.Sprintf("editor-%d", editor)},
				}
				start := time.Now()
				_, err := f.Orch.AddBookmark(category, bundle, in)
				elapsed := time.Since(start)

				mu.Lock()
				editTimes = append(editTimes, elapsed)
				if err != nil {
					editErrs++
				} else {
					added = append(added, in.URL)
				}
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	close(stop)
	<-syncDone

	if _, err := f.Orch.SyncWithRemote(ctx, nil); err != nil {
		return nil, fmt.Errorf("final sync failed: %w", err)
	}

	edits := computeLatencyStats(editTimes)
	edits.Errors = editErrs
	syncs := computeLatencyStats(syncTimes)
	syncs.Errors = syncErrs

	return &Report{
		Edits:     edits,
		Syncs:     syncs,
		Added:     added,
		SyncCalls: syncCalls,
		Skipped:   skipped,
	}, nil
}

// VerifyConverged checks that the local tree is clean and that the remote
// document holds a bookmark for every URL in want. Ids are not part of the
// document, so bookmarks are matched by URL.
func (f *Fixture) VerifyConverged(want []string) error {
	if f.Orch.Dirty() {
		return fmt.Errorf("local tree still dirty after final sync")
	}

	content, ok := f.Host.Content(f.Repo.DocumentID())
	if !ok {
		return fmt.Errorf("document %s missing on host", f.Repo.DocumentID())
	}
	remoteTree := markdown.Decode(content)

	urls := make(map[string]bool)
	for _, hit := range remoteTree.Search(tree.Filter{}) {
		urls[hit.Bookmark.URL] = true
	}
	var missing []string
	for _, u := range want {
		if !urls[u] {
			missing = append(missing, u)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%d of %d bookmarks missing on remote (first: %s)", len(missing), len(want), missing[0])
	}

	if got, want := remoteTree.Stats().Bookmarks, f.Orch.Stats().Bookmarks; got != want {
		return fmt.Errorf("remote has %d bookmarks, local has %d", got, want)
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// String formats the statistics for test logs.
func (s *LatencyStats) String() string {
	return fmt.Sprintf("ops=%d errors=%d min=%v p50=%v mean=%v p95=%v p99=%v max=%v",
		s.Operations, s.Errors, s.Min, s.P50, s.Mean, s.P95, s.P99, s.Max)
}
