// Package orchestrator keeps the local bookmark tree and the hosted document in
// step.
//
// The orchestrator owns the tree, the dirty flag and an exclusive sync lock.
// Every sync follows the same decision:
//
//	remote changed  local dirty   action
//	yes             yes           conflict: the user picks LoadRemote or SaveLocal
//	yes             no            pull
//	no              yes           push
//	no              no            nothing
//
// Syncs are started explicitly (SyncWithRemote), by the debounced auto-sync
// after each local edit, or by the change detector (HandleRemoteChange). All
// three share the lock: an explicit call fails fast with ErrSyncInProgress,
// background triggers skip with ErrSkipped. Nothing ever queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marksync/marksync/internal/markdown"
	"github.com/marksync/marksync/internal/remote"
	"github.com/marksync/marksync/internal/tree"
)

var (
	// ErrSyncInProgress is returned to explicit callers when the lock is held.
	ErrSyncInProgress = errors.New("sync in progress")

	// ErrSkipped is returned to background triggers that did not run because the
	// lock is held or a conflict is being resolved.
	ErrSkipped = errors.New("sync skipped")

	// ErrConflict is returned when both sides changed and no handler was supplied.
	ErrConflict = errors.New("local and remote bookmarks both changed")

	// ErrNoConflict is returned by a resolution action that is stale or already used.
	ErrNoConflict = errors.New("no conflict to resolve")

	// ErrLocalOnly is returned by remote operations when no repository is configured
	// or the session has ended.
	ErrLocalOnly = errors.New("remote sync is not configured")

	// ErrSessionExpired replaces every authentication failure.
	ErrSessionExpired = errors.New("session expired")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")

	// ErrNoChange is returned by a mutation whose target was missing or whose
	// new name was taken; the tree is left as it was.
	ErrNoChange = errors.New("nothing changed")

	// errPullDiscarded marks a pull dropped because the tree was edited while
	// it was in flight. The remote change is still unseen.
	errPullDiscarded = errors.New("pull discarded by local edits")
)

// SessionExpiredMessage is the user-facing text for authentication failures.
const SessionExpiredMessage = "Your session has expired. Please log in again."

const conflictMessage = "Your bookmarks were changed elsewhere while you had unsaved edits. Choose which version to keep."

// now is the orchestrator clock.
var now = time.Now

// Result describes what a sync did.
type Result int

const (
	// ResultNoop means both sides were already in step.
	ResultNoop Result = iota
	// ResultPulled means the remote content replaced the local tree.
	ResultPulled
	// ResultPushed means the local tree was written to the remote document.
	ResultPushed
	// ResultConflict means both sides changed.
	ResultConflict
)

// String returns a human-readable representation of the result.
func (r Result) String() string {
	switch r {
	case ResultNoop:
		return "up to date"
	case ResultPulled:
		return "pulled"
	case ResultPushed:
		return "pushed"
	case ResultConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// trigger identifies what started a sync.
type trigger int

const (
	triggerExplicit trigger = iota
	triggerAuto
	triggerDetector
	triggerStartup
	triggerResolve
)

func (t trigger) String() string {
	switch t {
	case triggerExplicit:
		return "explicit"
	case triggerAuto:
		return "auto"
	case triggerDetector:
		return "detector"
	case triggerStartup:
		return "startup"
	case triggerResolve:
		return "resolve"
	default:
		return "unknown"
	}
}

// SyncEvent describes a sync that ran to completion or failure.
type SyncEvent struct {
	At         time.Time
	Trigger    string
	Result     Result
	DocumentID string
	Version    string
	Err        error
}

// ConflictHandler receives a detected conflict. It is called after the sync
// lock is released, so it may call the resolution actions directly.
type ConflictHandler func(c *Conflict)

// Conflict carries the two resumption actions for a detected conflict. Exactly
// one of them can succeed.
type Conflict struct {
	o          *Orchestrator
	used       atomic.Bool
	DetectedAt time.Time
}

// LoadRemote discards the local tree and replaces it with the remote content.
func (c *Conflict) LoadRemote(ctx context.Context) error {
	return c.o.resolve(ctx, c, false)
}

// SaveLocal overwrites the remote document with the local tree.
func (c *Conflict) SaveLocal(ctx context.Context) error {
	return c.o.resolve(ctx, c, true)
}

// Config holds configuration for the orchestrator.
type Config struct {
	// AutoSync schedules a debounced sync after every local edit.
	AutoSync bool

	// Debounce is the auto-sync coalescing window.
	Debounce time.Duration

	// StartupRetries and StartupBackoff shape the retry schedule of the first
	// load: StartupBackoff, 2*StartupBackoff, ... for StartupRetries attempts.
	StartupRetries int
	StartupBackoff time.Duration

	// Description is written to the hosted document on every push.
	Description string

	// Shared holds the conflict flags. A private one is created when nil.
	Shared *SharedState

	// OnLogout is called once when the host rejects the credentials.
	OnLogout func()

	// OnSynced, if set, is called after every sync that took the lock.
	OnSynced func(SyncEvent)

	// Logger for orchestrator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoSync:       true,
		Debounce:       time.Second,
		StartupRetries: 3,
		StartupBackoff: time.Second,
		Logger:         log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
	}
}

// Orchestrator is the sync engine. All methods are safe for concurrent use.
type Orchestrator struct {
	repo      remote.Repository
	mirror    Mirror
	shared    *SharedState
	config    *Config
	logger    *log.Logger
	debouncer *Debouncer

	syncing atomic.Bool

	mu            sync.Mutex
	root          *tree.Root
	dirty         bool
	lastSyncAt    *time.Time
	generation    uint64
	message       string
	conflict      *Conflict
	loggedOut     bool
	closed        bool
	restored      bool
	restoredID    string
	restoredKnown string
	subscribers   map[int]func(Status)
	nextSub       int
}

// New creates an orchestrator over an empty tree. repo may be nil, in which case
// the orchestrator is a local-only editor. mirror may be nil.
func New(repo remote.Repository, mirror Mirror, config *Config) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %s", config.Debounce)
	}
	if config.StartupRetries < 0 {
		return nil, fmt.Errorf("startup retries cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	shared := config.Shared
	if shared == nil {
		shared = NewSharedState()
	}

	o := &Orchestrator{
		repo:        repo,
		mirror:      mirror,
		shared:      shared,
		config:      config,
		logger:      config.Logger,
		root:        tree.New(),
		subscribers: make(map[int]func(Status)),
	}
	o.debouncer = NewDebouncer(config.Debounce, o.autoSync)
	return o, nil
}

// Shared returns the conflict flags used by this orchestrator.
func (o *Orchestrator) Shared() *SharedState {
	return o.shared
}

// ===== Lifecycle =====

// Initialize restores the offline mirror and, when a repository is configured,
// binds to the hosted document and performs the first load. Transient failures
// and 401s of the first load are retried with exponential backoff; anything
// else aborts immediately.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.restore(ctx)

	repo, err := o.remoteRepo()
	if errors.Is(err, ErrLocalOnly) {
		o.logger.Println("No repository configured; running local-only")
		o.notify()
		return nil
	}

	if err := o.acquire(triggerExplicit); err != nil {
		return err
	}

	backoff := NewBackoff(o.config.StartupBackoff, o.config.StartupRetries)
	var (
		res      Result
		conflict *Conflict
	)

retry:
	for {
		res, conflict, err = o.load(ctx, repo)
		if err == nil || !startupRetryable(err) {
			break
		}
		delay, ok := backoff.Next()
		if !ok {
			break
		}
		o.logger.Printf("Initial load failed (%s), retrying in %s (%d/%d)",
			remote.Kind(err), delay, backoff.Attempt(), o.config.StartupRetries)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = fmt.Errorf("initial load cancelled: %w", ctx.Err())
			break retry
		case <-timer.C:
		}
	}

	o.release()
	if errors.Is(err, errPullDiscarded) {
		err = nil
	}
	if err == nil {
		o.logger.Printf("Initial load: %s", res)
	}
	res, err = o.conclude(res, conflict, nil, err)
	o.report(repo, triggerStartup, res, err)
	return err
}

func startupRetryable(err error) bool {
	return remote.IsRetryable(err) || remote.IsUnauthorized(err)
}

// Close cancels any pending auto-sync. Results of syncs still in flight are
// discarded.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.debouncer.Stop()
	o.logger.Println("Closed")
}

// restore loads the mirror once.
func (o *Orchestrator) restore(ctx context.Context) {
	o.mu.Lock()
	if o.restored || o.mirror == nil {
		o.restored = true
		o.mu.Unlock()
		return
	}
	o.restored = true
	o.mu.Unlock()

	data, err := o.mirror.Load(ctx)
	if err != nil {
		o.logger.Printf("Failed to load offline mirror: %v", err)
		return
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		o.logger.Printf("Ignoring offline mirror: %v", err)
		return
	}
	if snap == nil {
		return
	}

	o.mu.Lock()
	o.root = snap.Root
	o.dirty = snap.Dirty
	o.lastSyncAt = snap.LastSyncAt
	o.restoredID = snap.DocumentID
	o.restoredKnown = snap.KnownVersion
	o.mu.Unlock()

	o.logger.Printf("Restored offline mirror (dirty=%v, document=%s)", snap.Dirty, snap.DocumentID)
}

// load is the first bind and load of the process.
func (o *Orchestrator) load(ctx context.Context, repo remote.Repository) (Result, *Conflict, error) {
	o.mu.Lock()
	snapID, snapKnown := o.restoredID, o.restoredKnown
	root, dirty, gen := o.root, o.dirty, o.generation
	o.mu.Unlock()

	var (
		b   remote.Binding
		err error
	)
	if repo.DocumentID() == "" && snapID != "" {
		b, err = repo.Bind(ctx, snapID)
		if errors.Is(err, remote.ErrNotFound) {
			o.logger.Printf("Document %s no longer exists; resolving again", snapID)
			b, err = repo.Resolve(ctx, markdown.Encode(root))
		}
	} else {
		b, err = repo.Resolve(ctx, markdown.Encode(root))
	}
	if err != nil {
		return ResultNoop, nil, err
	}

	if b.Created {
		o.logger.Printf("Created document %s", b.DocumentID)
		if err := o.markPushed(repo, gen); err != nil {
			return ResultNoop, nil, err
		}
		return ResultPushed, nil, nil
	}

	if snapKnown != "" && b.DocumentID == snapID {
		repo.SetKnownVersion(snapKnown)
		return o.decide(ctx, repo)
	}

	// No record of what we last saw of this document.
	if dirty && !empty(root) {
		return ResultConflict, o.raiseConflict(), nil
	}
	return o.pull(ctx, repo, gen)
}

func empty(r *tree.Root) bool {
	s := r.Stats()
	return s.Categories == 0 && s.Bookmarks == 0
}

// ===== Sync =====

// SyncWithRemote runs one sync. When both sides changed, handler (if non-nil)
// receives the conflict; without a handler ErrConflict is returned and nothing
// is modified.
func (o *Orchestrator) SyncWithRemote(ctx context.Context, handler ConflictHandler) (Result, error) {
	return o.run(ctx, handler, triggerExplicit)
}

// HandleRemoteChange is the change detector callback. It returns an error when
// the sync did not run, so the detector offers the change again on its next tick.
func (o *Orchestrator) HandleRemoteChange(ctx context.Context) error {
	_, err := o.run(ctx, nil, triggerDetector)
	if errors.Is(err, ErrConflict) {
		return nil
	}
	return err
}

func (o *Orchestrator) autoSync() {
	res, err := o.run(context.Background(), nil, triggerAuto)
	switch {
	case err == nil:
		if res != ResultNoop {
			o.logger.Printf("Auto-sync: %s", res)
		}
	case errors.Is(err, ErrSkipped), errors.Is(err, ErrClosed):
		o.logger.Printf("Auto-sync skipped")
	default:
		o.logger.Printf("Auto-sync failed: %v", err)
	}
}

func (o *Orchestrator) run(ctx context.Context, handler ConflictHandler, trig trigger) (Result, error) {
	repo, err := o.remoteRepo()
	if err != nil {
		return ResultNoop, err
	}
	if err := o.acquire(trig); err != nil {
		return ResultNoop, err
	}

	res, conflict, err := o.decide(ctx, repo)
	o.release()

	discarded := errors.Is(err, errPullDiscarded)
	if discarded {
		err = nil
	}
	res, err = o.conclude(res, conflict, handler, err)
	o.report(repo, trig, res, err)
	if discarded && trig == triggerDetector {
		// Not delivered: the detector offers the same change again.
		return res, ErrSkipped
	}
	return res, err
}

// report hands a finished sync to the OnSynced hook.
func (o *Orchestrator) report(repo remote.Repository, trig trigger, res Result, err error) {
	if o.config.OnSynced == nil {
		return
	}
	o.config.OnSynced(SyncEvent{
		At:         now(),
		Trigger:    trig.String(),
		Result:     res,
		DocumentID: repo.DocumentID(),
		Version:    repo.KnownVersion(),
		Err:        err,
	})
}

// acquire takes the sync lock without blocking.
func (o *Orchestrator) acquire(trig trigger) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if trig != triggerExplicit && o.shared.ResolutionInProgress() {
		return ErrSkipped
	}
	if !o.syncing.CompareAndSwap(false, true) {
		if trig == triggerExplicit {
			return ErrSyncInProgress
		}
		return ErrSkipped
	}
	o.notify()
	return nil
}

func (o *Orchestrator) release() {
	o.syncing.Store(false)
}

// conclude turns the outcome of a locked section into the caller's result,
// updating the message slot and invoking the conflict handler.
func (o *Orchestrator) conclude(res Result, conflict *Conflict, handler ConflictHandler, err error) (Result, error) {
	if err != nil {
		return res, o.fail(err)
	}

	if conflict != nil {
		if handler != nil {
			o.setMessage("")
			o.notify()
			handler(conflict)
			return ResultConflict, nil
		}
		o.setMessage(conflictMessage)
		o.notify()
		return ResultConflict, ErrConflict
	}

	o.setMessage("")
	o.notify()
	return res, nil
}

// fail records err in the message slot. Authentication failures end the session.
func (o *Orchestrator) fail(err error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}

	if remote.IsAuthentication(err) {
		o.mu.Lock()
		already := o.loggedOut
		o.loggedOut = true
		o.message = SessionExpiredMessage
		o.mu.Unlock()

		o.debouncer.Stop()
		o.logger.Printf("Authentication failed: %v", err)
		if !already && o.config.OnLogout != nil {
			o.config.OnLogout()
		}
		o.notify()
		return ErrSessionExpired
	}

	o.setMessage(fmt.Sprintf("Sync failed: %v", err))
	o.notify()
	return err
}

// decide is the five-way sync decision. Caller holds the sync lock.
func (o *Orchestrator) decide(ctx context.Context, repo remote.Repository) (Result, *Conflict, error) {
	changed, _, err := withRebind(ctx, o, repo, "check", func() (bool, error) {
		return repo.HasRemoteChanges(ctx)
	})
	if err != nil {
		return ResultNoop, nil, fmt.Errorf("failed to check remote: %w", err)
	}

	o.mu.Lock()
	root, dirty, gen := o.root, o.dirty, o.generation
	o.mu.Unlock()

	switch {
	case changed && dirty:
		return ResultConflict, o.raiseConflict(), nil
	case changed:
		return o.pull(ctx, repo, gen)
	case dirty:
		return o.push(ctx, repo, root, gen)
	default:
		return ResultNoop, nil, nil
	}
}

// pull replaces the tree with the remote content. If the tree was edited while
// the read was in flight, the remote content is discarded and the observed
// version rolled back so the next sync reports the conflict.
func (o *Orchestrator) pull(ctx context.Context, repo remote.Repository, gen uint64) (Result, *Conflict, error) {
	prevKnown := repo.KnownVersion()

	doc, recreated, err := withRebind(ctx, o, repo, "read", func() (remote.Document, error) {
		return repo.Read(ctx)
	})
	if err != nil {
		return ResultNoop, nil, fmt.Errorf("failed to load remote bookmarks: %w", err)
	}
	if recreated {
		// The new document was seeded from the local tree; there is nothing to pull.
		return o.pushCurrent(ctx, repo)
	}
	root := markdown.Decode(doc.Content)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ResultNoop, nil, ErrClosed
	}
	if o.generation != gen {
		o.mu.Unlock()
		repo.SetKnownVersion(prevKnown)
		o.logger.Println("Local edits arrived during pull; keeping them")
		return ResultNoop, nil, errPullDiscarded
	}
	t := now()
	o.root = root.MarkSynced(t)
	o.dirty = false
	o.lastSyncAt = &t
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.persist(snap)
	o.logger.Printf("Pulled version %s", doc.VersionTag)
	return ResultPulled, nil, nil
}

// pushCurrent pushes the tree as it is now.
func (o *Orchestrator) pushCurrent(ctx context.Context, repo remote.Repository) (Result, *Conflict, error) {
	o.mu.Lock()
	root, gen := o.root, o.generation
	o.mu.Unlock()
	return o.push(ctx, repo, root, gen)
}

// push writes root. A concurrent modification that survives the rebind retry is
// surfaced as a conflict.
func (o *Orchestrator) push(ctx context.Context, repo remote.Repository, root *tree.Root, gen uint64) (Result, *Conflict, error) {
	content := markdown.Encode(root)

	tag, _, err := withRebind(ctx, o, repo, "update", func() (string, error) {
		return repo.Update(ctx, content, o.config.Description)
	})
	if err != nil {
		if remote.IsUserActionRequired(err) {
			o.logger.Printf("Push rejected: %v", err)
			return ResultConflict, o.raiseConflict(), nil
		}
		return ResultNoop, nil, fmt.Errorf("failed to save bookmarks: %w", err)
	}

	if err := o.markPushed(repo, gen); err != nil {
		return ResultNoop, nil, err
	}
	o.logger.Printf("Pushed version %s", tag)
	return ResultPushed, nil, nil
}

// markPushed records a successful write of the tree as of generation gen.
func (o *Orchestrator) markPushed(repo remote.Repository, gen uint64) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	t := now()
	o.lastSyncAt = &t
	if o.generation == gen {
		o.dirty = false
		o.root = o.root.MarkSynced(t)
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.persist(snap)
	return nil
}

// withRebind runs fn and, if it fails in a way a fresh binding may fix, rebinds
// once and runs it again. recreated reports that the rebind created a new
// document from the local tree, so whatever fn read back is local content.
func withRebind[T any](ctx context.Context, o *Orchestrator, repo remote.Repository, op string, fn func() (T, error)) (v T, recreated bool, err error) {
	v, err = fn()
	if err == nil || !remote.IsRebindable(err) {
		return v, false, err
	}

	o.logger.Printf("%s failed (%s); rebinding once", op, remote.Kind(err))
	recreated, rerr := o.rebind(ctx, repo)
	if rerr != nil {
		return v, false, rerr
	}
	v, err = fn()
	return v, recreated, err
}

// rebind re-resolves the document. On the same document the last observed
// version is kept, so a retried write is still verified against it. A newly
// created document is seeded with the local tree and stays dirty until the
// next push records it.
func (o *Orchestrator) rebind(ctx context.Context, repo remote.Repository) (bool, error) {
	prevID, prevKnown := repo.DocumentID(), repo.KnownVersion()

	o.mu.Lock()
	seed := markdown.Encode(o.root)
	o.mu.Unlock()

	b, err := repo.Rebind(ctx, seed)
	if err != nil {
		return false, fmt.Errorf("failed to rebind: %w", err)
	}

	switch {
	case b.Created:
		o.mu.Lock()
		o.dirty = true
		o.mu.Unlock()
		o.logger.Printf("Rebound to new document %s", b.DocumentID)
		return true, nil
	case b.DocumentID == prevID && prevKnown != "":
		repo.SetKnownVersion(prevKnown)
	default:
		// A different existing document: treat its content as unseen.
		repo.SetKnownVersion("")
		o.logger.Printf("Rebound to document %s", b.DocumentID)
	}
	return false, nil
}

func (o *Orchestrator) raiseConflict() *Conflict {
	c := &Conflict{o: o, DetectedAt: now()}

	o.mu.Lock()
	o.conflict = c
	o.mu.Unlock()

	o.shared.setUnresolvedConflict(true)
	o.logger.Println("Conflict: local and remote both changed")
	return c
}

// resolve runs one of the conflict resumption actions.
func (o *Orchestrator) resolve(ctx context.Context, c *Conflict, keepLocal bool) error {
	repo, err := o.remoteRepo()
	if err != nil {
		return err
	}

	o.mu.Lock()
	current := o.conflict == c
	o.mu.Unlock()
	if !current || c.used.Load() {
		return ErrNoConflict
	}

	if err := o.acquire(triggerExplicit); err != nil {
		return err
	}
	if !c.used.CompareAndSwap(false, true) {
		o.release()
		return ErrNoConflict
	}

	res := ResultPushed
	if keepLocal {
		err = o.saveLocal(ctx, repo)
	} else {
		res, err = o.loadRemote(ctx, repo)
	}
	o.release()

	if err != nil {
		// Allow the user to try again.
		c.used.Store(false)
		_, err = o.conclude(ResultNoop, nil, nil, err)
		o.report(repo, triggerResolve, ResultConflict, err)
		return err
	}

	o.shared.setUnresolvedConflict(false)
	o.setMessage("")
	o.notify()

	o.report(repo, triggerResolve, res, nil)
	return nil
}

// loadRemote replaces the tree with the remote document. When the document is
// gone and had to be recreated from the local tree, the local tree is kept and
// pushed instead.
func (o *Orchestrator) loadRemote(ctx context.Context, repo remote.Repository) (Result, error) {
	doc, recreated, err := withRebind(ctx, o, repo, "read", func() (remote.Document, error) {
		return repo.Read(ctx)
	})
	if err != nil {
		return ResultNoop, fmt.Errorf("failed to load remote bookmarks: %w", err)
	}
	if recreated {
		o.logger.Println("Remote document was gone; keeping the local bookmarks")
		_, c, err := o.pushCurrent(ctx, repo)
		if err != nil {
			return ResultNoop, err
		}
		if c != nil {
			return ResultNoop, fmt.Errorf("failed to save bookmarks: %w", ErrConflict)
		}
		o.mu.Lock()
		o.conflict = nil
		o.mu.Unlock()
		return ResultPushed, nil
	}
	root := markdown.Decode(doc.Content)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ResultNoop, ErrClosed
	}
	t := now()
	o.root = root.MarkSynced(t)
	o.dirty = false
	o.generation++
	o.lastSyncAt = &t
	o.conflict = nil
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.persist(snap)
	o.logger.Printf("Conflict resolved: loaded remote version %s", doc.VersionTag)
	return ResultPulled, nil
}

func (o *Orchestrator) saveLocal(ctx context.Context, repo remote.Repository) error {
	// Observe the current remote revision so the write is verified against it.
	if _, _, err := withRebind(ctx, o, repo, "read", func() (remote.Document, error) {
		return repo.Read(ctx)
	}); err != nil {
		return fmt.Errorf("failed to load remote bookmarks: %w", err)
	}

	o.mu.Lock()
	root, gen := o.root, o.generation
	o.mu.Unlock()

	tag, _, err := withRebind(ctx, o, repo, "update", func() (string, error) {
		return repo.Update(ctx, markdown.Encode(root), o.config.Description)
	})
	if err != nil {
		return fmt.Errorf("failed to save bookmarks: %w", err)
	}

	if err := o.markPushed(repo, gen); err != nil {
		return err
	}
	o.mu.Lock()
	o.conflict = nil
	o.mu.Unlock()

	o.logger.Printf("Conflict resolved: saved local version %s", tag)
	return nil
}

// ===== State =====

// remoteRepo returns the repository if remote sync is available.
func (o *Orchestrator) remoteRepo() (remote.Repository, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.repo == nil || o.loggedOut {
		return nil, ErrLocalOnly
	}
	return o.repo, nil
}

// snapshotLocked captures the persisted state. Caller holds o.mu.
func (o *Orchestrator) snapshotLocked() *Snapshot {
	s := &Snapshot{
		Root:         o.root,
		Dirty:        o.dirty,
		LastSyncAt:   o.lastSyncAt,
		DocumentID:   o.restoredID,
		KnownVersion: o.restoredKnown,
		SavedAt:      now(),
	}
	if o.repo != nil && o.repo.DocumentID() != "" {
		s.DocumentID = o.repo.DocumentID()
		s.KnownVersion = o.repo.KnownVersion()
	}
	return s
}

func (o *Orchestrator) persist(snap *Snapshot) {
	if o.mirror == nil {
		return
	}
	data, err := EncodeSnapshot(snap)
	if err != nil {
		o.logger.Printf("Failed to encode offline mirror: %v", err)
		return
	}
	if err := o.mirror.Save(context.Background(), data); err != nil {
		o.logger.Printf("Failed to save offline mirror: %v", err)
	}
}

func (o *Orchestrator) setMessage(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loggedOut && msg == "" {
		return
	}
	o.message = msg
}

// Status returns the current sync state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		Dirty:              o.dirty,
		Syncing:            o.syncing.Load(),
		UnresolvedConflict: o.shared.UnresolvedConflict(),
		LastSyncAt:         o.lastSyncAt,
		Message:            o.message,
		DocumentID:         o.restoredID,
		LocalOnly:          o.repo == nil || o.loggedOut,
		Stats:              o.root.Stats(),
	}
	if o.repo != nil && o.repo.DocumentID() != "" {
		st.DocumentID = o.repo.DocumentID()
	}
	return st
}

// Subscribe registers fn to receive every status change. The returned function
// unregisters it. fn must not block.
func (o *Orchestrator) Subscribe(fn func(Status)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) notify() {
	st := o.Status()

	o.mu.Lock()
	subs := make([]func(Status), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// Message returns the user-visible message slot.
func (o *Orchestrator) Message() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.message
}

// ActiveConflict returns the unresolved conflict, or nil.
func (o *Orchestrator) ActiveConflict() *Conflict {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conflict
}

// IsSyncing reports whether the sync lock is held.
func (o *Orchestrator) IsSyncing() bool {
	return o.syncing.Load()
}

// Dirty reports whether the tree has edits not yet written remotely.
func (o *Orchestrator) Dirty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dirty
}

// LastSyncAt returns the time of the last successful sync, or nil.
func (o *Orchestrator) LastSyncAt() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSyncAt
}

// LocalOnly reports whether remote sync is unavailable.
func (o *Orchestrator) LocalOnly() bool {
	_, err := o.remoteRepo()
	return err != nil
}
