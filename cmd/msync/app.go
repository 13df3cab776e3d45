package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/marksync/marksync/internal/auth"
	"github.com/marksync/marksync/internal/cache"
	"github.com/marksync/marksync/internal/config"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/remote"
	"github.com/marksync/marksync/internal/ui"
)

// app is the wired sync stack of one msync process.
type app struct {
	cfg   *config.Config
	db    *cache.DB
	store *auth.FileStore
	repo  remote.Repository
	orch  *orchestrator.Orchestrator

	// tokenFromFile is set when the token came from the token file, which is
	// then removed when the host rejects it.
	tokenFromFile bool

	hooksMu sync.Mutex
	hooks   []func(orchestrator.SyncEvent)
}

type appOptions struct {
	autoSync bool
}

// openApp opens the cache, resolves the token and builds the orchestrator. The
// orchestrator is not initialized.
func openApp(ctx context.Context, c *config.Config, opts appOptions) (*app, error) {
	db, err := cache.OpenContext(ctx, c.CachePath)
	if err != nil {
		return nil, err
	}

	store, err := auth.NewFileStore(c.TokenFile, newLogger("auth"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{cfg: c, db: db, store: store}

	token := c.Token
	if token == "" {
		token, err = store.Token()
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.tokenFromFile = token != ""
	}

	if token != "" && !offline {
		gist, err := remote.NewGist(&remote.GistConfig{
			Token:       token,
			Filename:    c.Filename,
			GistID:      c.GistID,
			Description: c.Description,
			Public:      c.Public,
			BaseURL:     c.APIURL,
			PageSize:    c.PageSize,
			Logger:      newLogger("gist"),
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.repo = gist
	}

	ocfg := orchestrator.DefaultConfig()
	ocfg.AutoSync = opts.autoSync && c.AutoSync
	ocfg.Debounce = c.Debounce
	ocfg.StartupRetries = c.StartupRetries
	ocfg.StartupBackoff = c.StartupBackoff
	ocfg.Description = c.Description
	ocfg.Logger = newLogger("orchestrator")
	ocfg.OnLogout = a.logout
	ocfg.OnSynced = a.synced

	a.orch, err = orchestrator.New(a.repo, cache.NewMirror(db, cache.MirrorKey), ocfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// onSynced registers an additional sync hook.
func (a *app) onSynced(fn func(orchestrator.SyncEvent)) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.hooks = append(a.hooks, fn)
}

// synced journals every sync and forwards it to the registered hooks.
func (a *app) synced(e orchestrator.SyncEvent) {
	entry := cache.SyncEntry{
		At:         e.At,
		Trigger:    e.Trigger,
		Result:     e.Result.String(),
		DocumentID: e.DocumentID,
		Version:    e.Version,
	}
	if e.Err != nil {
		entry.Error = e.Err.Error()
	}
	if err := a.db.RecordSync(context.Background(), entry); err != nil {
		newLogger("cache").Printf("Failed to record sync: %v", err)
	}

	a.hooksMu.Lock()
	hooks := append([]func(orchestrator.SyncEvent){}, a.hooks...)
	a.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
}

func (a *app) logout() {
	if !a.tokenFromFile {
		return
	}
	if err := a.store.Logout(); err != nil {
		newLogger("auth").Printf("Failed to remove rejected token: %v", err)
	}
}

// start initializes the orchestrator. Failures that leave the local copy usable
// are reported as warnings.
func (a *app) start(ctx context.Context) {
	err := a.orch.Initialize(ctx)
	switch {
	case err == nil:
		if a.repo == nil && !offline {
			fmt.Fprintf(os.Stderr, "%s Not logged in; changes are kept locally. Run 'msync login' to sync.\n", ui.RenderWarn("⚠"))
		}
	case errors.Is(err, orchestrator.ErrConflict):
		fmt.Fprintf(os.Stderr, "%s %s\n   Run 'msync sync' to choose.\n", ui.RenderWarn("⚠"), a.orch.Message())
	case errors.Is(err, orchestrator.ErrSessionExpired):
		fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), orchestrator.SessionExpiredMessage)
	default:
		fmt.Fprintf(os.Stderr, "%s Could not reach the gist (%v); working offline.\n", ui.RenderWarn("⚠"), err)
	}
}

// pushEdits writes local edits to the gist when that is possible.
func (a *app) pushEdits(ctx context.Context) {
	if a.orch.LocalOnly() || !a.orch.Dirty() {
		return
	}
	if a.orch.ActiveConflict() != nil {
		fmt.Fprintf(os.Stderr, "%s Saved locally. Resolve the conflict with 'msync sync'.\n", ui.RenderWarn("⚠"))
		return
	}

	res, err := a.orch.SyncWithRemote(ctx, nil)
	switch {
	case err == nil:
		if res == orchestrator.ResultPushed {
			fmt.Printf("%s Synced\n", ui.RenderPass("✓"))
		}
	case errors.Is(err, orchestrator.ErrConflict):
		fmt.Fprintf(os.Stderr, "%s %s\n   Run 'msync sync' to choose.\n", ui.RenderWarn("⚠"), a.orch.Message())
	default:
		fmt.Fprintf(os.Stderr, "%s Saved locally; sync failed: %v\n", ui.RenderWarn("⚠"), err)
	}
}

func (a *app) close() {
	a.orch.Close()
	if err := a.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// withApp opens the stack, initializes it, runs fn and closes everything.
func withApp(ctx context.Context, opts appOptions, fn func(a *app) error) error {
	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()

	a.start(ctx)
	return fn(a)
}
