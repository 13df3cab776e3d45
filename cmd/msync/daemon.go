package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/auth"
	"github.com/marksync/marksync/internal/cache"
	"github.com/marksync/marksync/internal/dashboard"
	"github.com/marksync/marksync/internal/detector"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep syncing in the foreground",
	Long: `Run msync in the foreground until interrupted.

The daemon will:
  1. Load the bookmarks and sync once
  2. Poll the gist for changes made elsewhere and pull them
  3. Push local edits shortly after they are made (auto_sync)
  4. Serve the dashboard on dashboard.port (0 disables it)
  5. Restart the session when 'msync login' or 'msync logout' changes the token

Conflicts are not resolved automatically. Resolve them with the dashboard's
/conflict endpoints, or with 'msync sync' in another terminal; the daemon
notices that resolution in the cache and restarts its session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := auth.NewFileStore(cfg.TokenFile, newLogger("auth"))
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting msync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Poll interval: %s\n", cfg.PollInterval)
		fmt.Printf("   Cache: %s\n", cfg.CachePath)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		for {
			reason, err := runDaemonSession(ctx, store)
			if err != nil {
				return err
			}
			if reason == "" {
				fmt.Println("\nDaemon stopped")
				return nil
			}
			fmt.Printf("%s %s; restarting session\n", ui.RenderAccent("🔄"), reason)
		}
	},
}

// runDaemonSession runs one sync session until ctx is cancelled, the stored
// token changes, or another process resolves the session's conflict. It
// returns why a new session should start, or "" to stop.
func runDaemonSession(ctx context.Context, store *auth.FileStore) (string, error) {
	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	tokenChanged := make(chan struct{}, 1)
	watcher, err := auth.NewWatcher(store, func(e auth.Event, _ string) {
		newLogger("auth").Printf("Observed %s", e)
		select {
		case tokenChanged <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	if err := watcher.Start(); err != nil {
		return "", err
	}
	defer watcher.Stop()

	a, err := openApp(sessionCtx, cfg, appOptions{autoSync: true})
	if err != nil {
		return "", err
	}
	defer a.close()

	a.start(sessionCtx)

	if cfg.Dashboard.Port > 0 {
		server, err := dashboard.NewServer(a.orch, &dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: newLogger("dashboard"),
		})
		if err != nil {
			return "", err
		}
		handler := dashboard.NewHandler(server, newLogger("dashboard"))
		a.onSynced(handler.OnSynced)
		unsubscribe := handler.Attach(a.orch)
		defer unsubscribe()

		if err := server.Start(); err != nil {
			return "", err
		}
		defer server.Stop()
		fmt.Printf("   Dashboard: http://%s\n", server.GetAddr())
	}

	var poller *detector.Poller
	if a.repo != nil {
		poller, err = detector.New(a.repo, a.orch.HandleRemoteChange, &detector.Config{
			Interval: cfg.PollInterval,
			Suppress: a.orch.Shared().ResolutionInProgress,
			Logger:   newLogger("detector"),
		})
		if err != nil {
			return "", err
		}
		poller.Start()
		defer poller.Stop()
		fmt.Printf("   Syncing with gist %s\n", a.repo.DocumentID())
	} else {
		fmt.Printf("   %s Not logged in; waiting for 'msync login'\n", ui.RenderWarn("⚠"))
	}

	a.onSynced(func(e orchestrator.SyncEvent) {
		if e.Err == nil && e.Result != orchestrator.ResultNoop {
			fmt.Printf("%s %s %s\n", ui.RenderMuted(e.At.Local().Format("15:04:05")), e.Trigger, e.Result)
		}
	})

	resolved := make(chan struct{})
	if a.repo != nil {
		go watchConflict(sessionCtx, a, cfg.PollInterval, resolved)
	}

	reason := ""
	select {
	case <-ctx.Done():
	case <-tokenChanged:
		reason = "Login changed"
	case <-resolved:
		reason = "Conflict resolved elsewhere"
	}

	if poller != nil {
		poller.Stop()
	}
	flush(a)
	return reason, nil
}

// watchConflict closes resolved once another process has resolved the
// conflict this session is stuck on.
func watchConflict(ctx context.Context, a *app, interval time.Duration, resolved chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := newLogger("daemon")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := resolvedElsewhere(ctx, a.db, a.orch)
			if err != nil {
				logger.Printf("Conflict check failed: %v", err)
				continue
			}
			if ok {
				close(resolved)
				return
			}
		}
	}
}

// resolvedElsewhere reports whether o has an unresolved conflict and the
// shared cache has since been written clean by another process. While a
// conflict is open this process does not write the mirror itself.
func resolvedElsewhere(ctx context.Context, db *cache.DB, o *orchestrator.Orchestrator) (bool, error) {
	c := o.ActiveConflict()
	if c == nil || !o.Shared().UnresolvedConflict() {
		return false, nil
	}

	updated, err := db.UpdatedAt(ctx, cache.MirrorKey)
	if err != nil {
		return false, err
	}
	if !updated.After(c.DetectedAt) {
		return false, nil
	}

	data, err := cache.NewMirror(db, cache.MirrorKey).Load(ctx)
	if err != nil {
		return false, err
	}
	snap, err := orchestrator.DecodeSnapshot(data)
	if err != nil {
		return false, err
	}
	return snap != nil && !snap.Dirty, nil
}

// flush pushes edits still waiting for the debounce window.
func flush(a *app) {
	if a.orch.LocalOnly() || !a.orch.Dirty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := a.orch.SyncWithRemote(ctx, nil); err != nil && !errors.Is(err, orchestrator.ErrConflict) {
		fmt.Fprintf(os.Stderr, "%s Final sync failed: %v\n", ui.RenderWarn("⚠"), err)
	}
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
