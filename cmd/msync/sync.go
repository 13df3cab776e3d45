package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/cache"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/ui"
)

const (
	preferLocal  = "local"
	preferRemote = "remote"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync bookmarks with the gist",
	Long: `Bring the local bookmarks and the gist in step.

  remote changed, no local edits   the gist is pulled
  local edits, remote unchanged    the local tree is pushed
  both changed                     you choose which version to keep

Use --prefer to answer the conflict question up front, e.g. in scripts.
Without --prefer and without a terminal, a conflict exits with status 2.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefer, _ := cmd.Flags().GetString("prefer")
		if prefer != "" && prefer != preferLocal && prefer != preferRemote {
			return fmt.Errorf("--prefer must be %q or %q", preferLocal, preferRemote)
		}
		if offline {
			return fmt.Errorf("cannot sync with --offline")
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		if a.repo == nil {
			return fmt.Errorf("not logged in; run 'msync login' first")
		}

		a.onSynced(reportSync)
		err = a.orch.Initialize(ctx)
		if err != nil && !errors.Is(err, orchestrator.ErrConflict) {
			return err
		}

		conflict := a.orch.ActiveConflict()
		if conflict == nil {
			_, err := a.orch.SyncWithRemote(ctx, func(c *orchestrator.Conflict) { conflict = c })
			if err != nil {
				return err
			}
		}
		if conflict == nil {
			fmt.Printf("%s Bookmarks are in sync\n", ui.RenderPass("✓"))
			return nil
		}
		return resolveConflict(ctx, a, conflict, prefer)
	},
}

// reportSync prints the syncs that changed something.
func reportSync(e orchestrator.SyncEvent) {
	if e.Err != nil {
		return
	}
	switch e.Result {
	case orchestrator.ResultPulled:
		fmt.Printf("%s Pulled changes from the gist\n", ui.RenderAccent("⬇"))
	case orchestrator.ResultPushed:
		fmt.Printf("%s Pushed local changes to the gist\n", ui.RenderAccent("⬆"))
	}
}

// resolveConflict settles c with prefer, asking the user when prefer is empty.
func resolveConflict(ctx context.Context, a *app, c *orchestrator.Conflict, prefer string) error {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), a.orch.Message())

	if prefer == "" {
		if !ui.IsInteractive() {
			return exitError{code: 2, err: fmt.Errorf("%w; rerun with --prefer local or --prefer remote", orchestrator.ErrConflict)}
		}

		shared := a.orch.Shared()
		shared.SetDialogOpen(true)
		err := huh.NewSelect[string]().
			Title("Which version do you want to keep?").
			Options(
				huh.NewOption("Keep my local bookmarks (overwrite the gist)", preferLocal),
				huh.NewOption("Load the gist (discard local edits)", preferRemote),
			).
			Value(&prefer).
			Run()
		shared.SetDialogOpen(false)
		if err != nil {
			return fmt.Errorf("conflict left unresolved: %w", err)
		}
	}

	var err error
	if prefer == preferLocal {
		err = c.SaveLocal(ctx)
	} else {
		err = c.LoadRemote(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}
	fmt.Printf("%s Conflict resolved (kept %s version)\n", ui.RenderPass("✓"), prefer)
	return nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Show the state of the local copy: unsynced edits, last sync, the bound gist
and recent sync outcomes. With --check the gist is contacted first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		check, _ := cmd.Flags().GetBool("check")
		limit, _ := cmd.Flags().GetInt("history")
		ctx := cmd.Context()

		a, err := openApp(ctx, cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		var st orchestrator.Status
		if check {
			a.start(ctx)
			st = a.orch.Status()
		} else {
			st, err = cachedStatus(ctx, a)
			if err != nil {
				return err
			}
		}

		history, err := a.db.RecentSyncs(ctx, limit)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(struct {
				orchestrator.Status
				LoggedIn bool              `json:"logged_in"`
				History  []cache.SyncEntry `json:"history"`
			}{st, a.repo != nil, history})
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		switch {
		case a.repo != nil:
			fmt.Printf("Account: %s\n", ui.RenderPass("logged in"))
		case offline:
			fmt.Printf("Account: %s\n", ui.RenderWarn("offline"))
		default:
			fmt.Printf("Account: %s\n", ui.RenderWarn("not logged in"))
		}
		if st.DocumentID != "" {
			fmt.Printf("Gist: %s (%s)\n", st.DocumentID, cfg.Filename)
		} else {
			fmt.Printf("Gist: %s\n", ui.RenderMuted("not created yet"))
		}
		if st.Dirty {
			fmt.Printf("Local changes: %s\n", ui.RenderWarn("not yet synced"))
		} else {
			fmt.Printf("Local changes: none\n")
		}
		if st.LastSyncAt != nil {
			fmt.Printf("Last sync: %s (%s)\n", ui.Ago(*st.LastSyncAt, time.Now()), st.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Last sync: never\n")
		}
		if saved, err := a.db.UpdatedAt(ctx, cache.MirrorKey); err == nil && !saved.IsZero() {
			fmt.Printf("Local copy saved: %s\n", ui.Ago(saved, time.Now()))
		}
		if st.UnresolvedConflict {
			fmt.Printf("Conflict: %s\n", ui.RenderFail("unresolved; run 'msync sync'"))
		}
		if st.Message != "" {
			fmt.Printf("Message: %s\n", st.Message)
		}
		fmt.Printf("Bookmarks: %d in %d bundles, %d categories\n", st.Stats.Bookmarks, st.Stats.Bundles, st.Stats.Categories)

		if len(history) > 0 {
			fmt.Printf("\nRecent syncs:\n")
			for _, e := range history {
				line := fmt.Sprintf("  %-19s %-9s %s", e.At.Local().Format("2006-01-02 15:04:05"), e.Trigger, e.Result)
				if e.Error != "" {
					line += "  " + ui.RenderFail(e.Error)
				}
				fmt.Println(line)
			}
		}
		fmt.Println()
		return nil
	},
}

// cachedStatus builds a status from the offline mirror without contacting the host.
func cachedStatus(ctx context.Context, a *app) (orchestrator.Status, error) {
	data, err := cache.NewMirror(a.db, cache.MirrorKey).Load(ctx)
	if err != nil {
		return orchestrator.Status{}, err
	}
	snap, err := orchestrator.DecodeSnapshot(data)
	if err != nil {
		return orchestrator.Status{}, fmt.Errorf("failed to read local copy: %w", err)
	}
	st := orchestrator.Status{LocalOnly: a.repo == nil}
	if snap == nil {
		return st, nil
	}
	st.Dirty = snap.Dirty
	st.LastSyncAt = snap.LastSyncAt
	st.DocumentID = snap.DocumentID
	st.Stats = snap.Root.Stats()
	return st, nil
}

func init() {
	syncCmd.Flags().String("prefer", "", "resolve a conflict without asking: local or remote")
	statusCmd.Flags().Bool("check", false, "contact the gist before reporting")
	statusCmd.Flags().Int("history", 5, "number of recent syncs to show")

	rootCmd.AddCommand(syncCmd, statusCmd)
}
