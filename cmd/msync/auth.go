package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/auth"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "setup",
	Short:   "Store a GitHub token and connect to the gist",
	Long: `Store a GitHub personal access token with the "gist" scope and run a first
sync. The gist is found by file name, or created when none exists.

The token is read from --with-token (stdin) or asked for interactively.
MSYNC_TOKEN and GITHUB_TOKEN take precedence over the stored token.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withToken, _ := cmd.Flags().GetBool("with-token")

		var token string
		switch {
		case withToken:
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = strings.TrimSpace(string(data))
		case ui.IsInteractive():
			err := huh.NewInput().
				Title("GitHub token (gist scope)").
				EchoMode(huh.EchoModePassword).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return auth.ErrEmptyToken
					}
					return nil
				}).
				Value(&token).
				Run()
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("no terminal; pass the token on stdin with --with-token")
		}

		store, err := auth.NewFileStore(cfg.TokenFile, newLogger("auth"))
		if err != nil {
			return err
		}
		if err := store.Save(token); err != nil {
			return err
		}
		fmt.Printf("%s Token saved to %s\n", ui.RenderPass("✓"), store.Path())
		if cfg.Token != "" {
			fmt.Fprintf(os.Stderr, "%s A token from the environment is set and takes precedence.\n", ui.RenderWarn("⚠"))
		}
		if offline {
			return nil
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.close()

		a.onSynced(reportSync)
		err = a.orch.Initialize(ctx)
		switch {
		case err == nil:
			fmt.Printf("%s Connected to gist %s\n", ui.RenderPass("✓"), a.repo.DocumentID())
		case errors.Is(err, orchestrator.ErrSessionExpired):
			return fmt.Errorf("GitHub rejected the token; it was not kept")
		case errors.Is(err, orchestrator.ErrConflict):
			fmt.Fprintf(os.Stderr, "%s %s\n   Run 'msync sync' to choose.\n", ui.RenderWarn("⚠"), a.orch.Message())
		default:
			fmt.Fprintf(os.Stderr, "%s Token saved, but the gist could not be reached: %v\n", ui.RenderWarn("⚠"), err)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "setup",
	Short:   "Remove the stored token",
	Long:    `Remove the stored token. Bookmarks stay available locally.`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := auth.NewFileStore(cfg.TokenFile, newLogger("auth"))
		if err != nil {
			return err
		}
		if err := store.Logout(); err != nil {
			return err
		}
		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
		if cfg.Token != "" {
			fmt.Fprintf(os.Stderr, "%s MSYNC_TOKEN or GITHUB_TOKEN is still set in the environment.\n", ui.RenderWarn("⚠"))
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().Bool("with-token", false, "read the token from stdin")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
