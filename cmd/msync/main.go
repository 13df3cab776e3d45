// Command msync keeps a bookmark collection in sync with a markdown document
// stored in a GitHub gist.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marksync/marksync/internal/config"
	"github.com/marksync/marksync/internal/ui"
)

var (
	configPath string
	offline    bool
	verbose    bool
	jsonOutput bool

	// cfg is loaded once before any command runs.
	cfg *config.Config

	// logOut receives every component logger.
	logOut io.Writer = io.Discard
)

var rootCmd = &cobra.Command{
	Use:   "msync",
	Short: "Sync bookmarks with a markdown gist",
	Long: `msync keeps a tree of bookmarks (categories, bundles, bookmarks) in sync
with a single markdown document stored in a GitHub gist.

Edits are saved locally first and pushed to the gist. Changes made elsewhere
are pulled in. When both sides changed, msync asks which version to keep.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfig] != "" {
			return nil
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logOut = logWriter(cfg)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if c, ok := logOut.(io.Closer); ok {
			_ = c.Close()
		}
	},
}

// skipConfig marks commands that must run without a loadable config.
const skipConfig = "skip-config"

// logWriter returns the destination of component logs: a rotated file when
// log.file is set, stderr with --verbose, otherwise nothing.
func logWriter(c *config.Config) io.Writer {
	if c.Log.File != "" {
		return &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
		}
	}
	if verbose {
		return os.Stderr
	}
	return io.Discard
}

// newLogger returns a component logger writing to logOut.
func newLogger(component string) *log.Logger {
	return log.New(logOut, "["+component+"] ", log.LstdFlags)
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "edit", Title: "Editing:"},
		&cobra.Group{ID: "query", Title: "Browsing:"},
		&cobra.Group{ID: "sync", Title: "Syncing:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.marksync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "work on the local copy only")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// exitError carries a non-default exit status.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }
