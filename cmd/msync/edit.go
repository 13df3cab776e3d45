package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/tree"
	"github.com/marksync/marksync/internal/ui"
)

// runEdit applies one mutation, reports it and pushes it.
func runEdit(cmd *cobra.Command, done string, fn func(a *app) error) error {
	ctx := cmd.Context()
	return withApp(ctx, appOptions{}, func(a *app) error {
		if err := fn(a); err != nil {
			if errors.Is(err, orchestrator.ErrNoChange) {
				return fmt.Errorf("nothing changed: %s", done)
			}
			return err
		}
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), strings.ToUpper(done[:1])+done[1:])
		a.pushEdits(ctx)
		return nil
	})
}

// findBookmarkID resolves a full id or a unique id prefix.
func findBookmarkID(root *tree.Root, ref string) (string, error) {
	if _, _, _, ok := root.FindBookmark(ref); ok {
		return ref, nil
	}
	var matches []string
	for _, r := range root.Search(tree.Filter{}) {
		if strings.HasPrefix(r.Bookmark.ID, ref) {
			matches = append(matches, r.Bookmark.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no bookmark with id %q", ref)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id prefix %q is ambiguous (%d bookmarks)", ref, len(matches))
	}
}

// ===== Categories =====

var categoryCmd = &cobra.Command{
	Use:     "category",
	GroupID: "edit",
	Short:   "Add, rename or remove categories",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("added category %q", args[0]), func(a *app) error {
			return a.orch.AddCategory(args[0])
		})
	},
}

var categoryRenameCmd = &cobra.Command{
	Use:   "rename <old> <new>",
	Short: "Rename a category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("renamed category %q to %q", args[0], args[1]), func(a *app) error {
			return a.orch.RenameCategory(args[0], args[1])
		})
	},
}

var categoryRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a category and everything in it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("deleted category %q", args[0]), func(a *app) error {
			return a.orch.RemoveCategory(args[0])
		})
	},
}

var categoryTrashCmd = &cobra.Command{
	Use:   "trash <name>",
	Short: "Move a category to the trash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("trashed category %q", args[0]), func(a *app) error {
			return a.orch.TrashCategory(args[0])
		})
	},
}

// ===== Bundles =====

var bundleCmd = &cobra.Command{
	Use:     "bundle",
	GroupID: "edit",
	Short:   "Add, rename, move or remove bundles",
}

var bundleAddCmd = &cobra.Command{
	Use:   "add <category> <name>",
	Short: "Add a bundle to a category",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("added bundle %q to %q", args[1], args[0]), func(a *app) error {
			return a.orch.AddBundle(args[0], args[1])
		})
	},
}

var bundleRenameCmd = &cobra.Command{
	Use:   "rename <category> <old> <new>",
	Short: "Rename a bundle",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("renamed bundle %q to %q", args[1], args[2]), func(a *app) error {
			return a.orch.RenameBundle(args[0], args[1], args[2])
		})
	},
}

var bundleRmCmd = &cobra.Command{
	Use:   "rm <category> <name>",
	Short: "Delete a bundle and its bookmarks",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("deleted bundle %q", args[1]), func(a *app) error {
			return a.orch.RemoveBundle(args[0], args[1])
		})
	},
}

var bundleTrashCmd = &cobra.Command{
	Use:   "trash <category> <name>",
	Short: "Move a bundle to the trash",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("trashed bundle %q", args[1]), func(a *app) error {
			return a.orch.TrashBundle(args[0], args[1])
		})
	},
}

var bundleMvCmd = &cobra.Command{
	Use:   "mv <from-category> <name> <to-category>",
	Short: "Move a bundle to another category",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("moved bundle %q to %q", args[1], args[2]), func(a *app) error {
			return a.orch.MoveBundle(args[0], args[1], args[2])
		})
	},
}

// ===== Bookmarks =====

var bookmarkCmd = &cobra.Command{
	Use:     "bookmark",
	Aliases: []string{"bm"},
	GroupID: "edit",
	Short:   "Add, edit, move or remove bookmarks",
}

var bookmarkAddCmd = &cobra.Command{
	Use:   "add <category> <bundle> <url>",
	Short: "Add a bookmark",
	Long: `Add a bookmark to a bundle. The title defaults to the URL.

Example:
  msync bookmark add "📚 Development" Frontend https://react.dev --title React --tag react --tag docs`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		notes, _ := cmd.Flags().GetString("notes")
		if title == "" {
			title = args[2]
		}

		var id string
		err := runEdit(cmd, fmt.Sprintf("added %q", title), func(a *app) error {
			var err error
			id, err = a.orch.AddBookmark(args[0], args[1], tree.BookmarkInput{
				Title: title,
				URL:   args[2],
				Tags:  tags,
				Notes: notes,
			})
			return err
		})
		if err == nil {
			fmt.Printf("   ID: %s\n", id)
		}
		return err
	},
}

var bookmarkEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a bookmark's title, URL, tags or notes",
	Long: `Change the fields given as flags; other fields are left as they are.
The id may be abbreviated to any unique prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch tree.BookmarkPatch
		flags := cmd.Flags()
		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			patch.Title = &v
		}
		if flags.Changed("url") {
			v, _ := flags.GetString("url")
			patch.URL = &v
		}
		if flags.Changed("tag") {
			v, _ := flags.GetStringSlice("tag")
			patch.Tags = &v
		}
		if flags.Changed("notes") {
			v, _ := flags.GetString("notes")
			patch.Notes = &v
		}
		if patch == (tree.BookmarkPatch{}) {
			return fmt.Errorf("nothing to change; pass --title, --url, --tag or --notes")
		}

		return runEdit(cmd, fmt.Sprintf("updated bookmark %s", args[0]), func(a *app) error {
			id, err := findBookmarkID(a.orch.Tree(), args[0])
			if err != nil {
				return err
			}
			return a.orch.UpdateBookmark(id, patch)
		})
	},
}

var bookmarkRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("deleted bookmark %s", args[0]), func(a *app) error {
			id, err := findBookmarkID(a.orch.Tree(), args[0])
			if err != nil {
				return err
			}
			return a.orch.RemoveBookmark(id)
		})
	},
}

var bookmarkTrashCmd = &cobra.Command{
	Use:   "trash <id>",
	Short: "Move a bookmark to the trash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("trashed bookmark %s", args[0]), func(a *app) error {
			id, err := findBookmarkID(a.orch.Tree(), args[0])
			if err != nil {
				return err
			}
			return a.orch.TrashBookmark(id)
		})
	},
}

var bookmarkMvCmd = &cobra.Command{
	Use:   "mv <id> <category> <bundle>",
	Short: "Move a bookmark to another bundle",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, fmt.Sprintf("moved bookmark %s to %s/%s", args[0], args[1], args[2]), func(a *app) error {
			id, err := findBookmarkID(a.orch.Tree(), args[0])
			if err != nil {
				return err
			}
			return a.orch.MoveBookmark(id, args[1], args[2])
		})
	},
}

func init() {
	categoryCmd.AddCommand(categoryAddCmd, categoryRenameCmd, categoryRmCmd, categoryTrashCmd)
	bundleCmd.AddCommand(bundleAddCmd, bundleRenameCmd, bundleRmCmd, bundleTrashCmd, bundleMvCmd)

	for _, c := range []*cobra.Command{bookmarkAddCmd, bookmarkEditCmd} {
		c.Flags().String("title", "", "bookmark title")
		c.Flags().StringSlice("tag", nil, "tag (repeatable, or comma-separated)")
		c.Flags().String("notes", "", "free-form notes")
	}
	bookmarkEditCmd.Flags().String("url", "", "bookmark URL")
	bookmarkCmd.AddCommand(bookmarkAddCmd, bookmarkEditCmd, bookmarkRmCmd, bookmarkTrashCmd, bookmarkMvCmd)

	rootCmd.AddCommand(categoryCmd, bundleCmd, bookmarkCmd)
}
