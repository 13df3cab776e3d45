package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/tree"
	"github.com/marksync/marksync/internal/ui"
)

// parseSince accepts RFC 3339 dates, plain dates or natural language such as
// "last week" or "3 days ago".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: not a date", s)
	}
	return r.Time, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// searchHit is the JSON form of a search result.
type searchHit struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Tags     []string `json:"tags,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Category string   `json:"category"`
	Bundle   string   `json:"bundle"`
}

var searchCmd = &cobra.Command{
	Use:     "search [term]",
	Aliases: []string{"find"},
	GroupID: "query",
	Short:   "Search bookmarks",
	Long: `Search bookmarks by text, tags, location and modification time.

Examples:
  msync search react
  msync search --tag docs --category "📚 Development"
  msync search --since "last week"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := tree.Filter{}
		if len(args) == 1 {
			f.Term = args[0]
		}
		f.Category, _ = cmd.Flags().GetString("category")
		f.Bundle, _ = cmd.Flags().GetString("bundle")
		f.Tags, _ = cmd.Flags().GetStringSlice("tag")
		since, _ := cmd.Flags().GetString("since")

		var err error
		f.ModifiedSince, err = parseSince(since, time.Now())
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			results := a.orch.Search(f)
			if jsonOutput {
				hits := make([]searchHit, 0, len(results))
				for _, r := range results {
					hits = append(hits, searchHit{
						ID:       r.Bookmark.ID,
						Title:    r.Bookmark.Title,
						URL:      r.Bookmark.URL,
						Tags:     r.Bookmark.Tags,
						Notes:    r.Bookmark.Notes,
						Category: r.Category,
						Bundle:   r.Bundle,
					})
				}
				return printJSON(hits)
			}

			if len(results) == 0 {
				fmt.Println("No bookmarks found")
				return nil
			}
			printResults(os.Stdout, results)
			return nil
		})
	},
}

func printResults(w io.Writer, results []tree.SearchResult) {
	width := ui.Width()
	for _, r := range results {
		bm := r.Bookmark
		fmt.Fprintf(w, "%s %s\n", ui.RenderMuted(shortID(bm.ID)), ui.RenderAccent(ui.Truncate(bm.Title, width-10)))
		fmt.Fprintf(w, "         %s\n", ui.Truncate(bm.URL, width-10))
		loc := r.Category + " / " + r.Bundle
		if tags := ui.Tags(bm.Tags); tags != "" {
			loc += "  " + tags
		}
		fmt.Fprintf(w, "         %s\n", ui.RenderMuted(loc))
	}
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "query",
	Short:   "Show the bookmark tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			root := a.orch.Tree()
			if jsonOutput {
				return printJSON(root)
			}
			printTree(os.Stdout, root)
			return nil
		})
	},
}

func printTree(w io.Writer, root *tree.Root) {
	empty := true
	for _, c := range root.Categories {
		if c.Deleted() {
			continue
		}
		empty = false
		fmt.Fprintln(w, ui.RenderHeading(c.Name))
		for _, b := range c.Bundles {
			if b.Deleted() {
				continue
			}
			fmt.Fprintf(w, "  %s\n", ui.RenderAccent(b.Name))
			for _, bm := range b.Bookmarks {
				if bm.Deleted() {
					continue
				}
				fmt.Fprintf(w, "    %s %s %s\n", ui.RenderMuted(shortID(bm.ID)), bm.Title, ui.RenderMuted(bm.URL))
			}
		}
	}
	if empty {
		fmt.Fprintln(w, "No bookmarks yet. Start with 'msync category add <name>'.")
	}
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "query",
	Short:   "Count categories, bundles, bookmarks and tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			st := a.orch.Stats()
			if jsonOutput {
				return printJSON(st)
			}
			fmt.Printf("\n%s Bookmark Stats\n\n", ui.RenderAccent("📊"))
			fmt.Printf("Categories: %d\n", st.Categories)
			fmt.Printf("Bundles: %d\n", st.Bundles)
			fmt.Printf("Bookmarks: %d\n", st.Bookmarks)
			fmt.Printf("Tags: %d\n", st.Tags)
			if tags := a.orch.Tree().Tags(); len(tags) > 0 {
				fmt.Printf("   %s\n", ui.RenderMuted(ui.Tags(tags)))
			}
			fmt.Println()
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "query",
	Short:   "Write the bookmarks as markdown",
	Long:    `Write the bookmarks in the same markdown layout as the gist, to a file or stdout.`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			text := a.orch.Export()
			if len(args) == 0 || args[0] == "-" {
				_, err := io.WriteString(os.Stdout, text)
				return err
			}
			if err := os.WriteFile(args[0], []byte(text), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", args[0], err)
			}
			fmt.Fprintf(os.Stderr, "%s Exported to %s\n", ui.RenderPass("✓"), args[0])
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "edit",
	Short:   "Replace the bookmarks with a markdown file",
	Long: `Replace the whole bookmark tree with the contents of a markdown file in the
gist layout ('-' reads stdin). The result is pushed like any other edit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		return runEdit(cmd, fmt.Sprintf("imported %s", args[0]), func(a *app) error {
			return a.orch.ImportMarkdown(string(data))
		})
	},
}

var purgeTrashCmd = &cobra.Command{
	Use:     "purge-trash",
	GroupID: "edit",
	Short:   "Permanently delete everything in the trash",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEdit(cmd, "emptied the trash", func(a *app) error {
			return a.orch.EmptyTrash()
		})
	},
}

func init() {
	searchCmd.Flags().String("category", "", "only this category")
	searchCmd.Flags().String("bundle", "", "only bundles with this name")
	searchCmd.Flags().StringSlice("tag", nil, "require tag (repeatable)")
	searchCmd.Flags().String("since", "", `modified since (e.g. "2024-01-31", "yesterday", "last week")`)

	rootCmd.AddCommand(searchCmd, listCmd, statsCmd, exportCmd, importCmd, purgeTrashCmd)
}

// shortID abbreviates a bookmark id for display; any unique prefix is accepted
// back as an argument.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
