// Package markdown converts bookmark trees to and from the markdown document that
// is stored remotely.
//
// Document grammar:
//
//	# Category name
//
//	## Bundle name
//
//	- [Title](https://example.com)
//	  - tags: a, b, c
//	  - notes: free text
//	    continuation lines are indented four spaces
//
// Decoding is best-effort and never fails: unrecognised lines are skipped and
// bundles or bookmarks that appear before their container are attached to an
// implicit container with an empty name.
package markdown

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marksync/marksync/internal/tree"
)

const (
	categoryPrefix    = "# "
	bundlePrefix      = "## "
	bookmarkPrefix    = "- ["
	tagsPrefix        = "- tags:"
	notesPrefix       = "- notes:"
	attrIndent        = "  "
	notesContinuation = "    "
)

// Encode renders the live content of root as markdown. The output is deterministic.
// Tombstoned entities are omitted.
func Encode(root *tree.Root) string {
	if root == nil {
		return ""
	}

	var sb strings.Builder
	first := true
	for _, c := range root.Categories {
		if c.Deleted() {
			continue
		}
		if !first {
			sb.WriteString("\n")
		}
		first = false

		sb.WriteString(categoryPrefix)
		sb.WriteString(c.Name)
		sb.WriteString("\n")

		for _, b := range c.Bundles {
			if b.Deleted() {
				continue
			}
			sb.WriteString("\n")
			sb.WriteString(bundlePrefix)
			sb.WriteString(b.Name)
			sb.WriteString("\n")

			live := 0
			for _, bm := range b.Bookmarks {
				if bm.Deleted() {
					continue
				}
				if live == 0 {
					sb.WriteString("\n")
				}
				live++
				writeBookmark(&sb, bm)
			}
		}
	}
	return sb.String()
}

func writeBookmark(sb *strings.Builder, bm *tree.Bookmark) {
	sb.WriteString(bookmarkPrefix)
	sb.WriteString(bm.Title)
	sb.WriteString("](")
	sb.WriteString(bm.URL)
	sb.WriteString(")\n")

	if len(bm.Tags) > 0 {
		sb.WriteString(attrIndent)
		sb.WriteString(tagsPrefix)
		sb.WriteString(" ")
		sb.WriteString(strings.Join(bm.Tags, ", "))
		sb.WriteString("\n")
	}

	if bm.Notes != "" {
		lines := strings.Split(bm.Notes, "\n")
		sb.WriteString(attrIndent)
		sb.WriteString(notesPrefix)
		sb.WriteString(" ")
		sb.WriteString(lines[0])
		sb.WriteString("\n")
		for _, line := range lines[1:] {
			sb.WriteString(notesContinuation)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
}

// decoder accumulates the tree while scanning lines. Containers are built as
// plain structs and handed to the tree package only at the end.
type decoder struct {
	stamp      time.Time
	categories []*tree.Category
	category   *tree.Category
	bundle     *tree.Bundle
	bookmark   *tree.Bookmark
	inNotes    bool
}

// Decode parses markdown into a new tree. It never fails; malformed input yields
// whatever structure could be recovered. Every bookmark gets a fresh id.
func Decode(text string) *tree.Root {
	d := &decoder{stamp: time.Now()}

	// Lines of any length are accepted.
	for line := range strings.Lines(text) {
		line = strings.TrimSuffix(line, "\n")
		d.line(strings.TrimSuffix(line, "\r"))
	}

	root := tree.New()
	root.Categories = d.categories
	if root.Categories == nil {
		root.Categories = []*tree.Category{}
	}
	return root
}

func (d *decoder) line(line string) {
	if d.inNotes && strings.HasPrefix(line, notesContinuation) {
		d.bookmark.Notes += "\n" + line[len(notesContinuation):]
		return
	}
	d.inNotes = false

	switch {
	case line == "#" || strings.HasPrefix(line, categoryPrefix):
		d.startCategory(strings.TrimPrefix(strings.TrimPrefix(line, "#"), " "))

	case line == "##" || strings.HasPrefix(line, bundlePrefix):
		d.startBundle(strings.TrimPrefix(strings.TrimPrefix(line, "##"), " "))

	case strings.HasPrefix(line, bookmarkPrefix):
		if title, url, ok := parseLink(line); ok {
			d.startBookmark(title, url)
		} else {
			d.bookmark = nil
		}

	case d.bookmark != nil && isAttr(line):
		d.attr(strings.TrimLeft(line, " \t"))

	case strings.TrimSpace(line) == "":
		// Blank lines separate blocks but do not end the current bookmark.

	default:
		d.bookmark = nil
	}
}

func isAttr(line string) bool {
	if line == "" || (line[0] != ' ' && line[0] != '\t') {
		return false
	}
	trimmed := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(trimmed, tagsPrefix) || strings.HasPrefix(trimmed, notesPrefix)
}

func (d *decoder) attr(trimmed string) {
	switch {
	case strings.HasPrefix(trimmed, tagsPrefix):
		raw := strings.TrimPrefix(trimmed, tagsPrefix)
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				d.bookmark.Tags = append(d.bookmark.Tags, tag)
			}
		}
	case strings.HasPrefix(trimmed, notesPrefix):
		notes := strings.TrimPrefix(trimmed, notesPrefix)
		notes = strings.TrimPrefix(notes, " ")
		d.bookmark.Notes = notes
		d.inNotes = true
	}
}

// parseLink extracts title and URL from "- [title](url)". The title may contain
// brackets; the URL is taken from the last "](" on the line.
func parseLink(line string) (string, string, bool) {
	line = strings.TrimRight(line, " \t")
	if !strings.HasSuffix(line, ")") {
		return "", "", false
	}
	body := line[len(bookmarkPrefix) : len(line)-1]
	idx := strings.LastIndex(body, "](")
	if idx < 0 {
		return "", "", false
	}
	title := body[:idx]
	url := body[idx+2:]
	if title == "" {
		title = url
	}
	return title, url, true
}

func (d *decoder) meta() *tree.Metadata {
	t := d.stamp
	return &tree.Metadata{LastModified: t, CreatedAt: &t, Version: 1}
}

func (d *decoder) startCategory(name string) {
	d.category = &tree.Category{Name: name, Bundles: []*tree.Bundle{}, Metadata: d.meta()}
	d.categories = append(d.categories, d.category)
	d.bundle = nil
	d.bookmark = nil
}

func (d *decoder) startBundle(name string) {
	if d.category == nil {
		d.startCategory("")
	}
	d.bundle = &tree.Bundle{Name: name, Bookmarks: []*tree.Bookmark{}, Metadata: d.meta()}
	d.category.Bundles = append(d.category.Bundles, d.bundle)
	d.bookmark = nil
}

func (d *decoder) startBookmark(title, url string) {
	if d.bundle == nil {
		d.startBundle("")
	}
	d.bookmark = &tree.Bookmark{
		ID:       uuid.NewString(),
		Title:    title,
		URL:      url,
		Metadata: d.meta(),
	}
	d.bundle.Bookmarks = append(d.bundle.Bookmarks, d.bookmark)
}
