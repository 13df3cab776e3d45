// Package tree provides the persistent bookmark tree: Root → Category → Bundle → Bookmark.
//
// Every mutation returns a new *Root. Subtrees that a mutation does not touch are
// shared by reference with the previous version, so callers may keep old roots
// around (undo, in-flight sync snapshots) without copying.
//
// Content-changing mutations stamp Metadata.LastModified on the mutated entity and
// on every ancestor up to the Root.
package tree

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the current version of the tree layout.
const SchemaVersion = 1

// now is the clock used to stamp metadata. Tests pin it.
var now = time.Now

// Metadata tracks modification and deletion state of an entity.
type Metadata struct {
	LastModified time.Time  `json:"last_modified"`
	LastSynced   *time.Time `json:"last_synced,omitempty"`
	IsDeleted    bool       `json:"is_deleted,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	Version      int        `json:"version,omitempty"`
}

// Root is the top of the tree. There is one per store.
type Root struct {
	Version    int         `json:"version"`
	Categories []*Category `json:"categories"`
	Metadata   *Metadata   `json:"metadata,omitempty"`
}

// Category groups bundles. Names are unique among sibling categories.
type Category struct {
	Name     string    `json:"name"`
	Bundles  []*Bundle `json:"bundles"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Bundle groups bookmarks. Names are unique within the owning category.
type Bundle struct {
	Name      string      `json:"name"`
	Bookmarks []*Bookmark `json:"bookmarks"`
	Metadata  *Metadata   `json:"metadata,omitempty"`
}

// Bookmark is a single saved link. IDs are UUIDv4 and unique within a Root.
type Bookmark struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Tags     []string  `json:"tags,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// New returns an empty root.
func New() *Root {
	t := now()
	return &Root{
		Version:    SchemaVersion,
		Categories: []*Category{},
		Metadata:   &Metadata{LastModified: t, CreatedAt: &t},
	}
}

// isDeleted reports whether the metadata carries a tombstone.
func (m *Metadata) isDeleted() bool {
	return m != nil && m.IsDeleted
}

// Deleted reports whether the category is tombstoned.
func (c *Category) Deleted() bool { return c.Metadata.isDeleted() }

// Deleted reports whether the bundle is tombstoned.
func (b *Bundle) Deleted() bool { return b.Metadata.isDeleted() }

// Deleted reports whether the bookmark is tombstoned.
func (b *Bookmark) Deleted() bool { return b.Metadata.isDeleted() }

// touch returns a copy of m with LastModified set to t and the version counter bumped.
func touch(m *Metadata, t time.Time) *Metadata {
	if m == nil {
		return &Metadata{LastModified: t, Version: 1}
	}
	cp := *m
	cp.LastModified = t
	cp.Version++
	return &cp
}

// created returns fresh metadata for a newly created entity.
func created(t time.Time) *Metadata {
	return &Metadata{LastModified: t, CreatedAt: &t, Version: 1}
}

// tombstoned returns a copy of m marked deleted.
func tombstoned(m *Metadata, t time.Time) *Metadata {
	cp := touch(m, t)
	cp.IsDeleted = true
	return cp
}

// MarkSynced returns a copy of the root whose metadata records a sync at t.
// Only the root metadata changes; children are shared.
func (r *Root) MarkSynced(t time.Time) *Root {
	cp := r.clone()
	var md Metadata
	if r.Metadata != nil {
		md = *r.Metadata
	}
	md.LastSynced = &t
	cp.Metadata = &md
	return cp
}

// clone returns a shallow copy of the root. The categories slice is copied so the
// caller may splice it without affecting r.
func (r *Root) clone() *Root {
	if r == nil {
		return New()
	}
	cp := *r
	cp.Categories = append([]*Category(nil), r.Categories...)
	return &cp
}

func (c *Category) clone() *Category {
	cp := *c
	cp.Bundles = append([]*Bundle(nil), c.Bundles...)
	return &cp
}

func (b *Bundle) clone() *Bundle {
	cp := *b
	cp.Bookmarks = append([]*Bookmark(nil), b.Bookmarks...)
	return &cp
}

func (b *Bookmark) clone() *Bookmark {
	cp := *b
	cp.Tags = append([]string(nil), b.Tags...)
	return &cp
}

// categoryIndex returns the index of the live category named name, or -1.
func (r *Root) categoryIndex(name string) int {
	for i, c := range r.Categories {
		if c.Name == name && !c.Deleted() {
			return i
		}
	}
	return -1
}

// bundleIndex returns the index of the live bundle named name in c, or -1.
func (c *Category) bundleIndex(name string) int {
	for i, b := range c.Bundles {
		if b.Name == name && !b.Deleted() {
			return i
		}
	}
	return -1
}

// locate finds a bookmark by id and returns its category, bundle and bookmark indexes.
func (r *Root) locate(id string) (ci, bi, ki int, ok bool) {
	for ci, c := range r.Categories {
		for bi, b := range c.Bundles {
			for ki, bm := range b.Bookmarks {
				if bm.ID == id {
					return ci, bi, ki, true
				}
			}
		}
	}
	return 0, 0, 0, false
}

// HasCategory reports whether a live category with the given name exists.
func (r *Root) HasCategory(name string) bool {
	return r.categoryIndex(name) >= 0
}

// HasBundle reports whether a live bundle named bundle exists under category.
func (r *Root) HasBundle(category, bundle string) bool {
	ci := r.categoryIndex(category)
	if ci < 0 {
		return false
	}
	return r.Categories[ci].bundleIndex(bundle) >= 0
}

// FindBookmark returns the bookmark with the given id along with the names of its
// category and bundle. Tombstoned bookmarks are not returned.
func (r *Root) FindBookmark(id string) (*Bookmark, string, string, bool) {
	ci, bi, ki, ok := r.locate(id)
	if !ok {
		return nil, "", "", false
	}
	c := r.Categories[ci]
	b := c.Bundles[bi]
	bm := b.Bookmarks[ki]
	if bm.Deleted() || b.Deleted() || c.Deleted() {
		return nil, "", "", false
	}
	return bm, c.Name, b.Name, true
}

// Validate checks sibling-name uniqueness and id uniqueness across the tree.
func (r *Root) Validate() error {
	seenIDs := make(map[string]bool)
	seenCats := make(map[string]bool)
	for _, c := range r.Categories {
		if c.Deleted() {
			continue
		}
		if seenCats[c.Name] {
			return fmt.Errorf("duplicate category name %q", c.Name)
		}
		seenCats[c.Name] = true

		seenBundles := make(map[string]bool)
		for _, b := range c.Bundles {
			if b.Deleted() {
				continue
			}
			if seenBundles[b.Name] {
				return fmt.Errorf("duplicate bundle name %q in category %q", b.Name, c.Name)
			}
			seenBundles[b.Name] = true

			for _, bm := range b.Bookmarks {
				if bm.ID == "" {
					return fmt.Errorf("bookmark %q has no id", bm.Title)
				}
				if seenIDs[bm.ID] {
					return fmt.Errorf("duplicate bookmark id %s", bm.ID)
				}
				seenIDs[bm.ID] = true
			}
		}
	}
	return nil
}

// normalizeTags splits tags on commas and line breaks, trims them and drops
// empties, keeping order and case. The document stores tags as one
// comma-separated line.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, raw := range tags {
		for _, t := range strings.FieldsFunc(raw, isTagSeparator) {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func isTagSeparator(r rune) bool {
	return r == ',' || r == '\n' || r == '\r'
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// singleLine folds line breaks into spaces. Names, titles and URLs each occupy
// a single line of the document.
func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return lineBreaks.Replace(s)
}

// normalizeURL keeps a URL on one line and escapes "](", which would end the
// link title early.
func normalizeURL(u string) string {
	return strings.ReplaceAll(singleLine(u), "](", "]%28")
}

var crlf = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// normalizeNotes converts CR and CRLF line endings to LF.
func normalizeNotes(n string) string {
	if !strings.Contains(n, "\r") {
		return n
	}
	return crlf.Replace(n)
}
