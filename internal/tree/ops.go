package tree

import (
	"time"

	"github.com/google/uuid"
)

// BookmarkInput describes a bookmark to create.
type BookmarkInput struct {
	Title string
	URL   string
	Tags  []string
	Notes string
}

// BookmarkPatch describes a partial bookmark update. Nil fields are left unchanged.
type BookmarkPatch struct {
	Title *string
	URL   *string
	Tags  *[]string
	Notes *string
}

// unchanged returns a new root object with the same content as r.
func (r *Root) unchanged() *Root {
	return r.clone()
}

// stamped returns a clone of r whose root metadata is touched at t.
func (r *Root) stamped(t time.Time) *Root {
	out := r.clone()
	out.Metadata = touch(r.Metadata, t)
	return out
}

// withCategory rebuilds the path to the category at ci. fn receives a private copy
// of the category and is responsible for the category's own metadata.
func (r *Root) withCategory(ci int, fn func(c *Category, t time.Time)) *Root {
	t := now()
	out := r.stamped(t)
	c := r.Categories[ci].clone()
	fn(c, t)
	out.Categories[ci] = c
	return out
}

// withBundle rebuilds the path to the bundle at (ci, bi). fn owns the bundle's
// metadata; the category and root are touched.
func (r *Root) withBundle(ci, bi int, fn func(b *Bundle, t time.Time)) *Root {
	return r.withCategory(ci, func(c *Category, t time.Time) {
		b := c.Bundles[bi].clone()
		fn(b, t)
		c.Bundles[bi] = b
		c.Metadata = touch(c.Metadata, t)
	})
}

// withBookmark rebuilds the path to the bookmark at (ci, bi, ki).
func (r *Root) withBookmark(ci, bi, ki int, fn func(bm *Bookmark, t time.Time)) *Root {
	return r.withBundle(ci, bi, func(b *Bundle, t time.Time) {
		bm := b.Bookmarks[ki].clone()
		fn(bm, t)
		b.Bookmarks[ki] = bm
		b.Metadata = touch(b.Metadata, t)
	})
}

// ===== Categories =====

// AddCategory appends a new empty category. A duplicate name leaves the tree unchanged.
func (r *Root) AddCategory(name string) *Root {
	name = singleLine(name)
	if r.HasCategory(name) {
		return r.unchanged()
	}
	t := now()
	out := r.stamped(t)
	out.Categories = append(out.Categories, &Category{
		Name:     name,
		Bundles:  []*Bundle{},
		Metadata: created(t),
	})
	return out
}

// RenameCategory renames a category. Renaming onto an existing sibling name is a no-op.
func (r *Root) RenameCategory(oldName, newName string) *Root {
	newName = singleLine(newName)
	ci := r.categoryIndex(oldName)
	if ci < 0 || oldName == newName || r.HasCategory(newName) {
		return r.unchanged()
	}
	return r.withCategory(ci, func(c *Category, t time.Time) {
		c.Name = newName
		c.Metadata = touch(c.Metadata, t)
	})
}

// PurgeCategory splices the category and everything under it out of the tree.
func (r *Root) PurgeCategory(name string) *Root {
	ci := r.categoryIndex(name)
	if ci < 0 {
		return r.unchanged()
	}
	out := r.stamped(now())
	out.Categories = append(out.Categories[:ci:ci], out.Categories[ci+1:]...)
	return out
}

// TombstoneCategory marks the category deleted and cascades the mark to every
// bundle and bookmark beneath it.
func (r *Root) TombstoneCategory(name string) *Root {
	ci := r.categoryIndex(name)
	if ci < 0 {
		return r.unchanged()
	}
	return r.withCategory(ci, func(c *Category, t time.Time) {
		for i, b := range c.Bundles {
			c.Bundles[i] = tombstoneBundle(b, t)
		}
		c.Metadata = tombstoned(c.Metadata, t)
	})
}

// ===== Bundles =====

// AddBundle appends a new bundle under category. Missing category or duplicate
// name leaves the tree unchanged.
func (r *Root) AddBundle(category, name string) *Root {
	name = singleLine(name)
	ci := r.categoryIndex(category)
	if ci < 0 || r.Categories[ci].bundleIndex(name) >= 0 {
		return r.unchanged()
	}
	return r.withCategory(ci, func(c *Category, t time.Time) {
		c.Bundles = append(c.Bundles, &Bundle{
			Name:      name,
			Bookmarks: []*Bookmark{},
			Metadata:  created(t),
		})
		c.Metadata = touch(c.Metadata, t)
	})
}

// RenameBundle renames a bundle within its category.
func (r *Root) RenameBundle(category, oldName, newName string) *Root {
	newName = singleLine(newName)
	ci := r.categoryIndex(category)
	if ci < 0 {
		return r.unchanged()
	}
	c := r.Categories[ci]
	bi := c.bundleIndex(oldName)
	if bi < 0 || oldName == newName || c.bundleIndex(newName) >= 0 {
		return r.unchanged()
	}
	return r.withBundle(ci, bi, func(b *Bundle, t time.Time) {
		b.Name = newName
		b.Metadata = touch(b.Metadata, t)
	})
}

// PurgeBundle splices a bundle and its bookmarks out of its category.
func (r *Root) PurgeBundle(category, name string) *Root {
	ci := r.categoryIndex(category)
	if ci < 0 {
		return r.unchanged()
	}
	bi := r.Categories[ci].bundleIndex(name)
	if bi < 0 {
		return r.unchanged()
	}
	return r.withCategory(ci, func(c *Category, t time.Time) {
		c.Bundles = append(c.Bundles[:bi:bi], c.Bundles[bi+1:]...)
		c.Metadata = touch(c.Metadata, t)
	})
}

// TombstoneBundle marks a bundle and all of its bookmarks deleted.
func (r *Root) TombstoneBundle(category, name string) *Root {
	ci := r.categoryIndex(category)
	if ci < 0 {
		return r.unchanged()
	}
	bi := r.Categories[ci].bundleIndex(name)
	if bi < 0 {
		return r.unchanged()
	}
	return r.withCategory(ci, func(c *Category, t time.Time) {
		c.Bundles[bi] = tombstoneBundle(c.Bundles[bi], t)
		c.Metadata = touch(c.Metadata, t)
	})
}

// MoveBundle moves a bundle from one category to the end of another. The move is
// skipped when either category is missing or the target already has a bundle
// with the same name.
func (r *Root) MoveBundle(fromCategory, name, toCategory string) *Root {
	from := r.categoryIndex(fromCategory)
	to := r.categoryIndex(toCategory)
	if from < 0 || to < 0 || from == to {
		return r.unchanged()
	}
	bi := r.Categories[from].bundleIndex(name)
	if bi < 0 || r.Categories[to].bundleIndex(name) >= 0 {
		return r.unchanged()
	}

	t := now()
	out := r.stamped(t)

	src := r.Categories[from].clone()
	moved := src.Bundles[bi].clone()
	moved.Metadata = touch(moved.Metadata, t)
	src.Bundles = append(src.Bundles[:bi:bi], src.Bundles[bi+1:]...)
	src.Metadata = touch(src.Metadata, t)

	dst := r.Categories[to].clone()
	dst.Bundles = append(dst.Bundles, moved)
	dst.Metadata = touch(dst.Metadata, t)

	out.Categories[from] = src
	out.Categories[to] = dst
	return out
}

func tombstoneBundle(b *Bundle, t time.Time) *Bundle {
	cp := b.clone()
	for i, bm := range cp.Bookmarks {
		dead := bm.clone()
		dead.Metadata = tombstoned(bm.Metadata, t)
		cp.Bookmarks[i] = dead
	}
	cp.Metadata = tombstoned(b.Metadata, t)
	return cp
}

// ===== Bookmarks =====

func newBookmark(in BookmarkInput, t time.Time) *Bookmark {
	url := normalizeURL(in.URL)
	title := singleLine(in.Title)
	if title == "" {
		title = url
	}
	return &Bookmark{
		ID:       uuid.NewString(),
		Title:    title,
		URL:      url,
		Tags:     normalizeTags(in.Tags),
		Notes:    normalizeNotes(in.Notes),
		Metadata: created(t),
	}
}

// AddBookmark appends a bookmark to category/bundle and returns the new root and
// the generated id. The id is empty when the target bundle does not exist.
func (r *Root) AddBookmark(category, bundle string, in BookmarkInput) (*Root, string) {
	out, ids := r.AddBookmarks(category, bundle, []BookmarkInput{in})
	if len(ids) == 0 {
		return out, ""
	}
	return out, ids[0]
}

// AddBookmarks appends several bookmarks to one bundle in a single mutation.
func (r *Root) AddBookmarks(category, bundle string, inputs []BookmarkInput) (*Root, []string) {
	ci := r.categoryIndex(category)
	if ci < 0 || len(inputs) == 0 {
		return r.unchanged(), nil
	}
	bi := r.Categories[ci].bundleIndex(bundle)
	if bi < 0 {
		return r.unchanged(), nil
	}

	ids := make([]string, 0, len(inputs))
	out := r.withBundle(ci, bi, func(b *Bundle, t time.Time) {
		for _, in := range inputs {
			bm := newBookmark(in, t)
			ids = append(ids, bm.ID)
			b.Bookmarks = append(b.Bookmarks, bm)
		}
		b.Metadata = touch(b.Metadata, t)
	})
	return out, ids
}

// UpdateBookmark applies patch to the bookmark with the given id.
func (r *Root) UpdateBookmark(id string, patch BookmarkPatch) *Root {
	ci, bi, ki, ok := r.locate(id)
	if !ok {
		return r.unchanged()
	}
	return r.withBookmark(ci, bi, ki, func(bm *Bookmark, t time.Time) {
		if patch.URL != nil {
			bm.URL = normalizeURL(*patch.URL)
		}
		if patch.Title != nil {
			bm.Title = singleLine(*patch.Title)
			if bm.Title == "" {
				bm.Title = bm.URL
			}
		}
		if patch.Tags != nil {
			bm.Tags = normalizeTags(*patch.Tags)
		}
		if patch.Notes != nil {
			bm.Notes = normalizeNotes(*patch.Notes)
		}
		bm.Metadata = touch(bm.Metadata, t)
	})
}

// PurgeBookmark splices the bookmark out of its bundle.
func (r *Root) PurgeBookmark(id string) *Root {
	ci, bi, ki, ok := r.locate(id)
	if !ok {
		return r.unchanged()
	}
	return r.withBundle(ci, bi, func(b *Bundle, t time.Time) {
		b.Bookmarks = append(b.Bookmarks[:ki:ki], b.Bookmarks[ki+1:]...)
		b.Metadata = touch(b.Metadata, t)
	})
}

// TombstoneBookmark marks the bookmark deleted without removing it.
func (r *Root) TombstoneBookmark(id string) *Root {
	ci, bi, ki, ok := r.locate(id)
	if !ok {
		return r.unchanged()
	}
	return r.withBookmark(ci, bi, ki, func(bm *Bookmark, t time.Time) {
		bm.Metadata = tombstoned(bm.Metadata, t)
	})
}

// MoveBookmark moves a bookmark to the end of another bundle.
func (r *Root) MoveBookmark(id, toCategory, toBundle string) *Root {
	ci, bi, ki, ok := r.locate(id)
	if !ok {
		return r.unchanged()
	}
	tci := r.categoryIndex(toCategory)
	if tci < 0 {
		return r.unchanged()
	}
	tbi := r.Categories[tci].bundleIndex(toBundle)
	if tbi < 0 || (tci == ci && tbi == bi) {
		return r.unchanged()
	}

	t := now()
	moved := r.Categories[ci].Bundles[bi].Bookmarks[ki].clone()
	moved.Metadata = touch(moved.Metadata, t)

	out := r.withBundle(ci, bi, func(b *Bundle, t time.Time) {
		b.Bookmarks = append(b.Bookmarks[:ki:ki], b.Bookmarks[ki+1:]...)
		b.Metadata = touch(b.Metadata, t)
	})
	// out already has a private copy of the root; the target path still needs one.
	return out.withBundle(tci, tbi, func(b *Bundle, t time.Time) {
		b.Bookmarks = append(b.Bookmarks, moved)
		b.Metadata = touch(b.Metadata, t)
	})
}

// PurgeTombstones physically removes every tombstoned entity.
func (r *Root) PurgeTombstones() *Root {
	dirty := false
	cats := make([]*Category, 0, len(r.Categories))
	for _, c := range r.Categories {
		if c.Deleted() {
			dirty = true
			continue
		}
		nc, changed := purgeCategoryTombstones(c)
		dirty = dirty || changed
		cats = append(cats, nc)
	}
	if !dirty {
		return r.unchanged()
	}
	out := r.stamped(now())
	out.Categories = cats
	return out
}

func purgeCategoryTombstones(c *Category) (*Category, bool) {
	changed := false
	bundles := make([]*Bundle, 0, len(c.Bundles))
	for _, b := range c.Bundles {
		if b.Deleted() {
			changed = true
			continue
		}
		live := make([]*Bookmark, 0, len(b.Bookmarks))
		for _, bm := range b.Bookmarks {
			if bm.Deleted() {
				continue
			}
			live = append(live, bm)
		}
		if len(live) != len(b.Bookmarks) {
			changed = true
			nb := *b
			nb.Bookmarks = live
			b = &nb
		}
		bundles = append(bundles, b)
	}
	if !changed {
		return c, false
	}
	nc := *c
	nc.Bundles = bundles
	return &nc, true
}
