package orchestrator

import (
	"github.com/marksync/marksync/internal/markdown"
	"github.com/marksync/marksync/internal/tree"
)

// revision is the root's mutation counter; tree operations bump it only when
// content changes.
func revision(r *tree.Root) int {
	if r == nil || r.Metadata == nil {
		return 0
	}
	return r.Metadata.Version
}

// mutate applies fn to the tree. A content change marks the tree dirty, is
// mirrored, and schedules an auto-sync. Mutations never take the sync lock.
func (o *Orchestrator) mutate(fn func(*tree.Root) *tree.Root) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}

	prev := o.root
	next := fn(prev)
	if next == nil || revision(next) == revision(prev) {
		o.mu.Unlock()
		return ErrNoChange
	}

	o.root = next
	o.dirty = true
	o.generation++
	snap := o.snapshotLocked()
	autoSync := o.config.AutoSync && o.repo != nil && !o.loggedOut
	o.mu.Unlock()

	o.persist(snap)
	o.notify()
	if autoSync {
		o.debouncer.Trigger()
	}
	return nil
}

// Tree returns the current tree. The returned root is immutable.
func (o *Orchestrator) Tree() *tree.Root {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.root
}

// Search runs f against the current tree.
func (o *Orchestrator) Search(f tree.Filter) []tree.SearchResult {
	return o.Tree().Search(f)
}

// Stats summarizes the current tree.
func (o *Orchestrator) Stats() tree.Stats {
	return o.Tree().Stats()
}

// Export encodes the current tree as markdown.
func (o *Orchestrator) Export() string {
	return markdown.Encode(o.Tree())
}

// ===== Categories =====

// AddCategory adds an empty category.
func (o *Orchestrator) AddCategory(name string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.AddCategory(name) })
}

// RenameCategory renames a category.
func (o *Orchestrator) RenameCategory(oldName, newName string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.RenameCategory(oldName, newName) })
}

// RemoveCategory deletes a category and its contents outright.
func (o *Orchestrator) RemoveCategory(name string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.PurgeCategory(name) })
}

// TrashCategory tombstones a category and its contents.
func (o *Orchestrator) TrashCategory(name string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.TombstoneCategory(name) })
}

// ===== Bundles =====

// AddBundle adds an empty bundle to a category.
func (o *Orchestrator) AddBundle(category, name string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.AddBundle(category, name) })
}

// RenameBundle renames a bundle.
func (o *Orchestrator) RenameBundle(category, oldName, newName string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.RenameBundle(category, oldName, newName) })
}

// RemoveBundle deletes a bundle and its bookmarks outright.
func (o *Orchestrator) RemoveBundle(category, name string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.PurgeBundle(category, name) })
}

// TrashBundle tombstones a bundle and its bookmarks.
func (o *Orchestrator) TrashBundle(category, name string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.TombstoneBundle(category, name) })
}

// MoveBundle moves a bundle to another category.
func (o *Orchestrator) MoveBundle(fromCategory, name, toCategory string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.MoveBundle(fromCategory, name, toCategory) })
}

// ===== Bookmarks =====

// AddBookmark adds a bookmark and returns its id.
func (o *Orchestrator) AddBookmark(category, bundle string, in tree.BookmarkInput) (string, error) {
	var id string
	err := o.mutate(func(r *tree.Root) *tree.Root {
		var next *tree.Root
		next, id = r.AddBookmark(category, bundle, in)
		return next
	})
	return id, err
}

// AddBookmarks adds several bookmarks in one edit and returns their ids.
func (o *Orchestrator) AddBookmarks(category, bundle string, inputs []tree.BookmarkInput) ([]string, error) {
	var ids []string
	err := o.mutate(func(r *tree.Root) *tree.Root {
		var next *tree.Root
		next, ids = r.AddBookmarks(category, bundle, inputs)
		return next
	})
	return ids, err
}

// UpdateBookmark applies a partial update.
func (o *Orchestrator) UpdateBookmark(id string, patch tree.BookmarkPatch) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.UpdateBookmark(id, patch) })
}

// RemoveBookmark deletes a bookmark outright.
func (o *Orchestrator) RemoveBookmark(id string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.PurgeBookmark(id) })
}

// TrashBookmark tombstones a bookmark.
func (o *Orchestrator) TrashBookmark(id string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.TombstoneBookmark(id) })
}

// MoveBookmark moves a bookmark to another bundle.
func (o *Orchestrator) MoveBookmark(id, toCategory, toBundle string) error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.MoveBookmark(id, toCategory, toBundle) })
}

// EmptyTrash removes every tombstoned entity.
func (o *Orchestrator) EmptyTrash() error {
	return o.mutate(func(r *tree.Root) *tree.Root { return r.PurgeTombstones() })
}

// ===== Whole-tree replacement =====

// Reset replaces the tree wholesale and marks it dirty.
func (o *Orchestrator) Reset(root *tree.Root) error {
	if root == nil {
		root = tree.New()
	}
	return o.replace(root)
}

// ImportMarkdown replaces the tree with the decoded document.
func (o *Orchestrator) ImportMarkdown(text string) error {
	return o.replace(markdown.Decode(text))
}

func (o *Orchestrator) replace(root *tree.Root) error {
	return o.mutate(func(prev *tree.Root) *tree.Root {
		// Keep the counter moving so the replacement always counts as a change.
		next := *root
		md := tree.Metadata{}
		if root.Metadata != nil {
			md = *root.Metadata
		}
		md.LastModified = now()
		md.Version = revision(prev) + 1
		next.Metadata = &md
		return &next
	})
}
