package tree

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// pinClock makes now() return increasing instants starting at base.
func pinClock(t *testing.T) time.Time {
	t.Helper()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	t.Cleanup(func() { now = time.Now })
	return base
}

func sampleTree(t *testing.T) (*Root, string) {
	t.Helper()
	r := New().
		AddCategory("📚 Development").
		AddCategory("Reading").
		AddBundle("📚 Development", "Frontend").
		AddBundle("📚 Development", "Backend").
		AddBundle("Reading", "Blogs")
	r, id := r.AddBookmark("📚 Development", "Frontend", BookmarkInput{
		Title: "React",
		URL:   "https://react.dev",
		Tags:  []string{"react", "docs"},
	})
	if id == "" {
		t.Fatal("AddBookmark() returned empty id")
	}
	return r, id
}

func TestAddCategory(t *testing.T) {
	pinClock(t)
	r := New().AddCategory("A")

	if len(r.Categories) != 1 {
		t.Fatalf("expected 1 category, got %d", len(r.Categories))
	}
	if r.Categories[0].Name != "A" {
		t.Errorf("name = %q, want %q", r.Categories[0].Name, "A")
	}
	if r.Categories[0].Metadata == nil || r.Categories[0].Metadata.CreatedAt == nil {
		t.Error("new category should carry creation metadata")
	}
}

func TestAddCategory_DuplicateIsNoop(t *testing.T) {
	r := New().AddCategory("A")
	r2 := r.AddCategory("A")

	if r2 == r {
		t.Error("no-op mutation should still return a new root object")
	}
	if len(r2.Categories) != 1 {
		t.Errorf("duplicate add produced %d categories", len(r2.Categories))
	}
}

func TestMutation_StructuralSharing(t *testing.T) {
	r, _ := sampleTree(t)
	dev := r.Categories[0]
	reading := r.Categories[1]
	backend := dev.Bundles[1]

	r2, _ := r.AddBookmark("📚 Development", "Frontend", BookmarkInput{URL: "https://vuejs.org"})

	if r2.Categories[1] != reading {
		t.Error("untouched sibling category should be shared by reference")
	}
	if r2.Categories[0] == dev {
		t.Error("mutated category should be a new object")
	}
	if r2.Categories[0].Bundles[1] != backend {
		t.Error("untouched sibling bundle should be shared by reference")
	}
	if len(dev.Bundles[0].Bookmarks) != 1 {
		t.Error("previous root must not observe the mutation")
	}
	if len(r2.Categories[0].Bundles[0].Bookmarks) != 2 {
		t.Error("new root should contain the added bookmark")
	}
}

func TestMutation_PropagatesLastModified(t *testing.T) {
	pinClock(t)
	r, id := sampleTree(t)

	title := "React Docs"
	r2 := r.UpdateBookmark(id, BookmarkPatch{Title: &title})

	bm, _, _, ok := r2.FindBookmark(id)
	if !ok {
		t.Fatal("FindBookmark() did not find updated bookmark")
	}
	stamp := bm.Metadata.LastModified

	if !r2.Metadata.LastModified.Equal(stamp) {
		t.Errorf("root lastModified = %v, want %v", r2.Metadata.LastModified, stamp)
	}
	if !r2.Categories[0].Metadata.LastModified.Equal(stamp) {
		t.Errorf("category lastModified = %v, want %v", r2.Categories[0].Metadata.LastModified, stamp)
	}
	if !r2.Categories[0].Bundles[0].Metadata.LastModified.Equal(stamp) {
		t.Errorf("bundle lastModified = %v, want %v", r2.Categories[0].Bundles[0].Metadata.LastModified, stamp)
	}
	if r2.Categories[1].Metadata.LastModified.Equal(stamp) {
		t.Error("untouched category must keep its own lastModified")
	}
	if bm.Metadata.Version < 2 {
		t.Errorf("version counter = %d, want >= 2", bm.Metadata.Version)
	}
}

func TestNotFound_LeavesContentUnchanged(t *testing.T) {
	r, _ := sampleTree(t)

	tests := []struct {
		name string
		op   func(*Root) *Root
	}{
		{"rename missing category", func(r *Root) *Root { return r.RenameCategory("nope", "x") }},
		{"purge missing category", func(r *Root) *Root { return r.PurgeCategory("nope") }},
		{"add bundle to missing category", func(r *Root) *Root { return r.AddBundle("nope", "x") }},
		{"rename missing bundle", func(r *Root) *Root { return r.RenameBundle("Reading", "nope", "x") }},
		{"move missing bundle", func(r *Root) *Root { return r.MoveBundle("Reading", "nope", "📚 Development") }},
		{"update missing bookmark", func(r *Root) *Root {
			s := "x"
			return r.UpdateBookmark("missing", BookmarkPatch{Title: &s})
		}},
		{"purge missing bookmark", func(r *Root) *Root { return r.PurgeBookmark("missing") }},
		{"move to missing bundle", func(r *Root) *Root { return r.MoveBookmark("missing", "Reading", "Blogs") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r2 := tt.op(r)
			if r2 == r {
				t.Error("expected a new root object")
			}
			if r2.Stats() != r.Stats() {
				t.Errorf("stats changed: %+v -> %+v", r.Stats(), r2.Stats())
			}
			for i := range r.Categories {
				if r2.Categories[i] != r.Categories[i] {
					t.Errorf("category %d was replaced", i)
				}
			}
		})
	}
}

func TestRename_RejectsSiblingCollision(t *testing.T) {
	r, _ := sampleTree(t)

	r2 := r.RenameCategory("Reading", "📚 Development")
	if !r2.HasCategory("Reading") {
		t.Error("rename onto an existing sibling name should be a no-op")
	}

	r3 := r.RenameBundle("📚 Development", "Backend", "Frontend")
	if !r3.HasBundle("📚 Development", "Backend") {
		t.Error("bundle rename onto an existing sibling name should be a no-op")
	}

	r4 := r.RenameBundle("📚 Development", "Backend", "Server")
	if !r4.HasBundle("📚 Development", "Server") || r4.HasBundle("📚 Development", "Backend") {
		t.Error("bundle rename did not apply")
	}
}

func TestPurgeAndTombstone(t *testing.T) {
	r, id := sampleTree(t)

	purged := r.PurgeCategory("📚 Development")
	if purged.HasCategory("📚 Development") {
		t.Error("PurgeCategory() left the category in place")
	}
	if len(purged.Categories) != 1 {
		t.Errorf("expected 1 category after purge, got %d", len(purged.Categories))
	}

	dead := r.TombstoneCategory("📚 Development")
	if len(dead.Categories) != 2 {
		t.Fatalf("tombstone should keep the category physically, got %d", len(dead.Categories))
	}
	c := dead.Categories[0]
	if !c.Deleted() {
		t.Error("category should be tombstoned")
	}
	for _, b := range c.Bundles {
		if !b.Deleted() {
			t.Errorf("bundle %q should inherit tombstone", b.Name)
		}
		for _, bm := range b.Bookmarks {
			if !bm.Deleted() {
				t.Errorf("bookmark %q should inherit tombstone", bm.Title)
			}
		}
	}
	if _, _, _, ok := dead.FindBookmark(id); ok {
		t.Error("tombstoned bookmark should not be found")
	}
	if got := dead.Stats(); got.Categories != 1 || got.Bookmarks != 0 {
		t.Errorf("stats after tombstone = %+v", got)
	}

	// A tombstoned name may be reused by a fresh category.
	reused := dead.AddCategory("📚 Development")
	if got := reused.Stats().Categories; got != 2 {
		t.Errorf("expected 2 live categories after reuse, got %d", got)
	}

	compacted := reused.PurgeTombstones()
	if len(compacted.Categories) != 2 {
		t.Errorf("PurgeTombstones() left %d categories, want 2", len(compacted.Categories))
	}
	for _, c := range compacted.Categories {
		if c.Deleted() {
			t.Errorf("PurgeTombstones() kept tombstoned category %q", c.Name)
		}
	}
}

func TestTombstoneBookmark(t *testing.T) {
	r, id := sampleTree(t)
	r2 := r.TombstoneBookmark(id)

	if got := len(r2.Categories[0].Bundles[0].Bookmarks); got != 1 {
		t.Fatalf("tombstone should not splice, got %d bookmarks", got)
	}
	if got := r2.Stats().Bookmarks; got != 0 {
		t.Errorf("Stats().Bookmarks = %d, want 0", got)
	}
	if res := r2.Search(Filter{Term: "react"}); len(res) != 0 {
		t.Errorf("Search() returned %d tombstoned results", len(res))
	}

	r3 := r.PurgeBookmark(id)
	if got := len(r3.Categories[0].Bundles[0].Bookmarks); got != 0 {
		t.Errorf("purge should splice, got %d bookmarks", got)
	}
}

func TestMoveBundle(t *testing.T) {
	r, id := sampleTree(t)
	r2 := r.MoveBundle("📚 Development", "Frontend", "Reading")

	if r2.HasBundle("📚 Development", "Frontend") {
		t.Error("bundle still present in source category")
	}
	if !r2.HasBundle("Reading", "Frontend") {
		t.Fatal("bundle missing from target category")
	}
	if _, cat, bundle, ok := r2.FindBookmark(id); !ok || cat != "Reading" || bundle != "Frontend" {
		t.Errorf("bookmark location = %q/%q (found=%v)", cat, bundle, ok)
	}

	// Moving onto an existing name is skipped.
	r3 := r2.AddBundle("📚 Development", "Frontend").MoveBundle("Reading", "Frontend", "📚 Development")
	if !r3.HasBundle("Reading", "Frontend") {
		t.Error("colliding move should be a no-op")
	}
}

func TestMoveBookmark(t *testing.T) {
	r, id := sampleTree(t)
	r2 := r.MoveBookmark(id, "Reading", "Blogs")

	bm, cat, bundle, ok := r2.FindBookmark(id)
	if !ok {
		t.Fatal("moved bookmark not found")
	}
	if cat != "Reading" || bundle != "Blogs" {
		t.Errorf("location = %q/%q, want Reading/Blogs", cat, bundle)
	}
	if bm.Title != "React" {
		t.Errorf("title = %q, want React", bm.Title)
	}
	if got := len(r2.Categories[0].Bundles[0].Bookmarks); got != 0 {
		t.Errorf("source bundle still has %d bookmarks", got)
	}
}

func TestAddBookmarks_Batch(t *testing.T) {
	r, _ := sampleTree(t)
	r2, ids := r.AddBookmarks("Reading", "Blogs", []BookmarkInput{
		{Title: "Go Blog", URL: "https://go.dev/blog"},
		{URL: "https://research.swtch.com"},
	})

	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Error("batch ids must be unique")
	}
	bm, _, _, ok := r2.FindBookmark(ids[1])
	if !ok {
		t.Fatal("second bookmark not found")
	}
	if bm.Title != "https://research.swtch.com" {
		t.Errorf("empty title should default to URL, got %q", bm.Title)
	}

	if _, none := r.AddBookmarks("Reading", "Missing", []BookmarkInput{{URL: "x"}}); none != nil {
		t.Errorf("missing bundle should yield no ids, got %v", none)
	}
}

func TestSearch(t *testing.T) {
	r, _ := sampleTree(t)
	r, _ = r.AddBookmark("Reading", "Blogs", BookmarkInput{
		Title: "Dan Abramov",
		URL:   "https://overreacted.io",
		Tags:  []string{"React", "blog"},
		Notes: "Essays on UI",
	})

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"React", "Dan Abramov"}},
		{"term case-insensitive", Filter{Term: "REACT"}, []string{"React", "Dan Abramov"}},
		{"term in notes", Filter{Term: "essays"}, []string{"Dan Abramov"}},
		{"by category", Filter{Category: "Reading"}, []string{"Dan Abramov"}},
		{"by bundle", Filter{Bundle: "Frontend"}, []string{"React"}},
		{"by tags", Filter{Tags: []string{"react", "BLOG"}}, []string{"Dan Abramov"}},
		{"no match", Filter{Term: "rust"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Search(tt.filter)
			if len(res) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(res), len(tt.want))
			}
			for i, title := range tt.want {
				if res[i].Bookmark.Title != title {
					t.Errorf("result %d = %q, want %q", i, res[i].Bookmark.Title, title)
				}
			}
		})
	}

	res := r.Search(Filter{Term: "overreacted"})
	if len(res) != 1 || res[0].Category != "Reading" || res[0].Bundle != "Blogs" {
		t.Errorf("result should carry owning names, got %+v", res)
	}
}

func TestSearch_ModifiedSince(t *testing.T) {
	base := pinClock(t)
	r, _ := sampleTree(t)
	cutoff := base.Add(time.Hour)
	now = func() time.Time { return cutoff.Add(time.Minute) }
	r, _ = r.AddBookmark("Reading", "Blogs", BookmarkInput{URL: "https://new.example"})

	res := r.Search(Filter{ModifiedSince: cutoff})
	if len(res) != 1 || res[0].Bookmark.URL != "https://new.example" {
		t.Errorf("ModifiedSince filter returned %+v", res)
	}
}

func TestStats_TagsCaseInsensitive(t *testing.T) {
	r := New().AddCategory("C").AddBundle("C", "B")
	r, _ = r.AddBookmarks("C", "B", []BookmarkInput{
		{URL: "https://a", Tags: []string{"React"}},
		{URL: "https://b", Tags: []string{"react"}},
		{URL: "https://c", Tags: []string{"REACT", "go"}},
	})

	s := r.Stats()
	want := Stats{Categories: 1, Bundles: 1, Bookmarks: 3, Tags: 2}
	if s != want {
		t.Errorf("Stats() = %+v, want %+v", s, want)
	}
	if tags := r.Tags(); len(tags) != 2 || tags[0] != "go" || tags[1] != "react" {
		t.Errorf("Tags() = %v", tags)
	}
}

// TestRandomOperations_KeepSiblingNamesUnique drives a long pseudo-random sequence
// of mutations and checks the uniqueness invariants after every step.
func TestRandomOperations_KeepSiblingNamesUnique(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"a", "b", "c", "d"}
	pick := func() string { return names[rng.Intn(len(names))] }

	r := New()
	var ids []string
	for step := 0; step < 2000; step++ {
		switch rng.Intn(9) {
		case 0:
			r = r.AddCategory(pick())
		case 1:
			r = r.RenameCategory(pick(), pick())
		case 2:
			r = r.AddBundle(pick(), pick())
		case 3:
			r = r.RenameBundle(pick(), pick(), pick())
		case 4:
			r = r.MoveBundle(pick(), pick(), pick())
		case 5:
			var id string
			r, id = r.AddBookmark(pick(), pick(), BookmarkInput{URL: fmt.Sprintf("https://%d", step)})
			if id != "" {
				ids = append(ids, id)
			}
		case 6:
			if len(ids) > 0 {
				r = r.MoveBookmark(ids[rng.Intn(len(ids))], pick(), pick())
			}
		case 7:
			r = r.TombstoneBundle(pick(), pick())
		case 8:
			r = r.PurgeCategory(pick())
		}
		if err := r.Validate(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
}

func TestInput_LineBreaksAndTagSeparators(t *testing.T) {
	r := New().AddCategory("Work\r\nStuff").AddBundle("Work Stuff", "Read\nLater")
	if !r.HasCategory("Work Stuff") {
		t.Fatalf("category = %q, want line breaks folded", r.Categories[0].Name)
	}
	if !r.HasBundle("Work Stuff", "Read Later") {
		t.Fatalf("bundle = %q, want line breaks folded", r.Categories[0].Bundles[0].Name)
	}

	r, id := r.AddBookmark("Work Stuff", "Read Later", BookmarkInput{
		Title: "Two\nlines",
		URL:   "https://a.example/x](y\r",
		Tags:  []string{"go, rust", "db\nsql", " , "},
		Notes: "one\r\ntwo\rthree",
	})
	bm, _, _, ok := r.FindBookmark(id)
	if !ok {
		t.Fatal("FindBookmark() found nothing")
	}
	if bm.Title != "Two lines" {
		t.Errorf("Title = %q, want %q", bm.Title, "Two lines")
	}
	if bm.URL != "https://a.example/x]%28y " {
		t.Errorf("URL = %q, want %q", bm.URL, "https://a.example/x]%28y ")
	}
	if got, want := fmt.Sprint(bm.Tags), "[go rust db sql]"; got != want {
		t.Errorf("Tags = %s, want %s", got, want)
	}
	if bm.Notes != "one\ntwo\nthree" {
		t.Errorf("Notes = %q, want LF line endings", bm.Notes)
	}

	r = r.RenameCategory("Work Stuff", "Home\nwork").RenameBundle("Home work", "Read Later", "Done\r")
	if !r.HasBundle("Home work", "Done ") {
		t.Fatalf("rename kept line breaks: %+v", r.Categories[0])
	}

	empty := ""
	r = r.UpdateBookmark(id, BookmarkPatch{Title: &empty, Tags: &[]string{"a,b"}})
	bm, _, _, _ = r.FindBookmark(id)
	if bm.Title != bm.URL {
		t.Errorf("Title = %q, want empty title to fall back to the URL", bm.Title)
	}
	if len(bm.Tags) != 2 {
		t.Errorf("Tags = %v, want split on comma", bm.Tags)
	}
}

func BenchmarkSearch(b *testing.B) {
	r := New()
	for c := 0; c < 20; c++ {
		cat := fmt.Sprintf("Category %d", c)
		r = r.AddCategory(cat)
		for k := 0; k < 5; k++ {
			bun := fmt.Sprintf("Bundle %d", k)
			r = r.AddBundle(cat, bun)
			inputs := make([]BookmarkInput, 50)
			for i := range inputs {
				inputs[i] = BookmarkInput{
					Title: fmt.Sprintf("Bookmark %d", i),
					URL:   fmt.Sprintf("https://example.com/%d/%d/%d", c, k, i),
					Tags:  []string{"bench", fmt.Sprintf("t%d", i%7)},
				}
			}
			r, _ = r.AddBookmarks(cat, bun, inputs)
		}
	}

	b.Run("term", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = r.Search(Filter{Term: "example.com/7/"})
		}
	})
	b.Run("tags", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = r.Search(Filter{Tags: []string{"bench", "t3"}})
		}
	})
}

func BenchmarkAddBookmark_StructuralSharing(b *testing.B) {
	base := New().AddCategory("C").AddBundle("C", "B")
	r := base
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if i%1000 == 0 {
			r = base
		}
		r, _ = r.AddBookmark("C", "B", BookmarkInput{Title: "t", URL: fmt.Sprintf("https://x/%d", i)})
	}
}
