package markdown

import (
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/marksync/marksync/internal/tree"
)

// shape is the content of a tree that survives a round trip.
type shape struct {
	Name     string
	Children []bundleShape
}

type bundleShape struct {
	Name      string
	Bookmarks []bookmarkShape
}

type bookmarkShape struct {
	Title string
	URL   string
	Tags  []string
	Notes string
}

func shapeOf(r *tree.Root) []shape {
	var out []shape
	for _, c := range r.Categories {
		if c.Deleted() {
			continue
		}
		s := shape{Name: c.Name}
		for _, b := range c.Bundles {
			if b.Deleted() {
				continue
			}
			bs := bundleShape{Name: b.Name}
			for _, bm := range b.Bookmarks {
				if bm.Deleted() {
					continue
				}
				tags := append([]string(nil), bm.Tags...)
				sort.Strings(tags)
				bs.Bookmarks = append(bs.Bookmarks, bookmarkShape{
					Title: bm.Title,
					URL:   bm.URL,
					Tags:  tags,
					Notes: bm.Notes,
				})
			}
			s.Children = append(s.Children, bs)
		}
		out = append(out, s)
	}
	return out
}

func exampleTree() *tree.Root {
	r := tree.New().
		AddCategory("📚 Development").
		AddBundle("📚 Development", "Frontend")
	r, _ = r.AddBookmark("📚 Development", "Frontend", tree.BookmarkInput{
		Title: "React",
		URL:   "https://react.dev",
		Tags:  []string{"react", "docs"},
	})
	return r
}

func TestEncode_Example(t *testing.T) {
	out := Encode(exampleTree())

	for _, want := range []string{
		"# 📚 Development",
		"## Frontend",
		"- [React](https://react.dev)",
		"  - tags: react, docs",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Encode() output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "notes:") {
		t.Error("notes line should be omitted when notes are empty")
	}
}

func TestEncode_Deterministic(t *testing.T) {
	r := exampleTree()
	if Encode(r) != Encode(r) {
		t.Error("Encode() is not deterministic")
	}
}

func TestEncode_Layout(t *testing.T) {
	r := exampleTree().AddCategory("Reading").AddBundle("Reading", "Blogs")
	r, _ = r.AddBookmark("Reading", "Blogs", tree.BookmarkInput{
		Title: "Go",
		URL:   "https://go.dev/blog",
		Notes: "weekly",
	})

	want := `# 📚 Development

## Frontend

- [React](https://react.dev)
  - tags: react, docs

# Reading

## Blogs

- [Go](https://go.dev/blog)
  - notes: weekly
`
	if diff := cmp.Diff(want, Encode(r)); diff != "" {
		t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_SkipsTombstones(t *testing.T) {
	r := exampleTree().AddCategory("Gone").TombstoneCategory("Gone")
	if strings.Contains(Encode(r), "Gone") {
		t.Error("tombstoned category should not be encoded")
	}
}

func TestRoundTrip(t *testing.T) {
	r := tree.New().
		AddCategory("📚 Development").
		AddCategory("").
		AddCategory("Empty").
		AddBundle("📚 Development", "Frontend").
		AddBundle("📚 Development", "Tools [beta]").
		AddBundle("", "Loose")

	r, _ = r.AddBookmarks("📚 Development", "Frontend", []tree.BookmarkInput{
		{Title: "React", URL: "https://react.dev", Tags: []string{"react", "docs"}},
		{Title: "Array [] tricks", URL: "https://example.com/a]b"},
		{Title: "Wiki", URL: "https://en.wikipedia.org/wiki/Go_(programming_language)"},
	})
	r, _ = r.AddBookmark("📚 Development", "Tools [beta]", tree.BookmarkInput{
		Title: "Notes",
		URL:   "https://notes.example",
		Tags:  []string{"B", "a"},
		Notes: "first line\n  indented second\n\nafter blank",
	})
	r, _ = r.AddBookmark("", "Loose", tree.BookmarkInput{
		Title: "Orphan",
		URL:   "https://orphan.example",
		Notes: "  leading spaces kept",
	})

	got := Decode(Encode(r))
	if diff := cmp.Diff(shapeOf(r), shapeOf(got)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("decoded tree is invalid: %v", err)
	}
}

func TestDecode_AssignsFreshIDs(t *testing.T) {
	r := exampleTree()
	got := Decode(Encode(r))

	bm := got.Categories[0].Bundles[0].Bookmarks[0]
	if bm.ID == "" {
		t.Fatal("decoded bookmark has no id")
	}
	if bm.ID == r.Categories[0].Bundles[0].Bookmarks[0].ID {
		t.Error("decoded id should be freshly generated")
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []shape
	}{
		{
			name:  "empty document",
			input: "",
			want:  nil,
		},
		{
			name:  "bookmark before any bundle",
			input: "- [A](https://a)\n# Cat\n## B\n- [C](https://c)\n",
			want: []shape{
				{Name: "", Children: []bundleShape{{Name: "", Bookmarks: []bookmarkShape{{Title: "A", URL: "https://a"}}}}},
				{Name: "Cat", Children: []bundleShape{{Name: "B", Bookmarks: []bookmarkShape{{Title: "C", URL: "https://c"}}}}},
			},
		},
		{
			name:  "empty category heading",
			input: "#\n## B\n",
			want:  []shape{{Name: "", Children: []bundleShape{{Name: "B"}}}},
		},
		{
			name:  "empty title defaults to url",
			input: "# C\n## B\n- [](https://x.dev)\n",
			want: []shape{{Name: "C", Children: []bundleShape{{Name: "B", Bookmarks: []bookmarkShape{
				{Title: "https://x.dev", URL: "https://x.dev"},
			}}}}},
		},
		{
			name:  "prose, comments and deep headings ignored",
			input: "<!-- header -->\nSome intro text.\n# C\n### Deep\n## B\n- not a link\n- [T](https://t)\n  - tags: x,  y ,\n",
			want: []shape{{Name: "C", Children: []bundleShape{{Name: "B", Bookmarks: []bookmarkShape{
				{Title: "T", URL: "https://t", Tags: []string{"x", "y"}},
			}}}}},
		},
		{
			name:  "crlf line endings",
			input: "# C\r\n## B\r\n- [T](https://t)\r\n  - notes: hello\r\n",
			want: []shape{{Name: "C", Children: []bundleShape{{Name: "B", Bookmarks: []bookmarkShape{
				{Title: "T", URL: "https://t", Notes: "hello"},
			}}}}},
		},
		{
			name:  "unterminated link",
			input: "# C\n## B\n- [T](https://t\n  - tags: orphan\n",
			want:  []shape{{Name: "C", Children: []bundleShape{{Name: "B"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decode(tt.input)
			if diff := cmp.Diff(tt.want, shapeOf(got)); diff != "" {
				t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML(exampleTree())
	if err != nil {
		t.Fatalf("RenderHTML() failed: %v", err)
	}
	out := string(html)
	if !strings.Contains(out, `<a href="https://react.dev">React</a>`) {
		t.Errorf("rendered HTML missing link:\n%s", out)
	}
	if !strings.Contains(out, "<h2") || !strings.Contains(out, "Frontend") {
		t.Errorf("rendered HTML missing bundle heading:\n%s", out)
	}
}

func TestDecode_LongLine(t *testing.T) {
	long := strings.Repeat("x", 2*1024*1024)
	input := "# C\n## B\n- [" + long + "](https://long)\n- [After](https://after)\n"

	got := Decode(input)
	want := []shape{{Name: "C", Children: []bundleShape{{Name: "B", Bookmarks: []bookmarkShape{
		{Title: long, URL: "https://long"},
		{Title: "After", URL: "https://after"},
	}}}}}
	if diff := cmp.Diff(want, shapeOf(got)); diff != "" {
		t.Errorf("Decode() of a 2 MiB line lost content (-want +got):\n%s", diff)
	}
}

// TestRoundTrip_RandomInput builds trees through the tree API from text full of
// markup characters, line breaks and tag separators, and checks that the
// content survives Encode then Decode.
func TestRoundTrip_RandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pieces := []string{
		"a", "Z", "é", " ", "\t", ",", ", ", "\n", "\r", "\r\n",
		"[", "]", "(", ")", "](", "#", "## ", "- ", "- tags:", "- notes:", "    ",
	}
	text := func() string {
		var sb strings.Builder
		for n := rng.Intn(6); n > 0; n-- {
			sb.WriteString(pieces[rng.Intn(len(pieces))])
		}
		return sb.String()
	}

	for round := 0; round < 200; round++ {
		r := tree.New()
		var ids []string
		for step := 0; step < 30; step++ {
			var cat, bundle string
			if cs := r.Categories; len(cs) > 0 && rng.Intn(4) > 0 {
				c := cs[rng.Intn(len(cs))]
				cat = c.Name
				if bs := c.Bundles; len(bs) > 0 && rng.Intn(3) > 0 {
					bundle = bs[rng.Intn(len(bs))].Name
				}
			}
			switch rng.Intn(6) {
			case 0:
				r = r.AddCategory(text())
			case 1:
				r = r.RenameCategory(cat, text())
			case 2:
				r = r.AddBundle(cat, text())
			case 3:
				r = r.RenameBundle(cat, bundle, text())
			case 4:
				var id string
				r, id = r.AddBookmark(cat, bundle, tree.BookmarkInput{
					Title: text(),
					URL:   text(),
					Tags:  []string{text(), text()},
					Notes: text(),
				})
				if id != "" {
					ids = append(ids, id)
				}
			case 5:
				if len(ids) > 0 {
					title, url, notes := text(), text(), text()
					tags := []string{text()}
					r = r.UpdateBookmark(ids[rng.Intn(len(ids))], tree.BookmarkPatch{
						Title: &title, URL: &url, Tags: &tags, Notes: &notes,
					})
				}
			}
		}

		encoded := Encode(r)
		if diff := cmp.Diff(shapeOf(r), shapeOf(Decode(encoded))); diff != "" {
			t.Fatalf("round %d: round trip mismatch (-want +got):\n%s\ndocument:\n%q", round, diff, encoded)
		}
	}
}
