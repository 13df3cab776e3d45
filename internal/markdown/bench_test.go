package markdown

import (
	"fmt"
	"testing"

	"github.com/marksync/marksync/internal/tree"
)

// largeTree builds categories x bundles x bookmarks entries.
func largeTree(categories, bundles, bookmarks int) *tree.Root {
	r := tree.New()
	for c := 0; c < categories; c++ {
		cat := fmt.Sprintf("Category %d", c)
		r = r.AddCategory(cat)
		for b := 0; b < bundles; b++ {
			bun := fmt.Sprintf("Bundle %d", b)
			r = r.AddBundle(cat, bun)
			inputs := make([]tree.BookmarkInput, bookmarks)
			for k := range inputs {
				inputs[k] = tree.BookmarkInput{
					Title: fmt.Sprintf("Bookmark %d.%d.%d", c, b, k),
					URL:   fmt.Sprintf("https://example.com/%d/%d/%d", c, b, k),
					Tags:  []string{"bench", fmt.Sprintf("c%d", c)},
					Notes: "Some notes about this link",
				}
			}
			r, _ = r.AddBookmarks(cat, bun, inputs)
		}
	}
	return r
}

func BenchmarkEncode(b *testing.B) {
	for _, size := range []int{10, 50} {
		r := largeTree(size, 5, 20)
		b.Run(fmt.Sprintf("categories=%d", size), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = Encode(r)
			}
		})
	}
}

func BenchmarkDecode(b *testing.B) {
	for _, size := range []int{10, 50} {
		text := Encode(largeTree(size, 5, 20))
		b.Run(fmt.Sprintf("categories=%d", size), func(b *testing.B) {
			b.SetBytes(int64(len(text)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = Decode(text)
			}
		})
	}
}

func BenchmarkRenderHTML(b *testing.B) {
	r := largeTree(10, 5, 20)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := RenderHTML(r); err != nil {
			b.Fatalf("RenderHTML() failed: %v", err)
		}
	}
}
