package tree

import (
	"sort"
	"strings"
	"time"
)

// Filter narrows a Search. Zero-valued fields match everything.
type Filter struct {
	// Category restricts results to the category with this exact name.
	Category string

	// Bundle restricts results to bundles with this exact name.
	Bundle string

	// Term is matched case-insensitively against title, URL, notes and tags.
	Term string

	// Tags requires every listed tag to be present (case-insensitive).
	Tags []string

	// ModifiedSince keeps bookmarks modified at or after this instant.
	ModifiedSince time.Time
}

// SearchResult is a bookmark together with the names of its owning containers.
type SearchResult struct {
	Category string
	Bundle   string
	Bookmark *Bookmark
}

// Stats summarises the live content of a tree.
type Stats struct {
	Categories int `json:"categories"`
	Bundles    int `json:"bundles"`
	Bookmarks  int `json:"bookmarks"`
	Tags       int `json:"tags"`
}

// Search returns matching bookmarks in tree order. Tombstoned entities never match.
func (r *Root) Search(f Filter) []SearchResult {
	term := strings.ToLower(strings.TrimSpace(f.Term))
	wantTags := make([]string, 0, len(f.Tags))
	for _, t := range normalizeTags(f.Tags) {
		wantTags = append(wantTags, strings.ToLower(t))
	}

	var results []SearchResult
	for _, c := range r.Categories {
		if c.Deleted() || (f.Category != "" && c.Name != f.Category) {
			continue
		}
		for _, b := range c.Bundles {
			if b.Deleted() || (f.Bundle != "" && b.Name != f.Bundle) {
				continue
			}
			for _, bm := range b.Bookmarks {
				if bm.Deleted() {
					continue
				}
				if term != "" && !matchesTerm(bm, term) {
					continue
				}
				if !hasAllTags(bm, wantTags) {
					continue
				}
				if !f.ModifiedSince.IsZero() && modifiedAt(bm).Before(f.ModifiedSince) {
					continue
				}
				results = append(results, SearchResult{
					Category: c.Name,
					Bundle:   b.Name,
					Bookmark: bm,
				})
			}
		}
	}
	return results
}

func matchesTerm(bm *Bookmark, term string) bool {
	if strings.Contains(strings.ToLower(bm.Title), term) ||
		strings.Contains(strings.ToLower(bm.URL), term) ||
		strings.Contains(strings.ToLower(bm.Notes), term) {
		return true
	}
	for _, t := range bm.Tags {
		if strings.Contains(strings.ToLower(t), term) {
			return true
		}
	}
	return false
}

func hasAllTags(bm *Bookmark, want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]bool, len(bm.Tags))
	for _, t := range bm.Tags {
		have[strings.ToLower(t)] = true
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}

func modifiedAt(bm *Bookmark) time.Time {
	if bm.Metadata == nil {
		return time.Time{}
	}
	return bm.Metadata.LastModified
}

// Stats counts live categories, bundles, bookmarks and distinct tags. Tags are
// compared case-insensitively, so "React" and "react" count once.
func (r *Root) Stats() Stats {
	var s Stats
	tags := make(map[string]struct{})
	for _, c := range r.Categories {
		if c.Deleted() {
			continue
		}
		s.Categories++
		for _, b := range c.Bundles {
			if b.Deleted() {
				continue
			}
			s.Bundles++
			for _, bm := range b.Bookmarks {
				if bm.Deleted() {
					continue
				}
				s.Bookmarks++
				for _, t := range bm.Tags {
					tags[strings.ToLower(t)] = struct{}{}
				}
			}
		}
	}
	s.Tags = len(tags)
	return s
}

// Tags returns the distinct live tags, lower-cased and sorted.
func (r *Root) Tags() []string {
	seen := make(map[string]struct{})
	for _, res := range r.Search(Filter{}) {
		for _, t := range res.Bookmark.Tags {
			seen[strings.ToLower(t)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
