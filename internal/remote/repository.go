// Package remote binds a bookmark store to a single hosted text document and
// provides optimistic-concurrency reads and writes against it.
//
// # Implementations
//
//   - Gist: GitHub Gists over HTTP (production)
//   - Memory: an in-process host with revision history (tests, local demos)
//
// # Concurrency model
//
// A repository remembers the version tag it last observed. HasRemoteChanges
// compares a fresh tag against it, and Update verifies through the revision
// history that the revision it created descends directly from it. A writer that
// raced us therefore surfaces as ErrConcurrentModification instead of a silently
// lost update.
package remote

import "context"

// DefaultFilename is the document filename used when none is configured.
const DefaultFilename = "bookmarks.md"

// MaxPageSize is the largest page the host returns when listing documents.
const MaxPageSize = 100

// Binding identifies the document a repository is bound to.
type Binding struct {
	DocumentID string
	VersionTag string

	// Created is true if the document was created by this call.
	Created bool
}

// Document is the content of the bound document at a given version.
type Document struct {
	Content    string
	VersionTag string
}

// Repository is the remote side of synchronization.
//
// All methods are safe for concurrent use. Methods that require a bound document
// return ErrNotInitialized until Resolve, Bind or Create succeeds.
type Repository interface {
	// Resolve binds to the configured document id, or failing that to the first
	// accessible document carrying the configured filename, or failing that
	// creates a new document whose content is seed.
	Resolve(ctx context.Context, seed string) (Binding, error)

	// Rebind forgets all binding state and resolves again. A document created
	// by the resolution is seeded with seed.
	Rebind(ctx context.Context, seed string) (Binding, error)

	// Create makes a new document and binds to it.
	Create(ctx context.Context, content, description string, public bool) (Binding, error)

	// Bind binds to an existing document. Returns ErrNotFound if it does not exist.
	Bind(ctx context.Context, documentID string) (Binding, error)

	// Read fetches the current content and records its version tag as observed.
	Read(ctx context.Context) (Document, error)

	// Update writes content and returns the new version tag. The write is
	// verified against the revision history; a foreign revision between the
	// observed one and ours yields ErrConcurrentModification.
	Update(ctx context.Context, content, description string) (string, error)

	// HasRemoteChanges reports whether the document's current version differs
	// from the last observed one. It does not update the observed version.
	HasRemoteChanges(ctx context.Context) (bool, error)

	// DocumentID returns the bound document id, or "" when unbound.
	DocumentID() string

	// KnownVersion returns the last observed version tag.
	KnownVersion() string

	// SetKnownVersion overrides the observed version tag, typically to restore
	// the version recorded by a previous process.
	SetKnownVersion(tag string)
}
