package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/marksync/marksync/internal/tree"
)

// SharedState holds the conflict flags that several components in one process
// must agree on: the orchestrator sets them, the detector and UI read them.
//
// The orchestrator is the only writer of UnresolvedConflict. DialogOpen is
// written by whichever UI component shows the resolution dialog.
type SharedState struct {
	mu                 sync.RWMutex
	unresolvedConflict bool
	dialogOpen         bool
}

// NewSharedState creates a cleared state.
func NewSharedState() *SharedState {
	return &SharedState{}
}

// UnresolvedConflict reports whether a conflict awaits user resolution.
func (s *SharedState) UnresolvedConflict() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unresolvedConflict
}

func (s *SharedState) setUnresolvedConflict(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolvedConflict = v
}

// DialogOpen reports whether a resolution dialog is on screen.
func (s *SharedState) DialogOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dialogOpen
}

// SetDialogOpen records whether a resolution dialog is on screen.
func (s *SharedState) SetDialogOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialogOpen = open
}

// ResolutionInProgress is true while either flag is set. Background work that
// could compound a conflict (auto-sync, change detection) must skip.
func (s *SharedState) ResolutionInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unresolvedConflict || s.dialogOpen
}

// Status is the externally visible sync state.
type Status struct {
	Dirty              bool       `json:"dirty"`
	Syncing            bool       `json:"syncing"`
	UnresolvedConflict bool       `json:"unresolved_conflict"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	Message            string     `json:"message,omitempty"`
	DocumentID         string     `json:"document_id,omitempty"`
	LocalOnly          bool       `json:"local_only"`
	Stats              tree.Stats `json:"stats"`
}

// Mirror is the single-key offline store for the last known local state. It is
// never authoritative and never consulted for conflict detection.
type Mirror interface {
	// Load returns the stored bytes, or nil if nothing has been stored.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored bytes.
	Save(ctx context.Context, data []byte) error
}

// Snapshot is the persisted form of the orchestrator state.
type Snapshot struct {
	Root         *tree.Root `json:"root"`
	Dirty        bool       `json:"dirty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	DocumentID   string     `json:"document_id,omitempty"`
	KnownVersion string     `json:"known_version,omitempty"`
	SavedAt      time.Time  `json:"saved_at"`
}

// EncodeSnapshot serializes s for a Mirror.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses bytes produced by EncodeSnapshot. A nil or empty input
// yields a nil snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Root == nil {
		s.Root = tree.New()
	}
	if err := s.Root.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot tree is invalid: %w", err)
	}
	return &s, nil
}

// MemoryMirror is a Mirror held in memory.
type MemoryMirror struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

// Load implements Mirror.
func (m *MemoryMirror) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...), nil
}

// Save implements Mirror.
func (m *MemoryMirror) Save(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryMirror) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
