package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Operation names accepted by MemoryHost.FailNext and MemoryHost.Calls.
const (
	OpList   = "list"
	OpCreate = "create"
	OpBind   = "bind"
	OpRead   = "read"
	OpUpdate = "update"
	OpCheck  = "check"
)

// MemoryHost is an in-process document host with linear revision history. It
// mimics the gist API closely enough to exercise the sync engine without a
// network: failure injection, call counting and foreign writers included.
type MemoryHost struct {
	mu       sync.Mutex
	docs     map[string]*memoryDoc
	order    []string
	seq      int
	failures map[string][]error
	calls    map[string]int

	interleave *string
}

type memoryDoc struct {
	id          string
	filename    string
	content     string
	description string
	public      bool
	history     []string // newest first
}

// NewMemoryHost creates an empty host.
func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		docs:     make(map[string]*memoryDoc),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext queues err to be returned by the next call of op.
func (h *MemoryHost) FailNext(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = append(h.failures[op], err)
}

// Calls returns how many times op has been invoked.
func (h *MemoryHost) Calls(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

// ResetCalls zeroes all call counters.
func (h *MemoryHost) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = make(map[string]int)
}

// Seed creates a document directly and returns its id.
func (h *MemoryHost) Seed(filename, content string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.create(filename, content, "", false).id
}

// Write changes a document as another client would and returns the new revision.
func (h *MemoryHost) Write(id, content string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[id]
	if !ok {
		return "", &StatusError{Op: "write", StatusCode: 404}
	}
	return h.commit(doc, content), nil
}

// InterleaveNextUpdate makes a foreign write of content land immediately before
// the next update is applied.
func (h *MemoryHost) InterleaveNextUpdate(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interleave = &content
}

// Delete removes a document.
func (h *MemoryHost) Delete(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.docs, id)
	for i, d := range h.order {
		if d == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Content returns a document's current content.
func (h *MemoryHost) Content(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[id]
	if !ok {
		return "", false
	}
	return doc.content, true
}

// History returns a document's revisions, newest first.
func (h *MemoryHost) History(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc, ok := h.docs[id]
	if !ok {
		return nil
	}
	return append([]string(nil), doc.history...)
}

// Documents returns the number of documents on the host.
func (h *MemoryHost) Documents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs)
}

// enter records a call to op and returns the queued failure, if any.
// Caller must hold h.mu.
func (h *MemoryHost) enter(op string) error {
	h.calls[op]++
	queue := h.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	h.failures[op] = queue[1:]
	return err
}

func (h *MemoryHost) create(filename, content, description string, public bool) *memoryDoc {
	h.seq++
	doc := &memoryDoc{
		id:          fmt.Sprintf("mem-%d", h.seq),
		filename:    filename,
		description: description,
		public:      public,
	}
	h.docs[doc.id] = doc
	h.order = append(h.order, doc.id)
	h.commit(doc, content)
	return doc
}

// commit records a new revision unless content is unchanged.
func (h *MemoryHost) commit(doc *memoryDoc, content string) string {
	if len(doc.history) > 0 && doc.content == content {
		return doc.history[0]
	}
	h.seq++
	rev := fmt.Sprintf("rev-%d", h.seq)
	doc.content = content
	doc.history = append([]string{rev}, doc.history...)
	return rev
}

// Memory is a Repository bound to a MemoryHost.
type Memory struct {
	host        *MemoryHost
	filename    string
	configured  string
	description string
	public      bool

	mu         sync.Mutex
	documentID string
	known      string
}

// NewMemory creates a repository on host for filename. A non-empty documentID
// is bound to directly by Resolve.
func NewMemory(host *MemoryHost, filename, documentID string) *Memory {
	if filename == "" {
		filename = DefaultFilename
	}
	return &Memory{
		host:       host,
		filename:   filename,
		configured: documentID,
		documentID: documentID,
	}
}

// Host returns the backing host.
func (m *Memory) Host() *MemoryHost { return m.host }

// Resolve implements Repository.Resolve.
func (m *Memory) Resolve(ctx context.Context, seed string) (Binding, error) {
	m.mu.Lock()
	id := m.documentID
	m.mu.Unlock()
	if id != "" {
		return m.Bind(ctx, id)
	}

	m.host.mu.Lock()
	if err := m.host.enter(OpList); err != nil {
		m.host.mu.Unlock()
		return Binding{}, err
	}
	for _, docID := range m.host.order {
		if m.host.docs[docID].filename == m.filename {
			id = docID
			break
		}
	}
	m.host.mu.Unlock()

	if id != "" {
		return m.Bind(ctx, id)
	}
	return m.Create(ctx, seed, m.description, m.public)
}

// Rebind implements Repository.Rebind.
func (m *Memory) Rebind(ctx context.Context, seed string) (Binding, error) {
	m.mu.Lock()
	m.documentID = m.configured
	m.known = ""
	m.mu.Unlock()
	return m.Resolve(ctx, seed)
}

// Create implements Repository.Create.
func (m *Memory) Create(ctx context.Context, content, description string, public bool) (Binding, error) {
	if err := ctx.Err(); err != nil {
		return Binding{}, transient(OpCreate, err)
	}
	m.host.mu.Lock()
	if err := m.host.enter(OpCreate); err != nil {
		m.host.mu.Unlock()
		return Binding{}, err
	}
	doc := m.host.create(m.filename, encodeContent(content), description, public)
	id, tag := doc.id, doc.history[0]
	m.host.mu.Unlock()

	m.observe(id, tag)
	return Binding{DocumentID: id, VersionTag: tag, Created: true}, nil
}

// Bind implements Repository.Bind.
func (m *Memory) Bind(ctx context.Context, documentID string) (Binding, error) {
	if documentID == "" {
		return Binding{}, fmt.Errorf("%w: document id is required", ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return Binding{}, transient(OpBind, err)
	}
	m.host.mu.Lock()
	if err := m.host.enter(OpBind); err != nil {
		m.host.mu.Unlock()
		return Binding{}, err
	}
	doc, ok := m.host.docs[documentID]
	if !ok {
		m.host.mu.Unlock()
		return Binding{}, &StatusError{Op: OpBind, StatusCode: 404, Message: "Not Found"}
	}
	tag := doc.history[0]
	m.host.mu.Unlock()

	m.observe(documentID, tag)
	return Binding{DocumentID: documentID, VersionTag: tag}, nil
}

// Read implements Repository.Read.
func (m *Memory) Read(ctx context.Context) (Document, error) {
	id, _, err := m.bound()
	if err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, transient(OpRead, err)
	}

	m.host.mu.Lock()
	if err := m.host.enter(OpRead); err != nil {
		m.host.mu.Unlock()
		return Document{}, err
	}
	doc, ok := m.host.docs[id]
	if !ok {
		m.host.mu.Unlock()
		return Document{}, &StatusError{Op: OpRead, StatusCode: 404, Message: "Not Found"}
	}
	content, tag := doc.content, doc.history[0]
	m.host.mu.Unlock()

	m.observe(id, tag)
	return Document{Content: decodeContent(content), VersionTag: tag}, nil
}

// Update implements Repository.Update with the same parent verification the
// gist repository performs.
func (m *Memory) Update(ctx context.Context, content, description string) (string, error) {
	id, prev, err := m.bound()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", transient(OpUpdate, err)
	}

	m.host.mu.Lock()
	if err := m.host.enter(OpUpdate); err != nil {
		m.host.mu.Unlock()
		return "", err
	}
	doc, ok := m.host.docs[id]
	if !ok {
		m.host.mu.Unlock()
		return "", &StatusError{Op: OpUpdate, StatusCode: 404, Message: "Not Found"}
	}
	if m.host.interleave != nil {
		m.host.commit(doc, *m.host.interleave)
		m.host.interleave = nil
	}
	if description != "" {
		doc.description = description
	}
	newRev := m.host.commit(doc, encodeContent(content))
	history := append([]string(nil), doc.history...)
	m.host.mu.Unlock()

	if newRev != prev && prev != "" {
		i := indexOf(history, newRev)
		if i < 0 {
			return "", fmt.Errorf("update: %w: revision %s missing from history", ErrConcurrentModification, newRev)
		}
		parent := ""
		if i+1 < len(history) {
			parent = history[i+1]
		}
		if parent != prev {
			return "", fmt.Errorf("update: %w: revision %s descends from %s, expected %s",
				ErrConcurrentModification, newRev, parent, prev)
		}
	}

	m.observe(id, newRev)
	return newRev, nil
}

// HasRemoteChanges implements Repository.HasRemoteChanges.
func (m *Memory) HasRemoteChanges(ctx context.Context) (bool, error) {
	id, known, err := m.bound()
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, transient(OpCheck, err)
	}

	m.host.mu.Lock()
	defer m.host.mu.Unlock()
	if err := m.host.enter(OpCheck); err != nil {
		return false, err
	}
	doc, ok := m.host.docs[id]
	if !ok {
		return false, &StatusError{Op: OpCheck, StatusCode: 404, Message: "Not Found"}
	}
	return doc.history[0] != known, nil
}

// DocumentID implements Repository.DocumentID.
func (m *Memory) DocumentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documentID
}

// KnownVersion implements Repository.KnownVersion.
func (m *Memory) KnownVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known
}

// SetKnownVersion implements Repository.SetKnownVersion.
func (m *Memory) SetKnownVersion(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known = tag
}

func (m *Memory) bound() (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.documentID == "" {
		return "", "", ErrNotInitialized
	}
	return m.documentID, m.known, nil
}

func (m *Memory) observe(id, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documentID = id
	m.known = tag
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if strings.EqualFold(v, s) {
			return i
		}
	}
	return -1
}

var _ Repository = (*Memory)(nil)
