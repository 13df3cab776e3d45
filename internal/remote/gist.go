package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultAPIURL is the GitHub REST API root.
	DefaultAPIURL = "https://api.github.com"

	// emptyDocument stands in for an empty tree; the host rejects empty files
	// and deletes a file whose content is patched to "".
	emptyDocument = "<!-- empty bookmark collection -->\n"

	// maxListPages bounds the filename lookup.
	maxListPages = 30

	apiVersion = "2022-11-28"
	userAgent  = "marksync"
)

// GistConfig configures a Gist repository.
type GistConfig struct {
	// Token is the bearer token. Required.
	Token string

	// Filename is the file inside the gist that holds the bookmarks. Required.
	Filename string

	// GistID binds directly to a known gist and skips the filename lookup.
	GistID string

	// Description and Public are used when a gist has to be created.
	Description string
	Public      bool

	// BaseURL is the API root (default: DefaultAPIURL).
	BaseURL string

	// PageSize is the per_page used when listing gists, capped at MaxPageSize.
	PageSize int

	// HTTPClient is used for all requests (default: 30s timeout client).
	HTTPClient *http.Client

	// Logger for repository activity.
	Logger *log.Logger
}

// DefaultGistConfig returns a config with everything but Token filled in.
func DefaultGistConfig() *GistConfig {
	return &GistConfig{
		Filename:    DefaultFilename,
		Description: "Bookmarks synced by marksync",
		BaseURL:     DefaultAPIURL,
		PageSize:    MaxPageSize,
	}
}

// Gist is a Repository backed by a GitHub gist.
type Gist struct {
	cfg    GistConfig
	client *http.Client
	logger *log.Logger

	mu         sync.Mutex
	documentID string
	known      string // last observed version tag
	etag       string // ETag matching known, for conditional polling
}

// NewGist validates cfg and returns an unbound repository. No network call is made.
func NewGist(cfg *GistConfig) (*Gist, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrValidation)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%w: access token is required", ErrValidation)
	}
	if strings.TrimSpace(cfg.Filename) == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}

	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = DefaultAPIURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.PageSize <= 0 || c.PageSize > MaxPageSize {
		c.PageSize = MaxPageSize
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := c.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[gist] ", log.LstdFlags)
	}

	return &Gist{
		cfg:        c,
		client:     client,
		logger:     logger,
		documentID: c.GistID,
	}, nil
}

// ===== Wire types =====

type gistFile struct {
	Filename  string `json:"filename,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
	RawURL    string `json:"raw_url,omitempty"`
}

type gistRevision struct {
	Version     string    `json:"version"`
	CommittedAt time.Time `json:"committed_at"`
}

type gistResponse struct {
	ID          string               `json:"id"`
	Description string               `json:"description"`
	Public      bool                 `json:"public"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Files       map[string]*gistFile `json:"files"`
	History     []gistRevision       `json:"history"`
}

type createRequest struct {
	Description string              `json:"description"`
	Public      bool                `json:"public"`
	Files       map[string]gistFile `json:"files"`
}

type updateRequest struct {
	Description string              `json:"description,omitempty"`
	Files       map[string]gistFile `json:"files"`
}

type apiError struct {
	Message string `json:"message"`
}

// versionOf picks the revision id when the host reports one, else the ETag.
func versionOf(etag string, history []gistRevision) string {
	if len(history) > 0 && history[0].Version != "" {
		return history[0].Version
	}
	return etag
}

func encodeContent(content string) string {
	if strings.TrimSpace(content) == "" {
		return emptyDocument
	}
	return content
}

func decodeContent(content string) string {
	if content == emptyDocument {
		return ""
	}
	return content
}

// ===== HTTP plumbing =====

// do issues one API request. On 2xx the body is decoded into out (if non-nil);
// 304 returns the response with no error; anything else becomes a *StatusError.
func (g *Gist) do(ctx context.Context, op, method, path string, body any, header http.Header, out any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: failed to encode request: %v", op, ErrValidation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, transient(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return resp, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiErr)
		se := &StatusError{Op: op, StatusCode: resp.StatusCode, Message: apiErr.Message}
		if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return nil, fmt.Errorf("%w: rate limited: %v", ErrTransient, se.Error())
		}
		return nil, se
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, transient(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return resp, nil
}

// fetchRaw downloads the full content of a truncated file.
func (g *Gist) fetchRaw(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", transient("read raw", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", transient("read raw", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Op: "read raw", StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transient("read raw", err)
	}
	return string(data), nil
}

func (g *Gist) get(ctx context.Context, op, id string, header http.Header) (*gistResponse, *http.Response, error) {
	var gr gistResponse
	resp, err := g.do(ctx, op, http.MethodGet, "/gists/"+url.PathEscape(id), nil, header, &gr)
	if err != nil {
		return nil, nil, err
	}
	return &gr, resp, nil
}

func (g *Gist) bound() (id, known, etag string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.documentID == "" {
		return "", "", "", ErrNotInitialized
	}
	return g.documentID, g.known, g.etag, nil
}

func (g *Gist) observe(id, known, etag string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.documentID = id
	g.known = known
	g.etag = etag
}

// ===== Repository =====

// Resolve implements Repository.Resolve.
func (g *Gist) Resolve(ctx context.Context, seed string) (Binding, error) {
	g.mu.Lock()
	id := g.documentID
	g.mu.Unlock()

	if id != "" {
		return g.Bind(ctx, id)
	}

	id, err := g.findByFilename(ctx)
	if err != nil {
		return Binding{}, err
	}
	if id != "" {
		g.logger.Printf("Found gist %s holding %s", id, g.cfg.Filename)
		return g.Bind(ctx, id)
	}

	g.logger.Printf("No gist holds %s; creating one", g.cfg.Filename)
	return g.Create(ctx, seed, g.cfg.Description, g.cfg.Public)
}

// Rebind implements Repository.Rebind. A configured GistID is kept; a
// discovered one is looked up again.
func (g *Gist) Rebind(ctx context.Context, seed string) (Binding, error) {
	g.observe(g.cfg.GistID, "", "")
	g.logger.Printf("Rebinding repository")
	return g.Resolve(ctx, seed)
}

// findByFilename pages through the user's gists looking for one that contains
// the configured filename.
func (g *Gist) findByFilename(ctx context.Context) (string, error) {
	for page := 1; page <= maxListPages; page++ {
		path := fmt.Sprintf("/gists?per_page=%d&page=%d", g.cfg.PageSize, page)
		var gists []gistResponse
		if _, err := g.do(ctx, "list gists", http.MethodGet, path, nil, nil, &gists); err != nil {
			return "", err
		}
		for _, gr := range gists {
			if _, ok := gr.Files[g.cfg.Filename]; ok {
				return gr.ID, nil
			}
		}
		if len(gists) < g.cfg.PageSize {
			return "", nil
		}
	}
	g.logger.Printf("Stopped filename lookup after %d pages", maxListPages)
	return "", nil
}

// Create implements Repository.Create.
func (g *Gist) Create(ctx context.Context, content, description string, public bool) (Binding, error) {
	req := createRequest{
		Description: description,
		Public:      public,
		Files: map[string]gistFile{
			g.cfg.Filename: {Content: encodeContent(content)},
		},
	}

	var gr gistResponse
	resp, err := g.do(ctx, "create", http.MethodPost, "/gists", req, nil, &gr)
	if err != nil {
		return Binding{}, err
	}

	etag := resp.Header.Get("ETag")
	tag := versionOf(etag, gr.History)
	if gr.ID == "" || tag == "" {
		return Binding{}, fmt.Errorf("create: %w: host returned no id or version tag", ErrTransient)
	}

	g.observe(gr.ID, tag, etag)
	g.logger.Printf("Created gist %s (version %s)", gr.ID, shortTag(tag))
	return Binding{DocumentID: gr.ID, VersionTag: tag, Created: true}, nil
}

// Bind implements Repository.Bind.
func (g *Gist) Bind(ctx context.Context, documentID string) (Binding, error) {
	if documentID == "" {
		return Binding{}, fmt.Errorf("%w: document id is required", ErrValidation)
	}

	gr, resp, err := g.get(ctx, "bind", documentID, nil)
	if err != nil {
		return Binding{}, err
	}

	etag := resp.Header.Get("ETag")
	tag := versionOf(etag, gr.History)
	g.observe(documentID, tag, etag)
	g.logger.Printf("Bound to gist %s (version %s)", documentID, shortTag(tag))
	return Binding{DocumentID: documentID, VersionTag: tag}, nil
}

// Read implements Repository.Read.
func (g *Gist) Read(ctx context.Context) (Document, error) {
	id, _, _, err := g.bound()
	if err != nil {
		return Document{}, err
	}

	gr, resp, err := g.get(ctx, "read", id, nil)
	if err != nil {
		return Document{}, err
	}

	var content string
	if f, ok := gr.Files[g.cfg.Filename]; ok && f != nil {
		content = f.Content
		if f.Truncated && f.RawURL != "" {
			if content, err = g.fetchRaw(ctx, f.RawURL); err != nil {
				return Document{}, err
			}
		}
	}

	etag := resp.Header.Get("ETag")
	tag := versionOf(etag, gr.History)
	g.observe(id, tag, etag)
	return Document{Content: decodeContent(content), VersionTag: tag}, nil
}

// Update implements Repository.Update.
//
// The host does not honour preconditions on PATCH, so the condition is enforced
// after the fact: the revision history must show our new revision directly on
// top of the revision we last observed.
func (g *Gist) Update(ctx context.Context, content, description string) (string, error) {
	id, prev, prevETag, err := g.bound()
	if err != nil {
		return "", err
	}

	req := updateRequest{
		Description: description,
		Files: map[string]gistFile{
			g.cfg.Filename: {Content: encodeContent(content)},
		},
	}

	var gr gistResponse
	resp, err := g.do(ctx, "update", http.MethodPatch, "/gists/"+url.PathEscape(id), req, nil, &gr)
	if err != nil {
		return "", err
	}

	etag := resp.Header.Get("ETag")
	newRev := ""
	if len(gr.History) > 0 {
		newRev = gr.History[0].Version
	}

	if err := g.verifyParent(ctx, id, prev, newRev); err != nil {
		// Keep the old observation so the next check reports the remote as changed.
		g.observe(id, prev, prevETag)
		return "", err
	}

	tag := versionOf(etag, gr.History)
	g.observe(id, tag, etag)
	g.logger.Printf("Updated gist %s (version %s -> %s)", id, shortTag(prev), shortTag(tag))
	return tag, nil
}

// verifyParent confirms that newRev's parent in the revision history is prev.
func (g *Gist) verifyParent(ctx context.Context, id, prev, newRev string) error {
	switch {
	case newRev == "":
		// Without revision history only the ETag comparison protects us.
		g.logger.Printf("Host reported no revision history; skipping parent verification")
		return nil
	case prev == "":
		g.logger.Printf("No previously observed revision; skipping parent verification")
		return nil
	case newRev == prev:
		// Content was identical; the host did not create a revision.
		return nil
	}

	var commits []gistRevision
	path := fmt.Sprintf("/gists/%s/commits?per_page=%d", url.PathEscape(id), MaxPageSize)
	if _, err := g.do(ctx, "verify history", http.MethodGet, path, nil, nil, &commits); err != nil {
		return err
	}

	for i, c := range commits {
		if c.Version != newRev {
			continue
		}
		parent := ""
		if i+1 < len(commits) {
			parent = commits[i+1].Version
		}
		if parent != prev {
			return fmt.Errorf("update: %w: revision %s descends from %s, expected %s",
				ErrConcurrentModification, shortTag(newRev), shortTag(parent), shortTag(prev))
		}
		return nil
	}
	return fmt.Errorf("update: %w: revision %s missing from history", ErrConcurrentModification, shortTag(newRev))
}

// HasRemoteChanges implements Repository.HasRemoteChanges. A conditional GET
// keeps unchanged polls cheap.
func (g *Gist) HasRemoteChanges(ctx context.Context) (bool, error) {
	id, known, etag, err := g.bound()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	if etag != "" {
		header.Set("If-None-Match", etag)
	}

	gr, resp, err := g.get(ctx, "check", id, header)
	if err != nil {
		return false, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return false, nil
	}
	return versionOf(resp.Header.Get("ETag"), gr.History) != known, nil
}

// DocumentID implements Repository.DocumentID.
func (g *Gist) DocumentID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.documentID
}

// KnownVersion implements Repository.KnownVersion.
func (g *Gist) KnownVersion() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.known
}

// SetKnownVersion implements Repository.SetKnownVersion. The cached ETag is
// dropped so the next check fetches a fresh version.
func (g *Gist) SetKnownVersion(tag string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.known = tag
	g.etag = ""
}

func shortTag(tag string) string {
	tag = strings.Trim(tag, `W/"`)
	if len(tag) > 12 {
		return tag[:12]
	}
	if tag == "" {
		return "none"
	}
	return tag
}

var _ Repository = (*Gist)(nil)
