// Package auth keeps the GitHub token that marksync syncs with.
//
// The token lives in a single file (default ~/.marksync/token, mode 0600).
// Logging in writes it, logging out removes it, and a Watcher lets a
// long-running process follow logins and logouts made by other processes.
package auth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrEmptyToken is returned by Save for a blank token.
var ErrEmptyToken = errors.New("token cannot be empty")

// DefaultTokenFile is the token file name inside the marksync directory.
const DefaultTokenFile = "token"

// DefaultTokenPath returns ~/.marksync/token.
func DefaultTokenPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".marksync", DefaultTokenFile), nil
}

// FileStore reads and writes the token file.
type FileStore struct {
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

// NewFileStore returns a store backed by path. A nil logger logs to stderr.
func NewFileStore(path string, logger *log.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("token path cannot be empty")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the token file path.
func (s *FileStore) Path() string {
	return s.path
}

// Token returns the stored token, or "" when logged out.
func (s *FileStore) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) read() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoggedIn reports whether a token is stored.
func (s *FileStore) LoggedIn() bool {
	tok, err := s.Token()
	return err == nil && tok != ""
}

// Save stores token, replacing any previous one. The file is written to a
// temporary name and renamed so readers never see a partial token.
func (s *FileStore) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict token file: %w", err)
	}
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	s.logger.Printf("Saved token to %s", s.path)
	return nil
}

// Logout removes the token file. Returns nil if already logged out.
func (s *FileStore) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	s.logger.Println("Logged out")
	return nil
}
