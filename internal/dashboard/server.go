// Package dashboard serves the live sync status of a marksync process.
//
// The server broadcasts status, statistics, conflict and sync events to
// connected WebSocket clients, renders a read-only preview of the bookmarks and
// exposes the two conflict resumption actions over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/marksync/marksync/internal/markdown"
	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/tree"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries the full sync status
	MessageTypeStatus MessageType = "status"

	// MessageTypeStats carries bookmark counts
	MessageTypeStats MessageType = "stats"

	// MessageTypeConflict indicates a conflict was raised or resolved
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeSyncComplete indicates a sync finished
	MessageTypeSyncComplete MessageType = "sync_complete"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConflictData describes the conflict state
type ConflictData struct {
	Active     bool       `json:"active"`
	DetectedAt *time.Time `json:"detected_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// SyncCompleteData describes a finished sync
type SyncCompleteData struct {
	Trigger    string `json:"trigger"`
	Result     string `json:"result"`
	DocumentID string `json:"document_id,omitempty"`
	Version    string `json:"version,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Source is the sync engine the dashboard reports on.
type Source interface {
	Status() orchestrator.Status
	Tree() *tree.Root
	ActiveConflict() *orchestrator.Conflict
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	source   Source
	addr     string
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a new dashboard server over source
func NewServer(source Source, config *Config) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		source:    source,
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Handler returns the HTTP routes of the dashboard
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /preview", s.handlePreview)
	mux.HandleFunc("POST /conflict/load-remote", s.handleResolve(false))
	mux.HandleFunc("POST /conflict/save-local", s.handleResolve(true))
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Resolution actions may wait for the host.
		WriteTimeout: 60 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on http://%s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The current status goes out before the client can receive broadcasts.
	welcome, err := NewMessage(MessageTypeStatus, s.source.Status())
	if err == nil {
		data, _ := json.Marshal(welcome)
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStatus returns the current sync status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Status())
}

// handlePreview renders the bookmarks as HTML
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	body, err := markdown.RenderHTML(s.source.Tree())
	if err != nil {
		s.logger.Printf("Failed to render preview: %v", err)
		http.Error(w, "failed to render bookmarks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Bookmarks</title>
</head>
<body>
%s
</body>
</html>`, body)
}

// handleResolve runs one of the conflict resumption actions
func (s *Server) handleResolve(keepLocal bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.source.ActiveConflict()
		if c == nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": orchestrator.ErrNoConflict.Error()})
			return
		}

		var err error
		if keepLocal {
			err = c.SaveLocal(r.Context())
		} else {
			err = c.LoadRemote(r.Context())
		}

		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, s.source.Status())
		case errors.Is(err, orchestrator.ErrNoConflict):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrSyncInProgress):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		default:
			s.logger.Printf("Conflict resolution failed: %v", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
	}
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>marksync</title>
</head>
<body>
    <h1>marksync</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a></p>
    <p>Bookmarks: <a href="/preview">/preview</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
