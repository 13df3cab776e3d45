package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/remote"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type env struct {
	o    *orchestrator.Orchestrator
	host *remote.MemoryHost
	repo *remote.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	host := remote.NewMemoryHost()
	repo := remote.NewMemory(host, "", "")

	cfg := orchestrator.DefaultConfig()
	cfg.AutoSync = false
	cfg.StartupBackoff = time.Millisecond
	cfg.Logger = quietLogger()

	o, err := orchestrator.New(repo, nil, cfg)
	if err != nil {
		t.Fatalf("orchestrator.New() failed: %v", err)
	}
	t.Cleanup(o.Close)
	if err := o.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return &env{o: o, host: host, repo: repo}
}

// conflict leaves e with an unresolved conflict: a local category and a
// different remote document.
func (e *env) conflict(t *testing.T) {
	t.Helper()
	if err := e.o.AddCategory("Local"); err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}
	if _, err := e.host.Write(e.repo.DocumentID(), "# Remote\n"); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if _, err := e.o.SyncWithRemote(context.Background(), nil); !errors.Is(err, orchestrator.ErrConflict) {
		t.Fatalf("SyncWithRemote() = %v, want ErrConflict", err)
	}
}

func startServer(t *testing.T, e *env) *Server {
	t.Helper()
	server, err := NewServer(e.o, &Config{Port: 0, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil reads messages until one of type typ satisfies match.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType, match func(json.RawMessage) bool) {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == typ && match(msg.Data) {
			return
		}
	}
}

func waitClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewServer_NilSource(t *testing.T) {
	if _, err := NewServer(nil, nil); err == nil {
		t.Error("NewServer(nil) should fail")
	}
}

func TestServerStartStop(t *testing.T) {
	e := newEnv(t)
	server, err := NewServer(e.o, &Config{Port: 0, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if !strings.HasPrefix(server.GetAddr(), "127.0.0.1:") || strings.HasSuffix(server.GetAddr(), ":0") {
		t.Errorf("GetAddr() = %q, want a bound loopback port", server.GetAddr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketWelcomeStatus(t *testing.T) {
	e := newEnv(t)
	server := startServer(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStatus, msg.Type)
	}

	var st orchestrator.Status
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if st.DocumentID != e.repo.DocumentID() || st.LocalOnly {
		t.Errorf("welcome status = %+v", st)
	}

	waitClients(t, server, 1)
}

func TestMultipleClients(t *testing.T) {
	e := newEnv(t)
	server := startServer(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		conn := dial(t, ctx, server)
		readMessage(t, ctx, conn)
	}
	waitClients(t, server, 3)
}

// TestHandler_BroadcastsEdits verifies that local edits reach clients as status and stats messages.
func TestHandler_BroadcastsEdits(t *testing.T) {
	e := newEnv(t)
	server := startServer(t, e)
	handler := NewHandler(server, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)
	waitClients(t, server, 1)

	unsubscribe := handler.Attach(e.o)
	defer unsubscribe()

	if err := e.o.AddCategory("Reading"); err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}

	readUntil(t, ctx, conn, MessageTypeStats, func(raw json.RawMessage) bool {
		var stats struct{ Categories int }
		return json.Unmarshal(raw, &stats) == nil && stats.Categories == 1
	})
	if got := handler.GetStats().Categories; got != 1 {
		t.Errorf("GetStats().Categories = %d, want 1", got)
	}
}

// TestHandler_ConflictAndSync verifies the conflict and sync_complete messages.
func TestHandler_ConflictAndSync(t *testing.T) {
	e := newEnv(t)
	server := startServer(t, e)
	handler := NewHandler(server, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn)
	waitClients(t, server, 1)

	unsubscribe := handler.Attach(e.o)
	defer unsubscribe()

	e.conflict(t)
	readUntil(t, ctx, conn, MessageTypeConflict, func(raw json.RawMessage) bool {
		var c ConflictData
		return json.Unmarshal(raw, &c) == nil && c.Active && c.DetectedAt != nil
	})

	handler.OnSynced(orchestrator.SyncEvent{
		Trigger: "explicit",
		Result:  orchestrator.ResultPulled,
		Err:     errors.New("boom"),
	})
	readUntil(t, ctx, conn, MessageTypeSyncComplete, func(raw json.RawMessage) bool {
		var d SyncCompleteData
		return json.Unmarshal(raw, &d) == nil && d.Result == "pulled" && d.Error == "boom"
	})
}

func TestHTTPEndpoints(t *testing.T) {
	e := newEnv(t)
	if err := e.o.AddCategory("Tools"); err != nil {
		t.Fatalf("AddCategory() failed: %v", err)
	}
	server, err := NewServer(e.o, &Config{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	tests := []struct {
		method string
		path   string
		code   int
		body   string
	}{
		{"GET", "/health", http.StatusOK, `"status":"ok"`},
		{"GET", "/status", http.StatusOK, `"dirty":true`},
		{"GET", "/preview", http.StatusOK, "Tools"},
		{"GET", "/", http.StatusOK, "/ws"},
		{"POST", "/conflict/load-remote", http.StatusConflict, "no conflict"},
		{"POST", "/conflict/save-local", http.StatusConflict, "no conflict"},
		{"GET", "/conflict/save-local", http.StatusMethodNotAllowed, ""},
		{"GET", "/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("NewRequest() failed: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.code {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.code, body)
			}
			if tt.body != "" && !strings.Contains(string(body), tt.body) {
				t.Errorf("body %q does not contain %q", body, tt.body)
			}
		})
	}
}

// TestConflictEndpoints verifies that each resumption action works once over HTTP.
func TestConflictEndpoints(t *testing.T) {
	tests := []struct {
		path        string
		wantRemote  bool
		wantContent string
	}{
		{"/conflict/load-remote", true, "# Remote"},
		{"/conflict/save-local", false, "# Local"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := newEnv(t)
			e.conflict(t)

			server, err := NewServer(e.o, &Config{Logger: quietLogger()})
			if err != nil {
				t.Fatalf("NewServer() failed: %v", err)
			}
			ts := httptest.NewServer(server.Handler())
			defer ts.Close()

			resp, err := http.Post(ts.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}

			if e.o.ActiveConflict() != nil {
				t.Error("conflict should be cleared")
			}
			if got := e.o.Tree().HasCategory("Remote"); got != tt.wantRemote {
				t.Errorf("HasCategory(Remote) = %v, want %v", got, tt.wantRemote)
			}
			content, _ := e.host.Content(e.repo.DocumentID())
			if !strings.Contains(content, tt.wantContent) {
				t.Errorf("remote content = %q, want %q", content, tt.wantContent)
			}

			resp, err = http.Post(ts.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatalf("second POST failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusConflict {
				t.Errorf("second POST status = %d, want 409", resp.StatusCode)
			}
		})
	}
}
