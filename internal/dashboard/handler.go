package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/marksync/marksync/internal/orchestrator"
	"github.com/marksync/marksync/internal/tree"
)

// NewMessage builds a message with data encoded as JSON.
func NewMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// Handler turns orchestrator events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu         sync.Mutex
	last       orchestrator.Status
	haveLast   bool
	detectedAt *time.Time
}

// NewHandler creates a handler broadcasting through server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// Attach subscribes the handler to o and returns the unsubscribe function.
func (h *Handler) Attach(o *orchestrator.Orchestrator) func() {
	h.OnStatus(o.Status())
	return o.Subscribe(h.OnStatus)
}

// OnStatus broadcasts a status change. Stats and conflict messages are sent
// only when those parts changed.
func (h *Handler) OnStatus(st orchestrator.Status) {
	h.mu.Lock()
	prev, had := h.last, h.haveLast
	h.last, h.haveLast = st, true

	conflictChanged := !had || prev.UnresolvedConflict != st.UnresolvedConflict
	if conflictChanged {
		if st.UnresolvedConflict {
			t := time.Now()
			h.detectedAt = &t
		} else {
			h.detectedAt = nil
		}
	}
	detectedAt := h.detectedAt
	h.mu.Unlock()

	h.send(MessageTypeStatus, st)
	if !had || prev.Stats != st.Stats {
		h.send(MessageTypeStats, st.Stats)
	}
	if conflictChanged && (had || st.UnresolvedConflict) {
		if st.UnresolvedConflict {
			h.logger.Println("Conflict raised")
		}
		h.send(MessageTypeConflict, ConflictData{
			Active:     st.UnresolvedConflict,
			DetectedAt: detectedAt,
			Message:    st.Message,
		})
	}
}

// OnSynced broadcasts the outcome of a sync. It has the shape of the
// orchestrator's OnSynced hook.
func (h *Handler) OnSynced(e orchestrator.SyncEvent) {
	data := SyncCompleteData{
		Trigger:    e.Trigger,
		Result:     e.Result.String(),
		DocumentID: e.DocumentID,
		Version:    e.Version,
	}
	if e.Err != nil {
		data.Error = e.Err.Error()
	}
	h.send(MessageTypeSyncComplete, data)
}

// GetStats returns the most recent statistics
func (h *Handler) GetStats() tree.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last.Stats
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(msg)
}
