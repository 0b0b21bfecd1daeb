package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

// SyncStateData describes one state transition.
type SyncStateData struct {
	InstanceURL string `json:"instance_url"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// SyncResultData describes a finished sync.
type SyncResultData struct {
	InstanceURL  string        `json:"instance_url"`
	Success      bool          `json:"success"`
	Stage        string        `json:"stage"`
	Error        string        `json:"error,omitempty"`
	Pulled       int           `json:"pulled"`
	Applied      int           `json:"applied"`
	Pushed       int           `json:"pushed"`
	Acknowledged int           `json:"acknowledged"`
	Cursor       int64         `json:"cursor"`
	Duration     time.Duration `json:"duration"`
}

// Handler turns sync transitions into dashboard messages.
type Handler struct {
	server *Server
	db     *db.DB
	logger *log.Logger
}

// NewHandler connects a store to a dashboard server. New clients get the
// store stats as their welcome message. database may be nil.
func NewHandler(server *Server, database *db.DB, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{server: server, db: database, logger: logger}
	server.welcome = h.statsMessage
	return h
}

// Observer returns a sync.Observer that feeds the dashboard.
func (h *Handler) Observer() sync.Observer {
	return h.OnTransition
}

// OnTransition broadcasts a transition and, when the sync finished, its
// result and fresh stats.
func (h *Handler) OnTransition(t sync.Transition) {
	h.send(MessageTypeSyncState, t.At, SyncStateData{
		InstanceURL: t.InstanceURL,
		From:        t.From.String(),
		To:          t.To.String(),
	})
	if t.Result == nil {
		return
	}

	r := t.Result
	data := SyncResultData{
		InstanceURL:  t.InstanceURL,
		Success:      r.Success,
		Stage:        r.Stage.String(),
		Pulled:       r.Pulled,
		Applied:      r.Applied,
		Pushed:       r.Pushed,
		Acknowledged: r.Acknowledged,
		Cursor:       r.Cursor,
		Duration:     r.Duration,
	}
	if r.Cause != nil {
		data.Error = r.Cause.Error()
	}
	h.send(MessageTypeSyncResult, t.At, data)

	if msg, ok := h.statsMessage(); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) statsMessage() (Message, bool) {
	if h.db == nil {
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}, true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := h.db.GetStats(ctx)
	if err != nil {
		h.logger.Printf("Failed to read stats: %v", err)
		return Message{}, false
	}
	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return Message{}, false
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}, true
}

func (h *Handler) send(typ MessageType, at time.Time, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: data})
}
