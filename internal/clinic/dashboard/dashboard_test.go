package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/db"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// startServer starts a dashboard on a free port with a handler over a
// fresh store.
func startServer(t *testing.T) (*Server, *Handler, *db.DB) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "clinic.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	handler := NewHandler(server, database, quietLogger())
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server, handler, database
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
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

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWelcomeCarriesStats(t *testing.T) {
	server, _, database := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := database.AddPatient(ctx, &schema.Patient{
		GivenName:   schema.Text(schema.LanguageEnglish, "Dana"),
		Surname:     schema.Text(schema.LanguageEnglish, "Salem"),
		DateOfBirth: "1995-12-30",
		Sex:         schema.SexFemale,
	})
	if err != nil {
		t.Fatalf("AddPatient() failed: %v", err)
	}

	conn := dial(t, ctx, server)
	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats db.Stats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Patients != 1 || stats.Pending == 0 {
		t.Errorf("stats = %+v, want 1 patient with pending changes", stats)
	}
	waitForClients(t, server, 1)
}

func TestTransitionsAreBroadcast(t *testing.T) {
	server, handler, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	readMessage(t, ctx, conn) // welcome
	waitForClients(t, server, 1)

	observe := handler.Observer()
	observe(sync.Transition{InstanceURL: "https://clinic.test", From: sync.StateIdle, To: sync.StateAuthenticating, At: time.Now()})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncState {
		t.Fatalf("Expected message type %s, got %s", MessageTypeSyncState, msg.Type)
	}
	var state SyncStateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}
	if state.From != "idle" || state.To != "authenticating" {
		t.Errorf("state = %+v", state)
	}

	result := &sync.Result{
		Stage: sync.StatePulling,
		Cause: clinic.Network("pull changes", errors.New("connection reset")),
	}
	observe(sync.Transition{InstanceURL: "https://clinic.test", From: sync.StatePulling, To: sync.StateFailed, At: time.Now(), Result: result})

	wantTypes := []MessageType{MessageTypeSyncState, MessageTypeSyncResult, MessageTypeStats}
	for _, want := range wantTypes {
		msg := readMessage(t, ctx, conn)
		if msg.Type != want {
			t.Fatalf("Expected message type %s, got %s", want, msg.Type)
		}
		if want != MessageTypeSyncResult {
			continue
		}
		var data SyncResultData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal result: %v", err)
		}
		if data.Success || data.Stage != "pulling" || data.Error == "" {
			t.Errorf("result data = %+v", data)
		}
	}
}

func TestMultipleClients(t *testing.T) {
	server, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i] = dial(t, ctx, server)
		readMessage(t, ctx, conns[i])
	}
	waitForClients(t, server, numClients)

	server.Broadcast(Message{Type: MessageTypeStats})
	for i, conn := range conns {
		if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
			t.Errorf("client %d got %s", i, msg.Type)
		}
	}

	_ = conns[0].Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, numClients-1)
}
