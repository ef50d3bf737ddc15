package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerdrop/peerdrop/internal/protocol"
)

func TestNewServer(t *testing.T) {
	srv, err := NewServer(Config{Addr: ":0"})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	if srv.Addr() == "" {
		t.Error("Expected non-empty address")
	}
}

func TestInitFrame(t *testing.T) {
	srv := setupServer(t)
	conn := dial(t, srv)

	init := readInit(t, conn)
	if init.Self.ID == "" {
		t.Error("Expected non-empty self id")
	}
	if init.Self.Name == "" {
		t.Error("Expected non-empty self name")
	}
	if len(init.Peers) != 0 {
		t.Errorf("Expected empty peer list, got %d", len(init.Peers))
	}
}

func TestPeerJoinAndLeave(t *testing.T) {
	srv := setupServer(t)

	connA := dial(t, srv)
	initA := readInit(t, connA)

	connB := dial(t, srv)
	initB := readInit(t, connB)

	if len(initB.Peers) != 1 || initB.Peers[0].ID != initA.Self.ID {
		t.Errorf("Expected B to see A in init, got %+v", initB.Peers)
	}

	join, ok := readFrame(t, connA).(*protocol.PeerJoin)
	if !ok {
		t.Fatal("Expected peer-join on A")
	}
	if join.Peer.ID != initB.Self.ID {
		t.Errorf("Expected join for %s, got %s", initB.Self.ID, join.Peer.ID)
	}

	_ = connB.Close()

	leave, ok := readFrame(t, connA).(*protocol.PeerLeave)
	if !ok {
		t.Fatal("Expected peer-leave on A")
	}
	if leave.ID != initB.Self.ID {
		t.Errorf("Expected leave for %s, got %s", initB.Self.ID, leave.ID)
	}

	waitFor(t, func() bool { return srv.Registry().Count() == 1 })
}

func TestSignalRouting(t *testing.T) {
	srv := setupServer(t)

	connA := dial(t, srv)
	initA := readInit(t, connA)
	connB := dial(t, srv)
	initB := readInit(t, connB)
	readFrame(t, connA) // B's join

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	send(t, connA, protocol.NewSignal(initB.Self.ID, payload))

	sig, ok := readFrame(t, connB).(*protocol.Signal)
	if !ok {
		t.Fatal("Expected signal on B")
	}
	if sig.From != initA.Self.ID {
		t.Errorf("Expected from %s, got %s", initA.Self.ID, sig.From)
	}
	if string(sig.Data) != string(payload) {
		t.Errorf("Expected payload %s, got %s", payload, sig.Data)
	}
}

func TestSignalToAbsentPeerDropped(t *testing.T) {
	srv := setupServer(t)

	connA := dial(t, srv)
	readInit(t, connA)
	connB := dial(t, srv)
	initB := readInit(t, connB)
	readFrame(t, connA) // B's join

	send(t, connA, protocol.NewSignal("no-such-peer", json.RawMessage(`{}`)))

	// The sender's connection survives and later frames still route.
	send(t, connA, protocol.NewSignal(initB.Self.ID, json.RawMessage(`{"ok":true}`)))
	if _, ok := readFrame(t, connB).(*protocol.Signal); !ok {
		t.Fatal("Expected later signal still delivered")
	}
}

func TestRenameBroadcast(t *testing.T) {
	srv := setupServer(t)

	connA := dial(t, srv)
	readInit(t, connA)
	connB := dial(t, srv)
	initB := readInit(t, connB)
	readFrame(t, connA) // B's join

	send(t, connB, protocol.NewRename("  New Name  "))

	rename, ok := readFrame(t, connA).(*protocol.PeerRename)
	if !ok {
		t.Fatal("Expected peer-rename on A")
	}
	if rename.ID != initB.Self.ID {
		t.Errorf("Expected rename for %s, got %s", initB.Self.ID, rename.ID)
	}
	if rename.Name != "New Name" {
		t.Errorf("Expected trimmed name, got %q", rename.Name)
	}

	// The renamer is excluded from the broadcast.
	expectSilence(t, connB)
}

func TestRenameEmptyIgnored(t *testing.T) {
	srv := setupServer(t)

	connA := dial(t, srv)
	readInit(t, connA)
	connB := dial(t, srv)
	readInit(t, connB)
	readFrame(t, connA) // B's join

	send(t, connB, protocol.NewRename("   "))
	expectSilence(t, connA)
}

func TestMalformedFrameIgnored(t *testing.T) {
	srv := setupServer(t)

	connA := dial(t, srv)
	readInit(t, connA)
	connB := dial(t, srv)
	initB := readInit(t, connB)
	readFrame(t, connA) // B's join

	if err := connA.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := connA.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	send(t, connA, protocol.NewSignal(initB.Self.ID, json.RawMessage(`{}`)))
	if _, ok := readFrame(t, connB).(*protocol.Signal); !ok {
		t.Fatal("Expected signal after malformed frames")
	}
}

func setupServer(t *testing.T) *Server {
	t.Helper()

	srv, err := NewServer(Config{
		Addr:   "127.0.0.1:0",
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	return srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	var conn *websocket.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
		if err == nil {
			break
		}
		var opErr *net.OpError
		if !errors.As(err, &opErr) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	return frame
}

func readInit(t *testing.T, conn *websocket.Conn) *protocol.Init {
	t.Helper()
	init, ok := readFrame(t, conn).(*protocol.Init)
	if !ok {
		t.Fatal("Expected init frame first")
	}
	return init
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("Expected no frame, got %s", data)
	}
	_ = conn.SetReadDeadline(time.Time{})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}
