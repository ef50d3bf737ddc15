// Package relay implements the rendezvous service: it assigns each
// connected client a codename, broadcasts presence, and routes opaque
// signaling payloads between clients. It never carries file bytes.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/peerdrop/peerdrop/internal/protocol"
)

type Config struct {
	Addr   string
	Logger *slog.Logger
}

type Server struct {
	config   Config
	logger   *slog.Logger
	registry *Registry
	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		logger:   logger,
		registry: NewRegistry(),
		listener: ln,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConnection)
	s.httpSrv = &http.Server{Handler: mux}

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Shutdown stops accepting connections and disconnects every client.
// Upgraded sockets are hijacked, so they are closed through the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down relay server")
	err := s.httpSrv.Shutdown(ctx)
	s.registry.CloseAll()
	return err
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Relay server started", "addr", s.Addr())

	go func() {
		<-ctx.Done()
		_ = s.httpSrv.Close()
	}()

	err := s.httpSrv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Failed to upgrade connection", "error", err)
		return
	}

	identity := protocol.PeerInfo{
		ID:   uuid.NewString(),
		Name: RandomName(),
	}
	client := NewClient(identity, conn)

	// Register and announce. The init frame goes out on the new client's own
	// socket before its peer-join reaches anyone, so signaling aimed at an
	// announced peer always targets a client that already knows itself.
	s.registry.Add(identity.ID, client)
	s.logger.Info("Client connected", "id", identity.ID, "name", identity.Name)

	_ = client.Send(protocol.NewInit(identity, s.registry.Peers(identity.ID)))
	s.registry.Broadcast(protocol.NewPeerJoin(identity), identity.ID)

	defer func() {
		_ = conn.Close()
		if s.registry.Remove(identity.ID) {
			s.registry.Broadcast(protocol.NewPeerLeave(identity.ID), identity.ID)
		}
		s.logger.Info("Client disconnected", "id", identity.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(client, data)
	}
}

// handleFrame processes one inbound frame. Malformed or unexpected frames
// are dropped without disconnecting the sender.
func (s *Server) handleFrame(client *Client, data []byte) {
	id := client.Identity().ID

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Debug("Dropping malformed frame", "from", id, "error", err)
		return
	}

	switch f := frame.(type) {
	case *protocol.Signal:
		target, ok := s.registry.Get(f.To)
		if !ok {
			// Signaling a vanished peer is not an error; the sender learns
			// about absence from its own peer-leave handling.
			s.logger.Debug("Dropping signal to absent peer", "from", id, "to", f.To)
			return
		}
		_ = target.Send(protocol.NewRoutedSignal(id, f.Data))

	case *protocol.Rename:
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return
		}
		if s.registry.Rename(id, name) {
			s.logger.Info("Client renamed", "id", id, "name", name)
			s.registry.Broadcast(protocol.NewPeerRename(id, name), id)
		}

	default:
		s.logger.Debug("Dropping unexpected frame", "from", id, "type", frame.FrameType())
	}
}
