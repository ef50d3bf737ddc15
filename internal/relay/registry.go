package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerdrop/peerdrop/internal/protocol"
)

const writeWait = 10 * time.Second

// Client is one connected socket with its relay-assigned identity.
type Client struct {
	identity protocol.PeerInfo

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(identity protocol.PeerInfo, conn *websocket.Conn) *Client {
	return &Client{identity: identity, conn: conn}
}

func (c *Client) Identity() protocol.PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Send writes one frame. Errors are returned so the caller can decide; a
// broadcast swallows them, a dead socket is cleaned up by its own read loop.
func (c *Client) Send(f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Registry is the relay-owned presence set: id -> client. One entry per
// connection, removed immediately on disconnect.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
	}
}

func (r *Registry) Add(id string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = c
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[id]; !exists {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *Registry) Rename(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	c.mu.Lock()
	c.identity.Name = name
	c.mu.Unlock()
	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Peers lists current identities, excluding exceptID.
func (r *Registry) Peers(exceptID string) []protocol.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]protocol.PeerInfo, 0, len(r.clients))
	for id, c := range r.clients {
		if id == exceptID {
			continue
		}
		peers = append(peers, c.Identity())
	}
	return peers
}

// CloseAll disconnects every client. Each read loop then unregisters its
// own entry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		_ = c.conn.Close()
		c.mu.Unlock()
	}
}

// Broadcast sends a frame to every client except exceptID. Sends happen
// outside the registry lock; a failed send never blocks or drops the rest.
func (r *Registry) Broadcast(f protocol.Frame, exceptID string) {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == exceptID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		_ = c.Send(f)
	}
}
