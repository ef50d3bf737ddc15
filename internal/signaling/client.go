// Package signaling implements the client side of the relay protocol: one
// persistent websocket carrying JSON frames, with presence and signal events
// dispatched to registered callbacks.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// Handlers receive relay events. All callbacks fire from the read loop
// goroutine, one at a time.
type Handlers struct {
	OnInit       func(self protocol.PeerInfo, peers []protocol.PeerInfo)
	OnPeerJoin   func(peer protocol.PeerInfo)
	OnPeerLeave  func(id string)
	OnPeerRename func(id, name string)
	OnSignal     func(from string, data json.RawMessage)
	OnStatus     func(status Status)
}

type Client struct {
	url      string
	handlers Handlers
	logger   *logrus.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
}

func NewClient(url string, handlers Handlers, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		url:      url,
		handlers: handlers,
		logger:   logger,
		status:   StatusClosed,
	}
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the relay and starts the read loop. Safe to call again after
// a close; an existing connection is torn down first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.setStatus(StatusConnecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("failed to dial relay %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(StatusOpen)

	go c.readLoop(conn)
	return nil
}

// Reconnect closes the current connection and dials again.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setStatus(StatusClosed)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// SendSignal routes an opaque negotiation payload to another client.
func (c *Client) SendSignal(to string, data json.RawMessage) error {
	return c.send(protocol.NewSignal(to, data))
}

// Rename asks the relay for a new display name.
func (c *Client) Rename(name string) error {
	return c.send(protocol.NewRename(name))
}

func (c *Client) send(f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.status != StatusOpen {
		return fmt.Errorf("relay connection not open")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()
			if current {
				c.setStatus(StatusClosed)
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logger.Debugf("Dropping malformed relay frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame protocol.Frame) {
	switch f := frame.(type) {
	case *protocol.Init:
		if c.handlers.OnInit != nil {
			c.handlers.OnInit(f.Self, f.Peers)
		}
	case *protocol.PeerJoin:
		if c.handlers.OnPeerJoin != nil {
			c.handlers.OnPeerJoin(f.Peer)
		}
	case *protocol.PeerLeave:
		if c.handlers.OnPeerLeave != nil {
			c.handlers.OnPeerLeave(f.ID)
		}
	case *protocol.PeerRename:
		if c.handlers.OnPeerRename != nil {
			c.handlers.OnPeerRename(f.ID, f.Name)
		}
	case *protocol.Signal:
		if c.handlers.OnSignal != nil {
			c.handlers.OnSignal(f.From, f.Data)
		}
	default:
		c.logger.Debugf("Dropping unexpected relay frame type %s", frame.FrameType())
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	c.mu.Unlock()

	if changed && c.handlers.OnStatus != nil {
		c.handlers.OnStatus(s)
	}
}
