// Package node wires the client-side layers together: the relay connection,
// per-peer sessions, the transfer engine, and the message store. It mirrors
// relay presence into a local peer list and multiplexes every data channel
// frame to the right consumer.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/peerdrop/peerdrop/internal/messaging"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/peerdrop/peerdrop/internal/session"
	"github.com/peerdrop/peerdrop/internal/signaling"
	"github.com/peerdrop/peerdrop/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Events are UI callbacks. They fire from the relay read loop or a data
// channel callback goroutine; handlers must not block.
type Events struct {
	OnReady            func(self protocol.PeerInfo, peers []protocol.PeerInfo)
	OnPeerJoin         func(peer protocol.PeerInfo)
	OnPeerLeave        func(peer protocol.PeerInfo)
	OnPeerRename       func(peer protocol.PeerInfo, oldName string)
	OnOffer            func(t transfer.Transfer)
	OnTransfersChanged func()
	OnSessionsChanged  func()
	OnMessage          func(m messaging.Message)
	OnStatus           func(status signaling.Status)
}

type Config struct {
	URL    string
	Logger *logrus.Logger
	Events Events
}

type Node struct {
	logger *logrus.Logger
	events Events

	client   *signaling.Client
	sessions *session.Manager
	engine   *transfer.Engine
	messages *messaging.Store

	mu       sync.Mutex
	self     protocol.PeerInfo
	peers    map[string]protocol.PeerInfo
	selected string
}

func New(cfg Config) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	n := &Node{
		logger: logger,
		events: cfg.Events,
		peers:  make(map[string]protocol.PeerInfo),
	}

	n.messages = messaging.NewStore(cfg.Events.OnMessage)
	n.engine = transfer.NewEngine(transfer.Config{
		Logger:   logger,
		OnChange: cfg.Events.OnTransfersChanged,
	})

	n.client = signaling.NewClient(cfg.URL, signaling.Handlers{
		OnInit:       n.handleInit,
		OnPeerJoin:   n.handlePeerJoin,
		OnPeerLeave:  n.handlePeerLeave,
		OnPeerRename: n.handlePeerRename,
		OnSignal:     n.handleSignal,
		OnStatus:     cfg.Events.OnStatus,
	}, logger)

	n.sessions = session.NewManager(session.Config{
		Signaler:      n.client,
		Logger:        logger,
		OnMessage:     n.handleChannelMessage,
		OnStateChange: cfg.Events.OnSessionsChanged,
	})

	return n
}

// Start connects to the relay.
func (n *Node) Start(ctx context.Context) error {
	return n.client.Connect(ctx)
}

// Stop tears down every session and closes the relay connection.
func (n *Node) Stop() {
	n.sessions.TeardownAll()
	_ = n.client.Close()
}

// Reconnect drops all peer state and dials the relay again. The relay hands
// out fresh identities, so existing links are useless afterwards.
func (n *Node) Reconnect(ctx context.Context) error {
	n.sessions.TeardownAll()

	n.mu.Lock()
	n.peers = make(map[string]protocol.PeerInfo)
	n.selected = ""
	n.mu.Unlock()

	return n.client.Reconnect(ctx)
}

func (n *Node) URL() string {
	return n.client.URL()
}

func (n *Node) Status() signaling.Status {
	return n.client.Status()
}

func (n *Node) Self() protocol.PeerInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// Peers lists currently known peers sorted by name.
func (n *Node) Peers() []protocol.PeerInfo {
	n.mu.Lock()
	out := make([]protocol.PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindPeer resolves a peer by exact id, exact name, or unique prefix of
// either.
func (n *Node) FindPeer(query string) (protocol.PeerInfo, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return protocol.PeerInfo{}, fmt.Errorf("empty peer query")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[query]; ok {
		return p, nil
	}
	for _, p := range n.peers {
		if p.Name == query {
			return p, nil
		}
	}

	var matches []protocol.PeerInfo
	for _, p := range n.peers {
		if strings.HasPrefix(p.ID, query) || strings.HasPrefix(p.Name, query) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return protocol.PeerInfo{}, fmt.Errorf("no peer matches %q", query)
	default:
		return protocol.PeerInfo{}, fmt.Errorf("%q is ambiguous (%d peers match)", query, len(matches))
	}
}

// Select marks a peer as the current conversation target and starts dialing
// its session if none is live.
func (n *Node) Select(query string) (protocol.PeerInfo, error) {
	peer, err := n.FindPeer(query)
	if err != nil {
		return protocol.PeerInfo{}, err
	}

	n.mu.Lock()
	n.selected = peer.ID
	n.mu.Unlock()

	if ch, ok := n.sessions.Channel(peer.ID); ok && ch.IsOpen() {
		return peer, nil
	}
	if _, err := n.sessions.EnsureLink(peer.ID, true); err != nil {
		return protocol.PeerInfo{}, err
	}
	return peer, nil
}

// Selected returns the current target, if any.
func (n *Node) Selected() (protocol.PeerInfo, bool) {
	n.mu.Lock()
	id := n.selected
	n.mu.Unlock()
	if id == "" {
		return protocol.PeerInfo{}, false
	}
	return n.peer(id)
}

// Rename asks the relay for a new display name and applies it locally. The
// relay broadcasts the change to everyone else.
func (n *Node) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if err := n.client.Rename(name); err != nil {
		return err
	}

	n.mu.Lock()
	n.self.Name = name
	n.mu.Unlock()
	return nil
}

// SendFile streams a file from disk to the selected peer, blocking until the
// transfer reaches a terminal status.
func (n *Node) SendFile(ctx context.Context, path string, progress func(sent, total int64)) (string, error) {
	peer, ok := n.Selected()
	if !ok {
		return "", fmt.Errorf("no peer selected")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	ch, err := n.openChannel(ctx, peer.ID)
	if err != nil {
		return "", err
	}

	return n.engine.SendFile(ctx, transfer.SendRequest{
		Peer:     peer,
		Channel:  ch,
		FileName: filepath.Base(path),
		Mime:     mime.TypeByExtension(filepath.Ext(path)),
		Size:     info.Size(),
		Data:     f,
		Progress: progress,
	})
}

// SendText sends a chat message to the selected peer.
func (n *Node) SendText(ctx context.Context, text string) (messaging.Message, error) {
	peer, ok := n.Selected()
	if !ok {
		return messaging.Message{}, fmt.Errorf("no peer selected")
	}

	ch, err := n.openChannel(ctx, peer.ID)
	if err != nil {
		return messaging.Message{}, err
	}
	return n.messages.Send(peer, ch, text)
}

// Accept agrees to a pending incoming offer.
func (n *Node) Accept(id string) error {
	return n.engine.Accept(id)
}

// Decline refuses a pending incoming offer.
func (n *Node) Decline(id, reason string) error {
	return n.engine.Decline(id, reason)
}

// CancelTransfer cancels an outgoing transfer in flight.
func (n *Node) CancelTransfer(id string) error {
	return n.engine.Cancel(id)
}

func (n *Node) Transfers() []transfer.Transfer {
	return n.engine.Transfers()
}

func (n *Node) Transfer(id string) (transfer.Transfer, bool) {
	return n.engine.Get(id)
}

func (n *Node) Messages() []messaging.Message {
	return n.messages.Messages()
}

// SessionStates snapshots per-peer link readiness for display.
func (n *Node) SessionStates() map[string]session.PeerState {
	return n.sessions.States()
}

// SaveResult writes a completed incoming transfer to dir, returning the
// written path. The transfer's file name is flattened to its base name.
func (n *Node) SaveResult(id, dir string) (string, error) {
	t, ok := n.engine.Get(id)
	if !ok {
		return "", fmt.Errorf("unknown transfer %s", id)
	}
	data, ok := n.engine.Result(id)
	if !ok {
		return "", fmt.Errorf("transfer %s has no received data", id)
	}

	name := filepath.Base(t.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = t.ID
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// openChannel returns peer's data channel, dialing the session and waiting
// for the channel to open if needed.
func (n *Node) openChannel(ctx context.Context, peerID string) (session.Channel, error) {
	if ch, ok := n.sessions.Channel(peerID); ok && ch.IsOpen() {
		return ch, nil
	}

	if _, err := n.sessions.EnsureLink(peerID, true); err != nil {
		return nil, err
	}
	if err := n.sessions.WaitChannelOpen(ctx, peerID); err != nil {
		return nil, err
	}

	ch, ok := n.sessions.Channel(peerID)
	if !ok {
		return nil, fmt.Errorf("no channel for peer %s", peerID)
	}
	return ch, nil
}

func (n *Node) handleInit(self protocol.PeerInfo, peers []protocol.PeerInfo) {
	n.mu.Lock()
	n.self = self
	n.peers = make(map[string]protocol.PeerInfo, len(peers))
	for _, p := range peers {
		n.peers[p.ID] = p
	}
	n.mu.Unlock()

	if n.events.OnReady != nil {
		n.events.OnReady(self, peers)
	}
}

func (n *Node) handlePeerJoin(peer protocol.PeerInfo) {
	n.mu.Lock()
	n.peers[peer.ID] = peer
	n.mu.Unlock()

	if n.events.OnPeerJoin != nil {
		n.events.OnPeerJoin(peer)
	}
}

func (n *Node) handlePeerLeave(id string) {
	n.mu.Lock()
	peer, known := n.peers[id]
	delete(n.peers, id)
	if n.selected == id {
		n.selected = ""
	}
	n.mu.Unlock()

	n.sessions.Teardown(id)

	if !known {
		peer = protocol.PeerInfo{ID: id}
	}
	if n.events.OnPeerLeave != nil {
		n.events.OnPeerLeave(peer)
	}
}

func (n *Node) handlePeerRename(id, name string) {
	n.mu.Lock()
	peer, known := n.peers[id]
	oldName := peer.Name
	if !known {
		peer = protocol.PeerInfo{ID: id}
	}
	peer.Name = name
	n.peers[id] = peer
	n.mu.Unlock()

	if n.events.OnPeerRename != nil {
		n.events.OnPeerRename(peer, oldName)
	}
}

func (n *Node) handleSignal(from string, data json.RawMessage) {
	if err := n.sessions.HandleRemoteSignal(from, data); err != nil {
		n.logger.Debugf("Failed to handle signal from %s: %v", from, err)
	}
}

// handleChannelMessage is the per-frame mux: binary frames go to the
// transfer engine, text frames are decoded and dispatched by kind.
func (n *Node) handleChannelMessage(peerID string, data []byte, isText bool) {
	if !isText {
		n.engine.HandleBinary(peerID, data)
		return
	}

	ctrl, err := protocol.DecodeControl(data)
	if err != nil {
		n.logger.Debugf("Dropping malformed control frame from %s: %v", peerID, err)
		return
	}

	peer, _ := n.peer(peerID)

	switch c := ctrl.(type) {
	case *protocol.TextMessage:
		n.messages.HandleFrame(peer, c)
	case *protocol.Ping:
		// keepalive
	default:
		ch, ok := n.sessions.Channel(peerID)
		if !ok {
			n.logger.Debugf("Dropping %s frame from %s with no channel", ctrl.ControlKind(), peerID)
			return
		}
		n.engine.HandleControl(peer, ch, ctrl)

		if offer, isOffer := ctrl.(*protocol.FileOffer); isOffer && n.events.OnOffer != nil {
			if t, recorded := n.engine.Get(offer.ID); recorded && t.Status == transfer.StatusPending {
				n.events.OnOffer(t)
			}
		}
	}
}

func (n *Node) peer(id string) (protocol.PeerInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		return p, true
	}
	return protocol.PeerInfo{ID: id}, false
}
