// Package session manages per-peer WebRTC links: it drives offer/answer/
// candidate exchange through the relay, enforces the one-Link-one-Channel
// invariant, and exposes readiness snapshots.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Signaler routes opaque negotiation payloads to a remote peer, normally via
// the relay connection.
type Signaler interface {
	SendSignal(to string, data json.RawMessage) error
}

// SignalPayload is the negotiation envelope carried inside a relay signal
// frame. The relay never inspects it.
type SignalPayload struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: defaultSTUNServers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func defaultDataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
	}
}

// PeerState is an immutable-per-read snapshot of one link's readiness.
type PeerState struct {
	Link    string
	Channel ChannelState
}

type Config struct {
	Signaler Signaler
	WebRTC   *webrtc.Configuration
	Logger   *logrus.Logger

	// OnMessage receives every data channel frame: text control frames and
	// binary chunks alike.
	OnMessage func(peerID string, data []byte, isText bool)
	// OnStateChange fires after any link or channel state transition.
	OnStateChange func()
}

type Manager struct {
	signaler      Signaler
	webrtcConfig  webrtc.Configuration
	logger        *logrus.Logger
	onMessage     func(peerID string, data []byte, isText bool)
	onStateChange func()

	mu    sync.Mutex
	links map[string]*Link
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	webrtcConfig := DefaultWebRTCConfig()
	if cfg.WebRTC != nil {
		webrtcConfig = *cfg.WebRTC
	}

	return &Manager{
		signaler:      cfg.Signaler,
		webrtcConfig:  webrtcConfig,
		logger:        logger,
		onMessage:     cfg.OnMessage,
		onStateChange: cfg.OnStateChange,
		links:         make(map[string]*Link),
	}
}

// EnsureLink returns the tracked link for peerID, creating one if none is
// live. When initiator is true a fresh offer is generated and sent every
// call; a newly created initiator link also eagerly opens the data channel
// that will carry all control and payload frames for this peer.
func (m *Manager) EnsureLink(peerID string, initiator bool) (*Link, error) {
	link, created, err := m.ensureLink(peerID, initiator)
	if err != nil {
		return nil, err
	}

	if initiator {
		if created {
			dc, err := link.pc.CreateDataChannel("file", defaultDataChannelInit())
			if err != nil {
				return nil, fmt.Errorf("failed to create data channel: %w", err)
			}
			m.adoptDataChannel(link, dc)
		}

		offer, err := link.pc.CreateOffer(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create offer: %w", err)
		}
		if err := link.pc.SetLocalDescription(offer); err != nil {
			return nil, fmt.Errorf("failed to set local description: %w", err)
		}
		if err := m.sendPayload(peerID, SignalPayload{Type: "offer", SDP: &offer}); err != nil {
			return nil, err
		}
	}

	return link, nil
}

func (m *Manager) ensureLink(peerID string, initiator bool) (*Link, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link, exists := m.links[peerID]; exists && !link.isClosed() {
		return link, false, nil
	}

	pc, err := webrtc.NewPeerConnection(m.webrtcConfig)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create peer connection: %w", err)
	}

	role := RoleResponder
	if initiator {
		role = RoleInitiator
	}
	link := &Link{
		peerID:       peerID,
		role:         role,
		pc:           pc,
		linkState:    webrtc.PeerConnectionStateNew,
		channelState: "",
	}
	m.links[peerID] = link

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		if err := m.sendPayload(peerID, SignalPayload{Type: "candidate", Candidate: &init}); err != nil {
			m.logger.Warnf("Failed to send ICE candidate to %s: %v", peerID, err)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.logger.Debugf("Link state for %s changed: %s", peerID, s)
		link.setLinkState(s)
		m.notifyStateChange()
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.logger.Debugf("Adopting incoming data channel '%s' from %s", dc.Label(), peerID)
		m.adoptDataChannel(link, dc)
	})

	return link, true, nil
}

func (m *Manager) adoptDataChannel(link *Link, dc *webrtc.DataChannel) {
	peerID := link.peerID

	link.mu.Lock()
	if link.channel != nil {
		m.logger.Warnf("Replacing existing data channel for %s", peerID)
	}
	link.channel = &dataChannel{dc: dc}
	link.channelState = ChannelConnecting
	link.mu.Unlock()

	dc.OnOpen(func() {
		m.logger.Debugf("Data channel '%s'-'%d' open", dc.Label(), dc.ID())
		link.setChannelState(ChannelOpen)
		m.notifyStateChange()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.onMessage != nil {
			m.onMessage(peerID, msg.Data, msg.IsString)
		}
	})

	dc.OnError(func(err error) {
		m.logger.Debugf("Data channel error for %s: %v", peerID, err)
		link.setChannelState(ChannelClosed)
		m.notifyStateChange()
	})

	dc.OnClose(func() {
		m.logger.Debugf("Data channel '%s'-'%d' closed", dc.Label(), dc.ID())
		link.setChannelState(ChannelClosed)
		m.notifyStateChange()
	})

	m.notifyStateChange()
}

// HandleRemoteSignal dispatches a routed negotiation payload. Stale answers
// and late candidates are dropped silently.
func (m *Manager) HandleRemoteSignal(from string, data json.RawMessage) error {
	var payload SignalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		m.logger.Debugf("Dropping malformed signal payload from %s: %v", from, err)
		return nil
	}

	switch payload.Type {
	case "offer":
		if payload.SDP == nil {
			return nil
		}
		link, _, err := m.ensureLink(from, false)
		if err != nil {
			return err
		}
		if err := link.pc.SetRemoteDescription(*payload.SDP); err != nil {
			return fmt.Errorf("failed to set remote offer: %w", err)
		}
		answer, err := link.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := link.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		return m.sendPayload(from, SignalPayload{Type: "answer", SDP: &answer})

	case "answer":
		link, ok := m.link(from)
		if !ok || payload.SDP == nil {
			m.logger.Debugf("Dropping answer from %s with no link", from)
			return nil
		}
		if err := link.pc.SetRemoteDescription(*payload.SDP); err != nil {
			return fmt.Errorf("failed to set remote answer: %w", err)
		}
		return nil

	case "candidate":
		link, ok := m.link(from)
		if !ok || payload.Candidate == nil {
			m.logger.Debugf("Dropping candidate from %s with no link", from)
			return nil
		}
		// Late or duplicate candidates are expected and non-fatal.
		if err := link.pc.AddICECandidate(*payload.Candidate); err != nil {
			m.logger.Debugf("Ignoring candidate from %s: %v", from, err)
		}
		return nil

	default:
		m.logger.Debugf("Dropping unknown signal payload type %q from %s", payload.Type, from)
		return nil
	}
}

// Teardown closes the channel then the link for peerID. Idempotent.
func (m *Manager) Teardown(peerID string) {
	link, ok := m.link(peerID)
	if !ok {
		return
	}

	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return
	}
	link.closed = true
	channel := link.channel
	link.channelState = ChannelClosed
	link.linkState = webrtc.PeerConnectionStateClosed
	link.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	_ = link.pc.Close()
	m.notifyStateChange()
}

// TeardownAll closes every tracked link.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Teardown(id)
	}
}

// Channel returns the open-or-connecting channel for peerID.
func (m *Manager) Channel(peerID string) (Channel, bool) {
	link, ok := m.link(peerID)
	if !ok {
		return nil, false
	}
	ch := link.Channel()
	if ch == nil {
		return nil, false
	}
	return ch, true
}

// WaitChannelOpen blocks until peerID's data channel reports open, the
// context is cancelled, or the open timeout elapses. Event-driven; no
// polling.
func (m *Manager) WaitChannelOpen(ctx context.Context, peerID string) error {
	link, ok := m.link(peerID)
	if !ok {
		return fmt.Errorf("no link for peer %s", peerID)
	}

	ctx, cancel := context.WithTimeout(ctx, protocol.ChannelOpenTimeout)
	defer cancel()

	select {
	case <-link.openWaiter():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("channel for peer %s did not open: %w", peerID, ctx.Err())
	}
}

// States snapshots every tracked link's readiness, keyed by peer id.
func (m *Manager) States() map[string]PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]PeerState, len(m.links))
	for id, link := range m.links {
		linkState, channelState := link.State()
		out[id] = PeerState{
			Link:    linkState.String(),
			Channel: channelState,
		}
	}
	return out
}

func (m *Manager) link(peerID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[peerID]
	return link, ok
}

func (m *Manager) sendPayload(to string, payload SignalPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return m.signaler.SendSignal(to, data)
}

func (m *Manager) notifyStateChange() {
	if m.onStateChange != nil {
		m.onStateChange()
	}
}
