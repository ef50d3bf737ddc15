package session

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Link is one peer connection context per remote peer id, carrying at most
// one data channel.
type Link struct {
	peerID string
	role   Role
	pc     *webrtc.PeerConnection

	mu           sync.Mutex
	channel      Channel
	channelState ChannelState
	linkState    webrtc.PeerConnectionState
	closed       bool
	openWaiters  []chan struct{}
}

func (l *Link) PeerID() string {
	return l.peerID
}

func (l *Link) Role() Role {
	return l.role
}

// Channel returns the adopted channel, or nil while none exists.
func (l *Link) Channel() Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel
}

func (l *Link) State() (webrtc.PeerConnectionState, ChannelState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linkState, l.channelState
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// openWaiter returns a channel closed once the data channel reports open.
// Already-open links get an immediately closed channel.
func (l *Link) openWaiter() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan struct{})
	if l.channelState == ChannelOpen {
		close(ch)
		return ch
	}
	l.openWaiters = append(l.openWaiters, ch)
	return ch
}

func (l *Link) setChannelState(state ChannelState) {
	l.mu.Lock()
	l.channelState = state
	var waiters []chan struct{}
	if state == ChannelOpen {
		waiters = l.openWaiters
		l.openWaiters = nil
	}
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

func (l *Link) setLinkState(state webrtc.PeerConnectionState) {
	l.mu.Lock()
	l.linkState = state
	l.mu.Unlock()
}
