// Package messaging is the text sub-protocol on top of peer data channels.
// Delivery is fire-and-forget: a message is recorded locally once the frame
// is handed to the channel, with no acknowledgement.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/peerdrop/peerdrop/internal/session"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

type Message struct {
	ID        string
	PeerID    string
	PeerName  string
	Text      string
	Timestamp time.Time
	Direction Direction
}

// Store keeps the in-memory message history for the current run.
type Store struct {
	onMessage func(Message)

	mu       sync.Mutex
	messages []Message
}

func NewStore(onMessage func(Message)) *Store {
	return &Store{onMessage: onMessage}
}

// Send transmits text to a peer over its channel and records the message.
func (s *Store) Send(peer protocol.PeerInfo, ch session.Channel, text string) (Message, error) {
	if text == "" {
		return Message{}, fmt.Errorf("empty message")
	}
	if ch == nil || !ch.IsOpen() {
		return Message{}, fmt.Errorf("no open channel to %s", peer.ID)
	}

	now := time.Now()
	msg := Message{
		ID:        uuid.NewString(),
		PeerID:    peer.ID,
		PeerName:  peer.Name,
		Text:      text,
		Timestamp: now,
		Direction: DirectionSent,
	}

	frame, err := protocol.EncodeControl(protocol.NewTextMessage(msg.ID, text, now.UnixMilli()))
	if err != nil {
		return Message{}, err
	}
	if err := ch.SendText(frame); err != nil {
		return Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	s.record(msg)
	return msg, nil
}

// HandleFrame records an incoming text-message control frame.
func (s *Store) HandleFrame(peer protocol.PeerInfo, frame *protocol.TextMessage) {
	id := frame.ID
	if id == "" {
		id = uuid.NewString()
	}
	timestamp := time.Now()
	if frame.Timestamp > 0 {
		timestamp = time.UnixMilli(frame.Timestamp)
	}

	s.record(Message{
		ID:        id,
		PeerID:    peer.ID,
		PeerName:  peer.Name,
		Text:      frame.Text,
		Timestamp: timestamp,
		Direction: DirectionReceived,
	})
}

// Messages snapshots the full history in arrival order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// MessagesWith snapshots the history for one peer.
func (s *Store) MessagesWith(peerID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.PeerID == peerID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) record(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.onMessage != nil {
		s.onMessage(msg)
	}
}
