// Package protocol defines the two wire protocols: the JSON frames exchanged
// with the presence relay over the websocket, and the JSON control frames
// multiplexed with raw binary chunks on the per-peer data channel.
package protocol

import "encoding/json"

type FrameType string

const (
	FrameInit       FrameType = "init"
	FramePeerJoin   FrameType = "peer-join"
	FramePeerLeave  FrameType = "peer-leave"
	FramePeerRename FrameType = "peer-rename"
	FrameSignal     FrameType = "signal"
	FrameRename     FrameType = "rename"
)

// PeerInfo is the relay-assigned identity of a connected client.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Frame is a single relay message, one JSON object per websocket text frame.
type Frame interface {
	FrameType() FrameType
}

// Init is sent to a freshly connected client: its own identity plus the
// current peer list.
type Init struct {
	Type  FrameType  `json:"type"`
	Self  PeerInfo   `json:"self"`
	Peers []PeerInfo `json:"peers"`
}

func (Init) FrameType() FrameType { return FrameInit }

// PeerJoin is broadcast to everyone else when a client connects.
type PeerJoin struct {
	Type FrameType `json:"type"`
	Peer PeerInfo  `json:"peer"`
}

func (PeerJoin) FrameType() FrameType { return FramePeerJoin }

// PeerLeave is broadcast when a client disconnects.
type PeerLeave struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
}

func (PeerLeave) FrameType() FrameType { return FramePeerLeave }

// PeerRename is broadcast, excluding the renamer, after a rename request.
type PeerRename struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
	Name string    `json:"name"`
}

func (PeerRename) FrameType() FrameType { return FramePeerRename }

// Signal routes an opaque session-negotiation payload. Clients send it with
// To set; the relay forwards it with From set. The relay never looks inside
// Data.
type Signal struct {
	Type FrameType       `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data"`
}

func (Signal) FrameType() FrameType { return FrameSignal }

// Rename asks the relay for a new display name.
type Rename struct {
	Type FrameType `json:"type"`
	Name string    `json:"name"`
}

func (Rename) FrameType() FrameType { return FrameRename }

func NewInit(self PeerInfo, peers []PeerInfo) *Init {
	if peers == nil {
		peers = []PeerInfo{}
	}
	return &Init{Type: FrameInit, Self: self, Peers: peers}
}

func NewPeerJoin(peer PeerInfo) *PeerJoin {
	return &PeerJoin{Type: FramePeerJoin, Peer: peer}
}

func NewPeerLeave(id string) *PeerLeave {
	return &PeerLeave{Type: FramePeerLeave, ID: id}
}

func NewPeerRename(id, name string) *PeerRename {
	return &PeerRename{Type: FramePeerRename, ID: id, Name: name}
}

func NewSignal(to string, data json.RawMessage) *Signal {
	return &Signal{Type: FrameSignal, To: to, Data: data}
}

func NewRoutedSignal(from string, data json.RawMessage) *Signal {
	return &Signal{Type: FrameSignal, From: from, Data: data}
}

func NewRename(name string) *Rename {
	return &Rename{Type: FrameRename, Name: name}
}
