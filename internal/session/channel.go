package session

import (
	"github.com/pion/webrtc/v3"
)

// Channel is the single ordered reliable byte stream per peer link. Control
// frames go out as text frames, chunks as binary frames. The transfer and
// messaging layers consume this interface so they can run against in-memory
// fakes.
type Channel interface {
	// Send transmits a binary frame (one file chunk).
	Send(data []byte) error
	// SendText transmits a text frame (one JSON control frame).
	SendText(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(n uint64)
	OnBufferedAmountLow(fn func())
	IsOpen() bool
	Close() error
}

// dataChannel adapts *webrtc.DataChannel to Channel.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (c *dataChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *dataChannel) SendText(data []byte) error {
	return c.dc.SendText(string(data))
}

func (c *dataChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *dataChannel) SetBufferedAmountLowThreshold(n uint64) {
	c.dc.SetBufferedAmountLowThreshold(n)
}

func (c *dataChannel) OnBufferedAmountLow(fn func()) {
	c.dc.OnBufferedAmountLow(fn)
}

func (c *dataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *dataChannel) Close() error {
	return c.dc.Close()
}

// ChannelState mirrors the data channel readiness lifecycle.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
)
