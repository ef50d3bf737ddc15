package protocol

import "time"

const (
	// ChunkSize is the fixed size of a file chunk sent as one binary frame.
	ChunkSize = 64 * 1024

	// SendHighWaterMark pauses the chunk loop while the channel's buffered
	// byte count is above it.
	SendHighWaterMark = 1_000_000

	// SendLowWaterMark is the buffered-amount-low threshold armed while the
	// sender is paused.
	SendLowWaterMark = 512_000

	// DrainTimeout bounds a backpressure pause when the low-water event
	// never fires.
	DrainTimeout = 100 * time.Millisecond

	// OfferTimeout is how long a sender waits for file-accept or
	// file-decline before treating the offer as declined.
	OfferTimeout = 30 * time.Second

	// ChannelOpenTimeout bounds the wait for a data channel to report open.
	ChannelOpenTimeout = 10 * time.Second

	// DefaultRelayPort is the relay listen port when PORT is unset.
	DefaultRelayPort = 3001
)
