package transfer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/sirupsen/logrus"
)

// fakeChannel is an in-memory stand-in for a data channel. Frames are
// delivered synchronously to the wired handlers.
type fakeChannel struct {
	mu           sync.Mutex
	open         bool
	buffered     uint64
	lowThreshold uint64
	lowFn        func()
	onLowArmed   func(c *fakeChannel)
	onText       func(data []byte)
	onBinary     func(data []byte)
	textFrames   [][]byte
	binaryFrames [][]byte
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{open: true}
}

func (c *fakeChannel) Send(data []byte) error {
	frame := append([]byte(nil), data...)
	c.mu.Lock()
	c.binaryFrames = append(c.binaryFrames, frame)
	deliver := c.onBinary
	c.mu.Unlock()
	if deliver != nil {
		deliver(frame)
	}
	return nil
}

func (c *fakeChannel) SendText(data []byte) error {
	frame := append([]byte(nil), data...)
	c.mu.Lock()
	c.textFrames = append(c.textFrames, frame)
	deliver := c.onText
	c.mu.Unlock()
	if deliver != nil {
		deliver(frame)
	}
	return nil
}

func (c *fakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) SetBufferedAmountLowThreshold(n uint64) {
	c.mu.Lock()
	c.lowThreshold = n
	c.mu.Unlock()
}

func (c *fakeChannel) OnBufferedAmountLow(fn func()) {
	c.mu.Lock()
	c.lowFn = fn
	armed := c.onLowArmed
	c.mu.Unlock()
	if armed != nil {
		go armed(c)
	}
}

func (c *fakeChannel) setBuffered(n uint64) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *fakeChannel) threshold() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowThreshold
}

func (c *fakeChannel) fireLow() {
	c.mu.Lock()
	fn := c.lowFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) controlFrames(t *testing.T, kind protocol.ControlKind) []protocol.Control {
	t.Helper()
	c.mu.Lock()
	frames := make([][]byte, len(c.textFrames))
	copy(frames, c.textFrames)
	c.mu.Unlock()

	var out []protocol.Control
	for _, frame := range frames {
		ctrl, err := protocol.DecodeControl(frame)
		if err != nil {
			t.Fatalf("Failed to decode control frame: %v", err)
		}
		if ctrl.ControlKind() == kind {
			out = append(out, ctrl)
		}
	}
	return out
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// enginePair wires two engines over a fake channel pair with synchronous
// delivery. onOffer, when set, runs on every offer the receiver sees.
type enginePair struct {
	sender       *Engine
	receiver     *Engine
	senderInfo   protocol.PeerInfo
	receiverInfo protocol.PeerInfo
	senderCh     *fakeChannel
	receiverCh   *fakeChannel

	onOffer func(p *enginePair, offer *protocol.FileOffer)
}

func newEnginePair(t *testing.T, senderCfg Config) *enginePair {
	t.Helper()

	if senderCfg.Logger == nil {
		senderCfg.Logger = quietLogger()
	}
	p := &enginePair{
		sender:       NewEngine(senderCfg),
		receiver:     NewEngine(Config{Logger: quietLogger()}),
		senderInfo:   protocol.PeerInfo{ID: "sender", Name: "brave-otter"},
		receiverInfo: protocol.PeerInfo{ID: "receiver", Name: "calm-heron"},
		senderCh:     newFakeChannel(),
		receiverCh:   newFakeChannel(),
	}

	p.senderCh.onText = func(data []byte) {
		ctrl, err := protocol.DecodeControl(data)
		if err != nil {
			t.Errorf("Sender emitted undecodable control frame: %v", err)
			return
		}
		if offer, ok := ctrl.(*protocol.FileOffer); ok && p.onOffer != nil {
			p.receiver.HandleControl(p.senderInfo, p.receiverCh, ctrl)
			p.onOffer(p, offer)
			return
		}
		p.receiver.HandleControl(p.senderInfo, p.receiverCh, ctrl)
	}
	p.senderCh.onBinary = func(data []byte) {
		p.receiver.HandleBinary(p.senderInfo.ID, data)
	}
	p.receiverCh.onText = func(data []byte) {
		ctrl, err := protocol.DecodeControl(data)
		if err != nil {
			t.Errorf("Receiver emitted undecodable control frame: %v", err)
			return
		}
		p.sender.HandleControl(p.receiverInfo, p.senderCh, ctrl)
	}

	return p
}

func (p *enginePair) sendFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	id, err := p.sender.SendFile(context.Background(), SendRequest{
		Peer:     p.receiverInfo,
		Channel:  p.senderCh,
		FileName: name,
		Mime:     "application/octet-stream",
		Size:     int64(len(data)),
		Data:     bytes.NewReader(data),
	})
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	return id
}

func acceptOffers(p *enginePair, offer *protocol.FileOffer) {
	_ = p.receiver.Accept(offer.ID)
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, protocol.ChunkSize, 150000}

	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		p := newEnginePair(t, Config{})
		p.onOffer = acceptOffers

		id := p.sendFile(t, "blob.bin", payload)

		sent, ok := p.sender.Get(id)
		if !ok {
			t.Fatalf("size %d: sender lost the transfer", size)
		}
		if sent.Status != StatusCompleted {
			t.Errorf("size %d: sender status = %q, want completed (%s)", size, sent.Status, sent.Error)
		}
		if sent.Bytes != int64(size) {
			t.Errorf("size %d: sender bytes = %d", size, sent.Bytes)
		}

		received, ok := p.receiver.Get(id)
		if !ok {
			t.Fatalf("size %d: receiver never recorded the transfer", size)
		}
		if received.Status != StatusCompleted {
			t.Errorf("size %d: receiver status = %q", size, received.Status)
		}
		if received.Direction != DirectionReceive {
			t.Errorf("size %d: receiver direction = %q", size, received.Direction)
		}

		result, ok := p.receiver.Result(id)
		if !ok {
			t.Fatalf("size %d: no assembled result", size)
		}
		if !bytes.Equal(result, payload) {
			t.Errorf("size %d: assembled bytes differ from the source", size)
		}
	}
}

func TestDeclineBeforeChunks(t *testing.T) {
	p := newEnginePair(t, Config{})
	p.onOffer = func(p *enginePair, offer *protocol.FileOffer) {
		if err := p.receiver.Decline(offer.ID, "no thanks"); err != nil {
			t.Errorf("Decline failed: %v", err)
		}
	}

	id := p.sendFile(t, "blob.bin", make([]byte, 500))

	sent, _ := p.sender.Get(id)
	if sent.Status != StatusCanceled {
		t.Errorf("Sender status = %q, want canceled", sent.Status)
	}
	if sent.Error != "no thanks" {
		t.Errorf("Sender reason = %q, want the peer's stated reason", sent.Error)
	}
	if sent.Bytes != 0 {
		t.Errorf("Sender reported %d bytes for a declined transfer", sent.Bytes)
	}
	if len(p.senderCh.binaryFrames) != 0 {
		t.Errorf("Sent %d binary frames before acceptance", len(p.senderCh.binaryFrames))
	}
}

func TestOfferTimeout(t *testing.T) {
	p := newEnginePair(t, Config{OfferTimeout: 30 * time.Millisecond})
	// No onOffer: the receiver never answers.
	p.senderCh.onText = nil

	id := p.sendFile(t, "blob.bin", make([]byte, 100))

	sent, _ := p.sender.Get(id)
	if sent.Status != StatusCanceled {
		t.Fatalf("Sender status = %q, want canceled", sent.Status)
	}
	if sent.Error != "offer timed out" {
		t.Errorf("Sender reason = %q", sent.Error)
	}

	// A late accept finds no waiter and must not resurrect the transfer.
	p.sender.HandleControl(p.receiverInfo, p.senderCh, protocol.NewFileAccept(id))

	sent, _ = p.sender.Get(id)
	if sent.Status != StatusCanceled {
		t.Errorf("Late accept changed status to %q", sent.Status)
	}
	if len(p.senderCh.binaryFrames) != 0 {
		t.Errorf("Sent %d binary frames after timeout", len(p.senderCh.binaryFrames))
	}
}

func TestCancelMidTransfer(t *testing.T) {
	p := newEnginePair(t, Config{})

	var transferID string
	p.onOffer = func(p *enginePair, offer *protocol.FileOffer) {
		transferID = offer.ID
		_ = p.receiver.Accept(offer.ID)
	}

	payload := make([]byte, 200000)
	canceled := false
	id, err := p.sender.SendFile(context.Background(), SendRequest{
		Peer:     p.receiverInfo,
		Channel:  p.senderCh,
		FileName: "big.bin",
		Size:     int64(len(payload)),
		Data:     bytes.NewReader(payload),
		Progress: func(sent, total int64) {
			if !canceled {
				canceled = true
				if err := p.sender.Cancel(transferID); err != nil {
					t.Errorf("Cancel failed: %v", err)
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	sent, _ := p.sender.Get(id)
	if sent.Status != StatusCanceled {
		t.Fatalf("Sender status = %q, want canceled", sent.Status)
	}
	if sent.Bytes >= int64(len(payload)) {
		t.Errorf("Canceled transfer sent all %d bytes", sent.Bytes)
	}

	cancels := p.senderCh.controlFrames(t, protocol.KindFileCancel)
	if len(cancels) != 1 {
		t.Fatalf("Sent %d file-cancel frames, want exactly 1", len(cancels))
	}

	received, ok := p.receiver.Get(id)
	if !ok {
		t.Fatal("Receiver never recorded the transfer")
	}
	if received.Status != StatusCanceled {
		t.Errorf("Receiver status = %q, want canceled", received.Status)
	}
	if _, ok := p.receiver.Result(id); ok {
		t.Error("Receiver kept a result for a canceled transfer")
	}
}

// TestBackpressureResumesOnLowWater fills the channel past the high water
// mark so the chunk loop must pause, then drains it through the low-water
// callback and checks the loop resumed well before the fallback timeout.
func TestBackpressureResumesOnLowWater(t *testing.T) {
	p := newEnginePair(t, Config{DrainTimeout: 5 * time.Second})
	p.onOffer = acceptOffers

	p.senderCh.setBuffered(protocol.SendHighWaterMark + 1)
	p.senderCh.onLowArmed = func(c *fakeChannel) {
		c.setBuffered(protocol.SendLowWaterMark / 2)
		c.fireLow()
	}

	start := time.Now()
	id := p.sendFile(t, "big.bin", make([]byte, 2*protocol.ChunkSize))
	elapsed := time.Since(start)

	sent, _ := p.sender.Get(id)
	if sent.Status != StatusCompleted {
		t.Fatalf("Sender status = %q (%s)", sent.Status, sent.Error)
	}
	if got := p.senderCh.threshold(); got != protocol.SendLowWaterMark {
		t.Errorf("Low water threshold = %d, want %d", got, protocol.SendLowWaterMark)
	}
	if elapsed >= 5*time.Second {
		t.Errorf("Transfer took %v, low-water callback did not resume the loop", elapsed)
	}
	if len(p.senderCh.binaryFrames) != 2 {
		t.Errorf("Sent %d chunks, want 2", len(p.senderCh.binaryFrames))
	}
}

// TestBackpressureFallsBackToTimeout keeps the buffered amount above the high
// water mark with no low-water event, so every chunk waits out the fallback.
func TestBackpressureFallsBackToTimeout(t *testing.T) {
	drain := 20 * time.Millisecond
	p := newEnginePair(t, Config{DrainTimeout: drain})
	p.onOffer = acceptOffers

	p.senderCh.setBuffered(protocol.SendHighWaterMark + 1)

	start := time.Now()
	id := p.sendFile(t, "big.bin", make([]byte, 2*protocol.ChunkSize))
	elapsed := time.Since(start)

	sent, _ := p.sender.Get(id)
	if sent.Status != StatusCompleted {
		t.Fatalf("Sender status = %q (%s)", sent.Status, sent.Error)
	}
	if got := p.senderCh.threshold(); got != protocol.SendLowWaterMark {
		t.Errorf("Low water threshold = %d, want %d", got, protocol.SendLowWaterMark)
	}
	// One fallback pause per chunk.
	if elapsed < 2*drain {
		t.Errorf("Transfer took %v, expected at least %v of fallback pauses", elapsed, 2*drain)
	}
}

func TestSecondOfferAutoDeclined(t *testing.T) {
	recv := NewEngine(Config{Logger: quietLogger()})
	ch := newFakeChannel()
	peer := protocol.PeerInfo{ID: "sender", Name: "brave-otter"}

	recv.HandleControl(peer, ch, protocol.NewFileOffer("t-1", "one.bin", 10, "application/octet-stream"))
	recv.HandleControl(peer, ch, protocol.NewFileOffer("t-2", "two.bin", 10, "application/octet-stream"))

	declines := ch.controlFrames(t, protocol.KindFileDecline)
	if len(declines) != 1 {
		t.Fatalf("Got %d decline frames, want 1", len(declines))
	}
	decline := declines[0].(*protocol.FileDecline)
	if decline.ID != "t-2" {
		t.Errorf("Declined %q, want the second offer", decline.ID)
	}
	if decline.Reason != busyReason {
		t.Errorf("Decline reason = %q", decline.Reason)
	}

	if _, ok := recv.Get("t-2"); ok {
		t.Error("Auto-declined offer was recorded as a transfer")
	}
	first, ok := recv.Get("t-1")
	if !ok || first.Status != StatusPending {
		t.Error("First offer should stay pending")
	}
}

func TestBinaryWithoutActiveReceiveDropped(t *testing.T) {
	recv := NewEngine(Config{Logger: quietLogger()})

	recv.HandleBinary("ghost", []byte("stray chunk"))

	if n := len(recv.Transfers()); n != 0 {
		t.Errorf("Stray chunk created %d transfers", n)
	}
}

func TestLegacyMetaStreamsWithoutAccept(t *testing.T) {
	recv := NewEngine(Config{Logger: quietLogger()})
	ch := newFakeChannel()
	peer := protocol.PeerInfo{ID: "sender", Name: "brave-otter"}

	meta := &protocol.FileMeta{Kind: protocol.KindFileMeta, ID: "legacy-1", Name: "old.bin", Size: 6, Mime: "application/octet-stream"}
	recv.HandleControl(peer, ch, meta)

	tr, ok := recv.Get("legacy-1")
	if !ok {
		t.Fatal("Legacy meta not recorded")
	}
	if tr.Status != StatusInProgress {
		t.Errorf("Status = %q, want in-progress without an accept", tr.Status)
	}
	if len(ch.textFrames) != 0 {
		t.Errorf("Sent %d frames in response to legacy meta", len(ch.textFrames))
	}

	recv.HandleBinary(peer.ID, []byte("abc"))
	recv.HandleBinary(peer.ID, []byte("def"))
	recv.HandleControl(peer, ch, protocol.NewFileComplete("legacy-1"))

	result, ok := recv.Result("legacy-1")
	if !ok {
		t.Fatal("No assembled result for legacy transfer")
	}
	if string(result) != "abcdef" {
		t.Errorf("Assembled %q", result)
	}
}

func TestAcceptUnknownOffer(t *testing.T) {
	recv := NewEngine(Config{Logger: quietLogger()})
	if err := recv.Accept("nope"); err == nil {
		t.Error("Expected error accepting an unknown offer")
	}
	if err := recv.Decline("nope", ""); err == nil {
		t.Error("Expected error declining an unknown offer")
	}
}

func TestCancelIsSendOnly(t *testing.T) {
	recv := NewEngine(Config{Logger: quietLogger()})
	ch := newFakeChannel()
	peer := protocol.PeerInfo{ID: "sender"}
	recv.HandleControl(peer, ch, protocol.NewFileOffer("t-1", "one.bin", 10, ""))

	if err := recv.Cancel("t-1"); err == nil {
		t.Error("Expected error canceling an incoming transfer")
	}
}

func TestTransfersNewestFirst(t *testing.T) {
	recv := NewEngine(Config{Logger: quietLogger()})
	chA := newFakeChannel()
	chB := newFakeChannel()

	recv.HandleControl(protocol.PeerInfo{ID: "a"}, chA, protocol.NewFileOffer("t-1", "one.bin", 10, ""))
	recv.HandleControl(protocol.PeerInfo{ID: "b"}, chB, protocol.NewFileOffer("t-2", "two.bin", 10, ""))

	transfers := recv.Transfers()
	if len(transfers) != 2 {
		t.Fatalf("Got %d transfers", len(transfers))
	}
	if transfers[0].ID != "t-2" || transfers[1].ID != "t-1" {
		t.Errorf("Order = [%s %s], want newest first", transfers[0].ID, transfers[1].ID)
	}
}
