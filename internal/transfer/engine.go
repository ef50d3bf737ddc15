// Package transfer implements the file transfer state machine layered on one
// ordered byte-stream channel per peer: offer/accept/decline, chunked
// streaming with backpressure, completion, and cooperative cancellation.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/peerdrop/peerdrop/internal/session"
	"github.com/sirupsen/logrus"
)

const busyReason = "busy with another transfer"

type Config struct {
	Logger   *logrus.Logger
	OnChange func()

	// OfferTimeout and DrainTimeout default to the protocol constants;
	// tests shrink them.
	OfferTimeout time.Duration
	DrainTimeout time.Duration
}

// receiveState buffers chunks for one incoming transfer.
type receiveState struct {
	transferID string
	peerID     string
	channel    session.Channel
	chunks     [][]byte
	bytes      int64
}

type Engine struct {
	logger       *logrus.Logger
	onChange     func()
	offerTimeout time.Duration
	drainTimeout time.Duration

	mu        sync.Mutex
	transfers map[string]*Transfer
	order     []string
	waiters   map[string]chan bool
	cancels   map[string]chan struct{}
	pending   map[string]*receiveState // by transfer id, offered not yet accepted
	active    map[string]*receiveState // by peer id, exactly one receiving transfer per peer
	results   map[string][]byte
}

func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	offerTimeout := cfg.OfferTimeout
	if offerTimeout == 0 {
		offerTimeout = protocol.OfferTimeout
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = protocol.DrainTimeout
	}

	return &Engine{
		logger:       logger,
		onChange:     cfg.OnChange,
		offerTimeout: offerTimeout,
		drainTimeout: drainTimeout,
		transfers:    make(map[string]*Transfer),
		waiters:      make(map[string]chan bool),
		cancels:      make(map[string]chan struct{}),
		pending:      make(map[string]*receiveState),
		active:       make(map[string]*receiveState),
		results:      make(map[string][]byte),
	}
}

// Transfers snapshots all known transfers, newest first.
func (e *Engine) Transfers() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Transfer, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, *e.transfers[e.order[i]])
	}
	return out
}

func (e *Engine) Get(id string) (Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	return *t, true
}

// Result returns the assembled bytes of a completed incoming transfer.
func (e *Engine) Result(id string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.results[id]
	return data, ok
}

// SendRequest describes one outgoing file.
type SendRequest struct {
	Peer     protocol.PeerInfo
	Channel  session.Channel
	FileName string
	Mime     string
	Size     int64
	Data     io.Reader

	// Progress, when set, is called after every chunk.
	Progress func(sent, total int64)
}

// SendFile runs one transfer to completion: offer, wait for accept/decline/
// timeout, then stream fixed-size chunks in order. It returns the transfer
// id and the terminal error, if any. Cancellation is cooperative: Cancel
// flips a flag observed at each chunk boundary.
func (e *Engine) SendFile(ctx context.Context, req SendRequest) (string, error) {
	id := uuid.NewString()
	mime := req.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}

	cancelCh := make(chan struct{})
	waiter := make(chan bool, 1)

	e.mu.Lock()
	e.addTransferLocked(&Transfer{
		ID:        id,
		PeerID:    req.Peer.ID,
		PeerName:  req.Peer.Name,
		FileName:  req.FileName,
		Mime:      mime,
		Size:      req.Size,
		Direction: DirectionSend,
		Status:    StatusPending,
	})
	e.waiters[id] = waiter
	e.cancels[id] = cancelCh
	e.mu.Unlock()
	e.notify()

	err := e.runSend(ctx, id, mime, cancelCh, waiter, req)

	e.mu.Lock()
	delete(e.waiters, id)
	delete(e.cancels, id)
	e.mu.Unlock()

	return id, err
}

func (e *Engine) runSend(ctx context.Context, id, mime string, cancelCh chan struct{}, waiter chan bool, req SendRequest) error {
	offer, err := protocol.EncodeControl(protocol.NewFileOffer(id, req.FileName, req.Size, mime))
	if err != nil {
		e.fail(id, err.Error())
		return err
	}
	if err := req.Channel.SendText(offer); err != nil {
		e.fail(id, err.Error())
		return fmt.Errorf("failed to send offer: %w", err)
	}

	accepted, err := e.awaitAnswer(ctx, id, waiter)
	if err != nil {
		return err
	}
	if !accepted {
		// Status and reason were already set by the decline or timeout path.
		return nil
	}

	e.setStatus(id, StatusInProgress, "")

	var offset int64
	buf := make([]byte, protocol.ChunkSize)
	for offset < req.Size {
		select {
		case <-cancelCh:
			e.sendCancelFrame(req.Channel, id, "")
			e.setStatus(id, StatusCanceled, "")
			return nil
		case <-ctx.Done():
			e.sendCancelFrame(req.Channel, id, ctx.Err().Error())
			e.setStatus(id, StatusCanceled, ctx.Err().Error())
			return nil
		default:
		}

		// A late decline or remote cancel lands as a terminal status between
		// chunk iterations; stop streaming without sending anything further.
		if t, ok := e.Get(id); ok && t.Status.IsTerminal() {
			return nil
		}

		chunk := buf
		if remaining := req.Size - offset; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		if _, err := io.ReadFull(req.Data, chunk); err != nil {
			e.fail(id, fmt.Sprintf("failed to read source: %v", err))
			return fmt.Errorf("failed to read source: %w", err)
		}

		if !req.Channel.IsOpen() {
			e.fail(id, "channel closed")
			return fmt.Errorf("channel closed")
		}

		e.waitForDrain(req.Channel, cancelCh)

		if err := req.Channel.Send(chunk); err != nil {
			e.fail(id, err.Error())
			return fmt.Errorf("failed to send chunk: %w", err)
		}
		offset += int64(len(chunk))
		e.setBytes(id, offset)
		if req.Progress != nil {
			req.Progress(offset, req.Size)
		}
	}

	complete, err := protocol.EncodeControl(protocol.NewFileComplete(id))
	if err != nil {
		e.fail(id, err.Error())
		return err
	}
	if err := req.Channel.SendText(complete); err != nil {
		e.fail(id, err.Error())
		return fmt.Errorf("failed to send completion: %w", err)
	}

	e.setStatus(id, StatusCompleted, "")
	return nil
}

// awaitAnswer blocks on accept/decline, the offer timeout, or context
// cancellation. A timed-out offer is treated exactly like a decline, once:
// the waiter is deregistered, so a late accept finds nothing to resurrect.
func (e *Engine) awaitAnswer(ctx context.Context, id string, waiter chan bool) (bool, error) {
	timer := time.NewTimer(e.offerTimeout)
	defer timer.Stop()

	select {
	case accepted := <-waiter:
		if !accepted {
			e.setStatus(id, StatusCanceled, e.declineReason(id))
		}
		return accepted, nil

	case <-timer.C:
		e.mu.Lock()
		_, present := e.waiters[id]
		delete(e.waiters, id)
		e.mu.Unlock()
		if present {
			e.setStatus(id, StatusCanceled, "offer timed out")
			return false, nil
		}
		// The answer raced the timer; drain it.
		accepted := <-waiter
		if !accepted {
			e.setStatus(id, StatusCanceled, e.declineReason(id))
		}
		return accepted, nil

	case <-ctx.Done():
		e.mu.Lock()
		delete(e.waiters, id)
		e.mu.Unlock()
		e.setStatus(id, StatusCanceled, ctx.Err().Error())
		return false, nil
	}
}

// waitForDrain pauses while the channel's buffered amount is above the high
// water mark, resuming on the low-water event or a short fallback timeout.
func (e *Engine) waitForDrain(ch session.Channel, cancelCh chan struct{}) {
	if ch.BufferedAmount() <= protocol.SendHighWaterMark {
		return
	}

	low := make(chan struct{}, 1)
	ch.SetBufferedAmountLowThreshold(protocol.SendLowWaterMark)
	ch.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})

	timer := time.NewTimer(e.drainTimeout)
	defer timer.Stop()

	select {
	case <-low:
	case <-timer.C:
	case <-cancelCh:
	}
}

// Cancel requests cooperative cancellation of an outgoing transfer. The
// chunk loop observes it at the next boundary.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[id]
	if !ok {
		return fmt.Errorf("unknown transfer %s", id)
	}
	if t.Direction != DirectionSend {
		return fmt.Errorf("transfer %s is not an outgoing transfer", id)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	cancelCh, ok := e.cancels[id]
	if !ok {
		return nil
	}
	select {
	case <-cancelCh:
	default:
		close(cancelCh)
	}
	return nil
}

// Accept agrees to a pending incoming offer and arms the chunk sink.
func (e *Engine) Accept(id string) error {
	e.mu.Lock()
	state, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no pending offer %s", id)
	}
	if state.channel == nil || !state.channel.IsOpen() {
		e.mu.Unlock()
		return fmt.Errorf("channel not open for transfer %s", id)
	}
	delete(e.pending, id)
	e.active[state.peerID] = state
	e.setStatusLocked(id, StatusInProgress, "")
	e.mu.Unlock()

	frame, err := protocol.EncodeControl(protocol.NewFileAccept(id))
	if err != nil {
		return err
	}
	if err := state.channel.SendText(frame); err != nil {
		return fmt.Errorf("failed to send accept: %w", err)
	}
	e.notify()
	return nil
}

// Decline refuses a pending incoming offer.
func (e *Engine) Decline(id, reason string) error {
	e.mu.Lock()
	state, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no pending offer %s", id)
	}
	delete(e.pending, id)
	if reason == "" {
		reason = "declined"
	}
	e.setStatusLocked(id, StatusCanceled, reason)
	e.mu.Unlock()

	if state.channel != nil && state.channel.IsOpen() {
		if frame, err := protocol.EncodeControl(protocol.NewFileDecline(id, reason)); err == nil {
			_ = state.channel.SendText(frame)
		}
	}
	e.notify()
	return nil
}

// HandleControl processes one control frame from a peer's channel.
func (e *Engine) HandleControl(peer protocol.PeerInfo, ch session.Channel, ctrl protocol.Control) {
	switch c := ctrl.(type) {
	case *protocol.FileOffer:
		e.handleOffer(peer, ch, c)
	case *protocol.FileMeta:
		e.handleLegacyMeta(peer, ch, c)
	case *protocol.FileAccept:
		e.handleAccept(c.ID)
	case *protocol.FileDecline:
		e.handleDecline(c.ID, c.Reason)
	case *protocol.FileComplete:
		e.handleComplete(peer.ID, c.ID)
	case *protocol.FileCancel:
		e.handleCancel(peer.ID, c.ID, c.Reason)
	case *protocol.Ping:
		// keepalive, nothing to do
	default:
		e.logger.Debugf("Ignoring control frame %s from %s", ctrl.ControlKind(), peer.ID)
	}
}

// HandleBinary attributes a raw chunk to the peer's single active receive.
// Chunks with no active receive are dropped.
func (e *Engine) HandleBinary(peerID string, data []byte) {
	e.mu.Lock()
	state, ok := e.active[peerID]
	if !ok {
		e.mu.Unlock()
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	state.chunks = append(state.chunks, chunk)
	state.bytes += int64(len(chunk))
	if t, exists := e.transfers[state.transferID]; exists {
		t.Bytes = state.bytes
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleOffer(peer protocol.PeerInfo, ch session.Channel, offer *protocol.FileOffer) {
	e.mu.Lock()
	if e.peerBusyLocked(peer.ID) {
		e.mu.Unlock()
		e.logger.Debugf("Auto-declining offer %s from busy peer %s", offer.ID, peer.ID)
		if frame, err := protocol.EncodeControl(protocol.NewFileDecline(offer.ID, busyReason)); err == nil {
			_ = ch.SendText(frame)
		}
		return
	}

	e.pending[offer.ID] = &receiveState{
		transferID: offer.ID,
		peerID:     peer.ID,
		channel:    ch,
	}
	e.addTransferLocked(&Transfer{
		ID:        offer.ID,
		PeerID:    peer.ID,
		PeerName:  peer.Name,
		FileName:  offer.Name,
		Mime:      offer.Mime,
		Size:      offer.Size,
		Direction: DirectionReceive,
		Status:    StatusPending,
	})
	e.mu.Unlock()
	e.notify()
}

// handleLegacyMeta supports older senders that stream without waiting for an
// accept: the receive is armed immediately.
func (e *Engine) handleLegacyMeta(peer protocol.PeerInfo, ch session.Channel, meta *protocol.FileMeta) {
	e.mu.Lock()
	if e.peerBusyLocked(peer.ID) {
		e.mu.Unlock()
		e.logger.Debugf("Dropping legacy file-meta %s from busy peer %s", meta.ID, peer.ID)
		return
	}

	e.active[peer.ID] = &receiveState{
		transferID: meta.ID,
		peerID:     peer.ID,
		channel:    ch,
	}
	e.addTransferLocked(&Transfer{
		ID:        meta.ID,
		PeerID:    peer.ID,
		PeerName:  peer.Name,
		FileName:  meta.Name,
		Mime:      meta.Mime,
		Size:      meta.Size,
		Direction: DirectionReceive,
		Status:    StatusInProgress,
	})
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleAccept(id string) {
	e.mu.Lock()
	waiter, ok := e.waiters[id]
	if ok {
		delete(e.waiters, id)
	}
	e.mu.Unlock()

	if !ok {
		// Late accept after timeout; the transfer stays canceled.
		e.logger.Debugf("Dropping accept for %s with no waiter", id)
		return
	}
	waiter <- true
}

func (e *Engine) handleDecline(id, reason string) {
	if reason == "" {
		reason = "declined by recipient"
	}

	e.mu.Lock()
	waiter, hasWaiter := e.waiters[id]
	if hasWaiter {
		delete(e.waiters, id)
	}
	if t, ok := e.transfers[id]; ok {
		t.declineReason = reason
	}
	e.mu.Unlock()

	if hasWaiter {
		waiter <- false
		return
	}

	// No waiter registered; mark the transfer canceled directly.
	e.setStatus(id, StatusCanceled, reason)
}

func (e *Engine) handleComplete(peerID, id string) {
	e.mu.Lock()
	state, ok := e.active[peerID]
	if !ok || state.transferID != id {
		e.mu.Unlock()
		e.logger.Debugf("Dropping completion for %s with no active receive", id)
		return
	}
	delete(e.active, peerID)

	assembled := make([]byte, 0, state.bytes)
	for _, chunk := range state.chunks {
		assembled = append(assembled, chunk...)
	}
	e.results[id] = assembled
	if t, exists := e.transfers[id]; exists {
		t.Bytes = state.bytes
	}
	e.setStatusLocked(id, StatusCompleted, "")
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleCancel(peerID, id, reason string) {
	e.mu.Lock()
	if state, ok := e.active[peerID]; ok && state.transferID == id {
		// Discard the partial buffer.
		delete(e.active, peerID)
	}
	delete(e.pending, id)
	if reason == "" {
		reason = "canceled by sender"
	}
	e.setStatusLocked(id, StatusCanceled, reason)
	e.mu.Unlock()
	e.notify()
}

// peerBusyLocked reports whether a receive is already pending or active for
// the peer. The protocol allows one receiving transfer per link at a time.
func (e *Engine) peerBusyLocked(peerID string) bool {
	if _, ok := e.active[peerID]; ok {
		return true
	}
	for _, state := range e.pending {
		if state.peerID == peerID {
			return true
		}
	}
	return false
}

func (e *Engine) addTransferLocked(t *Transfer) {
	e.transfers[t.ID] = t
	e.order = append(e.order, t.ID)
}

func (e *Engine) declineReason(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.transfers[id]; ok && t.declineReason != "" {
		return t.declineReason
	}
	return "declined by recipient"
}

// setStatus transitions a transfer unless it already reached a terminal
// status.
func (e *Engine) setStatus(id string, status Status, errMsg string) {
	e.mu.Lock()
	e.setStatusLocked(id, status, errMsg)
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) setStatusLocked(id string, status Status, errMsg string) {
	t, ok := e.transfers[id]
	if !ok || t.Status.IsTerminal() {
		return
	}
	t.Status = status
	t.Error = errMsg
}

func (e *Engine) setBytes(id string, bytes int64) {
	e.mu.Lock()
	if t, ok := e.transfers[id]; ok {
		t.Bytes = bytes
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) fail(id, msg string) {
	e.setStatus(id, StatusError, msg)
}

func (e *Engine) sendCancelFrame(ch session.Channel, id, reason string) {
	frame, err := protocol.EncodeControl(protocol.NewFileCancel(id, reason))
	if err != nil {
		return
	}
	if err := ch.SendText(frame); err != nil {
		e.logger.Debugf("Failed to send cancel for %s: %v", id, err)
	}
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}
