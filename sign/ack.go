package sign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/walletcore/rpc"
)

// ErrAckTimeout indicates the peer never responded within the method's
// TTL.
var ErrAckTimeout = errors.New("sign: acknowledgement timed out")

// AckStatus is the outcome of an outbound request that expected a peer
// response.
type AckStatus int

const (
	// AckAcknowledged means the peer answered with a result.
	AckAcknowledged AckStatus = iota

	// AckRejected means the peer answered with a JSON-RPC error.
	AckRejected

	// AckTimedOut means no response arrived before the deadline.
	AckTimedOut

	// AckConnectionLost means the relay connection dropped while the
	// response was outstanding.
	AckConnectionLost
)

func (s AckStatus) String() string {
	switch s {
	case AckAcknowledged:
		return "acknowledged"
	case AckRejected:
		return "rejected"
	case AckTimedOut:
		return "timed out"
	case AckConnectionLost:
		return "connection lost"
	default:
		return "unknown"
	}
}

type ackOutcome struct {
	status AckStatus
	err    error
}

// Acknowledgement resolves once the peer responds to an outbound
// request, or the wait is abandoned.
type Acknowledgement struct {
	ch chan ackOutcome
}

func newAcknowledgement() *Acknowledgement {
	return &Acknowledgement{ch: make(chan ackOutcome, 1)}
}

// Await blocks until the peer responds. The returned error is non-nil
// for every status except AckAcknowledged.
func (a *Acknowledgement) Await(ctx context.Context) (AckStatus, error) {
	select {
	case outcome := <-a.ch:
		return outcome.status, outcome.err
	case <-ctx.Done():
		return AckTimedOut, ctx.Err()
	}
}

func (a *Acknowledgement) resolve(status AckStatus, err error) {
	select {
	case a.ch <- ackOutcome{status: status, err: err}:
	default:
	}
}

// pendingAck tracks one outstanding outbound request. onResult, when
// set, runs on the dispatch goroutine before the acknowledgement
// resolves.
type pendingAck struct {
	ack      *Acknowledgement
	onResult func(*rpc.Response)
	timer    *time.Timer
}

func (e *Engine) trackAck(id int64, ttl time.Duration, onResult func(*rpc.Response)) *Acknowledgement {
	p := &pendingAck{ack: newAcknowledgement(), onResult: onResult}
	p.timer = time.AfterFunc(ttl, func() {
		e.mu.Lock()
		_, live := e.pendingAcks[id]
		delete(e.pendingAcks, id)
		e.mu.Unlock()
		if live {
			p.ack.resolve(AckTimedOut, fmt.Errorf("%w: request %d", ErrAckTimeout, id))
		}
	})
	e.mu.Lock()
	e.pendingAcks[id] = p
	e.mu.Unlock()
	return p.ack
}

// untrackAck abandons an acknowledgement whose request never went out.
func (e *Engine) untrackAck(id int64) {
	e.mu.Lock()
	p, ok := e.pendingAcks[id]
	delete(e.pendingAcks, id)
	e.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// resolveAck matches an inbound response to its outstanding request.
func (e *Engine) resolveAck(resp *rpc.Response) bool {
	e.mu.Lock()
	p, ok := e.pendingAcks[resp.ID]
	delete(e.pendingAcks, resp.ID)
	e.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	if p.onResult != nil {
		p.onResult(resp)
	}
	if resp.Error != nil {
		p.ack.resolve(AckRejected, fmt.Errorf("sign: peer rejected request %d: %w", resp.ID, resp.Error))
		return true
	}
	p.ack.resolve(AckAcknowledged, nil)
	return true
}

// ConnectionLost fails every outstanding acknowledgement. The relayer's
// disconnect callback calls this.
func (e *Engine) ConnectionLost() {
	e.mu.Lock()
	pending := e.pendingAcks
	e.pendingAcks = make(map[int64]*pendingAck)
	e.mu.Unlock()
	for id, p := range pending {
		p.timer.Stop()
		p.ack.resolve(AckConnectionLost, fmt.Errorf("sign: connection lost awaiting response to request %d", id))
	}
}
