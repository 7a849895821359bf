// Package stream implements the per-client frame pump that carries
// screencast JPEGs from a browser session to its WebSocket peer. It is the
// sole place outbound frame ordering and backpressure are handled.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserstream-go/internal/types"
)

const largeFrameWarnBytes = 100 * 1024

// Frame is one screencast frame awaiting delivery. SessionID is the CDP
// per-frame acknowledgement id, unrelated to the client's session.
type Frame struct {
	Data      []byte
	SessionID int
}

// frameEnvelope is the wire shape of an outbound frame. Data marshals to
// base64 automatically, giving the client its JPEG in the same encoding the
// CDP screencast event carried it in.
type frameEnvelope struct {
	Type      string `json:"type"`
	Data      []byte `json:"data"`
	SessionID int    `json:"sessionId"`
}

// Acker acknowledges a delivered screencast frame back to the browser so
// the CDP server resumes producing frames. Ack must be called exactly once
// per frame regardless of whether the frame reached the client.
type Acker interface {
	Ack(sessionID int) error
}

// UnhealthyMarker flips a session's health flag when the pump observes the
// underlying CDP channel has broken.
type UnhealthyMarker interface {
	MarkUnhealthy()
}

// Conn is the subset of *websocket.Conn the pump needs, kept as an
// interface so tests can substitute a recorder.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
}

// Pump is a bounded FIFO frame queue for one client connection. Sends are
// serialized by an atomic isSending guard so frames reach the wire in
// arrival order even though OnFrame is invoked from the CDP event
// goroutine while drain may be re-entered from a retry timer.
type Pump struct {
	clientID string
	acker    Acker
	marker   UnhealthyMarker

	capacity     int
	bufferWaterM int64

	mu     sync.Mutex
	queue  []Frame
	queued int64 // sum of Data lengths currently queued, our stand-in for an outbound socket buffer
	conn   Conn

	isSending atomic.Bool

	acked   atomic.Int64
	dropped atomic.Int64

	closed atomic.Bool
}

// New builds a Pump for clientID. conn may be nil initially and attached
// later via SetConn once the WebSocket upgrade completes.
func New(clientID string, acker Acker, marker UnhealthyMarker, capacity int, bufferHighWatermark int64) *Pump {
	if capacity < 1 {
		capacity = 10
	}
	return &Pump{
		clientID:     clientID,
		acker:        acker,
		marker:       marker,
		capacity:     capacity,
		bufferWaterM: bufferHighWatermark,
	}
}

// SetConn attaches (or replaces) the WebSocket connection frames are
// written to. Safe to call concurrently with OnFrame/drain.
func (p *Pump) SetConn(conn Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (p *Pump) currentConn() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// ReplaceAcker swaps the Acker frames are acknowledged through. Used once a
// connection's own Session getter is available, replacing the placeholder
// passed to New before that closure existed.
func (p *Pump) ReplaceAcker(acker Acker) {
	p.mu.Lock()
	p.acker = acker
	p.mu.Unlock()
}

// ReplaceMarker swaps the UnhealthyMarker notified on a broken CDP channel.
func (p *Pump) ReplaceMarker(marker UnhealthyMarker) {
	p.mu.Lock()
	p.marker = marker
	p.mu.Unlock()
}

func (p *Pump) currentAcker() Acker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acker
}

func (p *Pump) currentMarker() UnhealthyMarker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marker
}

// OnFrame enqueues a screencast frame, dropping the oldest queued frame on
// overflow, then acknowledges it to the browser unconditionally - the ack
// must happen whether or not the frame is ever delivered to the client,
// since withholding it stalls the CDP screencast entirely.
func (p *Pump) OnFrame(f Frame) {
	if len(f.Data) > largeFrameWarnBytes {
		log.Warn().Str("client_id", p.clientID).Int("bytes", len(f.Data)).Msg("large screencast frame")
	}

	p.mu.Lock()
	if len(p.queue) >= p.capacity {
		dropped := p.queue[0]
		p.queue = p.queue[1:]
		p.queued -= int64(len(dropped.Data))
		p.dropped.Add(1)
	}
	p.queue = append(p.queue, f)
	p.queued += int64(len(f.Data))
	p.mu.Unlock()

	if err := p.currentAcker().Ack(f.SessionID); err != nil {
		p.acked.Add(1) // attempted regardless of outcome
		if isChannelBroken(err) {
			p.currentMarker().MarkUnhealthy()
		}
	} else {
		p.acked.Add(1)
	}

	p.scheduleDrain()
}

func isChannelBroken(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Session closed") || strings.Contains(msg, "Target closed")
}

// scheduleDrain kicks off drain on its own goroutine if nothing is already
// sending, preserving send order via the isSending guard.
func (p *Pump) scheduleDrain() {
	if p.closed.Load() {
		return
	}
	if !p.isSending.CompareAndSwap(false, true) {
		return
	}
	go p.drain()
}

// drain pops and sends queued frames one at a time while the connection is
// attached and the queue is non-empty. When the pump's tracked outbound
// buffer exceeds the high watermark, the popped frame is pushed back to
// the head of the queue and draining is retried shortly after instead of
// blocking the caller - this is the flow-control mechanism that bounds a
// slow client's memory footprint.
func (p *Pump) drain() {
	defer p.isSending.Store(false)

	for {
		if p.closed.Load() {
			return
		}
		conn := p.currentConn()
		if conn == nil {
			return
		}

		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		if p.queued > p.bufferWaterM {
			p.mu.Unlock()
			time.AfterFunc(100*time.Millisecond, func() {
				if p.isSending.CompareAndSwap(false, true) {
					p.drain()
				}
			})
			return
		}
		f := p.queue[0]
		p.queue = p.queue[1:]
		p.queued -= int64(len(f.Data))
		p.mu.Unlock()

		payload, err := json.Marshal(frameEnvelope{Type: types.MsgFrame, Data: f.Data, SessionID: f.SessionID})
		if err != nil {
			log.Error().Err(err).Str("client_id", p.clientID).Msg("failed to encode frame envelope")
			continue
		}

		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Debug().Err(err).Str("client_id", p.clientID).Msg("frame send failed, dropping client buffer")
			p.mu.Lock()
			p.queue = nil
			p.queued = 0
			p.mu.Unlock()
			return
		}
	}
}

// TrimFrameQueue keeps only the keep most recently queued frames. The
// gateway's memgovernor.Client adapter calls it under heap pressure.
func (p *Pump) TrimFrameQueue(keep int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(p.queue) <= keep {
		return
	}
	dropped := len(p.queue) - keep
	p.queue = p.queue[dropped:]
	p.queued = 0
	for _, f := range p.queue {
		p.queued += int64(len(f.Data))
	}
	p.dropped.Add(int64(dropped))
}

// DropFrameQueue discards every queued frame immediately.
func (p *Pump) DropFrameQueue() {
	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.queued = 0
	p.mu.Unlock()
	p.dropped.Add(int64(n))
}

// Stats reports queue depth and lifetime counters.
type Stats struct {
	Queued  int
	Acked   int64
	Dropped int64
}

func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Queued: len(p.queue), Acked: p.acked.Load(), Dropped: p.dropped.Load()}
}

// QueuedBytes returns the total size of frames currently queued, the
// pump's stand-in for an outbound socket buffer depth.
func (p *Pump) QueuedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Close stops further draining and releases the queue. Safe to call
// multiple times.
func (p *Pump) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.queue = nil
	p.queued = 0
	p.mu.Unlock()
}
