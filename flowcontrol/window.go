// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package flowcontrol implements the per-session reliability state that
// sits between the ntp codec and a transport: sequence/ack tracking,
// duplicate rejection, a bounded recovery buffer for out-of-order
// deliveries, and a retransmission scheduler. None of it touches the
// network directly; Window exposes plain Go state a caller drives from
// its own read/write loop, separating ARQ bookkeeping from the socket loop.
package flowcontrol

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// RecoveryLimit bounds the out-of-order recovery ring.
	RecoveryLimit = 20
	// DupFilterLimit bounds the recently-seen sequence ring used to drop
	// duplicate deliveries.
	DupFilterLimit = 5
	// RetransmitTimeout is how long a pending send waits for an ack
	// before it is retried.
	RetransmitTimeout = 5 * time.Second
	// MaxRetransmissions is how many times a send is retried before it
	// is given up on.
	MaxRetransmissions = 3
	// RetransmitWindow bounds how many sends may be in flight awaiting
	// ack at once.
	RetransmitWindow = 3
	// ContiguousErrorLimit is the contiguous_errors threshold at which a
	// coordinator tears a session down with CONNECTION_RESET.
	ContiguousErrorLimit = 10
)

// ErrPayloadTooLarge mirrors ntp.ErrPayloadTooLarge for callers that only
// import flowcontrol; it is returned by Enqueue when asked to schedule a
// send larger than ntp.MaxPayload bytes deserve.
var ErrPayloadTooLarge = errors.New("flowcontrol: payload exceeds maximum datagram size")

// ErrNotInRecovery is returned by Resend when asked to retransmit a
// sequence number that was never recorded, or has since been evicted from
// the bounded recovery ring.
var ErrNotInRecovery = errors.New("flowcontrol: sequence not in recovery buffer")

// PendingSend is one outstanding, unacknowledged send.
type PendingSend struct {
	Sequence  uint32
	Payload   []byte
	Attempts  int
	FirstSent time.Time
	LastSent  time.Time
}

// Window holds one session's sliding-window reliability state. It is not
// safe for concurrent use; callers serialise access with their own mutex.
type Window struct {
	lastSeq uint32
	lastAck uint32

	dupFilter    []uint32
	recovery     map[uint32][]byte
	recoveryKeys []uint32

	pending        []*PendingSend // FIFO: index 0 is the oldest
	contiguousErrs int
	maxPayload     int

	sentLog   map[uint32][]byte // recovery: last ≤RecoveryLimit sent datagrams, by sequence
	sentOrder []uint32
}

// New returns an empty Window. maxPayload bounds Enqueue; pass 0 to use
// ntp.MaxPayload's value (1425) without importing the ntp package.
func New(maxPayload int) *Window {
	if maxPayload <= 0 {
		maxPayload = 1425
	}
	return &Window{
		recovery:   make(map[uint32][]byte),
		sentLog:    make(map[uint32][]byte),
		maxPayload: maxPayload,
	}
}

// LastSeq returns the highest sequence number accepted in order.
func (w *Window) LastSeq() uint32 { return w.lastSeq }

// LastAck returns the highest sequence number the peer has acknowledged,
// as recorded by Ack.
func (w *Window) LastAck() uint32 { return w.lastAck }

// ContiguousErrors returns the current run length of accepted-but-invalid
// or rejected deliveries, reset to zero by any clean Accept.
func (w *Window) ContiguousErrors() int { return w.contiguousErrs }

// NoteError increments the contiguous-error counter. Callers call this for
// any delivery that parses but fails validation (bad mac, unexpected
// type), distinct from a transport-level Reject.
func (w *Window) NoteError() {
	w.contiguousErrs++
}

func (w *Window) markSeen(seq uint32) {
	w.dupFilter = append(w.dupFilter, seq)
	if len(w.dupFilter) > DupFilterLimit {
		w.dupFilter = w.dupFilter[len(w.dupFilter)-DupFilterLimit:]
	}
}

func (w *Window) seen(seq uint32) bool {
	for _, s := range w.dupFilter {
		if s == seq {
			return true
		}
	}
	return false
}

// Accept processes an inbound sequence number. It reports whether the
// payload should be delivered to the application now, and if not, whether
// it was buffered for later (ok but not deliverable) or rejected outright
// (duplicate, or recovery ring full).
//
// Semantics:
//   - seq == lastSeq+1: in-order, accepted, lastSeq advances; any buffered
//     follow-on sequences that are now contiguous are also drained and
//     returned via Drain.
//   - seq <= lastSeq and already in the dup filter: rejected as duplicate.
//   - seq > lastSeq+1: out of order, buffered in the recovery ring if
//     there is room, otherwise rejected.
func (w *Window) Accept(seq uint32, payload []byte) (deliver bool, buffered bool, err error) {
	if w.seen(seq) || seq <= w.lastSeq && w.lastSeq != 0 {
		return false, false, errors.New("flowcontrol: duplicate sequence")
	}
	if seq == w.lastSeq+1 {
		w.lastSeq = seq
		w.markSeen(seq)
		w.contiguousErrs = 0
		return true, false, nil
	}
	if _, exists := w.recovery[seq]; exists {
		return false, false, errors.New("flowcontrol: duplicate sequence")
	}
	if len(w.recoveryKeys) >= RecoveryLimit {
		return false, false, errors.New("flowcontrol: recovery buffer full")
	}
	w.recovery[seq] = payload
	w.recoveryKeys = append(w.recoveryKeys, seq)
	w.markSeen(seq)
	return false, true, nil
}

// Drain returns, in sequence order, every payload in the recovery ring
// that is now contiguous with lastSeq, removing them from the ring and
// advancing lastSeq past them.
func (w *Window) Drain() [][]byte {
	var out [][]byte
	for {
		next := w.lastSeq + 1
		payload, ok := w.recovery[next]
		if !ok {
			return out
		}
		delete(w.recovery, next)
		for i, k := range w.recoveryKeys {
			if k == next {
				w.recoveryKeys = append(w.recoveryKeys[:i], w.recoveryKeys[i+1:]...)
				break
			}
		}
		w.lastSeq = next
		out = append(out, payload)
	}
}

// Ack records that the peer has acknowledged up to and including seq, and
// releases any PendingSends now confirmed.
func (w *Window) Ack(seq uint32) {
	if seq > w.lastAck {
		w.lastAck = seq
	}
	kept := w.pending[:0]
	for _, p := range w.pending {
		if p.Sequence > seq {
			kept = append(kept, p)
		}
	}
	w.pending = kept
}

// Enqueue schedules payload for reliable delivery under sequence seq,
// FIFO-ordered (the reference implementation's LIFO pending-send queue is
// a bug this protocol fixes, per REDESIGN FLAGS: older sends must drain
// before newer ones).
func (w *Window) Enqueue(seq uint32, payload []byte, now time.Time) (*PendingSend, error) {
	if len(payload) > w.maxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(payload))
	}
	p := &PendingSend{Sequence: seq, Payload: payload, Attempts: 1, FirstSent: now, LastSent: now}
	w.pending = append(w.pending, p) // append preserves FIFO order; oldest stays at index 0
	return p, nil
}

// DueForRetransmit returns, oldest first, every pending send whose
// RetransmitTimeout has elapsed as of now and that has not yet exhausted
// MaxRetransmissions, capped at RetransmitWindow concurrently in-flight
// retransmissions per call.
func (w *Window) DueForRetransmit(now time.Time) []*PendingSend {
	var due []*PendingSend
	for _, p := range w.pending {
		if len(due) >= RetransmitWindow {
			break
		}
		if p.Attempts > MaxRetransmissions {
			continue
		}
		if now.Sub(p.LastSent) >= RetransmitTimeout {
			p.Attempts++
			p.LastSent = now
			due = append(due, p)
		}
	}
	return due
}

// Exhausted returns the pending sends that have used up
// MaxRetransmissions without being acked; callers treat these as
// connection failures and typically trigger CONNECTION_RESET (coordinator
// side) or keystore deletion (agent side).
func (w *Window) Exhausted() []*PendingSend {
	var out []*PendingSend
	for _, p := range w.pending {
		if p.Attempts > MaxRetransmissions {
			out = append(out, p)
		}
	}
	return out
}

// Pending returns the current FIFO queue of unacknowledged sends, oldest
// first. The returned slice aliases Window's internal state and must not
// be mutated.
func (w *Window) Pending() []*PendingSend {
	return w.pending
}

// RecordSent retains wire, the already-encoded bytes of the datagram just
// transmitted under seq, in the bounded recovery ring so a later NACK for
// seq can be served without rebuilding the datagram. The caller does this
// for every sequenced transmit, independent of whether that type also gets
// a retransmission timer armed.
func (w *Window) RecordSent(seq uint32, wire []byte) {
	if _, exists := w.sentLog[seq]; !exists {
		w.sentOrder = append(w.sentOrder, seq)
	}
	w.sentLog[seq] = wire
	for len(w.sentOrder) > RecoveryLimit {
		oldest := w.sentOrder[0]
		w.sentOrder = w.sentOrder[1:]
		delete(w.sentLog, oldest)
	}
}

// Resend returns the previously recorded wire bytes for seq, for replaying
// in response to an explicit NACK. It fails with ErrNotInRecovery if seq
// was never sent or has since been evicted.
func (w *Window) Resend(seq uint32) ([]byte, error) {
	wire, ok := w.sentLog[seq]
	if !ok {
		return nil, errors.Wrapf(ErrNotInRecovery, "seq=%d", seq)
	}
	return wire, nil
}

// Reset re-arms the window for a fresh logical connection starting at
// newSeq: the receive-side reorder buffer, duplicate filter, pending-send
// queue and sent-recovery ring are all emptied, and the accept cursor is
// positioned so the next in-order delivery is newSeq. Callers invoke this
// on REGISTER (new connection) and on a successful WAKE revival, where both
// sides must agree on the new starting sequence. Two calls in succession
// leave the window identical to one.
func (w *Window) Reset(newSeq uint32) {
	w.recovery = make(map[uint32][]byte)
	w.recoveryKeys = nil
	w.sentLog = make(map[uint32][]byte)
	w.sentOrder = nil
	w.pending = nil
	w.dupFilter = nil
	w.contiguousErrs = 0
	if newSeq == 0 {
		newSeq = 1
	}
	w.lastSeq = newSeq - 1
	w.lastAck = newSeq - 1
}
