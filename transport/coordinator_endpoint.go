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

package transport

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/coordinator"
	"github.com/xtaci/netmontun/ntp"
	"github.com/xtaci/netmontun/spack"
)

// CoordinatorEndpoint is the monitoring-server side of the UDP endpoint
//: a single socket shared by every agent, dispatching by remote
// address during the plaintext handshake and by session-id once a session
// is established. One retransmission loop per session runs for the life of
// that session, not of the socket.
type CoordinatorEndpoint struct {
	conn  net.PacketConn
	coord *coordinator.Coordinator

	// TaskLookup resolves the task a SEND_METRICS report names, so its
	// SPACK blob can be unpacked against the right device/link selections.
	TaskLookup func(sess *coordinator.Session, taskID string) (*spack.Task, bool)
	// OnMetricReport fires for every successfully unpacked SEND_METRICS.
	OnMetricReport func(sess *coordinator.Session, report *spack.MetricReport)
	// OnSessionReset fires whenever this endpoint tears a session down,
	// whether from exhausted retransmissions or the contiguous-error limit.
	OnSessionReset func(sess *coordinator.Session)
	// OnSessionEstablished fires once CONNECTION_ACCEPTED has been sent for
	// a freshly completed handshake, the hook an operator-facing layer uses
	// to push that device's task schemas for the first time.
	OnSessionEstablished func(sess *coordinator.Session)

	mu          sync.Mutex
	stop        chan struct{}
	closed      bool
	retransmits map[[16]byte]chan struct{}
}

// NewCoordinatorEndpoint wraps conn (already bound to the coordinator's
// well-known port) around coord.
func NewCoordinatorEndpoint(conn net.PacketConn, coord *coordinator.Coordinator) *CoordinatorEndpoint {
	return &CoordinatorEndpoint{
		conn:        conn,
		coord:       coord,
		stop:        make(chan struct{}),
		retransmits: make(map[[16]byte]chan struct{}),
	}
}

// Run reads datagrams off conn until Close is called.
func (e *CoordinatorEndpoint) Run() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.stop:
				return nil
			default:
				return errors.Wrap(err, "transport: read")
			}
		}
		raw := append([]byte(nil), buf[:n]...)
		e.handleInbound(raw, addr)
	}
}

// Close stops Run and every session's retransmission loop.
func (e *CoordinatorEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, stop := range e.retransmits {
		close(stop)
		delete(e.retransmits, id)
	}
	e.mu.Unlock()
	close(e.stop)
	return e.conn.Close()
}

// DispatchPushSchemas is the entry point an operator-facing layer (or
// cmd/coordinatord) uses to push a freshly edited task collection to an
// already-registered session.
func (e *CoordinatorEndpoint) DispatchPushSchemas(sess *coordinator.Session, tc spack.TaskCollection, resolver spack.DeviceResolver) error {
	d, err := coordinator.DispatchPushSchemas(sess, tc, resolver)
	if err != nil {
		return err
	}
	return e.transmitTo(sess, d)
}

func (e *CoordinatorEndpoint) handleInbound(raw []byte, addr net.Addr) {
	ph, err := ntp.PeekPublicHeader(raw)
	if err != nil {
		log.Printf("transport: coordinator framing error from %s: %v", addr, err)
		return
	}

	if ph.Mark == ntp.MarkPlain {
		e.handlePlain(raw, addr)
		return
	}

	sess, ok := e.coord.Session(ph.SessionID)
	if !ok {
		log.Printf("transport: coordinator unknown session %x from %s", ph.SessionID, addr)
		return
	}

	dg, err := ntp.Decode(raw, sess.CryptoSession())
	if err != nil {
		if sess.NoteDeliveryError() {
			e.resetSession(sess)
		}
		return
	}

	// WAKE bypasses sequencing entirely: it is the 0-RTT revival probe
	// itself, sent before the session's window has been reset to the new
	// seed the reply will carry.
	if dg.Private.Type == ntp.TypeWake {
		reply, revived, err := e.coord.HandleWake(addr, ph.SessionID)
		if err != nil {
			log.Printf("transport: coordinator wake: %v", err)
			return
		}
		e.startRetransmit(revived)
		if err := e.transmitTo(revived, reply); err != nil {
			log.Printf("transport: coordinator send wake reply: %v", err)
		}
		return
	}

	win := sess.Window
	deliver, buffered, err := win.Accept(dg.Private.Sequence, raw)
	if err != nil {
		// Duplicate: drop.
		return
	}
	if buffered {
		missing := win.LastSeq() + 1
		nack := nackDatagram(sess.SessionID, sess.NextSeq(), missing)
		if err := e.transmitTo(sess, nack); err != nil {
			log.Printf("transport: coordinator send nack: %v", err)
		}
		return
	}
	if !deliver {
		return
	}
	win.Ack(dg.Private.Ack)
	e.dispatchEncrypted(sess, dg)

	for _, followRaw := range win.Drain() {
		followDg, err := ntp.Decode(followRaw, sess.CryptoSession())
		if err != nil {
			continue
		}
		win.Ack(followDg.Private.Ack)
		e.dispatchEncrypted(sess, followDg)
	}
}

func (e *CoordinatorEndpoint) handlePlain(raw []byte, addr net.Addr) {
	dg, err := ntp.Decode(raw, nil)
	if err != nil {
		log.Printf("transport: coordinator plaintext decode from %s: %v", addr, err)
		return
	}
	switch dg.Private.Type {
	case ntp.TypeRegister:
		reply, err := e.coord.HandleRegister(addr, dg.Body.(*ntp.RegisterBody))
		if err != nil {
			log.Printf("transport: coordinator handle register: %v", err)
			return
		}
		e.sendPlain(reply, addr)
	case ntp.TypeRegisterChallenge2:
		reply, sess, err := e.coord.HandleRegisterChallenge2(addr, dg.Body.(*ntp.RegisterChallenge2Body))
		if err != nil {
			log.Printf("transport: coordinator handle register-challenge2: %v", err)
			return
		}
		if sess != nil {
			e.startRetransmit(sess)
			if err := e.transmitTo(sess, reply); err != nil {
				log.Printf("transport: coordinator send connection-accepted: %v", err)
			}
			if e.OnSessionEstablished != nil {
				e.OnSessionEstablished(sess)
			}
			return
		}
		e.sendPlain(reply, addr)
	default:
		log.Printf("transport: coordinator unexpected plaintext type %v from %s", dg.Private.Type, addr)
	}
}

func (e *CoordinatorEndpoint) dispatchEncrypted(sess *coordinator.Session, dg *ntp.Datagram) {
	switch dg.Private.Type {
	case ntp.TypeSendMetrics:
		body := dg.Body.(*ntp.SendMetricsBody)
		if e.TaskLookup == nil {
			return
		}
		task, ok := e.TaskLookup(sess, body.TaskID)
		if !ok {
			log.Printf("transport: coordinator unknown task %q for session %x", body.TaskID, sess.SessionID)
			return
		}
		report, err := coordinator.ReceiveMetricReport(sess, body, task)
		if err != nil {
			if sess.NoteDeliveryError() {
				e.resetSession(sess)
			}
			log.Printf("transport: coordinator unpack metric report: %v", err)
			return
		}
		if e.OnMetricReport != nil {
			e.OnMetricReport(sess, report)
		}
	case ntp.TypeAck:
		// window.Ack above already cancelled whatever this ACK named; a
		// non-zero Nack asks for a resend out of the recovery buffer.
		if dg.Private.Nack != 0 {
			if wire, err := sess.Window.Resend(dg.Private.Nack); err == nil {
				e.conn.WriteTo(wire, sess.RemoteAddr)
			} else {
				log.Printf("transport: coordinator cannot satisfy nack for seq %d: %v", dg.Private.Nack, err)
			}
		}
	default:
		log.Printf("transport: coordinator unexpected type %v for session %x", dg.Private.Type, sess.SessionID)
	}
}

func (e *CoordinatorEndpoint) sendPlain(d *ntp.Datagram, addr net.Addr) {
	wire, err := ntp.Encode(d, nil)
	if err != nil {
		log.Printf("transport: coordinator encode plaintext: %v", err)
		return
	}
	if _, err := e.conn.WriteTo(wire, addr); err != nil {
		log.Printf("transport: coordinator write plaintext to %s: %v", addr, err)
	}
}

func (e *CoordinatorEndpoint) transmitTo(sess *coordinator.Session, d *ntp.Datagram) error {
	return transmit(e.conn, sess.RemoteAddr, sess.CryptoSession(), sess.Window, d)
}

func (e *CoordinatorEndpoint) startRetransmit(sess *coordinator.Session) {
	e.mu.Lock()
	if _, running := e.retransmits[sess.SessionID]; running {
		e.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	e.retransmits[sess.SessionID] = stop
	e.mu.Unlock()

	go retransmitLoop(e.conn, func() net.Addr { return sess.RemoteAddr }, sess.Window, func() {
		log.Printf("transport: coordinator max-retransmissions exceeded for session %x", sess.SessionID)
		e.resetSession(sess)
	}, stop)
}

// resetSession tears sess down: stops its retransmission loop, forgets it
// in the session table, and sends the encrypted CONNECTION_RESET that tells
// the agent to delete its keystore and re-register.
func (e *CoordinatorEndpoint) resetSession(sess *coordinator.Session) {
	e.mu.Lock()
	if stop, ok := e.retransmits[sess.SessionID]; ok {
		close(stop)
		delete(e.retransmits, sess.SessionID)
	}
	e.mu.Unlock()

	e.coord.Forget(sess.SessionID)

	reset := coordinator.ConnectionReset(sess, time.Now())
	wire, err := ntp.Encode(reset, sess.CryptoSession())
	if err != nil {
		log.Printf("transport: coordinator encode connection-reset: %v", err)
	} else if _, err := e.conn.WriteTo(wire, sess.RemoteAddr); err != nil {
		log.Printf("transport: coordinator send connection-reset: %v", err)
	}

	if e.OnSessionReset != nil {
		e.OnSessionReset(sess)
	}
}
