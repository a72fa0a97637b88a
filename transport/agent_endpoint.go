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
	"github.com/xtaci/netmontun/agent"
	"github.com/xtaci/netmontun/ntp"
	"github.com/xtaci/netmontun/spack"
)

// AgentEndpoint is the monitored-device side of the UDP endpoint:
// one goroutine reads the socket and dispatches, one drives the
// retransmission timer, and every outbound send goes through the agent's
// flow-control window first.
type AgentEndpoint struct {
	conn   net.PacketConn
	remote net.Addr
	agent  *agent.Agent

	// OnRegistered fires once CONNECTION_ACCEPTED completes a fresh
	// handshake, or a WAKE reply completes a revival, and the session is
	// ready for PUSH_SCHEMAS/SEND_METRICS traffic.
	OnRegistered func()
	// OnPushSchemas fires for every accepted task collection pushed by the
	// coordinator.
	OnPushSchemas func(spack.TaskCollection)
	// OnRejected fires on CONNECTION_REJECTED, naming why.
	// A rejection that followed a WAKE attempt is recoverable (delete
	// keystore, re-register); any other rejection is terminal.
	OnRejected func(reason ntp.RejectReason, afterWake bool)
	// OnReset fires on a validated CONNECTION_RESET: the agent must delete
	// its keystore and re-register.
	OnReset func()

	mu           sync.Mutex
	stop         chan struct{}
	closed       bool
	awaitingWake bool
}

// NewAgentEndpoint wraps conn (already bound to the local socket) for
// talking to remote (the coordinator) on behalf of ag.
func NewAgentEndpoint(conn net.PacketConn, remote net.Addr, ag *agent.Agent) *AgentEndpoint {
	return &AgentEndpoint{conn: conn, remote: remote, agent: ag, stop: make(chan struct{})}
}

// Send runs d through the agent's flow-control window, as Run's receive
// loop does for the protocol machinery it drives internally. Business
// callers use it for handshake legs; SendMetrics is the entry point for
// the monitoring worker.
func (e *AgentEndpoint) Send(d *ntp.Datagram) error {
	return transmit(e.conn, e.remote, e.agent.Session(), e.agent.Window(), d)
}

// SendWake marks the endpoint as awaiting a WAKE reply (so a subsequent
// CONNECTION_REJECTED is reported as wake-triggered) and sends d.
func (e *AgentEndpoint) SendWake(d *ntp.Datagram) error {
	e.mu.Lock()
	e.awaitingWake = true
	e.mu.Unlock()
	return e.Send(d)
}

// SendMetrics packs report against task and transmits the resulting
// SEND_METRICS datagram, the monitoring worker's sole transport call
//").
func (e *AgentEndpoint) SendMetrics(report *spack.MetricReport, task *spack.Task) error {
	d, err := e.agent.BuildSendMetrics(report, task)
	if err != nil {
		return err
	}
	return e.Send(d)
}

// Run reads datagrams off conn until Close is called. It is meant to run
// on its own goroutine for the lifetime of the agent process.
func (e *AgentEndpoint) Run() error {
	go retransmitLoop(e.conn, func() net.Addr { return e.remote }, e.agent.Window(), e.onExhausted, e.stop)

	buf := make([]byte, 65535)
	for {
		n, _, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.stop:
				return nil
			default:
				return errors.Wrap(err, "transport: read")
			}
		}
		raw := append([]byte(nil), buf[:n]...)
		e.handleInbound(raw)
	}
}

// Close stops Run and the retransmission loop.
func (e *AgentEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.stop)
	return e.conn.Close()
}

func (e *AgentEndpoint) onExhausted() {
	log.Printf("transport: agent max-retransmissions exceeded, terminating session")
	e.Close()
}

func (e *AgentEndpoint) handleInbound(raw []byte) {
	ph, err := ntp.PeekPublicHeader(raw)
	if err != nil {
		log.Printf("transport: agent framing error: %v", err)
		return
	}

	// CONNECTION_REJECTED travels plaintext and must be handled before any
	// session exists at all (the very first REGISTER attempt can be
	// rejected). Peek the type by decoding with the agent's current
	// (possibly unlinked) session; MarkPlain decode never touches it.
	if ph.Mark == ntp.MarkPlain {
		dg, err := e.agent.Decode(raw)
		if err != nil {
			log.Printf("transport: agent decode error: %v", err)
			return
		}
		e.handlePlain(dg)
		return
	}

	// CONNECTION_REJECTED and WAKE are accepted without sequence checks
	// when they arrive encrypted; they must still be decoded before the
	// type is known.
	dg, err := e.agent.Decode(raw)
	if err != nil {
		e.agent.Window().NoteError()
		return
	}
	switch dg.Private.Type {
	case ntp.TypeConnectionRejected:
		e.handleRejected(dg.Body.(*ntp.ConnectionRejectedBody))
		return
	case ntp.TypeWake:
		e.agent.CompleteWake(dg.Body.(*ntp.WakeBody))
		e.mu.Lock()
		e.awaitingWake = false
		e.mu.Unlock()
		if e.OnRegistered != nil {
			e.OnRegistered()
		}
		return
	}

	win := e.agent.Window()
	deliver, buffered, err := win.Accept(dg.Private.Sequence, raw)
	if err != nil {
		// Duplicate: drop.
		return
	}
	if buffered {
		missing := win.LastSeq() + 1
		nack := nackDatagram(e.agent.SessionID(), e.agent.NextSeq(), missing)
		if err := e.Send(nack); err != nil {
			log.Printf("transport: agent send nack: %v", err)
		}
		return
	}
	if !deliver {
		return
	}
	win.Ack(dg.Private.Ack)
	e.dispatchEncrypted(dg)

	for _, followRaw := range win.Drain() {
		followDg, err := e.agent.Decode(followRaw)
		if err != nil {
			continue
		}
		win.Ack(followDg.Private.Ack)
		e.dispatchEncrypted(followDg)
	}
}

func (e *AgentEndpoint) handlePlain(dg *ntp.Datagram) {
	switch dg.Private.Type {
	case ntp.TypeRegisterChallenge:
		reply, err := e.agent.FinishRegister(dg.Body.(*ntp.RegisterChallengeBody))
		if err != nil {
			log.Printf("transport: agent finish register: %v", err)
			return
		}
		if err := e.Send(reply); err != nil {
			log.Printf("transport: agent send register-challenge2: %v", err)
		}
	case ntp.TypeConnectionRejected:
		e.handleRejected(dg.Body.(*ntp.ConnectionRejectedBody))
	default:
		log.Printf("transport: agent unexpected plaintext type %v", dg.Private.Type)
	}
}

func (e *AgentEndpoint) dispatchEncrypted(dg *ntp.Datagram) {
	switch dg.Private.Type {
	case ntp.TypeConnectionAccepted:
		if err := e.agent.CompleteRegister(); err != nil {
			log.Printf("transport: agent complete register: %v", err)
			return
		}
		if e.OnRegistered != nil {
			e.OnRegistered()
		}
	case ntp.TypePushSchemas:
		tc, err := e.agent.HandlePushSchemas(dg.Body.(*ntp.PushSchemasBody))
		if err != nil {
			e.agent.Window().NoteError()
			log.Printf("transport: agent unpack schemas: %v", err)
			return
		}
		ack := ackDatagram(e.agent.SessionID(), e.agent.NextSeq(), dg.Private.Sequence)
		if err := e.Send(ack); err != nil {
			log.Printf("transport: agent ack schemas: %v", err)
		}
		if e.OnPushSchemas != nil {
			e.OnPushSchemas(tc)
		}
	case ntp.TypeConnectionReset:
		body := dg.Body.(*ntp.ConnectionResetBody)
		if err := ntp.ValidateResetTimestamp(body.TimestampMs, time.Now()); err != nil {
			e.agent.Window().NoteError()
			log.Printf("transport: agent rejected stale reset: %v", err)
			return
		}
		if e.OnReset != nil {
			e.OnReset()
		}
	case ntp.TypeAck:
		// The window.Ack call above already cancelled any pending
		// retransmission this ACK named; a non-zero Nack still means the
		// coordinator is missing a sequence from the recovery buffer:
		// a non-zero NACK on a BODYLESS datagram triggers retransmission.
		if dg.Private.Nack != 0 {
			if wire, err := e.agent.Window().Resend(dg.Private.Nack); err == nil {
				e.conn.WriteTo(wire, e.remote)
			} else {
				log.Printf("transport: agent cannot satisfy nack for seq %d: %v", dg.Private.Nack, err)
			}
		}
	default:
		e.agent.Window().NoteError()
		log.Printf("transport: agent unexpected type %v for state", dg.Private.Type)
	}
}

func (e *AgentEndpoint) handleRejected(body *ntp.ConnectionRejectedBody) {
	e.mu.Lock()
	afterWake := e.awaitingWake
	e.awaitingWake = false
	e.mu.Unlock()
	if e.OnRejected != nil {
		e.OnRejected(body.Reason, afterWake)
	}
}
