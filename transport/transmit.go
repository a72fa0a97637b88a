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

// Package transport implements the single-datagram-socket-per-role UDP
// endpoint: one event loop dispatches inbound bytes to the
// agent/coordinator state machines and drives outbound sends through a
// session's flow-control window. It is the only package that touches a
// net.PacketConn directly; agent and coordinator stay transport-agnostic.
package transport

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/ecdhe"
	"github.com/xtaci/netmontun/flowcontrol"
	"github.com/xtaci/netmontun/ntp"
)

// armsRetransmission reports whether t should be handed to the window's
// pending-send queue for automatic retransmission. BODYLESS,
// WAKE, CONNECTION_REJECTED, and SEND_METRICS bypass arming; this
// implementation adds CONNECTION_ACCEPTED to that set for the same reason
// BODYLESS is excluded: it carries no body and is sent exactly once, before
// the window exists to retry against, so arming it would have nothing to
// retransmit into.
func armsRetransmission(t ntp.Type) bool {
	switch t {
	case ntp.TypeAck, ntp.TypeWake, ntp.TypeConnectionRejected, ntp.TypeSendMetrics, ntp.TypeConnectionAccepted:
		return false
	default:
		return true
	}
}

// transmit encodes d, writes it to addr over conn, and records it in win's
// recovery ring unconditionally. If d's type is not excluded, it is also enqueued for
// automatic retransmission.
func transmit(conn net.PacketConn, addr net.Addr, session *ecdhe.Session, win *flowcontrol.Window, d *ntp.Datagram) error {
	wire, err := ntp.Encode(d, session)
	if err != nil {
		return errors.Wrap(err, "transport: encode")
	}
	if _, err := conn.WriteTo(wire, addr); err != nil {
		return errors.Wrap(err, "transport: write")
	}
	win.RecordSent(d.Private.Sequence, wire)
	if armsRetransmission(d.Private.Type) {
		if _, err := win.Enqueue(d.Private.Sequence, wire, time.Now()); err != nil {
			return errors.Wrap(err, "transport: enqueue for retransmission")
		}
	}
	return nil
}

// retransmitLoop wakes once a second, resends anything win reports due, and
// calls onExhausted (then returns) the first time a pending send has used
// up flowcontrol.MaxRetransmissions without being acked, the fatal
// teardown path for "max-retransmissions". addrOf is called
// fresh on every resend rather than captured once, so a coordinator session
// that rebinds to a new remote address after a WAKE (NAT rebinding) still
// gets its retransmissions routed correctly.
func retransmitLoop(conn net.PacketConn, addrOf func() net.Addr, win *flowcontrol.Window, onExhausted func(), stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, p := range win.DueForRetransmit(now) {
				conn.WriteTo(p.Payload, addrOf())
			}
			if len(win.Exhausted()) > 0 {
				onExhausted()
				return
			}
		}
	}
}

// nackDatagram builds the BODYLESS datagram sent when an
// out-of-order sequence arrives: its Nack field names the sequence the
// sender is still missing.
func nackDatagram(sessionID [16]byte, seq uint32, missing uint32) *ntp.Datagram {
	return &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: sessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: seq,
			Nack:     missing,
			Type:     ntp.TypeAck,
		},
		Body: ntp.NewBodyless(ntp.TypeAck),
	}
}

// ackDatagram builds the BODYLESS datagram that cancels the peer's
// retransmission timer for the sequence it names.
func ackDatagram(sessionID [16]byte, seq uint32, ack uint32) *ntp.Datagram {
	return &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: sessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: seq,
			Ack:      ack,
			Type:     ntp.TypeAck,
		},
		Body: ntp.NewBodyless(ntp.TypeAck),
	}
}
