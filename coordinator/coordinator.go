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

// Package coordinator implements the monitoring-server side of the NTP
// protocol: the device catalogue lookup on REGISTER, the session table
// keyed by 16-byte session id, PUSH_SCHEMAS dispatch, and the
// contiguous-error threshold that tears a session down with
// CONNECTION_RESET.
package coordinator

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/ecdhe"
	"github.com/xtaci/netmontun/flowcontrol"
	"github.com/xtaci/netmontun/ntp"
	"github.com/xtaci/netmontun/spack"
)

// Authorizer is the device catalogue lookup hook, left as an external
// collaborator. It answers "does this public key, arriving from
// this address, belong to a device we manage?", tying a wire identity to a
// managed device without the coordinator reaching into global state.
type Authorizer interface {
	Authorize(remoteAddr net.Addr, publicKey []byte) (deviceID string, ok bool)
}

// Session is one registered or revived agent's coordinator-side state.
type Session struct {
	DeviceID   string
	RemoteAddr net.Addr
	SessionID  [16]byte
	session    *ecdhe.Session
	Window     *flowcontrol.Window
	Names      *spack.NameTable
	outSeq     uint32
}

// NextSeq hands out the next outbound sequence number for s, mirroring
// agent.Agent's own counter on the other side of the session. Window's
// LastSeq/LastAck track what has been *received*; a coordinator still needs
// its own monotonic counter for what it sends.
func (s *Session) NextSeq() uint32 {
	s.outSeq++
	return s.outSeq
}

// ResetOutSeq re-arms s's outbound counter to seed-1, so the next NextSeq
// call hands out seed, used after a WAKE revival, in lock-step with the
// window reset.
func (s *Session) ResetOutSeq(seed uint32) {
	s.outSeq = seed - 1
}

type pendingHandshake struct {
	session    *ecdhe.Session
	deviceID   string
	remoteAddr net.Addr
	control    []byte
}

// Config configures a Coordinator.
type Config struct {
	Curve      string
	Authorizer Authorizer
	Resolver   spack.DeviceResolver
}

// Coordinator holds the session table and in-flight handshake state for
// every agent currently talking to this endpoint. Unlike the reference
// design's global symbol table, every lookup key (session id, remote
// address) is passed explicitly by the caller's receive loop rather than
// read from a package-level variable (REDESIGN FLAGS).
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	sessions map[[16]byte]*Session
	pending  map[string]*pendingHandshake // keyed by remoteAddr.String()
}

// New returns an empty Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		sessions: make(map[[16]byte]*Session),
		pending:  make(map[string]*pendingHandshake),
	}
}

// HandleRegister authorizes a REGISTER attempt and, if accepted, generates
// the coordinator's ephemeral key pair and first challenge leg.
func (c *Coordinator) HandleRegister(remoteAddr net.Addr, body *ntp.RegisterBody) (*ntp.Datagram, error) {
	deviceID, ok := "", true
	if c.cfg.Authorizer != nil {
		deviceID, ok = c.cfg.Authorizer.Authorize(remoteAddr, body.PublicKey)
	}
	if !ok {
		return rejectedDatagram(ntp.ReasonDeviceNotAuthorized), nil
	}

	session, err := ecdhe.New(c.cfg.Curve)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: new session")
	}
	if _, err := session.Link(body.PublicKey, nil); err != nil {
		return nil, errors.Wrap(err, "coordinator: link")
	}
	control, challenge, err := session.GenerateChallenge(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: generate challenge")
	}

	c.mu.Lock()
	c.pending[remoteAddr.String()] = &pendingHandshake{
		session:    session,
		deviceID:   deviceID,
		remoteAddr: remoteAddr,
		control:    control,
	}
	c.mu.Unlock()

	return &ntp.Datagram{
		Public: ntp.PublicHeader{Mark: ntp.MarkPlain},
		Private: ntp.PrivateHeader{
			Version: 1,
			Type:    ntp.TypeRegisterChallenge,
		},
		Body: &ntp.RegisterChallengeBody{PublicKey: session.PublicKey(), Challenge: *challenge},
	}, nil
}

// HandleRegisterChallenge2 confirms the agent's response to the
// coordinator's challenge. On success it promotes the pending handshake
// into the session table and returns an encrypted CONNECTION_ACCEPTED;
// on failure it returns CONNECTION_REJECTED and forgets the attempt.
func (c *Coordinator) HandleRegisterChallenge2(remoteAddr net.Addr, body *ntp.RegisterChallenge2Body) (*ntp.Datagram, *Session, error) {
	c.mu.Lock()
	pending, ok := c.pending[remoteAddr.String()]
	if ok {
		delete(c.pending, remoteAddr.String())
	}
	c.mu.Unlock()
	if !ok {
		return rejectedDatagram(ReasonAuthenticationFailed), nil, nil
	}

	confirmed, err := pending.session.ConfirmChallenge(&body.Response, pending.control)
	if err != nil {
		return nil, nil, errors.Wrap(err, "coordinator: confirm challenge")
	}
	if !confirmed {
		return rejectedDatagram(ReasonAuthenticationFailed), nil, nil
	}

	sid, err := pending.session.GenerateSessionID(nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "coordinator: generate session id")
	}
	sess := &Session{
		DeviceID:   pending.deviceID,
		RemoteAddr: remoteAddr,
		session:    pending.session,
		Window:     flowcontrol.New(ntp.MaxPayload),
		Names:      spack.NewNameTable(),
	}
	copy(sess.SessionID[:], sid)

	c.mu.Lock()
	c.sessions[sess.SessionID] = sess
	c.mu.Unlock()

	accepted := &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: sess.SessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: sess.NextSeq(),
			Type:     ntp.TypeConnectionAccepted,
		},
		Body: ntp.NewBodyless(ntp.TypeConnectionAccepted),
	}
	return accepted, sess, nil
}

// HandleWake looks up the session named by sessionID (taken from the
// inbound datagram's public header, which a revived agent can already
// address correctly without a prior round trip) and migrates its remote
// address if the agent is now sending from a new one (NAT rebinding). On
// success it mints a fresh sequence seed, resets the session's window to
// it, and returns the encrypted WAKE reply carrying that seed; both sides then reset in lock-step once the agent applies
// the same seed via Agent.CompleteWake.
func (c *Coordinator) HandleWake(remoteAddr net.Addr, sessionID [16]byte) (*ntp.Datagram, *Session, error) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, nil, errors.New("coordinator: unknown session for wake")
	}
	sess.RemoteAddr = remoteAddr

	seed, err := newSequenceSeed()
	if err != nil {
		return nil, nil, errors.Wrap(err, "coordinator: new sequence seed")
	}
	sess.Window.Reset(seed)
	sess.ResetOutSeq(seed)

	reply := &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: sess.SessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version: 1,
			Type:    ntp.TypeWake,
		},
		Body: &ntp.WakeBody{Seq: seed},
	}
	return reply, sess, nil
}

// newSequenceSeed draws a random, non-zero 32-bit sequence seed for a
// 0-RTT revival, the way the agent's BeginRegister draws a fresh ephemeral
// key pair: randomness from crypto/rand, never a counter a replayed WAKE
// could predict.
func newSequenceSeed() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	seed := binary.BigEndian.Uint32(b[:])
	if seed == 0 {
		seed = 1
	}
	return seed, nil
}

// Session looks up an established session by id.
func (c *Coordinator) Session(id [16]byte) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	return sess, ok
}

// Forget removes a session from the table, typically after issuing
// CONNECTION_RESET.
func (c *Coordinator) Forget(id [16]byte) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// CryptoSession returns the underlying ECDHE session for s, so a caller's
// send loop can encode/decode datagrams.
func (s *Session) CryptoSession() *ecdhe.Session { return s.session }

// NoteDeliveryError records a failed delivery against s's window and
// reports whether the contiguous-error threshold has now been exceeded, the
// signal that triggers CONNECTION_RESET.
func (s *Session) NoteDeliveryError() bool {
	s.Window.NoteError()
	return s.Window.ContiguousErrors() > flowcontrol.ContiguousErrorLimit
}

// DispatchPushSchemas packs tc and returns the encrypted PUSH_SCHEMAS
// datagram to send to s.
func DispatchPushSchemas(s *Session, tc spack.TaskCollection, resolver spack.DeviceResolver) (*ntp.Datagram, error) {
	obj, err := spack.PackTaskCollection(tc, resolver)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: pack task collection")
	}
	wire, err := spack.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: marshal task collection")
	}
	seq := s.NextSeq()
	return &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: s.SessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: seq,
			Type:     ntp.TypePushSchemas,
		},
		Body: &ntp.PushSchemasBody{Schema: wire},
	}, nil
}

// ReceiveMetricReport unpacks a SEND_METRICS body against task, using the
// task-id the body itself names rather than one supplied by the
// caller out of band. It interns every interface-stats name it sees into
// sess.Names, the per-session table started when the session was accepted.
func ReceiveMetricReport(sess *Session, body *ntp.SendMetricsBody, task *spack.Task) (*spack.MetricReport, error) {
	obj, err := spack.Unmarshal(body.Report)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: unmarshal metric report")
	}
	return spack.UnpackMetricReport(body.TaskID, obj, task, sess.Names)
}

// ConnectionReset builds the datagram a coordinator sends when it gives up
// on a session after too many contiguous delivery errors, stamped with the
// current wall clock so the agent can validate its freshness.
func ConnectionReset(s *Session, now time.Time) *ntp.Datagram {
	return &ntp.Datagram{
		Public:  ntp.PublicHeader{SessionID: s.SessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{Version: 1, Type: ntp.TypeConnectionReset},
		Body:    &ntp.ConnectionResetBody{TimestampMs: uint64(now.UnixNano() / int64(time.Millisecond))},
	}
}

// Reject reason aliases kept local so callers of this package don't need
// to import ntp just to name a reason.
const (
	ReasonDeviceNotAuthorized  = ntp.ReasonDeviceNotAuthorized
	ReasonAuthenticationFailed = ntp.ReasonAuthenticationFailed
)

func rejectedDatagram(reason ntp.RejectReason) *ntp.Datagram {
	return &ntp.Datagram{
		Public:  ntp.PublicHeader{Mark: ntp.MarkPlain},
		Private: ntp.PrivateHeader{Version: 1, Type: ntp.TypeConnectionRejected},
		Body:    &ntp.ConnectionRejectedBody{Reason: reason},
	}
}
