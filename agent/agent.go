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

// Package agent implements the monitored-device side of the NTP protocol:
// the REGISTER/REGISTER_CHALLENGE/REGISTER_CHALLENGE2 handshake, 0-RTT
// WAKE revival from a keystore, and the send/dispatch loop that follows.
package agent

import (
	"log"
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/ecdhe"
	"github.com/xtaci/netmontun/flowcontrol"
	"github.com/xtaci/netmontun/keystore"
	"github.com/xtaci/netmontun/ntp"
	"github.com/xtaci/netmontun/spack"
)

// Config configures one Agent.
type Config struct {
	// Curve names the ECDHE curve to negotiate, passed to ecdhe.New.
	Curve string
	// Store persists the {session-id, secret, salt} triple across
	// restarts so the agent can revive 0-RTT instead of re-registering.
	Store keystore.Store
	// Resolver resolves symbolic device references in pushed task
	// schemas; nil is valid when tasks only ever target literal IPs.
	Resolver spack.DeviceResolver
}

// ErrRejected reports that the coordinator declined a REGISTER or WAKE
// attempt; Reason explains why.
type ErrRejected struct {
	Reason ntp.RejectReason
}

func (e *ErrRejected) Error() string {
	return "agent: connection rejected"
}

// Agent drives one coordinator relationship: a single logical session,
// its key schedule, and its reliability window. It does not own a socket;
// BeginRegister/FinishRegister/BeginWake build datagrams and hand them to the caller's own
// send/receive loop rather than looping itself.
type Agent struct {
	cfg       Config
	session   *ecdhe.Session
	sessionID [16]byte
	window    *flowcontrol.Window
	seq       uint32
	names     *spack.NameTable
}

// New returns an Agent with no session established yet.
func New(cfg Config) *Agent {
	return &Agent{cfg: cfg, window: flowcontrol.New(ntp.MaxPayload), names: spack.NewNameTable()}
}

func (a *Agent) nextSeq() uint32 {
	a.seq++
	return a.seq
}

// NextSeq hands out the next outbound sequence number. It is exported so a
// transport layer can number ad hoc BODYLESS ACK/NACK datagrams the same
// way the handshake and metric builders number theirs.
func (a *Agent) NextSeq() uint32 { return a.nextSeq() }

// BeginRegister starts a fresh handshake: it generates an ephemeral key
// pair and returns the plaintext REGISTER datagram to send. Call
// FinishRegister with the coordinator's REGISTER_CHALLENGE reply.
func (a *Agent) BeginRegister() (*ntp.Datagram, error) {
	session, err := ecdhe.New(a.cfg.Curve)
	if err != nil {
		return nil, errors.Wrap(err, "agent: begin register")
	}
	a.session = session
	d := &ntp.Datagram{
		Public: ntp.PublicHeader{Mark: ntp.MarkPlain},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: a.nextSeq(),
			Type:     ntp.TypeRegister,
		},
		Body: &ntp.RegisterBody{PublicKey: session.PublicKey()},
	}
	return d, nil
}

// FinishRegister links against the coordinator's ephemeral public key and
// answers its challenge, returning the REGISTER_CHALLENGE2 datagram to
// send. The recovered control value is not kept; only the response
// derived from it goes back to the coordinator.
func (a *Agent) FinishRegister(challenge *ntp.RegisterChallengeBody) (*ntp.Datagram, error) {
	if a.session == nil {
		return nil, errors.New("agent: FinishRegister called before BeginRegister")
	}
	if _, err := a.session.Link(challenge.PublicKey, challenge.Challenge.Salt); err != nil {
		return nil, errors.Wrap(err, "agent: link")
	}
	_, response, err := a.session.VerifyChallenge(&challenge.Challenge)
	if err != nil {
		return nil, errors.Wrap(err, "agent: verify challenge")
	}
	d := &ntp.Datagram{
		Public: ntp.PublicHeader{Mark: ntp.MarkPlain},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: a.nextSeq(),
			Type:     ntp.TypeRegisterChallenge2,
		},
		Body: &ntp.RegisterChallenge2Body{Response: *response},
	}
	return d, nil
}

// CompleteRegister is called once CONNECTION_ACCEPTED arrives: it derives
// the session id, persists the keystore record, and marks the session
// established for subsequent encrypted traffic.
func (a *Agent) CompleteRegister() error {
	if a.session == nil {
		return errors.New("agent: CompleteRegister called with no linked session")
	}
	sid, err := a.session.GenerateSessionID(nil)
	if err != nil {
		return errors.Wrap(err, "agent: generate session id")
	}
	copy(a.sessionID[:], sid)
	if a.cfg.Store != nil {
		rec := &keystore.Record{
			SessionID: append([]byte(nil), a.sessionID[:]...),
			Secret:    a.session.Secret(),
			Salt:      a.session.LastSalt(),
		}
		if err := a.cfg.Store.Save(rec); err != nil {
			return errors.Wrap(err, "agent: persist keystore")
		}
	}
	return nil
}

// BeginWake revives a session from the keystore and returns the encrypted
// WAKE datagram to send.
func (a *Agent) BeginWake() (*ntp.Datagram, error) {
	if a.cfg.Store == nil {
		return nil, errors.New("agent: no keystore configured")
	}
	rec, err := a.cfg.Store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "agent: load keystore")
	}
	session, err := ecdhe.NewRevived(rec.Secret, rec.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "agent: revive session")
	}
	a.session = session
	copy(a.sessionID[:], rec.SessionID)
	d := &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: a.sessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: a.nextSeq(),
			Type:     ntp.TypeWake,
		},
		Body: &ntp.WakeBody{Seq: a.seq},
	}
	return d, nil
}

// CompleteWake is called once the coordinator's WAKE reply arrives
// carrying a fresh sequence seed: both sides reset their flow-control
// window to it, so the first SEND_METRICS after revival uses that seed
//.
func (a *Agent) CompleteWake(reply *ntp.WakeBody) {
	a.seq = reply.Seq - 1 // nextSeq() will hand out reply.Seq itself next
	a.window.Reset(reply.Seq)
}

// DiscardSession deletes the persisted keystore record. Called on
// CONNECTION_REJECTED: a rejected session's key material is dead and must
// not be revived again.
func (a *Agent) DiscardSession() error {
	a.session = nil
	if a.cfg.Store == nil {
		return nil
	}
	return a.cfg.Store.Delete()
}

// HandlePushSchemas unpacks a PUSH_SCHEMAS body into a task collection the
// caller can hand to its monitoring worker.
func (a *Agent) HandlePushSchemas(body *ntp.PushSchemasBody) (spack.TaskCollection, error) {
	obj, err := spack.Unmarshal(body.Schema)
	if err != nil {
		return nil, errors.Wrap(err, "agent: unmarshal pushed schema")
	}
	return spack.UnpackTaskCollection(obj, a.cfg.Resolver)
}

// BuildSendMetrics packs report against task and wraps it in an encrypted
// SEND_METRICS datagram. SEND_METRICS is one of the types that bypass
// retransmission arming: a dropped metric batch is superseded
// by the next tick's batch rather than retried, so unlike PUSH_SCHEMAS it is
// never handed to the window's pending queue.
func (a *Agent) BuildSendMetrics(report *spack.MetricReport, task *spack.Task) (*ntp.Datagram, error) {
	if a.session == nil {
		return nil, errors.New("agent: no established session")
	}
	obj, err := spack.PackMetricReport(report, task, a.names)
	if err != nil {
		return nil, errors.Wrap(err, "agent: pack metric report")
	}
	wire, err := spack.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "agent: marshal metric report")
	}
	if len(wire) > ntp.MaxPayload {
		return nil, errors.Wrapf(ntp.ErrPayloadTooLarge, "%d bytes", len(wire))
	}
	seq := a.nextSeq()
	d := &ntp.Datagram{
		Public: ntp.PublicHeader{SessionID: a.sessionID, Mark: ntp.MarkEncrypted},
		Private: ntp.PrivateHeader{
			Version:  1,
			Sequence: seq,
			Ack:      a.window.LastSeq(),
			Type:     ntp.TypeSendMetrics,
		},
		Body: &ntp.SendMetricsBody{TaskID: report.TaskID, Report: wire},
	}
	return d, nil
}

// Session returns the agent's current ECDHE session, or nil if none is
// established yet.
func (a *Agent) Session() *ecdhe.Session { return a.session }

// SessionID returns the 16-byte session identifier established at
// registration or revival time.
func (a *Agent) SessionID() [16]byte { return a.sessionID }

// Window exposes the reliability window so a caller's send/receive loop
// can drive retransmission and ack bookkeeping.
func (a *Agent) Window() *flowcontrol.Window { return a.window }

// Encode is a convenience wrapper around ntp.Encode using this agent's
// current session.
func (a *Agent) Encode(d *ntp.Datagram) ([]byte, error) {
	return ntp.Encode(d, a.session)
}

// Decode is a convenience wrapper around ntp.Decode using this agent's
// current session.
func (a *Agent) Decode(buf []byte) (*ntp.Datagram, error) {
	return ntp.Decode(buf, a.session)
}

// Dial resolves addr and returns a connected UDP socket ready for
// ReadFrom/WriteTo.
func Dial(addr string) (net.PacketConn, *net.UDPAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "agent: resolve coordinator address")
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "agent: listen")
	}
	log.Println("agent: dialing coordinator at", udpAddr)
	return conn, udpAddr, nil
}
