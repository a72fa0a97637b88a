package ntp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/buffer"
	"github.com/xtaci/netmontun/ecdhe"
)

// Type identifies a datagram's body variant. Each value below corresponds
// to exactly one message kind; there is no
// shared "header flags" soup, the variant is explicit and threaded
// through a type switch.
type Type uint32

const (
	TypeRegister Type = iota + 1
	TypeRegisterChallenge
	TypeRegisterChallenge2
	TypeConnectionAccepted
	TypeConnectionRejected
	TypeConnectionReset
	TypePushSchemas
	TypeSendMetrics
	TypeWake
	TypeAck
)

func (t Type) String() string {
	switch t {
	case TypeRegister:
		return "REGISTER"
	case TypeRegisterChallenge:
		return "REGISTER_CHALLENGE"
	case TypeRegisterChallenge2:
		return "REGISTER_CHALLENGE2"
	case TypeConnectionAccepted:
		return "CONNECTION_ACCEPTED"
	case TypeConnectionRejected:
		return "CONNECTION_REJECTED"
	case TypeConnectionReset:
		return "CONNECTION_RESET"
	case TypePushSchemas:
		return "PUSH_SCHEMAS"
	case TypeSendMetrics:
		return "SEND_METRICS"
	case TypeWake:
		return "WAKE"
	case TypeAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// RejectReason explains why a coordinator refused a REGISTER/WAKE attempt,
// carried on the wire so the agent can decide whether to retry, discard
// its keystore, or give up.
type RejectReason uint8

const (
	ReasonUnspecified RejectReason = iota
	ReasonDeviceNotAuthorized
	ReasonAuthenticationFailed
	ReasonSessionExpired
	ReasonRateLimited
)

var ErrUnknownBodyType = errors.New("ntp: unknown body type")

// Body is implemented by every per-variant payload. Encode/Decode live
// outside the interface (as free functions keyed by Type) so that a
// Bodyless value can satisfy it without reflection tricks.
type Body interface {
	bodyType() Type
}

func encodeBody(w *buffer.Writer, b Body) error {
	switch v := b.(type) {
	case *RegisterBody:
		w.WriteU16(uint16(len(v.PublicKey)))
		w.Write(v.PublicKey)
	case *RegisterChallengeBody:
		w.WriteU16(uint16(len(v.PublicKey)))
		w.Write(v.PublicKey)
		encodeChallenge(w, v.Challenge)
	case *RegisterChallenge2Body:
		encodeChallenge(w, v.Response)
	case *ConnectionRejectedBody:
		w.WriteU8(uint8(v.Reason))
	case *PushSchemasBody:
		w.WriteU32(uint32(len(v.Schema)))
		w.Write(v.Schema)
	case *SendMetricsBody:
		w.WriteU32(uint32(len(v.TaskID)))
		w.Write([]byte(v.TaskID))
		w.WriteU32(uint32(len(v.Report)))
		w.Write(v.Report)
	case *WakeBody:
		w.Write([]byte(WakeMarker))
		w.WriteU32(v.Seq)
	case *ConnectionResetBody:
		w.WriteU32(uint32(v.TimestampMs >> 32))
		w.WriteU32(uint32(v.TimestampMs))
	case *Bodyless:
		// nothing to write
	default:
		return errors.Wrapf(ErrUnknownBodyType, "%T", b)
	}
	return nil
}

func decodeBody(t Type, r *buffer.Reader) (Body, error) {
	switch t {
	case TypeRegister:
		pk, err := readLenPrefixed16(r)
		if err != nil {
			return nil, err
		}
		return &RegisterBody{PublicKey: pk}, nil
	case TypeRegisterChallenge:
		pk, err := readLenPrefixed16(r)
		if err != nil {
			return nil, err
		}
		ch, err := decodeChallenge(r, true)
		if err != nil {
			return nil, err
		}
		return &RegisterChallengeBody{PublicKey: pk, Challenge: ch}, nil
	case TypeRegisterChallenge2:
		ch, err := decodeChallenge(r, false)
		if err != nil {
			return nil, err
		}
		return &RegisterChallenge2Body{Response: ch}, nil
	case TypeConnectionAccepted, TypeAck:
		return &Bodyless{}, nil
	case TypeConnectionReset:
		hi, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		lo, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		return &ConnectionResetBody{TimestampMs: uint64(hi)<<32 | uint64(lo)}, nil
	case TypeConnectionRejected:
		reason, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		return &ConnectionRejectedBody{Reason: RejectReason(reason)}, nil
	case TypePushSchemas:
		schema, err := readLenPrefixed32(r)
		if err != nil {
			return nil, err
		}
		return &PushSchemasBody{Schema: schema}, nil
	case TypeSendMetrics:
		taskID, err := readLenPrefixed32(r)
		if err != nil {
			return nil, err
		}
		report, err := readLenPrefixed32(r)
		if err != nil {
			return nil, err
		}
		return &SendMetricsBody{TaskID: string(taskID), Report: report}, nil
	case TypeWake:
		marker, err := r.Read(len(WakeMarker))
		if err != nil {
			return nil, err
		}
		if string(marker) != WakeMarker {
			return nil, errors.Errorf("ntp: wake body missing %q marker", WakeMarker)
		}
		seq, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		return &WakeBody{Seq: seq}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownBodyType, "type=%d", t)
	}
}

func readLenPrefixed16(r *buffer.Reader) ([]byte, error) {
	n, err := r.ReadU16()
	if err != nil {
		return nil, err
	}
	return r.Read(int(n))
}

func readLenPrefixed32(r *buffer.Reader) ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return r.Read(int(n))
}

func encodeChallenge(w *buffer.Writer, ch ecdhe.Challenge) {
	w.WriteU16(uint16(len(ch.Envelope.IV)))
	w.Write(ch.Envelope.IV)
	w.WriteU32(uint32(len(ch.Envelope.Ciphertext)))
	w.Write(ch.Envelope.Ciphertext)
	w.WriteU16(uint16(len(ch.Salt)))
	w.Write(ch.Salt)
}

func decodeChallenge(r *buffer.Reader, wantSalt bool) (ecdhe.Challenge, error) {
	var ch ecdhe.Challenge
	iv, err := readLenPrefixed16(r)
	if err != nil {
		return ch, err
	}
	ct, err := readLenPrefixed32(r)
	if err != nil {
		return ch, err
	}
	salt, err := readLenPrefixed16(r)
	if err != nil {
		return ch, err
	}
	ch.Envelope = ecdhe.Envelope{IV: iv, Ciphertext: ct}
	if wantSalt && len(salt) > 0 {
		ch.Salt = salt
	}
	return ch, nil
}

// RegisterBody carries the agent's ephemeral public key.
type RegisterBody struct {
	PublicKey []byte
}

func (*RegisterBody) bodyType() Type { return TypeRegister }

// RegisterChallengeBody is the coordinator's reply: its own ephemeral
// public key plus the first leg of the three-phase identity challenge.
type RegisterChallengeBody struct {
	PublicKey []byte
	Challenge ecdhe.Challenge
}

func (*RegisterChallengeBody) bodyType() Type { return TypeRegisterChallenge }

// RegisterChallenge2Body is the agent's response, re-encrypted under the
// challenge key.
type RegisterChallenge2Body struct {
	Response ecdhe.Challenge
}

func (*RegisterChallenge2Body) bodyType() Type { return TypeRegisterChallenge2 }

// ConnectionRejectedBody explains a REGISTER/WAKE refusal.
type ConnectionRejectedBody struct {
	Reason RejectReason
}

func (*ConnectionRejectedBody) bodyType() Type { return TypeConnectionRejected }

// PushSchemasBody carries a SPACK-encoded spack.TaskCollection. The ntp
// package treats it as an opaque blob: the caller marshals/unmarshals it
// with the spack package, which alone knows how to resolve dynamic device
// references.
type PushSchemasBody struct {
	Schema []byte
}

func (*PushSchemasBody) bodyType() Type { return TypePushSchemas }

// SendMetricsBody carries the task-id the report belongs to (length-prefixed
// UTF-8) followed by one SPACK-encoded spack.MetricReport, whose
// shape depends on that task's device/link selections and so cannot be
// unpacked without knowing which task produced it.
type SendMetricsBody struct {
	TaskID string
	Report []byte
}

func (*SendMetricsBody) bodyType() Type { return TypeSendMetrics }

// WakeMarker is the fixed ASCII marker at the head of every
// WAKE body, both the agent's 0-RTT revival probe and the coordinator's
// reply carrying the new sequence seed.
const WakeMarker = "WAKEPING"

// WakeBody is the fixed marker followed by a 32-bit sequence seed.
// The session this WAKE belongs to travels in the public
// header's SessionID field, not the body; the body only carries the seed
// both sides reset their flow-control window to.
type WakeBody struct {
	Seq uint32
}

func (*WakeBody) bodyType() Type { return TypeWake }

// ConnectionResetBody carries the 8-byte big-endian millisecond wall-clock
// timestamp on CONNECTION_RESET, so the receiver can reject
// a replayed reset whose timestamp has expired.
type ConnectionResetBody struct {
	TimestampMs uint64
}

func (*ConnectionResetBody) bodyType() Type { return TypeConnectionReset }

// ResetSkew is the symmetric freshness window ValidateResetTimestamp
// enforces. A naive comparison like `timestamp + 1_000_000 < now_ms`
// mixes microseconds against a
// millisecond clock; this implementation picks one unit, milliseconds,
// and one bound, applied symmetrically in both directions, rather than
// carrying the ambiguity forward.
const ResetSkew = 1000 * time.Millisecond

// ErrResetExpired is returned by ValidateResetTimestamp when a
// CONNECTION_RESET's timestamp falls outside ResetSkew of now.
var ErrResetExpired = errors.New("ntp: connection reset timestamp outside freshness window")

// ValidateResetTimestamp rejects a CONNECTION_RESET whose timestamp is more
// than ResetSkew away from now in either direction. A timestamp exactly
// ResetSkew away is rejected.
func ValidateResetTimestamp(tsMs uint64, now time.Time) error {
	nowMs := uint64(now.UnixNano() / int64(time.Millisecond))
	var skew time.Duration
	if tsMs >= nowMs {
		skew = time.Duration(tsMs-nowMs) * time.Millisecond
	} else {
		skew = time.Duration(nowMs-tsMs) * time.Millisecond
	}
	if skew >= ResetSkew {
		return errors.Wrapf(ErrResetExpired, "timestamp=%dms now=%dms", tsMs, nowMs)
	}
	return nil
}

// Bodyless satisfies Body for the variants that carry no payload:
// CONNECTION_ACCEPTED and ACK.
type Bodyless struct {
	t Type
}

func (b *Bodyless) bodyType() Type {
	if b.t == 0 {
		return TypeConnectionAccepted
	}
	return b.t
}

// NewBodyless returns a Bodyless body tagged with the given variant.
func NewBodyless(t Type) *Bodyless { return &Bodyless{t: t} }
