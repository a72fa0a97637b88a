package ntp

import (
	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/buffer"
	"github.com/xtaci/netmontun/ecdhe"
)

// ErrPayloadTooLarge is returned when a caller asks Encode to fit more than
// MaxPayload bytes of private-header-plus-body into one datagram. The
// public header's more-fragments/fragment-offset fields exist to let a
// future version split across datagrams; this version does not implement
// that split, so oversize payloads are simply rejected.
var ErrPayloadTooLarge = errors.New("ntp: payload exceeds maximum datagram size")

// Datagram is one NTP wire message: a public header plus a private header
// and body that travel together, either in the clear or sealed inside a
// session envelope.
type Datagram struct {
	Public  PublicHeader
	Private PrivateHeader
	Body    Body
}

// encodeEnvelope writes the u32-length-prefixed (iv, tag, ciphertext)
// triple for an encrypted payload. The tag travels
// separately from the ciphertext on the wire even though crypto/cipher's
// GCM implementation appends it; Envelope.Tag/CiphertextOnly split it back
// out at encode time.
func encodeEnvelope(w *buffer.Writer, env ecdhe.Envelope) {
	w.WriteU32(uint32(len(env.IV)))
	w.Write(env.IV)
	tag := env.Tag()
	w.WriteU32(uint32(len(tag)))
	w.Write(tag)
	ct := env.CiphertextOnly()
	w.WriteU32(uint32(len(ct)))
	w.Write(ct)
}

func decodeEnvelope(r *buffer.Reader) (ecdhe.Envelope, error) {
	iv, err := readLenPrefixed32(r)
	if err != nil {
		return ecdhe.Envelope{}, err
	}
	tag, err := readLenPrefixed32(r)
	if err != nil {
		return ecdhe.Envelope{}, err
	}
	ct, err := readLenPrefixed32(r)
	if err != nil {
		return ecdhe.Envelope{}, err
	}
	return ecdhe.Envelope{IV: iv, Ciphertext: append(ct, tag...)}, nil
}

// Encode serialises d. When d.Public.Mark is MarkEncrypted, session must be
// non-nil and already carry a session key; the private header and body are
// sealed together under it. When Mark is MarkPlain (used for the
// REGISTER/REGISTER_CHALLENGE/REGISTER_CHALLENGE2 legs and for
// CONNECTION_REJECTED), session may be nil.
func Encode(d *Datagram, session *ecdhe.Session) ([]byte, error) {
	inner := buffer.NewWriter()
	encodePrivateHeader(inner, d.Private)
	if err := encodeBody(inner, d.Body); err != nil {
		return nil, err
	}
	plaintext := inner.Bytes()
	if len(plaintext) > MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes", len(plaintext))
	}

	out := buffer.NewWriter()
	var payload []byte
	switch d.Public.Mark {
	case MarkEncrypted:
		if session == nil {
			return nil, ecdhe.ErrNotInitialised
		}
		env, err := session.Envelope(plaintext)
		if err != nil {
			return nil, err
		}
		envWriter := buffer.NewWriter()
		encodeEnvelope(envWriter, env)
		payload = envWriter.Bytes()
	case MarkPlain:
		payload = plaintext
	default:
		return nil, errors.Errorf("ntp: unknown crypt mark %q", d.Public.Mark)
	}

	d.Public.PayloadSize = uint32(len(payload))
	encodePublicHeader(out, d.Public)
	out.Write(payload)
	return out.Bytes(), nil
}

// Decode parses one datagram from buf. session is required (and must carry
// a session key) whenever the decoded public header's Mark is
// MarkEncrypted; it may be nil while still negotiating (the REGISTER leg).
func Decode(buf []byte, session *ecdhe.Session) (*Datagram, error) {
	r := buffer.NewReader(buf)
	public, err := decodePublicHeader(r)
	if err != nil {
		return nil, err
	}
	payload, err := r.Read(int(public.PayloadSize))
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	switch public.Mark {
	case MarkEncrypted:
		if session == nil {
			return nil, ecdhe.ErrNotInitialised
		}
		envR := buffer.NewReader(payload)
		env, err := decodeEnvelope(envR)
		if err != nil {
			return nil, err
		}
		plaintext, err = session.Deenvelope(env)
		if err != nil {
			return nil, err
		}
	case MarkPlain:
		plaintext = payload
	default:
		return nil, errors.Errorf("ntp: unknown crypt mark %q", public.Mark)
	}

	inner := buffer.NewReader(plaintext)
	private, err := decodePrivateHeader(inner)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(private.Type, inner)
	if err != nil {
		return nil, err
	}
	return &Datagram{Public: public, Private: private, Body: body}, nil
}
