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

// Package ntp implements the Net-Task Protocol: typed datagram variants, the
// public/private header split, and the authenticated envelope that wraps
// the private header and body together. It is unrelated to the Network
// Time Protocol of the same abbreviation.
package ntp

import (
	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/buffer"
)

// Signature is the fixed 4-byte marker every public header begins with.
const Signature = "NTTK"

// CryptMark distinguishes an encrypted private-header-plus-body envelope
// (CC) from a plaintext one (NC).
type CryptMark [2]byte

var (
	MarkEncrypted = CryptMark{'C', 'C'}
	MarkPlain     = CryptMark{'N', 'C'}
)

// MaxPayload is the configured maximum payload size; more-fragments/
// fragment-offset fields are reserved for exceeding it but fragmentation
// itself is out of scope. Encode rejects a larger payload with
// ErrPayloadTooLarge.
const MaxPayload = 1425

// PublicHeader is the fixed, never-encrypted envelope around every
// datagram.
type PublicHeader struct {
	SessionID      [16]byte
	Mark           CryptMark
	PayloadSize    uint32
	MoreFragments  bool
	FragmentOffset uint32
}

// ErrSignatureNotFound is returned when no NTTK marker exists in the
// remaining buffer.
var ErrSignatureNotFound = errors.New("ntp: signature not found")

// ErrBadVersion is returned when a private header's version field is not 1.
var ErrBadVersion = errors.New("ntp: unsupported private header version")

// scanSignature advances r past any leading garbage until the 4-byte
// Signature is matched and consumed: the reader scans forward until a
// 4-byte signature is matched.
func scanSignature(r *buffer.Reader) error {
	for {
		b, err := r.Peek(4)
		if err != nil {
			return errors.Wrap(ErrSignatureNotFound, err.Error())
		}
		if string(b) == Signature {
			_, _ = r.Read(4)
			return nil
		}
		if err := r.Skip(1); err != nil {
			return errors.Wrap(ErrSignatureNotFound, err.Error())
		}
	}
}

func encodePublicHeader(w *buffer.Writer, h PublicHeader) {
	w.Write([]byte(Signature))
	w.Write(h.SessionID[:])
	w.Write(h.Mark[:])
	w.WriteU32(h.PayloadSize)
	if h.MoreFragments {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
	w.WriteU32(h.FragmentOffset)
}

func decodePublicHeader(r *buffer.Reader) (PublicHeader, error) {
	var h PublicHeader
	if err := scanSignature(r); err != nil {
		return h, err
	}
	sid, err := r.Read(16)
	if err != nil {
		return h, err
	}
	copy(h.SessionID[:], sid)
	mark, err := r.Read(2)
	if err != nil {
		return h, err
	}
	copy(h.Mark[:], mark)
	h.PayloadSize, err = r.ReadU32()
	if err != nil {
		return h, err
	}
	mf, err := r.ReadU8()
	if err != nil {
		return h, err
	}
	h.MoreFragments = mf != 0
	h.FragmentOffset, err = r.ReadU32()
	if err != nil {
		return h, err
	}
	return h, nil
}

// PeekPublicHeader decodes only the public header from buf, leaving the
// payload unconsumed. An endpoint's receive loop uses this to learn a
// datagram's session-id and crypto-mark before it knows which session's
// key (if any) to decrypt the rest with.
func PeekPublicHeader(buf []byte) (PublicHeader, error) {
	r := buffer.NewReader(buf)
	return decodePublicHeader(r)
}

// PrivateHeader carries the sequencing/acking state, protected (when
// CryptMark is CC) under the same envelope as the body.
type PrivateHeader struct {
	Version  uint32
	Sequence uint32
	Ack      uint32
	Nack     uint32
	Type     Type
}

const privateHeaderVersion = 1

func encodePrivateHeader(w *buffer.Writer, h PrivateHeader) {
	w.WriteU32(h.Version)
	w.WriteU32(h.Sequence)
	w.WriteU32(h.Ack)
	w.WriteU32(h.Nack)
	w.WriteU32(uint32(h.Type))
}

func decodePrivateHeader(r *buffer.Reader) (PrivateHeader, error) {
	var h PrivateHeader
	var err error
	if h.Version, err = r.ReadU32(); err != nil {
		return h, err
	}
	if h.Version != privateHeaderVersion {
		return h, errors.Wrapf(ErrBadVersion, "got %d", h.Version)
	}
	if h.Sequence, err = r.ReadU32(); err != nil {
		return h, err
	}
	if h.Ack, err = r.ReadU32(); err != nil {
		return h, err
	}
	if h.Nack, err = r.ReadU32(); err != nil {
		return h, err
	}
	t, err := r.ReadU32()
	if err != nil {
		return h, err
	}
	h.Type = Type(t)
	return h, nil
}
