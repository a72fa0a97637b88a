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

// Package ecdhe implements the ephemeral key agreement, HKDF key schedule,
// authenticated encryption and three-phase identity challenge that
// authenticate every NTP session.
//
// The cipher is fixed at 128-bit key / 96-bit IV / 128-bit tag AES-GCM: the
// protocol does not negotiate cipher suites. The curve
// is a short-Weierstrass NIST curve, following the pattern in the
// ericlagergren/dr ratchet's NIST mode, rather than a Montgomery curve,
// again per the fixed-suite Non-goal.
package ecdhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of the session and challenge keys.
	KeySize = 16
	// IVSize is the size in bytes of an AES-GCM nonce.
	IVSize = 12
	// TagSize is the size in bytes of the AES-GCM authentication tag.
	TagSize = 16
	// SessionIDSize is the size in bytes of a derived session identifier.
	SessionIDSize = 16
)

var (
	// ErrNotInitialised is returned when an operation needs a linked shared
	// secret but Link/NewRevived has not yet produced one.
	ErrNotInitialised = errors.New("ecdhe: session not initialised")
	// ErrAuthFailure covers tag mismatches and any other decrypt failure.
	ErrAuthFailure = errors.New("ecdhe: authentication failure")
	// ErrChallengeMissingSalt is returned by VerifyChallenge when called on
	// a challenge that carries no salt (i.e. a response, not a challenge).
	ErrChallengeMissingSalt = errors.New("ecdhe: challenge has no salt")
	// ErrUnknownCurve is returned by New for an unrecognised curve name.
	ErrUnknownCurve = errors.New("ecdhe: unknown curve")
)

// curveByName resolves the short list of curves this protocol is willing to
// speak. p256 is the default: 128-bit security, the minimum this protocol
// accepts; production deployments should move to a 256-bit curve and
// cipher.
func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "", "p256":
		return elliptic.P256(), nil
	case "p384":
		return elliptic.P384(), nil
	case "p521":
		return elliptic.P521(), nil
	default:
		return nil, errors.Wrapf(ErrUnknownCurve, "%q", name)
	}
}

// Envelope is an authenticated-encryption triple. Ciphertext carries the
// GCM tag appended, matching crypto/cipher's Seal convention; callers that
// need the tag split out for wire framing use Tag/CiphertextOnly.
type Envelope struct {
	IV         []byte
	Ciphertext []byte
}

// Tag returns the trailing 16-byte authentication tag.
func (e Envelope) Tag() []byte {
	if len(e.Ciphertext) < TagSize {
		return nil
	}
	return e.Ciphertext[len(e.Ciphertext)-TagSize:]
}

// CiphertextOnly returns the ciphertext with the trailing tag stripped.
func (e Envelope) CiphertextOnly() []byte {
	if len(e.Ciphertext) < TagSize {
		return nil
	}
	return e.Ciphertext[:len(e.Ciphertext)-TagSize]
}

// Challenge is one leg of the three-phase identity proof. Salt is present
// on the server's initial challenge and absent on every re-encrypted
// response.
type Challenge struct {
	Envelope Envelope
	Salt     []byte
}

// Session holds one NTP session's key material: the ephemeral key pair (if
// freshly negotiated), the shared secret, and the HKDF-derived session and
// challenge keys.
type Session struct {
	curve elliptic.Curve

	priv []byte // scalar, absent for revived sessions
	pub  []byte // uncompressed point, absent for revived sessions

	peerPub []byte
	secret  []byte // 32-byte ECDH shared x-coordinate, or revived material

	sessionKey   []byte
	challengeKey []byte
	lastSalt     []byte
}

// New generates a fresh ephemeral key pair on the named curve.
func New(curveName string) (*Session, error) {
	curve, err := curveByName(curveName)
	if err != nil {
		return nil, err
	}
	priv, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "ecdhe: generate key")
	}
	return &Session{
		curve: curve,
		priv:  priv,
		pub:   elliptic.Marshal(curve, x, y),
	}, nil
}

// NewRevived reconstructs a session's key schedule directly from persisted
// keystore material, skipping key agreement entirely (0-RTT revival).
func NewRevived(secret, salt []byte) (*Session, error) {
	s := &Session{secret: append([]byte(nil), secret...)}
	if err := s.RegenerateKeys(salt); err != nil {
		return nil, err
	}
	return s, nil
}

// PublicKey returns this side's ephemeral public key, in the uncompressed
// ANSI X9.62 form produced by elliptic.Marshal.
func (s *Session) PublicKey() []byte {
	return s.pub
}

// Secret returns the raw shared secret the session and challenge keys were
// derived from. Callers persist this (alongside LastSalt) to revive a
// session 0-RTT via NewRevived; it is the one piece of key material the
// keystore is allowed to see.
func (s *Session) Secret() []byte {
	return s.secret
}

// LastSalt returns the salt most recently used to derive the session and
// challenge keys.
func (s *Session) LastSalt() []byte {
	return s.lastSalt
}

// Link computes the ECDH shared secret against peerPub and derives the
// session and challenge keys. If salt is nil, 16 random bytes are drawn.
// The salt actually used is returned so the caller can place it on the
// wire.
func (s *Session) Link(peerPub []byte, salt []byte) ([]byte, error) {
	if s.curve == nil || s.priv == nil {
		return nil, errors.Wrap(ErrNotInitialised, "ecdhe: Link requires New()")
	}
	x, y := elliptic.Unmarshal(s.curve, peerPub)
	if x == nil {
		return nil, errors.New("ecdhe: invalid peer public key")
	}
	s.peerPub = append([]byte(nil), peerPub...)

	sx, _ := s.curve.ScalarMult(x, y, s.priv)
	secret := make([]byte, (s.curve.Params().BitSize+7)/8)
	sx.FillBytes(secret)
	s.secret = secret

	if salt == nil {
		salt = make([]byte, SessionIDSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, errors.Wrap(err, "ecdhe: draw salt")
		}
	}
	if err := s.RegenerateKeys(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// RegenerateKeys rebuilds the session and challenge keys from the current
// shared secret and a (possibly new) salt. Used both by Link and after a
// confirmed challenge.
func (s *Session) RegenerateKeys(salt []byte) error {
	if s.secret == nil {
		return ErrNotInitialised
	}
	sessionKey, err := hkdfBytes(s.secret, salt, []byte("session-key"), KeySize)
	if err != nil {
		return err
	}
	challengeKey, err := hkdfBytes(s.secret, salt, []byte("challenge-key"), KeySize)
	if err != nil {
		return err
	}
	s.sessionKey = sessionKey
	s.challengeKey = challengeKey
	s.lastSalt = append([]byte(nil), salt...)
	return nil
}

// GenerateSessionID derives the 16-byte session identifier from the shared
// secret and the supplied salt (HKDF context "session-id"). If salt is nil
// the session's last salt is used.
func (s *Session) GenerateSessionID(salt []byte) ([]byte, error) {
	if s.secret == nil {
		return nil, ErrNotInitialised
	}
	if salt == nil {
		salt = s.lastSalt
	}
	return hkdfBytes(s.secret, salt, []byte("session-id"), SessionIDSize)
}

func hkdfBytes(secret, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "ecdhe: hkdf expand")
	}
	return out, nil
}

func gcmFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "ecdhe: aes.NewCipher")
	}
	aead, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return nil, errors.Wrap(err, "ecdhe: cipher.NewGCM")
	}
	return aead, nil
}

func sealWithKey(key, iv, plaintext []byte) (Envelope, error) {
	aead, err := gcmFor(key)
	if err != nil {
		return Envelope{}, err
	}
	if iv == nil {
		iv = make([]byte, IVSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return Envelope{}, errors.Wrap(err, "ecdhe: draw iv")
		}
	}
	ct := aead.Seal(nil, iv, plaintext, nil)
	return Envelope{IV: iv, Ciphertext: ct}, nil
}

func openWithKey(key []byte, env Envelope) ([]byte, error) {
	aead, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(ErrAuthFailure, err.Error())
	}
	return pt, nil
}

// Encrypt seals plaintext under the session key with a fresh random IV.
func (s *Session) Encrypt(plaintext []byte) (Envelope, error) {
	if s.sessionKey == nil {
		return Envelope{}, ErrNotInitialised
	}
	return sealWithKey(s.sessionKey, nil, plaintext)
}

// Decrypt opens env under the session key.
func (s *Session) Decrypt(env Envelope) ([]byte, error) {
	if s.sessionKey == nil {
		return nil, ErrNotInitialised
	}
	return openWithKey(s.sessionKey, env)
}

// Envelope is an alias for Encrypt used at call sites that protect a
// private-header-plus-body pair rather than a bare payload; the cipher and
// key are identical, only the call-site intent differs.
func (s *Session) Envelope(plaintext []byte) (Envelope, error) {
	return s.Encrypt(plaintext)
}

// Deenvelope is an alias for Decrypt, see Envelope.
func (s *Session) Deenvelope(env Envelope) ([]byte, error) {
	return s.Decrypt(env)
}

// GenerateChallenge encrypts control (or 16 fresh random bytes if control is
// nil) under the session key, using IV = salt[:12]. A nil salt means the
// salt the current keys were derived from (LastSalt), so the challenge's
// Salt is the one a peer must Link with. It returns the plaintext control
// alongside the wire challenge.
func (s *Session) GenerateChallenge(control, salt []byte) ([]byte, *Challenge, error) {
	if s.sessionKey == nil {
		return nil, nil, ErrNotInitialised
	}
	if control == nil {
		control = make([]byte, SessionIDSize)
		if _, err := io.ReadFull(rand.Reader, control); err != nil {
			return nil, nil, errors.Wrap(err, "ecdhe: draw control")
		}
	}
	if salt == nil {
		salt = s.lastSalt
	}
	if len(salt) < IVSize {
		return nil, nil, errors.New("ecdhe: salt shorter than iv")
	}
	env, err := sealWithKey(s.sessionKey, append([]byte(nil), salt[:IVSize]...), control)
	if err != nil {
		return nil, nil, err
	}
	return control, &Challenge{Envelope: env, Salt: salt}, nil
}

// VerifyChallenge decrypts ch under the session key (ch.Salt supplies the
// IV) and re-encrypts the recovered plaintext under the challenge key with
// a fresh random IV, returning both the recovered control and the response
// to send back.
func (s *Session) VerifyChallenge(ch *Challenge) ([]byte, *Challenge, error) {
	if s.sessionKey == nil || s.challengeKey == nil {
		return nil, nil, ErrNotInitialised
	}
	if ch.Salt == nil {
		return nil, nil, ErrChallengeMissingSalt
	}
	control, err := openWithKey(s.sessionKey, ch.Envelope)
	if err != nil {
		return nil, nil, err
	}
	respEnv, err := sealWithKey(s.challengeKey, nil, control)
	if err != nil {
		return nil, nil, err
	}
	return control, &Challenge{Envelope: respEnv}, nil
}

// ConfirmChallenge decrypts response under the challenge key and reports
// whether the recovered plaintext equals originalControl.
func (s *Session) ConfirmChallenge(response *Challenge, originalControl []byte) (bool, error) {
	if s.challengeKey == nil {
		return false, ErrNotInitialised
	}
	plain, err := openWithKey(s.challengeKey, response.Envelope)
	if err != nil {
		if errors.Is(err, ErrAuthFailure) {
			return false, nil
		}
		return false, err
	}
	return subtle.ConstantTimeCompare(plain, originalControl) == 1, nil
}

