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

// Package keystore persists the {session-id, secret, salt} triple that
// enables 0-RTT session revival. The on-disk obfuscation (reverse the
// base64 JSON, then XOR every byte with 0x69) is deliberately not a
// security mechanism, so callers that
// need real confidentiality must protect the file at the filesystem level
// or wrap Store with their own encryption.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Record is the persisted key material for one session.
type Record struct {
	SessionID []byte `json:"sessionId"`
	Secret    []byte `json:"secret"`
	Salt      []byte `json:"salt"`
}

// wireRecord mirrors Record but with base64-url string fields, matching
// the JSON-then-obfuscate wire format.
type wireRecord struct {
	SessionID string `json:"sessionId"`
	Secret    string `json:"secret"`
	Salt      string `json:"salt"`
}

// Store is the interface the core consumes for keystore persistence; the
// actual file I/O is an external collaborator,
// but FileStore below ships a reference implementation of the one
// collaborator whose wire format is fixed exactly.
type Store interface {
	Load() (*Record, error)
	Save(*Record) error
	Delete() error
}

// FileStore persists a single Record at Path using an obfuscated
// JSON format: base64-url-encode byte fields, JSON-encode the record,
// reverse the resulting string, then XOR every byte with 0x69.
type FileStore struct {
	Path string
}

// NewFileStore returns a Store backed by a single file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

const obfuscationKey = 0x69

func obfuscate(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c ^ obfuscationKey
	}
	return out
}

// deobfuscate is its own inverse only because reverse-then-XOR composed
// with itself restores the original order and byte values.
func deobfuscate(b []byte) []byte {
	n := len(b)
	out := make([]byte, n)
	for i, c := range b {
		out[n-1-i] = c ^ obfuscationKey
	}
	return out
}

// Save writes r to Path, overwriting any existing keystore on each reset.
func (f *FileStore) Save(r *Record) error {
	wr := wireRecord{
		SessionID: base64.URLEncoding.EncodeToString(r.SessionID),
		Secret:    base64.URLEncoding.EncodeToString(r.Secret),
		Salt:      base64.URLEncoding.EncodeToString(r.Salt),
	}
	plain, err := json.Marshal(wr)
	if err != nil {
		return errors.Wrap(err, "keystore: marshal")
	}
	obfuscated := obfuscate(plain)
	if err := os.WriteFile(f.Path, obfuscated, 0o600); err != nil {
		return errors.Wrap(err, "keystore: write")
	}
	return nil
}

// Load reads and de-obfuscates the keystore at Path.
func (f *FileStore) Load() (*Record, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: read")
	}
	plain := deobfuscate(raw)
	var wr wireRecord
	if err := json.Unmarshal(plain, &wr); err != nil {
		return nil, errors.Wrap(err, "keystore: unmarshal")
	}
	sessionID, err := base64.URLEncoding.DecodeString(wr.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: decode session id")
	}
	secret, err := base64.URLEncoding.DecodeString(wr.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: decode secret")
	}
	salt, err := base64.URLEncoding.DecodeString(wr.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: decode salt")
	}
	return &Record{SessionID: sessionID, Secret: secret, Salt: salt}, nil
}

// Delete removes the keystore file. Missing files are not an error: a
// keystore that was never created is already "deleted".
func (f *FileStore) Delete() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "keystore: delete")
	}
	return nil
}
