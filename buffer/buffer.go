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

// Package buffer implements typed big-endian reads and writes over byte
// slices with bounds checking. Every wire codec in this module (SPACK, NTP
// headers, the AlertFlow frame) is built on top of it.
package buffer

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrShortBuffer is returned whenever a read or peek would advance the
// cursor past the end of the underlying slice.
var ErrShortBuffer = errors.New("buffer: short buffer")

// Reader is a read cursor over an immutable byte slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential reads. buf is not copied.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// Eof reports whether the cursor has consumed every byte.
func (r *Reader) Eof() bool {
	return r.pos >= len(r.buf)
}

// Pos returns the current cursor offset.
func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return ErrShortBuffer
	}
	return nil
}

// Skip advances the cursor by n bytes without returning them.
func (r *Reader) Skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// Peek returns the next n bytes without advancing the cursor.
func (r *Reader) Peek(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	return r.buf[r.pos : r.pos+n], nil
}

// Read returns the next n bytes and advances the cursor past them.
func (r *Reader) Read(n int) ([]byte, error) {
	b, err := r.Peek(n)
	if err != nil {
		return nil, err
	}
	r.pos += n
	return b, nil
}

// ReadU8 reads an unsigned 8-bit integer.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.Read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads a big-endian unsigned 16-bit integer.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.Read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadU32 reads a big-endian unsigned 32-bit integer.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.Read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadS8 reads a signed 8-bit integer.
func (r *Reader) ReadS8() (int8, error) {
	v, err := r.ReadU8()
	return int8(v), err
}

// ReadS16 reads a big-endian signed 16-bit integer.
func (r *Reader) ReadS16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

// ReadS32 reads a big-endian signed 32-bit integer.
func (r *Reader) ReadS32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

// ReadFloat32 reads a big-endian IEEE-754 32-bit float.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadFloat64 reads a big-endian IEEE-754 64-bit float.
func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.Read(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// Writer accumulates bytes for later serialisation.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated bytes. The returned slice aliases the
// Writer's internal buffer and must not be mutated by the caller.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Write appends raw bytes.
func (w *Writer) Write(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteU8 appends an unsigned 8-bit integer.
func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteU16 appends a big-endian unsigned 16-bit integer.
func (w *Writer) WriteU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteU32 appends a big-endian unsigned 32-bit integer.
func (w *Writer) WriteU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// WriteS8 appends a signed 8-bit integer.
func (w *Writer) WriteS8(v int8) {
	w.WriteU8(uint8(v))
}

// WriteS16 appends a big-endian signed 16-bit integer.
func (w *Writer) WriteS16(v int16) {
	w.WriteU16(uint16(v))
}

// WriteS32 appends a big-endian signed 32-bit integer.
func (w *Writer) WriteS32(v int32) {
	w.WriteU32(uint32(v))
}

// WriteFloat32 appends a big-endian IEEE-754 32-bit float.
func (w *Writer) WriteFloat32(v float32) {
	w.WriteU32(math.Float32bits(v))
}

// WriteFloat64 appends a big-endian IEEE-754 64-bit float.
func (w *Writer) WriteFloat64(v float64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf = append(w.buf, b[:]...)
}
