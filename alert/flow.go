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

// Package alert implements the reliable-stream side channel
// that carries immediate threshold-violation alerts, independent of the
// NTP UDP session's own reliability window. It reuses the SPACK metric
// encoding (spack.MetricReport) so one decoder serves both channels.
package alert

import (
	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/buffer"
	"github.com/xtaci/netmontun/spack"
)

// Signature is the fixed 4-byte marker every AlertFlow frame begins with
//, distinct from NTP's "NTTK" so the two wire formats can never
// be confused even if carried over the same transport by mistake.
const Signature = "ATFW"

// Version is the only AlertFlow version this implementation emits or
// accepts.
const Version = 1

// ErrBadSignature is returned when a frame does not begin with "ATFW".
var ErrBadSignature = errors.New("alert: missing ATFW signature")

// ErrUnsupportedVersion is returned when a frame's version field is not 1.
var ErrUnsupportedVersion = errors.New("alert: unsupported version")

// Flow is one AlertFlow record: a single crossed-threshold measurement,
// correlated to the NTP session (not the source address) that
// produced it. The task-id on the wire comes from Report.TaskID.
type Flow struct {
	SessionID [16]byte
	Report    *spack.MetricReport
}

// Encode serialises f as "ATFW", u32 version, length-prefixed
// session-id, length-prefixed task-id, length-prefixed SPACK metric blob.
// task supplies the device/link selections the metric report is packed
// against, exactly as SEND_METRICS does on the UDP side. names, if
// non-nil, is the caller's reusable interface-name table.
func Encode(f *Flow, task *spack.Task, names *spack.NameTable) ([]byte, error) {
	obj, err := spack.PackMetricReport(f.Report, task, names)
	if err != nil {
		return nil, errors.Wrap(err, "alert: pack metric report")
	}
	blob, err := spack.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "alert: marshal metric report")
	}

	w := buffer.NewWriter()
	w.Write([]byte(Signature))
	w.WriteU32(Version)
	w.WriteU32(uint32(len(f.SessionID)))
	w.Write(f.SessionID[:])
	w.WriteU32(uint32(len(f.Report.TaskID)))
	w.Write([]byte(f.Report.TaskID))
	w.WriteU32(uint32(len(blob)))
	w.Write(blob)
	return w.Bytes(), nil
}

// Decode is the inverse of Encode. task must be the same task descriptor
// the sender packed the metric report against (typically looked up by the
// decoded session-id and task-id before the metric blob is unpacked).
// names, if non-nil, is the caller's reusable interface-name table.
func Decode(buf []byte, task *spack.Task, names *spack.NameTable) (*Flow, error) {
	r := buffer.NewReader(buf)
	sig, err := r.Read(len(Signature))
	if err != nil {
		return nil, errors.Wrap(err, "alert: read signature")
	}
	if string(sig) != Signature {
		return nil, ErrBadSignature
	}
	version, err := r.ReadU32()
	if err != nil {
		return nil, errors.Wrap(err, "alert: read version")
	}
	if version != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d", version)
	}

	var f Flow
	sid, err := readLenPrefixed(r)
	if err != nil {
		return nil, errors.Wrap(err, "alert: read session id")
	}
	if len(sid) != len(f.SessionID) {
		return nil, errors.Errorf("alert: session id is %d bytes, want %d", len(sid), len(f.SessionID))
	}
	copy(f.SessionID[:], sid)

	taskID, err := readLenPrefixed(r)
	if err != nil {
		return nil, errors.Wrap(err, "alert: read task id")
	}

	blob, err := readLenPrefixed(r)
	if err != nil {
		return nil, errors.Wrap(err, "alert: read metric blob")
	}
	obj, err := spack.Unmarshal(blob)
	if err != nil {
		return nil, errors.Wrap(err, "alert: unmarshal metric blob")
	}
	report, err := spack.UnpackMetricReport(string(taskID), obj, task, names)
	if err != nil {
		return nil, errors.Wrap(err, "alert: unpack metric report")
	}
	f.Report = report
	return &f, nil
}

func readLenPrefixed(r *buffer.Reader) ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	return r.Read(int(n))
}
