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

package alert

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/xtaci/netmontun/spack"
)

// ReadFlow reads exactly one AlertFlow record from r, the way a server
// connection pulls one record at a time off an agent's reliable stream.
// Because every field on the wire is itself length-prefixed, records can
// be read back to back off the same connection with no outer framing.
// names, if non-nil, is the caller's reusable interface-name table.
func ReadFlow(r io.Reader, task *spack.Task, names *spack.NameTable) (*Flow, error) {
	var sig [4]byte
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return nil, errors.Wrap(err, "alert: read signature")
	}
	if string(sig[:]) != Signature {
		return nil, ErrBadSignature
	}
	version, err := readU32(r)
	if err != nil {
		return nil, errors.Wrap(err, "alert: read version")
	}
	if version != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d", version)
	}

	var f Flow
	sid, err := readLenPrefixedStream(r)
	if err != nil {
		return nil, errors.Wrap(err, "alert: read session id")
	}
	if len(sid) != len(f.SessionID) {
		return nil, errors.Errorf("alert: session id is %d bytes, want %d", len(sid), len(f.SessionID))
	}
	copy(f.SessionID[:], sid)

	taskID, err := readLenPrefixedStream(r)
	if err != nil {
		return nil, errors.Wrap(err, "alert: read task id")
	}

	blob, err := readLenPrefixedStream(r)
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

// WriteFlow writes one AlertFlow record to w. Encode already produces a
// self-delimiting byte string, so writing it verbatim is enough for the
// peer's ReadFlow to recover the record boundary. names, if non-nil, is
// the caller's reusable interface-name table.
func WriteFlow(w io.Writer, f *Flow, task *spack.Task, names *spack.NameTable) error {
	wire, err := Encode(f, task, names)
	if err != nil {
		return err
	}
	_, err = w.Write(wire)
	return errors.Wrap(err, "alert: write frame")
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readLenPrefixedStream(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// TaskResolver looks up the task descriptor a session's flow is reporting
// against, so the server can unpack the SPACK metric blob without a
// second, separate side-channel for schemas.
type TaskResolver interface {
	ResolveTask(sessionID [16]byte, taskID string) (*spack.Task, bool)
}

// Handler is called once per successfully decoded AlertFlow record.
type Handler func(remote net.Addr, f *Flow)

// Server is the coordinator side of the reliable-stream alert channel
//. It accepts connections
// and serially decodes one AlertFlow record at a time from each.
type Server struct {
	listener net.Listener
	resolver TaskResolver
	handler  Handler

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen starts a Server on network/address (e.g. "tcp", ":4790"), the
// way the rest of this codebase exposes a listen(port) entry point
// independent of the UDP transport.
func Listen(network, address string, resolver TaskResolver, handler Handler) (*Server, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "alert: listen")
	}
	s := &Server{
		listener: ln,
		resolver: resolver,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
	}
	return s, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close is called, handling each on its
// own goroutine: cross-session ordering is unconstrained, so
// concurrent agents never block one another, while each connection's
// records are still decoded strictly in arrival order.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "alert: accept")
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// One table per connection: AlertFlow dedicates one persistent
	// connection to each agent, so the interface names it reports stay
	// stable for the connection's whole lifetime.
	names := spack.NewNameTable()
	br := bufio.NewReader(conn)
	for {
		// The task id only becomes known mid-record and the metric blob
		// cannot be unpacked without the resolved task, so peekFlow reads
		// the record in one pass, resolving the task as soon as its id is
		// read and then unpacking the blob against it.
		f, taskID, err := peekFlow(br, s.resolver, names)
		if err != nil {
			if err != io.EOF {
				// Framing error: skipping ahead to the next signature in
				// the stream is possible, but a corrupted reliable-stream connection is
				// simplest to treat as fatal for the connection and let the
				// agent reconnect, since TCP already guarantees byte order.
			}
			return
		}
		_ = taskID
		s.handler(conn.RemoteAddr(), f)
	}
}

// peekFlow decodes one record from br, resolving its task from the
// session-id/task-id fields before it unpacks the metric blob.
func peekFlow(br *bufio.Reader, resolver TaskResolver, names *spack.NameTable) (*Flow, string, error) {
	var sig [4]byte
	if _, err := io.ReadFull(br, sig[:]); err != nil {
		return nil, "", err
	}
	if string(sig[:]) != Signature {
		return nil, "", ErrBadSignature
	}
	version, err := readU32(br)
	if err != nil {
		return nil, "", err
	}
	if version != Version {
		return nil, "", errors.Wrapf(ErrUnsupportedVersion, "got %d", version)
	}
	sid, err := readLenPrefixedStream(br)
	if err != nil {
		return nil, "", err
	}
	var sessionID [16]byte
	if len(sid) != len(sessionID) {
		return nil, "", errors.Errorf("alert: session id is %d bytes, want %d", len(sid), len(sessionID))
	}
	copy(sessionID[:], sid)

	taskIDBytes, err := readLenPrefixedStream(br)
	if err != nil {
		return nil, "", err
	}
	taskID := string(taskIDBytes)

	blob, err := readLenPrefixedStream(br)
	if err != nil {
		return nil, "", err
	}

	task, ok := resolver.ResolveTask(sessionID, taskID)
	if !ok {
		return nil, "", errors.Errorf("alert: no task %q for session %x", taskID, sessionID)
	}
	obj, err := spack.Unmarshal(blob)
	if err != nil {
		return nil, "", err
	}
	report, err := spack.UnpackMetricReport(taskID, obj, task, names)
	if err != nil {
		return nil, "", err
	}
	return &Flow{SessionID: sessionID, Report: report}, taskID, nil
}

// Close stops accepting new connections and closes every connection
// currently being served.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return s.listener.Close()
}

// Client is the agent side of the reliable-stream alert channel: a single
// persistent TCP connection the monitoring worker writes AlertFlow
// records to as thresholds are crossed.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	names *spack.NameTable
}

// Dial connects a Client to address over network (e.g. "tcp").
func Dial(network, address string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrap(err, "alert: dial")
	}
	return &Client{conn: conn, names: spack.NewNameTable()}, nil
}

// Send writes one AlertFlow record, serialised against task. Send is safe
// for concurrent use; the underlying connection enforces TCP's in-order
// delivery, so records a single Client sends are observed by the server
// in send order.
func (c *Client) Send(f *Flow, task *spack.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFlow(c.conn, f, task, c.names)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
