// Package stream implements a pluggable duplex byte transport: a uniform
// send/receive/close contract over plain TCP, TLS, WebSocket framing, and
// RSA-AES framed records. Every variant wraps
// an underlying net.Conn and funnels outbound payloads through the same
// ordered send queue so FIFO delivery holds regardless of transport.
package stream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Status is the terminal state of one enqueued Request.
type Status int

const (
	StatusDone Status = iota
	StatusFailed
)

// DoneFunc is invoked exactly once per Request, with Done or Failed.
type DoneFunc func(Status)

// request is one outbound payload in the Stream's FIFO.
type request struct {
	payload []byte
	produce func() []byte // set by ExecAndSend; payload is produced lazily at flush time
	done    DoneFunc
}

// RemoteClosedFunc is called once when the peer closes its side, before
// Close() runs internally — giving the owner a last chance to inspect
// state.
type RemoteClosedFunc func()

// Stream is a duplex byte transport with a FIFO send queue. The zero value
// is not usable; construct with New over an accepted net.Conn.
type Stream struct {
	mu       sync.Mutex
	conn     net.Conn
	queue    []*request
	closed   bool
	flushing bool

	onRemoteClosed RemoteClosedFunc

	// writer is the effective io.Writer for flushing: for plain TCP this
	// is conn itself; TLS/RSA-AES variants substitute a wrapped writer
	// without the caller needing to know which.
	writer io.Writer
	reader io.Reader
}

// New wraps an accepted connection in a plain-TCP/Unix Stream.
func New(conn net.Conn) *Stream {
	s := &Stream{conn: conn}
	s.writer = conn
	s.reader = conn
	return s
}

// OnRemoteClosed registers the callback fired when Read observes a clean
// remote close.
func (s *Stream) OnRemoteClosed(f RemoteClosedFunc) { s.onRemoteClosed = f }

// Read reads available bytes. A zero-length, nil-error result signals a
// clean remote close and fires RemoteClosed.
func (s *Stream) Read(buf []byte) (int, error) {
	n, err := s.reader.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if s.onRemoteClosed != nil {
				s.onRemoteClosed()
			}
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Send appends payload to the FIFO and attempts an immediate flush. done
// fires exactly once, never blocking the caller.
func (s *Stream) Send(payload []byte, done DoneFunc) {
	s.enqueue(&request{payload: payload, done: done}, false)
}

// SendFirst inserts payload at the front of the queue, ahead of anything
// already queued.
func (s *Stream) SendFirst(payload []byte) {
	s.mu.Lock()
	s.queue = append([]*request{{payload: payload}}, s.queue...)
	s.mu.Unlock()
	s.flush()
}

// ExecAndSend enqueues a request whose payload is produced lazily at flush
// time, so it can be built against the latest state just before it goes
// out.
func (s *Stream) ExecAndSend(produce func() []byte, done DoneFunc) {
	s.enqueue(&request{produce: produce, done: done}, false)
}

// SendThenClose enqueues a final payload and closes the stream once it
// has been flushed, so a handshake-failure reason is delivered in full
// before the connection hangs up.
func (s *Stream) SendThenClose(payload []byte) {
	s.enqueue(&request{payload: payload, done: func(Status) { s.Close() }}, false)
}

func (s *Stream) enqueue(r *request, front bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if r.done != nil {
			r.done(StatusFailed)
		}
		return
	}
	if front {
		s.queue = append([]*request{r}, s.queue...)
	} else {
		s.queue = append(s.queue, r)
	}
	s.mu.Unlock()
	s.flush()
}

// flush drains the queue in order, writing each payload's full bytes
// before moving to the next — writes are whole-payload atomic on the
// queue boundary, so no partially sent message is ever delivered.
func (s *Stream) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.flushing = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.mu.Unlock()
			return
		}
		r := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		payload := r.payload
		if r.produce != nil {
			payload = r.produce()
		}

		_, err := writeFull(s.writer, payload)
		if err != nil {
			if r.done != nil {
				r.done(StatusFailed)
			}
			s.failAllAndClose()
			return
		}
		if r.done != nil {
			r.done(StatusDone)
		}
	}
}

func writeFull(w io.Writer, payload []byte) (int, error) {
	total := 0
	for total < len(payload) {
		n, err := w.Write(payload[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Stream) failAllAndClose() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.closed = true
	s.mu.Unlock()
	for _, r := range pending {
		if r.done != nil {
			r.done(StatusFailed)
		}
	}
	s.conn.Close()
}

// Close idempotently fails all queued writes and releases the underlying
// connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	pending := s.queue
	s.queue = nil
	s.closed = true
	s.mu.Unlock()
	for _, r := range pending {
		if r.done != nil {
			r.done(StatusFailed)
		}
	}
	return s.conn.Close()
}

// UpgradeToTLS switches the reader/writer to a TLS session, performing the
// handshake synchronously against the wrapped connection. Valid only in
// plain-TCP mode. The handshake reads through the current reader so a
// ClientHello the peer coalesced with its last plaintext message isn't
// stranded in an earlier buffering layer.
func (s *Stream) UpgradeToTLS(config *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream: upgrade on closed stream")
	}
	tlsConn := tls.Server(&drainConn{Conn: s.conn, r: s.reader}, config)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("stream: tls handshake: %w", err)
	}
	s.conn = tlsConn
	s.writer = tlsConn
	s.reader = tlsConn
	return nil
}

// drainConn reads through r (typically a bufio.Reader holding peeked
// bytes) while delegating everything else to the underlying connection.
type drainConn struct {
	net.Conn
	r io.Reader
}

func (d *drainConn) Read(p []byte) (int, error) { return d.r.Read(p) }

// UseBufferedReader substitutes the stream's reader, for a caller that
// peeked leading bytes off the raw connection (to sniff a WebSocket
// upgrade vs. a plain RFB client hello) and must not lose them.
func (s *Stream) UseBufferedReader(r io.Reader) {
	s.mu.Lock()
	s.reader = r
	s.mu.Unlock()
}

// RemoteAddr exposes the underlying connection's remote address, used by
// admission control and audit logging.
func (s *Stream) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}
