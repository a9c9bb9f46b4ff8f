// Package transport wraps a net.Conn with the bounded, corkable byte
// queues the session state machine reads commands from and writes
// replies to.
//
// The teacher's Connection (imap/connection.go) talks directly to a
// bufio.Reader/net.Conn pair with no buffer bound and no batching: a
// single blocking goroutine per connection already gives us the
// "readiness event" boundary the specification describes, so the
// nonblocking-I/O language of that design becomes, here, a bound on
// how much unconsumed input or unflushed output a Transport will
// hold before it treats the connection as misbehaving, plus explicit
// corking so a burst of replies produced while handling one line
// reaches the client as a single Write.
package transport

import (
	"bytes"
	"errors"
	"io"
	"net"
)

// MaxInputBuffer and MaxOutputBuffer bound the unconsumed input and
// unflushed output a Transport will hold, mirroring the
// specification's 4096 B per-direction ceiling.
const (
	MaxInputBuffer  = 4096
	MaxOutputBuffer = 4096
)

// ErrInputBufferFull is fatal: the peer sent more than one line's
// worth of data without yielding, and the input queue could not
// absorb it.
var ErrInputBufferFull = errors.New("transport: input buffer full")

// ErrOutputBufferFull is fatal: more was queued for the peer than
// the output queue can hold before a flush drains it.
var ErrOutputBufferFull = errors.New("transport: output buffer full")

// Transport is a single fd's worth of buffered, corkable I/O.
type Transport struct {
	conn net.Conn

	in []byte

	out    bytes.Buffer
	corked bool

	onFlush func(error)

	maxIn  int
	maxOut int
}

// New wraps conn in a fresh Transport enforcing the default
// MaxInputBuffer/MaxOutputBuffer bounds.
func New(conn net.Conn) *Transport {
	return NewWithLimits(conn, MaxInputBuffer, MaxOutputBuffer)
}

// NewWithLimits wraps conn in a fresh Transport enforcing explicit
// per-direction buffer bounds, e.g. operator-configured
// MaxIOBufferBytes. A non-positive maxIn or maxOut falls back to
// MaxInputBuffer/MaxOutputBuffer respectively.
func NewWithLimits(conn net.Conn, maxIn, maxOut int) *Transport {

	if maxIn <= 0 {
		maxIn = MaxInputBuffer
	}
	if maxOut <= 0 {
		maxOut = MaxOutputBuffer
	}

	return &Transport{conn: conn, maxIn: maxIn, maxOut: maxOut}
}

// BufferSize returns the input buffer bound this Transport enforces,
// sized for callers that need a read buffer matching it.
func (t *Transport) BufferSize() int {
	return t.maxIn
}

// Conn returns the underlying connection, e.g. for RemoteAddr or for
// handing the fd off to a TLS upgrade or backend handoff.
func (t *Transport) Conn() net.Conn {
	return t.conn
}

// Fill performs one read from the connection and appends whatever
// arrived to the input queue. It returns the number of bytes read.
// io.EOF and other read errors are returned unwrapped so the caller
// can distinguish "peer closed" from a fatal buffer condition.
func (t *Transport) Fill(p []byte) (int, error) {

	n, err := t.conn.Read(p)
	if n > 0 {
		if len(t.in)+n > t.maxIn {
			return n, ErrInputBufferFull
		}
		t.in = append(t.in, p[:n]...)
	}

	return n, err
}

// Pending returns the bytes currently queued for parsing. The slice
// is owned by the Transport and must not be retained past the next
// call to Fill or Consume.
func (t *Transport) Pending() []byte {
	return t.in
}

// Consume drops the first n bytes of the input queue, e.g. once the
// line parser has fully consumed a command.
func (t *Transport) Consume(n int) {

	if n <= 0 {
		return
	}

	if n >= len(t.in) {
		t.in = t.in[:0]
		return
	}

	t.in = append(t.in[:0], t.in[n:]...)
}

// Cork defers flushing of queued output until Uncork is called, so
// several replies produced while handling one input event leave the
// wire as a single write.
func (t *Transport) Cork() {
	t.corked = true
}

// Uncork stops deferring writes and flushes whatever is queued.
func (t *Transport) Uncork() error {
	t.corked = false
	return t.Flush()
}

// WriteString queues text for the peer, honoring corking. A queue
// that would exceed the output bound (MaxOutputBuffer unless set
// otherwise through NewWithLimits) is a fatal condition.
func (t *Transport) WriteString(s string) error {

	if t.out.Len()+len(s) > t.maxOut {
		return ErrOutputBufferFull
	}

	t.out.WriteString(s)

	if t.corked {
		return nil
	}

	return t.Flush()
}

// SetFlushCallback registers a callback fired exactly once, the next
// time the output queue fully drains, e.g. to delay a TLS handshake
// until a cleartext tagged OK has left the wire. The session's
// STARTTLS path does not register one; it flushes synchronously with
// Uncork. The callback receives a non-nil error if the flush itself
// failed.
func (t *Transport) SetFlushCallback(cb func(error)) {
	t.onFlush = cb
}

// Flush writes any queued output to the connection. If a flush
// callback is registered and the queue fully drains, it fires and is
// cleared.
func (t *Transport) Flush() error {

	if t.out.Len() == 0 {
		if cb := t.onFlush; cb != nil {
			t.onFlush = nil
			cb(nil)
		}
		return nil
	}

	_, err := io.Copy(t.conn, &t.out)
	if err != nil {
		if cb := t.onFlush; cb != nil {
			t.onFlush = nil
			cb(err)
		}
		return err
	}

	t.out.Reset()

	if cb := t.onFlush; cb != nil {
		t.onFlush = nil
		cb(nil)
	}

	return nil
}

// Close closes the underlying connection without flushing; callers
// that need queued output delivered first must call Flush
// explicitly.
func (t *Transport) Close() error {
	return t.conn.Close()
}
