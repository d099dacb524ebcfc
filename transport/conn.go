// Package transport wraps a byte stream into a packet connection.
//
// Every socket gets one link with a reader goroutine that buffers incoming
// frames and a writer goroutine that owns all writes. Handles returned by
// Duplicate share the link, so two workers can send on the same connection
// without interleaving frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"deltalima/protocol"

	"go.uber.org/zap"
)

// InvalidDataText is sent to the peer before a read fails on bad data.
const InvalidDataText = "Invalid data received!"

const incomingBuffer = 64

// TransportError reports a broken stream. It is fatal for the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Params configures a connection.
type Params struct {
	// WriteTimeout bounds each frame write. Zero disables the deadline.
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

type writeRequest struct {
	body []byte
	done chan error
}

type link struct {
	conn         net.Conn
	log          *zap.Logger
	writeTimeout time.Duration

	writes chan writeRequest
	frames chan []byte
	// readErr is set by the reader before frames is closed.
	readErr error

	closed         chan struct{}
	closeOnce      sync.Once
	closeErr       error
	disconnectOnce sync.Once
}

// Conn is one handle on a packet connection.
type Conn struct {
	l *link
}

// New starts the reader and writer goroutines for conn.
func New(conn net.Conn, params Params) *Conn {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &link{
		conn:         conn,
		log:          logger,
		writeTimeout: params.WriteTimeout,
		writes:       make(chan writeRequest),
		frames:       make(chan []byte, incomingBuffer),
		closed:       make(chan struct{}),
	}

	go l.readLoop()
	go l.writeLoop()

	return &Conn{l: l}
}

func (l *link) readLoop() {
	defer close(l.frames)

	for {
		body, err := protocol.ReadFrame(l.conn)
		if err != nil {
			select {
			case <-l.closed:
				l.readErr = net.ErrClosed
			default:
				l.readErr = err
			}
			return
		}

		select {
		case l.frames <- body:
		case <-l.closed:
			l.readErr = net.ErrClosed
			return
		}
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case req := <-l.writes:
			select {
			case <-l.closed:
				req.done <- net.ErrClosed
				return
			default:
			}
			if l.writeTimeout > 0 {
				l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
			}
			err := protocol.WriteFrame(l.conn, req.body)
			req.done <- err
			if err != nil {
				// a partial frame may be on the wire, nothing after it can be trusted
				l.close()
				return
			}
		case <-l.closed:
			return
		}
	}
}

func (l *link) close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// Send writes one packet and waits until it has been handed to the socket.
func (c *Conn) Send(p protocol.Packet) error {
	body, err := protocol.Encode(p)
	if err != nil {
		return err
	}

	req := writeRequest{body: body, done: make(chan error, 1)}
	select {
	case c.l.writes <- req:
	case <-c.l.closed:
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}

	if err := <-req.done; err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Expect blocks until the next packet arrives or ctx is done. Bad data is
// answered with an Error packet asking the peer to disconnect before the
// *protocol.DecodeError is returned.
func (c *Conn) Expect(ctx context.Context, expected protocol.Expected) (protocol.Packet, error) {
	select {
	case body, ok := <-c.l.frames:
		return c.decode(body, ok, expected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll is the non-blocking form of Expect. It returns a nil packet and a nil
// error when no frame is buffered.
func (c *Conn) Poll(expected protocol.Expected) (protocol.Packet, error) {
	select {
	case body, ok := <-c.l.frames:
		return c.decode(body, ok, expected)
	default:
		return nil, nil
	}
}

func (c *Conn) decode(body []byte, ok bool, expected protocol.Expected) (protocol.Packet, error) {
	if !ok {
		var decodeErr *protocol.DecodeError
		if errors.As(c.l.readErr, &decodeErr) {
			c.sendInvalidData(decodeErr)
			return nil, decodeErr
		}
		return nil, &TransportError{Op: "read", Err: c.l.readErr}
	}

	p, err := protocol.DecodeAs(body, expected)
	if err != nil {
		c.sendInvalidData(err)
		return nil, err
	}
	return p, nil
}

func (c *Conn) sendInvalidData(cause error) {
	c.l.log.Debug("Invalid data received", zap.Error(cause))
	if err := c.Send(protocol.Error{Text: InvalidDataText, ShouldDisconnect: true}); err != nil {
		c.l.log.Debug("Peer disconnected while being told about invalid data", zap.Error(err))
	}
}

// Duplicate returns a second handle on the same connection.
func (c *Conn) Duplicate() *Conn {
	return &Conn{l: c.l}
}

// Disconnect sends a Disconnect packet at most once per connection. Failures
// mean the peer is already gone and are ignored.
func (c *Conn) Disconnect() {
	c.l.disconnectOnce.Do(func() {
		if err := c.Send(protocol.Disconnect{}); err != nil {
			c.l.log.Debug("Disconnect not delivered, connection already closed", zap.Error(err))
		}
	})
}

// Close closes the underlying stream for every handle.
func (c *Conn) Close() error {
	return c.l.close()
}

// Closed is closed once the connection has been closed locally or after a
// failed write.
func (c *Conn) Closed() <-chan struct{} {
	return c.l.closed
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.l.conn.RemoteAddr()
}
