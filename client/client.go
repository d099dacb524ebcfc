// Package client is a Delta Lima protocol client. Dial performs the version
// handshake, Login or Signup authenticates, and Start begins dispatching
// server packets to the handlers registered with OnPacket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"deltalima/protocol"
	"deltalima/transport"

	"go.uber.org/zap"
)

// DefaultVersion is the protocol version this client speaks.
const DefaultVersion = "0.1.1"

// VersionError is returned when the server rejects the client version.
type VersionError struct {
	Version  string
	Accepted string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("server accepts version %s, not %s", e.Accepted, e.Version)
}

// LoginError carries the reason from a rejected LoginResponse.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string {
	return "login rejected: " + e.Reason
}

// ServerError is an Error packet that ended the connection.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Text
}

type Options struct {
	Version      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

func (o *Options) withDefaults() {
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type Client struct {
	conn     *transport.Conn
	log      *zap.Logger
	username string

	mu       sync.Mutex
	handlers map[protocol.Kind][]func(protocol.Packet)

	started   bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func dial(ctx context.Context, addr string, opts Options) (*transport.Conn, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return transport.New(nc, transport.Params{WriteTimeout: opts.WriteTimeout, Logger: opts.Logger}), nil
}

func ping(ctx context.Context, conn *transport.Conn, version string, disconnecting bool) (protocol.PingResponse, error) {
	if err := conn.Send(protocol.Ping{Version: version, Disconnecting: disconnecting}); err != nil {
		return protocol.PingResponse{}, err
	}
	p, err := conn.Expect(ctx, protocol.ExpectPingResponse)
	if err != nil {
		return protocol.PingResponse{}, err
	}
	return p.(protocol.PingResponse), nil
}

// Dial connects to addr and completes the version handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	opts.withDefaults()

	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}

	resp, err := ping(ctx, conn, opts.Version, false)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !resp.Valid {
		conn.Close()
		return nil, &VersionError{Version: opts.Version, Accepted: resp.AcceptedVersion}
	}

	return &Client{
		conn:     conn,
		log:      opts.Logger.With(zap.String("server", addr)),
		handlers: make(map[protocol.Kind][]func(protocol.Packet)),
		done:     make(chan struct{}),
	}, nil
}

// CheckVersion asks the server whether opts.Version is accepted without
// logging in, and returns the version the server accepts.
func CheckVersion(ctx context.Context, addr string, opts Options) (string, bool, error) {
	opts.withDefaults()

	conn, err := dial(ctx, addr, opts)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	resp, err := ping(ctx, conn, opts.Version, true)
	if err != nil {
		return "", false, fmt.Errorf("handshake: %w", err)
	}
	return resp.AcceptedVersion, resp.Valid, nil
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, protocol.LoginRequest{Username: username, Password: password})
}

func (c *Client) Signup(ctx context.Context, username, password string) error {
	return c.authenticate(ctx, protocol.LoginRequest{Username: username, Password: password, Signup: true})
}

// authenticate may be retried after a *LoginError; the server keeps waiting
// for another attempt.
func (c *Client) authenticate(ctx context.Context, req protocol.LoginRequest) error {
	if err := c.conn.Send(req); err != nil {
		return err
	}
	p, err := c.conn.Expect(ctx, protocol.ExpectLoginResponse)
	if err != nil {
		return err
	}

	resp := p.(protocol.LoginResponse)
	if !resp.Valid {
		return &LoginError{Reason: resp.Error}
	}

	c.username = req.Username
	c.log = c.log.With(zap.String("user", req.Username))
	return nil
}

func (c *Client) Username() string {
	return c.username
}

// OnPacket registers a handler for packets of kind. Handlers run on the read
// goroutine in arrival order.
func (c *Client) OnPacket(kind protocol.Kind, handler func(protocol.Packet)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
}

// Start begins reading server packets. Call it after a successful login.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	go c.readLoop()
}

func (c *Client) readLoop() {
	for {
		p, err := c.conn.Expect(context.Background(), protocol.ExpectMessage)
		if err != nil {
			c.finish(err)
			return
		}

		c.notifyHandlers(p)

		switch pkt := p.(type) {
		case protocol.Disconnect:
			c.finish(nil)
			return
		case protocol.Error:
			if pkt.ShouldDisconnect {
				c.finish(&ServerError{Text: pkt.Text})
				return
			}
		}
	}
}

func (c *Client) notifyHandlers(p protocol.Packet) {
	c.mu.Lock()
	handlers := c.handlers[p.Kind()]
	c.mu.Unlock()

	for _, h := range handlers {
		h(p)
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		var transportErr *transport.TransportError
		if errors.As(err, &transportErr) && errors.Is(err, net.ErrClosed) {
			err = nil
		}
		c.err = err
		c.conn.Close()
		close(c.done)
		c.log.Debug("Connection closed", zap.Error(err))
	})
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil after a clean disconnect.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) SendMessage(recipient, text string) error {
	return c.conn.Send(protocol.Message{
		Message:   text,
		Recipient: recipient,
		Sender:    c.username,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// UserExists asks whether username is registered; the answer arrives as a
// UserResponse.
func (c *Client) UserExists(username string) error {
	return c.conn.Send(protocol.UserExistsRequest{Username: username})
}

// UserOnline asks whether username is logged in; the answer arrives as a
// UserResponse.
func (c *Client) UserOnline(username string) error {
	return c.conn.Send(protocol.UserOnlineRequest{Username: username})
}

// History requests the conversation with username as a MsgHistory packet.
func (c *Client) History(username string) error {
	return c.conn.Send(protocol.MsgHistoryRequest{Username: username})
}

// Disconnect tells the server goodbye and closes the connection.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
	c.finish(nil)
}
