package server

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"time"

	"deltalima/db"
	"deltalima/protocol"
	"deltalima/transport"

	"go.uber.org/zap"
)

type State int32

const (
	StateConnected State = iota
	StateHandshaking
	StateAuthenticating
	StateActive
	StateTerminated
)

func (st State) String() string {
	switch st {
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

const (
	invalidCredentialsText = "Invalid login credentials"
	usernameTakenText      = "Username is taken"
	invalidUsernameText    = "Invalid username: use 2-17 letters, digits, '_' or '-'"
	invalidPasswordText    = "Invalid password: use 2-33 characters"
	databaseErrorText      = "Database error"
	shutdownText           = "Server shutting down: "
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,17}$`)
	passwordPattern = regexp.MustCompile(`^.{2,33}$`)
)

// Session is one client connection. Username and UserID are set once the
// client has logged in.
type Session struct {
	ID       uint64
	UserID   int64
	Username string

	conn    *transport.Conn
	log     *zap.Logger
	state   atomic.Int32
	started time.Time
	online  bool // guarded by Server.mu
}

func (sess *Session) State() State {
	return State(sess.state.Load())
}

func (sess *Session) setState(st State) {
	sess.state.Store(int32(st))
	sess.log.Debug("Session state changed", zap.Stringer("state", st))
}

func (s *Server) runSession(ctx context.Context, sess *Session) {
	sess.log.Info("Client connected")

	defer func() {
		sess.setState(StateTerminated)
		sess.conn.Disconnect()
		sess.conn.Close()
		s.removeSession(sess)
		sess.log.Info("Client disconnected", zap.Duration("duration", time.Since(sess.started)))
	}()

	sess.setState(StateHandshaking)
	if !s.handshake(ctx, sess) {
		return
	}

	sess.setState(StateAuthenticating)
	if !s.authenticate(ctx, sess) {
		return
	}

	sess.log = sess.log.With(zap.String("user", sess.Username))
	s.setOnline(sess)
	sess.setState(StateActive)
	sess.log.Info("Client logged in")

	s.relay(ctx, sess)
}

// expect waits for one packet, bounded by timeout when it is positive.
func (s *Server) expect(ctx context.Context, sess *Session, expected protocol.Expected, timeout time.Duration) (protocol.Packet, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sess.conn.Expect(ctx, expected)
}

// handshake reports whether the session may continue to authentication.
func (s *Server) handshake(ctx context.Context, sess *Session) bool {
	p, err := s.expect(ctx, sess, protocol.ExpectPing, s.config.HandshakeTimeout)
	if err != nil {
		sess.log.Warn("Failed to get Ping from client", zap.Error(err))
		return false
	}
	ping := p.(protocol.Ping)

	valid := ping.Version == s.config.AcceptedVersion
	resp := protocol.PingResponse{Valid: valid, AcceptedVersion: s.config.AcceptedVersion}
	if err := sess.conn.Send(resp); err != nil {
		sess.log.Warn("Failed to send PingResponse", zap.Error(err))
		return false
	}

	if !valid {
		sess.log.Info("Client version rejected", zap.String("version", ping.Version))
		return false
	}
	if ping.Disconnecting {
		sess.log.Debug("Client only checked its version")
		return false
	}
	return true
}

// authenticate loops until the client logs in or the connection fails.
func (s *Server) authenticate(ctx context.Context, sess *Session) bool {
	for {
		p, err := s.expect(ctx, sess, protocol.ExpectLoginRequest, s.config.LoginTimeout)
		if err != nil {
			sess.log.Warn("Failed to get LoginRequest from client", zap.Error(err))
			return false
		}
		req := p.(protocol.LoginRequest)

		var resp protocol.LoginResponse
		if req.Signup {
			resp = s.signup(ctx, sess, req)
		} else {
			resp = s.login(ctx, sess, req)
		}

		if err := sess.conn.Send(resp); err != nil {
			sess.log.Warn("Failed to send LoginResponse", zap.String("username", req.Username), zap.Error(err))
			return false
		}
		if resp.Valid {
			return true
		}
	}
}

func (s *Server) signup(ctx context.Context, sess *Session, req protocol.LoginRequest) protocol.LoginResponse {
	if !usernamePattern.MatchString(req.Username) {
		return protocol.LoginResponse{Error: invalidUsernameText}
	}
	if !passwordPattern.MatchString(req.Password) {
		return protocol.LoginResponse{Error: invalidPasswordText}
	}

	if err := s.repo.InsertUser(ctx, req.Username, req.Password); err != nil {
		if errors.Is(err, db.ErrUsernameTaken) {
			sess.log.Debug("Signup with taken username", zap.String("username", req.Username))
			return protocol.LoginResponse{Error: usernameTakenText}
		}
		sess.log.Error("Signup failed", zap.String("username", req.Username), zap.Error(err))
		return protocol.LoginResponse{Error: databaseErrorText}
	}

	id, err := s.repo.GetIDByUsername(ctx, req.Username)
	if err != nil {
		sess.log.Error("Created user not found", zap.String("username", req.Username), zap.Error(err))
		return protocol.LoginResponse{Error: databaseErrorText}
	}

	sess.UserID = id
	sess.Username = req.Username
	sess.log.Info("User signed up", zap.String("username", req.Username))
	return protocol.LoginResponse{Valid: true}
}

func (s *Server) login(ctx context.Context, sess *Session, req protocol.LoginRequest) protocol.LoginResponse {
	user, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			sess.log.Warn("Login lookup failed", zap.String("username", req.Username), zap.Error(err))
		}
		return protocol.LoginResponse{Error: invalidCredentialsText}
	}

	if !user.CheckPassword(req.Password) {
		sess.log.Debug("Wrong password", zap.String("username", req.Username))
		return protocol.LoginResponse{Error: invalidCredentialsText}
	}

	sess.UserID = user.ID
	sess.Username = user.Username
	return protocol.LoginResponse{Valid: true}
}
