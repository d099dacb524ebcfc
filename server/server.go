// Package server runs the Delta Lima connection supervisor, the per-connection
// session state machine and the store-and-forward relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"deltalima/models"
	"deltalima/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Repository is the durable store for users and queued messages.
type Repository interface {
	InsertUser(ctx context.Context, username, password string) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUsernameByID(ctx context.Context, id int64) (string, error)
	GetIDByUsername(ctx context.Context, username string) (int64, error)
	EnqueueMessage(ctx context.Context, senderID, recipientID int64, body string, timestamp time.Time) (*models.QueuedMessage, error)
	NextMessageFor(ctx context.Context, recipientID int64) (*models.QueuedMessage, error)
	DeleteMessage(ctx context.Context, id string) error
	History(ctx context.Context, userID, otherID int64, limit int) ([]models.HistoryEntry, error)
}

type Config struct {
	AcceptedVersion  string
	PollInterval     time.Duration
	AcceptInterval   time.Duration
	HandshakeTimeout time.Duration // Ping wait, zero waits indefinitely
	LoginTimeout     time.Duration // wait for each LoginRequest, zero waits indefinitely
	WriteTimeout     time.Duration
	HistoryLimit     int
}

type Server struct {
	repo   Repository
	config *Config
	log    *zap.Logger
	hub    *Hub

	mu        sync.RWMutex
	sessions  map[uint64]*Session
	online    map[string]int // username -> active sessions
	listeners map[net.Listener]struct{}

	nextID   atomic.Uint64
	wg       sync.WaitGroup
	shutdown atomic.Pointer[string]
}

// Stats is a snapshot of the supervisor registry.
type Stats struct {
	Connections int
	Active      int
	Users       []string
}

func (st Stats) String() string {
	return fmt.Sprintf("connections=%d,active=%d,users=%s", st.Connections, st.Active, strings.Join(st.Users, ";"))
}

func New(repo Repository, config *Config, logger *zap.Logger) *Server {
	if config.PollInterval <= 0 {
		config.PollInterval = 50 * time.Millisecond
	}
	if config.AcceptInterval <= 0 {
		config.AcceptInterval = 20 * time.Millisecond
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		repo:      repo,
		config:    config,
		log:       logger,
		hub:       NewHub(),
		sessions:  make(map[uint64]*Session),
		online:    make(map[string]int),
		listeners: make(map[net.Listener]struct{}),
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// Serve accepts connections on ln until ctx is cancelled or accepting fails.
// It closes ln and waits for every session to terminate before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		ln.Close()
		s.wg.Wait()
		s.log.Info("Server stopped")
	}()

	dl, pollable := ln.(deadlineListener)
	if !pollable {
		go func() {
			<-ctx.Done()
			ln.Close()
		}()
	}

	s.log.Info("Delta Lima server started",
		zap.Stringer("addr", ln.Addr()),
		zap.String("accepted_version", s.config.AcceptedVersion),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if pollable {
			dl.SetDeadline(time.Now().Add(s.config.AcceptInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("Accept failed, no longer accepting connections", zap.Error(err))
			return fmt.Errorf("accept: %w", err)
		}

		s.startSession(ctx, conn)
	}
}

func (s *Server) startSession(ctx context.Context, conn net.Conn) {
	id := s.nextID.Add(1)
	logger := s.log.With(zap.Uint64("conn", id), zap.String("remote", conn.RemoteAddr().String()))

	sess := &Session{
		ID:      id,
		conn:    transport.New(conn, transport.Params{WriteTimeout: s.config.WriteTimeout, Logger: logger}),
		log:     logger,
		started: time.Now(),
	}
	s.addSession(sess)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(ctx, sess)
	}()
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sess.ID)
	if sess.Username != "" && sess.online {
		sess.online = false
		if s.online[sess.Username]--; s.online[sess.Username] <= 0 {
			delete(s.online, sess.Username)
		}
	}
}

func (s *Server) setOnline(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.online = true
	s.online[sess.Username]++
}

// IsOnline reports whether username has an active session.
func (s *Server) IsOnline(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[username] > 0
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Connections: len(s.sessions)}
	for _, sess := range s.sessions {
		if sess.State() == StateActive {
			st.Active++
		}
	}
	for username := range s.online {
		st.Users = append(st.Users, username)
	}
	sort.Strings(st.Users)
	return st
}

// Shutdown records why the server is stopping. Active sessions that end
// afterwards send the reason to their client before disconnecting. Stopping
// the server is still done by cancelling the Serve context.
func (s *Server) Shutdown(reason string) {
	s.shutdown.Store(&reason)
}

// ShutdownReason returns the reason passed to Shutdown, or "" if none.
func (s *Server) ShutdownReason() string {
	if reason := s.shutdown.Load(); reason != nil {
		return *reason
	}
	return ""
}

// Close forcibly closes every listener and session connection. Blocked
// sessions fail their next read or write and terminate.
func (s *Server) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var err error
	for ln := range s.listeners {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, sess := range s.sessions {
		if cerr := sess.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("session %d: %w", sess.ID, cerr))
		}
	}
	return err
}
