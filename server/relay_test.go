package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"deltalima/db"
	"deltalima/models"
	"deltalima/protocol"
	"deltalima/transport"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBroken = errors.New("storage unavailable")

// fakeRepo is an in-memory Repository with switchable failures.
type fakeRepo struct {
	mu      sync.Mutex
	users   map[string]*models.User
	queue   []*models.QueuedMessage
	deleted []string
	nextID  int64
	nextSeq int64

	insertErr error
	lookupErr error
	queueErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*models.User)}
}

func (r *fakeRepo) addUser(t *testing.T, username string) int64 {
	t.Helper()
	require.NoError(t, r.InsertUser(context.Background(), username, testPassword))
	return r.users[username].ID
}

func (r *fakeRepo) InsertUser(_ context.Context, username, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, ok := r.users[username]; ok {
		return db.ErrUsernameTaken
	}
	hashed, err := models.HashPassword(password)
	if err != nil {
		return err
	}
	r.nextID++
	r.users[username] = &models.User{ID: r.nextID, Username: username, Password: hashed}
	return nil
}

func (r *fakeRepo) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return nil, r.lookupErr
	}
	u, ok := r.users[username]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (r *fakeRepo) GetUsernameByID(_ context.Context, id int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return "", r.lookupErr
	}
	for name, u := range r.users {
		if u.ID == id {
			return name, nil
		}
	}
	return "", db.ErrNotFound
}

func (r *fakeRepo) GetIDByUsername(_ context.Context, username string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return 0, r.lookupErr
	}
	u, ok := r.users[username]
	if !ok {
		return 0, db.ErrNotFound
	}
	return u.ID, nil
}

func (r *fakeRepo) EnqueueMessage(_ context.Context, senderID, recipientID int64, body string, timestamp time.Time) (*models.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueErr != nil {
		return nil, r.queueErr
	}
	r.nextSeq++
	msg := &models.QueuedMessage{
		ID:          uuid.NewString(),
		Seq:         r.nextSeq,
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		Timestamp:   timestamp,
		CreatedAt:   time.Now(),
	}
	r.queue = append(r.queue, msg)
	return msg, nil
}

func (r *fakeRepo) NextMessageFor(_ context.Context, recipientID int64) (*models.QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queueErr != nil {
		return nil, r.queueErr
	}
	var pending []*models.QueuedMessage
	for _, m := range r.queue {
		if m.RecipientID == recipientID {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return pending[0], nil
}

func (r *fakeRepo) DeleteMessage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.queue {
		if m.ID == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *fakeRepo) History(context.Context, int64, int64, int) ([]models.HistoryEntry, error) {
	return nil, nil
}

func (r *fakeRepo) queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// pipeSession returns a logged-in session over net.Pipe and the client side of
// the pipe.
func pipeSession(t *testing.T, srv *Server, userID int64, username string) (*Session, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	logger := zaptest.NewLogger(t)
	sess := &Session{
		ID:       1,
		UserID:   userID,
		Username: username,
		conn:     transport.New(a, transport.Params{WriteTimeout: waitTimeout, Logger: logger}),
		log:      logger,
		started:  time.Now(),
	}
	t.Cleanup(func() {
		sess.conn.Close()
		b.Close()
	})
	return sess, b
}

func TestDeliverDeletesAfterSend(t *testing.T) {
	repo := newFakeRepo()
	alice := repo.addUser(t, "alice")
	bob := repo.addUser(t, "bob")
	srv := New(repo, testConfig(), zaptest.NewLogger(t))

	queued, err := repo.EnqueueMessage(context.Background(), alice, bob, "hello", time.Now())
	require.NoError(t, err)

	sess, peer := pipeSession(t, srv, bob, "bob")
	client := transport.New(peer, transport.Params{})

	delivered, err := srv.deliverNext(context.Background(), sess, sess.conn)
	require.NoError(t, err)
	assert.True(t, delivered)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	p, err := client.Expect(ctx, protocol.ExpectMessage)
	require.NoError(t, err)
	assert.Equal(t, "hello", p.(protocol.Message).Message)
	assert.Equal(t, "alice", p.(protocol.Message).Sender)

	assert.Equal(t, []string{queued.ID}, repo.deleted)

	delivered, err = srv.deliverNext(context.Background(), sess, sess.conn)
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestSendFailureKeepsMessage(t *testing.T) {
	repo := newFakeRepo()
	alice := repo.addUser(t, "alice")
	bob := repo.addUser(t, "bob")
	srv := New(repo, testConfig(), zaptest.NewLogger(t))

	_, err := repo.EnqueueMessage(context.Background(), alice, bob, "hello", time.Now())
	require.NoError(t, err)

	sess, peer := pipeSession(t, srv, bob, "bob")
	require.NoError(t, peer.Close())

	delivered, err := srv.deliverNext(context.Background(), sess, sess.conn)
	var transportErr *transport.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.False(t, delivered)

	assert.Equal(t, 1, repo.queued())
	assert.Empty(t, repo.deleted)
}

func TestRepositoryErrorsAreRetried(t *testing.T) {
	repo := newFakeRepo()
	bob := repo.addUser(t, "bob")
	srv := New(repo, testConfig(), zaptest.NewLogger(t))
	sess, _ := pipeSession(t, srv, bob, "bob")

	repo.queueErr = errBroken
	delivered, err := srv.deliverNext(context.Background(), sess, sess.conn)
	assert.NoError(t, err)
	assert.False(t, delivered)
}

func TestMessageRepositoryErrors(t *testing.T) {
	repo := newFakeRepo()
	alice := repo.addUser(t, "alice")
	repo.addUser(t, "bob")
	srv := New(repo, testConfig(), zaptest.NewLogger(t))

	sess, peer := pipeSession(t, srv, alice, "alice")
	client := transport.New(peer, transport.Params{})

	expectError := func(text string) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		p, err := client.Expect(ctx, protocol.ExpectMessage)
		require.NoError(t, err)
		assert.Equal(t, protocol.Error{Text: text}, p)
	}

	repo.queueErr = errBroken
	_, err := srv.handlePacket(context.Background(), sess, sess.conn, protocol.Message{Message: "x", Recipient: "bob"})
	require.NoError(t, err)
	expectError(databaseErrorText)
	assert.Equal(t, 0, repo.queued())

	repo.queueErr = nil
	repo.lookupErr = errBroken
	_, err = srv.handlePacket(context.Background(), sess, sess.conn, protocol.Message{Message: "x", Recipient: "bob"})
	require.NoError(t, err)
	expectError(databaseErrorText)

	_, err = srv.handlePacket(context.Background(), sess, sess.conn, protocol.UserExistsRequest{Username: "bob"})
	require.NoError(t, err)
	expectError(databaseErrorText)
}

func TestLoginHidesRepositoryErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser(t, "alice")
	srv := New(repo, testConfig(), zaptest.NewLogger(t))
	sess, _ := pipeSession(t, srv, 0, "")

	repo.lookupErr = errBroken
	resp := srv.login(context.Background(), sess, protocol.LoginRequest{Username: "alice", Password: testPassword})
	assert.Equal(t, protocol.LoginResponse{Error: invalidCredentialsText}, resp)

	repo.lookupErr = nil
	resp = srv.login(context.Background(), sess, protocol.LoginRequest{Username: "alice", Password: testPassword})
	assert.Equal(t, protocol.LoginResponse{Valid: true}, resp)
	assert.Equal(t, "alice", sess.Username)
}

func TestSignupDatabaseError(t *testing.T) {
	repo := newFakeRepo()
	repo.insertErr = errBroken
	srv := New(repo, testConfig(), zaptest.NewLogger(t))
	sess, _ := pipeSession(t, srv, 0, "")

	resp := srv.signup(context.Background(), sess, protocol.LoginRequest{Username: "alice", Password: testPassword, Signup: true})
	assert.Equal(t, protocol.LoginResponse{Error: databaseErrorText}, resp)
	assert.Zero(t, sess.UserID)
}

func TestRelayStopsOnDisconnect(t *testing.T) {
	repo := newFakeRepo()
	bob := repo.addUser(t, "bob")
	srv := New(repo, testConfig(), zaptest.NewLogger(t))

	sess, peer := pipeSession(t, srv, bob, "bob")
	client := transport.New(peer, transport.Params{})

	done := make(chan struct{})
	go func() {
		srv.relay(context.Background(), sess)
		close(done)
	}()

	require.NoError(t, client.Send(protocol.Disconnect{}))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	p, err := client.Expect(ctx, protocol.ExpectMessage)
	require.NoError(t, err)
	assert.Equal(t, protocol.Disconnect{}, p)

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("relay did not stop")
	}
}
