package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"deltalima/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newPipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	server := New(a, Params{WriteTimeout: 5 * time.Second, Logger: zaptest.NewLogger(t)})
	client := New(b, Params{WriteTimeout: 5 * time.Second})
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func expectWithin(t *testing.T, c *Conn, expected protocol.Expected) (protocol.Packet, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Expect(ctx, expected)
}

func TestSendExpect(t *testing.T) {
	server, client := newPipe(t)

	require.NoError(t, client.Send(protocol.Ping{Version: "0.1.1"}))

	p, err := expectWithin(t, server, protocol.ExpectPing)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ping{Version: "0.1.1"}, p)
}

func TestExpectUnexpectedVariantNotifiesPeer(t *testing.T) {
	server, client := newPipe(t)

	require.NoError(t, client.Send(protocol.Message{Message: "too early"}))

	_, err := expectWithin(t, server, protocol.ExpectLoginRequest)
	var decodeErr *protocol.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	reply, err := expectWithin(t, client, protocol.ExpectMessage)
	require.NoError(t, err)
	assert.Equal(t, protocol.Error{Text: InvalidDataText, ShouldDisconnect: true}, reply)
}

func TestExpectGarbageFrameNotifiesPeer(t *testing.T) {
	a, b := net.Pipe()
	server := New(a, Params{Logger: zaptest.NewLogger(t)})
	defer server.Close()
	defer b.Close()

	go protocol.WriteFrame(b, []byte{0xEE, 1, 2, 3})

	done := make(chan error, 1)
	go func() {
		_, err := expectWithin(t, server, protocol.ExpectPing)
		done <- err
	}()

	reply, err := protocol.ReadPacket(b)
	require.NoError(t, err)
	assert.Equal(t, protocol.Error{Text: InvalidDataText, ShouldDisconnect: true}, reply)

	var decodeErr *protocol.DecodeError
	assert.ErrorAs(t, <-done, &decodeErr)
}

func TestExpectOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	server := New(a, Params{})
	defer server.Close()
	defer b.Close()

	go func() {
		var prefix [protocol.LengthPrefixSize]byte
		binary.BigEndian.PutUint32(prefix[:], protocol.MaxFrameSize+1)
		b.Write(prefix[:])
	}()

	done := make(chan error, 1)
	go func() {
		_, err := expectWithin(t, server, protocol.ExpectPing)
		done <- err
	}()

	reply, err := protocol.ReadPacket(b)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, reply.Kind())

	var decodeErr *protocol.DecodeError
	assert.ErrorAs(t, <-done, &decodeErr)
}

func TestPollEmptyAndBuffered(t *testing.T) {
	server, client := newPipe(t)

	p, err := server.Poll(protocol.ExpectMessage)
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, client.Send(protocol.UserExistsRequest{Username: "bob"}))

	require.Eventually(t, func() bool {
		p, err = server.Poll(protocol.ExpectMessage)
		return p != nil || err != nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, protocol.UserExistsRequest{Username: "bob"}, p)
}

func TestExpectHonoursContext(t *testing.T) {
	server, _ := newPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.Expect(ctx, protocol.ExpectPing)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpectAfterPeerHangsUp(t *testing.T) {
	server, client := newPipe(t)
	require.NoError(t, client.Close())

	_, err := expectWithin(t, server, protocol.ExpectPing)
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestDuplicateSerializesWrites(t *testing.T) {
	server, client := newPipe(t)
	dup := server.Duplicate()

	const perWriter = 50
	var wg sync.WaitGroup
	for w, handle := range []*Conn{server, dup} {
		wg.Add(1)
		go func(w int, handle *Conn) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := handle.Send(protocol.Message{Message: fmt.Sprintf("%d-%d", w, i), Sender: "x"})
				assert.NoError(t, err)
			}
		}(w, handle)
	}

	seen := make(map[string]bool)
	for len(seen) < 2*perWriter {
		p, err := expectWithin(t, client, protocol.ExpectMessage)
		require.NoError(t, err)
		seen[p.(protocol.Message).Message] = true
	}
	wg.Wait()
}

func TestCloseOnDuplicateClosesBoth(t *testing.T) {
	server, _ := newPipe(t)
	dup := server.Duplicate()

	require.NoError(t, dup.Close())

	err := server.Send(protocol.Disconnect{})
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, errors.Is(err, net.ErrClosed))

	select {
	case <-server.Closed():
	default:
		t.Fatal("expected connection to report closed")
	}
}

func TestDisconnectIsBestEffort(t *testing.T) {
	server, client := newPipe(t)

	server.Disconnect()
	server.Disconnect()

	p, err := expectWithin(t, client, protocol.ExpectMessage)
	require.NoError(t, err)
	assert.Equal(t, protocol.Disconnect{}, p)

	require.NoError(t, server.Close())
	assert.NotPanics(t, func() { server.Duplicate().Disconnect() })
}
