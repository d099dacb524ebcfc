package main

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deltalima/db"
	"deltalima/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func controlRoundTrip(t *testing.T, command string, srv *server.Server, database *db.DB, shutdown context.CancelFunc) string {
	t.Helper()
	a, b := net.Pipe()
	defer b.Close()

	go handleControlCommand(context.Background(), a, srv, database, shutdown, zaptest.NewLogger(t))

	b.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := b.Write([]byte(command + "\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(b).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(reply)
}

func TestControlCommands(t *testing.T) {
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer database.Close()

	srv := server.New(database, &server.Config{AcceptedVersion: "0.1.1"}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, "OK|connections=0,active=0,users=,pending=0", controlRoundTrip(t, "stats", srv, database, cancel))
	assert.Equal(t, "ERROR|Unknown command", controlRoundTrip(t, "reboot", srv, database, cancel))

	assert.NoError(t, ctx.Err())
	assert.Empty(t, srv.ShutdownReason())
	assert.Equal(t, "OK|Shutting down", controlRoundTrip(t, "shutdown|upgrade", srv, database, cancel))
	require.Eventually(t, func() bool { return ctx.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "upgrade", srv.ShutdownReason())
}
