package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"deltalima/config"
	"deltalima/db"
	"deltalima/server"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the config file, created with defaults when missing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		err = multierr.Append(err, database.Close())
	}()

	srv := server.New(database, &server.Config{
		AcceptedVersion:  cfg.Server.AcceptedVersion,
		PollInterval:     cfg.Relay.PollInterval.Std(),
		AcceptInterval:   cfg.Relay.AcceptInterval.Std(),
		HandshakeTimeout: cfg.Timeouts.Handshake.Std(),
		LoginTimeout:     cfg.Timeouts.Login.Std(),
		WriteTimeout:     cfg.Timeouts.Write.Std(),
		HistoryLimit:     cfg.Relay.HistoryLimit,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Server.ControlSocket != "" {
		control, lerr := startControlSocket(ctx, cfg.Server.ControlSocket, srv, database, cancel, logger)
		if lerr != nil {
			logger.Warn("Failed to create control socket", zap.String("path", cfg.Server.ControlSocket), zap.Error(lerr))
		} else {
			defer func() {
				if cerr := control.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
					err = multierr.Append(err, cerr)
				}
			}()
		}
	}

	// first signal drains sessions, a second one drops them
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.Stringer("signal", sig))
		cancel()

		select {
		case sig = <-sigChan:
			logger.Warn("Received second signal, closing all connections", zap.Stringer("signal", sig))
			if err := srv.Close(); err != nil {
				logger.Warn("Errors while closing connections", zap.Error(err))
			}
		case <-ctx.Done():
		}
	}()

	return srv.ListenAndServe(ctx, cfg.Address())
}

func startControlSocket(ctx context.Context, path string, srv *server.Server, database *db.DB, shutdown context.CancelFunc, logger *zap.Logger) (net.Listener, error) {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	logger.Info("Control socket listening", zap.String("path", path))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logger.Warn("Control socket accept failed", zap.Error(err))
				}
				return
			}

			go handleControlCommand(ctx, conn, srv, database, shutdown, logger)
		}
	}()

	return listener, nil
}

// handleControlCommand answers one "stats" or "shutdown" line.
func handleControlCommand(ctx context.Context, conn net.Conn, srv *server.Server, database *db.DB, shutdown context.CancelFunc, logger *zap.Logger) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		stats := srv.Stats().String()
		pending, err := database.PendingCount(ctx)
		if err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		fmt.Fprintf(conn, "OK|%s,pending=%d\n", stats, pending)

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		logger.Info("Shutdown requested over control socket", zap.String("reason", reason))
		srv.Shutdown(reason)
		shutdown()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
