package server

import (
	"context"
	"fmt"
	"time"

	"deltalima/protocol"
	"deltalima/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// selfRecipient marks a delivered message as addressed to the receiving user.
const selfRecipient = "SELF"

// relay runs the inbound and outbound workers until either stops or ctx is
// cancelled. The workers share the session connection through two handles.
func (s *Server) relay(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := sess.conn
	out := sess.conn.Duplicate()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return s.inbound(gctx, sess, in)
	})
	g.Go(func() error {
		defer cancel()
		return s.outbound(gctx, sess, out)
	})

	if err := g.Wait(); err != nil {
		sess.log.Info("Relay stopped", zap.Error(err))
	}
}

// inbound handles packets sent by the client. It drains every buffered packet
// before sleeping for one poll interval.
func (s *Server) inbound(ctx context.Context, sess *Session, conn *transport.Conn) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return nil
			}

			p, err := conn.Poll(protocol.ExpectMessage)
			if err != nil {
				return fmt.Errorf("inbound: %w", err)
			}
			if p == nil {
				break
			}

			stop, err := s.handlePacket(ctx, sess, conn, p)
			if err != nil {
				return fmt.Errorf("inbound: %w", err)
			}
			if stop {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// outbound delivers queued messages to the client oldest first. A message is
// deleted only after it was written to the connection.
func (s *Server) outbound(ctx context.Context, sess *Session, conn *transport.Conn) error {
	wake, unsubscribe := s.hub.Subscribe(sess.UserID)
	defer unsubscribe()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	defer func() {
		if ctx.Err() != nil {
			s.sendShutdownNotice(sess, conn)
		}
		conn.Disconnect()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivered, err := s.deliverNext(ctx, sess, conn)
		if err != nil {
			return fmt.Errorf("outbound: %w", err)
		}
		if delivered {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// deliverNext sends the next queued message, if any. Repository failures are
// logged and retried by the caller; only a failed send is returned.
func (s *Server) deliverNext(ctx context.Context, sess *Session, conn *transport.Conn) (bool, error) {
	msg, err := s.repo.NextMessageFor(ctx, sess.UserID)
	if err != nil {
		if ctx.Err() == nil {
			sess.log.Warn("Failed to read message queue", zap.Error(err))
		}
		return false, nil
	}
	if msg == nil {
		return false, nil
	}

	sender, err := s.repo.GetUsernameByID(ctx, msg.SenderID)
	if err != nil {
		if ctx.Err() == nil {
			sess.log.Warn("Failed to resolve sender", zap.String("msg", msg.ID), zap.Int64("sender_id", msg.SenderID), zap.Error(err))
		}
		return false, nil
	}

	packet := protocol.Message{
		Message:   msg.Body,
		Sender:    sender,
		Recipient: selfRecipient,
		Timestamp: msg.Timestamp.Format(time.RFC3339),
	}
	if err := conn.Send(packet); err != nil {
		sess.log.Warn("Delivery failed, message stays queued", zap.String("msg", msg.ID), zap.Error(err))
		return false, fmt.Errorf("deliver %s: %w", msg.ID, err)
	}

	// the message is on the wire, finish the delete even during shutdown
	if err := s.repo.DeleteMessage(context.WithoutCancel(ctx), msg.ID); err != nil {
		sess.log.Error("Failed to delete delivered message", zap.String("msg", msg.ID), zap.Error(err))
		return false, nil
	}

	sess.log.Debug("Message delivered", zap.String("msg", msg.ID), zap.String("from", sender))
	return true, nil
}

// sendShutdownNotice tells the client why the server is going away, if a
// reason was given.
func (s *Server) sendShutdownNotice(sess *Session, conn *transport.Conn) {
	reason := s.ShutdownReason()
	if reason == "" {
		return
	}
	if err := conn.Send(protocol.Error{Text: shutdownText + reason, ShouldDisconnect: true}); err != nil {
		sess.log.Debug("Shutdown notice not delivered", zap.Error(err))
	}
}
