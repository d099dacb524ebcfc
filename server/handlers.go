package server

import (
	"context"
	"errors"
	"time"

	"deltalima/db"
	"deltalima/protocol"
	"deltalima/transport"

	"go.uber.org/zap"
)

const (
	invalidRecipientText = "Invalid recipient"
	invalidHistoryText   = "Invalid username"
	unexpectedPacketText = "Unexpected packet"
)

// handlePacket dispatches one client packet during the active relay. stop is
// true when the client asked to end the session; err is a failed send.
func (s *Server) handlePacket(ctx context.Context, sess *Session, conn *transport.Conn, p protocol.Packet) (stop bool, err error) {
	switch pkt := p.(type) {
	case protocol.Message:
		return false, s.handleMessage(ctx, sess, conn, pkt)
	case protocol.UserExistsRequest:
		return false, s.handleUserExists(ctx, sess, conn, pkt)
	case protocol.UserOnlineRequest:
		return false, conn.Send(protocol.UserResponse{Response: s.IsOnline(pkt.Username)})
	case protocol.MsgHistoryRequest:
		return false, s.handleHistory(ctx, sess, conn, pkt)
	case protocol.Disconnect:
		sess.log.Debug("Client sent Disconnect")
		return true, nil
	case protocol.Error:
		sess.log.Warn("Client reported an error",
			zap.String("error", pkt.Text),
			zap.Bool("should_disconnect", pkt.ShouldDisconnect),
		)
		return pkt.ShouldDisconnect, nil
	default:
		sess.log.Debug("Ignoring unexpected packet", zap.Stringer("kind", p.Kind()))
		return false, s.sendError(conn, unexpectedPacketText)
	}
}

func (s *Server) sendError(conn *transport.Conn, text string) error {
	return conn.Send(protocol.Error{Text: text})
}

func (s *Server) handleMessage(ctx context.Context, sess *Session, conn *transport.Conn, msg protocol.Message) error {
	recipientID, err := s.repo.GetIDByUsername(ctx, msg.Recipient)
	if errors.Is(err, db.ErrNotFound) {
		return s.sendError(conn, invalidRecipientText)
	}
	if err != nil {
		sess.log.Error("Recipient lookup failed", zap.String("recipient", msg.Recipient), zap.Error(err))
		return s.sendError(conn, databaseErrorText)
	}

	queued, err := s.repo.EnqueueMessage(ctx, sess.UserID, recipientID, msg.Message, time.Now())
	if err != nil {
		sess.log.Error("Failed to queue message", zap.String("recipient", msg.Recipient), zap.Error(err))
		return s.sendError(conn, databaseErrorText)
	}

	s.hub.Notify(recipientID)
	sess.log.Debug("Message queued", zap.String("msg", queued.ID), zap.String("recipient", msg.Recipient))
	return nil
}

func (s *Server) handleUserExists(ctx context.Context, sess *Session, conn *transport.Conn, req protocol.UserExistsRequest) error {
	_, err := s.repo.GetIDByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		sess.log.Error("User lookup failed", zap.String("username", req.Username), zap.Error(err))
		return s.sendError(conn, databaseErrorText)
	}
	return conn.Send(protocol.UserResponse{Response: err == nil})
}

func (s *Server) handleHistory(ctx context.Context, sess *Session, conn *transport.Conn, req protocol.MsgHistoryRequest) error {
	otherID, err := s.repo.GetIDByUsername(ctx, req.Username)
	if errors.Is(err, db.ErrNotFound) {
		return s.sendError(conn, invalidHistoryText)
	}
	if err != nil {
		sess.log.Error("User lookup failed", zap.String("username", req.Username), zap.Error(err))
		return s.sendError(conn, databaseErrorText)
	}

	entries, err := s.repo.History(ctx, sess.UserID, otherID, s.config.HistoryLimit)
	if err != nil {
		sess.log.Error("History query failed", zap.String("username", req.Username), zap.Error(err))
		return s.sendError(conn, databaseErrorText)
	}

	history := make([]protocol.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		history = append(history, protocol.HistoryEntry{
			Message:   e.Text,
			Sender:    e.Sender,
			Timestamp: e.Timestamp.Format(time.RFC3339),
		})
	}
	return conn.Send(protocol.MsgHistory{History: history})
}
