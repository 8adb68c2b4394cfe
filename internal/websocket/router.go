package websocket

import (
	"context"
	"errors"
	"fmt"

	"gator-chat/internal/database"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is the router's per-connection state. It is only touched from the
// connection's read goroutine.
type Session struct {
	Conn Conn
	// Claimed is the identity from the token the socket was opened with, or
	// uuid.Nil when none was presented.
	Claimed uuid.UUID

	identity      uuid.UUID
	authenticated bool
}

func NewSession(conn Conn, claimed uuid.UUID) *Session {
	return &Session{Conn: conn, Claimed: claimed}
}

func (s *Session) Identity() (uuid.UUID, bool) {
	return s.identity, s.authenticated
}

// Router classifies inbound frames and delivers them.
type Router struct {
	presence *Presence
	typing   *Typing
	users    database.UserStore
	log      zerolog.Logger
	metrics  *utils.MetricsCollector
}

func NewRouter(presence *Presence, users database.UserStore, logger zerolog.Logger, metrics *utils.MetricsCollector) *Router {
	r := &Router{
		presence: presence,
		users:    users,
		log:      logger.With().Str("component", "router").Logger(),
		metrics:  metrics,
	}
	r.typing = NewTyping(r)
	return r
}

func (r *Router) Presence() *Presence {
	return r.presence
}

// Handle processes one inbound frame to completion. The returned error is
// informational; the connection stays open whatever happens to the frame.
func (r *Router) Handle(ctx context.Context, s *Session, data []byte) error {
	frame, err := DecodeFrame(data)
	if err != nil {
		r.metrics.FrameDropped("malformed")
		r.log.Debug().Err(err).Msg("dropping malformed frame")
		return err
	}

	if !s.authenticated {
		if err := r.authenticate(ctx, s, frame); err != nil {
			r.metrics.FrameDropped("auth")
			r.log.Warn().Err(err).Stringer("sender", frame.SenderID).Msg("frame failed authentication")
			return err
		}
	} else if frame.SenderID != s.identity {
		r.metrics.FrameDropped("sender_mismatch")
		r.log.Warn().
			Stringer("bound", s.identity).
			Stringer("claimed", frame.SenderID).
			Msg("dropping frame with foreign sender")
		return ErrSenderMismatch
	}

	r.metrics.FrameReceived(frame.Kind)

	switch frame.Kind {
	case KindText, KindImage, KindVideo:
		// Already persisted by the write path; the socket only accelerates delivery.
		r.relay(*frame.ReceiverID, data)
	case KindTyping:
		r.typing.Relay(frame, data)
	case KindStatus:
		r.presence.Announce(frame, data)
	}
	return nil
}

func (r *Router) authenticate(ctx context.Context, s *Session, frame *Frame) error {
	if s.Claimed != uuid.Nil && frame.SenderID != s.Claimed {
		return fmt.Errorf("%w: sender %s does not match token", ErrAuthenticationFailed, frame.SenderID)
	}
	if _, err := r.users.GetUser(ctx, frame.SenderID); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	s.identity = frame.SenderID
	s.authenticated = true
	r.presence.Bind(ctx, s.identity, s.Conn)
	return nil
}

// relay pushes payload to the receiver's live binding. An absent receiver,
// including one the heartbeat has terminated, is not an error; the ledger
// remains the source of truth.
func (r *Router) relay(receiver uuid.UUID, payload []byte) bool {
	conn, ok := r.presence.Hub().Lookup(receiver)
	if !ok {
		r.metrics.Delivery("unreachable")
		return false
	}
	if !conn.Send(payload) {
		r.metrics.Delivery("dropped")
		r.log.Warn().Stringer("receiver", receiver).Msg("receiver send buffer full, frame dropped")
		return false
	}
	r.metrics.Delivery("sent")
	return true
}

// PushMessage delivers a durably recorded message to its receiver, if bound.
func (r *Router) PushMessage(msg *models.Message) bool {
	payload, err := MessageFrame(msg).Encode()
	if err != nil {
		r.log.Error().Err(err).Stringer("message", msg.ID).Msg("failed to encode message frame")
		return false
	}
	return r.relay(msg.ReceiverID, payload)
}

// Disconnect ends the session. Sessions that never authenticated hold no binding.
func (r *Router) Disconnect(ctx context.Context, s *Session) {
	if !s.authenticated {
		return
	}
	r.presence.Disconnect(ctx, s.identity, s.Conn)
}

// Serve runs the session for a websocket client until its connection closes.
func (r *Router) Serve(ctx context.Context, client *Client, claimed uuid.UUID) {
	session := NewSession(client, claimed)
	hub := r.presence.Hub()

	go client.WritePump()
	client.ReadPump(
		func(data []byte) {
			if err := r.Handle(ctx, session, data); err != nil && !isExpectedDrop(err) {
				r.log.Error().Err(err).Msg("frame handling failed")
			}
		},
		func() {
			if id, ok := session.Identity(); ok {
				hub.MarkAlive(id, client)
			}
		},
	)
	r.Disconnect(ctx, session)
}

func isExpectedDrop(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrSenderMismatch)
}
