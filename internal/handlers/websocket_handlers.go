package handlers

import (
	"context"
	"net/http"

	"gator-chat/internal/middleware"
	"gator-chat/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// upgrader checks origins against the same allow-list as CORS.
func (s *Server) upgrader() *ws.Upgrader {
	return &ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.CORS.OriginAllowed(origin)
		},
	}
}

// HandleWebSocket handles WebSocket connection requests.
func (s *Server) HandleWebSocket() http.HandlerFunc {
	upgrader := s.upgrader()

	return func(w http.ResponseWriter, r *http.Request) {
		// 1. Authenticate using the JWT, when one is presented
		claimed := uuid.Nil
		tokenString, tokenErr := middleware.TokenFromRequest(r)
		switch {
		case tokenErr == nil:
			claims, err := s.Tokens.ValidateToken(tokenString)
			if err != nil {
				s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket rejected: invalid token")
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			claimed = claims.UserID
		case s.Realtime.RequireToken:
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("websocket rejected: missing token")
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		// 2. Upgrade connection
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already replied to the client.
			s.log.Warn().Err(err).Stringer("user", claimed).Msg("websocket upgrade failed")
			return
		}

		cfg := websocket.DefaultClientConfig(s.Realtime.HeartbeatInterval)
		if s.Realtime.SendBuffer > 0 {
			cfg.SendBuffer = s.Realtime.SendBuffer
		}
		if s.Realtime.MaxFrameBytes > 0 {
			cfg.MaxMessageSize = s.Realtime.MaxFrameBytes
		}
		client := websocket.NewClient(conn, cfg, s.log, s.Metrics)
		s.log.Debug().Stringer("user", claimed).Msg("websocket connection upgraded")

		// 3. Run the session until the socket closes. The connection binds with
		// its first valid frame.
		s.Router.Serve(context.WithoutCancel(r.Context()), client, claimed)
	}
}
