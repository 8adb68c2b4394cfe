package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gator-chat/internal/api"
	"gator-chat/internal/config"
	"gator-chat/internal/database"
	"gator-chat/internal/engine"
	"gator-chat/internal/middleware"
	"gator-chat/internal/utils"
	"gator-chat/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server holds all server dependencies, including the actor engine and the
// realtime router.
type Server struct {
	Engine   *engine.Engine
	Store    database.Store
	Router   *websocket.Router
	Tokens   *middleware.TokenIssuer
	Metrics  *utils.MetricsCollector
	CORS     *middleware.CORSConfig
	Realtime *config.RealtimeConfig

	log      zerolog.Logger
	validate *validator.Validate
}

// NewServer creates a new Server instance with the given components
func NewServer(
	eng *engine.Engine,
	store database.Store,
	router *websocket.Router,
	tokens *middleware.TokenIssuer,
	metrics *utils.MetricsCollector,
	cfg *config.Config,
	logger zerolog.Logger,
) *Server {
	realtime := cfg.Realtime
	if realtime == nil {
		realtime = config.DefaultRealtimeConfig()
	}
	return &Server{
		Engine:   eng,
		Store:    store,
		Router:   router,
		Tokens:   tokens,
		Metrics:  metrics,
		CORS:     middleware.DefaultCORSConfig(cfg.AllowedOrigins),
		Realtime: realtime,
		log:      logger.With().Str("component", "http").Logger(),
		validate: validator.New(),
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.log, s.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORSMiddleware(s.CORS))

	// Public routes
	r.Get("/health", s.HandleHealth())
	r.Handle("/metrics", s.Metrics.Handler())
	r.Post("/user/register", s.HandleUserRegistration())
	r.Post("/user/login", s.HandleUserLogin())
	// The websocket validates its own token; a connection may also
	// authenticate with its first frame when tokens are optional.
	r.Get("/ws", s.HandleWebSocket())

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(s.Tokens.AuthMiddleware)

		r.Get("/users", s.HandleGetAllUsers())
		r.Get("/users/online", s.HandleOnlineUsers())

		r.Post("/messages", s.HandleSendMessage())
		r.Delete("/messages/{messageId}", s.HandleDeleteMessage())

		r.Get("/conversations", s.HandleListConversations())
		r.Get("/conversations/{otherUserId}/messages", s.HandleGetConversation())
		r.Post("/conversations/{otherUserId}/read", s.HandleMarkConversationRead())
	})

	return r
}

// HandleHealth reports liveness and a few engine counters.
func (s *Server) HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"online_users": len(s.Router.Presence().Hub().Online()),
			"active_pairs": s.Engine.ActivePairs(),
			"uptime":       s.Metrics.Uptime().Round(time.Second).String(),
			"server_time":  time.Now().UTC(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps err onto a status code through its AppError code.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback string) {
	appErr := utils.AsAppError(err, utils.ErrDatabase, fallback)
	status := utils.AppErrorToHTTPStatus(appErr.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", appErr.Code).Msg(fallback)
	}
	writeJSON(w, status, api.ErrorResponse{Code: appErr.Code, Message: appErr.Message})
}

// decode reads a JSON body into req and runs its validation tags.
func (s *Server) decode(r *http.Request, req interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return utils.NewInvalidInputError("invalid request body")
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return utils.NewInvalidInputError("invalid field %s: %s", verrs[0].Field(), verrs[0].Tag())
		}
		return utils.NewInvalidInputError("invalid request")
	}
	return nil
}

// currentUser returns the authenticated caller.
func currentUser(r *http.Request) (uuid.UUID, error) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, utils.NewUnauthorizedError("no user in context")
	}
	return userID, nil
}

// pathID parses a UUID URL parameter.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, utils.NewInvalidInputError("invalid %s", name)
	}
	return id, nil
}
