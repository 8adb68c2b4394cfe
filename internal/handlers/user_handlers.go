package handlers

import (
	"net/http"

	"gator-chat/internal/api"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// RegisterUserRequest represents a request to register a new user
type RegisterUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest represents a request to log in a user
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// UserListEntry is one row of the discovery list.
type UserListEntry struct {
	*models.PublicUser
	// Online is the registry's view, which is authoritative over the
	// persisted flag.
	Online bool `json:"online"`
}

// HandleUserRegistration handles requests to register a new user
func (s *Server) HandleUserRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterUserRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, err, "invalid registration")
			return
		}

		user, err := s.Engine.RegisterUser(req.Username, req.Email, req.Password)
		if err != nil {
			s.writeError(w, err, "failed to register user")
			return
		}

		s.log.Info().Stringer("user", user.ID).Str("username", user.Username).Msg("user registered")
		writeJSON(w, http.StatusCreated, user)
	}
}

// HandleUserLogin handles requests to log in a user
func (s *Server) HandleUserLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, err, "invalid login")
			return
		}

		result, err := s.Engine.Login(req.Email, req.Password)
		if err != nil {
			if utils.IsErrorCode(err, utils.ErrInvalidCredentials) {
				writeJSON(w, http.StatusUnauthorized, api.LoginResponse{
					Success: false,
					Error:   "invalid email or password",
				})
				return
			}
			s.writeError(w, err, "failed to process login")
			return
		}

		writeJSON(w, http.StatusOK, api.LoginResponse{
			Success: true,
			Token:   result.Token,
			UserID:  result.User.ID.String(),
		})
	}
}

// HandleGetAllUsers lists every user other than the caller.
func (s *Server) HandleGetAllUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, err := currentUser(r)
		if err != nil {
			s.writeError(w, err, "unauthorized")
			return
		}

		users, err := s.Store.GetAllUsers(r.Context())
		if err != nil {
			s.writeError(w, err, "failed to fetch users")
			return
		}

		online := lo.SliceToMap(s.Router.Presence().Hub().Online(), func(id uuid.UUID) (uuid.UUID, struct{}) {
			return id, struct{}{}
		})
		entries := lo.FilterMap(users, func(u *models.User, _ int) (UserListEntry, bool) {
			if u.ID == callerID {
				return UserListEntry{}, false
			}
			_, isOnline := online[u.ID]
			return UserListEntry{PublicUser: u.Public(), Online: isOnline}, true
		})

		writeJSON(w, http.StatusOK, entries)
	}
}

// HandleOnlineUsers returns the identities that currently hold a binding.
func (s *Server) HandleOnlineUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"online": s.Router.Presence().Hub().Online(),
		})
	}
}
