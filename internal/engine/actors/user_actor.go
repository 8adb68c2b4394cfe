package actors

import (
	stdctx "context"
	"strings"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// TokenIssuer signs session tokens for authenticated users.
type TokenIssuer interface {
	GenerateToken(userID uuid.UUID, username string) (string, error)
}

// Message types for the UserSupervisor
type (
	RegisterUserMsg struct {
		Username string
		Email    string
		Password string
	}

	LoginMsg struct {
		Email    string
		Password string
	}
)

// LoginResult is the reply to a successful LoginMsg.
type LoginResult struct {
	User  *models.User
	Token string
}

// UserSupervisor handles registration and login. Registrations go through
// one mailbox, so a duplicate check and the insert that follows it are not
// interleaved with another registration.
type UserSupervisor struct {
	users      database.UserStore
	tokens     TokenIssuer
	metrics    *utils.MetricsCollector
	log        zerolog.Logger
	bcryptCost int
}

func NewUserSupervisor(users database.UserStore, tokens TokenIssuer, metrics *utils.MetricsCollector, logger zerolog.Logger, bcryptCost int) actor.Actor {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &UserSupervisor{
		users:      users,
		tokens:     tokens,
		metrics:    metrics,
		log:        logger.With().Str("actor", "users").Logger(),
		bcryptCost: bcryptCost,
	}
}

func (s *UserSupervisor) hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	return string(bytes), err
}

func (s *UserSupervisor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *RegisterUserMsg:
		s.handleRegister(context, msg)
	case *LoginMsg:
		s.handleLogin(context, msg)
	}
}

func (s *UserSupervisor) handleRegister(context actor.Context, msg *RegisterUserMsg) {
	startTime := time.Now()
	ctx := stdctx.Background()

	email := strings.ToLower(strings.TrimSpace(msg.Email))
	if existing, _ := s.users.GetUserByEmail(ctx, email); existing != nil {
		s.log.Info().Str("email", email).Msg("email already registered")
		context.Respond(utils.NewAppError(utils.ErrUserAlreadyExists, "Email already registered", nil))
		return
	}

	hashedPassword, err := s.hashPassword(msg.Password)
	if err != nil {
		context.Respond(utils.NewAppError(utils.ErrInvalidInput, "Failed to hash password", err))
		return
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:             uuid.New(),
		Username:       strings.TrimSpace(msg.Username),
		Email:          email,
		HashedPassword: hashedPassword,
		CreatedAt:      now,
		LastActive:     now,
	}
	if err := s.users.SaveUser(ctx, user); err != nil {
		s.log.Warn().Err(err).Str("email", email).Msg("failed to save user")
		context.Respond(utils.AsAppError(err, utils.ErrDatabase, "Failed to save user"))
		return
	}

	s.log.Info().Stringer("user", user.ID).Msg("user registered")
	s.metrics.AddOperationLatency("register_user", time.Since(startTime))
	context.Respond(user)
}

func (s *UserSupervisor) handleLogin(context actor.Context, msg *LoginMsg) {
	ctx := stdctx.Background()

	user, err := s.users.GetUserByEmail(ctx, msg.Email)
	if err != nil {
		if utils.IsErrorCode(err, utils.ErrUserNotFound) {
			context.Respond(utils.NewAppError(utils.ErrInvalidCredentials, "Invalid credentials", nil))
			return
		}
		context.Respond(utils.AsAppError(err, utils.ErrDatabase, "Failed to fetch user"))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(msg.Password)); err != nil {
		context.Respond(utils.NewAppError(utils.ErrInvalidCredentials, "Invalid credentials", nil))
		return
	}

	token, err := s.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		context.Respond(utils.NewAppError(utils.ErrInvalidToken, "Failed to generate token", err))
		return
	}

	s.log.Info().Stringer("user", user.ID).Msg("user logged in")
	context.Respond(&LoginResult{User: user, Token: token})
}
