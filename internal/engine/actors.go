package engine

import (
	"fmt"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/engine/actors"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine coordinates communication between actors
type Engine struct {
	system                 *actor.ActorSystem
	conversationSupervisor *actor.PID
	userSupervisor         *actor.PID
	timeout                time.Duration
}

// Options are the engine's tunables.
type Options struct {
	// RequestTimeout bounds every actor round trip.
	RequestTimeout time.Duration
	// PairIdleTimeout stops a pair's actor after this long without requests.
	// Zero keeps pair actors forever.
	PairIdleTimeout time.Duration
	BcryptCost      int
}

func NewEngine(system *actor.ActorSystem, store database.Store, tokens actors.TokenIssuer, metrics *utils.MetricsCollector, logger zerolog.Logger, opts Options) *Engine {
	context := system.Root
	opTimeout := opts.RequestTimeout * 4 / 5

	// Spawn conversation supervisor
	conversationProps := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewConversationSupervisor(store, metrics, logger, opTimeout, opts.PairIdleTimeout)
	})
	conversationPID := context.Spawn(conversationProps)

	// Spawn user supervisor
	userProps := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewUserSupervisor(store, tokens, metrics, logger, opts.BcryptCost)
	})
	userPID := context.Spawn(userProps)

	return &Engine{
		system:                 system,
		conversationSupervisor: conversationPID,
		userSupervisor:         userPID,
		timeout:                opts.RequestTimeout,
	}
}

// request sends msg and unwraps an error response.
func (e *Engine) request(pid *actor.PID, msg interface{}, name string) (interface{}, error) {
	result, err := e.system.Root.RequestFuture(pid, msg, e.timeout).Result()
	if err != nil {
		return nil, utils.NewActorTimeoutError(name, err)
	}
	if respErr, ok := result.(error); ok {
		return nil, respErr
	}
	return result, nil
}

func unexpected(name string, result interface{}) error {
	return utils.NewAppError(utils.ErrMessageRejected, "unexpected response from "+name, fmt.Errorf("response type %T", result))
}

// RecordMessage runs the write path through the pair's actor.
func (e *Engine) RecordMessage(msg models.NewMessage) (*models.Message, error) {
	result, err := e.request(e.conversationSupervisor, &actors.RecordMessageMsg{Message: msg}, "conversation")
	if err != nil {
		return nil, err
	}
	saved, ok := result.(*models.Message)
	if !ok {
		return nil, unexpected("conversation", result)
	}
	return saved, nil
}

// GetConversation returns the pair's history and clears the viewer's unread count.
func (e *Engine) GetConversation(userID, otherUserID uuid.UUID) ([]*models.Message, error) {
	result, err := e.request(e.conversationSupervisor, &actors.GetConversationMsg{UserID: userID, OtherUserID: otherUserID}, "conversation")
	if err != nil {
		return nil, err
	}
	messages, ok := result.([]*models.Message)
	if !ok {
		return nil, unexpected("conversation", result)
	}
	return messages, nil
}

func (e *Engine) MarkConversationRead(viewerID, otherUserID uuid.UUID) (int64, error) {
	result, err := e.request(e.conversationSupervisor, &actors.MarkConversationReadMsg{ViewerID: viewerID, OtherUserID: otherUserID}, "conversation")
	if err != nil {
		return 0, err
	}
	changed, ok := result.(int64)
	if !ok {
		return 0, unexpected("conversation", result)
	}
	return changed, nil
}

func (e *Engine) DeleteMessage(messageID, userID uuid.UUID) error {
	_, err := e.request(e.conversationSupervisor, &actors.DeleteMessageMsg{MessageID: messageID, UserID: userID}, "conversation")
	return err
}

func (e *Engine) RegisterUser(username, email, password string) (*models.User, error) {
	result, err := e.request(e.userSupervisor, &actors.RegisterUserMsg{Username: username, Email: email, Password: password}, "user")
	if err != nil {
		return nil, err
	}
	user, ok := result.(*models.User)
	if !ok {
		return nil, unexpected("user", result)
	}
	return user, nil
}

func (e *Engine) Login(email, password string) (*actors.LoginResult, error) {
	result, err := e.request(e.userSupervisor, &actors.LoginMsg{Email: email, Password: password}, "user")
	if err != nil {
		return nil, err
	}
	login, ok := result.(*actors.LoginResult)
	if !ok {
		return nil, unexpected("user", result)
	}
	return login, nil
}

// ActivePairs returns how many pair actors are running. Zero when the
// supervisor does not answer in time.
func (e *Engine) ActivePairs() int {
	result, err := e.request(e.conversationSupervisor, &actors.GetActivePairsMsg{}, "conversation")
	if err != nil {
		return 0
	}
	count, _ := result.(int)
	return count
}
