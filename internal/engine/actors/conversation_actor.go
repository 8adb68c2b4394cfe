package actors

import (
	"context"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message types for the conversation actors
type (
	RecordMessageMsg struct {
		Message models.NewMessage
	}

	// GetConversationMsg returns the pair's history and marks it read for UserID.
	GetConversationMsg struct {
		UserID      uuid.UUID
		OtherUserID uuid.UUID
	}

	MarkConversationReadMsg struct {
		ViewerID    uuid.UUID
		OtherUserID uuid.UUID
	}

	DeleteMessageMsg struct {
		MessageID uuid.UUID
		UserID    uuid.UUID // The user deleting the message
	}

	GetActivePairsMsg struct{}

	// pairIdleMsg is sent by a PairActor to its supervisor when its mailbox
	// has been quiet for the idle timeout.
	pairIdleMsg struct {
		Pair    models.Pair
		PID     *actor.PID
		Handled uint64
	}
)

// ConversationSupervisor owns one PairActor per unordered pair of users and
// forwards every pair-scoped request to it, so that writes for the same pair
// are applied one at a time.
//
// Idle pair actors are stopped. A pair actor reports idleness together with
// the number of requests it has handled; the supervisor stops it only when
// that matches the number it forwarded, so no request is ever stranded in a
// stopping mailbox.
type ConversationSupervisor struct {
	store       database.Ledger
	metrics     *utils.MetricsCollector
	log         zerolog.Logger
	opTimeout   time.Duration
	idleTimeout time.Duration
	pairs       map[models.Pair]*pairEntry
}

type pairEntry struct {
	pid       *actor.PID
	forwarded uint64
}

// NewConversationSupervisor builds the supervisor. An idleTimeout of zero
// keeps every pair actor for the lifetime of the system.
func NewConversationSupervisor(store database.Ledger, metrics *utils.MetricsCollector, logger zerolog.Logger, opTimeout, idleTimeout time.Duration) actor.Actor {
	return &ConversationSupervisor{
		store:       store,
		metrics:     metrics,
		log:         logger.With().Str("actor", "conversations").Logger(),
		opTimeout:   opTimeout,
		idleTimeout: idleTimeout,
		pairs:       make(map[models.Pair]*pairEntry),
	}
}

func (a *ConversationSupervisor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.log.Info().Msg("conversation supervisor started")

	case *RecordMessageMsg:
		a.forward(ctx, models.PairOf(msg.Message.SenderID, msg.Message.ReceiverID))

	case *GetConversationMsg:
		a.forward(ctx, models.PairOf(msg.UserID, msg.OtherUserID))

	case *MarkConversationReadMsg:
		a.forward(ctx, models.PairOf(msg.ViewerID, msg.OtherUserID))

	case *DeleteMessageMsg:
		// The pair is only known from the stored message.
		opCtx, cancel := context.WithTimeout(context.Background(), a.opTimeout)
		existing, err := a.store.GetMessage(opCtx, msg.MessageID)
		cancel()
		if err != nil {
			ctx.Respond(utils.AsAppError(err, utils.ErrDatabase, "failed to look up message"))
			return
		}
		a.forward(ctx, models.PairOf(existing.SenderID, existing.ReceiverID))

	case *GetActivePairsMsg:
		ctx.Respond(len(a.pairs))

	case *pairIdleMsg:
		entry, ok := a.pairs[msg.Pair]
		if !ok || !entry.pid.Equal(msg.PID) || entry.forwarded != msg.Handled {
			return
		}
		delete(a.pairs, msg.Pair)
		ctx.Stop(entry.pid)
		a.log.Debug().Str("pair", msg.Pair.Key()).Msg("stopped idle pair actor")
	}
}

// forward hands the current request to the pair's actor, spawning it if needed.
func (a *ConversationSupervisor) forward(ctx actor.Context, pair models.Pair) {
	entry, ok := a.pairs[pair]
	if !ok {
		props := actor.PropsFromProducer(func() actor.Actor {
			return NewPairActor(pair, a.store, a.metrics, a.opTimeout, a.idleTimeout)
		})
		entry = &pairEntry{pid: ctx.Spawn(props)}
		a.pairs[pair] = entry
	}
	entry.forwarded++
	ctx.Forward(entry.pid)
}

// PairActor serializes ledger mutations for one conversation.
type PairActor struct {
	pair        models.Pair
	store       database.Ledger
	metrics     *utils.MetricsCollector
	opTimeout   time.Duration
	idleTimeout time.Duration
	handled     uint64
}

func NewPairActor(pair models.Pair, store database.Ledger, metrics *utils.MetricsCollector, opTimeout, idleTimeout time.Duration) actor.Actor {
	return &PairActor{
		pair:        pair,
		store:       store,
		metrics:     metrics,
		opTimeout:   opTimeout,
		idleTimeout: idleTimeout,
	}
}

func (a *PairActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		if a.idleTimeout > 0 {
			ctx.SetReceiveTimeout(a.idleTimeout)
		}
	case *actor.ReceiveTimeout:
		ctx.Send(ctx.Parent(), &pairIdleMsg{Pair: a.pair, PID: ctx.Self(), Handled: a.handled})
	case *RecordMessageMsg:
		a.handled++
		a.handleRecordMessage(ctx, msg)
	case *GetConversationMsg:
		a.handled++
		a.handleGetConversation(ctx, msg)
	case *MarkConversationReadMsg:
		a.handled++
		a.handleMarkRead(ctx, msg)
	case *DeleteMessageMsg:
		a.handled++
		a.handleDeleteMessage(ctx, msg)
	}
}

func (a *PairActor) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.opTimeout)
}

func (a *PairActor) handleRecordMessage(ctx actor.Context, msg *RecordMessageMsg) {
	startTime := time.Now()
	opCtx, cancel := a.opContext()
	defer cancel()

	saved, err := a.store.RecordMessage(opCtx, msg.Message)
	if err != nil {
		ctx.Respond(utils.AsAppError(err, utils.ErrDatabase, "failed to record message"))
		return
	}

	a.metrics.MessageRecorded(string(saved.Kind))
	a.metrics.AddOperationLatency("record_message", time.Since(startTime))
	ctx.Respond(saved)
}

func (a *PairActor) handleGetConversation(ctx actor.Context, msg *GetConversationMsg) {
	startTime := time.Now()
	opCtx, cancel := a.opContext()
	defer cancel()

	messages, err := a.store.GetMessages(opCtx, msg.UserID, msg.OtherUserID)
	if err != nil {
		ctx.Respond(utils.AsAppError(err, utils.ErrDatabase, "failed to load conversation"))
		return
	}

	a.metrics.AddOperationLatency("get_conversation", time.Since(startTime))
	ctx.Respond(messages)
}

func (a *PairActor) handleMarkRead(ctx actor.Context, msg *MarkConversationReadMsg) {
	opCtx, cancel := a.opContext()
	defer cancel()

	changed, err := a.store.MarkRead(opCtx, msg.ViewerID, msg.OtherUserID)
	if err != nil {
		ctx.Respond(utils.AsAppError(err, utils.ErrDatabase, "failed to mark conversation read"))
		return
	}
	ctx.Respond(changed)
}

func (a *PairActor) handleDeleteMessage(ctx actor.Context, msg *DeleteMessageMsg) {
	opCtx, cancel := a.opContext()
	defer cancel()

	if err := a.store.DeleteMessage(opCtx, msg.MessageID, msg.UserID); err != nil {
		ctx.Respond(utils.AsAppError(err, utils.ErrDatabase, "failed to delete message"))
		return
	}
	ctx.Respond(true)
}
