package database

import (
	"context"
	"strings"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
)

// Ledger owns messages and the per-pair conversation records derived from them.
// Every implementation must keep one conversation per unordered pair, compute
// unread counts from message read flags and order lists by last activity.
type Ledger interface {
	RecordMessage(ctx context.Context, msg models.NewMessage) (*models.Message, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error)
	// MarkRead flips every unread message sent by otherID to viewerID. It returns
	// the number of messages that changed state.
	MarkRead(ctx context.Context, viewerID, otherID uuid.UUID) (int64, error)
	// GetMessages returns the pair's history oldest first. Viewing a conversation
	// marks it read for userID.
	GetMessages(ctx context.Context, userID, otherID uuid.UUID) ([]*models.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) error
}

// UserStore is the part of the record store the realtime core depends on.
type UserStore interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetAllUsers(ctx context.Context) ([]*models.User, error)
	UpdateUserActivity(ctx context.Context, id uuid.UUID, active bool) error
	// ResetUserActivity clears every persisted online flag. Used at startup,
	// when no connection can be live.
	ResetUserActivity(ctx context.Context) error
}

// Store is what the server runs on: one backend serving both roles.
type Store interface {
	Ledger
	UserStore
	Close(ctx context.Context) error
}

// newID returns a time-ordered identifier, so ids sort in creation order.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// now is truncated to the precision PostgreSQL keeps, so a returned record
// compares equal to the one read back later.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// validateNewMessage checks the write-path inputs shared by every backend.
func validateNewMessage(msg *models.NewMessage) error {
	if msg.SenderID == uuid.Nil || msg.ReceiverID == uuid.Nil {
		return utils.NewInvalidInputError("sender and receiver are required")
	}
	if msg.SenderID == msg.ReceiverID {
		return utils.NewInvalidInputError("cannot send a message to yourself")
	}
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	if !msg.Kind.Valid() {
		return utils.NewInvalidInputError("unknown message kind %q", msg.Kind)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return utils.NewInvalidInputError("content is required")
	}
	if msg.Kind.NeedsMedia() && (msg.MediaRef == nil || strings.TrimSpace(*msg.MediaRef) == "") {
		return utils.NewInvalidInputError("%s messages require a media reference", msg.Kind)
	}
	if !msg.Kind.NeedsMedia() {
		msg.MediaRef = nil
	}
	return nil
}

func buildMessage(in models.NewMessage) *models.Message {
	return &models.Message{
		ID:         newID(),
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		Kind:       in.Kind,
		MediaRef:   in.MediaRef,
		CreatedAt:  now(),
		IsRead:     false,
	}
}

var (
	_ Store = (*MemoryDB)(nil)
	_ Store = (*SQLDB)(nil)
	_ Store = (*MongoDB)(nil)
)
