package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Pair is an unordered pair of users, normalized so that Low sorts before High.
type Pair struct {
	Low  uuid.UUID
	High uuid.UUID
}

func PairOf(a, b uuid.UUID) Pair {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return Pair{Low: a, High: b}
	}
	return Pair{Low: b, High: a}
}

// Key is a stable string form, usable as a map key or document id.
func (p Pair) Key() string {
	return p.Low.String() + ":" + p.High.String()
}

func (p Pair) Contains(id uuid.UUID) bool {
	return p.Low == id || p.High == id
}

// Other returns the member of the pair that is not id.
func (p Pair) Other(id uuid.UUID) uuid.UUID {
	if p.Low == id {
		return p.High
	}
	return p.Low
}

// Conversation is the single record kept per unordered pair of users.
type Conversation struct {
	ID            uuid.UUID `json:"id" db:"id"`
	UserLow       uuid.UUID `json:"userLow" db:"user_low"`
	UserHigh      uuid.UUID `json:"userHigh" db:"user_high"`
	LastMessageID uuid.UUID `json:"lastMessageId" db:"last_message_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	OtherUser      *PublicUser `json:"otherUser"`
	LastMessage    *Message    `json:"lastMessage"`
	UnreadCount    int         `json:"unreadCount"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}
