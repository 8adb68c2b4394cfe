package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind is the durable message type.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo:
		return true
	}
	return false
}

// NeedsMedia reports whether a media reference is mandatory for the kind.
func (k MessageKind) NeedsMedia() bool {
	return k == KindImage || k == KindVideo
}

// Message is immutable once created, except for the read flag.
type Message struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	SenderID   uuid.UUID   `json:"senderId" db:"sender_id"`
	ReceiverID uuid.UUID   `json:"receiverId" db:"receiver_id"`
	Content    string      `json:"content" db:"content"`
	Kind       MessageKind `json:"kind" db:"kind"`
	MediaRef   *string     `json:"mediaRef,omitempty" db:"media_ref"`
	CreatedAt  time.Time   `json:"timestamp" db:"created_at"`
	IsRead     bool        `json:"isRead" db:"is_read"`
}

// NewMessage carries the inputs of the write path.
type NewMessage struct {
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Content    string
	Kind       MessageKind
	MediaRef   *string
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.MediaRef != nil {
		ref := *m.MediaRef
		c.MediaRef = &ref
	}
	return &c
}
