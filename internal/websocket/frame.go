package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gator-chat/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Frame kinds
const (
	KindText   = string(models.KindText)
	KindImage  = string(models.KindImage)
	KindVideo  = string(models.KindVideo)
	KindTyping = "typing"
	KindStatus = "status"
)

// Typing and status frame contents
const (
	TypingStarted = "typing"
	TypingStopped = "stopped_typing"
	StatusOnline  = "online"
	StatusOffline = "offline"
)

var (
	ErrMalformedFrame       = errors.New("malformed frame")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSenderMismatch       = errors.New("sender does not match bound identity")
)

// Frame is one self-contained realtime message. A status frame with
// Broadcast set goes to every other bound identity instead of ReceiverID.
type Frame struct {
	Kind       string     `json:"kind" validate:"required,oneof=text image video typing status"`
	SenderID   uuid.UUID  `json:"senderId" validate:"required"`
	ReceiverID *uuid.UUID `json:"receiverId,omitempty"`
	Broadcast  bool       `json:"broadcast,omitempty"`
	Content    string     `json:"content,omitempty" validate:"max=4096"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	MediaRef   *string    `json:"mediaRef,omitempty"`
	MessageID  *uuid.UUID `json:"messageId,omitempty"`
}

func (f *Frame) IsDurable() bool {
	switch f.Kind {
	case KindText, KindImage, KindVideo:
		return true
	}
	return false
}

var validate = newFrameValidator()

func newFrameValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(frameStructLevel, Frame{})
	return v
}

// frameStructLevel holds the per-kind rules the field tags cannot express.
func frameStructLevel(sl validator.StructLevel) {
	f := sl.Current().Interface().(Frame)

	hasReceiver := f.ReceiverID != nil && *f.ReceiverID != uuid.Nil
	if hasReceiver && *f.ReceiverID == f.SenderID {
		sl.ReportError(f.ReceiverID, "receiverId", "ReceiverID", "nefield", "senderId")
	}

	switch f.Kind {
	case KindText, KindImage, KindVideo:
		if !hasReceiver || f.Broadcast {
			sl.ReportError(f.ReceiverID, "receiverId", "ReceiverID", "required", "")
		}
		if strings.TrimSpace(f.Content) == "" {
			sl.ReportError(f.Content, "content", "Content", "required", "")
		}
		if f.Kind != KindText && (f.MediaRef == nil || strings.TrimSpace(*f.MediaRef) == "") {
			sl.ReportError(f.MediaRef, "mediaRef", "MediaRef", "required", "")
		}
	case KindTyping:
		if !hasReceiver || f.Broadcast {
			sl.ReportError(f.ReceiverID, "receiverId", "ReceiverID", "required", "")
		}
		if f.Content != TypingStarted && f.Content != TypingStopped {
			sl.ReportError(f.Content, "content", "Content", "oneof", TypingStarted+" "+TypingStopped)
		}
	case KindStatus:
		if !hasReceiver && !f.Broadcast {
			sl.ReportError(f.ReceiverID, "receiverId", "ReceiverID", "required_without", "Broadcast")
		}
		if f.Content != StatusOnline && f.Content != StatusOffline {
			sl.ReportError(f.Content, "content", "Content", "oneof", StatusOnline+" "+StatusOffline)
		}
	}
}

// DecodeFrame parses and validates one inbound frame. Every failure wraps
// ErrMalformedFrame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &f, nil
}

// MessageFrame builds the outbound frame for a durably recorded message.
func MessageFrame(msg *models.Message) *Frame {
	receiver := msg.ReceiverID
	id := msg.ID
	ts := msg.CreatedAt
	return &Frame{
		Kind:       string(msg.Kind),
		SenderID:   msg.SenderID,
		ReceiverID: &receiver,
		Content:    msg.Content,
		Timestamp:  &ts,
		MediaRef:   msg.MediaRef,
		MessageID:  &id,
	}
}

// StatusFrame builds a server-originated presence broadcast.
func StatusFrame(identity uuid.UUID, status string) *Frame {
	ts := time.Now().UTC()
	return &Frame{
		Kind:      KindStatus,
		SenderID:  identity,
		Broadcast: true,
		Content:   status,
		Timestamp: &ts,
	}
}

func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
