package websocket

import (
	"testing"

	"gator-chat/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrameRules(t *testing.T) {
	a, b := uuid.New().String(), uuid.New().String()

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"text", `{"kind":"text","senderId":"` + a + `","receiverId":"` + b + `","content":"hi"}`, true},
		{"text without content", `{"kind":"text","senderId":"` + a + `","receiverId":"` + b + `"}`, false},
		{"text to self", `{"kind":"text","senderId":"` + a + `","receiverId":"` + a + `","content":"hi"}`, false},
		{"text broadcast", `{"kind":"text","senderId":"` + a + `","broadcast":true,"content":"hi"}`, false},
		{"image with media", `{"kind":"image","senderId":"` + a + `","receiverId":"` + b + `","content":"cat","mediaRef":"m/1.png"}`, true},
		{"video without media", `{"kind":"video","senderId":"` + a + `","receiverId":"` + b + `","content":"clip"}`, false},
		{"typing start", `{"kind":"typing","senderId":"` + a + `","receiverId":"` + b + `","content":"typing"}`, true},
		{"typing bad content", `{"kind":"typing","senderId":"` + a + `","receiverId":"` + b + `","content":"hmm"}`, false},
		{"status broadcast", `{"kind":"status","senderId":"` + a + `","broadcast":true,"content":"offline"}`, true},
		{"status without target", `{"kind":"status","senderId":"` + a + `","content":"online"}`, false},
		{"missing sender", `{"kind":"status","broadcast":true,"content":"online"}`, false},
		{"bad uuid", `{"kind":"text","senderId":"nope","receiverId":"` + b + `","content":"hi"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.raw))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMalformedFrame)
			}
		})
	}
}

func TestMessageFrameCarriesLedgerFields(t *testing.T) {
	ref := "media/clip.mp4"
	msg := &models.Message{
		ID:         uuid.New(),
		SenderID:   uuid.New(),
		ReceiverID: uuid.New(),
		Content:    "look",
		Kind:       models.KindVideo,
		MediaRef:   &ref,
	}

	payload, err := MessageFrame(msg).Encode()
	require.NoError(t, err)

	frame, err := DecodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, KindVideo, frame.Kind)
	assert.Equal(t, msg.ReceiverID, *frame.ReceiverID)
	assert.Equal(t, ref, *frame.MediaRef)
	assert.Equal(t, msg.ID, *frame.MessageID)
}
