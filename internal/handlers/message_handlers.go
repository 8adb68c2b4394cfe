package handlers

import (
	"net/http"

	"gator-chat/internal/models"

	"github.com/google/uuid"
)

// SendMessageRequest represents a request to send a direct message. The
// sender is always the authenticated caller.
type SendMessageRequest struct {
	ReceiverID uuid.UUID          `json:"receiverId" validate:"required"`
	Content    string             `json:"content" validate:"required,max=4096"`
	Kind       models.MessageKind `json:"kind" validate:"omitempty,oneof=text image video"`
	MediaRef   *string            `json:"mediaRef,omitempty" validate:"required_if=Kind image,required_if=Kind video"`
}

// HandleSendMessage is the durable write path. The message is recorded
// through the pair's actor first; a realtime frame is pushed only once the
// ledger accepted it.
func (s *Server) HandleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		senderID, err := currentUser(r)
		if err != nil {
			s.writeError(w, err, "unauthorized")
			return
		}

		var req SendMessageRequest
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, err, "invalid message")
			return
		}
		if req.Kind == "" {
			req.Kind = models.KindText
		}

		saved, err := s.Engine.RecordMessage(models.NewMessage{
			SenderID:   senderID,
			ReceiverID: req.ReceiverID,
			Content:    req.Content,
			Kind:       req.Kind,
			MediaRef:   req.MediaRef,
		})
		if err != nil {
			s.writeError(w, err, "failed to send message")
			return
		}

		if s.Realtime.PushOnWrite {
			delivered := s.Router.PushMessage(saved)
			s.log.Debug().
				Stringer("message", saved.ID).
				Bool("delivered", delivered).
				Msg("message pushed")
		}

		writeJSON(w, http.StatusCreated, saved)
	}
}

// HandleDeleteMessage deletes one of the caller's messages.
func (s *Server) HandleDeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			s.writeError(w, err, "unauthorized")
			return
		}
		messageID, err := pathID(r, "messageId")
		if err != nil {
			s.writeError(w, err, "invalid message id")
			return
		}

		if err := s.Engine.DeleteMessage(messageID, userID); err != nil {
			s.writeError(w, err, "failed to delete message")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// HandleListConversations returns the caller's conversations, most recently
// active first, each with its unread count.
func (s *Server) HandleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			s.writeError(w, err, "unauthorized")
			return
		}

		conversations, err := s.Store.ListConversations(r.Context(), userID)
		if err != nil {
			s.writeError(w, err, "failed to list conversations")
			return
		}
		if conversations == nil {
			conversations = []*models.ConversationSummary{}
		}
		writeJSON(w, http.StatusOK, conversations)
	}
}

// HandleGetConversation returns the history with another user. Opening a
// conversation marks it read for the caller.
func (s *Server) HandleGetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			s.writeError(w, err, "unauthorized")
			return
		}
		otherID, err := pathID(r, "otherUserId")
		if err != nil {
			s.writeError(w, err, "invalid user id")
			return
		}

		messages, err := s.Engine.GetConversation(userID, otherID)
		if err != nil {
			s.writeError(w, err, "failed to get conversation")
			return
		}
		if messages == nil {
			messages = []*models.Message{}
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

// HandleMarkConversationRead clears the caller's unread count for one
// conversation.
func (s *Server) HandleMarkConversationRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := currentUser(r)
		if err != nil {
			s.writeError(w, err, "unauthorized")
			return
		}
		otherID, err := pathID(r, "otherUserId")
		if err != nil {
			s.writeError(w, err, "invalid user id")
			return
		}

		changed, err := s.Engine.MarkConversationRead(userID, otherID)
		if err != nil {
			s.writeError(w, err, "failed to mark conversation read")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"marked": changed})
	}
}
