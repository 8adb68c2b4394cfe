package database

import (
	"context"
	"fmt"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DirectMessageDocument represents the MongoDB document structure for direct messages
type DirectMessageDocument struct {
	ID         string    `bson:"_id"`
	SenderID   string    `bson:"senderId"`
	ReceiverID string    `bson:"receiverId"`
	Content    string    `bson:"content"`
	Kind       string    `bson:"kind"`
	MediaRef   *string   `bson:"mediaRef,omitempty"`
	CreatedAt  time.Time `bson:"createdAt"`
	IsRead     bool      `bson:"isRead"`
}

// ConversationDocument is keyed by the pair key, so one document exists per
// unordered pair without a separate unique index.
type ConversationDocument struct {
	Key            string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	UserLow        string    `bson:"userLow"`
	UserHigh       string    `bson:"userHigh"`
	LastMessageID  string    `bson:"lastMessageId"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func messageDocument(msg *models.Message) DirectMessageDocument {
	return DirectMessageDocument{
		ID:         msg.ID.String(),
		SenderID:   msg.SenderID.String(),
		ReceiverID: msg.ReceiverID.String(),
		Content:    msg.Content,
		Kind:       string(msg.Kind),
		MediaRef:   msg.MediaRef,
		CreatedAt:  msg.CreatedAt,
		IsRead:     msg.IsRead,
	}
}

func (doc *DirectMessageDocument) toModel() (*models.Message, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid message ID in database: %v", err)
	}
	senderID, err := uuid.Parse(doc.SenderID)
	if err != nil {
		return nil, fmt.Errorf("invalid sender ID in database: %v", err)
	}
	receiverID, err := uuid.Parse(doc.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver ID in database: %v", err)
	}
	return &models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    doc.Content,
		Kind:       models.MessageKind(doc.Kind),
		MediaRef:   doc.MediaRef,
		CreatedAt:  doc.CreatedAt.UTC(),
		IsRead:     doc.IsRead,
	}, nil
}

func pairFilter(pair models.Pair) bson.M {
	low, high := pair.Low.String(), pair.High.String()
	return bson.M{"$or": []bson.M{
		{"senderId": low, "receiverId": high},
		{"senderId": high, "receiverId": low},
	}}
}

func (m *MongoDB) userExists(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := m.Users.CountDocuments(ctx, bson.M{"_id": id.String()}, options.Count().SetLimit(1))
	return n > 0, err
}

// RecordMessage saves a new direct message and moves the pair's conversation
// pointer to it, unless a newer message already holds the pointer.
func (m *MongoDB) RecordMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	if err := validateNewMessage(&in); err != nil {
		return nil, err
	}

	ok, err := m.userExists(ctx, in.ReceiverID)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to look up receiver", err)
	}
	if !ok {
		return nil, utils.NewAppError(utils.ErrReceiverNotFound, "receiver not found: "+in.ReceiverID.String(), nil)
	}
	if ok, err = m.userExists(ctx, in.SenderID); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to look up sender", err)
	}
	if !ok {
		return nil, utils.NewUserNotFoundError(in.SenderID.String())
	}

	msg := buildMessage(in)
	// BSON dates carry milliseconds.
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Millisecond)

	insert := func(ctx context.Context) error {
		if _, err := m.Messages.InsertOne(ctx, messageDocument(msg)); err != nil {
			return utils.NewAppError(utils.ErrDatabase, "failed to save message", err)
		}
		return nil
	}
	advance := func(ctx context.Context) error {
		return m.advanceConversation(ctx, msg)
	}

	err = m.withTransaction(ctx, func(ctx context.Context) error {
		if m.transactions {
			if err := insert(ctx); err != nil {
				return err
			}
			return advance(ctx)
		}
		return applyWithUndo(ctx, insert, advance, func(ctx context.Context) error {
			_, err := m.Messages.DeleteOne(ctx, bson.M{"_id": msg.ID.String()})
			return err
		}, func(err error) {
			m.log.Error().Err(err).Stringer("message", msg.ID).Msg("failed to remove message after conversation update failed")
		})
	})
	if err != nil {
		return nil, utils.AsAppError(err, utils.ErrDatabase, "failed to record message")
	}
	return msg, nil
}

// advanceConversation creates the pair's conversation or moves its pointer to
// msg, unless a newer message already holds the pointer.
func (m *MongoDB) advanceConversation(ctx context.Context, msg *models.Message) error {
	pair := models.PairOf(msg.SenderID, msg.ReceiverID)

	var conv ConversationDocument
	err := m.Conversations.FindOne(ctx, bson.M{"_id": pair.Key()}).Decode(&conv)
	switch {
	case err == mongo.ErrNoDocuments:
		_, err = m.Conversations.InsertOne(ctx, ConversationDocument{
			Key:            pair.Key(),
			ConversationID: newID().String(),
			UserLow:        pair.Low.String(),
			UserHigh:       pair.High.String(),
			LastMessageID:  msg.ID.String(),
			CreatedAt:      msg.CreatedAt,
			UpdatedAt:      msg.CreatedAt,
		})
		if err == nil {
			return nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return utils.NewAppError(utils.ErrDatabase, "failed to create conversation", err)
		}
		// Created concurrently; fall through to the conditional update.
	case err != nil:
		return utils.NewAppError(utils.ErrDatabase, "failed to query conversation", err)
	case conv.UpdatedAt.After(msg.CreatedAt):
		return nil
	}

	_, err = m.Conversations.UpdateOne(ctx,
		bson.M{"_id": pair.Key(), "updatedAt": bson.M{"$lte": msg.CreatedAt}},
		bson.M{"$set": bson.M{
			"lastMessageId": msg.ID.String(),
			"updatedAt":     msg.CreatedAt,
		}},
	)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to update conversation", err)
	}
	return nil
}

// ListConversations returns the user's conversations, most recent activity first.
func (m *MongoDB) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	uid := userID.String()
	filter := bson.M{"$or": []bson.M{{"userLow": uid}, {"userHigh": uid}}}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "conversationId", Value: -1}})

	cursor, err := m.Conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversations", err)
	}
	defer cursor.Close(ctx)

	var convs []ConversationDocument
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to decode conversations", err)
	}

	summaries := make([]*models.ConversationSummary, 0, len(convs))
	if len(convs) == 0 {
		return summaries, nil
	}

	messageIDs := make([]string, 0, len(convs))
	otherIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		messageIDs = append(messageIDs, c.LastMessageID)
		if c.UserLow == uid {
			otherIDs = append(otherIDs, c.UserHigh)
		} else {
			otherIDs = append(otherIDs, c.UserLow)
		}
	}

	lastMessages, err := m.messagesByID(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	others, err := m.usersByID(ctx, otherIDs)
	if err != nil {
		return nil, err
	}

	for i, c := range convs {
		convID, err := uuid.Parse(c.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("invalid conversation ID in database: %v", err)
		}
		otherID, err := uuid.Parse(otherIDs[i])
		if err != nil {
			return nil, fmt.Errorf("invalid user ID in database: %v", err)
		}

		otherUser := &models.PublicUser{ID: otherID}
		if u, ok := others[otherIDs[i]]; ok {
			otherUser = u.Public()
		}

		unread, err := m.Messages.CountDocuments(ctx, bson.M{
			"senderId":   otherIDs[i],
			"receiverId": uid,
			"isRead":     false,
		})
		if err != nil {
			return nil, utils.NewAppError(utils.ErrDatabase, "failed to count unread messages", err)
		}

		summaries = append(summaries, &models.ConversationSummary{
			ConversationID: convID,
			OtherUser:      otherUser,
			LastMessage:    lastMessages[c.LastMessageID],
			UnreadCount:    int(unread),
			UpdatedAt:      c.UpdatedAt.UTC(),
		})
	}
	return summaries, nil
}

func (m *MongoDB) messagesByID(ctx context.Context, ids []string) (map[string]*models.Message, error) {
	cursor, err := m.Messages.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query last messages", err)
	}
	defer cursor.Close(ctx)

	byID := make(map[string]*models.Message, len(ids))
	for cursor.Next(ctx) {
		var doc DirectMessageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %v", err)
		}
		msg, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		byID[doc.ID] = msg
	}
	return byID, cursor.Err()
}

// MarkRead flips every unread message from otherID to viewerID.
func (m *MongoDB) MarkRead(ctx context.Context, viewerID, otherID uuid.UUID) (int64, error) {
	result, err := m.Messages.UpdateMany(ctx,
		bson.M{"senderId": otherID.String(), "receiverId": viewerID.String(), "isRead": false},
		bson.M{"$set": bson.M{"isRead": true}},
	)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to mark messages read", err)
	}
	return result.ModifiedCount, nil
}

// GetMessages marks the conversation read for userID and returns its history.
func (m *MongoDB) GetMessages(ctx context.Context, userID, otherID uuid.UUID) ([]*models.Message, error) {
	if _, err := m.MarkRead(ctx, userID, otherID); err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.Messages.Find(ctx, pairFilter(models.PairOf(userID, otherID)), opts)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to get conversation messages", err)
	}
	defer cursor.Close(ctx)

	messages := []*models.Message{}
	for cursor.Next(ctx) {
		var doc DirectMessageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode message: %v", err)
		}
		msg, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, cursor.Err()
}

func (m *MongoDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var doc DirectMessageDocument
	err := m.Messages.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, utils.NewMessageNotFoundError(id.String())
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query message", err)
	}
	return doc.toModel()
}

// DeleteMessage repoints or removes the pair's conversation if it references
// the message, then removes the message. Without transactions a failure after
// the repair leaves the message in place with a pointer to an older one, which
// a retried delete completes.
func (m *MongoDB) DeleteMessage(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) error {
	msg, err := m.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID && msg.ReceiverID != requesterID {
		return utils.NewAppError(utils.ErrForbidden, "only participants may delete a message", nil)
	}

	err = m.withTransaction(ctx, func(ctx context.Context) error {
		if err := m.repairConversation(ctx, msg); err != nil {
			return err
		}
		if _, err := m.Messages.DeleteOne(ctx, bson.M{"_id": id.String()}); err != nil {
			return utils.NewAppError(utils.ErrDatabase, "failed to delete message", err)
		}
		return nil
	})
	if err != nil {
		return utils.AsAppError(err, utils.ErrDatabase, "failed to delete message")
	}
	return nil
}

// repairConversation moves the pair's pointer off msg onto the newest other
// message, or removes the conversation when msg is its only message.
func (m *MongoDB) repairConversation(ctx context.Context, msg *models.Message) error {
	pair := models.PairOf(msg.SenderID, msg.ReceiverID)
	var conv ConversationDocument
	err := m.Conversations.FindOne(ctx, bson.M{"_id": pair.Key()}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil
	}
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to query conversation for deletion", err)
	}
	if conv.LastMessageID != msg.ID.String() {
		return nil
	}

	filter := pairFilter(pair)
	filter["_id"] = bson.M{"$ne": msg.ID.String()}
	var latest DirectMessageDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	err = m.Messages.FindOne(ctx, filter, opts).Decode(&latest)
	if err == mongo.ErrNoDocuments {
		if _, err := m.Conversations.DeleteOne(ctx, bson.M{"_id": pair.Key()}); err != nil {
			return utils.NewAppError(utils.ErrDatabase, "failed to delete empty conversation", err)
		}
		return nil
	}
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to find replacement last message", err)
	}

	_, err = m.Conversations.UpdateOne(ctx, bson.M{"_id": pair.Key()}, bson.M{"$set": bson.M{
		"lastMessageId": latest.ID,
		"updatedAt":     latest.CreatedAt,
	}})
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to repoint conversation", err)
	}
	return nil
}
