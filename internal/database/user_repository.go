// internal/database/user_repository.go
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UserDocument represents the MongoDB schema for a user
type UserDocument struct {
	ID             string    `bson:"_id"`
	Username       string    `bson:"username"`
	Email          string    `bson:"email"`
	HashedPassword string    `bson:"hashedPassword"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
	LastActive     time.Time `bson:"lastActive"`
	IsConnected    bool      `bson:"isConnected"`
}

func (doc *UserDocument) toModel() (*models.User, error) {
	userID, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid user ID in database: %v", err)
	}
	return &models.User{
		ID:             userID,
		Username:       doc.Username,
		Email:          doc.Email,
		HashedPassword: doc.HashedPassword,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
		LastActive:     doc.LastActive.UTC(),
		IsConnected:    doc.IsConnected,
	}, nil
}

// SaveUser inserts a new user. Email and username are unique indexes.
func (m *MongoDB) SaveUser(ctx context.Context, user *models.User) error {
	t := now()
	user.UpdatedAt = t
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t
	}
	if user.LastActive.IsZero() {
		user.LastActive = t
	}
	user.Email = strings.ToLower(user.Email)

	doc := UserDocument{
		ID:             user.ID.String(),
		Username:       user.Username,
		Email:          user.Email,
		HashedPassword: user.HashedPassword,
		CreatedAt:      user.CreatedAt,
		UpdatedAt:      user.UpdatedAt,
		LastActive:     user.LastActive,
		IsConnected:    user.IsConnected,
	}

	_, err := m.Users.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return utils.NewAppError(utils.ErrUserAlreadyExists, "user already exists", err)
	}
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to save user", err)
	}
	return nil
}

// GetUser retrieves a user from MongoDB by their ID
func (m *MongoDB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var doc UserDocument
	err := m.Users.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, utils.NewAppError(utils.ErrUserNotFound, "User not found", err)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query user", err)
	}
	return doc.toModel()
}

// GetUserByEmail retrieves a user from MongoDB by their email address
func (m *MongoDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var doc UserDocument
	err := m.Users.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, utils.NewAppError(utils.ErrUserNotFound, "User not found", err)
	}
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query user by email", err)
	}
	return doc.toModel()
}

func (m *MongoDB) GetAllUsers(ctx context.Context) ([]*models.User, error) {
	cursor, err := m.Users.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query all users", err)
	}
	defer cursor.Close(ctx)

	var docs []UserDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to decode users", err)
	}

	users := make([]*models.User, 0, len(docs))
	for i := range docs {
		u, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// UpdateUserActivity updates a user's last active time and connection status
func (m *MongoDB) UpdateUserActivity(ctx context.Context, userID uuid.UUID, isConnected bool) error {
	t := now()
	filter := bson.M{"_id": userID.String()}
	update := bson.M{"$set": bson.M{
		"lastActive":  t,
		"updatedAt":   t,
		"isConnected": isConnected,
	}}

	result, err := m.Users.UpdateOne(ctx, filter, update)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to update user activity", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewAppError(utils.ErrUserNotFound, "User not found", nil)
	}
	return nil
}

func (m *MongoDB) ResetUserActivity(ctx context.Context) error {
	_, err := m.Users.UpdateMany(ctx, bson.M{"isConnected": true}, bson.M{"$set": bson.M{"isConnected": false}})
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to reset user activity", err)
	}
	return nil
}

func (m *MongoDB) usersByID(ctx context.Context, ids []string) (map[string]*models.User, error) {
	cursor, err := m.Users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversation participants", err)
	}
	defer cursor.Close(ctx)

	var docs []UserDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to decode participants", err)
	}
	byID := make(map[string]*models.User, len(docs))
	for i := range docs {
		u, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		byID[docs[i].ID] = u
	}
	return byID, nil
}
