// internal/database/mongodb.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB is the document-store backend. Message and conversation writes run
// in one transaction when the deployment supports them (replica set or
// sharded cluster). On a standalone server they run in sequence and a failed
// second write undoes the first.
type MongoDB struct {
	Client        *mongo.Client
	Users         *mongo.Collection
	Messages      *mongo.Collection
	Conversations *mongo.Collection
	log           zerolog.Logger
	transactions  bool
}

func NewMongoDB(uri, database string, logger zerolog.Logger) (*MongoDB, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %v", err)
	}

	// Ping the database to verify connection
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %v", err)
	}

	var hello bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return nil, fmt.Errorf("failed to query MongoDB topology: %v", err)
	}
	transactions := supportsTransactions(hello)

	logger.Info().
		Str("database", database).
		Bool("transactions", transactions).
		Msg("connected to MongoDB")

	db := client.Database(database)
	m := &MongoDB{
		Client:        client,
		Users:         db.Collection("users"),
		Messages:      db.Collection("messages"),
		Conversations: db.Collection("conversations"),
		log:           logger,
		transactions:  transactions,
	}
	if err := m.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// supportsTransactions reads a hello reply. Replica set members report a
// setName and mongos routers report msg "isdbgrid"; standalone servers
// reject multi-document transactions.
func supportsTransactions(hello bson.M) bool {
	if name, ok := hello["setName"].(string); ok && name != "" {
		return true
	}
	msg, _ := hello["msg"].(string)
	return msg == "isdbgrid"
}

// withTransaction runs fn in a transaction when the deployment has them, or
// directly otherwise. fn may be retried on transient transaction errors.
func (m *MongoDB) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !m.transactions {
		return fn(ctx)
	}
	return m.Client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(tx mongo.SessionContext) (interface{}, error) {
			return nil, fn(tx)
		})
		return err
	})
}

// applyWithUndo runs apply then next. When next fails, undo reverts apply and
// next's error is returned. A failed undo is reported through onUndoErr.
func applyWithUndo(ctx context.Context, apply, next, undo func(context.Context) error, onUndoErr func(error)) error {
	if err := apply(ctx); err != nil {
		return err
	}
	err := next(ctx)
	if err == nil {
		return nil
	}
	undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if undoErr := undo(undoCtx); undoErr != nil {
		onUndoErr(undoErr)
	}
	return err
}

// EnsureIndexes creates the unique user indexes and the message lookup indexes.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	_, err := m.Users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %v", err)
	}

	_, err = m.Messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "senderId", Value: 1}, {Key: "isRead", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %v", err)
	}

	_, err = m.Conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userLow", Value: 1}, {Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "userHigh", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %v", err)
	}
	return nil
}

func (m *MongoDB) Close(ctx context.Context) error {
	m.log.Info().Msg("disconnecting from MongoDB")
	return m.Client.Disconnect(ctx)
}
