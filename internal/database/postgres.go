// internal/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const messageColumns = `id, sender_id, receiver_id, content, kind, media_ref, created_at, is_read`

// SQLDB is the sqlx-backed Store. Queries are written with '?' placeholders and
// rebound for the driver, so the same code serves PostgreSQL and SQLite.
type SQLDB struct {
	DB     *sqlx.DB
	log    zerolog.Logger
	schema []string
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string, logger zerolog.Logger) (*SQLDB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")

	return &SQLDB{DB: db, log: logger, schema: postgresSchema}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		email VARCHAR(100) UNIQUE NOT NULL,
		password_hash VARCHAR(100) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		is_connected BOOLEAN DEFAULT FALSE NOT NULL,
		last_active TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		sender_id UUID NOT NULL REFERENCES users(id),
		receiver_id UUID NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		kind VARCHAR(10) NOT NULL DEFAULT 'text',
		media_ref TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(receiver_id, sender_id, is_read)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at, id)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		user_low UUID NOT NULL REFERENCES users(id),
		user_high UUID NOT NULL REFERENCES users(id),
		last_message_id UUID NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		UNIQUE (user_low, user_high)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC)`,
}

// Close closes the database connection
func (p *SQLDB) Close(ctx context.Context) error {
	p.log.Info().Msg("closing SQL connection")
	return p.DB.Close()
}

// InitializeTables creates all necessary tables if they don't exist
func (p *SQLDB) InitializeTables(ctx context.Context) error {
	for _, stmt := range p.schema {
		if _, err := p.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func (p *SQLDB) q(query string) string {
	return p.DB.Rebind(query)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return isSQLiteUniqueViolation(err)
}

// --- User Methods ---

// GetUserByEmail fetches a user by their email address.
func (p *SQLDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := p.q(`SELECT id, username, email, password_hash, created_at, updated_at, is_connected, last_active FROM users WHERE email = ?`)
	var user models.User
	err := p.DB.GetContext(ctx, &user, query, strings.ToLower(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrUserNotFound, "user not found", err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query user by email", err)
	}
	return &user, nil
}

// GetUser fetches a user by their ID.
func (p *SQLDB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := p.q(`SELECT id, username, email, password_hash, created_at, updated_at, is_connected, last_active FROM users WHERE id = ?`)
	var user models.User
	err := p.DB.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrUserNotFound, "user not found", err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query user by id", err)
	}
	return &user, nil
}

// SaveUser inserts a new user into the database.
func (p *SQLDB) SaveUser(ctx context.Context, user *models.User) error {
	t := now()
	user.UpdatedAt = t
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t
	}
	if user.LastActive.IsZero() {
		user.LastActive = t
	}
	user.Email = strings.ToLower(user.Email)

	query := `
		INSERT INTO users (id, username, email, password_hash, created_at, updated_at, is_connected, last_active)
		VALUES (:id, :username, :email, :password_hash, :created_at, :updated_at, :is_connected, :last_active)
	`
	_, err := p.DB.NamedExecContext(ctx, query, user)
	if err != nil {
		if isUniqueViolation(err) {
			return utils.NewAppError(utils.ErrUserAlreadyExists, "user already exists", err)
		}
		return utils.NewAppError(utils.ErrDatabase, "failed to save user", err)
	}
	return nil
}

// UpdateUserActivity updates the user's last active time and connection status.
func (p *SQLDB) UpdateUserActivity(ctx context.Context, id uuid.UUID, active bool) error {
	t := now()
	query := p.q(`UPDATE users SET last_active = ?, is_connected = ?, updated_at = ? WHERE id = ?`)
	result, err := p.DB.ExecContext(ctx, query, t, active, t, id)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to update user activity", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to get rows affected after update", err)
	}
	if rowsAffected == 0 {
		return utils.NewAppError(utils.ErrNotFound, "user not found for activity update", nil)
	}
	return nil
}

func (p *SQLDB) ResetUserActivity(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, `UPDATE users SET is_connected = FALSE WHERE is_connected = TRUE`)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to reset user activity", err)
	}
	return nil
}

// GetAllUsers fetches all users from the database.
func (p *SQLDB) GetAllUsers(ctx context.Context) ([]*models.User, error) {
	query := `SELECT id, username, email, password_hash, created_at, updated_at, is_connected, last_active FROM users ORDER BY created_at DESC`
	users := []*models.User{}
	err := p.DB.SelectContext(ctx, &users, query)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query all users", err)
	}
	return users, nil
}

// --- Message Methods ---

// RecordMessage inserts the message and upserts the pair's conversation in one
// transaction. The upsert only moves the pointer forward in time.
func (p *SQLDB) RecordMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	if err := validateNewMessage(&in); err != nil {
		return nil, err
	}

	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to begin transaction for message", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, p.q(`SELECT COUNT(*) FROM users WHERE id = ?`), in.ReceiverID); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to look up receiver", err)
	}
	if count == 0 {
		return nil, utils.NewAppError(utils.ErrReceiverNotFound, "receiver not found: "+in.ReceiverID.String(), nil)
	}
	if err := tx.GetContext(ctx, &count, p.q(`SELECT COUNT(*) FROM users WHERE id = ?`), in.SenderID); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to look up sender", err)
	}
	if count == 0 {
		return nil, utils.NewUserNotFoundError(in.SenderID.String())
	}

	msg := buildMessage(in)
	insert := `
		INSERT INTO messages (id, sender_id, receiver_id, content, kind, media_ref, created_at, is_read)
		VALUES (:id, :sender_id, :receiver_id, :content, :kind, :media_ref, :created_at, :is_read)
	`
	if _, err := tx.NamedExecContext(ctx, insert, msg); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to save message", err)
	}

	pair := models.PairOf(msg.SenderID, msg.ReceiverID)
	upsert := p.q(`
		INSERT INTO conversations (id, user_low, user_high, last_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_low, user_high) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at
		WHERE conversations.updated_at <= excluded.updated_at
	`)
	if _, err := tx.ExecContext(ctx, upsert, newID(), pair.Low, pair.High, msg.ID, msg.CreatedAt, msg.CreatedAt); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to upsert conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to commit message", err)
	}
	return msg, nil
}

type conversationRow struct {
	ID          uuid.UUID          `db:"id"`
	UserLow     uuid.UUID          `db:"user_low"`
	UserHigh    uuid.UUID          `db:"user_high"`
	UpdatedAt   time.Time          `db:"updated_at"`
	MsgID       uuid.UUID          `db:"msg_id"`
	MsgSender   uuid.UUID          `db:"msg_sender_id"`
	MsgReceiver uuid.UUID          `db:"msg_receiver_id"`
	MsgContent  string             `db:"msg_content"`
	MsgKind     models.MessageKind `db:"msg_kind"`
	MsgMediaRef *string            `db:"msg_media_ref"`
	MsgCreated  time.Time          `db:"msg_created_at"`
	MsgIsRead   bool               `db:"msg_is_read"`
	Unread      int                `db:"unread"`
}

// ListConversations returns the user's conversations, most recent activity first.
func (p *SQLDB) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	query := p.q(`
		SELECT
			c.id, c.user_low, c.user_high, c.updated_at,
			m.id AS msg_id, m.sender_id AS msg_sender_id, m.receiver_id AS msg_receiver_id,
			m.content AS msg_content, m.kind AS msg_kind, m.media_ref AS msg_media_ref,
			m.created_at AS msg_created_at, m.is_read AS msg_is_read,
			(SELECT COUNT(*) FROM messages u
				WHERE u.receiver_id = ? AND u.is_read = FALSE
				AND u.sender_id = CASE WHEN c.user_low = ? THEN c.user_high ELSE c.user_low END) AS unread
		FROM conversations c
		JOIN messages m ON m.id = c.last_message_id
		WHERE c.user_low = ? OR c.user_high = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`)
	var rows []conversationRow
	if err := p.DB.SelectContext(ctx, &rows, query, userID, userID, userID, userID); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversations", err)
	}

	summaries := make([]*models.ConversationSummary, 0, len(rows))
	if len(rows) == 0 {
		return summaries, nil
	}

	otherIDs := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		otherIDs = append(otherIDs, models.Pair{Low: row.UserLow, High: row.UserHigh}.Other(userID))
	}
	others, err := p.usersByID(ctx, otherIDs)
	if err != nil {
		return nil, err
	}

	for i, row := range rows {
		other := otherIDs[i]
		otherUser := &models.PublicUser{ID: other}
		if u, ok := others[other]; ok {
			otherUser = u.Public()
		}
		summaries = append(summaries, &models.ConversationSummary{
			ConversationID: row.ID,
			OtherUser:      otherUser,
			LastMessage: &models.Message{
				ID:         row.MsgID,
				SenderID:   row.MsgSender,
				ReceiverID: row.MsgReceiver,
				Content:    row.MsgContent,
				Kind:       row.MsgKind,
				MediaRef:   row.MsgMediaRef,
				CreatedAt:  row.MsgCreated,
				IsRead:     row.MsgIsRead,
			},
			UnreadCount: row.Unread,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	return summaries, nil
}

func (p *SQLDB) usersByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.User, error) {
	query, args, err := sqlx.In(`SELECT id, username, email, password_hash, created_at, updated_at, is_connected, last_active FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to build user lookup", err)
	}
	var users []*models.User
	if err := p.DB.SelectContext(ctx, &users, p.q(query), args...); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversation participants", err)
	}
	byID := make(map[uuid.UUID]*models.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return byID, nil
}

func (p *SQLDB) markRead(ctx context.Context, ex sqlx.ExecerContext, viewerID, otherID uuid.UUID) (int64, error) {
	query := p.q(`UPDATE messages SET is_read = TRUE WHERE sender_id = ? AND receiver_id = ? AND is_read = FALSE`)
	result, err := ex.ExecContext(ctx, query, otherID, viewerID)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to mark messages read", err)
	}
	changed, _ := result.RowsAffected()
	return changed, nil
}

// MarkRead flips every unread message from otherID to viewerID.
func (p *SQLDB) MarkRead(ctx context.Context, viewerID, otherID uuid.UUID) (int64, error) {
	return p.markRead(ctx, p.DB, viewerID, otherID)
}

// GetMessages marks the conversation read for userID and returns its history.
func (p *SQLDB) GetMessages(ctx context.Context, userID, otherID uuid.UUID) ([]*models.Message, error) {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to begin transaction for history", err)
	}
	defer tx.Rollback()

	if _, err := p.markRead(ctx, tx, userID, otherID); err != nil {
		return nil, err
	}

	query := p.q(`SELECT ` + messageColumns + ` FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at ASC, id ASC`)
	messages := []*models.Message{}
	if err := tx.SelectContext(ctx, &messages, query, userID, otherID, otherID, userID); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversation messages", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to commit history read", err)
	}
	return messages, nil
}

func (p *SQLDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := p.DB.GetContext(ctx, &msg, p.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewMessageNotFoundError(id.String())
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query message", err)
	}
	return &msg, nil
}

// DeleteMessage removes a message and repairs the conversation pointer: it moves
// to the newest remaining message, or the conversation goes away with the last one.
func (p *SQLDB) DeleteMessage(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to begin transaction for delete message", err)
	}
	defer tx.Rollback()

	var msg models.Message
	err = tx.GetContext(ctx, &msg, p.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return utils.NewMessageNotFoundError(id.String())
		}
		return utils.NewAppError(utils.ErrDatabase, "failed to query message for deletion", err)
	}
	if msg.SenderID != requesterID && msg.ReceiverID != requesterID {
		return utils.NewAppError(utils.ErrForbidden, "only participants may delete a message", nil)
	}

	pair := models.PairOf(msg.SenderID, msg.ReceiverID)
	var conv models.Conversation
	err = tx.GetContext(ctx, &conv, p.q(`SELECT id, user_low, user_high, last_message_id, created_at, updated_at FROM conversations WHERE user_low = ? AND user_high = ?`), pair.Low, pair.High)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return utils.NewAppError(utils.ErrDatabase, "failed to query conversation for deletion", err)
	case conv.LastMessageID == id:
		var latest models.Message
		err = tx.GetContext(ctx, &latest, p.q(`SELECT `+messageColumns+` FROM messages
			WHERE ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)) AND id <> ?
			ORDER BY created_at DESC, id DESC LIMIT 1`), pair.Low, pair.High, pair.High, pair.Low, id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, p.q(`DELETE FROM conversations WHERE id = ?`), conv.ID); err != nil {
				return utils.NewAppError(utils.ErrDatabase, "failed to delete empty conversation", err)
			}
		case err != nil:
			return utils.NewAppError(utils.ErrDatabase, "failed to find replacement last message", err)
		default:
			_, err := tx.ExecContext(ctx, p.q(`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`), latest.ID, latest.CreatedAt, conv.ID)
			if err != nil {
				return utils.NewAppError(utils.ErrDatabase, "failed to repoint conversation", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, p.q(`DELETE FROM messages WHERE id = ?`), id); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to delete message", err)
	}
	return tx.Commit()
}
