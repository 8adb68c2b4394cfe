package database

import (
	"context"
	"sort"
	"strings"
	"sync"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryDB is the in-process Store. Messages live in an append-only arena;
// deleted slots are set to nil so arena positions stay stable.
type MemoryDB struct {
	mu sync.RWMutex

	users     map[uuid.UUID]*models.User
	emailToID map[string]uuid.UUID

	arena         []*models.Message
	messageIndex  map[uuid.UUID]int
	conversations map[models.Pair]*models.Conversation
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		users:         make(map[uuid.UUID]*models.User),
		emailToID:     make(map[string]uuid.UUID),
		messageIndex:  make(map[uuid.UUID]int),
		conversations: make(map[models.Pair]*models.Conversation),
	}
}

func (m *MemoryDB) Close(ctx context.Context) error { return nil }

// --- Users ---

func (m *MemoryDB) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(user.Email)
	if existing, ok := m.emailToID[email]; ok && existing != user.ID {
		return utils.NewAppError(utils.ErrUserAlreadyExists, "email already registered", nil)
	}
	for _, u := range m.users {
		if u.ID != user.ID && strings.EqualFold(u.Username, user.Username) {
			return utils.NewAppError(utils.ErrUserAlreadyExists, "username already taken", nil)
		}
	}

	t := now()
	user.UpdatedAt = t
	if user.CreatedAt.IsZero() {
		user.CreatedAt = t
	}
	if user.LastActive.IsZero() {
		user.LastActive = t
	}

	stored := *user
	m.users[user.ID] = &stored
	m.emailToID[email] = user.ID
	return nil
}

func (m *MemoryDB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, utils.NewUserNotFoundError(id.String())
	}
	c := *u
	return &c, nil
}

func (m *MemoryDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emailToID[strings.ToLower(email)]
	if !ok {
		return nil, utils.NewUserNotFoundError(email)
	}
	c := *m.users[id]
	return &c, nil
}

func (m *MemoryDB) GetAllUsers(ctx context.Context) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := lo.MapToSlice(m.users, func(_ uuid.UUID, u *models.User) *models.User {
		c := *u
		return &c
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	return users, nil
}

func (m *MemoryDB) UpdateUserActivity(ctx context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return utils.NewAppError(utils.ErrNotFound, "user not found for activity update", nil)
	}
	t := now()
	u.IsConnected = active
	u.LastActive = t
	u.UpdatedAt = t
	return nil
}

func (m *MemoryDB) ResetUserActivity(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		u.IsConnected = false
	}
	return nil
}

// --- Ledger ---

func (m *MemoryDB) RecordMessage(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	if err := validateNewMessage(&in); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[in.SenderID]; !ok {
		return nil, utils.NewUserNotFoundError(in.SenderID.String())
	}
	if _, ok := m.users[in.ReceiverID]; !ok {
		return nil, utils.NewAppError(utils.ErrReceiverNotFound, "receiver not found: "+in.ReceiverID.String(), nil)
	}

	msg := buildMessage(in)
	m.messageIndex[msg.ID] = len(m.arena)
	m.arena = append(m.arena, msg)

	pair := models.PairOf(msg.SenderID, msg.ReceiverID)
	conv, ok := m.conversations[pair]
	if !ok {
		m.conversations[pair] = &models.Conversation{
			ID:            newID(),
			UserLow:       pair.Low,
			UserHigh:      pair.High,
			LastMessageID: msg.ID,
			CreatedAt:     msg.CreatedAt,
			UpdatedAt:     msg.CreatedAt,
		}
	} else if !msg.CreatedAt.Before(conv.UpdatedAt) {
		conv.LastMessageID = msg.ID
		conv.UpdatedAt = msg.CreatedAt
	}

	return msg.Clone(), nil
}

func (m *MemoryDB) ListConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]*models.ConversationSummary, 0)
	for pair, conv := range m.conversations {
		if !pair.Contains(userID) {
			continue
		}
		other := pair.Other(userID)

		var otherUser *models.PublicUser
		if u, ok := m.users[other]; ok {
			otherUser = u.Public()
		} else {
			otherUser = &models.PublicUser{ID: other}
		}

		var last *models.Message
		if idx, ok := m.messageIndex[conv.LastMessageID]; ok {
			last = m.arena[idx].Clone()
		}

		summaries = append(summaries, &models.ConversationSummary{
			ConversationID: conv.ID,
			OtherUser:      otherUser,
			LastMessage:    last,
			UnreadCount:    m.unreadLocked(userID, other),
			UpdatedAt:      conv.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ConversationID.String() > summaries[j].ConversationID.String()
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (m *MemoryDB) unreadLocked(viewerID, otherID uuid.UUID) int {
	count := 0
	for _, msg := range m.arena {
		if msg != nil && msg.SenderID == otherID && msg.ReceiverID == viewerID && !msg.IsRead {
			count++
		}
	}
	return count
}

func (m *MemoryDB) MarkRead(ctx context.Context, viewerID, otherID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markReadLocked(viewerID, otherID), nil
}

func (m *MemoryDB) markReadLocked(viewerID, otherID uuid.UUID) int64 {
	var changed int64
	for _, msg := range m.arena {
		if msg != nil && msg.SenderID == otherID && msg.ReceiverID == viewerID && !msg.IsRead {
			msg.IsRead = true
			changed++
		}
	}
	return changed
}

func (m *MemoryDB) GetMessages(ctx context.Context, userID, otherID uuid.UUID) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.markReadLocked(userID, otherID)

	pair := models.PairOf(userID, otherID)
	history := make([]*models.Message, 0)
	for _, msg := range m.arena {
		if msg == nil {
			continue
		}
		if models.PairOf(msg.SenderID, msg.ReceiverID) == pair {
			history = append(history, msg.Clone())
		}
	}
	// Arena order is insertion order; a stable sort keeps it for equal timestamps.
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	return history, nil
}

func (m *MemoryDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.messageIndex[id]
	if !ok {
		return nil, utils.NewMessageNotFoundError(id.String())
	}
	return m.arena[idx].Clone(), nil
}

func (m *MemoryDB) DeleteMessage(ctx context.Context, id uuid.UUID, requesterID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.messageIndex[id]
	if !ok {
		return utils.NewMessageNotFoundError(id.String())
	}
	msg := m.arena[idx]
	if msg.SenderID != requesterID && msg.ReceiverID != requesterID {
		return utils.NewAppError(utils.ErrForbidden, "only participants may delete a message", nil)
	}

	m.arena[idx] = nil
	delete(m.messageIndex, id)

	pair := models.PairOf(msg.SenderID, msg.ReceiverID)
	conv, ok := m.conversations[pair]
	if !ok || conv.LastMessageID != id {
		return nil
	}

	var latest *models.Message
	for i := len(m.arena) - 1; i >= 0; i-- {
		candidate := m.arena[i]
		if candidate == nil || models.PairOf(candidate.SenderID, candidate.ReceiverID) != pair {
			continue
		}
		if latest == nil || candidate.CreatedAt.After(latest.CreatedAt) {
			latest = candidate
		}
	}
	if latest == nil {
		delete(m.conversations, pair)
		return nil
	}
	conv.LastMessageID = latest.ID
	conv.UpdatedAt = latest.CreatedAt
	return nil
}
