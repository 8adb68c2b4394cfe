package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryDB()
		},
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "chat.db")
			db, err := NewSQLiteDB(context.Background(), path, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { db.Close(context.Background()) })
			return db
		},
	}
	// MONGODB_TEST_URI points the suite at a live server.
	if uri := os.Getenv("MONGODB_TEST_URI"); uri != "" {
		factories["mongo"] = func(t *testing.T) Store {
			name := "gator_chat_test_" + strings.ReplaceAll(newID().String(), "-", "")
			db, err := NewMongoDB(uri, name, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(func() {
				ctx := context.Background()
				db.Client.Database(name).Drop(ctx)
				db.Close(ctx)
			})
			return db
		}
	}
	return factories
}

func createUser(t *testing.T, store Store, name string) *models.User {
	t.Helper()
	user := &models.User{
		ID:             newID(),
		Username:       name,
		Email:          name + "@example.com",
		HashedPassword: "hash",
	}
	require.NoError(t, store.SaveUser(context.Background(), user))
	return user
}

func send(t *testing.T, store Store, from, to *models.User, content string) *models.Message {
	t.Helper()
	msg, err := store.RecordMessage(context.Background(), models.NewMessage{
		SenderID:   from.ID,
		ReceiverID: to.ID,
		Content:    content,
	})
	require.NoError(t, err)
	return msg
}

func TestLedgerContract(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("one conversation per unordered pair", func(t *testing.T) {
				testOrientationIndependence(t, factory(t))
			})
			t.Run("unread counts and read marking", func(t *testing.T) {
				testUnreadLifecycle(t, factory(t))
			})
			t.Run("list ordered by recent activity", func(t *testing.T) {
				testConversationOrdering(t, factory(t))
			})
			t.Run("history in timestamp order", func(t *testing.T) {
				testHistoryOrder(t, factory(t))
			})
			t.Run("write path validation", func(t *testing.T) {
				testRecordValidation(t, factory(t))
			})
			t.Run("delete repairs conversation", func(t *testing.T) {
				testDeleteRepair(t, factory(t))
			})
			t.Run("users", func(t *testing.T) {
				testUserStore(t, factory(t))
			})
			t.Run("concurrent writes for one pair", func(t *testing.T) {
				testConcurrentRecord(t, factory(t))
			})
		})
	}
}

func testOrientationIndependence(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	send(t, store, alice, bob, "hi")
	last := send(t, store, bob, alice, "hey back")

	for _, viewer := range []*models.User{alice, bob} {
		convs, err := store.ListConversations(ctx, viewer.ID)
		require.NoError(t, err)
		require.Len(t, convs, 1, "viewer %s", viewer.Username)
		assert.Equal(t, last.ID, convs[0].LastMessage.ID)
	}

	aliceConvs, _ := store.ListConversations(ctx, alice.ID)
	bobConvs, _ := store.ListConversations(ctx, bob.ID)
	assert.Equal(t, aliceConvs[0].ConversationID, bobConvs[0].ConversationID)
	assert.Equal(t, bob.ID, aliceConvs[0].OtherUser.ID)
	assert.Equal(t, "bob", aliceConvs[0].OtherUser.Username)
	assert.Equal(t, alice.ID, bobConvs[0].OtherUser.ID)
}

func testUnreadLifecycle(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	send(t, store, alice, bob, "one")
	send(t, store, alice, bob, "two")

	convs, err := store.ListConversations(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)

	// The sender's own messages never count as unread for them.
	convs, err = store.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].UnreadCount)

	changed, err := store.MarkRead(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed)

	changed, err = store.MarkRead(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), changed, "MarkRead must be idempotent")

	convs, _ = store.ListConversations(ctx, bob.ID)
	assert.Equal(t, 0, convs[0].UnreadCount)

	send(t, store, alice, bob, "three")
	convs, _ = store.ListConversations(ctx, bob.ID)
	assert.Equal(t, 1, convs[0].UnreadCount)

	// Opening the conversation clears it.
	history, err := store.GetMessages(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	convs, _ = store.ListConversations(ctx, bob.ID)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func testConversationOrdering(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	carol := createUser(t, store, "carol")

	send(t, store, alice, bob, "to bob")
	time.Sleep(5 * time.Millisecond)
	send(t, store, carol, alice, "from carol")

	convs, err := store.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, carol.ID, convs[0].OtherUser.ID)
	assert.Equal(t, bob.ID, convs[1].OtherUser.ID)

	time.Sleep(5 * time.Millisecond)
	send(t, store, bob, alice, "bob again")

	convs, err = store.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, convs[0].OtherUser.ID)
	assert.Equal(t, "bob again", convs[0].LastMessage.Content)
	assert.False(t, convs[0].UpdatedAt.Before(convs[1].UpdatedAt))

	convs, err = store.ListConversations(ctx, carol.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func testHistoryOrder(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	carol := createUser(t, store, "carol")

	contents := []string{"a", "b", "c", "d"}
	for i, c := range contents {
		if i%2 == 0 {
			send(t, store, alice, bob, c)
		} else {
			send(t, store, bob, alice, c)
		}
	}
	send(t, store, carol, alice, "unrelated")

	history, err := store.GetMessages(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, history, len(contents))
	for i, msg := range history {
		assert.Equal(t, contents[i], msg.Content)
		if i > 0 {
			assert.False(t, msg.CreatedAt.Before(history[i-1].CreatedAt))
		}
	}

	// Alice viewed the pair, which only clears what bob sent her.
	bobView, err := store.ListConversations(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bobView[0].UnreadCount)
}

func testRecordValidation(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	_, err := store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: uuid.New(), Content: "hello?"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrReceiverNotFound))

	_, err = store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: bob.ID, Content: "  "})
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: alice.ID, Content: "me"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: bob.ID, Content: "pic", Kind: models.KindImage})
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: bob.ID, Content: "x", Kind: "audio"})
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	ref := "media/cat.png"
	msg, err := store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: bob.ID, Content: "my cat", Kind: models.KindImage, MediaRef: &ref})
	require.NoError(t, err)
	assert.Equal(t, models.KindImage, msg.Kind)
	require.NotNil(t, msg.MediaRef)
	assert.Equal(t, ref, *msg.MediaRef)
	assert.False(t, msg.IsRead)

	stored, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, stored.Content)
	assert.True(t, msg.CreatedAt.Equal(stored.CreatedAt))

	text, err := store.RecordMessage(ctx, models.NewMessage{SenderID: alice.ID, ReceiverID: bob.ID, Content: "plain", MediaRef: &ref})
	require.NoError(t, err)
	assert.Equal(t, models.KindText, text.Kind)
	assert.Nil(t, text.MediaRef)
}

func testDeleteRepair(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")
	carol := createUser(t, store, "carol")

	first := send(t, store, alice, bob, "first")
	time.Sleep(2 * time.Millisecond)
	second := send(t, store, bob, alice, "second")

	err := store.DeleteMessage(ctx, second.ID, carol.ID)
	assert.True(t, utils.IsErrorCode(err, utils.ErrForbidden))

	err = store.DeleteMessage(ctx, uuid.New(), alice.ID)
	assert.True(t, utils.IsErrorCode(err, utils.ErrMessageNotFound))

	require.NoError(t, store.DeleteMessage(ctx, second.ID, alice.ID))
	convs, err := store.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, first.ID, convs[0].LastMessage.ID)
	assert.True(t, first.CreatedAt.Equal(convs[0].UpdatedAt))
	assert.Equal(t, 0, convs[0].UnreadCount, "deleted message no longer counts as unread")

	_, err = store.GetMessage(ctx, second.ID)
	assert.True(t, utils.IsNotFound(err))

	require.NoError(t, store.DeleteMessage(ctx, first.ID, bob.ID))
	convs, err = store.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, convs)

	history, err := store.GetMessages(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testUserStore(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")

	dup := &models.User{ID: newID(), Username: "alice2", Email: "ALICE@example.com", HashedPassword: "x"}
	err := store.SaveUser(ctx, dup)
	assert.True(t, utils.IsErrorCode(err, utils.ErrUserAlreadyExists))

	found, err := store.GetUserByEmail(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID)

	_, err = store.GetUser(ctx, uuid.New())
	assert.True(t, utils.IsErrorCode(err, utils.ErrUserNotFound))

	require.NoError(t, store.UpdateUserActivity(ctx, alice.ID, true))
	found, err = store.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, found.IsConnected)

	require.NoError(t, store.ResetUserActivity(ctx))
	found, _ = store.GetUser(ctx, alice.ID)
	assert.False(t, found.IsConnected)

	createUser(t, store, "bob")
	users, err := store.GetAllUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func testConcurrentRecord(t *testing.T, store Store) {
	ctx := context.Background()
	alice := createUser(t, store, "alice")
	bob := createUser(t, store, "bob")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			_, err := store.RecordMessage(ctx, models.NewMessage{SenderID: from.ID, ReceiverID: to.ID, Content: "burst"})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	convs, err := store.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	history, err := store.GetMessages(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, history, 10)
	assert.True(t, history[len(history)-1].CreatedAt.Equal(convs[0].UpdatedAt))
}
