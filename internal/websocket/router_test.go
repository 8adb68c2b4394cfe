package websocket

import (
	"context"
	"fmt"
	"testing"

	"gator-chat/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connect opens a session and authenticates it with a status broadcast, then
// clears whatever the other fake connections received along the way.
func (f *fixture) connect(t *testing.T, id uuid.UUID, others ...*fakeConn) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := NewSession(conn, id)
	hello := fmt.Sprintf(`{"kind":"status","senderId":%q,"broadcast":true,"content":"online"}`, id)
	require.NoError(t, f.router.Handle(context.Background(), s, []byte(hello)))
	for _, o := range append(others, conn) {
		o.reset()
	}
	return s, conn
}

func textFrame(from, to uuid.UUID, content string) []byte {
	return []byte(fmt.Sprintf(`{"kind":"text","senderId":%q,"receiverId":%q,"content":%q}`, from, to, content))
}

func TestTextDeliveredVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	as, ac := f.connect(t, alice)
	_, bc := f.connect(t, bob, ac)

	frame := textFrame(alice, bob, "hi")
	require.NoError(t, f.router.Handle(ctx, as, frame))

	got := bc.received()
	require.Len(t, got, 1)
	assert.Equal(t, frame, got[0])
	assert.Empty(t, ac.received())
}

func TestAbsentReceiverDropsSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	as, ac := f.connect(t, alice)
	_, cc := f.connect(t, carol, ac)

	assert.NoError(t, f.router.Handle(ctx, as, textFrame(alice, bob, "hi2")))
	assert.Empty(t, cc.received())
	assert.Empty(t, ac.received())
}

func TestTerminatedReceiverIsUnreachable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	as, ac := f.connect(t, alice)
	_, bc := f.connect(t, bob, ac)

	// Bob misses one pong; alice answers hers.
	f.hub.Sweep()
	f.hub.MarkAlive(alice, ac)
	dead := f.hub.Sweep()
	require.Len(t, dead, 1)

	assert.NoError(t, f.router.Handle(ctx, as, textFrame(alice, bob, "hi")))
	assert.False(t, f.router.PushMessage(&models.Message{ID: uuid.New(), SenderID: alice, ReceiverID: bob, Content: "hi", Kind: models.KindText}))
	assert.Empty(t, bc.received())
}

func TestTypingRelayedInOrderAndNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	as, ac := f.connect(t, alice)
	_, bc := f.connect(t, bob, ac)

	for _, content := range []string{TypingStarted, TypingStopped} {
		frame := fmt.Sprintf(`{"kind":"typing","senderId":%q,"receiverId":%q,"content":%q}`, alice, bob, content)
		require.NoError(t, f.router.Handle(ctx, as, []byte(frame)))
	}

	got := bc.received()
	require.Len(t, got, 2)
	assert.Equal(t, TypingStarted, decode(t, got[0]).Content)
	assert.Equal(t, TypingStopped, decode(t, got[1]).Content)

	convs, err := f.store.ListConversations(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMalformedFrameKeepsSessionUsable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	_, bc := f.connect(t, bob)

	s := NewSession(&fakeConn{}, uuid.Nil)
	for _, raw := range []string{
		`not json`,
		`{"kind":"shout","senderId":"` + alice.String() + `"}`,
		`{"kind":"text","senderId":"` + alice.String() + `","content":"no receiver"}`,
	} {
		err := f.router.Handle(ctx, s, []byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFrame, raw)
	}
	_, authenticated := s.Identity()
	assert.False(t, authenticated)
	assert.Empty(t, bc.received())

	require.NoError(t, f.router.Handle(ctx, s, textFrame(alice, bob, "after garbage")))
	id, authenticated := s.Identity()
	assert.True(t, authenticated)
	assert.Equal(t, alice, id)
}

func TestAuthenticationFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	_, bc := f.connect(t, bob)

	// Unknown identity.
	stranger := uuid.New()
	s := NewSession(&fakeConn{}, uuid.Nil)
	err := f.router.Handle(ctx, s, textFrame(stranger, bob, "hello"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, ok := f.hub.Lookup(stranger)
	assert.False(t, ok)

	// Token for alice, frame claims to be bob.
	s = NewSession(&fakeConn{}, alice)
	err = f.router.Handle(ctx, s, textFrame(bob, alice, "hello"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, authenticated := s.Identity()
	assert.False(t, authenticated)

	assert.Empty(t, bc.received())
}

func TestSpoofedSenderDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	as, ac := f.connect(t, alice)
	_, bc := f.connect(t, bob, ac)

	err := f.router.Handle(ctx, as, textFrame(carol, bob, "it's carol, honest"))
	assert.ErrorIs(t, err, ErrSenderMismatch)
	assert.Empty(t, bc.received())
}

func TestPushMessageUsesRecordedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	_, bc := f.connect(t, bob)

	msg, err := f.store.RecordMessage(ctx, models.NewMessage{SenderID: alice, ReceiverID: bob, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, f.router.PushMessage(msg))

	got := bc.received()
	require.Len(t, got, 1)
	frame := decode(t, got[0])
	assert.Equal(t, KindText, frame.Kind)
	assert.Equal(t, "hi", frame.Content)
	require.NotNil(t, frame.MessageID)
	assert.Equal(t, msg.ID, *frame.MessageID)

	require.NoError(t, f.store.UpdateUserActivity(ctx, bob, false))
	f.hub.Unbind(bob, bc)
	assert.False(t, f.router.PushMessage(msg))
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	_, ac := f.connect(t, alice)
	bs, _ := f.connect(t, bob, ac)

	f.router.Disconnect(ctx, bs)
	offline := statusFrames(t, ac, StatusOffline)
	require.Len(t, offline, 1)
	assert.Equal(t, bob, offline[0].SenderID)

	// An unauthenticated session holds nothing to release.
	f.router.Disconnect(ctx, NewSession(&fakeConn{}, uuid.Nil))
	assert.Len(t, ac.received(), 1)
}
