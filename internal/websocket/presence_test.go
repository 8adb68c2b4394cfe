package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/models"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *database.MemoryDB
	hub      *Hub
	presence *Presence
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryDB()
	metrics := utils.NewMetricsCollector()
	hub := NewHub(zerolog.Nop(), metrics)
	presence := NewPresence(hub, store, zerolog.Nop(), metrics)
	return &fixture{
		store:    store,
		hub:      hub,
		presence: presence,
		router:   NewRouter(presence, store, zerolog.Nop(), metrics),
	}
}

func (f *fixture) user(t *testing.T, name string) uuid.UUID {
	t.Helper()
	u := &models.User{ID: uuid.New(), Username: name, Email: name + "@example.com", HashedPassword: "x"}
	require.NoError(t, f.store.SaveUser(context.Background(), u))
	return u.ID
}

func decode(t *testing.T, payload []byte) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, json.Unmarshal(payload, &f))
	return f
}

func statusFrames(t *testing.T, c *fakeConn, status string) []Frame {
	var out []Frame
	for _, p := range c.received() {
		f := decode(t, p)
		if f.Kind == KindStatus && f.Content == status {
			out = append(out, f)
		}
	}
	return out
}

func TestFirstBindBroadcastsOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ac, bc := &fakeConn{}, &fakeConn{}

	f.presence.Bind(ctx, alice, ac)
	f.presence.Bind(ctx, bob, bc)

	online := statusFrames(t, ac, StatusOnline)
	require.Len(t, online, 1)
	assert.Equal(t, bob, online[0].SenderID)
	assert.True(t, online[0].Broadcast)
	assert.Empty(t, statusFrames(t, bc, StatusOnline), "a user is not told about itself")

	u, err := f.store.GetUser(ctx, bob)
	require.NoError(t, err)
	assert.True(t, u.IsConnected)

	// A second login replaces the connection without a new announcement.
	ac.reset()
	bc2 := &fakeConn{}
	f.presence.Bind(ctx, bob, bc2)
	assert.Empty(t, ac.received())
	assert.True(t, bc.isClosed())
}

func TestOfflineBroadcastOnceOnGenuineDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	ac, bc, cc := &fakeConn{}, &fakeConn{}, &fakeConn{}

	f.presence.Bind(ctx, alice, ac)
	f.presence.Bind(ctx, bob, bc)
	f.presence.Bind(ctx, carol, cc)

	// Bob logs in again; the evicted connection's teardown must stay silent.
	bc2 := &fakeConn{}
	f.presence.Bind(ctx, bob, bc2)
	assert.False(t, f.presence.Disconnect(ctx, bob, bc))
	assert.Empty(t, statusFrames(t, ac, StatusOffline))

	u, _ := f.store.GetUser(ctx, bob)
	assert.True(t, u.IsConnected)

	// Read loop and heartbeat both report the real disconnect.
	assert.True(t, f.presence.Disconnect(ctx, bob, bc2))
	assert.False(t, f.presence.Disconnect(ctx, bob, bc2))

	for _, c := range []*fakeConn{ac, cc} {
		offline := statusFrames(t, c, StatusOffline)
		require.Len(t, offline, 1)
		assert.Equal(t, bob, offline[0].SenderID)
	}
	assert.Empty(t, statusFrames(t, bc2, StatusOffline))

	u, _ = f.store.GetUser(ctx, bob)
	assert.False(t, u.IsConnected)
}

func TestBroadcastIsolatesRecipientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol, dave := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol"), f.user(t, "dave")
	ac, bc, cc := &fakeConn{}, &fakeConn{full: true}, &fakeConn{}

	f.presence.Bind(ctx, alice, ac)
	f.presence.Bind(ctx, bob, bc)
	f.presence.Bind(ctx, carol, cc)
	ac.reset()
	cc.reset()

	f.presence.Bind(ctx, dave, &fakeConn{})

	assert.Len(t, statusFrames(t, ac, StatusOnline), 1)
	assert.Len(t, statusFrames(t, cc, StatusOnline), 1)
	assert.Empty(t, bc.received())
}

func TestAnnounceLeavesBindingsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ac, bc := &fakeConn{}, &fakeConn{}
	f.presence.Bind(ctx, alice, ac)
	f.presence.Bind(ctx, bob, bc)
	ac.reset()

	frame := &Frame{Kind: KindStatus, SenderID: bob, Broadcast: true, Content: StatusOffline}
	payload, err := frame.Encode()
	require.NoError(t, err)
	f.presence.Announce(frame, payload)

	require.Len(t, ac.received(), 1)
	assert.Equal(t, payload, ac.received()[0])
	_, ok := f.hub.Lookup(bob)
	assert.True(t, ok)
	u, _ := f.store.GetUser(ctx, bob)
	assert.True(t, u.IsConnected)
}

// gatedStore holds UpdateUserActivity(false) until release is closed.
type gatedStore struct {
	*database.MemoryDB
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) UpdateUserActivity(ctx context.Context, id uuid.UUID, online bool) error {
	if !online {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.MemoryDB.UpdateUserActivity(ctx, id, online)
}

func TestReconnectDuringDisconnectEndsOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")

	store := &gatedStore{MemoryDB: f.store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	presence := NewPresence(f.hub, store, zerolog.Nop(), utils.NewMetricsCollector())

	ac, b1, b2 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	presence.Bind(ctx, alice, ac)
	presence.Bind(ctx, bob, b1)
	ac.reset()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.True(t, presence.Disconnect(ctx, bob, b1))
	}()

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("disconnect never reached the store")
	}

	rebound := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		presence.Bind(ctx, bob, b2)
		close(rebound)
	}()

	select {
	case <-rebound:
		t.Fatal("reconnect finished while the disconnect was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	wg.Wait()

	conn, ok := f.hub.Lookup(bob)
	require.True(t, ok)
	assert.Same(t, b2, conn)

	u, err := f.store.GetUser(ctx, bob)
	require.NoError(t, err)
	assert.True(t, u.IsConnected, "bound user must be persisted online")

	var statuses []string
	for _, p := range ac.received() {
		if fr := decode(t, p); fr.Kind == KindStatus && fr.SenderID == bob {
			statuses = append(statuses, fr.Content)
		}
	}
	assert.Equal(t, []string{StatusOffline, StatusOnline}, statuses)
}

func TestConcurrentChurnKeepsPresenceConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ac := &fakeConn{}
	f.presence.Bind(ctx, alice, ac)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			f.presence.Bind(ctx, bob, c)
			f.presence.Disconnect(ctx, bob, c)
		}()
	}
	wg.Wait()

	final := &fakeConn{}
	f.presence.Bind(ctx, bob, final)

	u, err := f.store.GetUser(ctx, bob)
	require.NoError(t, err)
	assert.True(t, u.IsConnected)

	var last string
	for _, p := range ac.received() {
		if fr := decode(t, p); fr.Kind == KindStatus && fr.SenderID == bob {
			last = fr.Content
		}
	}
	assert.Equal(t, StatusOnline, last)
	assert.Empty(t, f.presence.locks)
}
