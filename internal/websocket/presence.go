package websocket

import (
	"context"
	"sync"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const persistTimeout = 5 * time.Second

// Presence owns the online/offline lifecycle on top of the Hub. Transitions
// for one identity (binding change, persisted flag, broadcast) run under that
// identity's lock, so peers and the store always end on the latest state.
type Presence struct {
	hub     *Hub
	users   database.UserStore
	log     zerolog.Logger
	metrics *utils.MetricsCollector

	mu    sync.Mutex
	locks map[uuid.UUID]*identityLock
}

type identityLock struct {
	sync.Mutex
	refs int
}

func NewPresence(hub *Hub, users database.UserStore, logger zerolog.Logger, metrics *utils.MetricsCollector) *Presence {
	return &Presence{
		hub:     hub,
		users:   users,
		log:     logger.With().Str("component", "presence").Logger(),
		metrics: metrics,
		locks:   make(map[uuid.UUID]*identityLock),
	}
}

// lock acquires identity's transition lock and returns its release.
func (p *Presence) lock(identity uuid.UUID) func() {
	p.mu.Lock()
	l, ok := p.locks[identity]
	if !ok {
		l = &identityLock{}
		p.locks[identity] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, identity)
		}
		p.mu.Unlock()
	}
}

func (p *Presence) Hub() *Hub {
	return p.hub
}

// Bind registers conn for identity. Only a first binding announces the user
// online; a re-login replaces the old connection silently.
func (p *Presence) Bind(ctx context.Context, identity uuid.UUID, conn Conn) {
	defer p.lock(identity)()

	_, existed := p.hub.Bind(identity, conn)
	if existed {
		return
	}

	p.persist(ctx, identity, true)
	p.broadcast(identity, StatusFrame(identity, StatusOnline))
	p.log.Info().Stringer("user", identity).Msg("user online")
}

// Disconnect removes the binding if it still belongs to conn and announces the
// user offline. It reports whether this call removed the binding, so a
// connection closed by eviction or already swept announces nothing.
func (p *Presence) Disconnect(ctx context.Context, identity uuid.UUID, conn Conn) bool {
	defer p.lock(identity)()

	if !p.hub.Unbind(identity, conn) {
		return false
	}

	p.persist(ctx, identity, false)
	p.broadcast(identity, StatusFrame(identity, StatusOffline))
	p.log.Info().Stringer("user", identity).Msg("user offline")
	return true
}

// Announce fans out a client-sent status frame. It never touches bindings or
// the persisted flag.
func (p *Presence) Announce(frame *Frame, payload []byte) {
	if frame.Broadcast {
		p.fanOut(frame.SenderID, payload)
		return
	}
	if conn, ok := p.hub.Lookup(*frame.ReceiverID); ok {
		p.deliver(*frame.ReceiverID, conn, payload)
	}
}

func (p *Presence) persist(ctx context.Context, identity uuid.UUID, online bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := p.users.UpdateUserActivity(ctx, identity, online); err != nil {
		p.log.Warn().Err(err).Stringer("user", identity).Bool("online", online).Msg("failed to persist presence")
	}
}

func (p *Presence) broadcast(identity uuid.UUID, frame *Frame) {
	payload, err := frame.Encode()
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode status frame")
		return
	}
	p.fanOut(identity, payload)
}

// fanOut sends payload to every bound identity except the sender. A failed
// recipient is logged and skipped.
func (p *Presence) fanOut(sender uuid.UUID, payload []byte) {
	for id, conn := range p.hub.Others(sender) {
		p.deliver(id, conn, payload)
	}
}

func (p *Presence) deliver(recipient uuid.UUID, conn Conn, payload []byte) {
	if conn.Send(payload) {
		p.metrics.Delivery("sent")
		return
	}
	p.metrics.BroadcastFailure()
	p.log.Warn().Stringer("recipient", recipient).Msg("status delivery failed")
}
