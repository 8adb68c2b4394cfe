package websocket

import (
	"context"
	"sync"
	"time"

	"gator-chat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Conn is one live realtime connection as the registry sees it.
type Conn interface {
	// Send queues a frame without blocking. It reports false when the frame
	// could not be queued (connection closed or buffer full).
	Send(payload []byte) bool
	Ping() error
	Close()
}

type binding struct {
	conn  Conn
	alive bool
	// terminated is set once the heartbeat closes conn; the binding stays
	// until the disconnect path unbinds it but is no longer live.
	terminated bool
}

// Hub maps each user identity to at most one live connection.
type Hub struct {
	mu       sync.RWMutex
	bindings map[uuid.UUID]*binding

	log     zerolog.Logger
	metrics *utils.MetricsCollector
}

func NewHub(logger zerolog.Logger, metrics *utils.MetricsCollector) *Hub {
	return &Hub{
		bindings: make(map[uuid.UUID]*binding),
		log:      logger.With().Str("component", "hub").Logger(),
		metrics:  metrics,
	}
}

// Bind stores conn as the identity's connection. A different connection
// previously bound to the identity is closed and returned. existed reports
// whether the identity had any binding before this call.
func (h *Hub) Bind(identity uuid.UUID, conn Conn) (evicted Conn, existed bool) {
	h.mu.Lock()
	prev, existed := h.bindings[identity]
	h.bindings[identity] = &binding{conn: conn, alive: true}
	n := len(h.bindings)
	h.mu.Unlock()

	h.metrics.SetActiveBindings(n)

	if existed && prev.conn != conn {
		evicted = prev.conn
		evicted.Close()
		h.metrics.Eviction()
		h.log.Info().Stringer("user", identity).Msg("replaced existing connection")
	}
	return evicted, existed
}

// Lookup returns the identity's live connection. A binding the heartbeat has
// terminated reads as absent.
func (h *Hub) Lookup(identity uuid.UUID) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	b, ok := h.bindings[identity]
	if !ok || b.terminated {
		return nil, false
	}
	return b.conn, true
}

// Unbind removes the binding only if it still refers to conn. A connection
// that was already replaced cannot remove its successor.
func (h *Hub) Unbind(identity uuid.UUID, conn Conn) bool {
	h.mu.Lock()
	b, ok := h.bindings[identity]
	if !ok || b.conn != conn {
		h.mu.Unlock()
		return false
	}
	delete(h.bindings, identity)
	n := len(h.bindings)
	h.mu.Unlock()

	h.metrics.SetActiveBindings(n)
	return true
}

// MarkAlive records a pong from conn.
func (h *Hub) MarkAlive(identity uuid.UUID, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.bindings[identity]; ok && b.conn == conn && !b.terminated {
		b.alive = true
	}
}

// Online returns the identities currently bound.
func (h *Hub) Online() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.bindings)
}

// Others returns every bound identity except the given one, with its connection.
func (h *Hub) Others(identity uuid.UUID) map[uuid.UUID]Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	others := make(map[uuid.UUID]Conn, len(h.bindings))
	for id, b := range h.bindings {
		if id != identity && !b.terminated {
			others[id] = b.conn
		}
	}
	return others
}

// DeadBinding is a connection the heartbeat gave up on.
type DeadBinding struct {
	Identity uuid.UUID
	Conn     Conn
}

// Sweep runs one heartbeat tick. Bindings that did not answer the previous
// ping, or whose ping fails now, are closed and returned. The rest are
// flagged not-alive until their next pong. Pings are written in parallel so
// one stuck peer cannot delay the others.
func (h *Hub) Sweep() []DeadBinding {
	var dead []DeadBinding
	var probe []DeadBinding

	h.mu.Lock()
	for id, b := range h.bindings {
		if b.terminated {
			continue
		}
		if !b.alive {
			b.terminated = true
			dead = append(dead, DeadBinding{Identity: id, Conn: b.conn})
			continue
		}
		b.alive = false
		probe = append(probe, DeadBinding{Identity: id, Conn: b.conn})
	}
	h.mu.Unlock()

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []DeadBinding
	)
	for _, p := range probe {
		wg.Add(1)
		go func(p DeadBinding) {
			defer wg.Done()
			if err := p.Conn.Ping(); err != nil {
				h.log.Debug().Err(err).Stringer("user", p.Identity).Msg("ping failed")
				failMu.Lock()
				failed = append(failed, p)
				failMu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if len(failed) > 0 {
		h.mu.Lock()
		for _, p := range failed {
			if b, ok := h.bindings[p.Identity]; ok && b.conn == p.Conn && !b.terminated {
				b.terminated = true
				dead = append(dead, p)
			}
		}
		h.mu.Unlock()
	}

	for _, d := range dead {
		d.Conn.Close()
	}
	return dead
}

// Run sweeps every interval until ctx is done, handing each dead binding to onDead.
func (h *Hub) Run(ctx context.Context, interval time.Duration, onDead func(ctx context.Context, identity uuid.UUID, conn Conn)) {
	h.log.Info().Dur("interval", interval).Msg("heartbeat started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("heartbeat stopped")
			return
		case <-ticker.C:
			for _, d := range h.Sweep() {
				h.log.Info().Stringer("user", d.Identity).Msg("terminating unresponsive connection")
				onDead(ctx, d.Identity, d.Conn)
			}
		}
	}
}

// CloseAll closes every bound connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.bindings))
	for _, b := range h.bindings {
		conns = append(conns, b.conn)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
