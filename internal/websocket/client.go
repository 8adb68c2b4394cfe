package websocket

import (
	"sync"
	"time"

	"gator-chat/internal/utils"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ClientConfig holds the per-connection limits.
type ClientConfig struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration
	// Time allowed to read the next message or pong from the peer. Must be
	// longer than the heartbeat interval.
	PongWait time.Duration
	// Maximum message size allowed from peer.
	MaxMessageSize int64
	// Outbound frames buffered per connection before new ones are dropped.
	SendBuffer int
}

func DefaultClientConfig(heartbeat time.Duration) ClientConfig {
	return ClientConfig{
		WriteWait:      10 * time.Second,
		PongWait:       2 * heartbeat,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	conn *websocket.Conn
	cfg  ClientConfig

	// Buffered channel of outbound messages.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	log     zerolog.Logger
	metrics *utils.MetricsCollector
}

func NewClient(conn *websocket.Conn, cfg ClientConfig, logger zerolog.Logger, metrics *utils.MetricsCollector) *Client {
	return &Client{
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		log:     logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		metrics: metrics,
	}
}

// Send queues payload for the write pump without blocking.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		c.metrics.FrameDropped("buffer_full")
		return false
	}
}

// Ping writes a ping control frame. Safe to call concurrently with the pumps.
func (c *Client) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
}

// Close sends a close frame and tears the connection down. The read pump then
// returns, which ends the session.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait),
		)
		c.conn.Close()
	})
}

// ReadPump pumps messages from the websocket connection to onFrame, one at a
// time, until the connection fails or is closed.
func (c *Client) ReadPump(onFrame func([]byte), onPong func()) {
	defer func() {
		c.Close()
		c.log.Debug().Msg("read pump stopped")
	}()
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		onPong()
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info().Err(err).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		onFrame(message)
	}
}

// WritePump pumps queued frames to the websocket connection, one websocket
// message per frame.
func (c *Client) WritePump() {
	defer func() {
		c.Close()
		c.log.Debug().Msg("write pump stopped")
	}()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Info().Err(err).Msg("websocket write error")
				return
			}
		}
	}
}
