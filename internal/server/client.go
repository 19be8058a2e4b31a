package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Transport-level read deadline; reset on any inbound traffic.
	readWait = 90 * time.Second

	// Transport-level keepalive pings. Must be less than readWait.
	pingPeriod = (readWait * 9) / 10

	// Outbound queue depth per connection.
	sendBuffer = 256
)

var errSendBufferFull = errors.New("server: send buffer full")

// Client wraps one WebSocket connection. Frames queue onto the buffered
// send channel and a single writePump preserves their order.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	log        zerolog.Logger
	remoteAddr string
	userAgent  string

	closed    atomic.Bool
	closeOnce sync.Once

	// onMessage handles each inbound frame; onClose fires exactly once
	// when the connection dies for any reason.
	onMessage func(c *Client, data []byte)
	onClose   func(c *Client, reason string)
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, log zerolog.Logger, remoteAddr, userAgent string,
	onMessage func(*Client, []byte), onClose func(*Client, string)) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		log:        log.With().Str("conn", id).Logger(),
		remoteAddr: remoteAddr,
		userAgent:  userAgent,
		onMessage:  onMessage,
		onClose:    onClose,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send enqueues a frame without blocking.
func (c *Client) Send(data []byte) error {
	if c.closed.Load() {
		return errSendBufferFull
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close shuts the connection down, sending a close frame with the reason
// when possible. Safe to call multiple times.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

// IsOpen reports whether the connection is still usable.
func (c *Client) IsOpen() bool { return !c.closed.Load() }

// RemoteAddr returns the peer address recorded at accept time.
func (c *Client) RemoteAddr() string { return c.remoteAddr }

// UserAgent returns the peer's User-Agent header.
func (c *Client) UserAgent() string { return c.userAgent }

// Run starts the read and write pumps. Returns immediately.
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump reads frames from the connection until it dies.
func (c *Client) readPump() {
	defer c.Close("connection closed")

	c.conn.SetReadLimit(protocol.MaxMessageBytes + 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

		if c.onMessage != nil {
			c.onMessage(c, data)
		}
	}
}

// writePump writes queued frames and transport keepalives.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close("connection closed")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
