package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/protocol"
)

const (
	pongWait       = 90 * time.Second
	writeWait      = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

var errNotConnected = errors.New("agent: not connected")

// WSClient maintains the connection to the control plane, reconnecting
// with exponential backoff.
type WSClient struct {
	cfg *Config
	log zerolog.Logger

	// onConnected fires after each successful (re)connect; onMessage
	// handles every inbound frame.
	onConnected func()
	onMessage   func(*protocol.Message)

	mu    sync.Mutex
	conn  *websocket.Conn
	token string
}

// NewWSClient creates a websocket client.
func NewWSClient(cfg *Config, log zerolog.Logger, onConnected func(), onMessage func(*protocol.Message)) *WSClient {
	return &WSClient{
		cfg:         cfg,
		log:         log.With().Str("component", "websocket").Logger(),
		onConnected: onConnected,
		onMessage:   onMessage,
		token:       cfg.Token,
	}
}

// UpdateToken swaps the credential used on the next reconnect.
func (c *WSClient) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Run connects and maintains the connection until the context is
// cancelled.
func (c *WSClient) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			wait := bo.NextBackOff()
			c.log.Error().Err(err).Dur("backoff", wait).Msg("connection failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		if c.onConnected != nil {
			c.onConnected()
		}

		c.readLoop(ctx)

		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// connect dials the server. The socket starts anonymous; the credential
// rides in the AGENT_CONNECT frame sent right after the handshake.
func (c *WSClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info().Str("url", c.cfg.ServerURL).Msg("connected")
	return nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}
		if c.onMessage != nil {
			c.onMessage(&msg)
		}
	}
}

// Send builds and writes one frame. Writes are serialized by the mutex.
func (c *WSClient) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
