// Package integration exercises the control plane end to end: a real
// server behind httptest, with agents and dashboards attached over real
// websockets.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentfleet/agentfleet/internal/audit"
	"github.com/agentfleet/agentfleet/internal/auth"
	"github.com/agentfleet/agentfleet/internal/protocol"
	"github.com/agentfleet/agentfleet/internal/server"
)

const testSecret = "integration-test-secret"

// mintToken signs an HS256 token the test server accepts.
func mintToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// testEnv runs one server instance for the duration of a test.
type testEnv struct {
	t    *testing.T
	cfg  *server.Config
	http *httptest.Server
}

// startServer builds and starts a server with test-friendly defaults.
// mutate may adjust the config before the server is created; refresher
// may be nil when the test does not exercise token rotation.
func startServer(t *testing.T, refresher auth.Refresher, mutate func(*server.Config)) *testEnv {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.AuditDBPath = filepath.Join(t.TempDir(), "audit.db")
	// Keep the periodic machinery out of the way unless a test opts in.
	cfg.PingInterval = time.Minute
	cfg.GraceWindow = time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	store, err := audit.OpenStore(cfg.AuditDBPath)
	if err != nil {
		t.Fatalf("failed to open audit store: %v", err)
	}
	sink := audit.NewSink(zerolog.Nop(), store, 0)
	verifier := auth.NewHMACVerifier([]byte(cfg.JWTSecret))

	srv := server.New(cfg, zerolog.Nop(), sink, verifier, refresher)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		sink.Close()
		_ = store.Close()
	})

	return &testEnv{t: t, cfg: cfg, http: ts}
}

// wsURL returns the websocket endpoint of the test server.
func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

// waitForAgent polls the fleet endpoint until the agent shows up online.
func (e *testEnv) waitForAgent(ctx context.Context, agentID string) {
	e.t.Helper()

	token := mintToken(e.t, "poller", time.Hour)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.t.Fatalf("agent %s never came online: %v", agentID, ctx.Err())
		case <-ticker.C:
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.http.URL+"/api/agents", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			var body struct {
				Agents []struct {
					AgentID string `json:"agentId"`
					Status  string `json:"status"`
				} `json:"agents"`
			}
			err = json.NewDecoder(resp.Body).Decode(&body)
			_ = resp.Body.Close()
			if err != nil {
				continue
			}
			for _, a := range body.Agents {
				if a.AgentID == agentID && a.Status != protocol.AgentOffline {
					return
				}
			}
		}
	}
}

// wsClient is a scripted websocket peer. It records every inbound frame
// and lets tests wait for specific message kinds.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu       sync.Mutex
	messages []protocol.Message
	closed   chan struct{}
}

// dial connects a client. A non-empty token is presented as a Bearer
// header, authenticating the connection as a dashboard at handshake time.
func dial(t *testing.T, env *testEnv, token string) *wsClient {
	t.Helper()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}

	c := &wsClient{t: t, conn: conn, closed: make(chan struct{})}
	go c.readPump()
	t.Cleanup(c.Close)
	return c
}

// connectAgent dials an anonymous socket and authenticates it as an agent
// with an AGENT_CONNECT frame, then waits for the server to register it.
func connectAgent(ctx context.Context, t *testing.T, env *testEnv, agentID string) *wsClient {
	t.Helper()

	c := dial(t, env, "")
	err := c.Send(protocol.TypeAgentConnect, protocol.AgentConnectPayload{
		AgentID:      agentID,
		Token:        mintToken(t, "agent:"+agentID, time.Hour),
		Version:      "test",
		Capabilities: []string{"shell"},
	})
	if err != nil {
		t.Fatalf("failed to send AGENT_CONNECT: %v", err)
	}
	env.waitForAgent(ctx, agentID)
	return c
}

func (c *wsClient) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			close(c.closed)
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
	}
}

// Send builds and writes one frame.
func (c *wsClient) Send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendRaw writes raw bytes, bypassing the codec.
func (c *wsClient) SendRaw(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the socket down. Safe to call more than once.
func (c *wsClient) Close() {
	_ = c.conn.Close()
}

// Closed reports whether the server (or a Close call) ended the socket.
func (c *wsClient) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WaitClosed blocks until the socket dies.
func (c *wsClient) WaitClosed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return nil
	}
}

// MessagesOfType returns all recorded messages of one kind.
func (c *wsClient) MessagesOfType(msgType string) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []protocol.Message
	for _, msg := range c.messages {
		if msg.Type == msgType {
			result = append(result, msg)
		}
	}
	return result
}

// WaitForMessage waits for the first message of the given kind.
func (c *wsClient) WaitForMessage(ctx context.Context, msgType string) (*protocol.Message, error) {
	msgs, err := c.WaitForNMessages(ctx, msgType, 1)
	if err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// WaitForNMessages waits for n messages of the given kind.
func (c *wsClient) WaitForNMessages(ctx context.Context, msgType string, n int) ([]protocol.Message, error) {
	return c.WaitForNMatching(ctx, msgType, n, nil)
}

// WaitForNMatching waits for n messages of the given kind accepted by the
// predicate.
func (c *wsClient) WaitForNMatching(ctx context.Context, msgType string, n int, pred func(protocol.Message) bool) ([]protocol.Message, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			var matched []protocol.Message
			for _, msg := range c.MessagesOfType(msgType) {
				if pred == nil || pred(msg) {
					matched = append(matched, msg)
				}
			}
			if len(matched) >= n {
				return matched[:n], nil
			}
		}
	}
}

// submitCommand sends a COMMAND_REQUEST and returns the queued ack.
// nth is how many queued acks the dashboard has accumulated after this
// submission, including it.
func submitCommand(ctx context.Context, t *testing.T, dash *wsClient, agentID, content string, priority, nth int) protocol.CommandAckPayload {
	t.Helper()

	err := dash.Send(protocol.TypeCommandRequest, protocol.CommandRequestPayload{
		AgentID:  agentID,
		Content:  content,
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("failed to submit command: %v", err)
	}

	msgs, err := dash.WaitForNMatching(ctx, protocol.TypeCommandAck, nth, func(m protocol.Message) bool {
		var p protocol.CommandAckPayload
		return m.ParsePayload(&p) == nil && p.Status == protocol.StatusQueued
	})
	if err != nil {
		t.Fatalf("never received queued ack #%d: %v", nth, err)
	}

	var ack protocol.CommandAckPayload
	if err := msgs[nth-1].ParsePayload(&ack); err != nil {
		t.Fatalf("failed to parse ack: %v", err)
	}
	return ack
}

// ackExecuting waits for the agent to receive a COMMAND_REQUEST and
// confirms execution start, returning the forwarded command id.
func ackExecuting(ctx context.Context, t *testing.T, agent *wsClient, nth int) string {
	t.Helper()

	msgs, err := agent.WaitForNMessages(ctx, protocol.TypeCommandRequest, nth)
	if err != nil {
		t.Fatalf("agent never received command request #%d: %v", nth, err)
	}
	var req protocol.CommandRequestPayload
	if err := msgs[nth-1].ParsePayload(&req); err != nil {
		t.Fatalf("failed to parse command request: %v", err)
	}

	err = agent.Send(protocol.TypeCommandAck, protocol.CommandAckPayload{
		CommandID: req.CommandID,
		Status:    protocol.StatusExecuting,
	})
	if err != nil {
		t.Fatalf("failed to ack command: %v", err)
	}
	return req.CommandID
}

// errorPayload extracts the payload of the nth ERROR frame.
func errorPayload(ctx context.Context, t *testing.T, c *wsClient, nth int) protocol.ErrorPayload {
	t.Helper()

	msgs, err := c.WaitForNMessages(ctx, protocol.TypeError, nth)
	if err != nil {
		t.Fatalf("never received error frame #%d: %v", nth, err)
	}
	var p protocol.ErrorPayload
	if err := msgs[nth-1].ParsePayload(&p); err != nil {
		t.Fatalf("failed to parse error payload: %v", err)
	}
	return p
}

// testContext returns a context bounded to the usual scenario budget.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}
