package ws_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/heartline/realtime/internal/chat"
	"github.com/heartline/realtime/internal/eventbus"
	"github.com/heartline/realtime/internal/gate"
	"github.com/heartline/realtime/internal/notify"
	"github.com/heartline/realtime/internal/presence"
	"github.com/heartline/realtime/internal/protocol"
	"github.com/heartline/realtime/internal/ratelimit"
	"github.com/heartline/realtime/internal/registry"
	"github.com/heartline/realtime/internal/store/memory"
	rtws "github.com/heartline/realtime/internal/ws"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	t      *testing.T
	reg    *registry.Registry
	server *rtws.Server
	ts     *httptest.Server

	mu      sync.Mutex
	clients []net.Conn
}

type options struct {
	heartbeat rtws.HeartbeatConfig
	limiter   rtws.Limiter
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()

	st := memory.New(nil)
	reg := registry.New()
	topics := presence.NewTopics()
	agg := notify.NewMemory(4)
	bus := eventbus.New(reg, topics, agg, nil)
	tracker := presence.NewTracker(bus, topics, reg, nil, nil)
	reg.SetOnTransition(tracker.HandleTransition)
	svc := chat.NewService(st, gate.New(st, nil), bus, agg, tracker)

	cfg := rtws.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Heartbeat = rtws.HeartbeatConfig{Interval: time.Minute, Timeout: time.Minute}
	if opts.heartbeat.Interval > 0 {
		cfg.Heartbeat = opts.heartbeat
	}

	dispatcher := rtws.NewMessageDispatcher(nil)
	server := rtws.NewServer(cfg, nil, dispatcher.Dispatch)
	var hopts []rtws.HandlersOption
	if opts.limiter != nil {
		hopts = append(hopts, rtws.WithLimiter(opts.limiter, rtws.DefaultRateRules()))
	}
	rtws.NewHandlers(svc, reg, hopts...).Bind(server, dispatcher)

	require.NoError(t, server.Open())
	h := &harness{t: t, reg: reg, server: server, ts: httptest.NewServer(server.Handler())}

	t.Cleanup(func() {
		h.mu.Lock()
		for _, c := range h.clients {
			_ = c.Close()
		}
		h.mu.Unlock()
		h.ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.server.Shutdown(ctx)
	})
	return h
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *harness) dial(user int64) (net.Conn, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"X-User-ID": []string{strconv.FormatInt(user, 10)},
		}),
		Timeout: 2 * time.Second,
	}
	conn, _, _, err := dialer.Dial(context.Background(), h.url())
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.clients = append(h.clients, conn)
	h.mu.Unlock()
	return conn, nil
}

type client struct {
	t    *testing.T
	conn net.Conn
	id   string
}

// connect dials as user and consumes session_created.
func (h *harness) connect(user int64) *client {
	h.t.Helper()
	conn, err := h.dial(user)
	require.NoError(h.t, err)
	c := &client{t: h.t, conn: conn}
	first := c.next()
	require.Equal(h.t, protocol.TypeSessionCreated, first["type"])
	assert.Equal(h.t, float64(user), first["user_id"])
	c.id = first["session_id"].(string)
	return c
}

func (c *client) send(v map[string]interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientText(c.conn, data))
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, wsutil.WriteClientText(c.conn, []byte(data)))
}

func (c *client) next() map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, _, err := wsutil.ReadServerData(c.conn)
	require.NoError(c.t, err)
	var m map[string]interface{}
	require.NoError(c.t, json.Unmarshal(data, &m))
	return m
}

// waitFor reads frames until one of msgType arrives.
func (c *client) waitFor(msgType string) map[string]interface{} {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		m := c.next()
		if m["type"] == msgType {
			return m
		}
	}
	c.t.Fatalf("no %s frame received", msgType)
	return nil
}

func TestSessionCreatedAndRegistered(t *testing.T) {
	h := newHarness(t, options{})
	c := h.connect(1)

	assert.NotEmpty(t, c.id)
	require.Eventually(t, func() bool { return h.reg.Lookup(1, c.id) != nil }, time.Second, 10*time.Millisecond)
	assert.True(t, h.reg.Online(1))
}

func TestMissingUserHeaderIsRejected(t *testing.T) {
	h := newHarness(t, options{})

	_, _, _, err := ws.Dial(context.Background(), h.url())
	require.Error(t, err)
	assert.Equal(t, 0, h.reg.Count())
}

func TestMessageDelivery(t *testing.T) {
	h := newHarness(t, options{})
	alice := h.connect(1)
	bob := h.connect(2)

	alice.send(map[string]interface{}{"type": "send_message", "to": 2, "body": "hi bob"})

	sent := alice.waitFor(protocol.TypeMessageSent)
	assert.Equal(t, float64(2), sent["to"])

	got := bob.waitFor(protocol.TypeMessageReceived)
	assert.Equal(t, float64(1), got["from"])
	assert.Equal(t, "hi bob", got["body"])
	assert.Equal(t, sent["message_id"], got["message_id"])

	count := bob.waitFor(protocol.TypeNotificationCount)
	assert.Equal(t, float64(1), count["author"])
	assert.Equal(t, float64(1), count["count"])
}

func TestBlockNotifiesPeerAndDeniesMessages(t *testing.T) {
	h := newHarness(t, options{})
	alice := h.connect(1)
	bob := h.connect(2)

	alice.send(map[string]interface{}{"type": "create_block", "to": 2})
	ack := alice.waitFor(protocol.TypeAck)
	assert.Equal(t, protocol.TypeCreateBlock, ack["action"])

	blocked := bob.waitFor(protocol.TypeBlocked)
	assert.Equal(t, float64(1), blocked["by"])

	bob.send(map[string]interface{}{"type": "send_message", "to": 1, "body": "why"})
	errFrame := bob.waitFor(protocol.TypeError)
	assert.Equal(t, "relationship_denied", errFrame["code"])
}

func TestMutualLikeMatchesBothSides(t *testing.T) {
	h := newHarness(t, options{})
	alice := h.connect(1)
	bob := h.connect(2)

	alice.send(map[string]interface{}{"type": "create_like", "to": 2})
	alice.waitFor(protocol.TypeAck)
	liked := bob.waitFor(protocol.TypeLiked)
	assert.Equal(t, float64(1), liked["by"])

	bob.send(map[string]interface{}{"type": "create_like", "to": 1})
	assert.Equal(t, float64(1), bob.waitFor(protocol.TypeMatched)["with"])
	assert.Equal(t, float64(2), alice.waitFor(protocol.TypeMatched)["with"])
}

func TestOpenConversationReturnsSnapshot(t *testing.T) {
	h := newHarness(t, options{})
	alice := h.connect(1)
	bob := h.connect(2)

	alice.send(map[string]interface{}{"type": "send_message", "to": 2, "body": "first"})
	alice.waitFor(protocol.TypeMessageSent)
	bob.waitFor(protocol.TypeNotificationCount)

	bob.send(map[string]interface{}{"type": "open_conversation", "with": 1})
	conv := bob.waitFor(protocol.TypeConversation)
	assert.Equal(t, float64(1), conv["with"])
	assert.Equal(t, "online", conv["status"])
	assert.Equal(t, false, conv["blocked"])
	msgs := conv["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].(map[string]interface{})["body"])

	// Viewing suppresses the unread counter.
	alice.send(map[string]interface{}{"type": "send_message", "to": 2, "body": "second"})
	alice.waitFor(protocol.TypeMessageSent)
	got := bob.next()
	assert.Equal(t, protocol.TypeMessageReceived, got["type"])
	assert.Equal(t, "second", got["body"])
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t, options{})
	c := h.connect(1)

	c.sendRaw(`{not json`)
	assert.Equal(t, "parse_error", c.waitFor(protocol.TypeError)["code"])

	c.sendRaw(`{"type":"find_match"}`)
	assert.Equal(t, "unsupported_type", c.waitFor(protocol.TypeError)["code"])

	c.send(map[string]interface{}{"type": "send_message", "to": 2, "body": "   "})
	assert.Equal(t, "invalid_input", c.waitFor(protocol.TypeError)["code"])

	c.send(map[string]interface{}{"type": "create_like", "to": 1})
	assert.Equal(t, "self_action", c.waitFor(protocol.TypeError)["code"])
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, options{})
	c := h.connect(1)

	c.send(map[string]interface{}{"type": "ping"})
	assert.Equal(t, protocol.TypePong, c.next()["type"])
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, options{})
	watcher := h.connect(2)
	c := h.connect(1)

	watcher.send(map[string]interface{}{"type": "open_conversation", "with": 1})
	watcher.waitFor(protocol.TypeConversation)

	c.send(map[string]interface{}{"type": "disconnect"})
	require.Eventually(t, func() bool { return !h.reg.Online(1) }, 2*time.Second, 10*time.Millisecond)

	status := watcher.waitFor(protocol.TypeStatusChanged)
	assert.Equal(t, float64(1), status["user"])
	assert.Equal(t, "offline", status["status"])
}

func TestClientCloseUnregisters(t *testing.T) {
	h := newHarness(t, options{})
	c := h.connect(1)
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return !h.reg.Online(1) && h.server.Connections().Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatClosesSilentConnections(t *testing.T) {
	h := newHarness(t, options{heartbeat: rtws.HeartbeatConfig{
		Interval: 50 * time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}})
	// The client never reads, so it never answers pings.
	h.connect(1)

	require.Eventually(t, func() bool { return !h.reg.Online(1) }, 3*time.Second, 20*time.Millisecond)
}

type denyLimiter struct {
	retryAfter time.Duration
	only       string
}

func (d denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (ratelimit.Decision, error) {
	if rule.Name != d.only {
		return ratelimit.Decision{Allowed: true}, nil
	}
	return ratelimit.Decision{Allowed: false, RetryAfter: d.retryAfter}, nil
}

func TestRateLimitedMessage(t *testing.T) {
	h := newHarness(t, options{limiter: denyLimiter{retryAfter: 1500 * time.Millisecond, only: ratelimit.RuleMessage.Name}})
	c := h.connect(1)
	h.connect(2)

	c.send(map[string]interface{}{"type": "send_message", "to": 2, "body": "spam"})
	rl := c.waitFor(protocol.TypeRateLimited)
	assert.Equal(t, float64(2), rl["retry_after"])
}

func TestRateLimitedConnect(t *testing.T) {
	h := newHarness(t, options{limiter: denyLimiter{retryAfter: time.Minute, only: ratelimit.RuleConnect.Name}})

	_, err := h.dial(1)
	require.Error(t, err)
	assert.False(t, h.reg.Online(1))
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, options{})
	c := h.connect(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.server.Shutdown(ctx))

	assert.False(t, h.reg.Online(1))
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := wsutil.ReadServerData(c.conn)
	var closed wsutil.ClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, ws.StatusGoingAway, closed.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, options{})
	h.connect(1)

	resp, err := h.ts.Client().Get(h.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
}
