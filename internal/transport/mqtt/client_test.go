package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

type token struct {
	done chan struct{}
	err  error
}

func newToken(err error) *token {
	t := &token{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

// fakeBroker delivers synchronously and keeps retained messages.
type fakeBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	routes   map[*fakeConn]map[string]paho.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string][]byte),
		routes:   make(map[*fakeConn]map[string]paho.MessageHandler),
	}
}

func matches(filter, topic string) bool {
	if prefix, ok := strings.CutSuffix(filter, "+"); ok {
		return strings.HasPrefix(topic, prefix) && !strings.Contains(topic[len(prefix):], "/")
	}
	return filter == topic
}

type fakeConn struct {
	paho.Client
	broker       *fakeBroker
	subscribeErr error
	disconnected bool
}

func (b *fakeBroker) conn() *fakeConn {
	c := &fakeConn{broker: b}
	b.mu.Lock()
	b.routes[c] = make(map[string]paho.MessageHandler)
	b.mu.Unlock()
	return c
}

func (f *fakeConn) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	data := payload.([]byte)
	f.broker.mu.Lock()
	if retained {
		if len(data) == 0 {
			delete(f.broker.retained, topic)
		} else {
			f.broker.retained[topic] = data
		}
	}
	var handlers []paho.MessageHandler
	for _, routes := range f.broker.routes {
		for filter, h := range routes {
			if matches(filter, topic) {
				handlers = append(handlers, h)
			}
		}
	}
	f.broker.mu.Unlock()

	for _, h := range handlers {
		h(f, message{topic: topic, payload: data})
	}
	return newToken(nil)
}

func (f *fakeConn) Subscribe(filter string, _ byte, h paho.MessageHandler) paho.Token {
	if f.subscribeErr != nil {
		return newToken(f.subscribeErr)
	}
	f.broker.mu.Lock()
	f.broker.routes[f][filter] = h
	var retained []message
	for topic, data := range f.broker.retained {
		if matches(filter, topic) {
			retained = append(retained, message{topic: topic, payload: data})
		}
	}
	f.broker.mu.Unlock()

	for _, m := range retained {
		h(f, m)
	}
	return newToken(nil)
}

func (f *fakeConn) Unsubscribe(filters ...string) paho.Token {
	f.broker.mu.Lock()
	for _, filter := range filters {
		delete(f.broker.routes[f], filter)
	}
	f.broker.mu.Unlock()
	return newToken(nil)
}

func (f *fakeConn) Disconnect(uint) {
	f.broker.mu.Lock()
	delete(f.broker.routes, f)
	f.broker.mu.Unlock()
	f.disconnected = true
}

func testClient(conn *fakeConn) *Client {
	c := newClient(Options{
		ClientID: "test",
		Topics:   transport.Topics{Prefix: "webrtc"},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	c.conn = conn
	return c
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	panic("unreachable")
}

func TestDialValidatesOptions(t *testing.T) {
	_, err := Dial(context.Background(), Options{ClientID: "x"})
	assert.Error(t, err)
	_, err = Dial(context.Background(), Options{Broker: "tcp://localhost:1883"})
	assert.Error(t, err)
}

func TestClientOptionsSetLastWill(t *testing.T) {
	opts := Options{
		Broker:   "tcp://localhost:1883",
		ClientID: "user123",
		Topics:   transport.Topics{Prefix: "webrtc", Room: "lobby"},
		QoS:      1,
	}
	o := newClient(opts).clientOptions(opts)

	assert.Equal(t, "user123", o.ClientID)
	assert.True(t, o.WillEnabled)
	assert.Equal(t, "webrtc/lobby/presence/user123", o.WillTopic)
	assert.True(t, o.WillRetained)
	assert.Empty(t, o.WillPayload)
	assert.True(t, o.AutoReconnect)
	require.Len(t, o.Servers, 1)
	assert.Equal(t, "localhost:1883", o.Servers[0].Host)
}

func TestPublishSubscribe(t *testing.T) {
	broker := newFakeBroker()
	alice, bob := testClient(broker.conn()), testClient(broker.conn())
	defer alice.Close()
	defer bob.Close()
	ctx := context.Background()

	msgs, err := bob.Subscribe(ctx, "webrtc/lobby/signal/bob")
	require.NoError(t, err)
	again, err := bob.Subscribe(ctx, "webrtc/lobby/signal/bob")
	require.NoError(t, err)

	require.NoError(t, alice.Publish(ctx, "webrtc/lobby/signal/bob", []byte(`{"type":"offer"}`)))

	assert.Equal(t, `{"type":"offer"}`, string(next(t, msgs).Payload))
	assert.Equal(t, "webrtc/lobby/signal/bob", next(t, again).Topic)
}

func TestSubscribeFailure(t *testing.T) {
	broker := newFakeBroker()
	conn := broker.conn()
	conn.subscribeErr = errors.New("not authorized")
	c := testClient(conn)
	defer c.Close()

	_, err := c.Subscribe(context.Background(), "t")
	assert.ErrorContains(t, err, "not authorized")
	assert.Empty(t, c.subs)
}

func TestPresenceFollowsRetainedMarkers(t *testing.T) {
	broker := newFakeBroker()
	alice, bob := testClient(broker.conn()), testClient(broker.conn())
	defer alice.Close()
	defer bob.Close()
	ctx := context.Background()

	aliceEvents, err := alice.Join(ctx, "lobby", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoomEventJoined, next(t, aliceEvents).Kind)
	assert.Equal(t, []string{"alice"}, next(t, aliceEvents).Members)

	_, err = alice.Join(ctx, "lobby", "alice")
	assert.ErrorIs(t, err, transport.ErrAlreadyJoined)

	bobEvents, err := bob.Join(ctx, "lobby", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RoomEventJoined, next(t, bobEvents).Kind)
	assert.Equal(t, []string{"alice"}, next(t, bobEvents).Members)
	assert.Equal(t, []string{"alice", "bob"}, next(t, bobEvents).Members)
	assert.Equal(t, []string{"alice", "bob"}, next(t, aliceEvents).Members)

	require.NoError(t, bob.Leave(ctx))
	assert.Equal(t, []string{"alice"}, next(t, aliceEvents).Members)

	var last models.RoomEvent
	for ev := range bobEvents {
		last = ev
	}
	assert.Equal(t, models.RoomEventLeft, last.Kind)
	assert.ErrorIs(t, bob.Leave(ctx), transport.ErrNotJoined)
}

func TestCloseClearsPresenceAndDisconnects(t *testing.T) {
	broker := newFakeBroker()
	conn := broker.conn()
	c := testClient(conn)

	_, err := c.Join(context.Background(), "lobby", "alice")
	require.NoError(t, err)
	require.Contains(t, broker.retained, "webrtc/lobby/presence/alice")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NotContains(t, broker.retained, "webrtc/lobby/presence/alice")
	assert.True(t, conn.disconnected)
	assert.ErrorIs(t, c.Publish(context.Background(), "t", nil), transport.ErrClosed)
}
