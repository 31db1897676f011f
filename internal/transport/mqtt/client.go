// Package mqtt carries signaling over an MQTT broker. Presence is a retained
// marker per client under the room's presence topic, cleared on Leave or by
// the broker through the last-will message.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/queue"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Presence  = (*Client)(nil)
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// Options configures the broker connection.
type Options struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	// Topics, with Room set, makes the broker clear ClientID's presence
	// marker in that room if the connection drops without a Leave.
	Topics         transport.Topics
	QoS            byte
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

type presenceMarker struct {
	ClientID string    `json:"clientId"`
	Since    time.Time `json:"since"`
}

// Client implements transport.Transport and transport.Presence.
type Client struct {
	conn   paho.Client
	qos    byte
	prefix string
	logger *slog.Logger

	// ctx ends every delivery goroutine on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	subs   map[string]map[*subscription]struct{}
	joined *membership
}

type subscription struct {
	topic string
	queue *queue.Queue[transport.Message]
}

type membership struct {
	topics   transport.Topics
	clientID string
	members  map[string]struct{}
	events   *queue.Queue[models.RoomEvent]
}

// Dial connects to the broker.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("mqtt: client id is required")
	}

	c := newClient(opts)
	c.conn = paho.NewClient(c.clientOptions(opts))

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := wait(ctx, c.conn.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, err)
	}
	return c, nil
}

func newClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:    ctx,
		cancel: cancel,
		qos:    opts.QoS,
		prefix: opts.Topics.Prefix,
		logger: logger.With("transport", "mqtt"),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

func (c *Client) clientOptions(opts Options) *paho.ClientOptions {
	o := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(defaultConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("connection lost", "error", err)
		})
	if opts.Topics.Room != "" {
		o.SetWill(opts.Topics.Presence(opts.ClientID), "", opts.QoS, true)
	}
	return o
}

// onConnect restores subscriptions and the presence marker after a
// reconnect, since the session is clean.
func (c *Client) onConnect(conn paho.Client) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	joined := c.joined
	c.mu.Unlock()

	c.logger.Info("connected", "subscriptions", len(topics))
	for _, topic := range topics {
		conn.Subscribe(topic, c.qos, c.route)
	}
	if joined != nil {
		conn.Subscribe(joined.topics.PresencePrefix()+"+", c.qos, c.presence)
		if payload, err := marker(joined.clientID); err == nil {
			conn.Publish(joined.topics.Presence(joined.clientID), c.qos, true, payload)
		}
	}
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if err := wait(ctx, c.conn.Publish(topic, c.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan transport.Message, error) {
	sub := &subscription{topic: topic, queue: queue.New[transport.Message]()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[*subscription]struct{})
	}
	c.subs[topic][sub] = struct{}{}
	c.mu.Unlock()

	if first {
		if err := wait(ctx, c.conn.Subscribe(topic, c.qos, c.route)); err != nil {
			c.unsubscribe(sub)
			return nil, fmt.Errorf("mqtt subscribe %s: %w", topic, err)
		}
	}

	out := make(chan transport.Message)
	go func() {
		defer close(out)
		runCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()
		defer cancel()
		sub.queue.Forward(runCtx, out)
		c.unsubscribe(sub)
	}()
	return out, nil
}

// route runs on paho's delivery goroutine and must not block.
func (c *Client) route(_ paho.Client, m paho.Message) {
	msg := transport.Message{Topic: m.Topic(), Payload: m.Payload()}
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs[m.Topic()] {
		sub.queue.Push(msg)
	}
}

func (c *Client) unsubscribe(sub *subscription) {
	c.mu.Lock()
	delete(c.subs[sub.topic], sub)
	last := len(c.subs[sub.topic]) == 0
	if last {
		delete(c.subs, sub.topic)
	}
	closed := c.closed
	c.mu.Unlock()
	sub.queue.Close()

	if last && !closed {
		c.conn.Unsubscribe(sub.topic)
	}
}

func (c *Client) Join(ctx context.Context, room, clientID string) (<-chan models.RoomEvent, error) {
	topics := transport.Topics{Prefix: c.prefix, Room: room}
	payload, err := marker(clientID)
	if err != nil {
		return nil, err
	}

	m := &membership{
		topics:   topics,
		clientID: clientID,
		members:  make(map[string]struct{}),
		events:   queue.New[models.RoomEvent](),
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, transport.ErrClosed
	case c.joined != nil:
		c.mu.Unlock()
		return nil, transport.ErrAlreadyJoined
	}
	c.joined = m
	m.events.Push(models.RoomEvent{Kind: models.RoomEventJoined})
	c.mu.Unlock()

	if err := wait(ctx, c.conn.Subscribe(topics.PresencePrefix()+"+", c.qos, c.presence)); err != nil {
		c.detach(m)
		return nil, fmt.Errorf("mqtt subscribe presence: %w", err)
	}
	if err := wait(ctx, c.conn.Publish(topics.Presence(clientID), c.qos, true, payload)); err != nil {
		c.detach(m)
		c.conn.Unsubscribe(topics.PresencePrefix() + "+")
		return nil, fmt.Errorf("mqtt publish presence: %w", err)
	}
	c.logger.Info("joined room", "room", room, "client", clientID)

	out := make(chan models.RoomEvent)
	go func() {
		defer close(out)
		m.events.Forward(c.ctx, out)
	}()
	return out, nil
}

// presence applies one retained presence marker. An empty payload means the
// client is gone.
func (c *Client) presence(_ paho.Client, msg paho.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.joined
	if m == nil {
		return
	}
	id := transport.PeerFromTopic(msg.Topic())
	if id == "" {
		return
	}
	_, present := m.members[id]
	online := len(msg.Payload()) > 0
	if present == online {
		return
	}
	if online {
		m.members[id] = struct{}{}
	} else {
		delete(m.members, id)
	}
	members := make([]string, 0, len(m.members))
	for member := range m.members {
		members = append(members, member)
	}
	sort.Strings(members)
	m.events.Push(models.RoomEvent{Kind: models.RoomEventMembersChanged, Members: members})
}

func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	m := c.joined
	c.mu.Unlock()
	if m == nil {
		return transport.ErrNotJoined
	}

	err := wait(ctx, c.conn.Publish(m.topics.Presence(m.clientID), c.qos, true, []byte{}))
	c.conn.Unsubscribe(m.topics.PresencePrefix() + "+")
	c.detach(m)
	m.events.Push(models.RoomEvent{Kind: models.RoomEventLeft})
	m.events.Close()
	if err != nil {
		return fmt.Errorf("mqtt clear presence: %w", err)
	}
	c.logger.Info("left room", "room", m.topics.Room)
	return nil
}

func (c *Client) detach(m *membership) {
	c.mu.Lock()
	if c.joined == m {
		c.joined = nil
	}
	c.mu.Unlock()
}

// Close leaves the room if joined and disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	joined := c.joined
	c.mu.Unlock()

	if joined != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.Leave(ctx); err != nil {
			c.logger.Warn("leave on close failed", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]map[*subscription]struct{})
	c.mu.Unlock()
	for _, set := range subs {
		for sub := range set {
			sub.queue.Close()
		}
	}

	c.cancel()
	c.conn.Disconnect(disconnectQuiesce)
	return nil
}

func marker(clientID string) ([]byte, error) {
	payload, err := json.Marshal(presenceMarker{ClientID: clientID, Since: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode presence marker: %w", err)
	}
	return payload, nil
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
