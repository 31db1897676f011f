// Package redis carries signaling over Redis pub/sub. Room membership is the
// set room:<id>:peers, and every change is announced on room:<id>:presence so
// members re-read the set.
//
// Each member also keeps room:<id>:alive:<client> fresh with a short TTL.
// Members periodically remove peers whose key has expired, so a client that
// dies without leaving drops out of the room within one TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/queue"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Presence  = (*Client)(nil)
)

const (
	roomTTL = 24 * time.Hour

	defaultHeartbeat    = 5 * time.Second
	defaultHeartbeatTTL = 15 * time.Second
)

// Config is the server address and credentials.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Client implements transport.Transport and transport.Presence.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger

	heartbeat    time.Duration
	heartbeatTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	joined *membership
}

type membership struct {
	room     string
	clientID string
	pubsub   *redis.PubSub
	events   *queue.Queue[models.RoomEvent]

	stopBeat context.CancelFunc
	beatDone chan struct{}
}

// Connect opens a client and checks the server is reachable.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		rdb:          rdb,
		logger:       logger.With("transport", "redis"),
		heartbeat:    defaultHeartbeat,
		heartbeatTTL: defaultHeartbeatTTL,
		ctx:          runCtx,
		cancel:       cancel,
	}, nil
}

func peersKey(room string) string           { return "room:" + room + ":peers" }
func presenceKey(room string) string        { return "room:" + room + ":presence" }
func aliveKey(room, clientID string) string { return "room:" + room + ":alive:" + clientID }

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	if err := c.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan transport.Message, error) {
	if c.isClosed() {
		return nil, transport.ErrClosed
	}
	pubsub := c.rdb.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	out := make(chan transport.Message)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- transport.Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				case <-c.ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) Join(ctx context.Context, room, clientID string) (<-chan models.RoomEvent, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, transport.ErrClosed
	case c.joined != nil:
		c.mu.Unlock()
		return nil, transport.ErrAlreadyJoined
	}
	m := &membership{room: room, clientID: clientID, events: queue.New[models.RoomEvent]()}
	c.joined = m
	c.mu.Unlock()

	m.pubsub = c.rdb.Subscribe(ctx, presenceKey(room))
	if _, err := m.pubsub.Receive(ctx); err != nil {
		c.abandon(m)
		return nil, fmt.Errorf("redis subscribe presence: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, peersKey(room), clientID)
	pipe.Expire(ctx, peersKey(room), roomTTL)
	pipe.Set(ctx, aliveKey(room, clientID), "1", c.heartbeatTTL)
	pipe.Publish(ctx, presenceKey(room), clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.abandon(m)
		return nil, fmt.Errorf("redis join %s: %w", room, err)
	}
	c.logger.Info("joined room", "room", room, "client", clientID)
	m.events.Push(models.RoomEvent{Kind: models.RoomEventJoined})

	c.wg.Add(1)
	go c.watch(m)

	beatCtx, stop := context.WithCancel(c.ctx)
	m.stopBeat, m.beatDone = stop, make(chan struct{})
	c.wg.Add(1)
	go c.beat(beatCtx, m)

	out := make(chan models.RoomEvent)
	go func() {
		defer close(out)
		m.events.Forward(c.ctx, out)
	}()
	return out, nil
}

func (c *Client) abandon(m *membership) {
	c.mu.Lock()
	if c.joined == m {
		c.joined = nil
	}
	c.mu.Unlock()
	if m.pubsub != nil {
		m.pubsub.Close()
	}
}

// watch re-reads the member set on every presence notification. Our own
// join notification triggers the first read.
func (c *Client) watch(m *membership) {
	defer c.wg.Done()
	var last []string
	for range m.pubsub.Channel() {
		members, err := c.rdb.SMembers(c.ctx, peersKey(m.room)).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("failed to read room members", "room", m.room, "error", err)
			}
			continue
		}
		sort.Strings(members)
		if last != nil && slices.Equal(members, last) {
			continue
		}
		last = members
		m.events.Push(models.RoomEvent{Kind: models.RoomEventMembersChanged, Members: members})
	}
}

// beat refreshes the member's liveness key and prunes peers whose key has
// expired, until ctx ends.
func (c *Client) beat(ctx context.Context, m *membership) {
	defer c.wg.Done()
	defer close(m.beatDone)
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.refresh(ctx, m); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", "room", m.room, "error", err)
			}
			continue
		}
		if err := c.prune(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to prune room members", "room", m.room, "error", err)
		}
	}
}

// refresh renews the liveness key and re-adds the member if someone pruned
// it while it was unreachable.
func (c *Client) refresh(ctx context.Context, m *membership) error {
	pipe := c.rdb.Pipeline()
	added := pipe.SAdd(ctx, peersKey(m.room), m.clientID)
	pipe.Expire(ctx, peersKey(m.room), roomTTL)
	pipe.Set(ctx, aliveKey(m.room, m.clientID), "1", c.heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if added.Val() > 0 {
		return c.rdb.Publish(ctx, presenceKey(m.room), m.clientID).Err()
	}
	return nil
}

func (c *Client) prune(ctx context.Context, m *membership) error {
	members, err := c.rdb.SMembers(ctx, peersKey(m.room)).Result()
	if err != nil {
		return err
	}
	pipe := c.rdb.Pipeline()
	checks := make(map[string]*redis.IntCmd, len(members))
	for _, id := range members {
		if id != m.clientID {
			checks[id] = pipe.Exists(ctx, aliveKey(m.room, id))
		}
	}
	if len(checks) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	var stale []interface{}
	for id, cmd := range checks {
		if cmd.Val() == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	removed, err := c.rdb.SRem(ctx, peersKey(m.room), stale...).Result()
	if err != nil {
		return err
	}
	if removed > 0 {
		c.logger.Info("pruned unresponsive members", "room", m.room, "members", stale)
		return c.rdb.Publish(ctx, presenceKey(m.room), m.clientID).Err()
	}
	return nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	m := c.joined
	c.joined = nil
	c.mu.Unlock()
	if m == nil {
		return transport.ErrNotJoined
	}
	if m.stopBeat != nil {
		m.stopBeat()
		<-m.beatDone
	}

	pipe := c.rdb.Pipeline()
	pipe.SRem(ctx, peersKey(m.room), m.clientID)
	pipe.Del(ctx, aliveKey(m.room, m.clientID))
	pipe.Publish(ctx, presenceKey(m.room), m.clientID)
	_, err := pipe.Exec(ctx)

	m.pubsub.Close()
	m.events.Push(models.RoomEvent{Kind: models.RoomEventLeft})
	m.events.Close()
	if err != nil {
		return fmt.Errorf("redis leave %s: %w", m.room, err)
	}
	c.logger.Info("left room", "room", m.room)
	return nil
}

// Close leaves the room if joined, ends every subscription and closes the
// connection pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	joined := c.joined != nil
	c.mu.Unlock()

	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.Leave(ctx); err != nil {
			c.logger.Warn("leave on close failed", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	return c.rdb.Close()
}
