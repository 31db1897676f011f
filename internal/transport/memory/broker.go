// Package memory is an in-process Transport and Presence implementation. All
// clients connected to one Broker share topics and rooms.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/queue"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Presence  = (*Client)(nil)
)

// Broker routes messages between the clients connected to it.
type Broker struct {
	mu    sync.Mutex
	subs  map[string]map[*subscription]struct{}
	rooms map[string]map[string]*Client
}

func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[string]map[*subscription]struct{}),
		rooms: make(map[string]map[string]*Client),
	}
}

// Connect returns a new client of the broker.
func (b *Broker) Connect() *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		broker: b,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*subscription]struct{}),
	}
}

// Members returns the client IDs joined to room, sorted.
func (b *Broker) Members(room string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.membersLocked(room)
}

// Subscribers returns the number of active subscriptions to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Broker) membersLocked(room string) []string {
	members := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// announceLocked pushes the current member set to everyone in room.
func (b *Broker) announceLocked(room string) {
	members := b.membersLocked(room)
	for _, c := range b.rooms[room] {
		c.presence.Push(models.RoomEvent{Kind: models.RoomEventMembersChanged, Members: members})
	}
}

type subscription struct {
	topic string
	queue *queue.Queue[transport.Message]
}

// Client is one participant's connection to a Broker.
type Client struct {
	broker *Broker
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by broker.mu
	closed   bool
	subs     map[*subscription]struct{}
	room     string
	clientID string
	presence *queue.Queue[models.RoomEvent]
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := transport.Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	for sub := range c.broker.subs[topic] {
		sub.queue.Push(msg)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan transport.Message, error) {
	sub := &subscription{topic: topic, queue: queue.New[transport.Message]()}

	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if c.broker.subs[topic] == nil {
		c.broker.subs[topic] = make(map[*subscription]struct{})
	}
	c.broker.subs[topic][sub] = struct{}{}
	c.subs[sub] = struct{}{}
	c.broker.mu.Unlock()

	out := make(chan transport.Message)
	go func() {
		defer close(out)
		runCtx, cancel := mergeDone(ctx, c.ctx)
		defer cancel()
		sub.queue.Forward(runCtx, out)
		c.unsubscribe(sub)
	}()
	return out, nil
}

func (c *Client) unsubscribe(sub *subscription) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	delete(c.broker.subs[sub.topic], sub)
	if len(c.broker.subs[sub.topic]) == 0 {
		delete(c.broker.subs, sub.topic)
	}
	delete(c.subs, sub)
	sub.queue.Close()
}

func (c *Client) Join(ctx context.Context, room, clientID string) (<-chan models.RoomEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if c.presence != nil {
		c.broker.mu.Unlock()
		return nil, transport.ErrAlreadyJoined
	}
	presence := queue.New[models.RoomEvent]()
	c.room, c.clientID, c.presence = room, clientID, presence
	if c.broker.rooms[room] == nil {
		c.broker.rooms[room] = make(map[string]*Client)
	}
	c.broker.rooms[room][clientID] = c
	presence.Push(models.RoomEvent{Kind: models.RoomEventJoined})
	c.broker.announceLocked(room)
	c.broker.mu.Unlock()

	out := make(chan models.RoomEvent)
	go func() {
		defer close(out)
		presence.Forward(c.ctx, out)
	}()
	return out, nil
}

func (c *Client) Leave(ctx context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.presence == nil {
		return transport.ErrNotJoined
	}
	c.leaveLocked()
	return nil
}

func (c *Client) leaveLocked() {
	room := c.room
	if members := c.broker.rooms[room]; members[c.clientID] == c {
		delete(members, c.clientID)
		if len(members) == 0 {
			delete(c.broker.rooms, room)
		}
	}
	c.presence.Push(models.RoomEvent{Kind: models.RoomEventLeft})
	c.presence.Close()
	c.presence, c.room, c.clientID = nil, "", ""
	c.broker.announceLocked(room)
}

// Close leaves the room, if joined, and ends every subscription. Other
// members see the departure as if the client had left.
func (c *Client) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.presence != nil {
		c.leaveLocked()
	}
	for sub := range c.subs {
		sub.queue.Close()
	}
	c.broker.mu.Unlock()

	c.cancel()
	return nil
}

// mergeDone returns a context that is done when either parent is.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
