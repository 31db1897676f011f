// Package events is the broadcast channel between the signaling engine,
// the room tracker, and their consumers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/queue"
)

// Kind identifies what happened.
type Kind string

const (
	KindOfferGenerated        Kind = "offerGenerated"
	KindAnswerGenerated       Kind = "answerGenerated"
	KindIceCandidateGenerated Kind = "iceCandidateGenerated"
	KindVideoTrackAdded       Kind = "videoTrackAdded"
	KindVideoTrackRemoved     Kind = "videoTrackRemoved"
	KindErrorOccurred         Kind = "errorOccurred"
	KindCandidateRejected     Kind = "candidateRejected"
	KindSessionClosed         Kind = "sessionClosed"
	KindStateChanged          Kind = "stateChanged"
	KindRoomJoined            Kind = "roomJoined"
	KindRoomLeft              Kind = "roomLeft"
	KindMembersChanged        Kind = "membersChanged"
)

// Track describes a media track carried by a track event.
type Track struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
}

// Event is a single bus notification. PeerID is the remote peer the event
// concerns; for generated signaling it is the recipient.
type Event struct {
	Kind        Kind                 `json:"kind"`
	PeerID      string               `json:"peerId,omitempty"`
	SDP         string               `json:"sdp,omitempty"`
	VideoSource string               `json:"videoSource,omitempty"`
	Candidate   *models.IceCandidate `json:"candidate,omitempty"`
	Track       *Track               `json:"track,omitempty"`
	State       string               `json:"state,omitempty"`
	ErrorKind   string               `json:"errorKind,omitempty"`
	Error       string               `json:"error,omitempty"`
	Members     []string             `json:"members,omitempty"`
	Time        time.Time            `json:"time"`

	// Err is the original error for in-process consumers.
	Err error `json:"-"`
}

// Bus fans every published event out to all current subscribers. Each
// subscriber has its own unbounded queue, so Publish never blocks and a slow
// consumer only delays itself.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish delivers ev to every active subscriber. Events published by one
// goroutine arrive at each subscriber in publication order.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.queue.Push(ev)
	}
	b.logger.Debug("event published", "kind", ev.Kind, "peer", ev.PeerID, "subscribers", len(b.subs))
}

// Subscribe registers a new consumer. It only sees events published after
// this call returns.
func (b *Bus) Subscribe() *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		bus:    b,
		queue:  queue.New[Event](),
		ch:     make(chan Event),
		ctx:    ctx,
		cancel: cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close ends every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus    *Bus
	queue  *queue.Queue[Event]
	ch     chan Event
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes. Undelivered events are discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.queue.Close()
		s.cancel()
	})
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		ev, ok := s.queue.Pop(s.ctx)
		if !ok {
			return
		}
		select {
		case s.ch <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}
