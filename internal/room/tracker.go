// Package room tracks signaling-room membership and tears down sessions of
// peers that leave.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/mossy-p/peer-signaling/internal/engine"
	"github.com/mossy-p/peer-signaling/internal/events"
	"github.com/mossy-p/peer-signaling/internal/models"
)

// SessionController is the part of the signaling engine the tracker drives.
type SessionController interface {
	InitiateCall(ctx context.Context, peerID string) error
	CloseSession(ctx context.Context, peerID string) error
	CloseAll(ctx context.Context) error
}

// Compile-time interface check.
var _ SessionController = (*engine.Engine)(nil)

// Options configures a Tracker.
type Options struct {
	LocalID  string
	Room     string
	Sessions SessionController
	Bus      *events.Bus
	Logger   *slog.Logger
	// AutoCall makes the tracker call newly arrived members. Only the side
	// whose id sorts lower calls, so two auto-calling clients never offer
	// to each other at the same time.
	AutoCall bool
}

// Tracker owns the RoomState.
type Tracker struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	joined  bool
	members map[string]struct{}
}

func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		opts:    opts,
		logger:  logger.With("room", opts.Room),
		members: make(map[string]struct{}),
	}
}

// OnJoined records that the local client is in the room.
func (t *Tracker) OnJoined() {
	t.mu.Lock()
	t.joined = true
	t.mu.Unlock()

	t.logger.Info("joined room")
	t.opts.Bus.Publish(events.Event{Kind: events.KindRoomJoined})
}

// OnLeft tears down every session and clears the room state.
func (t *Tracker) OnLeft(ctx context.Context) error {
	err := t.opts.Sessions.CloseAll(ctx)

	t.mu.Lock()
	t.joined = false
	t.members = make(map[string]struct{})
	t.mu.Unlock()

	t.logger.Info("left room")
	t.opts.Bus.Publish(events.Event{Kind: events.KindRoomLeft})
	return err
}

// OnMembersChanged replaces the member set and closes the sessions of
// members that are gone.
func (t *Tracker) OnMembersChanged(ctx context.Context, members []string) error {
	next := make(map[string]struct{}, len(members))
	for _, id := range members {
		if id != "" && id != t.opts.LocalID {
			next[id] = struct{}{}
		}
	}

	t.mu.Lock()
	previous := t.members
	t.members = next
	t.mu.Unlock()

	departed := difference(previous, next)
	arrived := difference(next, previous)
	t.logger.Debug("members changed", "members", len(next), "arrived", arrived, "departed", departed)
	t.opts.Bus.Publish(events.Event{Kind: events.KindMembersChanged, Members: sorted(next)})

	var errs []error
	for _, peerID := range departed {
		t.logger.Info("member left, closing session", "peer", peerID)
		if err := t.opts.Sessions.CloseSession(ctx, peerID); err != nil {
			errs = append(errs, err)
		}
	}

	if t.opts.AutoCall {
		for _, peerID := range arrived {
			if t.opts.LocalID > peerID {
				continue
			}
			err := t.opts.Sessions.InitiateCall(ctx, peerID)
			switch {
			case errors.Is(err, engine.ErrInvalidState):
				t.logger.Debug("session already negotiating", "peer", peerID)
			case err != nil:
				t.logger.Warn("auto call failed", "peer", peerID, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Run applies transport room events until the channel closes or ctx is done.
func (t *Tracker) Run(ctx context.Context, roomEvents <-chan models.RoomEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-roomEvents:
			if !ok {
				return nil
			}
			t.apply(ctx, ev)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, ev models.RoomEvent) {
	var err error
	switch ev.Kind {
	case models.RoomEventJoined:
		t.OnJoined()
	case models.RoomEventLeft:
		err = t.OnLeft(ctx)
	case models.RoomEventMembersChanged:
		err = t.OnMembersChanged(ctx, ev.Members)
	default:
		t.logger.Warn("unknown room event", "kind", ev.Kind)
	}
	if err != nil {
		t.logger.Warn("room event handling failed", "kind", ev.Kind, "error", err)
	}
}

// Snapshot returns the current room state with members sorted.
func (t *Tracker) Snapshot() models.RoomState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.RoomState{
		Name:    t.opts.Room,
		Joined:  t.joined,
		Members: sorted(t.members),
	}
}

func difference(a, b map[string]struct{}) []string {
	var out []string
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
