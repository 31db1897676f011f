package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

func receive[T any](t *testing.T, ch <-chan T) T {
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

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	alice, bob := broker.Connect(), broker.Connect()
	defer alice.Close()
	defer bob.Close()
	ctx := context.Background()

	msgs, err := bob.Subscribe(ctx, "lobby/signal/bob")
	require.NoError(t, err)
	assert.Equal(t, 1, broker.Subscribers("lobby/signal/bob"))

	require.NoError(t, alice.Publish(ctx, "lobby/signal/bob", []byte("one")))
	require.NoError(t, alice.Publish(ctx, "lobby/signal/carol", []byte("lost")))
	require.NoError(t, alice.Publish(ctx, "lobby/signal/bob", []byte("two")))

	assert.Equal(t, transport.Message{Topic: "lobby/signal/bob", Payload: []byte("one")}, receive(t, msgs))
	assert.Equal(t, "two", string(receive(t, msgs).Payload))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	broker := NewBroker()
	c := broker.Connect()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := c.Subscribe(ctx, "t")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestClosedClientRejectsOperations(t *testing.T) {
	broker := NewBroker()
	c := broker.Connect()
	msgs, err := c.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	for range msgs {
	}
	assert.ErrorIs(t, c.Publish(context.Background(), "t", nil), transport.ErrClosed)
	_, err = c.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, transport.ErrClosed)
	_, err = c.Join(context.Background(), "lobby", "x")
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestPresence(t *testing.T) {
	broker := NewBroker()
	alice, bob := broker.Connect(), broker.Connect()
	defer alice.Close()
	defer bob.Close()
	ctx := context.Background()

	aliceEvents, err := alice.Join(ctx, "lobby", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoomEventJoined, receive(t, aliceEvents).Kind)
	assert.Equal(t, []string{"alice"}, receive(t, aliceEvents).Members)

	_, err = alice.Join(ctx, "lobby", "alice")
	assert.ErrorIs(t, err, transport.ErrAlreadyJoined)

	bobEvents, err := bob.Join(ctx, "lobby", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RoomEventJoined, receive(t, bobEvents).Kind)
	assert.Equal(t, []string{"alice", "bob"}, receive(t, bobEvents).Members)
	assert.Equal(t, []string{"alice", "bob"}, receive(t, aliceEvents).Members)

	require.NoError(t, bob.Leave(ctx))
	assert.Equal(t, models.RoomEventLeft, receive(t, bobEvents).Kind)
	_, ok := <-bobEvents
	assert.False(t, ok)

	ev := receive(t, aliceEvents)
	assert.Equal(t, models.RoomEventMembersChanged, ev.Kind)
	assert.Equal(t, []string{"alice"}, ev.Members)

	assert.ErrorIs(t, bob.Leave(ctx), transport.ErrNotJoined)
}

func TestCloseLeavesRoom(t *testing.T) {
	broker := NewBroker()
	alice, bob := broker.Connect(), broker.Connect()
	defer alice.Close()
	ctx := context.Background()

	aliceEvents, err := alice.Join(ctx, "lobby", "alice")
	require.NoError(t, err)
	_, err = bob.Join(ctx, "lobby", "bob")
	require.NoError(t, err)
	require.NoError(t, bob.Close())

	assert.Equal(t, []string{"alice"}, broker.Members("lobby"))

	var last models.RoomEvent
	for i := 0; i < 4; i++ {
		last = receive(t, aliceEvents)
	}
	assert.Equal(t, models.RoomEventMembersChanged, last.Kind)
	assert.Equal(t, []string{"alice"}, last.Members)
}
