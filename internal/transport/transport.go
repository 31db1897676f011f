// Package transport defines the pub/sub channel signaling messages and room
// membership travel over. Implementations live in the subpackages.
package transport

import (
	"context"
	"errors"
	"strings"

	"github.com/mossy-p/peer-signaling/internal/models"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrNotJoined is returned by Leave when no room was joined.
	ErrNotJoined = errors.New("not joined to a room")
	// ErrAlreadyJoined is returned by Join when a room is already joined.
	ErrAlreadyJoined = errors.New("already joined to a room")
)

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport publishes and receives opaque payloads on named topics.
// Subscribe channels are closed when ctx is done or the transport closes.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Close() error
}

// Presence reports room membership out of band. The channel returned by
// Join first carries RoomEventJoined, then a RoomEventMembersChanged with the
// full member set on every change, and RoomEventLeft after Leave. It is
// closed after RoomEventLeft or when the transport closes.
type Presence interface {
	Join(ctx context.Context, room, clientID string) (<-chan models.RoomEvent, error)
	Leave(ctx context.Context) error
}

// Topics builds topic names for one room.
type Topics struct {
	Prefix string
	Room   string
}

// Signal is the topic a peer receives its signaling messages on.
func (t Topics) Signal(peerID string) string {
	return t.join("signal", peerID)
}

// Presence is the topic a client's presence marker is kept on.
func (t Topics) Presence(clientID string) string {
	return t.join("presence", clientID)
}

// PresencePrefix is the common prefix of every Presence topic in the room.
func (t Topics) PresencePrefix() string {
	return t.join("presence", "")
}

// PeerFromTopic returns the trailing segment of a Signal or Presence topic.
func PeerFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

func (t Topics) join(kind, id string) string {
	parts := make([]string, 0, 4)
	if t.Prefix != "" {
		parts = append(parts, strings.Trim(t.Prefix, "/"))
	}
	parts = append(parts, t.Room, kind, id)
	return strings.Join(parts, "/")
}
