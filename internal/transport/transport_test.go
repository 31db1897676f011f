package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "webrtc/", Room: "lobby"}

	assert.Equal(t, "webrtc/lobby/signal/user123", topics.Signal("user123"))
	assert.Equal(t, "webrtc/lobby/presence/client1", topics.Presence("client1"))
	assert.Equal(t, "webrtc/lobby/presence/", topics.PresencePrefix())

	assert.Equal(t, "lobby/signal/x", Topics{Room: "lobby"}.Signal("x"))
}

func TestPeerFromTopic(t *testing.T) {
	assert.Equal(t, "client1", PeerFromTopic("webrtc/lobby/presence/client1"))
	assert.Equal(t, "", PeerFromTopic("webrtc/lobby/presence/"))
	assert.Equal(t, "bare", PeerFromTopic("bare"))
}
