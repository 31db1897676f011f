package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/peer/peertest"
)

func candidate(value string) models.IceCandidate {
	return models.IceCandidate{Candidate: value}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	table := NewTable(0)

	first, created := table.GetOrCreate("client1")
	require.True(t, created)
	assert.Equal(t, StateNew, first.State())

	second, created := table.GetOrCreate("client1")
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, table.Len())
}

func TestRemoveReleasesAndRecreatesFresh(t *testing.T) {
	table := NewTable(0)
	s, _ := table.GetOrCreate("client1")

	conn, err := peertest.NewFactory().NewConnection("client1")
	require.NoError(t, err)
	s.SetConn(conn)
	s.BufferCandidate(candidate("C1"))
	require.NoError(t, s.Transition(StateOffering))

	require.NoError(t, table.Remove("client1"))
	assert.True(t, conn.(*peertest.Connection).Closed())
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, s.Info().PendingCandidates)
	_, ok := table.Get("client1")
	assert.False(t, ok)

	fresh, created := table.GetOrCreate("client1")
	assert.True(t, created)
	assert.NotSame(t, s, fresh)
	assert.Equal(t, StateNew, fresh.State())

	// absent peers are a no-op
	assert.NoError(t, table.Remove("nobody"))
}

func TestDetachSessionOnlyRemovesCurrentEntry(t *testing.T) {
	table := NewTable(0)
	old, _ := table.GetOrCreate("client1")
	require.Same(t, old, table.Detach("client1"))

	current, _ := table.GetOrCreate("client1")
	assert.False(t, table.DetachSession(old))
	assert.True(t, table.DetachSession(current))
	assert.Nil(t, table.Detach("client1"))
}

func TestAllIsOrdered(t *testing.T) {
	table := NewTable(0)
	for _, id := range []string{"c", "a", "b"} {
		table.GetOrCreate(id)
	}
	var ids []string
	for _, s := range table.All() {
		ids = append(ids, s.PeerID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestTransitions(t *testing.T) {
	s := New("client1", 0)
	require.NoError(t, s.Transition(StateAnswering))
	require.NoError(t, s.Transition(StateConnected))
	assert.ErrorIs(t, s.Transition(StateOffering), ErrInvalidTransition)
	require.NoError(t, s.Transition(StateFailed))
	require.NoError(t, s.Transition(StateClosed))
	assert.ErrorIs(t, s.Transition(StateNew), ErrInvalidTransition)

	assert.True(t, StateNew.CanTransition(StateOffering))
	assert.True(t, StateOffering.CanTransition(StateConnected))
	assert.False(t, StateNew.CanTransition(StateConnected))
	assert.False(t, StateClosed.CanTransition(StateFailed))
}

func TestPendingCandidatesFlushInOrder(t *testing.T) {
	s := New("client1", 0)
	for _, c := range []string{"C1", "C2", "C3"} {
		assert.Nil(t, s.BufferCandidate(candidate(c)))
	}
	assert.False(t, s.HasRemoteDescription())

	flushed := s.MarkRemoteDescription()
	assert.Equal(t, []models.IceCandidate{candidate("C1"), candidate("C2"), candidate("C3")}, flushed)
	assert.True(t, s.HasRemoteDescription())
	assert.Zero(t, s.Info().PendingCandidates)
}

func TestPendingCandidateCapDropsOldest(t *testing.T) {
	s := New("client1", 2)
	s.BufferCandidate(candidate("C1"))
	s.BufferCandidate(candidate("C2"))

	dropped := s.BufferCandidate(candidate("C3"))
	require.NotNil(t, dropped)
	assert.Equal(t, "C1", dropped.Candidate)
	assert.Equal(t, 1, s.Info().DroppedCandidates)
	assert.Equal(t, []models.IceCandidate{candidate("C2"), candidate("C3")}, s.MarkRemoteDescription())
}

func TestSetConnReplacesAndTracksLocalTrack(t *testing.T) {
	factory := peertest.NewFactory()
	factory.VideoSource = "front"
	first, _ := factory.NewConnection("client1")
	second, _ := factory.NewConnection("client1")

	s := New("client1", 0)
	assert.Nil(t, s.SetConn(first))
	s.SetRemoteTrack(peertest.NewTrack("remote-video", "stream"))
	assert.Equal(t, "local-video", s.Info().LocalTrack)
	assert.Equal(t, "remote-video", s.Info().RemoteTrack)

	assert.Same(t, first, s.SetConn(second))
	assert.Nil(t, s.RemoteTrack())
	assert.Same(t, second, s.Conn())
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := New("client1", 0)
	conn, _ := peertest.NewFactory().NewConnection("client1")
	s.SetConn(conn)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, conn.(*peertest.Connection).Closed())
	assert.Nil(t, s.Conn())
}
