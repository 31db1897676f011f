// Package session holds per-remote-peer negotiation state.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/peer"
)

// State is the negotiation state of one peer session.
type State string

const (
	StateNew       State = "new"
	StateOffering  State = "offering"
	StateAnswering State = "answering"
	StateConnected State = "connected"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

var transitions = map[State][]State{
	StateNew:       {StateOffering, StateAnswering, StateFailed, StateClosed},
	StateOffering:  {StateAnswering, StateConnected, StateFailed, StateClosed},
	StateAnswering: {StateConnected, StateFailed, StateClosed},
	StateConnected: {StateFailed, StateClosed},
	StateFailed:    {StateClosed},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid session state transition")

// Session is the state of one remote peer. It is safe for concurrent use,
// but its mutations are expected to come from a single owner.
type Session struct {
	peerID     string
	maxPending int

	mu                   sync.Mutex
	state                State
	hasRemoteDescription bool
	pending              []models.IceCandidate
	droppedCandidates    int
	conn                 peer.Connection
	localTrack           peer.Track
	remoteTrack          peer.Track
	released             bool
}

// New creates a session in StateNew. maxPending bounds the buffered remote
// candidates; zero means unbounded.
func New(peerID string, maxPending int) *Session {
	return &Session{peerID: peerID, maxPending: maxPending, state: StateNew}
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next, rejecting moves the state machine
// does not allow.
func (s *Session) Transition(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.state = next
	return nil
}

func (s *Session) HasRemoteDescription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRemoteDescription
}

// MarkRemoteDescription records that the connection has a remote
// description and hands back the buffered candidates in receipt order.
func (s *Session) MarkRemoteDescription() []models.IceCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasRemoteDescription = true
	pending := s.pending
	s.pending = nil
	return pending
}

// ResetRemoteDescription forgets the remote description, for example when
// the underlying connection is replaced.
func (s *Session) ResetRemoteDescription() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasRemoteDescription = false
}

// BufferCandidate queues a remote candidate until the remote description is
// set. When the buffer is full the oldest candidate is dropped and reported.
func (s *Session) BufferCandidate(candidate models.IceCandidate) (dropped *models.IceCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPending > 0 && len(s.pending) >= s.maxPending {
		oldest := s.pending[0]
		s.pending = s.pending[1:]
		s.droppedCandidates++
		dropped = &oldest
	}
	s.pending = append(s.pending, candidate)
	return dropped
}

func (s *Session) Conn() peer.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetConn attaches conn and returns the connection it replaces, if any.
func (s *Session) SetConn(conn peer.Connection) peer.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.conn
	s.conn = conn
	s.localTrack = nil
	if conn != nil {
		s.localTrack = conn.LocalTrack()
	}
	s.remoteTrack = nil
	return previous
}

func (s *Session) SetRemoteTrack(track peer.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteTrack = track
}

func (s *Session) RemoteTrack() peer.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTrack
}

func (s *Session) LocalTrack() peer.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localTrack
}

// Release closes the connection, drops buffered candidates and moves the
// session to StateClosed. Calling it again is a no-op.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	conn := s.conn
	s.conn = nil
	s.pending = nil
	s.localTrack = nil
	s.remoteTrack = nil
	s.hasRemoteDescription = false
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close connection to %s: %w", s.peerID, err)
		}
	}
	return nil
}

// Info is a point-in-time view of a session for presentation.
type Info struct {
	PeerID               string `json:"peerId"`
	State                State  `json:"state"`
	HasRemoteDescription bool   `json:"hasRemoteDescription"`
	PendingCandidates    int    `json:"pendingCandidates"`
	DroppedCandidates    int    `json:"droppedCandidates"`
	LocalTrack           string `json:"localTrack,omitempty"`
	RemoteTrack          string `json:"remoteTrack,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		PeerID:               s.peerID,
		State:                s.state,
		HasRemoteDescription: s.hasRemoteDescription,
		PendingCandidates:    len(s.pending),
		DroppedCandidates:    s.droppedCandidates,
	}
	if s.localTrack != nil {
		info.LocalTrack = s.localTrack.ID()
	}
	if s.remoteTrack != nil {
		info.RemoteTrack = s.remoteTrack.ID()
	}
	return info
}
