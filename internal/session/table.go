package session

import (
	"sort"
	"sync"
)

// Table maps remote peer ids to their sessions.
type Table struct {
	maxPending int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTable creates an empty table. maxPending is passed to every session it
// creates.
func NewTable(maxPending int) *Table {
	return &Table{
		maxPending: maxPending,
		sessions:   make(map[string]*Session),
	}
}

// GetOrCreate returns the session for peerID, creating one in StateNew if
// absent. created reports whether a new session was made.
func (t *Table) GetOrCreate(peerID string) (s *Session, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[peerID]; ok {
		return s, false
	}
	s = New(peerID, t.maxPending)
	t.sessions[peerID] = s
	return s, true
}

func (t *Table) Get(peerID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[peerID]
	return s, ok
}

// Detach removes the session for peerID without releasing it and returns
// it, or nil if absent. The caller becomes responsible for Release.
func (t *Table) Detach(peerID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[peerID]
	if !ok {
		return nil
	}
	delete(t.sessions, peerID)
	return s
}

// DetachSession removes s only if it is still the table's entry for its
// peer. It reports whether it did.
func (t *Table) DetachSession(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.sessions[s.peerID]; ok && current == s {
		delete(t.sessions, s.peerID)
		return true
	}
	return false
}

// Remove detaches and releases the session for peerID. It is a no-op if the
// peer has no session.
func (t *Table) Remove(peerID string) error {
	s := t.Detach(peerID)
	if s == nil {
		return nil
	}
	return s.Release()
}

// All returns the sessions ordered by peer id.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].peerID < all[j].peerID })
	return all
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
