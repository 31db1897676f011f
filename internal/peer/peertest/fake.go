// Package peertest provides an in-process peer.Connection for tests. It
// records every negotiation call and lets tests trigger the callbacks pion
// would normally fire.
package peertest

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/peer-signaling/internal/peer"
)

// Compile-time interface check.
var _ peer.Connection = (*Connection)(nil)

// Track is a static peer.Track.
type Track struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func NewTrack(id, streamID string) *Track {
	return &Track{id: id, streamID: streamID, kind: webrtc.RTPCodecTypeVideo}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) StreamID() string          { return t.streamID }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Connection is a scripted peer.Connection. Error fields must be set before
// the connection is handed to the code under test, normally through
// Factory.Configure.
type Connection struct {
	PeerID string

	OfferErr     error
	AnswerErr    error
	SetLocalErr  error
	SetRemoteErr error
	// RejectCandidate, when set, decides per candidate whether
	// AddICECandidate fails.
	RejectCandidate func(webrtc.ICECandidateInit) error
	// AnswerGate, when set, makes CreateAnswer wait until it is closed.
	AnswerGate chan struct{}

	local peer.Track

	mu             sync.Mutex
	offers         int
	localDesc      *webrtc.SessionDescription
	remoteDesc     *webrtc.SessionDescription
	candidates     []webrtc.ICECandidateInit
	closed         bool
	onCandidate    func(webrtc.ICECandidateInit)
	onTrack        func(peer.Track)
	onTrackRemoved func(peer.Track)
	onState        func(webrtc.PeerConnectionState)
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if c.OfferErr != nil {
		return webrtc.SessionDescription{}, c.OfferErr
	}
	c.mu.Lock()
	c.offers++
	n := c.offers
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-for-%s-%d", c.PeerID, n)}, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	if c.AnswerGate != nil {
		<-c.AnswerGate
	}
	if c.AnswerErr != nil {
		return webrtc.SessionDescription{}, c.AnswerErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + c.PeerID}, nil
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	if c.SetLocalErr != nil {
		return c.SetLocalErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDesc = &desc
	return nil
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if c.SetRemoteErr != nil {
		return c.SetRemoteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDesc = &desc
	return nil
}

func (c *Connection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if c.RejectCandidate != nil {
		if err := c.RejectCandidate(candidate); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return fmt.Errorf("candidate %q applied before remote description", candidate.Candidate)
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Connection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = f
}

func (c *Connection) OnTrack(f func(peer.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *Connection) OnTrackRemoved(f func(peer.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrackRemoved = f
}

func (c *Connection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

func (c *Connection) LocalTrack() peer.Track { return c.local }

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// LocalDescription returns the last local description set, or nil.
func (c *Connection) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localDesc
}

// RemoteDescription returns the last remote description set, or nil.
func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

// Candidates returns the applied remote candidates in application order.
func (c *Connection) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// GenerateCandidate fires the local ICE candidate callback.
func (c *Connection) GenerateCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(candidate)
	}
}

// AddRemoteTrack fires the track-added callback.
func (c *Connection) AddRemoteTrack(track peer.Track) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(track)
	}
}

// RemoveRemoteTrack fires the track-removed callback.
func (c *Connection) RemoveRemoteTrack(track peer.Track) {
	c.mu.Lock()
	f := c.onTrackRemoved
	c.mu.Unlock()
	if f != nil {
		f(track)
	}
}

// SetConnectionState fires the connection state callback.
func (c *Connection) SetConnectionState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onState
	c.mu.Unlock()
	if f != nil {
		f(state)
	}
}

// Factory creates Connections and remembers them per peer.
type Factory struct {
	// Configure runs on every new connection before it is returned.
	Configure func(*Connection)
	// Err, when set, fails every NewConnection call.
	Err error
	// VideoSource, when set, gives every connection a local track.
	VideoSource string

	mu    sync.Mutex
	conns map[string][]*Connection
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[string][]*Connection)}
}

func (f *Factory) NewConnection(peerID string) (peer.Connection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	conn := &Connection{PeerID: peerID}
	if f.VideoSource != "" {
		conn.local = NewTrack("local-video", f.VideoSource)
	}
	if f.Configure != nil {
		f.Configure(conn)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[peerID] = append(f.conns[peerID], conn)
	return conn, nil
}

// Connections returns every connection created for peerID, oldest first.
func (f *Factory) Connections(peerID string) []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connection(nil), f.conns[peerID]...)
}

// Last returns the newest connection for peerID, or nil.
func (f *Factory) Last(peerID string) *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[peerID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}
