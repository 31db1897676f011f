// Package peer wraps pion/webrtc peer connections behind the small
// negotiation surface the signaling engine drives.
package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is the metadata view of a local or remote media track.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Connection is one negotiable peer connection. Callbacks registered with
// the On* methods run on pion's goroutines.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnTrack(f func(Track))
	OnTrackRemoved(f func(Track))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	LocalTrack() Track
	Close() error
}

// Compile-time interface check.
var _ Connection = (*WebRTCConnection)(nil)

const (
	MTU uint = 1400
)

// Config holds the configuration for creating connections.
type Config struct {
	// ICEServers is used verbatim. Empty means host candidates only.
	ICEServers []webrtc.ICEServer
	// VideoSource labels the outgoing video stream. When empty no local
	// video track is attached.
	VideoSource string
}

// API creates peer connections sharing one pion API instance.
type API struct {
	api    *webrtc.API
	config Config
	logger *slog.Logger
}

// NewAPI builds the shared pion API with default codecs registered and
// pion's internal logging routed to logger.
func NewAPI(config Config, logger *slog.Logger) (*API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	settings := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	settings.SetReceiveMTU(MTU)

	// A dedicated API keeps many PeerConnections in one process independent.
	api := webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings))
	return &API{api: api, config: config, logger: logger}, nil
}

// NewConnection creates a connection for the remote peer peerID.
func (a *API) NewConnection(peerID string) (Connection, error) {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection for %s: %w", peerID, err)
	}

	conn := &WebRTCConnection{
		peerConnection: pc,
		logger:         a.logger.With("peer", peerID),
	}

	if a.config.VideoSource != "" {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", a.config.VideoSource)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create local video track: %w", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local video track: %w", err)
		}
		conn.localTrack = track
	}

	pc.OnICECandidate(conn.handleICECandidate)
	pc.OnTrack(conn.handleTrack)
	pc.OnConnectionStateChange(conn.handleConnectionState)
	return conn, nil
}

// WebRTCConnection is a Connection backed by a pion PeerConnection.
type WebRTCConnection struct {
	peerConnection *webrtc.PeerConnection
	localTrack     *webrtc.TrackLocalStaticSample
	logger         *slog.Logger

	mu             sync.Mutex
	onCandidate    func(webrtc.ICECandidateInit)
	onTrack        func(Track)
	onTrackRemoved func(Track)
	onState        func(webrtc.PeerConnectionState)
	remoteTracks   []Track
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.peerConnection.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.peerConnection.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.peerConnection.SetLocalDescription(desc)
}

func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.peerConnection.SetRemoteDescription(desc)
}

func (c *WebRTCConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.peerConnection.AddICECandidate(candidate)
}

func (c *WebRTCConnection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = f
}

func (c *WebRTCConnection) OnTrack(f func(Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *WebRTCConnection) OnTrackRemoved(f func(Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrackRemoved = f
}

func (c *WebRTCConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

// LocalTrack returns the outgoing video track, or nil when none is attached.
func (c *WebRTCConnection) LocalTrack() Track {
	if c.localTrack == nil {
		return nil
	}
	return c.localTrack
}

// Close gracefully shuts down the WebRTC connection.
func (c *WebRTCConnection) Close() error {
	c.logger.Debug("closing peer connection")
	return c.peerConnection.Close()
}

func (c *WebRTCConnection) handleICECandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil {
		return
	}
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(candidate.ToJSON())
	}
}

func (c *WebRTCConnection) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.mu.Lock()
	c.remoteTracks = append(c.remoteTracks, remote)
	f := c.onTrack
	c.mu.Unlock()

	c.logger.Info("remote track added", "track", remote.ID(), "kind", remote.Kind().String())
	if f != nil {
		f(remote)
	}
}

func (c *WebRTCConnection) handleConnectionState(state webrtc.PeerConnectionState) {
	c.logger.Debug("peer connection state changed", "state", state.String())

	c.mu.Lock()
	var removed []Track
	if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
		removed = c.remoteTracks
		c.remoteTracks = nil
	}
	onRemoved := c.onTrackRemoved
	onState := c.onState
	c.mu.Unlock()

	if onRemoved != nil {
		for _, track := range removed {
			onRemoved(track)
		}
	}
	if onState != nil {
		onState(state)
	}
}
