// Package engine turns decoded signaling messages into sequenced peer
// connection negotiation.
//
// Every remote peer gets a worker goroutine with an unbounded FIFO mailbox.
// All work for one peer (inbound messages, local calls, callbacks from the
// peer connection, teardown) runs on that worker in arrival order, so one
// peer's state machine never races with itself while different peers make
// progress independently. Tearing a session down cancels the worker's
// context; in-flight negotiation notices after its next primitive call and
// discards its result. A worker started for the same peer afterwards waits
// for its predecessor to exit before it runs anything.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/peer-signaling/internal/events"
	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/peer"
	"github.com/mossy-p/peer-signaling/internal/queue"
	"github.com/mossy-p/peer-signaling/internal/session"
)

// ConnectionFactory creates the peer connection primitive for a remote peer.
type ConnectionFactory interface {
	NewConnection(peerID string) (peer.Connection, error)
}

// Options configures an Engine.
type Options struct {
	// LocalID is this client's identity in the room.
	LocalID string
	// VideoSource is advertised in generated offers and answers.
	VideoSource string
	Factory     ConnectionFactory
	Bus         *events.Bus
	Logger      *slog.Logger
	// MaxPendingCandidates caps the per-session buffer of early remote
	// candidates, dropping the oldest. Zero means unbounded.
	MaxPendingCandidates int
}

// Engine is the signaling state machine for all remote peers.
type Engine struct {
	localID     string
	videoSource string
	factory     ConnectionFactory
	bus         *events.Bus
	logger      *slog.Logger
	table       *session.Table
	maxPending  int

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup

	// retiring is the most recently torn down worker per peer, until it exits.
	retiring map[string]*worker
	// early holds candidates from peers that have no session yet.
	early map[string][]models.IceCandidate
	// hungUp peers had their session closed. Their candidates are dropped
	// until a new session starts.
	hungUp map[string]struct{}
}

type task struct {
	run func(ctx context.Context) error
	// final tasks run even after the worker's context is cancelled and
	// stop the worker afterwards.
	final bool
	done  chan error
}

type worker struct {
	peerID  string
	session *session.Session
	ctx     context.Context
	cancel  context.CancelFunc
	mailbox *queue.Queue[task]
	prev    *worker
	stopped chan struct{}

	// owned by the worker goroutine
	finished bool
}

// New creates an engine. It starts no goroutines until a peer appears.
func New(opts Options) (*Engine, error) {
	if opts.LocalID == "" {
		return nil, errors.New("engine: local id is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("engine: connection factory is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("engine: event bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		localID:     opts.LocalID,
		videoSource: opts.VideoSource,
		factory:     opts.Factory,
		bus:         opts.Bus,
		logger:      logger.With("local", opts.LocalID),
		table:       session.NewTable(opts.MaxPendingCandidates),
		maxPending:  opts.MaxPendingCandidates,
		workers:     make(map[string]*worker),
		retiring:    make(map[string]*worker),
		early:       make(map[string][]models.IceCandidate),
		hungUp:      make(map[string]struct{}),
	}, nil
}

// LocalID returns the identity the engine filters messages against.
func (e *Engine) LocalID() string { return e.localID }

// InitiateCall sends an offer to peerID. It is only valid while the peer's
// session is new.
func (e *Engine) InitiateCall(ctx context.Context, peerID string) error {
	if peerID == "" || peerID == e.localID {
		return fmt.Errorf("initiate call to %q: %w", peerID, ErrInvalidState)
	}
	done := make(chan error, 1)
	if err := e.submit(peerID, true, func(w *worker) task {
		return task{run: func(ctx context.Context) error { return e.initiateCall(ctx, w) }, done: done}
	}); err != nil {
		return err
	}
	return wait(ctx, done)
}

// HandleMessage processes one inbound message and waits for the result.
// Messages not addressed to this client, or sent by it, are ignored.
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) error {
	done := make(chan error, 1)
	queued, err := e.dispatch(msg, done)
	if err != nil || !queued {
		return err
	}
	return wait(ctx, done)
}

// Submit queues an inbound message without waiting. It reports whether the
// message was accepted for processing.
func (e *Engine) Submit(msg models.Message) bool {
	queued, err := e.dispatch(msg, nil)
	if err != nil {
		e.logger.Debug("inbound message not queued", "from", msg.From, "type", msg.Type, "error", err)
	}
	return queued
}

// CloseSession tears down the session for peerID once any in-flight work
// for that peer has settled. Closing an absent session only discards
// candidates buffered for the peer.
func (e *Engine) CloseSession(ctx context.Context, peerID string) error {
	e.mu.Lock()
	e.forgetLocked(peerID)
	w, ok := e.workers[peerID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.workers, peerID)
	e.retiring[peerID] = w
	e.table.DetachSession(w.session)
	e.mu.Unlock()

	w.cancel()
	done := make(chan error, 1)
	if !w.mailbox.Push(task{final: true, done: done, run: func(context.Context) error {
		e.finish(w)
		return nil
	}}) {
		// the worker already retired itself
		return nil
	}
	return wait(ctx, done)
}

// CloseAll tears down every session.
func (e *Engine) CloseAll(ctx context.Context) error {
	var errs []error
	for _, peerID := range e.peerIDs() {
		if err := e.CloseSession(ctx, peerID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close tears down every session and rejects further work.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.CloseAll(ctx)
	e.wg.Wait()
	return err
}

// Sessions returns a snapshot of all sessions ordered by peer id.
func (e *Engine) Sessions() []session.Info {
	all := e.table.All()
	infos := make([]session.Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	return infos
}

// Session returns a snapshot of one session.
func (e *Engine) Session(peerID string) (session.Info, bool) {
	s, ok := e.table.Get(peerID)
	if !ok {
		return session.Info{}, false
	}
	return s.Info(), true
}

// peerIDs lists peers with a session or buffered candidates.
func (e *Engine) peerIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.workers)+len(e.early))
	for id := range e.workers {
		ids = append(ids, id)
	}
	for id := range e.early {
		if _, ok := e.workers[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// forgetLocked drops peerID's early candidates and ignores its candidates
// until a new session starts.
func (e *Engine) forgetLocked(peerID string) {
	delete(e.early, peerID)
	e.hungUp[peerID] = struct{}{}
}

// accepts applies the self-loopback and recipient filters.
func (e *Engine) accepts(msg models.Message) bool {
	switch {
	case msg.From == "":
		return false
	case msg.From == e.localID:
		e.logger.Debug("dropping self-originated message", "type", msg.Type)
		return false
	case msg.To != e.localID:
		e.logger.Debug("dropping message for another recipient", "from", msg.From, "to", msg.To, "type", msg.Type)
		return false
	}
	return true
}

func (e *Engine) dispatch(msg models.Message, done chan error) (bool, error) {
	if !e.accepts(msg) {
		return false, nil
	}

	var (
		create bool
		run    func(ctx context.Context, w *worker) error
	)
	switch msg.Type {
	case models.SignalTypeOffer:
		create = true
		run = func(ctx context.Context, w *worker) error { return e.handleRemoteOffer(ctx, w, msg) }
	case models.SignalTypeAnswer:
		run = func(ctx context.Context, w *worker) error { return e.handleRemoteAnswer(ctx, w, msg) }
	case models.SignalTypeICE:
		if msg.Candidate == nil {
			return false, nil
		}
		return e.submitCandidate(msg.From, *msg.Candidate, done)
	default:
		return false, nil
	}

	err := e.submit(msg.From, create, func(w *worker) task {
		return task{run: func(ctx context.Context) error { return run(ctx, w) }, done: done}
	})
	if errors.Is(err, errNoSession) {
		e.logger.Debug("ignoring message without session", "from", msg.From, "type", msg.Type)
		return false, nil
	}
	return err == nil, err
}

var errNoSession = errors.New("no session")

// submitCandidate queues a remote candidate on the peer's worker. Peers
// without a session get no worker; their candidates wait in the early
// buffer until an offer or a local call creates one.
func (e *Engine) submitCandidate(peerID string, candidate models.IceCandidate, done chan error) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, ErrEngineClosed
	}
	if w, ok := e.workers[peerID]; ok {
		w.mailbox.Push(task{run: func(context.Context) error { return e.handleIceCandidate(w, candidate) }, done: done})
		e.mu.Unlock()
		return true, nil
	}
	if _, ok := e.hungUp[peerID]; ok {
		e.mu.Unlock()
		e.logger.Debug("dropping candidate for closed session", "peer", peerID)
		return false, nil
	}

	pending := e.early[peerID]
	var dropped *models.IceCandidate
	if e.maxPending > 0 && len(pending) >= e.maxPending {
		oldest := pending[0]
		dropped = &oldest
		pending = pending[1:]
	}
	e.early[peerID] = append(pending, candidate)
	e.mu.Unlock()

	if dropped != nil {
		e.rejectPending(peerID, dropped)
	}
	if done != nil {
		done <- nil
	}
	return true, nil
}

// submit queues the task built by build on peerID's worker, starting one if
// create is set.
func (e *Engine) submit(peerID string, create bool, build func(*worker) task) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	w, ok := e.workers[peerID]
	if !ok {
		if !create {
			return errNoSession
		}
		w = e.startWorker(peerID)
	}
	w.mailbox.Push(build(w))
	return nil
}

// startWorker must be called with e.mu held.
func (e *Engine) startWorker(peerID string) *worker {
	s, _ := e.table.GetOrCreate(peerID)
	for _, candidate := range e.early[peerID] {
		s.BufferCandidate(candidate)
	}
	delete(e.early, peerID)
	delete(e.hungUp, peerID)

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		peerID:  peerID,
		session: s,
		ctx:     ctx,
		cancel:  cancel,
		mailbox: queue.New[task](),
		prev:    e.retiring[peerID],
		stopped: make(chan struct{}),
	}
	e.workers[peerID] = w
	e.wg.Add(1)
	go e.runWorker(w)
	e.logger.Debug("session created", "peer", peerID)
	return w
}

func (e *Engine) runWorker(w *worker) {
	defer e.wg.Done()
	defer e.exited(w)
	if w.prev != nil {
		<-w.prev.stopped
	}
	for {
		t, ok := w.mailbox.Pop(context.Background())
		if !ok {
			return
		}

		var err error
		if !t.final && w.ctx.Err() != nil {
			err = ErrSessionClosed
		} else {
			err = t.run(w.ctx)
		}
		if t.done != nil {
			t.done <- err
		}

		if t.final || w.finished {
			w.mailbox.Close()
			e.drain(w)
			return
		}
	}
}

func (e *Engine) exited(w *worker) {
	e.mu.Lock()
	if e.retiring[w.peerID] == w {
		delete(e.retiring, w.peerID)
	}
	e.mu.Unlock()
	close(w.stopped)
}

// drain answers whatever was queued behind the worker's last task.
func (e *Engine) drain(w *worker) {
	for {
		t, ok := w.mailbox.Pop(context.Background())
		if !ok {
			return
		}
		if t.done == nil {
			continue
		}
		if t.final {
			t.done <- nil
		} else {
			t.done <- ErrSessionClosed
		}
	}
}

// enqueue queues work on a specific worker, dropping it if the worker has
// already stopped.
func (e *Engine) enqueue(w *worker, run func(ctx context.Context) error) {
	w.mailbox.Push(task{run: run})
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) initiateCall(ctx context.Context, w *worker) error {
	s := w.session
	if state := s.State(); state != session.StateNew {
		return fmt.Errorf("initiate call to %s in state %s: %w", w.peerID, state, ErrInvalidState)
	}

	conn, err := e.ensureConn(w)
	if err != nil {
		return e.fail(w, KindOfferCreationFailed, err)
	}
	offer, err := conn.CreateOffer()
	if ctx.Err() != nil {
		return ErrSessionClosed
	}
	if err != nil {
		return e.fail(w, KindOfferCreationFailed, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return e.fail(w, KindFailedToSetDescription, err)
	}
	if ctx.Err() != nil {
		return ErrSessionClosed
	}

	if err := e.transition(w, session.StateOffering); err != nil {
		return err
	}
	e.logger.Info("offer generated", "peer", w.peerID)
	e.bus.Publish(events.Event{
		Kind:        events.KindOfferGenerated,
		PeerID:      w.peerID,
		SDP:         offer.SDP,
		VideoSource: e.videoSource,
	})
	return nil
}

func (e *Engine) handleRemoteOffer(ctx context.Context, w *worker, msg models.Message) error {
	s := w.session
	switch state := s.State(); state {
	case session.StateNew:
	case session.StateOffering:
		// The later offer wins: drop our in-flight offer and its connection.
		e.logger.Info("remote offer overrides local offer", "peer", w.peerID)
		if previous := s.SetConn(nil); previous != nil {
			if err := previous.Close(); err != nil {
				e.logger.Warn("closing superseded connection failed", "peer", w.peerID, "error", err)
			}
		}
		s.ResetRemoteDescription()
	default:
		e.logger.Debug("ignoring offer", "peer", w.peerID, "state", state)
		return nil
	}

	conn, err := e.ensureConn(w)
	if err != nil {
		return e.fail(w, KindFailedToCreateAnswer, err)
	}
	if err := e.transition(w, session.StateAnswering); err != nil {
		return err
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	if err := conn.SetRemoteDescription(remote); err != nil {
		return e.fail(w, KindFailedToSetDescription, err)
	}
	if ctx.Err() != nil {
		return ErrSessionClosed
	}
	e.flushCandidates(w, conn)

	answer, err := conn.CreateAnswer()
	if ctx.Err() != nil {
		return ErrSessionClosed
	}
	if err != nil {
		return e.fail(w, KindFailedToCreateAnswer, err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return e.fail(w, KindFailedToSetDescription, err)
	}
	if ctx.Err() != nil {
		return ErrSessionClosed
	}

	if err := e.transition(w, session.StateConnected); err != nil {
		return err
	}
	e.logger.Info("answer generated", "peer", w.peerID, "remoteVideoSource", msg.VideoSource)
	e.bus.Publish(events.Event{
		Kind:        events.KindAnswerGenerated,
		PeerID:      msg.From,
		SDP:         answer.SDP,
		VideoSource: e.videoSource,
	})
	return nil
}

func (e *Engine) handleRemoteAnswer(ctx context.Context, w *worker, msg models.Message) error {
	s := w.session
	if state := s.State(); state != session.StateOffering {
		// retransmitted or stale
		e.logger.Debug("ignoring answer", "peer", w.peerID, "state", state)
		return nil
	}

	conn := s.Conn()
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	if err := conn.SetRemoteDescription(remote); err != nil {
		return e.fail(w, KindFailedToSetDescription, err)
	}
	if ctx.Err() != nil {
		return ErrSessionClosed
	}
	e.flushCandidates(w, conn)

	if err := e.transition(w, session.StateConnected); err != nil {
		return err
	}
	e.logger.Info("answer applied", "peer", w.peerID, "remoteVideoSource", msg.VideoSource)
	return nil
}

func (e *Engine) handleIceCandidate(w *worker, candidate models.IceCandidate) error {
	s := w.session
	if !s.HasRemoteDescription() {
		if dropped := s.BufferCandidate(candidate); dropped != nil {
			e.rejectPending(w.peerID, dropped)
		}
		return nil
	}
	e.applyCandidate(w, s.Conn(), candidate)
	return nil
}

func (e *Engine) rejectPending(peerID string, dropped *models.IceCandidate) {
	e.logger.Warn("pending candidate buffer full, dropped oldest", "peer", peerID)
	e.bus.Publish(events.Event{
		Kind:      events.KindCandidateRejected,
		PeerID:    peerID,
		Candidate: dropped,
		ErrorKind: string(KindFailedToAddCandidate),
		Err:       errors.New("pending candidate buffer full"),
	})
}

func (e *Engine) flushCandidates(w *worker, conn peer.Connection) {
	pending := w.session.MarkRemoteDescription()
	if len(pending) > 0 {
		e.logger.Debug("applying buffered candidates", "peer", w.peerID, "count", len(pending))
	}
	for _, candidate := range pending {
		e.applyCandidate(w, conn, candidate)
	}
}

// applyCandidate never fails the session; rejections are reported only.
func (e *Engine) applyCandidate(w *worker, conn peer.Connection, candidate models.IceCandidate) {
	if err := conn.AddICECandidate(toICEInit(candidate)); err != nil {
		nerr := &NegotiationError{Kind: KindFailedToAddCandidate, PeerID: w.peerID, Err: err}
		e.logger.Warn("candidate rejected", "peer", w.peerID, "error", err)
		c := candidate
		e.bus.Publish(events.Event{
			Kind:      events.KindCandidateRejected,
			PeerID:    w.peerID,
			Candidate: &c,
			ErrorKind: string(KindFailedToAddCandidate),
			Err:       nerr,
		})
	}
}

// ensureConn returns the session's connection, creating and wiring one if
// needed.
func (e *Engine) ensureConn(w *worker) (peer.Connection, error) {
	s := w.session
	if conn := s.Conn(); conn != nil {
		return conn, nil
	}
	conn, err := e.factory.NewConnection(w.peerID)
	if err != nil {
		return nil, err
	}

	conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		e.enqueue(w, func(context.Context) error {
			if s.Conn() != conn {
				return nil
			}
			c := fromICEInit(candidate)
			e.bus.Publish(events.Event{Kind: events.KindIceCandidateGenerated, PeerID: w.peerID, Candidate: &c})
			return nil
		})
	})
	conn.OnTrack(func(track peer.Track) {
		e.enqueue(w, func(context.Context) error {
			if s.Conn() == conn {
				e.trackAdded(w, track)
			}
			return nil
		})
	})
	conn.OnTrackRemoved(func(track peer.Track) {
		e.enqueue(w, func(context.Context) error {
			if s.Conn() == conn {
				e.trackRemoved(w, track)
			}
			return nil
		})
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debug("connection state", "peer", w.peerID, "state", state.String())
		if state != webrtc.PeerConnectionStateFailed {
			return
		}
		e.enqueue(w, func(context.Context) error {
			if s.Conn() != conn {
				return nil
			}
			return e.fail(w, KindConnectionFailed, errConnectionFailed)
		})
	})

	s.SetConn(conn)
	return conn, nil
}

func (e *Engine) trackAdded(w *worker, track peer.Track) {
	w.session.SetRemoteTrack(track)
	e.logger.Info("video track added", "peer", w.peerID, "track", track.ID())
	e.bus.Publish(events.Event{Kind: events.KindVideoTrackAdded, PeerID: w.peerID, Track: trackInfo(track)})
}

func (e *Engine) trackRemoved(w *worker, track peer.Track) {
	if current := w.session.RemoteTrack(); current != nil && track != nil && current.ID() == track.ID() {
		w.session.SetRemoteTrack(nil)
	}
	e.logger.Info("video track removed", "peer", w.peerID)
	e.bus.Publish(events.Event{Kind: events.KindVideoTrackRemoved, PeerID: w.peerID, Track: trackInfo(track)})
}

func (e *Engine) transition(w *worker, next session.State) error {
	if err := w.session.Transition(next); err != nil {
		e.logger.Error("state transition rejected", "peer", w.peerID, "error", err)
		return err
	}
	e.bus.Publish(events.Event{Kind: events.KindStateChanged, PeerID: w.peerID, State: string(next)})
	return nil
}

// fail marks the session failed, reports the error, and tears the session
// down. Other peers are unaffected.
func (e *Engine) fail(w *worker, kind ErrorKind, err error) error {
	nerr := &NegotiationError{Kind: kind, PeerID: w.peerID, Err: err}
	e.logger.Warn("negotiation failed", "peer", w.peerID, "kind", kind, "error", err)

	if w.session.Transition(session.StateFailed) == nil {
		e.bus.Publish(events.Event{Kind: events.KindStateChanged, PeerID: w.peerID, State: string(session.StateFailed)})
	}
	e.bus.Publish(events.Event{Kind: events.KindErrorOccurred, PeerID: w.peerID, ErrorKind: string(kind), Err: nerr})
	e.retire(w)
	return nerr
}

// retire removes w's session from the table and stops the worker after its
// current task. It runs on the worker goroutine.
func (e *Engine) retire(w *worker) {
	e.mu.Lock()
	if current, ok := e.workers[w.peerID]; ok && current == w {
		delete(e.workers, w.peerID)
		e.retiring[w.peerID] = w
		e.forgetLocked(w.peerID)
	}
	e.table.DetachSession(w.session)
	e.mu.Unlock()

	w.cancel()
	e.finish(w)
}

// finish releases the session and announces its closure once.
func (e *Engine) finish(w *worker) {
	if w.finished {
		return
	}
	w.finished = true
	if err := w.session.Release(); err != nil {
		e.logger.Warn("releasing session failed", "peer", w.peerID, "error", err)
	}
	e.logger.Info("session closed", "peer", w.peerID)
	e.bus.Publish(events.Event{Kind: events.KindStateChanged, PeerID: w.peerID, State: string(session.StateClosed)})
	e.bus.Publish(events.Event{Kind: events.KindSessionClosed, PeerID: w.peerID})
}

func toICEInit(c models.IceCandidate) webrtc.ICECandidateInit {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid}
	if c.SDPMLineIndex >= 0 && c.SDPMLineIndex <= 0xffff {
		index := uint16(c.SDPMLineIndex)
		init.SDPMLineIndex = &index
	}
	return init
}

func fromICEInit(init webrtc.ICECandidateInit) models.IceCandidate {
	c := models.IceCandidate{Candidate: init.Candidate, SDPMid: init.SDPMid}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = int(*init.SDPMLineIndex)
	}
	return c
}

func trackInfo(track peer.Track) *events.Track {
	if track == nil {
		return nil
	}
	return &events.Track{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind().String()}
}
