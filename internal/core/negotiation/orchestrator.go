// Package negotiation keeps one WebRTC session per remote participant and
// drives it with perfect negotiation. All session state is owned by a single
// event loop; signaling messages, transport callbacks, capture results and
// health ticks are all serialized through it.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/recovery"
	"huddle/pkg/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStopped is returned by calls that need the event loop after it exited.
var ErrStopped = errors.New("orchestrator stopped")

const tombstoneTTL = 10 * time.Minute

type Config struct {
	// NegotiationDelay debounces bursts of renegotiation requests.
	NegotiationDelay    time.Duration
	HealthCheckInterval time.Duration
	// OfferTimeout is how long an offer may go unanswered before it is
	// sent again. Zero disables resending.
	OfferTimeout time.Duration
	Recovery     recovery.Config
}

func DefaultConfig() Config {
	return Config{
		NegotiationDelay:    100 * time.Millisecond,
		HealthCheckInterval: 2 * time.Second,
		OfferTimeout:        5 * time.Second,
		Recovery:            recovery.DefaultConfig(),
	}
}

type Deps struct {
	Signaler   ports.Signaler
	Transports ports.TransportFactory
	Capturer   ports.Capturer
	Renderer   ports.Renderer
	Clock      recovery.Clock
	Logger     *zap.SugaredLogger
}

type Orchestrator struct {
	cfg        Config
	signaler   ports.Signaler
	transports ports.TransportFactory
	capturer   ports.Capturer
	renderer   ports.Renderer
	clock      recovery.Clock
	monitor    *recovery.Monitor
	logger     *zap.SugaredLogger

	events chan func()
	done   chan struct{}
	ctx    context.Context

	// loop-owned state
	localID    domain.ParticipantID
	roomID     domain.RoomID
	username   string
	sessions   map[domain.ParticipantID]*PeerSession
	usernames  map[domain.ParticipantID]string
	tombstones map[domain.SessionID]time.Time
	local      *LocalTrackSet
	captureSeq map[domain.TrackRole]uint64
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = recovery.SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		cfg:        cfg,
		signaler:   deps.Signaler,
		transports: deps.Transports,
		capturer:   deps.Capturer,
		renderer:   deps.Renderer,
		clock:      deps.Clock,
		monitor:    recovery.NewMonitor(cfg.Recovery, deps.Clock),
		logger:     deps.Logger,
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		sessions:   make(map[domain.ParticipantID]*PeerSession),
		usernames:  make(map[domain.ParticipantID]string),
		tombstones: make(map[domain.SessionID]time.Time),
		local:      NewLocalTrackSet(),
		captureSeq: make(map[domain.TrackRole]uint64),
	}
	o.monitor.OnStateChange(func(peer domain.ParticipantID, from, to recovery.State) {
		o.logger.Debugw("recovery state changed", "peer_id", peer, "from", from, "to", to)
	})
	return o
}

// Run processes events until ctx is cancelled, then closes every session.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer close(o.done)

	interval := o.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.teardownAll("shutdown", false)
			o.stopLocalTracks()
			return ctx.Err()
		case fn := <-o.events:
			fn()
		case <-ticker.C:
			o.checkHealth()
		}
	}
}

// post hands fn to the event loop. It never blocks once the loop has exited.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.events <- fn:
	case <-o.done:
	}
}

// call runs fn on the loop and waits for it.
func (o *Orchestrator) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case o.events <- func() { fn(); close(finished) }:
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage queues an inbound signaling message.
func (o *Orchestrator) HandleMessage(msg protocol.Message) {
	o.post(func() { o.dispatch(msg) })
}

func (o *Orchestrator) JoinRoom(roomID domain.RoomID) {
	o.post(func() {
		if o.roomID != "" && o.roomID != roomID {
			o.teardownAll("room changed", true)
		}
		o.roomID = roomID
		o.send(protocol.JoinRoom{RoomID: string(roomID)})
	})
}

func (o *Orchestrator) LeaveRoom() {
	o.post(func() {
		if o.roomID == "" {
			return
		}
		o.send(protocol.LeaveRoom{RoomID: string(o.roomID)})
		o.teardownAll("left room", true)
		o.roomID = ""
	})
}

func (o *Orchestrator) SetUsername(name string) {
	o.post(func() {
		o.username = name
		o.send(protocol.UpdateUsername{Username: name})
	})
}

// Sessions returns a snapshot of every live session.
func (o *Orchestrator) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := o.call(ctx, func() {
		for _, s := range o.sessions {
			out = append(out, SessionInfo{
				RemoteID:   s.RemoteID,
				SessionID:  s.ID,
				Polite:     s.Polite,
				Signaling:  s.SignalingState(),
				Connection: s.ConnectionState(),
				Media:      s.media,
				Recovery:   o.monitor.State(s.RemoteID).String(),
			})
		}
	})
	return out, err
}

func (o *Orchestrator) send(msg protocol.Message) {
	if o.signaler == nil {
		return
	}
	if err := o.signaler.Send(msg); err != nil {
		o.logger.Warnw("failed to send signaling message", "type", msg.MessageType(), "error", err)
	}
}

func (o *Orchestrator) newSessionID() domain.SessionID {
	return domain.SessionID(uuid.NewString())
}

// createSession builds the session and its transport and attaches every
// live local track in attach order.
func (o *Orchestrator) createSession(remote domain.ParticipantID) (*PeerSession, error) {
	polite, err := domain.PoliteFor(o.localID, remote)
	if err != nil {
		return nil, err
	}

	s := newPeerSession(remote, o.newSessionID(), polite, o.clock.Now())
	s.media.Username = o.usernames[remote]

	transport, err := o.transports.NewTransport(remote, o.transportEvents(s))
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", remote, err)
	}
	s.transport = transport
	o.sessions[remote] = s

	for _, t := range o.local.Ordered() {
		o.attachTrack(s, t)
	}

	o.logger.Infow("peer session created",
		"peer_id", remote,
		"session_id", s.ID,
		"polite", polite,
	)
	return s, nil
}

// replaceTransport swaps a fresh transport in under the same session id and
// drops the pending local offer with the old one. The remote must not have
// applied any description from the old transport.
func (o *Orchestrator) replaceTransport(s *PeerSession) error {
	transport, err := o.transports.NewTransport(s.RemoteID, o.transportEvents(s))
	if err != nil {
		return fmt.Errorf("create transport for %s: %w", s.RemoteID, err)
	}
	old := s.transport
	s.transport = transport
	s.senders = make(map[domain.TrackRole]ports.Sender)
	s.makingOffer = false
	s.pendingRestart = false
	if err := old.Close(); err != nil {
		o.logger.Debugw("transport close failed", "peer_id", s.RemoteID, "error", err)
	}

	for _, t := range o.local.Ordered() {
		o.attachTrack(s, t)
	}
	o.logger.Debugw("peer transport replaced", "peer_id", s.RemoteID, "session_id", s.ID)
	return nil
}

// ensureSession returns the live session for remote, creating it if needed.
// A newly created impolite session sends the initial offer.
func (o *Orchestrator) ensureSession(remote domain.ParticipantID) *PeerSession {
	if s, ok := o.sessions[remote]; ok {
		return s
	}
	s, err := o.createSession(remote)
	if err != nil {
		o.logger.Warnw("cannot create peer session", "peer_id", remote, "error", err)
		return nil
	}
	if !s.Polite {
		o.negotiate(s, false)
	}
	return s
}

// teardown closes the session. The remote session id is tombstoned so late
// messages from it are not mistaken for a new session.
func (o *Orchestrator) teardown(s *PeerSession, reason string, notify bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.cancelTimers()
	if s.RemoteSession != "" {
		o.tombstones[s.RemoteSession] = o.clock.Now()
	}
	if dropped := s.candidates.discard(); dropped > 0 {
		o.logger.Debugw("discarded buffered candidates", "peer_id", s.RemoteID, "count", dropped)
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			o.logger.Debugw("transport close failed", "peer_id", s.RemoteID, "error", err)
		}
	}
	if cur, ok := o.sessions[s.RemoteID]; ok && cur == s {
		delete(o.sessions, s.RemoteID)
	}
	o.monitor.Forget(s.RemoteID)

	o.logger.Infow("peer session closed",
		"peer_id", s.RemoteID,
		"session_id", s.ID,
		"reason", reason,
	)
	if notify && o.renderer != nil {
		o.renderer.PeerRemoved(s.RemoteID)
	}
}

func (o *Orchestrator) teardownAll(reason string, notify bool) {
	for _, s := range o.sessions {
		o.teardown(s, reason, notify)
	}
}

// recreate replaces the session with a fresh one and offers from it,
// regardless of role, so the remote learns about the new session id.
func (o *Orchestrator) recreate(s *PeerSession, reason string) *PeerSession {
	remote := s.RemoteID
	o.teardown(s, reason, true)

	fresh, err := o.createSession(remote)
	if err != nil {
		o.logger.Warnw("cannot recreate peer session", "peer_id", remote, "error", err)
		return nil
	}
	o.negotiate(fresh, false)
	return fresh
}

func (o *Orchestrator) tombstoned(id domain.SessionID) bool {
	if id == "" {
		return false
	}
	_, ok := o.tombstones[id]
	return ok
}

func (o *Orchestrator) pruneTombstones() {
	now := o.clock.Now()
	for id, at := range o.tombstones {
		if now.Sub(at) > tombstoneTTL {
			delete(o.tombstones, id)
		}
	}
}

func (o *Orchestrator) notifyMedia(s *PeerSession) {
	if o.renderer != nil {
		o.renderer.RemoteMediaUpdated(s.RemoteID, s.media)
	}
}

func (o *Orchestrator) stopLocalTracks() {
	for _, t := range o.local.Ordered() {
		o.local.remove(t.Role)
		if t.stop != nil {
			t.stop()
		}
	}
}

// drain runs queued events on the calling goroutine. Used by tests that do
// not start Run.
func (o *Orchestrator) drain() int {
	n := 0
	for {
		select {
		case fn := <-o.events:
			fn()
			n++
		default:
			return n
		}
	}
}
