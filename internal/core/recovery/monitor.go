// Package recovery decides how to repair peer sessions that failed to
// connect or degraded later. It holds no timers of its own: the owner calls
// Evaluate on every health tick.
package recovery

import (
	"time"

	"huddle/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// State of a per-peer retry tracker.
type State int

const (
	StateIdle       State = iota // healthy or never repaired
	StateThrottled               // waiting out the minimum delay between attempts
	StateRestarting              // an attempt was issued and has not succeeded yet
	StateRecreating              // attempts exhausted, session rebuild requested
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThrottled:
		return "throttled"
	case StateRestarting:
		return "restarting"
	case StateRecreating:
		return "recreating"
	default:
		return "unknown"
	}
}

type Action int

const (
	ActionNone Action = iota
	ActionRenegotiate
	ActionICERestart
	ActionRecreate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRenegotiate:
		return "renegotiate"
	case ActionICERestart:
		return "ice-restart"
	case ActionRecreate:
		return "recreate"
	default:
		return "unknown"
	}
}

type Config struct {
	Throttle        time.Duration // minimum delay between two attempts for one peer
	DisconnectGrace time.Duration // how long "disconnected" may last before an ICE restart
	MaxAttempts     int           // consecutive attempts before the session is recreated
}

func DefaultConfig() Config {
	return Config{
		Throttle:        5 * time.Second,
		DisconnectGrace: 3 * time.Second,
		MaxAttempts:     5,
	}
}

// Health is a snapshot of one peer session.
type Health struct {
	PeerID      domain.ParticipantID
	Connection  webrtc.PeerConnectionState
	Signaling   webrtc.SignalingState
	MakingOffer bool
}

type Decision struct {
	PeerID  domain.ParticipantID
	Action  Action
	Attempt int
}

type tracker struct {
	state             State
	attempts          int
	firstSeen         time.Time
	lastAttempt       time.Time
	disconnectedSince time.Time
}

type Monitor struct {
	cfg      Config
	clock    Clock
	trackers map[domain.ParticipantID]*tracker

	onStateChange func(peer domain.ParticipantID, from, to State)
}

func NewMonitor(cfg Config, clock Clock) *Monitor {
	if clock == nil {
		clock = SystemClock()
	}
	return &Monitor{
		cfg:      cfg,
		clock:    clock,
		trackers: make(map[domain.ParticipantID]*tracker),
	}
}

// OnStateChange sets a callback invoked on every tracker transition.
func (m *Monitor) OnStateChange(fn func(peer domain.ParticipantID, from, to State)) {
	m.onStateChange = fn
}

// State returns the tracker state for a peer.
func (m *Monitor) State(peer domain.ParticipantID) State {
	if t, ok := m.trackers[peer]; ok {
		return t.state
	}
	return StateIdle
}

// Attempts returns the number of consecutive attempts issued for a peer.
func (m *Monitor) Attempts(peer domain.ParticipantID) int {
	if t, ok := m.trackers[peer]; ok {
		return t.attempts
	}
	return 0
}

// Forget drops the tracker of a torn down peer.
func (m *Monitor) Forget(peer domain.ParticipantID) {
	delete(m.trackers, peer)
}

// Evaluate inspects the given sessions and returns the repairs to perform.
// Peers absent from the snapshot are forgotten.
func (m *Monitor) Evaluate(snapshot []Health) []Decision {
	now := m.clock.Now()
	seen := make(map[domain.ParticipantID]struct{}, len(snapshot))

	var decisions []Decision
	for _, h := range snapshot {
		seen[h.PeerID] = struct{}{}
		if d := m.evaluate(now, h); d.Action != ActionNone {
			decisions = append(decisions, d)
		}
	}

	for peer := range m.trackers {
		if _, ok := seen[peer]; !ok {
			delete(m.trackers, peer)
		}
	}
	return decisions
}

func (m *Monitor) evaluate(now time.Time, h Health) Decision {
	t, ok := m.trackers[h.PeerID]
	if !ok {
		t = &tracker{firstSeen: now}
		m.trackers[h.PeerID] = t
	}
	none := Decision{PeerID: h.PeerID}

	switch h.Connection {
	case webrtc.PeerConnectionStateConnected:
		t.attempts = 0
		t.lastAttempt = time.Time{}
		t.disconnectedSince = time.Time{}
		m.transition(h.PeerID, t, StateIdle)
		return none
	case webrtc.PeerConnectionStateConnecting:
		t.disconnectedSince = time.Time{}
		return none
	case webrtc.PeerConnectionStateDisconnected:
		if t.disconnectedSince.IsZero() {
			t.disconnectedSince = now
		}
	default:
		t.disconnectedSince = time.Time{}
	}

	if h.Signaling != webrtc.SignalingStateStable || h.MakingOffer {
		return none
	}

	var action Action
	switch h.Connection {
	case webrtc.PeerConnectionStateFailed:
		action = ActionICERestart
	case webrtc.PeerConnectionStateDisconnected:
		if now.Sub(t.disconnectedSince) < m.cfg.DisconnectGrace {
			return none
		}
		action = ActionICERestart
	case webrtc.PeerConnectionStateClosed:
		action = ActionRecreate
	default:
		// new: give the initial negotiation one throttle interval to finish
		if now.Sub(t.firstSeen) < m.cfg.Throttle {
			return none
		}
		action = ActionRenegotiate
	}

	if !t.lastAttempt.IsZero() && now.Sub(t.lastAttempt) < m.cfg.Throttle {
		m.transition(h.PeerID, t, StateThrottled)
		return none
	}

	if action == ActionRecreate || t.attempts >= m.cfg.MaxAttempts {
		m.transition(h.PeerID, t, StateRecreating)
		attempt := t.attempts + 1
		t.attempts = 0
		t.firstSeen = now
		t.lastAttempt = now
		t.disconnectedSince = time.Time{}
		return Decision{PeerID: h.PeerID, Action: ActionRecreate, Attempt: attempt}
	}

	t.attempts++
	t.lastAttempt = now
	m.transition(h.PeerID, t, StateRestarting)
	return Decision{PeerID: h.PeerID, Action: action, Attempt: t.attempts}
}

func (m *Monitor) transition(peer domain.ParticipantID, t *tracker, to State) {
	if t.state == to {
		return
	}
	from := t.state
	t.state = to
	if m.onStateChange != nil {
		m.onStateChange(peer, from, to)
	}
}
