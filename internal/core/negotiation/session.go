package negotiation

import (
	"time"

	"huddle/internal/core/classifier"
	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/protocol"

	"github.com/pion/webrtc/v3"
)

// PeerSession is the negotiation state for one remote participant. It is
// only touched from the orchestrator loop.
type PeerSession struct {
	RemoteID      domain.ParticipantID
	ID            domain.SessionID
	RemoteSession domain.SessionID
	// Polite is fixed at creation from the two participant ids.
	Polite bool

	transport ports.PeerTransport
	// transportGen counts transports built for this session.
	transportGen int

	makingOffer        bool
	ignoreOffer        bool
	needsRenegotiation bool
	pendingRestart     bool

	senders    map[domain.TrackRole]ports.Sender
	candidates candidateBuffer
	classifier *classifier.Classifier

	// remote track bookkeeping
	streamAudio map[string]bool
	trackRoles  map[string]domain.TrackRole
	media       domain.RemoteMedia

	// lastOffer is the offer behind the pending local description.
	lastOffer   *protocol.Offer
	offerSentAt time.Time

	createdAt        time.Time
	lastNegotiation  time.Time
	negotiationTimer *time.Timer
	closed           bool
}

func newPeerSession(remote domain.ParticipantID, id domain.SessionID, polite bool, now time.Time) *PeerSession {
	return &PeerSession{
		RemoteID:    remote,
		ID:          id,
		Polite:      polite,
		senders:     make(map[domain.TrackRole]ports.Sender),
		classifier:  classifier.New(),
		streamAudio: make(map[string]bool),
		trackRoles:  make(map[string]domain.TrackRole),
		media:       domain.RemoteMedia{CameraEnabled: true},
		createdAt:   now,
	}
}

func (s *PeerSession) SignalingState() webrtc.SignalingState {
	if s.transport == nil {
		return webrtc.SignalingStateClosed
	}
	return s.transport.SignalingState()
}

func (s *PeerSession) ConnectionState() webrtc.PeerConnectionState {
	if s.transport == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return s.transport.ConnectionState()
}

func (s *PeerSession) MakingOffer() bool { return s.makingOffer }

func (s *PeerSession) IgnoreOffer() bool { return s.ignoreOffer }

func (s *PeerSession) Media() domain.RemoteMedia { return s.media }

func (s *PeerSession) stable() bool {
	return s.SignalingState() == webrtc.SignalingStateStable
}

func (s *PeerSession) cancelTimers() {
	if s.negotiationTimer != nil {
		s.negotiationTimer.Stop()
		s.negotiationTimer = nil
	}
}

// candidateBuffer queues remote candidates that arrive before a remote
// description exists. It is drained once per applied description.
type candidateBuffer struct {
	items []webrtc.ICECandidateInit
}

func (b *candidateBuffer) push(c webrtc.ICECandidateInit) {
	b.items = append(b.items, c)
}

// drain returns the queued candidates in arrival order and empties the buffer.
func (b *candidateBuffer) drain() []webrtc.ICECandidateInit {
	items := b.items
	b.items = nil
	return items
}

func (b *candidateBuffer) discard() int {
	n := len(b.items)
	b.items = nil
	return n
}

func (b *candidateBuffer) len() int { return len(b.items) }

// SessionInfo is a read-only view of a session for reporting.
type SessionInfo struct {
	RemoteID   domain.ParticipantID
	SessionID  domain.SessionID
	Polite     bool
	Signaling  webrtc.SignalingState
	Connection webrtc.PeerConnectionState
	Media      domain.RemoteMedia
	Recovery   string
}
