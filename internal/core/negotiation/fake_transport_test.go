package negotiation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var errInvalidState = errors.New("invalid proposed signaling state transition")

type descOp string

const (
	opSetLocal  descOp = "SetLocal"
	opSetRemote descOp = "SetRemote"
)

// nextSignalingState allows the transitions pion's checkNextSignalingState
// allows. A local rollback is never one of them.
func nextSignalingState(cur webrtc.SignalingState, op descOp, typ webrtc.SDPType) (webrtc.SignalingState, error) {
	switch {
	case cur == webrtc.SignalingStateStable && op == opSetLocal && typ == webrtc.SDPTypeOffer,
		cur == webrtc.SignalingStateHaveLocalOffer && op == opSetLocal && typ == webrtc.SDPTypeOffer:
		return webrtc.SignalingStateHaveLocalOffer, nil
	case cur == webrtc.SignalingStateStable && op == opSetRemote && typ == webrtc.SDPTypeOffer,
		cur == webrtc.SignalingStateHaveRemoteOffer && op == opSetRemote && typ == webrtc.SDPTypeOffer:
		return webrtc.SignalingStateHaveRemoteOffer, nil
	case cur == webrtc.SignalingStateHaveLocalOffer && op == opSetRemote && typ == webrtc.SDPTypeAnswer,
		cur == webrtc.SignalingStateHaveRemoteOffer && op == opSetLocal && typ == webrtc.SDPTypeAnswer:
		return webrtc.SignalingStateStable, nil
	}
	return cur, fmt.Errorf("%w: %s->%s(%s)", errInvalidState, cur, op, typ)
}

type fakeSender struct {
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) Track() webrtc.TrackLocal { return s.track }

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.track = track
	s.replaced++
	return nil
}

type fakeRemoteTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeRemoteTrack) ID() string                { return t.id }
func (t fakeRemoteTrack) StreamID() string          { return t.stream }
func (t fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakeTransport models the signaling state machine of a peer connection and
// encodes its senders into the SDP so the other side sees OnTrack events.
type fakeTransport struct {
	peer   domain.ParticipantID
	events ports.TransportEvents

	signaling  webrtc.SignalingState
	connection webrtc.PeerConnectionState
	hasRemote  bool
	closed     bool

	senders      []*fakeSender
	remoteTracks map[string]bool
	added        []webrtc.ICECandidateInit

	offers         int
	iceRestarts    int
	acceptedOffers int
	candidateSeq   int

	// failRemote is returned once by the next SetRemoteDescription.
	failRemote error
	// negotiationNeeded mirrors the browser event on AddTrack/RemoveTrack.
	negotiationNeeded bool
}

func newFakeTransport(peer domain.ParticipantID, events ports.TransportEvents) *fakeTransport {
	return &fakeTransport{
		peer:              peer,
		events:            events,
		signaling:         webrtc.SignalingStateStable,
		connection:        webrtc.PeerConnectionStateNew,
		remoteTracks:      make(map[string]bool),
		negotiationNeeded: true,
	}
}

func (t *fakeTransport) sdp(kind string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\ns=%s\r\n", kind)
	for _, s := range t.senders {
		if s.track == nil {
			continue
		}
		fmt.Fprintf(&b, "a=track:%s %s %s\r\n", s.track.ID(), s.track.StreamID(), s.track.Kind())
	}
	return b.String()
}

func (t *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	if t.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	t.offers++
	if iceRestart {
		t.iceRestarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: t.sdp("offer")}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	if t.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: no remote offer", errInvalidState)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: t.sdp("answer")}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	next, err := nextSignalingState(t.signaling, opSetLocal, desc.Type)
	if err != nil {
		return err
	}
	t.signaling = next
	t.candidateSeq++
	if t.events.OnICECandidate != nil {
		t.events.OnICECandidate(webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.1 %d typ host", t.candidateSeq, 5000+t.candidateSeq),
		})
	}
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.failRemote; err != nil {
		t.failRemote = nil
		return err
	}
	next, err := nextSignalingState(t.signaling, opSetRemote, desc.Type)
	if err != nil {
		return err
	}
	t.signaling = next
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		t.acceptedOffers++
	case webrtc.SDPTypeAnswer:
		t.connection = webrtc.PeerConnectionStateConnected
	}
	t.hasRemote = true
	t.syncRemoteTracks(desc.SDP)
	return nil
}

func (t *fakeTransport) syncRemoteTracks(sdp string) {
	seen := make(map[string]bool)
	for _, line := range strings.Split(sdp, "\r\n") {
		if !strings.HasPrefix(line, "a=track:") {
			continue
		}
		f := strings.Fields(strings.TrimPrefix(line, "a=track:"))
		if len(f) != 3 {
			continue
		}
		seen[f[0]] = true
		if t.remoteTracks[f[0]] {
			continue
		}
		t.remoteTracks[f[0]] = true
		if t.events.OnTrack != nil {
			t.events.OnTrack(fakeRemoteTrack{id: f[0], stream: f[1], kind: webrtc.NewRTPCodecType(f[2])})
		}
	}
	for id := range t.remoteTracks {
		if !seen[id] {
			delete(t.remoteTracks, id)
			if t.events.OnTrackEnded != nil {
				t.events.OnTrackEnded(id)
			}
		}
	}
}

func (t *fakeTransport) HasRemoteDescription() bool { return t.hasRemote }

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	if !t.hasRemote {
		return errors.New("no remote description")
	}
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	s := &fakeSender{track: track}
	t.senders = append(t.senders, s)
	t.fireNegotiationNeeded()
	return s, nil
}

func (t *fakeTransport) RemoveTrack(sender ports.Sender) error {
	s, ok := sender.(*fakeSender)
	if !ok {
		return errors.New("foreign sender")
	}
	s.track = nil
	t.fireNegotiationNeeded()
	return nil
}

func (t *fakeTransport) fireNegotiationNeeded() {
	if t.negotiationNeeded && t.signaling == webrtc.SignalingStateStable && t.events.OnNegotiationNeeded != nil {
		t.events.OnNegotiationNeeded()
	}
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	if t.closed {
		return webrtc.SignalingStateClosed
	}
	return t.signaling
}

func (t *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	if t.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return t.connection
}

func (t *fakeTransport) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) sentTracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, s := range t.senders {
		if s.track != nil {
			out = append(out, s.track)
		}
	}
	return out
}

type fakeFactory struct {
	mu         sync.Mutex
	transports map[domain.ParticipantID][]*fakeTransport
	configure  func(*fakeTransport)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{transports: make(map[domain.ParticipantID][]*fakeTransport)}
}

func (f *fakeFactory) NewTransport(peer domain.ParticipantID, events ports.TransportEvents) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := newFakeTransport(peer, events)
	if f.configure != nil {
		f.configure(t)
	}
	f.transports[peer] = append(f.transports[peer], t)
	return t, nil
}

func (f *fakeFactory) latest(peer domain.ParticipantID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.transports[peer]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func (f *fakeFactory) count(peer domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports[peer])
}

// fakeLocalTrack is a minimal outbound track.
type fakeLocalTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t *fakeLocalTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeLocalTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeLocalTrack) ID() string                            { return t.id }
func (t *fakeLocalTrack) RID() string                           { return "" }
func (t *fakeLocalTrack) StreamID() string                      { return t.stream }
func (t *fakeLocalTrack) Kind() webrtc.RTPCodecType             { return t.kind }

func candidateInit(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}
