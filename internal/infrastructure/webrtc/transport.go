package webrtc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// transport implements ports.PeerTransport over a pion PeerConnection.
type transport struct {
	peerID  domain.ParticipantID
	pc      *webrtc.PeerConnection
	events  ports.TransportEvents
	monitor *TrackMonitor
	logger  *zap.SugaredLogger
}

func (t *transport) bind() {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || t.events.OnICECandidate == nil {
			return
		}
		t.events.OnICECandidate(c.ToJSON())
	})

	t.pc.OnNegotiationNeeded(func() {
		if t.events.OnNegotiationNeeded != nil {
			t.events.OnNegotiationNeeded()
		}
	})

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if t.events.OnConnectionStateChange != nil {
			t.events.OnConnectionStateChange(state)
		}
	})

	t.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debugw("ice connection state changed", "ice_state", state.String())
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.logger.Infow("remote track started",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		if t.events.OnTrack != nil {
			t.events.OnTrack(track)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t.requestKeyframe(track)
		}
		go t.readTrack(track)
	})
}

// readTrack consumes the track's RTP until it ends. pion only runs the
// receive interceptors for packets that are read.
func (t *transport) readTrack(track *webrtc.TrackRemote) {
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	mime := track.Codec().MimeType
	defer func() {
		if t.monitor != nil {
			t.monitor.Forget(t.peerID, track.ID())
		}
		if t.events.OnTrackEnded != nil {
			t.events.OnTrackEnded(track.ID())
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debugw("remote track read failed", "track_id", track.ID(), "error", err)
			}
			return
		}
		if t.monitor != nil {
			t.monitor.Observe(t.peerID, track.ID(), video, mime, pkt)
		}
	}
}

func (t *transport) requestKeyframe(track *webrtc.TrackRemote) {
	err := t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		t.logger.Debugw("failed to request keyframe", "track_id", track.ID(), "error", err)
	}
}

func (t *transport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (t *transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return classify(t.pc.SetLocalDescription(desc))
}

func (t *transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return classify(t.pc.SetRemoteDescription(desc))
}

func (t *transport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *transport) AddTrack(track webrtc.TrackLocal) (ports.Sender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go t.readSenderRTCP(sender)
	return sender, nil
}

// readSenderRTCP drains RTCP for an outbound track so NACK and report
// interceptors keep working.
func (t *transport) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			if _, ok := p.(*rtcp.PictureLossIndication); ok && sender.Track() != nil {
				t.logger.Debugw("remote requested keyframe", "track_id", sender.Track().ID())
			}
		}
	}
}

func (t *transport) RemoveTrack(sender ports.Sender) error {
	s, ok := sender.(*webrtc.RTPSender)
	if !ok {
		return fmt.Errorf("unexpected sender type %T", sender)
	}
	return t.pc.RemoveTrack(s)
}

func (t *transport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *transport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *transport) ICEConnectionState() webrtc.ICEConnectionState {
	return t.pc.ICEConnectionState()
}

func (t *transport) Close() error {
	return t.pc.Close()
}

// classify maps description errors caused by reordered media sections to
// domain.ErrMLineOrderMismatch; such a session cannot be repaired in place.
// pion itself matches transceivers by mid and never reports one, so only
// browser-style wording reaches this.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "m-line") || strings.Contains(msg, "order of m=") ||
		(strings.Contains(msg, "mid") && strings.Contains(msg, "order")) {
		return fmt.Errorf("%w: %v", domain.ErrMLineOrderMismatch, err)
	}
	return err
}
