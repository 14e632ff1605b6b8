package ports

import (
	"huddle/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Sender is an attached outbound track. *webrtc.RTPSender satisfies it.
type Sender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
}

// RemoteTrack is an inbound track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerTransport is the media transport of one peer session. Methods are
// called from a single goroutine.
type PeerTransport interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	Close() error
}

// TransportEvents are invoked from transport goroutines; receivers must
// hand them over to their own event loop.
type TransportEvents struct {
	OnICECandidate          func(candidate webrtc.ICECandidateInit)
	OnTrack                 func(track RemoteTrack)
	OnTrackEnded            func(trackID string)
	OnNegotiationNeeded     func()
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

type TransportFactory interface {
	NewTransport(peerID domain.ParticipantID, events TransportEvents) (PeerTransport, error)
}
