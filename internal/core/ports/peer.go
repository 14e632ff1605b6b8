package ports

import (
	"context"

	"huddle/internal/core/domain"
	"huddle/pkg/protocol"

	"github.com/pion/webrtc/v3"
)

// Signaler sends messages to the relay.
type Signaler interface {
	Send(msg protocol.Message) error
}

// CapturedTrack is a live local track produced by a capture device.
type CapturedTrack struct {
	Track webrtc.TrackLocal
	Label string
	Stop  func()
}

// Capturer opens local capture devices. Open may block (permission
// prompts, device start-up).
type Capturer interface {
	Open(ctx context.Context, role domain.TrackRole) (CapturedTrack, error)
}

// Renderer is notified about remote media and user-visible failures.
type Renderer interface {
	RemoteMediaUpdated(peerID domain.ParticipantID, media domain.RemoteMedia)
	PeerRemoved(peerID domain.ParticipantID)
	CaptureFailed(role domain.TrackRole, err error)
}
