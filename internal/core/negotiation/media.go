package negotiation

import (
	"context"
	"errors"

	"huddle/internal/core/classifier"
	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/protocol"

	"github.com/pion/webrtc/v3"
)

var errNoCapturer = errors.New("no capture device configured")

// transportEvents binds transport callbacks to s and to the transport
// about to be created for it. Events from a transport that has since been
// closed or replaced are dropped on the loop.
func (o *Orchestrator) transportEvents(s *PeerSession) ports.TransportEvents {
	s.transportGen++
	gen := s.transportGen
	current := func() bool {
		return !s.closed && o.sessions[s.RemoteID] == s && s.transportGen == gen
	}
	return ports.TransportEvents{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			o.post(func() {
				if !current() {
					return
				}
				o.send(protocol.Candidate{
					Routing: protocol.Routing{To: string(s.RemoteID)},
					Session: string(s.ID),
					Payload: c,
				})
			})
		},
		OnTrack: func(track ports.RemoteTrack) {
			o.post(func() {
				if current() {
					o.addRemoteTrack(s, track)
				}
			})
		},
		OnTrackEnded: func(trackID string) {
			o.post(func() {
				if current() {
					o.removeRemoteTrack(s, trackID)
				}
			})
		},
		OnNegotiationNeeded: func() {
			o.post(func() {
				if current() {
					o.requestNegotiation(s, triggerTransport)
				}
			})
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			o.post(func() {
				if current() {
					o.logger.Infow("peer connection state changed", "peer_id", s.RemoteID, "state", state.String())
				}
			})
		},
	}
}

func (o *Orchestrator) addRemoteTrack(s *PeerSession, track ports.RemoteTrack) {
	audio := track.Kind() == webrtc.RTPCodecTypeAudio
	if audio {
		s.streamAudio[track.StreamID()] = true
	}

	role, reason := s.classifier.Classify(classifier.Observation{
		TrackID:      track.ID(),
		StreamID:     track.StreamID(),
		Audio:        audio,
		SiblingAudio: s.streamAudio[track.StreamID()],
	})
	s.trackRoles[track.ID()] = role

	switch role {
	case domain.RoleMicrophone:
		s.media.Audio = track.ID()
	case domain.RoleCamera:
		s.media.Camera = track.ID()
	case domain.RoleScreen:
		s.media.Screen = track.ID()
	}

	o.logger.Infow("remote track classified",
		"peer_id", s.RemoteID,
		"track_id", track.ID(),
		"role", role,
		"reason", reason,
	)
	o.notifyMedia(s)
}

func (o *Orchestrator) removeRemoteTrack(s *PeerSession, trackID string) {
	role, ok := s.trackRoles[trackID]
	if !ok {
		return
	}
	delete(s.trackRoles, trackID)
	s.classifier.Forget(trackID)

	switch {
	case role == domain.RoleMicrophone && s.media.Audio == trackID:
		s.media.Audio = ""
	case role == domain.RoleCamera && s.media.Camera == trackID:
		s.media.Camera = ""
	case role == domain.RoleScreen && s.media.Screen == trackID:
		s.media.Screen = ""
	}
	o.notifyMedia(s)
}

// attachTrack puts t on the session's transport. A role that already has a
// sender gets the new track swapped in without renegotiation.
func (o *Orchestrator) attachTrack(s *PeerSession, t *LocalTrack) {
	if sender, ok := s.senders[t.Role]; ok {
		if sender.Track() == t.Track {
			return
		}
		if err := sender.ReplaceTrack(t.Track); err != nil {
			o.logger.Warnw("replace track failed", "peer_id", s.RemoteID, "role", t.Role, "error", err)
		}
		return
	}

	sender, err := s.transport.AddTrack(t.Track)
	if err != nil {
		o.logger.Warnw("add track failed", "peer_id", s.RemoteID, "role", t.Role, "error", err)
		return
	}
	s.senders[t.Role] = sender
}

func (o *Orchestrator) detachTrack(s *PeerSession, role domain.TrackRole) bool {
	sender, ok := s.senders[role]
	if !ok {
		return false
	}
	delete(s.senders, role)
	if err := s.transport.RemoveTrack(sender); err != nil {
		o.logger.Warnw("remove track failed", "peer_id", s.RemoteID, "role", role, "error", err)
	}
	return true
}

// StartCapture opens the device for role off the loop and publishes the
// result. A failure leaves the local track set as it was and is reported
// through the renderer.
func (o *Orchestrator) StartCapture(ctx context.Context, role domain.TrackRole) {
	o.post(func() {
		o.captureSeq[role]++
		seq := o.captureSeq[role]

		go func() {
			var (
				captured ports.CapturedTrack
				err      = errNoCapturer
			)
			if o.capturer != nil {
				captured, err = o.capturer.Open(ctx, role)
			}
			o.post(func() {
				if o.captureSeq[role] != seq {
					// superseded by a later start or stop
					if err == nil && captured.Stop != nil {
						captured.Stop()
					}
					return
				}
				if err != nil {
					appErr := apperrors.NewDeviceError(string(role), err)
					o.logger.Warnw("capture failed", "role", role, "error", appErr)
					if o.renderer != nil {
						o.renderer.CaptureFailed(role, appErr)
					}
					return
				}
				o.publish(role, captured)
			})
		}()
	})
}

// PublishTrack attaches an already captured track, deriving its role from
// the capture label.
func (o *Orchestrator) PublishTrack(captured ports.CapturedTrack) {
	o.post(func() {
		role, _ := classifier.New().Classify(classifier.Observation{
			TrackID:  captured.Track.ID(),
			StreamID: captured.Track.StreamID(),
			Audio:    captured.Track.Kind() == webrtc.RTPCodecTypeAudio,
			Label:    captured.Label,
		})
		o.captureSeq[role]++
		o.publish(role, captured)
	})
}

func (o *Orchestrator) publish(role domain.TrackRole, captured ports.CapturedTrack) {
	t := &LocalTrack{
		Role:  role,
		Track: withCarrier(captured.Track, carrierFor(o.localID, role)),
		Label: captured.Label,
		stop:  captured.Stop,
	}
	prev := o.local.set(t)

	for _, s := range o.sessions {
		_, replaced := s.senders[role]
		o.attachTrack(s, t)
		if !replaced {
			o.requestNegotiation(s, triggerLocalChange)
		}
	}
	if prev != nil && prev.stop != nil {
		prev.stop()
	}

	if role == domain.RoleCamera && o.roomID != "" {
		o.send(protocol.VideoEnabled{})
	}
	o.logger.Infow("local track published", "role", role, "track_id", t.Track.ID(), "label", t.Label)
}

// StopCapture removes the role's track from every session.
func (o *Orchestrator) StopCapture(role domain.TrackRole) {
	o.post(func() {
		o.captureSeq[role]++
		t := o.local.remove(role)
		if t == nil {
			return
		}
		for _, s := range o.sessions {
			if o.detachTrack(s, role) {
				o.requestNegotiation(s, triggerLocalChange)
			}
		}
		if t.stop != nil {
			t.stop()
		}

		if o.roomID != "" {
			switch role {
			case domain.RoleScreen:
				o.send(protocol.ScreenStopped{})
			case domain.RoleCamera:
				o.send(protocol.VideoDisabled{})
			}
		}
		o.logger.Infow("local track stopped", "role", role)
	})
}

// SetVideoEnabled tells the room whether the camera is shown without
// touching the negotiated tracks.
func (o *Orchestrator) SetVideoEnabled(enabled bool) {
	o.post(func() {
		if o.roomID == "" {
			return
		}
		if enabled {
			o.send(protocol.VideoEnabled{})
		} else {
			o.send(protocol.VideoDisabled{})
		}
	})
}
