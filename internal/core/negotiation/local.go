package negotiation

import (
	"huddle/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// LocalTrack is one live captured track.
type LocalTrack struct {
	Role  domain.TrackRole
	Track webrtc.TrackLocal
	Label string
	stop  func()
}

// LocalTrackSet holds at most one live track per role. Only the
// orchestrator mutates it; sessions read it while (re)negotiating.
type LocalTrackSet struct {
	tracks map[domain.TrackRole]*LocalTrack
}

func NewLocalTrackSet() *LocalTrackSet {
	return &LocalTrackSet{tracks: make(map[domain.TrackRole]*LocalTrack)}
}

func (s *LocalTrackSet) Get(role domain.TrackRole) *LocalTrack {
	return s.tracks[role]
}

func (s *LocalTrackSet) set(t *LocalTrack) (prev *LocalTrack) {
	prev = s.tracks[t.Role]
	s.tracks[t.Role] = t
	return prev
}

func (s *LocalTrackSet) remove(role domain.TrackRole) *LocalTrack {
	t := s.tracks[role]
	delete(s.tracks, role)
	return t
}

// Ordered returns the live tracks in attach order: microphone, camera, screen.
func (s *LocalTrackSet) Ordered() []*LocalTrack {
	out := make([]*LocalTrack, 0, len(s.tracks))
	for _, role := range domain.AttachOrder {
		if t, ok := s.tracks[role]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Hints maps each live track id to its role, for the remote classifier.
func (s *LocalTrackSet) Hints() map[string]string {
	if len(s.tracks) == 0 {
		return nil
	}
	hints := make(map[string]string, len(s.tracks))
	for role, t := range s.tracks {
		hints[t.Track.ID()] = string(role)
	}
	return hints
}

// carrierTrack overrides the stream (media carrier) a track is sent in.
// Screen shares always travel in their own stream; microphone and camera
// share one.
type carrierTrack struct {
	webrtc.TrackLocal
	streamID string
}

func (t *carrierTrack) StreamID() string { return t.streamID }

func withCarrier(track webrtc.TrackLocal, streamID string) webrtc.TrackLocal {
	if c, ok := track.(*carrierTrack); ok {
		track = c.TrackLocal
	}
	if track.StreamID() == streamID {
		return track
	}
	return &carrierTrack{TrackLocal: track, streamID: streamID}
}

func carrierFor(local domain.ParticipantID, role domain.TrackRole) string {
	prefix := string(local)
	if prefix == "" {
		prefix = "local"
	}
	if role == domain.RoleScreen {
		return prefix + "-screen"
	}
	return prefix + "-media"
}
