package negotiation

import (
	"huddle/internal/core/domain"
	"huddle/pkg/protocol"
	"huddle/pkg/tracing"
)

func (o *Orchestrator) dispatch(msg protocol.Message) {
	_, span := tracing.TraceSignalMessage(o.ctx, string(msg.MessageType()), string(o.localID))
	defer span.End()

	switch m := msg.(type) {
	case *protocol.SetID:
		o.handleSetID(m)
	case *protocol.ExistingParticipants:
		for _, p := range m.Participants {
			o.handleJoined(domain.ParticipantID(p.ID), p.Username)
		}
	case *protocol.NewParticipant:
		o.handleJoined(domain.ParticipantID(m.ID), m.Username)
	case *protocol.ParticipantLeft:
		o.handleLeft(domain.ParticipantID(m.ID))
	case *protocol.Offer:
		o.handleOffer(m)
	case *protocol.Answer:
		o.handleAnswer(m)
	case *protocol.Candidate:
		o.handleCandidate(m)
	case *protocol.UpdateUsername:
		o.handleUsername(domain.ParticipantID(m.From), m.Username)
	case *protocol.VideoEnabled:
		o.handleVideoToggle(domain.ParticipantID(m.From), true)
	case *protocol.VideoDisabled:
		o.handleVideoToggle(domain.ParticipantID(m.From), false)
	case *protocol.ScreenStopped:
		o.handleScreenStopped(domain.ParticipantID(m.From))
	case *protocol.RoomUsers:
		o.handleRoomUsers(m)
	case *protocol.Error:
		o.logger.Warnw("relay reported error", "code", m.Code, "message", m.Message)
	default:
		o.logger.Debugw("ignoring message", "type", msg.MessageType())
	}
}

// handleSetID adopts the identity assigned by the relay. A different id
// than before means the relay did not resume us: every session was keyed
// to the old id, so all are dropped and the room is joined again.
func (o *Orchestrator) handleSetID(m *protocol.SetID) {
	id := domain.ParticipantID(m.ID)
	prev := o.localID
	o.localID = id

	if prev == "" || prev == id {
		o.logger.Infow("signaling identity set", "participant_id", id, "resumed", m.Resumed)
		return
	}

	o.logger.Infow("signaling identity changed", "previous_id", prev, "participant_id", id)
	o.teardownAll("identity changed", true)
	for _, t := range o.local.Ordered() {
		t.Track = withCarrier(t.Track, carrierFor(id, t.Role))
	}
	// a fresh identity starts with the relay's default name
	if o.username != "" {
		o.send(protocol.UpdateUsername{Username: o.username})
	}
	if o.roomID != "" {
		o.send(protocol.JoinRoom{RoomID: string(o.roomID)})
	}
}

func (o *Orchestrator) handleJoined(id domain.ParticipantID, username string) {
	if id == "" || id == o.localID {
		return
	}
	o.usernames[id] = username
	if s := o.ensureSession(id); s != nil && s.media.Username != username {
		s.media.Username = username
		o.notifyMedia(s)
	}
}

// handleRoomUsers refreshes names from a member list. A list of our own room
// that includes us is authoritative: listed members without a session get
// one and sessions for ids no longer listed are closed. After a resume this
// is the only news of who came and went while we were detached.
func (o *Orchestrator) handleRoomUsers(m *protocol.RoomUsers) {
	listed := make(map[domain.ParticipantID]string, len(m.Users))
	self := false
	for _, u := range m.Users {
		id := domain.ParticipantID(u.ID)
		if id == o.localID {
			self = true
			continue
		}
		listed[id] = u.Username
		o.usernames[id] = u.Username
	}
	if o.roomID == "" || domain.RoomID(m.RoomID) != o.roomID || !self {
		return
	}

	for id, s := range o.sessions {
		if _, ok := listed[id]; !ok {
			delete(o.usernames, id)
			o.teardown(s, "no longer in room", true)
		}
	}
	for id, name := range listed {
		o.handleJoined(id, name)
	}
}

func (o *Orchestrator) handleLeft(id domain.ParticipantID) {
	delete(o.usernames, id)
	if s, ok := o.sessions[id]; ok {
		o.teardown(s, "participant left", true)
	}
}

func (o *Orchestrator) handleUsername(from domain.ParticipantID, username string) {
	if from == "" {
		return
	}
	o.usernames[from] = username
	if s, ok := o.sessions[from]; ok {
		s.media.Username = username
		o.notifyMedia(s)
	}
}

func (o *Orchestrator) handleVideoToggle(from domain.ParticipantID, enabled bool) {
	s, ok := o.sessions[from]
	if !ok || s.media.CameraEnabled == enabled {
		return
	}
	s.media.CameraEnabled = enabled
	o.notifyMedia(s)
}

func (o *Orchestrator) handleScreenStopped(from domain.ParticipantID) {
	s, ok := o.sessions[from]
	if !ok || s.media.Screen == "" {
		return
	}
	o.removeRemoteTrack(s, s.media.Screen)
}
