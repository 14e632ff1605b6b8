package negotiation

import (
	"errors"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	apperrors "huddle/pkg/errors"
	"huddle/pkg/protocol"
	"huddle/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

type trigger int

const (
	// triggerLocalChange is a local track being added or removed.
	triggerLocalChange trigger = iota
	// triggerTransport is the transport asking for renegotiation.
	triggerTransport
)

// requestNegotiation applies the role rules: the impolite side offers on
// any change, the polite side waits for the remote offer unless its own
// transport asks for renegotiation.
func (o *Orchestrator) requestNegotiation(s *PeerSession, why trigger) {
	if s.closed {
		return
	}
	if s.Polite && why == triggerLocalChange {
		o.logger.Debugw("polite side waiting for remote offer", "peer_id", s.RemoteID)
		return
	}
	if o.cfg.NegotiationDelay <= 0 {
		o.negotiate(s, false)
		return
	}
	if s.negotiationTimer != nil {
		return
	}
	s.negotiationTimer = time.AfterFunc(o.cfg.NegotiationDelay, func() {
		o.post(func() {
			s.negotiationTimer = nil
			o.negotiate(s, false)
		})
	})
}

// negotiate creates and sends an offer if the session is stable and no
// offer is already in flight. Otherwise the request, ICE restart included,
// is remembered and replayed once the session is stable again.
func (o *Orchestrator) negotiate(s *PeerSession, iceRestart bool) {
	if s.closed {
		return
	}
	if s.makingOffer || !s.stable() {
		s.needsRenegotiation = true
		s.pendingRestart = s.pendingRestart || iceRestart
		return
	}
	iceRestart = iceRestart || s.pendingRestart
	s.pendingRestart = false

	_, span := tracing.TraceNegotiation(o.ctx, "offer", string(s.RemoteID), string(s.ID))
	defer span.End()

	s.makingOffer = true
	s.needsRenegotiation = false
	err := o.sendOffer(s, iceRestart)
	s.makingOffer = false

	if err != nil {
		if errors.Is(err, domain.ErrMLineOrderMismatch) {
			o.recreate(s, "m-line order mismatch")
			return
		}
		span.RecordError(err)
		o.logger.Warnw("offer failed", "peer_id", s.RemoteID, "error", apperrors.NewNegotiationError(string(s.RemoteID), err))
		return
	}
	s.lastNegotiation = o.clock.Now()
}

func (o *Orchestrator) sendOffer(s *PeerSession, iceRestart bool) error {
	offer, err := s.transport.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	msg := protocol.Offer{
		Routing:    protocol.Routing{To: string(s.RemoteID)},
		Session:    string(s.ID),
		Payload:    offer,
		Tracks:     o.local.Hints(),
		ICERestart: iceRestart,
	}
	o.send(msg)
	s.lastOffer = &msg
	s.offerSentAt = o.clock.Now()
	o.logger.Debugw("offer sent", "peer_id", s.RemoteID, "session_id", s.ID, "ice_restart", iceRestart)
	return nil
}

// resendOffer repeats an offer that has gone unanswered for too long. The
// relay drops messages for detached participants, so the first copy may
// never have arrived.
func (o *Orchestrator) resendOffer(s *PeerSession) {
	if o.cfg.OfferTimeout <= 0 || s.lastOffer == nil || s.closed {
		return
	}
	if s.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return
	}
	now := o.clock.Now()
	if now.Sub(s.offerSentAt) < o.cfg.OfferTimeout {
		return
	}
	o.send(*s.lastOffer)
	s.offerSentAt = now
	o.logger.Infow("offer unanswered, sending again", "peer_id", s.RemoteID, "session_id", s.ID)
}

func (o *Orchestrator) handleOffer(msg *protocol.Offer) {
	from := domain.ParticipantID(msg.From)
	remoteSession := domain.SessionID(msg.Session)

	if o.tombstoned(remoteSession) {
		o.logger.Debugw("dropping offer from closed session", "peer_id", from, "session_id", remoteSession)
		return
	}
	if from == o.localID || from == "" {
		return
	}

	s := o.sessions[from]
	if s != nil && remoteSession != "" && s.RemoteSession != "" && s.RemoteSession != remoteSession {
		o.teardown(s, "remote session replaced", true)
		s = nil
	}
	if s == nil {
		var err error
		if s, err = o.createSession(from); err != nil {
			o.logger.Warnw("cannot accept offer", "peer_id", from, "error", err)
			return
		}
	}

	_, span := tracing.TraceNegotiation(o.ctx, "answer", string(s.RemoteID), string(s.ID))
	defer span.End()

	if remoteSession != "" {
		s.RemoteSession = remoteSession
	}
	o.applyHints(s, msg.Tracks)

	collision := s.makingOffer || !s.stable()
	s.ignoreOffer = !s.Polite && collision
	if s.ignoreOffer {
		dropped := s.candidates.discard()
		o.logger.Infow("offer collision, keeping local offer",
			"peer_id", s.RemoteID,
			"dropped_candidates", dropped,
		)
		return
	}

	if collision {
		// pion cannot roll back a local offer. Once the remote holds a
		// description from this transport only a new session can replace it.
		if s.transport.HasRemoteDescription() {
			o.logger.Infow("offer collision, restarting session", "peer_id", s.RemoteID)
			o.recreate(s, "offer collision")
			return
		}
		if err := o.replaceTransport(s); err != nil {
			span.RecordError(err)
			o.logger.Warnw("cannot discard local offer", "peer_id", s.RemoteID, "error", err)
			return
		}
		// the local changes left with the discarded offer
		s.needsRenegotiation = true
		o.logger.Infow("offer collision, discarded local offer", "peer_id", s.RemoteID)
	}

	if err := o.acceptOffer(s, msg.Payload); err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrMLineOrderMismatch) {
			o.recreate(s, "m-line order mismatch")
			return
		}
		o.logger.Warnw("cannot answer offer", "error", apperrors.NewNegotiationError(string(s.RemoteID), err))
		return
	}

	if s.needsRenegotiation {
		o.requestNegotiation(s, triggerTransport)
	}
}

func (o *Orchestrator) acceptOffer(s *PeerSession, offer webrtc.SessionDescription) error {
	if err := s.transport.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	o.flushCandidates(s)

	for _, t := range o.local.Ordered() {
		o.attachTrack(s, t)
	}

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	o.send(protocol.Answer{
		Routing: protocol.Routing{To: string(s.RemoteID)},
		Session: string(s.ID),
		Payload: answer,
		Tracks:  o.local.Hints(),
	})
	s.lastNegotiation = o.clock.Now()
	o.logger.Debugw("answer sent", "peer_id", s.RemoteID, "session_id", s.ID)
	return nil
}

func (o *Orchestrator) handleAnswer(msg *protocol.Answer) {
	from := domain.ParticipantID(msg.From)
	remoteSession := domain.SessionID(msg.Session)

	s := o.sessions[from]
	if s == nil || o.tombstoned(remoteSession) {
		o.logger.Debugw("dropping answer for unknown session", "peer_id", from, "session_id", remoteSession)
		return
	}
	if remoteSession != "" && s.RemoteSession != "" && remoteSession != s.RemoteSession {
		o.logger.Debugw("dropping answer",
			"peer_id", from,
			"session_id", remoteSession,
			"error", domain.ErrStaleSession,
		)
		return
	}
	if state := s.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		o.logger.Debugw("dropping answer",
			"peer_id", from,
			"signaling_state", state.String(),
			"error", domain.ErrWrongSignalingState,
		)
		return
	}

	o.applyHints(s, msg.Tracks)
	if err := s.transport.SetRemoteDescription(msg.Payload); err != nil {
		if errors.Is(err, domain.ErrMLineOrderMismatch) {
			o.recreate(s, "m-line order mismatch")
			return
		}
		o.logger.Warnw("cannot apply answer", "error", apperrors.NewNegotiationError(string(from), err))
		return
	}

	if remoteSession != "" {
		s.RemoteSession = remoteSession
	}
	s.ignoreOffer = false
	s.lastNegotiation = o.clock.Now()
	o.flushCandidates(s)

	if s.needsRenegotiation {
		o.requestNegotiation(s, triggerTransport)
	}
}

func (o *Orchestrator) handleCandidate(msg *protocol.Candidate) {
	from := domain.ParticipantID(msg.From)
	remoteSession := domain.SessionID(msg.Session)

	s := o.sessions[from]
	if s == nil || o.tombstoned(remoteSession) {
		return
	}
	if remoteSession != "" && s.RemoteSession != "" && remoteSession != s.RemoteSession {
		o.logger.Debugw("dropping candidate", "peer_id", from, "error", domain.ErrStaleSession)
		return
	}
	if s.ignoreOffer {
		return
	}
	if !s.transport.HasRemoteDescription() {
		s.candidates.push(msg.Payload)
		return
	}
	if err := s.transport.AddICECandidate(msg.Payload); err != nil {
		o.logger.Debugw("cannot add remote candidate", "peer_id", from, "error", err)
	}
}

// flushCandidates applies everything buffered before the remote description.
func (o *Orchestrator) flushCandidates(s *PeerSession) {
	for _, c := range s.candidates.drain() {
		if err := s.transport.AddICECandidate(c); err != nil {
			o.logger.Debugw("cannot add buffered candidate", "peer_id", s.RemoteID, "error", err)
		}
	}
}

func (o *Orchestrator) applyHints(s *PeerSession, tracks map[string]string) {
	for id, tag := range tracks {
		role, err := domain.ParseTrackRole(tag)
		if err != nil {
			continue
		}
		s.classifier.Hint(id, role)
	}
}
