package domain

import "errors"

var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already registered")
	ErrNotInRoom           = errors.New("participant is not in a room")
	ErrInvalidRoom         = errors.New("invalid room id")
	ErrInvalidUsername     = errors.New("invalid username")
	ErrSameParticipant     = errors.New("local and remote participant ids are equal")
	ErrUnroutable          = errors.New("message has no reachable recipient")
	ErrResumeExpired       = errors.New("resume grace period expired")

	ErrSessionNotFound     = errors.New("peer session not found")
	// ErrMLineOrderMismatch is fatal to a peer session: the transport refused a
	// description because the negotiated media sections changed order.
	ErrMLineOrderMismatch  = errors.New("m-line order mismatch")
	ErrWrongSignalingState = errors.New("unexpected signaling state")
	ErrStaleSession        = errors.New("message belongs to a torn down session")
)
