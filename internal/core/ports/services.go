package ports

import (
	"context"
	"time"

	"huddle/internal/core/domain"
	"huddle/pkg/protocol"
)

// Deliverer hands an encoded message to one connected participant,
// wherever its socket lives.
type Deliverer interface {
	Deliver(ctx context.Context, to domain.ParticipantID, data []byte) error
}

// RoomService is the relay's room registry and message router.
type RoomService interface {
	Connect(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error)
	Detach(ctx context.Context, id domain.ParticipantID) error
	Resume(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error)
	Join(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) error
	Leave(ctx context.Context, id domain.ParticipantID) error
	Relay(ctx context.Context, from domain.ParticipantID, msg protocol.Routed, raw []byte) error
	UpdateUsername(ctx context.Context, id domain.ParticipantID, username string) error
	RoomUsers(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error)
	Rooms(ctx context.Context) ([]domain.RoomOccupancy, error)
	Touch(ctx context.Context, id domain.ParticipantID) error
	Disconnect(ctx context.Context, id domain.ParticipantID) error
	Sweep(ctx context.Context) ([]domain.ParticipantID, error)
}

// Coordinator runs housekeeping on at most one relay instance at a time.
// RunExclusive reports false without calling fn when another instance holds
// the named job.
type Coordinator interface {
	RunExclusive(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// TokenService issues the resume tokens handed out in set-id. A token proves
// that a reconnecting socket belongs to the participant it names.
type TokenService interface {
	Issue(id domain.ParticipantID) (string, error)
	Validate(token string) (domain.ParticipantID, error)
}
