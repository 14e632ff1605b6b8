package ports

import (
	"context"
	"time"

	"huddle/internal/core/domain"
)

// ParticipantRepository stores relay participants. Get and List return
// copies; callers persist changes with Update.
type ParticipantRepository interface {
	Add(ctx context.Context, p *domain.Participant) error
	Get(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error)
	Update(ctx context.Context, p *domain.Participant) error
	// Touch records activity. It may be applied lazily but never moves
	// LastActivity backwards.
	Touch(ctx context.Context, id domain.ParticipantID, at time.Time) error
	Remove(ctx context.Context, id domain.ParticipantID) error
	ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error)
	ListAll(ctx context.Context) ([]*domain.Participant, error)
}
