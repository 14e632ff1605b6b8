package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

type MemoryParticipantRepository struct {
	participants map[domain.ParticipantID]*domain.Participant
	mu           sync.RWMutex
}

func NewMemoryParticipantRepository() ports.ParticipantRepository {
	return &MemoryParticipantRepository{
		participants: make(map[domain.ParticipantID]*domain.Participant),
	}
}

func (r *MemoryParticipantRepository) Add(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[p.ID]; exists {
		return domain.ErrParticipantExists
	}

	cp := *p
	r.participants[p.ID] = &cp
	return nil
}

func (r *MemoryParticipantRepository) Get(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[id]
	if !exists {
		return nil, domain.ErrParticipantNotFound
	}

	cp := *p
	return &cp, nil
}

func (r *MemoryParticipantRepository) Update(ctx context.Context, p *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[p.ID]; !exists {
		return domain.ErrParticipantNotFound
	}

	cp := *p
	r.participants[p.ID] = &cp
	return nil
}

func (r *MemoryParticipantRepository) Touch(ctx context.Context, id domain.ParticipantID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[id]
	if !exists {
		return domain.ErrParticipantNotFound
	}
	if at.After(p.LastActivity) {
		p.LastActivity = at
	}
	return nil
}

func (r *MemoryParticipantRepository) Remove(ctx context.Context, id domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.participants[id]; !exists {
		return domain.ErrParticipantNotFound
	}

	delete(r.participants, id)
	return nil
}

// ListByRoom returns the room's participants ordered by connection time.
func (r *MemoryParticipantRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Participant
	for _, p := range r.participants {
		if p.RoomID == roomID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortByConnected(out)
	return out, nil
}

func (r *MemoryParticipantRepository) ListAll(ctx context.Context) ([]*domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		out = append(out, &cp)
	}
	sortByConnected(out)
	return out, nil
}

func sortByConnected(ps []*domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].ConnectedAt.Equal(ps[j].ConnectedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].ConnectedAt.Before(ps[j].ConnectedAt)
	})
}
