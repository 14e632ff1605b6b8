package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/protocol"
	"huddle/pkg/validation"

	"go.uber.org/zap"
)

const sweepJob = "sweep"

type RoomConfig struct {
	DefaultUsername   string
	MaxUsernameLength int
	MaxRoomIDLength   int
	HeartbeatTimeout  time.Duration
	// ResumeGrace is how long a detached participant keeps its place.
	ResumeGrace time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		DefaultUsername:   "Anonymous",
		MaxUsernameLength: 15,
		MaxRoomIDLength:   64,
		HeartbeatTimeout:  90 * time.Second,
		ResumeGrace:       60 * time.Second,
	}
}

type roomService struct {
	repo        ports.ParticipantRepository
	deliverer   ports.Deliverer
	coordinator ports.Coordinator
	cfg         RoomConfig
	now         func() time.Time
	logger      *zap.SugaredLogger

	// mu serializes membership changes so every participant observes
	// joins and leaves in the same order.
	mu sync.Mutex
}

func NewRoomService(
	repo ports.ParticipantRepository,
	deliverer ports.Deliverer,
	coordinator ports.Coordinator,
	cfg RoomConfig,
	logger *zap.SugaredLogger,
) ports.RoomService {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &roomService{
		repo:        repo,
		deliverer:   deliverer,
		coordinator: coordinator,
		cfg:         cfg,
		now:         now,
		logger:      logger,
	}
}

func (s *roomService) Connect(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error) {
	now := s.now()
	p := &domain.Participant{
		ID:           id,
		DisplayName:  s.cfg.DefaultUsername,
		LastActivity: now,
		ConnectedAt:  now,
	}
	if err := s.repo.Add(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to register participant: %w", err)
	}
	s.logger.Infow("participant connected", "participant_id", id)
	return p, nil
}

// Detach keeps a participant whose socket dropped, room membership
// included, until it resumes or the grace period runs out.
func (s *roomService) Detach(ctx context.Context, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	p.Detached = true
	p.DetachedAt = s.now()
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("failed to detach participant: %w", err)
	}
	s.logger.Infow("participant detached", "participant_id", id, "room_id", p.RoomID)
	return nil
}

func (s *roomService) Resume(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error) {
	s.mu.Lock()
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := s.now()
	if p.Detached && now.Sub(p.DetachedAt) > s.cfg.ResumeGrace {
		s.mu.Unlock()
		if err := s.Disconnect(ctx, id); err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
			return nil, err
		}
		return nil, domain.ErrResumeExpired
	}
	defer s.mu.Unlock()

	p.Detached = false
	p.DetachedAt = time.Time{}
	if now.After(p.LastActivity) {
		p.LastActivity = now
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to resume participant: %w", err)
	}
	s.logger.Infow("participant resumed", "participant_id", id, "room_id", p.RoomID)
	return p, nil
}

func (s *roomService) Join(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) error {
	if err := validation.ValidateRoomID(string(roomID), s.cfg.MaxRoomIDLength); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	previous := p.RoomID
	if previous != "" && previous != roomID {
		s.broadcastRoom(ctx, previous, protocol.ParticipantLeft{ID: string(id)}, id)
	}

	if previous != roomID {
		p.RoomID = roomID
		if err := s.repo.Update(ctx, p); err != nil {
			return fmt.Errorf("failed to join room: %w", err)
		}
	}

	members, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}

	existing := make([]protocol.UserInfo, 0, len(members))
	for _, m := range members {
		if m.ID != id {
			existing = append(existing, userInfo(m))
		}
	}
	s.send(ctx, id, protocol.ExistingParticipants{Participants: existing})

	if previous != roomID {
		announce := protocol.NewParticipant{ID: string(id), Username: p.DisplayName}
		for _, m := range members {
			if m.ID != id {
				s.send(ctx, m.ID, announce)
			}
		}
	}

	s.broadcastSnapshot(ctx, roomID, members)
	if previous != "" && previous != roomID {
		s.broadcastSnapshot(ctx, previous, nil)
	}

	s.logger.Infow("participant joined room",
		"participant_id", id,
		"room_id", roomID,
		"previous_room_id", previous,
		"members", len(members),
	)
	return nil
}

func (s *roomService) Leave(ctx context.Context, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !p.InRoom() {
		return domain.ErrNotInRoom
	}

	roomID := p.RoomID
	s.broadcastRoom(ctx, roomID, protocol.ParticipantLeft{ID: string(id)}, id)

	p.RoomID = ""
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("failed to leave room: %w", err)
	}
	s.broadcastSnapshot(ctx, roomID, nil)

	s.logger.Infow("participant left room", "participant_id", id, "room_id", roomID)
	return nil
}

// Relay forwards a peer message. raw is passed on untouched apart from the
// sender id, which is always overwritten with from.
func (s *roomService) Relay(ctx context.Context, from domain.ParticipantID, msg protocol.Routed, raw []byte) error {
	sender, err := s.repo.Get(ctx, from)
	if err != nil {
		return err
	}

	stamped, err := protocol.Stamp(raw, string(from))
	if err != nil {
		return err
	}

	if to := domain.ParticipantID(msg.Route().To); to != "" {
		if _, err := s.repo.Get(ctx, to); err != nil {
			return fmt.Errorf("%w: %s to %s", domain.ErrUnroutable, msg.MessageType(), to)
		}
		return s.deliverer.Deliver(ctx, to, stamped)
	}

	if protocol.PointToPoint(msg.MessageType()) {
		return fmt.Errorf("%w: %s without target", domain.ErrUnroutable, msg.MessageType())
	}
	if !sender.InRoom() {
		return fmt.Errorf("%w: %s", domain.ErrNotInRoom, msg.MessageType())
	}

	members, err := s.repo.ListByRoom(ctx, sender.RoomID)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}
	for _, m := range members {
		if m.ID != from && !m.Detached {
			s.deliver(ctx, m.ID, stamped)
		}
	}
	return nil
}

func (s *roomService) UpdateUsername(ctx context.Context, id domain.ParticipantID, username string) error {
	username = validation.NormalizeUsername(username)
	if err := validation.ValidateUsername(username, s.cfg.MaxUsernameLength); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidUsername, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	previous := p.DisplayName
	p.DisplayName = username
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("failed to update username: %w", err)
	}

	if p.InRoom() {
		s.broadcastRoom(ctx, p.RoomID, protocol.UpdateUsername{
			Routing:  protocol.Routing{From: string(id)},
			Username: username,
		}, id)
		s.broadcastSnapshot(ctx, p.RoomID, nil)
	}

	s.logger.Infow("username updated", "participant_id", id, "previous", previous, "username", username)
	return nil
}

func (s *roomService) RoomUsers(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error) {
	if roomID == "" {
		return nil, domain.ErrInvalidRoom
	}
	return s.repo.ListByRoom(ctx, roomID)
}

// Rooms returns every occupied room ordered by id.
func (s *roomService) Rooms(ctx context.Context) ([]domain.RoomOccupancy, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byRoom := make(map[domain.RoomID][]*domain.Participant)
	for _, p := range all {
		if p.InRoom() {
			byRoom[p.RoomID] = append(byRoom[p.RoomID], p)
		}
	}

	rooms := make([]domain.RoomOccupancy, 0, len(byRoom))
	for id, members := range byRoom {
		rooms = append(rooms, domain.RoomOccupancy{RoomID: id, Participants: members})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms, nil
}

func (s *roomService) Touch(ctx context.Context, id domain.ParticipantID) error {
	return s.repo.Touch(ctx, id, s.now())
}

func (s *roomService) Disconnect(ctx context.Context, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnect(ctx, id)
}

func (s *roomService) disconnect(ctx context.Context, id domain.ParticipantID) error {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}

	if p.InRoom() {
		s.broadcastRoom(ctx, p.RoomID, protocol.ParticipantLeft{ID: string(id)}, id)
		s.broadcastSnapshot(ctx, p.RoomID, nil)
	}
	s.logger.Infow("participant disconnected", "participant_id", id, "room_id", p.RoomID)
	return nil
}

// Sweep removes participants that stopped answering heartbeats and detached
// participants whose resume grace ran out. With several relay instances only
// one of them sweeps at a time.
func (s *roomService) Sweep(ctx context.Context) ([]domain.ParticipantID, error) {
	var removed []domain.ParticipantID

	sweep := func(ctx context.Context) error {
		all, err := s.repo.ListAll(ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		now := s.now()

		for _, listed := range all {
			if !s.expired(listed, now) {
				continue
			}
			// the listing is a snapshot; a touch or resume may have landed since
			p, err := s.repo.Get(ctx, listed.ID)
			if errors.Is(err, domain.ErrParticipantNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !s.expired(p, now) {
				continue
			}
			err = s.disconnect(ctx, p.ID)
			if errors.Is(err, domain.ErrParticipantNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			removed = append(removed, p.ID)
		}
		return nil
	}

	if s.coordinator == nil {
		return removed, sweep(ctx)
	}
	ran, err := s.coordinator.RunExclusive(ctx, sweepJob, s.cfg.HeartbeatTimeout/2, sweep)
	if err != nil {
		return removed, err
	}
	if !ran {
		s.logger.Debugw("sweep skipped, another instance holds the lock")
	}
	return removed, nil
}

func (s *roomService) expired(p *domain.Participant, now time.Time) bool {
	if p.Detached {
		return now.Sub(p.DetachedAt) > s.cfg.ResumeGrace
	}
	return p.Stale(now, s.cfg.HeartbeatTimeout)
}

// broadcastSnapshot sends the room's member list to every attached
// participant, in or out of the room. members may be passed when the
// caller already has them.
func (s *roomService) broadcastSnapshot(ctx context.Context, roomID domain.RoomID, members []*domain.Participant) {
	if members == nil {
		var err error
		if members, err = s.repo.ListByRoom(ctx, roomID); err != nil {
			s.logger.Warnw("failed to list room members", "room_id", roomID, "error", err)
			return
		}
	}

	users := make([]protocol.UserInfo, 0, len(members))
	for _, m := range members {
		users = append(users, userInfo(m))
	}
	data, err := protocol.Encode(protocol.RoomUsers{RoomID: string(roomID), Users: users})
	if err != nil {
		s.logger.Errorw("failed to encode room users", "room_id", roomID, "error", err)
		return
	}

	all, err := s.repo.ListAll(ctx)
	if err != nil {
		s.logger.Warnw("failed to list participants", "error", err)
		return
	}
	for _, p := range all {
		if !p.Detached {
			s.deliver(ctx, p.ID, data)
		}
	}
}

func (s *roomService) broadcastRoom(ctx context.Context, roomID domain.RoomID, msg protocol.Message, exclude domain.ParticipantID) {
	members, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		s.logger.Warnw("failed to list room members", "room_id", roomID, "error", err)
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msg.MessageType(), "error", err)
		return
	}
	for _, m := range members {
		if m.ID != exclude && !m.Detached {
			s.deliver(ctx, m.ID, data)
		}
	}
}

func (s *roomService) send(ctx context.Context, to domain.ParticipantID, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msg.MessageType(), "error", err)
		return
	}
	s.deliver(ctx, to, data)
}

// deliver is best effort: a recipient may vanish between listing and sending.
func (s *roomService) deliver(ctx context.Context, to domain.ParticipantID, data []byte) {
	if err := s.deliverer.Deliver(ctx, to, data); err != nil {
		s.logger.Debugw("delivery failed", "participant_id", to, "error", err)
	}
}

func userInfo(p *domain.Participant) protocol.UserInfo {
	return protocol.UserInfo{ID: string(p.ID), Username: p.DisplayName}
}
