package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisParticipantRepository shares the participant registry between relay
// instances. Participant records are JSON under huddle:participant:<id>;
// room membership and activity live in their own sets so they can be
// queried without loading every record.
type RedisParticipantRepository struct {
	client   *redis.Client
	activity *ActivityRecorder
}

// NewRedisParticipantRepository returns a repository backed by client.
// When activity is nil, touches are written immediately.
func NewRedisParticipantRepository(client *redis.Client, activity *ActivityRecorder) ports.ParticipantRepository {
	return &RedisParticipantRepository{
		client:   client,
		activity: activity,
	}
}

func (r *RedisParticipantRepository) Add(ctx context.Context, p *domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	created, err := r.client.SetNX(ctx, participantKey(p.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store participant in Redis: %w", err)
	}
	if !created {
		return domain.ErrParticipantExists
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, participantsKey, string(p.ID))
		pipe.ZAdd(ctx, activityKey, activityScore(p.ID, p.LastActivity))
		if p.RoomID != "" {
			pipe.SAdd(ctx, roomKey(p.RoomID), string(p.ID))
			pipe.SAdd(ctx, roomsKey, string(p.RoomID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index participant: %w", err)
	}
	return nil
}

func (r *RedisParticipantRepository) Get(ctx context.Context, id domain.ParticipantID) (*domain.Participant, error) {
	data, err := r.client.Get(ctx, participantKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant from Redis: %w", err)
	}

	var p domain.Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
	}

	score, err := r.client.ZScore(ctx, activityKey, string(id)).Result()
	if err == nil {
		if at := time.UnixMilli(int64(score)); at.After(p.LastActivity) {
			p.LastActivity = at
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read participant activity: %w", err)
	}

	return &p, nil
}

func (r *RedisParticipantRepository) Update(ctx context.Context, p *domain.Participant) error {
	old, err := r.Get(ctx, p.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, participantKey(p.ID), data, 0)
		pipe.ZAddArgs(ctx, activityKey, redis.ZAddArgs{GT: true, Members: []redis.Z{activityScore(p.ID, p.LastActivity)}})
		if old.RoomID != p.RoomID {
			if old.RoomID != "" {
				pipe.SRem(ctx, roomKey(old.RoomID), string(p.ID))
			}
			if p.RoomID != "" {
				pipe.SAdd(ctx, roomKey(p.RoomID), string(p.ID))
				pipe.SAdd(ctx, roomsKey, string(p.RoomID))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update participant in Redis: %w", err)
	}

	if old.RoomID != "" && old.RoomID != p.RoomID {
		return r.dropRoomIfEmpty(ctx, old.RoomID)
	}
	return nil
}

func (r *RedisParticipantRepository) Touch(ctx context.Context, id domain.ParticipantID, at time.Time) error {
	if r.activity != nil {
		return r.activity.Record(id, at)
	}
	err := r.client.ZAddArgs(ctx, activityKey, redis.ZAddArgs{GT: true, Members: []redis.Z{activityScore(id, at)}}).Err()
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (r *RedisParticipantRepository) Remove(ctx context.Context, id domain.ParticipantID) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, participantKey(id))
		pipe.SRem(ctx, participantsKey, string(id))
		pipe.ZRem(ctx, activityKey, string(id))
		if p.RoomID != "" {
			pipe.SRem(ctx, roomKey(p.RoomID), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete participant from Redis: %w", err)
	}

	if p.RoomID != "" {
		return r.dropRoomIfEmpty(ctx, p.RoomID)
	}
	return nil
}

func (r *RedisParticipantRepository) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]*domain.Participant, error) {
	ids, err := r.client.SMembers(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members from Redis: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *RedisParticipantRepository) ListAll(ctx context.Context) ([]*domain.Participant, error) {
	ids, err := r.client.SMembers(ctx, participantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list participants from Redis: %w", err)
	}
	return r.load(ctx, ids)
}

func (r *RedisParticipantRepository) load(ctx context.Context, ids []string) ([]*domain.Participant, error) {
	out := make([]*domain.Participant, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, domain.ParticipantID(id))
		if errors.Is(err, domain.ErrParticipantNotFound) {
			// removed concurrently by another instance
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out, nil
}

func (r *RedisParticipantRepository) dropRoomIfEmpty(ctx context.Context, roomID domain.RoomID) error {
	n, err := r.client.SCard(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("failed to count room members: %w", err)
	}
	if n == 0 {
		if err := r.client.SRem(ctx, roomsKey, string(roomID)).Err(); err != nil {
			return fmt.Errorf("failed to drop empty room: %w", err)
		}
	}
	return nil
}

func activityScore(id domain.ParticipantID, at time.Time) redis.Z {
	return redis.Z{Score: float64(at.UnixMilli()), Member: string(id)}
}
