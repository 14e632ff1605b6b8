package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotConnected means no relay instance currently holds a socket for the
// participant.
var ErrNotConnected = errors.New("participant not connected to any instance")

const presenceTTL = 5 * time.Minute

// Presence records which relay instance owns each participant's socket.
// Entries expire unless refreshed, so a crashed instance does not keep
// its participants reachable forever.
type Presence struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewPresence(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *Presence {
	return &Presence{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (p *Presence) InstanceID() string { return p.instanceID }

// Register claims id for this instance, taking it over from any other
// instance that held it before a resume.
func (p *Presence) Register(ctx context.Context, id domain.ParticipantID) error {
	previous, err := p.client.SetArgs(ctx, socketKey(id), p.instanceID, redis.SetArgs{
		TTL: presenceTTL,
		Get: true,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to register socket: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && previous != p.instanceID {
			pipe.SRem(ctx, instanceKey(previous), string(id))
		}
		pipe.SAdd(ctx, instanceKey(p.instanceID), string(id))
		pipe.Expire(ctx, instanceKey(p.instanceID), 2*presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index socket: %w", err)
	}

	if previous != "" && previous != p.instanceID {
		p.logger.Infow("socket moved between instances",
			"participant_id", id,
			"from_instance", previous,
			"to_instance", p.instanceID,
		)
	}
	return nil
}

// Unregister releases id if this instance still owns it.
func (p *Presence) Unregister(ctx context.Context, id domain.ParticipantID) error {
	owner, err := p.client.Get(ctx, socketKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read socket owner: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if owner == p.instanceID {
			pipe.Del(ctx, socketKey(id))
		}
		pipe.SRem(ctx, instanceKey(p.instanceID), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister socket: %w", err)
	}
	return nil
}

// Locate returns the instance holding id's socket.
func (p *Presence) Locate(ctx context.Context, id domain.ParticipantID) (string, error) {
	owner, err := p.client.Get(ctx, socketKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate socket: %w", err)
	}
	return owner, nil
}

// Refresh extends the registration of every given id in one round trip.
func (p *Presence) Refresh(ctx context.Context, ids []domain.ParticipantID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Expire(ctx, socketKey(id), presenceTTL)
		}
		pipe.Expire(ctx, instanceKey(p.instanceID), 2*presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh sockets: %w", err)
	}
	return nil
}

// Cleanup drops every registration of this instance, e.g. on shutdown.
func (p *Presence) Cleanup(ctx context.Context) error {
	ids, err := p.client.SMembers(ctx, instanceKey(p.instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance sockets: %w", err)
	}
	for _, id := range ids {
		if err := p.Unregister(ctx, domain.ParticipantID(id)); err != nil {
			p.logger.Warnw("failed to unregister socket during cleanup",
				"participant_id", id,
				"error", err,
			)
		}
	}
	return p.client.Del(ctx, instanceKey(p.instanceID)).Err()
}

func socketKey(id domain.ParticipantID) string {
	return "huddle:socket:" + string(id)
}

func instanceKey(instanceID string) string {
	return fmt.Sprintf("huddle:instance:%s:sockets", instanceID)
}
