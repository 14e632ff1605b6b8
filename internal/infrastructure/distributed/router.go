package distributed

import (
	"context"
	"errors"
	"fmt"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Router delivers messages to participants whose socket lives on another
// relay instance.
type Router struct {
	presence *Presence
	bus      *EventBus
	logger   *zap.SugaredLogger
}

func NewRouter(client *redis.Client, channelPrefix, instanceID string, logger *zap.SugaredLogger) *Router {
	return &Router{
		presence: NewPresence(client, instanceID, logger),
		bus:      NewEventBus(client, channelPrefix, instanceID, logger),
		logger:   logger,
	}
}

func (r *Router) InstanceID() string { return r.presence.InstanceID() }

func (r *Router) Register(ctx context.Context, id domain.ParticipantID) error {
	return r.presence.Register(ctx, id)
}

func (r *Router) Unregister(ctx context.Context, id domain.ParticipantID) error {
	return r.presence.Unregister(ctx, id)
}

func (r *Router) Refresh(ctx context.Context, ids []domain.ParticipantID) error {
	return r.presence.Refresh(ctx, ids)
}

// Forward publishes data to the instance that owns to's socket. It returns
// ErrNotConnected when no other instance owns it.
func (r *Router) Forward(ctx context.Context, to domain.ParticipantID, data []byte) error {
	owner, err := r.presence.Locate(ctx, to)
	if err != nil {
		return err
	}
	if owner == r.presence.InstanceID() {
		// registered here but no longer in the local hub
		return fmt.Errorf("%w: stale local registration", ErrNotConnected)
	}
	return r.bus.Publish(ctx, owner, to, data)
}

// Run hands every envelope addressed to this instance to deliver until ctx
// is cancelled.
func (r *Router) Run(ctx context.Context, deliver func(ctx context.Context, to domain.ParticipantID, data []byte) error) error {
	err := r.bus.Subscribe(ctx, func(env *Envelope) error {
		return deliver(ctx, env.To, env.Data)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every socket registered by this instance.
func (r *Router) Close(ctx context.Context) error {
	return r.presence.Cleanup(ctx)
}
