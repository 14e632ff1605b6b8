package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"huddle/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Envelope carries one encoded signaling message to the instance holding
// the recipient's socket.
type Envelope struct {
	InstanceID string               `json:"instance_id"`
	Timestamp  time.Time            `json:"timestamp"`
	To         domain.ParticipantID `json:"to"`
	Data       json.RawMessage      `json:"data"`
}

// EventBus moves envelopes between relay instances. Every instance listens
// on its own channel, so a message crosses Redis exactly once.
type EventBus struct {
	client     *redis.Client
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, prefix, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		prefix:     prefix,
		logger:     logger,
	}
}

func (eb *EventBus) channel(instanceID string) string {
	return eb.prefix + ":" + instanceID
}

// Publish sends data for to on instanceID's channel. It fails when no
// instance is subscribed there, which means the owner is gone.
func (eb *EventBus) Publish(ctx context.Context, instanceID string, to domain.ParticipantID, data []byte) error {
	env := Envelope{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		To:         to,
		Data:       data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	receivers, err := eb.client.Publish(ctx, eb.channel(instanceID), payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: instance %s is not listening", ErrNotConnected, instanceID)
	}

	eb.logger.Debugw("forwarded message",
		"participant_id", to,
		"instance_id", instanceID,
		"bytes", len(data),
	)
	return nil
}

// Subscribe delivers envelopes addressed to this instance until ctx ends.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Envelope) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel(eb.instanceID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event bus subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal envelope",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if err := handler(&env); err != nil {
				eb.logger.Debugw("error handling envelope",
					"participant_id", env.To,
					"from_instance", env.InstanceID,
					"error", err,
				)
			}
		}
	}
}
