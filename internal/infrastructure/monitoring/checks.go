package monitoring

import (
	"context"
	"errors"
	"time"

	"huddle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

var errNotChecked = errors.New("not checked yet")

func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddRepositoryCheck verifies the participant registry answers queries.
func (h *HealthChecker) AddRepositoryCheck(repo ports.ParticipantRepository, interval, timeout time.Duration) {
	h.AddCheck("participants", func(ctx context.Context) error {
		_, err := repo.ListByRoom(ctx, "")
		return err
	}, interval, timeout)
}
