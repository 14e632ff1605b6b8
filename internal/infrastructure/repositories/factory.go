package repositories

import (
	"context"
	"time"

	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/repositories/memory"
	redisrepo "huddle/internal/infrastructure/repositories/redis"
	"huddle/pkg/config"
	"huddle/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	activityBatchSize     = 256
	activityFlushInterval = time.Second
	lockPrefix            = "huddle:lock:"
)

// RepositoryFactory picks the participant registry backend. A relay that
// cannot reach Redis runs standalone on the memory repository.
type RepositoryFactory struct {
	redisClient *redis.Client
	activity    *redisrepo.ActivityRecorder
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.Connect(cfg, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, running standalone",
				"address", cfg.Redis.Address,
				"error", err,
			)
		} else {
			f.redisClient = client
		}
	}

	if f.redisClient != nil {
		logger.Info("using Redis participant registry")
	} else {
		logger.Info("using in-memory participant registry")
	}
	return f
}

// RedisClient is nil when the relay runs standalone.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateParticipantRepository() ports.ParticipantRepository {
	if f.redisClient == nil {
		return memory.NewMemoryParticipantRepository()
	}
	if f.activity == nil {
		f.activity = redisrepo.NewActivityRecorder(f.redisClient, activityBatchSize, activityFlushInterval, f.logger)
	}
	return redisrepo.NewRedisParticipantRepository(f.redisClient, f.activity)
}

// CreateCoordinator returns a Redis lease manager when instances share a
// registry, otherwise a coordinator that always runs the job.
func (f *RepositoryFactory) CreateCoordinator() ports.Coordinator {
	if f.redisClient == nil {
		return localCoordinator{}
	}
	return distributed.NewLockManager(f.redisClient, lockPrefix)
}

// Close flushes pending activity and closes the Redis connection.
func (f *RepositoryFactory) Close(ctx context.Context) error {
	if f.activity != nil {
		if err := f.activity.Close(ctx); err != nil {
			f.logger.Warnw("failed to flush participant activity", "error", err)
		}
	}
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Close()
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient == nil {
		return nil
	}
	return f.redisClient.Ping(ctx).Err()
}

type localCoordinator struct{}

func (localCoordinator) RunExclusive(ctx context.Context, _ string, _ time.Duration, fn func(context.Context) error) (bool, error) {
	return true, fn(ctx)
}
