package redis

import (
	"context"
	"fmt"
	"time"

	"huddle/internal/core/domain"
	"huddle/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// touchOp is one pending activity timestamp. Touches for the same
// participant coalesce, so a chatty socket costs one write per interval.
type touchOp struct {
	id domain.ParticipantID
	at time.Time
}

func (op touchOp) Key() string { return string(op.id) }

// ActivityRecorder batches activity timestamps into the huddle:activity
// sorted set using a pipeline per flush.
type ActivityRecorder struct {
	client  *redis.Client
	batcher *batch.Batcher
}

func NewActivityRecorder(client *redis.Client, batchSize int, interval time.Duration, logger *zap.SugaredLogger) *ActivityRecorder {
	a := &ActivityRecorder{client: client}
	a.batcher = batch.NewBatcher(batchSize, interval, a)
	if logger != nil {
		a.batcher.OnError(func(err error) {
			logger.Warnw("failed to flush participant activity", "error", err)
		})
	}
	return a
}

func (a *ActivityRecorder) Record(id domain.ParticipantID, at time.Time) error {
	return a.batcher.Add(touchOp{id: id, at: at})
}

// ProcessBatch writes one batch. Scores only ever move forward.
func (a *ActivityRecorder) ProcessBatch(ctx context.Context, operations []batch.Operation) error {
	if len(operations) == 0 {
		return nil
	}

	pipe := a.client.Pipeline()
	for _, op := range operations {
		touch, ok := op.(touchOp)
		if !ok {
			continue
		}
		pipe.ZAddArgs(ctx, activityKey, redis.ZAddArgs{
			GT:      true,
			Members: []redis.Z{activityScore(touch.id, touch.at)},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("activity pipeline: %w", err)
	}
	return nil
}

// Close flushes pending touches.
func (a *ActivityRecorder) Close(ctx context.Context) error {
	return a.batcher.Stop(ctx)
}
