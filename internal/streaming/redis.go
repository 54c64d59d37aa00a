package streaming

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamKeyPrefix = "research:events:"
	streamMaxLen    = 512
	streamTTL       = 2 * time.Hour
)

// RedisMirror copies events into a per-task Redis Stream so detached
// consumers (or a future gateway) can tail progress without holding an
// in-process subscription. Mirror writes are fire-and-forget.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror wraps an existing Redis client.
func NewRedisMirror(client *redis.Client, logger *zap.Logger) *RedisMirror {
	return &RedisMirror{client: client, logger: logger}
}

// Append implements Mirror. Errors are logged and dropped; event mirroring
// must never affect the research pipeline.
func (r *RedisMirror) Append(taskID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := streamKeyPrefix + taskID
	pipe := r.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     evt.Seq,
			"phase":   evt.Phase,
			"payload": string(evt.Marshal()),
		},
	})
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Debug("event mirror append failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Tail reads mirrored events after the given stream ID ("0" for all).
func (r *RedisMirror) Tail(ctx context.Context, taskID, afterID string, count int64) ([]redis.XMessage, error) {
	if afterID == "" {
		afterID = "0"
	}
	res, err := r.client.XRangeN(ctx, streamKeyPrefix+taskID, "("+afterID, "+", count).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}
