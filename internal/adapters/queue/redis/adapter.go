// Package redis backs the Queue & Worker Pool: a durable job_id queue with a
// single logical "default" lane, plus a dead letter queue for exhausted
// retries.
package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"jobforge.dev/orchestrator/internal/core/ports"
)

const JobQueueKey = "jobforge:queue:default"

type RedisAdapter struct {
	client *goredis.Client
}

func NewRedisAdapter(url string) (ports.Queue, *goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := goredis.NewClient(opts)
	return &RedisAdapter{client: client}, client, nil
}

// Enqueue pushes a job_id onto the default lane. The store already holds
// the job's full state; the queue carries only the reference.
func (r *RedisAdapter) Enqueue(ctx context.Context, jobID string) error {
	return r.client.RPush(ctx, JobQueueKey, jobID).Err()
}

// Dequeue blocks up to timeout seconds for one job_id. ok is false on a
// clean timeout (no error) so callers can loop without treating it as a
// failure.
func (r *RedisAdapter) Dequeue(ctx context.Context, timeout int) (string, bool, error) {
	res, err := r.client.BLPop(ctx, time.Duration(timeout)*time.Second, JobQueueKey).Result()
	if err != nil {
		if err == goredis.Nil {
			return "", false, nil
		}
		return "", false, err
	}
	// res[0] is the key name, res[1] is the popped value.
	return res[1], true, nil
}
