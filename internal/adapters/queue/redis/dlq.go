package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"jobforge.dev/orchestrator/internal/core/ports"
)

const (
	dlqKey        = "jobforge:dlq"
	dlqMetaPrefix = "jobforge:dlq:meta:"
)

type deadLetterQueue struct {
	client *goredis.Client
}

type dlqEntry struct {
	JobID    string    `json:"job_id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

func NewDeadLetterQueue(client *goredis.Client) ports.DeadLetterQueue {
	return &deadLetterQueue{client: client}
}

// Add parks a job_id whose queue-level retries (§4.9: TransportError on
// session create, retried at most twice) were exhausted.
func (d *deadLetterQueue) Add(ctx context.Context, jobID string, reason string) error {
	entry := dlqEntry{JobID: jobID, Reason: reason, FailedAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if err := d.client.ZAdd(ctx, dlqKey, goredis.Z{
		Score:  float64(entry.FailedAt.Unix()),
		Member: jobID,
	}).Err(); err != nil {
		return fmt.Errorf("add to dlq: %w", err)
	}
	return d.client.Set(ctx, dlqMetaPrefix+jobID, data, 0).Err()
}

func (d *deadLetterQueue) List(ctx context.Context, offset, limit int) ([]ports.DeadLetterEntry, error) {
	jobIDs, err := d.client.ZRevRange(ctx, dlqKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}

	entries := make([]ports.DeadLetterEntry, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		data, err := d.client.Get(ctx, dlqMetaPrefix+jobID).Bytes()
		if err != nil {
			continue
		}
		var e dlqEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, ports.DeadLetterEntry{
			JobID:    e.JobID,
			Reason:   e.Reason,
			FailedAt: e.FailedAt.Format(time.RFC3339),
		})
	}
	return entries, nil
}

func (d *deadLetterQueue) Remove(ctx context.Context, jobID string) error {
	if err := d.client.ZRem(ctx, dlqKey, jobID).Err(); err != nil {
		return fmt.Errorf("remove from dlq: %w", err)
	}
	return d.client.Del(ctx, dlqMetaPrefix+jobID).Err()
}
