// Package queue implements the durable tenant-run queue on redis. Jobs are
// delivered at-least-once: a dequeued job moves to a processing list and is
// only removed on Ack, so a crashed worker leaves the job recoverable.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Susanoo/utils"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "susanoo:runs:pending"
	processingKey = "susanoo:runs:processing"
	dedupKeyFmt   = "susanoo:runs:dedup:%d"
)

// TenantJob is one queued link-replacement run for a tenant. LockOwner
// carries the schedule-lock owner ID so the worker completes the run under
// the same identity that acquired it.
type TenantJob struct {
	TenantID   uint      `json:"tenant_id"`
	LockOwner  string    `json:"lock_owner"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	// raw holds the exact payload as stored, needed for Ack's LREM.
	raw string
}

// RunQueue is the contract between the dispatcher (producer) and the worker
// (consumer).
type RunQueue interface {
	// Enqueue pushes a job unless the tenant already has one in flight
	// within the dedup window. Returns false when deduplicated.
	Enqueue(ctx context.Context, job TenantJob, dedupTTL time.Duration) (bool, error)
	// Dequeue blocks up to timeout for the next job, moving it to the
	// processing list. Returns nil when the wait times out.
	Dequeue(ctx context.Context, timeout time.Duration) (*TenantJob, error)
	// Ack removes a processed job and clears its dedup key.
	Ack(ctx context.Context, job *TenantJob) error
}

// RedisRunQueue is the production RunQueue.
type RedisRunQueue struct {
	client redis.UniversalClient
}

func NewRedisRunQueue(client redis.UniversalClient) *RedisRunQueue {
	return &RedisRunQueue{client: client}
}

func dedupKey(tenantID uint) string {
	return fmt.Sprintf(dedupKeyFmt, tenantID)
}

// Enqueue claims the per-tenant dedup key first; only the claimer pushes. If
// the push fails the claim is rolled back so the tenant is not locked out
// for the whole TTL.
func (q *RedisRunQueue) Enqueue(ctx context.Context, job TenantJob, dedupTTL time.Duration) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = utils.UTCNow()
	}

	claimed, err := q.client.SetNX(ctx, dedupKey(job.TenantID), job.LockOwner, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedup key for tenant %d: %w", job.TenantID, err)
	}
	if !claimed {
		return false, nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		q.client.Del(ctx, dedupKey(job.TenantID))
		return false, fmt.Errorf("encode job for tenant %d: %w", job.TenantID, err)
	}
	if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		q.client.Del(ctx, dedupKey(job.TenantID))
		return false, fmt.Errorf("push job for tenant %d: %w", job.TenantID, err)
	}
	return true, nil
}

func (q *RedisRunQueue) Dequeue(ctx context.Context, timeout time.Duration) (*TenantJob, error) {
	payload, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue tenant job: %w", err)
	}

	var job TenantJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// A malformed payload is dropped from processing rather than
		// poisoning the consumer loop forever.
		q.client.LRem(ctx, processingKey, 1, payload)
		return nil, fmt.Errorf("decode tenant job: %w", err)
	}
	job.raw = payload
	return &job, nil
}

func (q *RedisRunQueue) Ack(ctx context.Context, job *TenantJob) error {
	if err := q.client.LRem(ctx, processingKey, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("ack job for tenant %d: %w", job.TenantID, err)
	}
	if err := q.client.Del(ctx, dedupKey(job.TenantID)).Err(); err != nil {
		return fmt.Errorf("clear dedup key for tenant %d: %w", job.TenantID, err)
	}
	return nil
}
