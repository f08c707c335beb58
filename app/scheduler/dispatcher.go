package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/Susanoo/queue"
	"github.com/amirphl/Susanoo/repository"
	"github.com/amirphl/Susanoo/utils"
	"github.com/google/uuid"
)

// DispatcherConfig controls the scan cadence and locking of the dispatcher.
type DispatcherConfig struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	BatchSize    int
}

// Dispatcher periodically scans for due tenant schedules, claims them with a
// conditional-update lock and enqueues one run job per claimed tenant. Any
// number of dispatcher instances can run concurrently; the lock decides the
// winner per tenant.
type Dispatcher struct {
	schedules  repository.TenantScheduleRepository
	runQueue   queue.RunQueue
	instanceID string
	cfg        DispatcherConfig
	logger     *log.Logger
}

func NewDispatcher(schedules repository.TenantScheduleRepository, runQueue queue.RunQueue, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		schedules:  schedules,
		runQueue:   runQueue,
		instanceID: "dispatcher-" + uuid.NewString(),
		cfg:        cfg,
		logger:     logger,
	}
}

// RunOnce performs one dispatch scan and returns how many tenants were
// enqueued. Losing a lock race or hitting the queue dedup window are normal
// no-ops, not errors.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := utils.UTCNow()
	due, err := d.schedules.ListDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	enqueued := 0
	for _, sched := range due {
		ok, err := d.schedules.AcquireLock(ctx, sched.TenantID, d.instanceID, now.Add(d.cfg.LockTTL))
		if err != nil {
			if d.logger != nil {
				d.logger.Printf("[Dispatcher] tenant %d: lock acquisition failed: %v", sched.TenantID, err)
			}
			continue
		}
		if !ok {
			// Another instance claimed it first.
			continue
		}

		job := queue.TenantJob{TenantID: sched.TenantID, LockOwner: d.instanceID}
		pushed, err := d.runQueue.Enqueue(ctx, job, d.cfg.LockTTL)
		if err != nil {
			// The lock must not outlive a failed enqueue, or the tenant
			// would stall until the TTL expires.
			if relErr := d.schedules.ReleaseLock(ctx, sched.TenantID, d.instanceID); relErr != nil && d.logger != nil {
				d.logger.Printf("[Dispatcher] tenant %d: lock release after enqueue failure also failed: %v", sched.TenantID, relErr)
			}
			if d.logger != nil {
				d.logger.Printf("[Dispatcher] tenant %d: enqueue failed: %v", sched.TenantID, err)
			}
			continue
		}
		if !pushed {
			// A job for this tenant is already in flight.
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// Start runs the dispatch loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.logger != nil {
		d.logger.Printf("[Dispatcher] %s starting, poll interval %s", d.instanceID, d.cfg.PollInterval)
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.logger != nil {
				d.logger.Printf("[Dispatcher] %s stopping", d.instanceID)
			}
			return
		case <-ticker.C:
			if n, err := d.RunOnce(ctx); err != nil {
				if d.logger != nil {
					d.logger.Printf("[Dispatcher] scan failed: %v", err)
				}
			} else if n > 0 && d.logger != nil {
				d.logger.Printf("[Dispatcher] enqueued %d tenant runs", n)
			}
		}
	}
}
