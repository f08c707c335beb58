package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/queue"
	"github.com/amirphl/Susanoo/repository"
	"github.com/amirphl/Susanoo/utils"
)

// TenantRunner executes one batch run; satisfied by *Orchestrator.
type TenantRunner interface {
	RunForTenant(ctx context.Context, tenantID uint) (*models.BatchExecution, error)
}

// WorkerConfig controls job consumption and dedup-record retention.
type WorkerConfig struct {
	DequeueTimeout  time.Duration
	DefaultInterval time.Duration
	PurgeInterval   time.Duration
	DedupWindow     time.Duration
}

// Worker consumes tenant run jobs and drives the orchestrator. Every
// consumed job ends in CompleteRun: the schedule is unlocked and advanced no
// matter how the run went, so one bad tenant can never wedge its schedule.
type Worker struct {
	runQueue  queue.RunQueue
	schedules repository.TenantScheduleRepository
	used      repository.UsedEgressRecordRepository
	runner    TenantRunner
	cfg       WorkerConfig
	logger    *log.Logger
}

func NewWorker(
	runQueue queue.RunQueue,
	schedules repository.TenantScheduleRepository,
	used repository.UsedEgressRecordRepository,
	runner TenantRunner,
	cfg WorkerConfig,
	logger *log.Logger,
) *Worker {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 15 * time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	return &Worker{
		runQueue:  runQueue,
		schedules: schedules,
		used:      used,
		runner:    runner,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.logger != nil {
		w.logger.Printf("[Worker] starting consume loop")
	}
	for {
		select {
		case <-ctx.Done():
			if w.logger != nil {
				w.logger.Printf("[Worker] stopping")
			}
			return
		default:
		}

		job, err := w.runQueue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if w.logger != nil {
				w.logger.Printf("[Worker] dequeue failed: %v", err)
			}
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one tenant job end to end. The job is acked only after
// CompleteRun, keeping delivery at-least-once.
func (w *Worker) ProcessJob(ctx context.Context, job *queue.TenantJob) {
	started := utils.UTCNow()

	interval := w.cfg.DefaultInterval
	if sched, err := w.schedules.ByTenantID(ctx, job.TenantID); err == nil && sched != nil {
		interval = sched.Interval()
	}

	status := models.RunStatusFailed
	var runErr *string
	batch, err := w.runner.RunForTenant(ctx, job.TenantID)
	if err != nil {
		runErr = utils.ToPtr(err.Error())
		if w.logger != nil {
			w.logger.Printf("[Worker] tenant %d: run failed: %v", job.TenantID, err)
		}
	} else {
		status = batch.Status
	}

	duration := utils.UTCNow().Sub(started)
	nextRunAt := utils.UTCNow().Add(interval)
	if err := w.schedules.CompleteRun(ctx, job.TenantID, status, runErr, duration, nextRunAt); err != nil {
		if w.logger != nil {
			w.logger.Printf("[Worker] tenant %d: complete run failed: %v", job.TenantID, err)
		}
		// Leave the job in the processing list: the lock TTL will
		// eventually clear and redelivery can retry the bookkeeping.
		return
	}

	if err := w.runQueue.Ack(ctx, job); err != nil && w.logger != nil {
		w.logger.Printf("[Worker] tenant %d: ack failed: %v", job.TenantID, err)
	}
}

// StartPurge deletes egress dedup records that aged out of the window, on a
// fixed cadence, until the context is cancelled.
func (w *Worker) StartPurge(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := utils.UTCNow().Add(-w.cfg.DedupWindow)
			n, err := w.used.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				if w.logger != nil {
					w.logger.Printf("[Worker] egress record purge failed: %v", err)
				}
				continue
			}
			if n > 0 && w.logger != nil {
				w.logger.Printf("[Worker] purged %d expired egress records", n)
			}
		}
	}
}
