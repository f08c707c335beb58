package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Susanoo/models"
	"github.com/amirphl/Susanoo/queue"
	"github.com/amirphl/Susanoo/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduleRepo is an in-memory TenantScheduleRepository with the same
// compare-and-set locking semantics as the SQL implementation.
type fakeScheduleRepo struct {
	mu        sync.Mutex
	schedules map[uint]*models.TenantSchedule

	completions []completeCall
}

type completeCall struct {
	tenantID  uint
	status    models.RunStatus
	runErr    *string
	nextRunAt time.Time
}

func newFakeScheduleRepo(schedules ...*models.TenantSchedule) *fakeScheduleRepo {
	repo := &fakeScheduleRepo{schedules: make(map[uint]*models.TenantSchedule)}
	for _, s := range schedules {
		repo.schedules[s.TenantID] = s
	}
	return repo
}

func (f *fakeScheduleRepo) ByID(ctx context.Context, id uint) (*models.TenantSchedule, error) {
	return nil, nil
}

func (f *fakeScheduleRepo) ByFilter(ctx context.Context, filter models.TenantScheduleFilter, orderBy string, limit, offset int) ([]*models.TenantSchedule, error) {
	return nil, nil
}

func (f *fakeScheduleRepo) Save(ctx context.Context, s *models.TenantSchedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.TenantID] = s
	return nil
}

func (f *fakeScheduleRepo) SaveBatch(ctx context.Context, ss []*models.TenantSchedule) error {
	return nil
}

func (f *fakeScheduleRepo) ByTenantID(ctx context.Context, tenantID uint) (*models.TenantSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules[tenantID], nil
}

func (f *fakeScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.TenantSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*models.TenantSchedule
	for _, s := range f.schedules {
		if !s.IsEnabled || s.NextRunAt.After(now) {
			continue
		}
		if s.LockedUntil != nil && s.LockedUntil.After(now) {
			continue
		}
		due = append(due, s)
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeScheduleRepo) AcquireLock(ctx context.Context, tenantID uint, lockedBy string, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[tenantID]
	if !ok || !s.IsEnabled {
		return false, nil
	}
	now := utils.UTCNow()
	if s.LockedUntil != nil && s.LockedUntil.After(now) {
		return false, nil
	}
	s.LockedUntil = &until
	s.LockedBy = &lockedBy
	return true, nil
}

func (f *fakeScheduleRepo) ReleaseLock(ctx context.Context, tenantID uint, lockedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[tenantID]
	if !ok || s.LockedBy == nil || *s.LockedBy != lockedBy {
		return nil
	}
	s.LockedUntil = nil
	s.LockedBy = nil
	return nil
}

func (f *fakeScheduleRepo) CompleteRun(ctx context.Context, tenantID uint, status models.RunStatus, runErr *string, duration time.Duration, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[tenantID]
	if !ok {
		return errors.New("schedule not found")
	}
	s.LockedUntil = nil
	s.LockedBy = nil
	s.NextRunAt = nextRunAt
	s.LastStatus = &status
	s.LastError = runErr
	f.completions = append(f.completions, completeCall{tenantID: tenantID, status: status, runErr: runErr, nextRunAt: nextRunAt})
	return nil
}

func (f *fakeScheduleRepo) ForceRunNow(ctx context.Context, tenantID uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[tenantID]
	if !ok {
		return false, nil
	}
	now := utils.UTCNow()
	s.LockedUntil = nil
	s.LockedBy = nil
	s.NextRunAt = now
	return true, nil
}

// fakeRunQueue is an in-memory RunQueue with the per-tenant dedup window.
type fakeRunQueue struct {
	mu          sync.Mutex
	jobs        []queue.TenantJob
	dedup       map[uint]bool
	acked       []uint
	failEnqueue bool
}

func newFakeRunQueue() *fakeRunQueue {
	return &fakeRunQueue{dedup: make(map[uint]bool)}
}

func (q *fakeRunQueue) Enqueue(ctx context.Context, job queue.TenantJob, dedupTTL time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue {
		return false, errors.New("redis unavailable")
	}
	if q.dedup[job.TenantID] {
		return false, nil
	}
	q.dedup[job.TenantID] = true
	q.jobs = append(q.jobs, job)
	return true, nil
}

func (q *fakeRunQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.TenantJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &job, nil
}

func (q *fakeRunQueue) Ack(ctx context.Context, job *queue.TenantJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.dedup, job.TenantID)
	q.acked = append(q.acked, job.TenantID)
	return nil
}

func dueSchedule(tenantID uint) *models.TenantSchedule {
	return &models.TenantSchedule{
		TenantID:        tenantID,
		IsEnabled:       true,
		IntervalMinutes: 15,
		NextRunAt:       utils.UTCNow().Add(-time.Minute),
	}
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{PollInterval: time.Minute, LockTTL: 10 * time.Minute, BatchSize: 50}
}

func TestDispatcher_RunOnce_EnqueuesDueTenants(t *testing.T) {
	notDue := dueSchedule(3)
	notDue.NextRunAt = utils.UTCNow().Add(time.Hour)
	repo := newFakeScheduleRepo(dueSchedule(1), dueSchedule(2), notDue)
	q := newFakeRunQueue()

	d := NewDispatcher(repo, q, testDispatcherConfig(), nil)
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, n)
	require.Len(t, q.jobs, 2)
	tenants := []uint{q.jobs[0].TenantID, q.jobs[1].TenantID}
	assert.ElementsMatch(t, []uint{1, 2}, tenants)

	// Claimed schedules carry the dispatcher's lock.
	for _, id := range tenants {
		sched := repo.schedules[id]
		require.NotNil(t, sched.LockedBy)
		assert.Equal(t, d.instanceID, *sched.LockedBy)
	}
}

func TestDispatcher_RunOnce_IsIdempotentWhileLocked(t *testing.T) {
	repo := newFakeScheduleRepo(dueSchedule(1))
	q := newFakeRunQueue()
	d := NewDispatcher(repo, q, testDispatcherConfig(), nil)

	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second scan: the tenant is locked, nothing new is enqueued.
	n, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, q.jobs, 1)
}

func TestDispatcher_ConcurrentScans_SingleWinner(t *testing.T) {
	repo := newFakeScheduleRepo(dueSchedule(1))
	q := newFakeRunQueue()

	d1 := NewDispatcher(repo, q, testDispatcherConfig(), nil)
	d2 := NewDispatcher(repo, q, testDispatcherConfig(), nil)

	var wg sync.WaitGroup
	counts := make([]int, 2)
	for i, d := range []*Dispatcher{d1, d2} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			n, err := d.RunOnce(context.Background())
			require.NoError(t, err)
			counts[i] = n
		}(i, d)
	}
	wg.Wait()

	assert.Equal(t, 1, counts[0]+counts[1])
	assert.Len(t, q.jobs, 1)
}

func TestDispatcher_EnqueueFailureReleasesLock(t *testing.T) {
	repo := newFakeScheduleRepo(dueSchedule(1))
	q := newFakeRunQueue()
	q.failEnqueue = true

	d := NewDispatcher(repo, q, testDispatcherConfig(), nil)
	n, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	sched := repo.schedules[1]
	assert.Nil(t, sched.LockedBy)
	assert.Nil(t, sched.LockedUntil)
}

// fakeRunner scripts the orchestrator for worker tests.
type fakeRunner struct {
	batch *models.BatchExecution
	err   error
	calls []uint
}

func (f *fakeRunner) RunForTenant(ctx context.Context, tenantID uint) (*models.BatchExecution, error) {
	f.calls = append(f.calls, tenantID)
	if f.err != nil {
		return nil, f.err
	}
	return f.batch, nil
}

func testWorkerConfig() WorkerConfig {
	return WorkerConfig{
		DequeueTimeout:  time.Second,
		DefaultInterval: 15 * time.Minute,
		PurgeInterval:   time.Hour,
		DedupWindow:     24 * time.Hour,
	}
}

func TestWorker_ProcessJob_CompletesAndAcks(t *testing.T) {
	sched := dueSchedule(1)
	sched.IntervalMinutes = 30
	repo := newFakeScheduleRepo(sched)
	q := newFakeRunQueue()
	runner := &fakeRunner{batch: &models.BatchExecution{TenantID: 1, Status: models.RunStatusPartial}}

	w := NewWorker(q, repo, nil, runner, testWorkerConfig(), nil)
	before := utils.UTCNow()
	w.ProcessJob(context.Background(), &queue.TenantJob{TenantID: 1, LockOwner: "d-1"})

	assert.Equal(t, []uint{1}, runner.calls)
	require.Len(t, repo.completions, 1)
	done := repo.completions[0]
	assert.Equal(t, models.RunStatusPartial, done.status)
	assert.Nil(t, done.runErr)
	// next_run_at advances by the schedule's own interval.
	assert.WithinDuration(t, before.Add(30*time.Minute), done.nextRunAt, 5*time.Second)
	assert.Equal(t, []uint{1}, q.acked)
	assert.Nil(t, repo.schedules[1].LockedBy)
}

func TestWorker_ProcessJob_RunFailureStillAdvancesSchedule(t *testing.T) {
	repo := newFakeScheduleRepo(dueSchedule(1))
	q := newFakeRunQueue()
	runner := &fakeRunner{err: fmt.Errorf("database gone")}

	w := NewWorker(q, repo, nil, runner, testWorkerConfig(), nil)
	w.ProcessJob(context.Background(), &queue.TenantJob{TenantID: 1})

	require.Len(t, repo.completions, 1)
	done := repo.completions[0]
	assert.Equal(t, models.RunStatusFailed, done.status)
	require.NotNil(t, done.runErr)
	assert.Contains(t, *done.runErr, "database gone")
	assert.Equal(t, []uint{1}, q.acked)
}

func TestWorker_ProcessJob_UnknownTenantUsesDefaultInterval(t *testing.T) {
	repo := newFakeScheduleRepo(dueSchedule(1))
	q := newFakeRunQueue()
	runner := &fakeRunner{batch: &models.BatchExecution{TenantID: 7, Status: models.RunStatusSuccess}}

	w := NewWorker(q, repo, nil, runner, testWorkerConfig(), nil)
	w.ProcessJob(context.Background(), &queue.TenantJob{TenantID: 7})

	// Tenant 7 has no schedule row; CompleteRun fails, the job stays
	// unacked for redelivery.
	assert.Equal(t, []uint{7}, runner.calls)
	assert.Empty(t, q.acked)
}
