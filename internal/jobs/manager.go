package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/insightradar/internal/apperr"
	"github.com/elonfeng/insightradar/internal/logging"
	"github.com/elonfeng/insightradar/internal/metrics"
)

// Kind identifies what a job does to its target.
type Kind string

const (
	KindChannelPosts Kind = "channel-posts"
	KindPostComments Kind = "post-comments"
	KindPostAnalysis Kind = "post-analysis"
	KindPostStats    Kind = "post-stats"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is the externally visible record of a background job.
type Job struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Target     int64      `json:"target"`
	Mode       string     `json:"mode,omitempty"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
}

// Func is the body of a job. The returned string is a short result summary.
type Func func(ctx context.Context) (string, error)

var (
	errCancelled = errors.New("job cancelled")
	errLeaseLost = errors.New("job lease lost")
)

// Options configures a Manager.
type Options struct {
	Workers   int
	QueueSize int
	LeaseTTL  time.Duration
	Retention time.Duration
	// OnFailure is called with a copy of every job that ends in StatusFailed.
	OnFailure func(Job)
}

type entry struct {
	job    Job
	key    string
	fn     Func
	cancel context.CancelCauseFunc

	// lease renewal runs from Submit until the job is finalized
	stopRenew context.CancelFunc
	renewDone chan struct{}
}

// Manager runs jobs on a bounded worker pool. At most one job per
// (kind, target) is pending or running at a time.
type Manager struct {
	opts   Options
	locker Locker
	queue  chan *entry
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*entry
}

func NewManager(locker Locker, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * time.Minute
	}
	return &Manager{
		opts:   opts,
		locker: locker,
		queue:  make(chan *entry, opts.QueueSize),
		now:    time.Now,
		jobs:   make(map[string]*entry),
	}
}

func lockKey(kind Kind, target int64) string {
	return fmt.Sprintf("%s:%d", kind, target)
}

// Submit registers a job and queues it without blocking. It fails with
// apperr.ErrAlreadyRunning when the (kind, target) lease is held and with
// apperr.ErrBusy when the queue is full.
func (m *Manager) Submit(ctx context.Context, kind Kind, target int64, mode string, fn Func) (Job, error) {
	id := uuid.NewString()
	key := lockKey(kind, target)

	ok, err := m.locker.Acquire(ctx, key, id, m.opts.LeaseTTL)
	if err != nil {
		return Job{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		metrics.IncRejected(string(kind), string(apperr.KindAlreadyRunning))
		return Job{}, apperr.AlreadyRunning("a %s job for %d is already in progress", kind, target)
	}

	e := &entry{
		job: Job{
			ID:        id,
			Kind:      kind,
			Target:    target,
			Mode:      mode,
			Status:    StatusPending,
			CreatedAt: m.now().UTC(),
		},
		key: key,
		fn:  fn,
	}

	job := e.job

	m.mu.Lock()
	m.jobs[id] = e
	m.mu.Unlock()
	m.startRenewal(e)

	select {
	case m.queue <- e:
	default:
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		m.stopRenewal(e)
		m.release(key, id)
		metrics.IncRejected(string(kind), string(apperr.KindBusy))
		return Job{}, apperr.Busy("job queue is full, retry later")
	}

	logging.Debug("job_submitted", map[string]any{"job_id": id, "kind": kind, "target": target, "mode": mode})
	return job, nil
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return Job{}, apperr.NotFound("job %s not found", id)
	}
	return e.job, nil
}

// List returns snapshots of all retained jobs, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.job)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a pending or running job. Pending jobs are finalized at once;
// running jobs observe a cancelled context and finish as cancelled.
func (m *Manager) Cancel(id string) (Job, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}, apperr.NotFound("job %s not found", id)
	}
	switch e.job.Status {
	case StatusPending:
		now := m.now().UTC()
		e.job.Status = StatusCancelled
		e.job.FinishedAt = &now
		e.job.Error = errCancelled.Error()
		job := e.job
		m.mu.Unlock()
		m.stopRenewal(e)
		m.release(e.key, id)
		metrics.ObserveJob(string(job.Kind), string(job.Status), job.CreatedAt)
		return job, nil
	case StatusRunning:
		e.cancel(errCancelled)
		job := e.job
		m.mu.Unlock()
		return job, nil
	default:
		job := e.job
		m.mu.Unlock()
		return job, apperr.Validation("job %s already finished with status %s", id, job.Status)
	}
}

// Prune drops terminal jobs that finished longer than the retention window ago.
func (m *Manager) Prune() int {
	cutoff := m.now().Add(-m.opts.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.jobs {
		if e.job.Status.Terminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// Run starts the workers and a pruning loop, and blocks until ctx is done
// and every in-flight job has returned.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(ctx)
		}()
	}

	tick := m.opts.Retention / 4
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			m.drain()
			return nil
		case <-ticker.C:
			if n := m.Prune(); n > 0 {
				logging.Debug("jobs_pruned", map[string]any{"count": n})
			}
		}
	}
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			m.execute(ctx, e)
		}
	}
}

// drain cancels jobs still queued at shutdown so their leases are released.
func (m *Manager) drain() {
	for {
		select {
		case e := <-m.queue:
			m.Cancel(e.job.ID)
		default:
			return
		}
	}
}

func (m *Manager) execute(parent context.Context, e *entry) {
	jobCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	m.mu.Lock()
	if e.job.Status != StatusPending {
		// cancelled or lease lost while queued
		m.mu.Unlock()
		return
	}
	start := m.now().UTC()
	e.job.Status = StatusRunning
	e.job.StartedAt = &start
	e.cancel = cancel
	job := e.job
	m.mu.Unlock()

	logging.Info("job_started", map[string]any{"job_id": job.ID, "kind": job.Kind, "target": job.Target, "mode": job.Mode})

	result, err := e.fn(jobCtx)
	cause := context.Cause(jobCtx)
	cancel(nil)
	m.stopRenewal(e)
	m.release(e.key, job.ID)

	var detail error
	m.mu.Lock()
	finished := m.now().UTC()
	e.job.FinishedAt = &finished
	e.job.Result = result
	switch {
	case err == nil:
		e.job.Status = StatusSucceeded
	case errors.Is(cause, errCancelled) || parent.Err() != nil:
		e.job.Status = StatusCancelled
		e.job.Error = errCancelled.Error()
	case errors.Is(cause, errLeaseLost):
		e.job.Status = StatusFailed
		e.job.Error = errLeaseLost.Error()
		e.job.ErrorKind = string(apperr.KindInternal)
	default:
		e.job.Status = StatusFailed
		e.job.Error = apperr.Message(err)
		e.job.ErrorKind = string(apperr.KindOf(err))
		detail = err
	}
	job = e.job
	m.mu.Unlock()

	metrics.ObserveJob(string(job.Kind), string(job.Status), start)
	fields := map[string]any{
		"job_id":      job.ID,
		"kind":        job.Kind,
		"target":      job.Target,
		"status":      job.Status,
		"duration_ms": finished.Sub(start).Milliseconds(),
	}
	if job.Status == StatusFailed {
		fields["error"] = job.Error
		if detail != nil {
			fields["error"] = detail.Error()
		}
		fields["error_kind"] = job.ErrorKind
		logging.Error("job_failed", fields)
		if m.opts.OnFailure != nil {
			m.opts.OnFailure(job)
		}
		return
	}
	logging.Info("job_finished", fields)
}

func (m *Manager) startRenewal(e *entry) {
	ctx, stop := context.WithCancel(context.Background())
	e.stopRenew = stop
	e.renewDone = make(chan struct{})
	go m.renew(ctx, e)
}

// stopRenewal must not be called with m.mu held.
func (m *Manager) stopRenewal(e *entry) {
	e.stopRenew()
	<-e.renewDone
}

// renew extends the lease every TTL/3 while the job is pending or running.
func (m *Manager) renew(ctx context.Context, e *entry) {
	defer close(e.renewDone)
	ticker := time.NewTicker(m.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.locker.Renew(ctx, e.key, e.job.ID, m.opts.LeaseTTL)
			if ctx.Err() != nil {
				return
			}
			if err != nil || !ok {
				logging.Warn("job_lease_lost", map[string]any{"job_id": e.job.ID, "key": e.key, "error": err})
				m.leaseLost(e)
				return
			}
		}
	}
}

// leaseLost cancels a running job and fails a pending one in place.
func (m *Manager) leaseLost(e *entry) {
	m.mu.Lock()
	switch e.job.Status {
	case StatusRunning:
		e.cancel(errLeaseLost)
		m.mu.Unlock()
	case StatusPending:
		now := m.now().UTC()
		e.job.Status = StatusFailed
		e.job.FinishedAt = &now
		e.job.Error = errLeaseLost.Error()
		e.job.ErrorKind = string(apperr.KindInternal)
		job := e.job
		m.mu.Unlock()
		e.stopRenew()
		metrics.ObserveJob(string(job.Kind), string(job.Status), job.CreatedAt)
		logging.Error("job_failed", map[string]any{
			"job_id":     job.ID,
			"kind":       job.Kind,
			"target":     job.Target,
			"status":     job.Status,
			"error":      job.Error,
			"error_kind": job.ErrorKind,
		})
		if m.opts.OnFailure != nil {
			m.opts.OnFailure(job)
		}
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.locker.Release(ctx, key, owner); err != nil {
		logging.Warn("job_lease_release_failed", map[string]any{"key": key, "job_id": owner, "error": err})
	}
}
