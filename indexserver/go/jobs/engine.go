// Package jobs implements the background job engine: submission,
// prioritized execution, persistence, user-scoped isolation,
// cancellation, and graceful shutdown.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.cidx.org/server/go/metrics2"
	"go.cidx.org/server/go/sklog"
)

const (
	// DEFAULT_NUM_WORKERS is the number of parallel job workers.
	DEFAULT_NUM_WORKERS = 4

	// CANCEL_POLL_INTERVAL is how often the supervisor checks a running
	// job's cancelled flag.
	CANCEL_POLL_INTERVAL = 100 * time.Millisecond

	// SHUTDOWN_TIMEOUT bounds the wait for workers to stop at shutdown.
	SHUTDOWN_TIMEOUT = 10 * time.Second

	// UNKNOWN_REPO_ALIAS is a literal which callers sometimes pass by
	// mistake; it is warned about at submission.
	UNKNOWN_REPO_ALIAS = "unknown"
)

// Body is the work function of a job. It receives a context which is
// cancelled when the job is cancelled or the engine shuts down, and a
// progress callback accepting values in 0-100. It returns an
// operation-defined result mapping.
type Body func(ctx context.Context, progress func(int)) (map[string]interface{}, error)

// SubmitRequest describes a job to be submitted.
type SubmitRequest struct {
	OperationType string
	Username      string
	IsAdmin       bool
	RepoAlias     string
}

// queued pairs a job id with its body for dispatch.
type queued struct {
	id   string
	body Body
}

// Engine runs background jobs on a pool of workers, draining
// admin-flagged jobs before user jobs and preserving FIFO within each
// class.
type Engine struct {
	store Store

	// mtx protects jobs; persistence happens while holding it so that
	// state transitions are totally ordered on disk as well.
	mtx  sync.Mutex
	jobs map[string]*Job

	// queueMtx protects the two queues and stopped.
	queueMtx   sync.Mutex
	queueCond  *sync.Cond
	adminQueue []queued
	userQueue  []queued
	stopped    bool

	workers sync.WaitGroup

	jobsSubmitted metrics2.Counter
	jobsCompleted metrics2.Counter
	jobsFailed    metrics2.Counter
	jobsCancelled metrics2.Counter
	liveness      metrics2.Liveness
}

// NewEngine loads persisted jobs from the store, rewrites orphans, and
// starts numWorkers workers. Pass zero for the default worker count.
func NewEngine(store Store, numWorkers int) (*Engine, error) {
	if numWorkers <= 0 {
		numWorkers = DEFAULT_NUM_WORKERS
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("Failed to load persisted jobs: %s", err)
	}

	e := &Engine{
		store:         store,
		jobs:          loaded,
		jobsSubmitted: metrics2.GetCounter("jobs_submitted", nil),
		jobsCompleted: metrics2.GetCounter("jobs_completed", nil),
		jobsFailed:    metrics2.GetCounter("jobs_failed", nil),
		jobsCancelled: metrics2.GetCounter("jobs_cancelled", nil),
		liveness:      metrics2.NewLiveness("job_engine", nil),
	}
	e.queueCond = sync.NewCond(&e.queueMtx)
	if e.jobs == nil {
		e.jobs = map[string]*Job{}
	}

	// Orphan recovery: any job recorded as running or pending did not
	// survive the restart; rewrite to failed before exposing it.
	orphans := []*Job{}
	now := time.Now().UTC()
	for _, j := range e.jobs {
		if j.Status == STATUS_PENDING || j.Status == STATUS_RUNNING || j.Status == STATUS_RESOLVING_PREREQUISITES {
			j.Status = STATUS_FAILED
			j.Error = ORPHAN_FAILURE_REASON
			completed := now
			j.Completed = &completed
			orphans = append(orphans, j.Copy())
		}
	}
	if len(orphans) > 0 {
		sklog.Warningf("Rewrote %d orphaned job(s) to failed.", len(orphans))
		if err := store.PutAll(orphans); err != nil {
			return nil, fmt.Errorf("Failed to persist orphan recovery: %s", err)
		}
	}

	for i := 0; i < numWorkers; i++ {
		e.workers.Add(1)
		go e.worker()
	}
	return e, nil
}

// Submit validates the request, records a pending job, and dispatches
// the body to a worker. It never blocks on job execution.
func (e *Engine) Submit(req SubmitRequest, body Body) (string, error) {
	if req.OperationType == "" {
		return "", fmt.Errorf("Operation type is required.")
	}
	if req.Username == "" {
		return "", fmt.Errorf("Username is required.")
	}
	if body == nil {
		return "", fmt.Errorf("Job body is required.")
	}
	if req.RepoAlias == "" {
		sklog.Warningf("Job %q submitted by %q has no repo alias.", req.OperationType, req.Username)
	} else if req.RepoAlias == UNKNOWN_REPO_ALIAS {
		sklog.Warningf("Job %q submitted by %q has repo alias %q.", req.OperationType, req.Username, UNKNOWN_REPO_ALIAS)
	}

	job := &Job{
		Id:            uuid.New().String(),
		OperationType: req.OperationType,
		Status:        STATUS_PENDING,
		Created:       time.Now().UTC(),
		Username:      req.Username,
		IsAdmin:       req.IsAdmin,
		RepoAlias:     req.RepoAlias,
	}

	e.mtx.Lock()
	e.jobs[job.Id] = job
	err := e.store.Put(job.Copy())
	e.mtx.Unlock()
	if err != nil {
		return "", fmt.Errorf("Failed to persist job: %s", err)
	}

	e.queueMtx.Lock()
	if e.stopped {
		e.queueMtx.Unlock()
		return "", fmt.Errorf("Engine is shut down.")
	}
	if job.IsAdmin {
		e.adminQueue = append(e.adminQueue, queued{id: job.Id, body: body})
	} else {
		e.userQueue = append(e.userQueue, queued{id: job.Id, body: body})
	}
	e.queueCond.Signal()
	e.queueMtx.Unlock()

	e.jobsSubmitted.Inc(1)
	return job.Id, nil
}

// claim pops the next queued job, admin class first, FIFO within each
// class. Returns false when the engine is stopping.
func (e *Engine) claim() (queued, bool) {
	e.queueMtx.Lock()
	defer e.queueMtx.Unlock()
	for {
		if len(e.adminQueue) > 0 {
			q := e.adminQueue[0]
			e.adminQueue = e.adminQueue[1:]
			return q, true
		}
		if len(e.userQueue) > 0 {
			q := e.userQueue[0]
			e.userQueue = e.userQueue[1:]
			return q, true
		}
		if e.stopped {
			return queued{}, false
		}
		e.queueCond.Wait()
	}
}

func (e *Engine) worker() {
	defer e.workers.Done()
	for {
		q, ok := e.claim()
		if !ok {
			return
		}
		e.runJob(q)
		e.liveness.Reset()
	}
}

// runJob transitions the job to running, executes its body under a
// cancellation supervisor, and records the terminal state.
func (e *Engine) runJob(q queued) {
	e.mtx.Lock()
	job, ok := e.jobs[q.id]
	if !ok || job.Status != STATUS_PENDING {
		// Cancelled (or pruned) while still queued.
		e.mtx.Unlock()
		return
	}
	started := time.Now().UTC()
	job.Status = STATUS_RUNNING
	job.Started = &started
	if err := e.store.Put(job.Copy()); err != nil {
		sklog.Errorf("Failed to persist job %s start: %s", q.id, err)
	}
	e.mtx.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		t := time.NewTicker(CANCEL_POLL_INTERVAL)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.mtx.Lock()
				cancelled := e.jobs[q.id] != nil && e.jobs[q.id].Cancelled
				e.mtx.Unlock()
				if cancelled {
					cancel()
					return
				}
			}
		}
	}()

	progress := func(p int) {
		if p < 0 {
			p = 0
		}
		// 100 is reserved for successful completion.
		if p > 99 {
			p = 99
		}
		e.mtx.Lock()
		defer e.mtx.Unlock()
		j, ok := e.jobs[q.id]
		if !ok || j.Status != STATUS_RUNNING {
			return
		}
		// Progress never decreases within a run.
		if p <= j.Progress {
			return
		}
		j.Progress = p
		if err := e.store.Put(j.Copy()); err != nil {
			sklog.Errorf("Failed to persist job %s progress: %s", q.id, err)
		}
	}

	result, err := runBody(ctx, q.body, progress)
	cancel()
	<-supervisorDone

	e.mtx.Lock()
	defer e.mtx.Unlock()
	job, ok = e.jobs[q.id]
	if !ok || job.Status.IsTerminal() {
		return
	}
	completed := time.Now().UTC()
	job.Completed = &completed
	if job.Cancelled {
		// Cancellation wins even if the body managed to finish.
		job.Status = STATUS_CANCELLED
		e.jobsCancelled.Inc(1)
	} else if err != nil {
		job.Status = STATUS_FAILED
		job.Error = err.Error()
		e.jobsFailed.Inc(1)
	} else {
		job.Status = STATUS_COMPLETED
		job.Progress = 100
		job.Result = result
		e.jobsCompleted.Inc(1)
	}
	if err := e.store.Put(job.Copy()); err != nil {
		sklog.Errorf("Failed to persist job %s completion: %s", q.id, err)
	}
}

// runBody invokes the body, converting panics into errors so that a
// misbehaving job cannot take down a worker.
func runBody(ctx context.Context, body Body, progress func(int)) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Job panicked: %v", r)
		}
	}()
	return body(ctx, progress)
}

// Cancel requests cancellation of the given job. The requester must own
// the job and its status must be pending or running. A pending job
// transitions to cancelled immediately; a running job has its flag set
// and the worker observes it at the next checkpoint.
func (e *Engine) Cancel(id, requester string) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Username != requester {
		return fmt.Errorf("Job %s not found.", id)
	}
	switch job.Status {
	case STATUS_PENDING:
		job.Cancelled = true
		job.Status = STATUS_CANCELLED
		completed := time.Now().UTC()
		job.Completed = &completed
		e.jobsCancelled.Inc(1)
		return e.store.Put(job.Copy())
	case STATUS_RUNNING, STATUS_RESOLVING_PREREQUISITES:
		job.Cancelled = true
		return e.store.Put(job.Copy())
	default:
		return fmt.Errorf("Job %s is %s and cannot be cancelled.", id, job.Status)
	}
}

// Status returns a copy of the given job. The requester must own the
// job; otherwise it is reported as not found.
func (e *Engine) Status(id, requester string) (*Job, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	job, ok := e.jobs[id]
	if !ok || job.Username != requester {
		return nil, fmt.Errorf("Job %s not found.", id)
	}
	return job.Copy(), nil
}

// List returns the requester's jobs, newest first, optionally filtered
// by status, with limit/offset pagination. A limit of zero means no
// limit.
func (e *Engine) List(requester string, statusFilter Status, limit, offset int) ([]*Job, error) {
	e.mtx.Lock()
	rv := []*Job{}
	for _, job := range e.jobs {
		if job.Username != requester {
			continue
		}
		if statusFilter != "" && job.Status != statusFilter {
			continue
		}
		rv = append(rv, job.Copy())
	}
	e.mtx.Unlock()
	sort.Sort(JobSlice(rv))
	if offset >= len(rv) {
		return []*Job{}, nil
	}
	rv = rv[offset:]
	if limit > 0 && limit < len(rv) {
		rv = rv[:limit]
	}
	return rv, nil
}

// ListAll returns every user's jobs, newest first, optionally filtered
// by status. Callers are responsible for restricting this to admins.
func (e *Engine) ListAll(statusFilter Status) []*Job {
	e.mtx.Lock()
	rv := []*Job{}
	for _, job := range e.jobs {
		if statusFilter != "" && job.Status != statusFilter {
			continue
		}
		rv = append(rv, job.Copy())
	}
	e.mtx.Unlock()
	sort.Sort(JobSlice(rv))
	return rv
}

// Prune removes terminal jobs older than the given age and persists the
// removal in a single write.
func (e *Engine) Prune(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	e.mtx.Lock()
	defer e.mtx.Unlock()
	removed := []string{}
	for id, job := range e.jobs {
		if job.Status.IsTerminal() && job.Created.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(e.jobs, id)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := e.store.Delete(removed); err != nil {
		return 0, fmt.Errorf("Failed to persist pruning: %s", err)
	}
	return len(removed), nil
}

// Shutdown marks all running jobs as cancelled, persists, then waits
// for workers to stop, bounded by SHUTDOWN_TIMEOUT.
func (e *Engine) Shutdown() {
	e.queueMtx.Lock()
	e.stopped = true
	e.queueCond.Broadcast()
	e.queueMtx.Unlock()

	e.mtx.Lock()
	dirty := []*Job{}
	for _, job := range e.jobs {
		if job.Status == STATUS_RUNNING || job.Status == STATUS_RESOLVING_PREREQUISITES {
			job.Cancelled = true
			dirty = append(dirty, job.Copy())
		}
	}
	if len(dirty) > 0 {
		if err := e.store.PutAll(dirty); err != nil {
			sklog.Errorf("Failed to persist cancellations at shutdown: %s", err)
		}
	}
	e.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(SHUTDOWN_TIMEOUT):
		sklog.Errorf("Workers did not stop within %s; abandoning them.", SHUTDOWN_TIMEOUT)
	}
}
