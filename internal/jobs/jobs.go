// Package jobs runs deep research requests asynchronously. Callers enqueue a
// query, poll the returned job ID for status, and may cancel a job that has
// not finished. Results of terminal jobs stay in memory until the process
// exits; there is no persistence across restarts.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/deepresearch"
	"github.com/citeseek/citeseek/internal/metrics"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status will never change again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Job is the externally visible state of one deep research run.
type Job struct {
	ID            string               `json:"id"`
	Query         string               `json:"query"`
	Model         string               `json:"model,omitempty"`
	MaxIterations int                  `json:"max_iterations,omitempty"`
	Status        Status               `json:"status"`
	Result        *deepresearch.Result `json:"result,omitempty"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	FinishedAt    *time.Time           `json:"finished_at,omitempty"`
}

// Runner executes one deep research request. *deepresearch.Agent satisfies it.
type Runner interface {
	Run(ctx context.Context, p deepresearch.Params) deepresearch.Result
}

type entry struct {
	job    Job
	cancel context.CancelFunc
}

// Queue owns the job table and one goroutine per running job.
type Queue struct {
	runner Runner
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*entry
	wg   sync.WaitGroup
}

func NewQueue(runner Runner, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		runner: runner,
		logger: logger,
		jobs:   make(map[string]*entry),
	}
}

// Enqueue registers the job and starts it in the background. The returned
// snapshot always has StatusQueued; poll Get for progress.
func (q *Queue) Enqueue(query, model string, maxIterations int) Job {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	q.mu.Lock()
	q.jobs[id] = &entry{
		job: Job{
			ID:            id,
			Query:         query,
			Model:         model,
			MaxIterations: maxIterations,
			Status:        StatusQueued,
			CreatedAt:     time.Now().UTC(),
		},
		cancel: cancel,
	}
	snapshot := q.jobs[id].job
	q.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(StatusQueued)).Inc()
	q.logger.Info("Job enqueued",
		zap.String("job_id", id),
		zap.String("query", query))

	q.wg.Add(1)
	go q.run(ctx, id)
	return snapshot
}

func (q *Queue) run(ctx context.Context, id string) {
	defer q.wg.Done()

	// A job cancelled before this goroutine was scheduled is already
	// terminal; the runner must not be invoked for it.
	if !q.markRunning(id) {
		return
	}

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	var (
		query         string
		model         string
		maxIterations int
	)
	q.mu.Lock()
	if e, ok := q.jobs[id]; ok {
		query = e.job.Query
		model = e.job.Model
		maxIterations = e.job.MaxIterations
	}
	q.mu.Unlock()

	res := q.runner.Run(ctx, deepresearch.Params{
		Query:         query,
		Model:         model,
		MaxIterations: maxIterations,
		RunID:         id,
	})

	switch {
	case ctx.Err() != nil:
		// Cancel already marked the job; this finish is a no-op that
		// keeps Result unset for jobs cut short mid-run.
		q.finish(id, StatusCancelled, nil, "cancelled by caller")
	case res.Metadata.Error != "":
		q.finish(id, StatusError, &res, res.Metadata.Error)
	default:
		q.finish(id, StatusDone, &res, "")
	}
}

// markRunning flips a queued job to running. It returns false when the job is
// gone or already terminal.
func (q *Queue) markRunning(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status != StatusQueued {
		return false
	}
	now := time.Now().UTC()
	e.job.Status = StatusRunning
	e.job.StartedAt = &now
	return true
}

// finish moves a job to a terminal status. It returns false when the job is
// unknown or already terminal, so the first terminal transition wins.
func (q *Queue) finish(id string, status Status, res *deepresearch.Result, errMsg string) bool {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok || e.job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	e.job.Status = status
	e.job.FinishedAt = &now
	e.job.Result = res
	e.job.Error = errMsg
	q.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	q.logger.Info("Job finished",
		zap.String("job_id", id),
		zap.String("status", string(status)),
		zap.String("error", errMsg))
	return true
}

// Cancel stops a queued or running job. It returns false when the job is
// unknown or already terminal. Cancelled jobs never carry a Result even if
// the runner produced one on the way out.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	e, ok := q.jobs[id]
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
	}
	q.mu.Unlock()
	if !ok {
		return false
	}

	// Mark terminal before signalling the context so the runner goroutine's
	// own finish call observes the cancelled state and backs off.
	if !q.finish(id, StatusCancelled, nil, "cancelled by caller") {
		return false
	}
	cancel()
	return true
}

// Get returns a copy of the job. Mutating the copy does not affect the queue.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns all known jobs, newest first.
func (q *Queue) List() []Job {
	q.mu.Lock()
	out := make([]Job, 0, len(q.jobs))
	for _, e := range q.jobs {
		out = append(out, e.job)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Shutdown cancels every live job and waits for their goroutines to exit.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.jobs))
	for id, e := range q.jobs {
		if !e.job.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id)
	}
	q.wg.Wait()
}
