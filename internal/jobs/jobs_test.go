package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/citeseek/citeseek/internal/deepresearch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// instantRunner returns a canned answer as soon as it is called.
type instantRunner struct {
	answer string
}

func (r *instantRunner) Run(ctx context.Context, p deepresearch.Params) deepresearch.Result {
	return deepresearch.Result{
		Answer: r.answer,
		Metadata: deepresearch.Metadata{
			TraceID: p.RunID,
		},
	}
}

// blockingRunner holds until its context is cancelled, mimicking a long run.
type blockingRunner struct {
	started chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, p deepresearch.Params) deepresearch.Result {
	close(r.started)
	<-ctx.Done()
	return deepresearch.Result{
		Metadata: deepresearch.Metadata{Error: ctx.Err().Error()},
	}
}

// failingRunner reports an error the way a failed deep research run does.
type failingRunner struct{}

func (r *failingRunner) Run(ctx context.Context, p deepresearch.Params) deepresearch.Result {
	return deepresearch.Result{
		Answer:   "Deep research could not complete: provider down",
		Metadata: deepresearch.Metadata{Error: "provider down"},
	}
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) Job {
	t.Helper()
	var got Job
	require.Eventually(t, func() bool {
		j, ok := q.Get(id)
		if !ok {
			return false
		}
		got = j
		return j.Status == want
	}, time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestEnqueueRunsToCompletion(t *testing.T) {
	q := NewQueue(&instantRunner{answer: "All done [1]."}, zap.NewNop())
	defer q.Shutdown()

	j := q.Enqueue("what is the capital of France", "", 2)
	assert.Equal(t, StatusQueued, j.Status)
	assert.NotEmpty(t, j.ID)
	assert.False(t, j.CreatedAt.IsZero())

	done := waitForStatus(t, q, j.ID, StatusDone)
	require.NotNil(t, done.Result)
	assert.Equal(t, "All done [1].", done.Result.Answer)
	assert.Equal(t, j.ID, done.Result.Metadata.TraceID)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.False(t, done.FinishedAt.Before(*done.StartedAt))
}

func TestEnqueueFailedRunKeepsResult(t *testing.T) {
	q := NewQueue(&failingRunner{}, zap.NewNop())
	defer q.Shutdown()

	j := q.Enqueue("doomed query", "", 0)
	failed := waitForStatus(t, q, j.ID, StatusError)
	assert.Equal(t, "provider down", failed.Error)
	require.NotNil(t, failed.Result)
	assert.Contains(t, failed.Result.Answer, "could not complete")
}

func TestCancelRunningJob(t *testing.T) {
	runner := newBlockingRunner()
	q := NewQueue(runner, zap.NewNop())
	defer q.Shutdown()

	j := q.Enqueue("slow query", "", 0)
	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}

	assert.True(t, q.Cancel(j.ID))

	cancelled := waitForStatus(t, q, j.ID, StatusCancelled)
	assert.Nil(t, cancelled.Result, "cancelled jobs must not expose a result")
	assert.Equal(t, "cancelled by caller", cancelled.Error)

	// Second cancel is a no-op on a terminal job.
	assert.False(t, q.Cancel(j.ID))
}

func TestCancelUnknownJob(t *testing.T) {
	q := NewQueue(&instantRunner{}, zap.NewNop())
	defer q.Shutdown()

	assert.False(t, q.Cancel("no-such-job"))
}

func TestCancelAfterCompletion(t *testing.T) {
	q := NewQueue(&instantRunner{answer: "done"}, zap.NewNop())
	defer q.Shutdown()

	j := q.Enqueue("quick query", "", 0)
	done := waitForStatus(t, q, j.ID, StatusDone)

	assert.False(t, q.Cancel(j.ID))
	after, ok := q.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, StatusDone, after.Status)
	assert.Equal(t, done.Result.Answer, after.Result.Answer)
}

func TestGetUnknownJob(t *testing.T) {
	q := NewQueue(&instantRunner{}, zap.NewNop())
	defer q.Shutdown()

	_, ok := q.Get("missing")
	assert.False(t, ok)
}

func TestListNewestFirst(t *testing.T) {
	q := NewQueue(&instantRunner{answer: "ok"}, zap.NewNop())
	defer q.Shutdown()

	first := q.Enqueue("first", "", 0)
	second := q.Enqueue("second", "", 0)
	waitForStatus(t, q, first.ID, StatusDone)
	waitForStatus(t, q, second.ID, StatusDone)

	jobs := q.List()
	require.Len(t, jobs, 2)
	ids := []string{jobs[0].ID, jobs[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	assert.False(t, jobs[0].CreatedAt.Before(jobs[1].CreatedAt))
}

func TestShutdownCancelsLiveJobs(t *testing.T) {
	runner := newBlockingRunner()
	q := NewQueue(runner, zap.NewNop())

	j := q.Enqueue("stuck query", "", 0)
	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}

	q.Shutdown()

	after, ok := q.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, after.Status)
}
