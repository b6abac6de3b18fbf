package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFlush struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *recordingFlush) flush(ctx context.Context, job DeferredJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, job.MessageID)
	return f.err
}

func (f *recordingFlush) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestQueue(t *testing.T, flush DeferredFlushFunc, online *atomic.Bool) (*DeferredUploadQueue, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := testConfig(clock, newFakeScheduler(clock))
	cfg.DeferredRetryLimit = 2
	q := NewDeferredUploadQueue(flush, online.Load, cfg)
	t.Cleanup(q.Stop)
	return q, clock
}

func TestDeferredQueueFlushDelivers(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	rec := &recordingFlush{}
	q, clock := newTestQueue(t, rec.flush, &online)

	require.NoError(t, q.Enqueue("messaging", "general", "m2"))
	clock.Add(time.Second)
	require.NoError(t, q.Enqueue("messaging", "general", "m1"))
	require.Equal(t, 2, q.PendingCount())

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "m2", jobs[0].MessageID, "oldest first")
	assert.Equal(t, JobPending, jobs[0].Status)

	q.Flush(context.Background())
	assert.Equal(t, []string{"m2", "m1"}, rec.Calls())
	assert.Zero(t, q.PendingCount())
	assert.Empty(t, q.Jobs())
}

func TestDeferredQueueOfflineIsNoop(t *testing.T) {
	var online atomic.Bool
	rec := &recordingFlush{}
	q, _ := newTestQueue(t, rec.flush, &online)

	require.NoError(t, q.Enqueue("messaging", "general", "m1"))
	q.Flush(context.Background())
	assert.Empty(t, rec.Calls())
	assert.Equal(t, 1, q.PendingCount())
}

func TestDeferredQueueFailsAfterRetryLimit(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	rec := &recordingFlush{err: errors.New("upload refused")}
	q, _ := newTestQueue(t, rec.flush, &online)
	require.NoError(t, q.Enqueue("messaging", "general", "m1"))

	q.Flush(context.Background())
	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobPending, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Retries)
	assert.Equal(t, "upload refused", jobs[0].Error)

	q.Flush(context.Background())
	jobs = q.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobFailed, jobs[0].Status)
	assert.Zero(t, q.PendingCount())

	q.Flush(context.Background())
	assert.Len(t, rec.Calls(), 2, "failed jobs are not retried")
}

func TestDeferredQueueEnqueueRearmsFailedJob(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	rec := &recordingFlush{err: errors.New("nope")}
	q, _ := newTestQueue(t, rec.flush, &online)
	require.NoError(t, q.Enqueue("messaging", "general", "m1"))
	q.Flush(context.Background())
	q.Flush(context.Background())
	require.Zero(t, q.PendingCount())

	require.NoError(t, q.Enqueue("messaging", "general", "m1"))
	assert.Equal(t, 1, q.PendingCount())
	assert.Zero(t, q.Jobs()[0].Retries)
}

func TestDeferredQueueStop(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	q, _ := newTestQueue(t, (&recordingFlush{}).flush, &online)
	q.Start()

	q.Stop()
	q.Stop()
	assert.ErrorIs(t, q.Enqueue("messaging", "general", "m1"), ErrSessionClosed)
}

func TestDeferredQueueWithoutFlushIsNoop(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	q, _ := newTestQueue(t, nil, &online)
	require.NoError(t, q.Enqueue("messaging", "general", "m1"))
	q.Flush(context.Background())
	assert.Equal(t, 1, q.PendingCount())
}

func TestDeferredQueueResetRearms(t *testing.T) {
	var online atomic.Bool
	rec := &recordingFlush{}
	q, _ := newTestQueue(t, rec.flush, &online)
	q.Start()
	require.NoError(t, q.Enqueue("messaging", "general", "m1"))

	q.Reset()
	assert.Empty(t, q.Jobs())
	require.NoError(t, q.Enqueue("messaging", "general", "m2"))

	online.Store(true)
	q.Flush(context.Background())
	assert.Equal(t, []string{"m2"}, rec.Calls())

	q.Stop()
	q.Reset()
	assert.NoError(t, q.Enqueue("messaging", "general", "m3"), "a reset queue accepts jobs again")
}
