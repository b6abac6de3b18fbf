package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Deferred job statuses.
const (
	JobPending = "pending"
	JobFailed  = "failed"
)

// DeferredJob is a queued upload-and-send for a message created offline.
type DeferredJob struct {
	MessageID   string
	ChannelType string
	ChannelID   string
	Status      string
	CreatedAt   time.Time
	Retries     int
	MaxRetries  int
	Error       string
}

// DeferredFlushFunc delivers one deferred message.
type DeferredFlushFunc func(ctx context.Context, job DeferredJob) error

// DeferredUploadQueue holds messages whose attachments could not be uploaded
// while offline. It flushes on an interval and when connectivity returns.
type DeferredUploadQueue struct {
	flush      DeferredFlushFunc
	online     func() bool
	clock      Clock
	logger     *zap.Logger
	interval   time.Duration
	maxRetries int

	mu       sync.Mutex
	jobs     map[string]*DeferredJob
	flushing bool
	started  bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewDeferredUploadQueue creates a stopped queue. flush is set with SetFlush
// when it is not known yet.
func NewDeferredUploadQueue(flush DeferredFlushFunc, online func() bool, cfg Config) *DeferredUploadQueue {
	cfg.defaults()
	if online == nil {
		online = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeferredUploadQueue{
		ctx:        ctx,
		cancel:     cancel,
		flush:      flush,
		online:     online,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		interval:   cfg.DeferredFlushInterval,
		maxRetries: cfg.DeferredRetryLimit,
		jobs:       make(map[string]*DeferredJob),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetFlush sets the delivery function.
func (q *DeferredUploadQueue) SetFlush(flush DeferredFlushFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flush = flush
}

// Start runs the background flush loop until Stop.
func (q *DeferredUploadQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.flushLoop(q.ctx, q.stopCh, q.doneCh)
}

// Stop ends the flush loop. Safe to call repeatedly.
func (q *DeferredUploadQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	close(q.stopCh)
	q.mu.Unlock()
	q.cancel()
	if started {
		<-q.doneCh
	}
}

// Reset drops every job and re-arms a stopped queue. The flush loop is
// restarted when it was running before.
func (q *DeferredUploadQueue) Reset() {
	q.mu.Lock()
	running := q.started && !q.stopped
	q.mu.Unlock()
	q.Stop()

	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.jobs = make(map[string]*DeferredJob)
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.started, q.stopped = false, false
	q.mu.Unlock()

	if running {
		q.Start()
	}
}

// Enqueue adds or re-arms the job for a message.
func (q *DeferredUploadQueue) Enqueue(channelType, channelID, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrSessionClosed
	}
	q.jobs[messageID] = &DeferredJob{
		MessageID:   messageID,
		ChannelType: channelType,
		ChannelID:   channelID,
		Status:      JobPending,
		CreatedAt:   q.clock.Now(),
		MaxRetries:  q.maxRetries,
	}
	q.logger.Debug("deferred_upload_enqueued", zap.String("message_id", messageID))
	return nil
}

// Jobs returns a snapshot of the queued jobs, oldest first.
func (q *DeferredUploadQueue) Jobs() []DeferredJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeferredJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	sortJobs(out)
	return out
}

// PendingCount returns the number of jobs still to deliver.
func (q *DeferredUploadQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == JobPending {
			n++
		}
	}
	return n
}

func (q *DeferredUploadQueue) ready(limit int) []DeferredJob {
	var ready []DeferredJob
	for _, j := range q.jobs {
		if j.Status == JobPending && j.Retries < j.MaxRetries {
			ready = append(ready, *j)
		}
	}
	sortJobs(ready)
	if len(ready) > limit {
		ready = ready[:limit]
	}
	return ready
}

func sortJobs(jobs []DeferredJob) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].MessageID < jobs[k].MessageID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}

func (q *DeferredUploadQueue) ack(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, messageID)
}

func (q *DeferredUploadQueue) nack(messageID, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.jobs[messageID]
	if j == nil {
		return
	}
	j.Retries++
	j.Error = errMsg
	if j.Retries >= j.MaxRetries {
		j.Status = JobFailed
	}
}

func (q *DeferredUploadQueue) flushLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.Flush(ctx)
		}
	}
}

// Flush delivers ready jobs when online. Concurrent calls collapse into one.
func (q *DeferredUploadQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.flushing || q.flush == nil || !q.online() {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	jobs := q.ready(10)
	flush := q.flush
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for _, job := range jobs {
		if err := flush(ctx, job); err != nil {
			q.nack(job.MessageID, err.Error())
			q.logger.Warn("deferred_upload_failed",
				zap.String("message_id", job.MessageID),
				zap.Int("retries_left", job.MaxRetries-job.Retries-1),
				zap.Error(err))
			continue
		}
		q.ack(job.MessageID)
		q.logger.Debug("deferred_upload_delivered", zap.String("message_id", job.MessageID))
	}
}
