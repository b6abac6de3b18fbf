package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// ── Clock & scheduler ──────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

type fakeTimerHandle struct {
	s *fakeScheduler
	t *fakeTimer
}

func (h fakeTimerHandle) Stop() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.t.stopped || h.t.fired {
		return false
	}
	h.t.stopped = true
	return true
}

// fakeScheduler fires timers when Advance moves the shared clock past them.
type fakeScheduler struct {
	clock *fakeClock

	mu     sync.Mutex
	timers []*fakeTimer
}

func newFakeScheduler(clock *fakeClock) *fakeScheduler {
	return &fakeScheduler{clock: clock}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{at: s.clock.Now().Add(d), f: f}
	s.timers = append(s.timers, t)
	return fakeTimerHandle{s: s, t: t}
}

// Advance moves the clock by d and runs due timers in deadline order. The
// callbacks run without the scheduler lock held.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.clock.Add(d)
	now := s.clock.Now()

	s.mu.Lock()
	var due []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(i, k int) bool { return due[i].at.Before(due[k].at) })
	for _, t := range due {
		t.f()
	}
}

// Active counts timers that are neither stopped nor fired.
func (s *fakeScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func testConfig(clock *fakeClock, sched *fakeScheduler) Config {
	cfg := Config{
		CurrentUser: User{ID: "alice", Name: "Alice"},
		Clock:       clock,
		Scheduler:   sched,
	}
	cfg.defaults()
	return cfg
}

// ── Repository wrappers ────────────────────────────────────

// blockingRepo blocks SelectQuerySpec until release is closed and counts the
// calls.
type blockingRepo struct {
	*MemoryRepository

	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func newBlockingRepo() *blockingRepo {
	return &blockingRepo{
		MemoryRepository: NewMemoryRepository(),
		entered:          make(chan struct{}, 8),
		release:          make(chan struct{}),
	}
}

func (r *blockingRepo) SelectQuerySpec(ctx context.Context, filter Filter, sort QuerySort) (*QueryChannelsSpec, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	r.entered <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.MemoryRepository.SelectQuerySpec(ctx, filter, sort)
}

func (r *blockingRepo) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// failingRepo fails every message insert.
type failingRepo struct {
	*MemoryRepository
	err error
}

func (r *failingRepo) InsertMessage(ctx context.Context, m Message) error { return r.err }
func (r *failingRepo) InsertMessages(ctx context.Context, m []Message) error {
	return r.err
}

// ── Remote fakes ───────────────────────────────────────────

type fakeChannelAPI struct {
	mu       sync.Mutex
	pages    [][]Channel
	err      error
	requests []QueryChannelsRequest
	single   map[string]Channel
}

func (f *fakeChannelAPI) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeChannelAPI) QueryChannel(ctx context.Context, channelType, channelID string) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.single[CID(channelType, channelID)]; ok {
		return c, nil
	}
	return Channel{}, &APIError{StatusCode: 404, Message: "channel not found"}
}

func (f *fakeChannelAPI) Requests() []QueryChannelsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]QueryChannelsRequest(nil), f.requests...)
}

type fakeMessageAPI struct {
	mu   sync.Mutex
	err  error
	sent []Message
}

func (f *fakeMessageAPI) SendMessage(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Message{}, f.err
	}
	f.sent = append(f.sent, msg)
	out := msg.Clone()
	now := testEpoch.Add(time.Minute)
	out.CreatedAt = &now
	out.SyncStatus = ""
	return out, nil
}

func (f *fakeMessageAPI) Sent() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

// fakeUploader reports one progress step per attachment and then succeeds,
// fails, or blocks until ctx ends.
type fakeUploader struct {
	fail  map[string]error
	block bool

	mu       sync.Mutex
	uploaded []string
}

func (f *fakeUploader) UploadAttachment(ctx context.Context, channelType, channelID string, att Attachment, progress UploadProgress) (Attachment, error) {
	if f.block {
		<-ctx.Done()
		return att, ctx.Err()
	}
	if err, ok := f.fail[att.Name]; ok {
		return att, err
	}
	if progress != nil {
		progress(att.FileSize/2, att.FileSize)
	}
	f.mu.Lock()
	f.uploaded = append(f.uploaded, att.Name)
	f.mu.Unlock()
	att.AssetURL = fmt.Sprintf("https://cdn.example.com/%s/%s", channelID, att.Name)
	return att, nil
}

func (f *fakeUploader) Uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploaded...)
}

// ── Builders ───────────────────────────────────────────────

func timeAt(offset time.Duration) *time.Time {
	t := testEpoch.Add(offset)
	return &t
}

func testMessage(id, cid, userID string, offset time.Duration) Message {
	return Message{
		ID:         id,
		CID:        cid,
		Text:       "text " + id,
		Type:       MessageTypeRegular,
		User:       User{ID: userID},
		CreatedAt:  timeAt(offset),
		SyncStatus: SyncStatusCompleted,
	}
}

func testChannel(cid string, lastMessage time.Duration) Channel {
	c := NewChannel(cid)
	c.CreatedAt = timeAt(0)
	c.LastMessageAt = timeAt(lastMessage)
	c.SyncStatus = SyncStatusCompleted
	return c
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}
