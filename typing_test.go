package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []TypingEvent
}

func (r *typingRecorder) sink(ev TypingEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *typingRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *typingRecorder) last() TypingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func typingEvent(typ, userID, cid string, createdAt time.Time) TypingEvent {
	channelType, channelID, _ := SplitCID(cid)
	return TypingEvent{
		EventHeader: EventHeader{Type: typ, CreatedAt: createdAt},
		ChannelRef:  ChannelRef{CID: cid, ChannelType: channelType, ChannelID: channelID},
		User:        User{ID: userID},
	}
}

func newTestTypingCache(rec *typingRecorder) (*TypingEventCache, *fakeScheduler, *fakeClock) {
	clock := newFakeClock()
	sched := newFakeScheduler(clock)
	return NewTypingEventCache(rec.sink, testConfig(clock, sched)), sched, clock
}

func TestTypingSynthesizesStopAfterTimeout(t *testing.T) {
	rec := &typingRecorder{}
	cache, sched, clock := newTestTypingCache(rec)

	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	assert.Equal(t, []string{EventTypingStart}, rec.types(), "start should be forwarded immediately")

	sched.Advance(6999 * time.Millisecond)
	assert.Equal(t, []string{EventTypingStart}, rec.types(), "no stop before the timeout")

	sched.Advance(time.Millisecond)
	require.Equal(t, []string{EventTypingStart, EventTypingStop}, rec.types())

	stop := rec.last()
	assert.Equal(t, testEpoch.Add(7000*time.Millisecond), stop.CreatedAt, "synthetic stop carries the clock time")
	assert.Equal(t, "bob", stop.User.ID)
	assert.Equal(t, "messaging:general", stop.CID)
	assert.Equal(t, 0, cache.Live(), "record should be gone after the stop")
	assert.Equal(t, 1.0, counterValue(cache.metrics.TypingSynthStops))
}

func TestTypingStopWithoutStartIsDropped(t *testing.T) {
	rec := &typingRecorder{}
	cache, _, clock := newTestTypingCache(rec)

	cache.ProcessEvent(typingEvent(EventTypingStop, "bob", "messaging:general", clock.Now()))

	assert.Empty(t, rec.types(), "orphan stop must not be forwarded")
	assert.Equal(t, 1.0, counterValue(cache.metrics.TypingDropped))
}

func TestTypingExplicitStopCancelsTimer(t *testing.T) {
	rec := &typingRecorder{}
	cache, sched, clock := newTestTypingCache(rec)

	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	sched.Advance(2 * time.Second)
	cache.ProcessEvent(typingEvent(EventTypingStop, "bob", "messaging:general", clock.Now()))

	assert.Equal(t, 0, sched.Active(), "explicit stop should cancel the timer")
	sched.Advance(time.Minute)
	assert.Equal(t, []string{EventTypingStart, EventTypingStop}, rec.types(), "only one stop per start")
}

func TestTypingRestartResetsTimer(t *testing.T) {
	rec := &typingRecorder{}
	cache, sched, clock := newTestTypingCache(rec)

	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	sched.Advance(5 * time.Second)
	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	assert.Equal(t, 1, sched.Active(), "one live timer per key")

	sched.Advance(5 * time.Second)
	assert.Equal(t, []string{EventTypingStart, EventTypingStart}, rec.types(), "restart should push the deadline out")

	sched.Advance(2 * time.Second)
	require.Equal(t, []string{EventTypingStart, EventTypingStart, EventTypingStop}, rec.types())
	assert.Equal(t, testEpoch.Add(12*time.Second), rec.last().CreatedAt)
}

func TestTypingKeysAreIndependent(t *testing.T) {
	rec := &typingRecorder{}
	cache, sched, clock := newTestTypingCache(rec)

	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	cache.ProcessEvent(typingEvent(EventTypingStart, "carol", "messaging:general", clock.Now()))
	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "team:general", clock.Now()))
	assert.Equal(t, 3, cache.Live())

	cache.ProcessEvent(typingEvent(EventTypingStop, "bob", "messaging:general", clock.Now()))
	assert.Equal(t, 2, cache.Live(), "stop only clears its own key")

	sched.Advance(DefaultTypingTimeout)
	assert.Equal(t, 0, cache.Live())

	starts, stops := 0, 0
	for _, typ := range rec.types() {
		switch typ {
		case EventTypingStart:
			starts++
		case EventTypingStop:
			stops++
		}
	}
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, stops)
}

func TestTypingClearCancelsWithoutStops(t *testing.T) {
	rec := &typingRecorder{}
	cache, sched, clock := newTestTypingCache(rec)

	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	cache.Clear()
	cache.Clear()

	sched.Advance(time.Minute)
	assert.Equal(t, []string{EventTypingStart}, rec.types())
	assert.Equal(t, 0, cache.Live())
	assert.Equal(t, 0, sched.Active())
}

func TestTypingConcurrentStartsKeepOneTimer(t *testing.T) {
	rec := &typingRecorder{}
	cache, sched, clock := newTestTypingCache(rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sched.Active())
	sched.Advance(DefaultTypingTimeout)

	stops := 0
	for _, typ := range rec.types() {
		if typ == EventTypingStop {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "concurrent starts must yield a single synthetic stop")
}

func TestTypingStateSinkUpdatesChannelState(t *testing.T) {
	registry := NewStateRegistry(NewMemoryRepository(), "alice", nil)
	clock := newFakeClock()
	sched := newFakeScheduler(clock)
	cache := NewTypingEventCache(TypingStateSink(registry), testConfig(clock, sched))
	cs := registry.Channel("messaging", "general")

	cache.ProcessEvent(typingEvent(EventTypingStart, "bob", "messaging:general", clock.Now()))
	assert.Len(t, cs.TypingUsers(), 1)

	sched.Advance(DefaultTypingTimeout)
	assert.Empty(t, cs.TypingUsers(), "expiry should clear the typing user")
}
