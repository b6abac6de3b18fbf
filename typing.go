package chatsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TypingSink receives typing events forwarded by the cache.
type TypingSink func(TypingEvent)

type typingKey struct {
	userID      string
	cid         string
	channelType string
}

type typingRecord struct {
	start TypingEvent
	timer Timer
	gen   uint64
}

// TypingEventCache forwards typing events and synthesizes the stop that never
// arrived once a start has been live for the timeout. Each key has at most one
// live timer and at most one stop per start.
type TypingEventCache struct {
	timeout   time.Duration
	clock     Clock
	scheduler TimerScheduler
	sink      TypingSink
	logger    *zap.Logger
	metrics   *Metrics

	mu      sync.Mutex
	records map[typingKey]*typingRecord
	gen     uint64
}

// NewTypingEventCache returns a cache forwarding to sink. The sink is called
// with the cache lock held and must not call ProcessEvent.
func NewTypingEventCache(sink TypingSink, cfg Config) *TypingEventCache {
	cfg.defaults()
	return &TypingEventCache{
		timeout:   cfg.TypingTimeout,
		clock:     cfg.Clock,
		scheduler: cfg.Scheduler,
		sink:      sink,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		records:   make(map[typingKey]*typingRecord),
	}
}

func keyOf(ev TypingEvent) typingKey {
	return typingKey{userID: ev.User.ID, cid: ev.EventCID(), channelType: ev.ChannelType}
}

// ProcessEvent handles a typing start or stop. Other event types are ignored.
func (c *TypingEventCache) ProcessEvent(ev TypingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case EventTypingStart:
		c.start(ev)
	case EventTypingStop:
		c.stop(ev)
	}
}

func (c *TypingEventCache) start(ev TypingEvent) {
	key := keyOf(ev)
	if rec, ok := c.records[key]; ok {
		rec.timer.Stop()
	}
	c.gen++
	gen := c.gen
	rec := &typingRecord{start: ev, gen: gen}
	rec.timer = c.scheduler.AfterFunc(c.timeout, func() { c.expire(key, gen) })
	c.records[key] = rec
	c.sink(ev)
}

func (c *TypingEventCache) stop(ev TypingEvent) {
	key := keyOf(ev)
	rec, ok := c.records[key]
	if !ok {
		c.metrics.TypingDropped.Inc()
		c.logger.Debug("typing_stop_without_start",
			zap.String("cid", key.cid), zap.String("user_id", key.userID))
		return
	}
	rec.timer.Stop()
	delete(c.records, key)
	c.sink(ev)
}

func (c *TypingEventCache) expire(key typingKey, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok || rec.gen != gen {
		return
	}
	stop := rec.start
	stop.Type = EventTypingStop
	stop.CreatedAt = c.clock.Now()
	c.metrics.TypingSynthStops.Inc()
	c.logger.Debug("typing_stop_synthesized",
		zap.String("cid", key.cid), zap.String("user_id", key.userID))
	c.stop(stop)
}

// Live reports how many typing records currently hold a timer.
func (c *TypingEventCache) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Clear cancels every timer without emitting stops.
func (c *TypingEventCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rec := range c.records {
		rec.timer.Stop()
		delete(c.records, key)
	}
}
