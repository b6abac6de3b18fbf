package chatsync

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Clock & timers
// ============================================================================

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop reports whether the call stopped the timer before it fired.
	Stop() bool
}

// TimerScheduler schedules callbacks after a delay.
type TimerScheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler schedules on the runtime timers.
var SystemScheduler TimerScheduler = systemScheduler{}

// ============================================================================
// Configuration
// ============================================================================

// Defaults.
const (
	DefaultTypingTimeout         = 7000 * time.Millisecond
	DefaultChannelLimit          = 30
	DefaultMessageLimit          = 25
	DefaultMemberLimit           = 30
	DefaultDeferredFlushInterval = time.Second
	DefaultDeferredRetryLimit    = 5
	DefaultPredicateRate         = rate.Limit(5)
	DefaultPredicateBurst        = 5
)

// Config configures a Session and the components it wires.
type Config struct {
	CurrentUser User

	TypingTimeout          time.Duration
	ChannelLimit           int
	MessageLimit           int
	MemberLimit            int
	EnforceUniqueReactions bool

	DeferredFlushInterval time.Duration
	DeferredRetryLimit    int

	PredicateRate  rate.Limit
	PredicateBurst int

	ChannelAPI  ChannelAPI
	MessageAPI  MessageAPI
	Uploader    AttachmentUploader
	Predicate   ChannelFilterPredicate
	UploadQueue UploadJobQueue

	Logger    *zap.Logger
	Metrics   *Metrics
	Clock     Clock
	Scheduler TimerScheduler
}

func (c *Config) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = DefaultTypingTimeout
	}
	if c.ChannelLimit == 0 {
		c.ChannelLimit = DefaultChannelLimit
	}
	if c.MessageLimit == 0 {
		c.MessageLimit = DefaultMessageLimit
	}
	if c.MemberLimit == 0 {
		c.MemberLimit = DefaultMemberLimit
	}
	if c.DeferredFlushInterval == 0 {
		c.DeferredFlushInterval = DefaultDeferredFlushInterval
	}
	if c.DeferredRetryLimit == 0 {
		c.DeferredRetryLimit = DefaultDeferredRetryLimit
	}
	if c.PredicateRate == 0 {
		c.PredicateRate = DefaultPredicateRate
	}
	if c.PredicateBurst == 0 {
		c.PredicateBurst = DefaultPredicateBurst
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Scheduler == nil {
		c.Scheduler = SystemScheduler
	}
}

// Option configures a Session.
type Option func(*Config)

// WithCurrentUser sets the logged-in user.
func WithCurrentUser(u User) Option {
	return func(c *Config) { c.CurrentUser = u }
}

// WithTypingTimeout sets how long a typing start stays live without a stop.
func WithTypingTimeout(d time.Duration) Option {
	return func(c *Config) { c.TypingTimeout = d }
}

// WithChannelLimit sets the default page size for channel queries.
func WithChannelLimit(n int) Option {
	return func(c *Config) { c.ChannelLimit = n }
}

// WithMessageLimit sets how many messages are requested per channel.
func WithMessageLimit(n int) Option {
	return func(c *Config) { c.MessageLimit = n }
}

// WithEnforceUniqueReactions keeps at most one reaction per user and message.
func WithEnforceUniqueReactions(enforce bool) Option {
	return func(c *Config) { c.EnforceUniqueReactions = enforce }
}

// WithDeferredUploads configures the offline upload queue.
func WithDeferredUploads(flushInterval time.Duration, retryLimit int) Option {
	return func(c *Config) {
		c.DeferredFlushInterval = flushInterval
		c.DeferredRetryLimit = retryLimit
	}
}

// WithPredicateRateLimit bounds how often the default membership predicate
// reaches the remote service.
func WithPredicateRateLimit(r rate.Limit, burst int) Option {
	return func(c *Config) {
		c.PredicateRate = r
		c.PredicateBurst = burst
	}
}

// WithChannelAPI sets the remote channel query collaborator.
func WithChannelAPI(api ChannelAPI) Option {
	return func(c *Config) { c.ChannelAPI = api }
}

// WithMessageAPI sets the remote send collaborator.
func WithMessageAPI(api MessageAPI) Option {
	return func(c *Config) { c.MessageAPI = api }
}

// WithUploader sets the attachment upload collaborator.
func WithUploader(u AttachmentUploader) Option {
	return func(c *Config) { c.Uploader = u }
}

// WithFilterPredicate replaces the default membership predicate.
func WithFilterPredicate(p ChannelFilterPredicate) Option {
	return func(c *Config) { c.Predicate = p }
}

// WithUploadQueue replaces the in-process upload worker.
func WithUploadQueue(q UploadJobQueue) Option {
	return func(c *Config) { c.UploadQueue = q }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithClock sets the clock.
func WithClock(clock Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithTimerScheduler sets the scheduler used for typing expiry.
func WithTimerScheduler(s TimerScheduler) Option {
	return func(c *Config) { c.Scheduler = s }
}
