// Package chatsync is the offline-first state synchronization core of a chat
// client.
//
// A Session keeps a local snapshot of channels, messages, threads and users in
// a Repository and mirrors it into reactive state containers. Remote events
// are folded in as batches, channel lists are paged from the cache first and
// the network second, typing indicators expire on their own, and outgoing
// messages are written locally before their attachments upload and the
// message is sent.
//
// Usage:
//
//	repo := chatsync.NewMemoryRepository()
//	s := chatsync.NewSession(repo,
//		chatsync.WithCurrentUser(chatsync.User{ID: "alice"}),
//		chatsync.WithChannelAPI(client),
//		chatsync.WithMessageAPI(client),
//		chatsync.WithUploader(client),
//	)
//	defer s.Close()
//
//	q := s.QueryChannels(chatsync.In("members", "alice"), chatsync.DefaultChannelSort)
//	channels, err := q.QueryChannels(ctx, chatsync.QueryChannelsRequest{Limit: 30})
package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session wires the sync components for one logged-in user.
type Session struct {
	cfg  Config
	repo Repository

	registry *StateRegistry
	typing   *TypingEventCache
	events   *EventHandler
	broker   *AttachmentStateBroker
	worker   *UploadWorker
	deferred *DeferredUploadQueue
	sender   *SendMessageOrchestrator

	mu      sync.Mutex
	online  bool
	queries map[string]*QueryChannelsLogic
}

// NewSession creates a session over repo. The session starts online and its
// deferred upload queue is running.
func NewSession(repo Repository, opts ...Option) *Session {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()
	cfg.Logger = cfg.Logger.With(zap.String("user_id", cfg.CurrentUser.ID))
	if cfg.Predicate == nil && cfg.ChannelAPI != nil {
		cfg.Predicate = RemoteFilterPredicate(cfg.ChannelAPI, rate.NewLimiter(cfg.PredicateRate, cfg.PredicateBurst))
	}

	s := &Session{
		cfg:     cfg,
		repo:    repo,
		online:  true,
		queries: make(map[string]*QueryChannelsLogic),
	}
	s.registry = NewStateRegistry(repo, cfg.CurrentUser.ID, cfg.Logger)
	s.typing = NewTypingEventCache(TypingStateSink(s.registry), cfg)
	s.events = NewEventHandler(repo, s.registry, s.typing, s.activeQueries, cfg)
	s.broker = NewAttachmentStateBroker()

	uploads := cfg.UploadQueue
	if uploads == nil {
		s.worker = NewUploadWorker(repo, cfg.Uploader, s.broker, s.registry, cfg)
		uploads = s.worker
	}
	s.deferred = NewDeferredUploadQueue(nil, s.IsOnline, cfg)
	s.sender = NewSendMessageOrchestrator(repo, s.registry, s.broker, uploads, s.deferred, s.IsOnline, cfg)
	s.deferred.SetFlush(func(ctx context.Context, job DeferredJob) error {
		_, err := s.sender.ResumeSend(ctx, job.MessageID)
		return err
	})
	s.deferred.Start()
	return s
}

func (s *Session) Config() Config { return s.cfg }
func (s *Session) Repository() Repository { return s.repo }
func (s *Session) Registry() *StateRegistry { return s.registry }
func (s *Session) Typing() *TypingEventCache { return s.typing }
func (s *Session) Attachments() *AttachmentStateBroker { return s.broker }
func (s *Session) Deferred() *DeferredUploadQueue { return s.deferred }
func (s *Session) Orchestrator() *SendMessageOrchestrator { return s.sender }
func (s *Session) CurrentUser() User { return s.cfg.CurrentUser }
func (s *Session) Logger() *zap.Logger { return s.cfg.Logger }

// IsOnline reports the connectivity the session acts on.
func (s *Session) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline updates connectivity. Going online flushes deferred uploads.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.mu.Unlock()

	s.cfg.Logger.Info("connectivity_changed", zap.Bool("online", online))
	if online {
		go s.deferred.Flush(s.registry.Scope())
	}
}

// HandleEvents applies remote events.
func (s *Session) HandleEvents(ctx context.Context, events ...Event) error {
	return s.events.HandleEvents(ctx, events...)
}

// QueryChannels returns the query logic for (filter, sort), creating it on
// first use. Active queries see every handled event.
func (s *Session) QueryChannels(filter Filter, sort QuerySort) *QueryChannelsLogic {
	id := QuerySpecID(filter, sort)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.queries[id]; ok {
		return l
	}
	l := NewQueryChannelsLogic(filter, sort, s.registry, s.repo, s.IsOnline, s.cfg)
	s.queries[id] = l
	return l
}

func (s *Session) activeQueries() []*QueryChannelsLogic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueryChannelsLogic, 0, len(s.queries))
	for _, l := range s.queries {
		out = append(out, l)
	}
	return out
}

// Channel returns the reactive state of a channel.
func (s *Session) Channel(channelType, channelID string) *ChannelState {
	return s.registry.Channel(channelType, channelID)
}

// WatchChannel loads a channel's cached data into its state.
func (s *Session) WatchChannel(ctx context.Context, channelType, channelID string) (*ChannelState, error) {
	cs := s.registry.Channel(channelType, channelID)
	c, err := s.repo.SelectChannel(ctx, cs.CID())
	if err != nil {
		return cs, fmt.Errorf("load channel %s: %w", cs.CID(), err)
	}
	if c != nil {
		cs.SetChannel(*c)
	}
	return cs, nil
}

// Thread returns the reactive state of a thread.
func (s *Session) Thread(ctx context.Context, messageID string) (*ThreadState, error) {
	return s.registry.Thread(ctx, messageID)
}

// SendMessage sends a message through the orchestrator.
func (s *Session) SendMessage(ctx context.Context, channelType, channelID string, msg Message) (Message, error) {
	return s.sender.SendMessage(ctx, channelType, channelID, msg)
}

// Clear cancels pending sends, stops typing timers, empties the deferred queue
// and drops all reactive state. Stored data is kept and the session stays
// usable. Safe to call repeatedly.
func (s *Session) Clear() {
	s.sender.CancelJobs()
	s.typing.Clear()
	s.deferred.Reset()
	s.registry.Clear()
	s.mu.Lock()
	s.queries = make(map[string]*QueryChannelsLogic)
	s.mu.Unlock()
}

// Close clears the session and stops the deferred queue for good.
func (s *Session) Close() {
	s.Clear()
	s.deferred.Stop()
}

// Logout clears the session and wipes the repository.
func (s *Session) Logout(ctx context.Context) error {
	s.Clear()
	if err := s.repo.Clear(ctx); err != nil {
		return fmt.Errorf("clear repository: %w", err)
	}
	return nil
}
