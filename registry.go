package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// StateRegistry owns the reactive state containers of one session. Lookups
// create containers on first access; the same key always yields the same
// container until Clear.
type StateRegistry struct {
	repo          Repository
	logger        *zap.Logger
	currentUserID string

	scopeMu sync.Mutex
	scope   context.Context
	cancel  context.CancelFunc

	channelsMu sync.Mutex
	channels   map[string]*ChannelState

	queriesMu sync.Mutex
	queries   map[string]*QueryChannelsState

	threadsMu sync.Mutex
	threads   map[string]*ThreadState
}

// NewStateRegistry creates an empty registry reading thread parents from repo.
func NewStateRegistry(repo Repository, currentUserID string, logger *zap.Logger) *StateRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &StateRegistry{
		repo:          repo,
		logger:        logger,
		currentUserID: currentUserID,
		channels:      make(map[string]*ChannelState),
		queries:       make(map[string]*QueryChannelsState),
		threads:       make(map[string]*ThreadState),
	}
	r.scope, r.cancel = context.WithCancel(context.Background())
	return r
}

// Scope is cancelled by Clear. Background work tied to the registry's
// containers should run under it.
func (r *StateRegistry) Scope() context.Context {
	r.scopeMu.Lock()
	defer r.scopeMu.Unlock()
	return r.scope
}

// Channel returns the state for a channel, creating it if needed.
func (r *StateRegistry) Channel(channelType, channelID string) *ChannelState {
	cid := CID(channelType, channelID)
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()
	if s, ok := r.channels[cid]; ok {
		return s
	}
	s := newChannelState(channelType, channelID, r.currentUserID)
	r.channels[cid] = s
	return s
}

// ChannelByCID is Channel keyed by cid.
func (r *StateRegistry) ChannelByCID(cid string) (*ChannelState, error) {
	t, id, ok := SplitCID(cid)
	if !ok {
		return nil, fmt.Errorf("invalid cid %q", cid)
	}
	return r.Channel(t, id), nil
}

// ExistingChannel returns the state for cid without creating it.
func (r *StateRegistry) ExistingChannel(cid string) (*ChannelState, bool) {
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()
	s, ok := r.channels[cid]
	return s, ok
}

// QueryChannels returns the state for a query, creating it if needed.
func (r *StateRegistry) QueryChannels(filter Filter, sort QuerySort) *QueryChannelsState {
	id := QuerySpecID(filter, sort)
	r.queriesMu.Lock()
	defer r.queriesMu.Unlock()
	if s, ok := r.queries[id]; ok {
		return s
	}
	s := newQueryChannelsState(filter, sort)
	r.queries[id] = s
	return s
}

// Thread returns the state for the thread rooted at messageID. The parent is
// loaded from the repository on first access; a missing parent yields
// ErrMessageNotFound.
func (r *StateRegistry) Thread(ctx context.Context, messageID string) (*ThreadState, error) {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	if s, ok := r.threads[messageID]; ok {
		return s, nil
	}
	parent, err := r.repo.SelectMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load thread parent %s: %w", messageID, err)
	}
	if parent == nil {
		r.logger.Error("thread_parent_missing", zap.String("message_id", messageID))
		return nil, fmt.Errorf("thread parent %s: %w", messageID, ErrMessageNotFound)
	}
	s := newThreadState(*parent)
	r.threads[messageID] = s
	return s, nil
}

// ExistingThread returns the state for a thread without creating it.
func (r *StateRegistry) ExistingThread(messageID string) (*ThreadState, bool) {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	s, ok := r.threads[messageID]
	return s, ok
}

// ChannelStates snapshots the live channel states.
func (r *StateRegistry) ChannelStates() []*ChannelState {
	r.channelsMu.Lock()
	defer r.channelsMu.Unlock()
	out := make([]*ChannelState, 0, len(r.channels))
	for _, s := range r.channels {
		out = append(out, s)
	}
	return out
}

// QueryStates snapshots the live query states.
func (r *StateRegistry) QueryStates() []*QueryChannelsState {
	r.queriesMu.Lock()
	defer r.queriesMu.Unlock()
	out := make([]*QueryChannelsState, 0, len(r.queries))
	for _, s := range r.queries {
		out = append(out, s)
	}
	return out
}

// ThreadStates snapshots the live thread states.
func (r *StateRegistry) ThreadStates() []*ThreadState {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	out := make([]*ThreadState, 0, len(r.threads))
	for _, s := range r.threads {
		out = append(out, s)
	}
	return out
}

// Clear cancels the scope, drops every container and starts a fresh scope.
// Safe to call repeatedly.
func (r *StateRegistry) Clear() {
	r.scopeMu.Lock()
	r.cancel()
	r.scope, r.cancel = context.WithCancel(context.Background())
	r.scopeMu.Unlock()

	r.channelsMu.Lock()
	r.channels = make(map[string]*ChannelState)
	r.channelsMu.Unlock()

	r.queriesMu.Lock()
	r.queries = make(map[string]*QueryChannelsState)
	r.queriesMu.Unlock()

	r.threadsMu.Lock()
	r.threads = make(map[string]*ThreadState)
	r.threadsMu.Unlock()
}
