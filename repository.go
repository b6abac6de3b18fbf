package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Persistence contract
// ============================================================================

// UserRepository stores users by id.
type UserRepository interface {
	InsertUsers(ctx context.Context, users []User) error
	SelectUsers(ctx context.Context, ids []string) ([]User, error)
}

// ChannelRepository stores channel rows keyed by cid. Inserting a channel also
// stores the messages it carries; selecting one attaches its newest messages.
type ChannelRepository interface {
	InsertChannel(ctx context.Context, channel Channel) error
	InsertChannels(ctx context.Context, channels []Channel) error
	// SelectChannel returns nil when the channel is unknown.
	SelectChannel(ctx context.Context, cid string) (*Channel, error)
	SelectChannels(ctx context.Context, cids []string) ([]Channel, error)
	DeleteChannel(ctx context.Context, cid string) error
	DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error
}

// MessageRepository stores message rows keyed by id.
type MessageRepository interface {
	InsertMessage(ctx context.Context, message Message) error
	InsertMessages(ctx context.Context, messages []Message) error
	// SelectMessage returns nil when the message is unknown.
	SelectMessage(ctx context.Context, id string) (*Message, error)
	SelectMessages(ctx context.Context, ids []string) ([]Message, error)
	// SelectMessagesForChannel returns the newest limit channel-visible
	// messages in ascending order.
	SelectMessagesForChannel(ctx context.Context, cid string, limit int) ([]Message, error)
	SelectMessagesWithPoll(ctx context.Context, pollIDs []string) ([]Message, error)
	SelectMessagesBySyncStatus(ctx context.Context, status SyncStatus) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// ThreadRepository stores threads keyed by parent message id.
type ThreadRepository interface {
	InsertThreads(ctx context.Context, threads []Thread) error
	SelectThreads(ctx context.Context, parentIDs []string) ([]Thread, error)
}

// QueryChannelsRepository stores query specs keyed by their deterministic id.
type QueryChannelsRepository interface {
	InsertQuerySpec(ctx context.Context, spec QueryChannelsSpec) error
	// SelectQuerySpec returns nil when the query was never stored.
	SelectQuerySpec(ctx context.Context, filter Filter, sort QuerySort) (*QueryChannelsSpec, error)
}

// ChannelConfigRepository stores channel configs keyed by channel type.
type ChannelConfigRepository interface {
	InsertChannelConfigs(ctx context.Context, configs []ChannelConfig) error
	// SelectChannelConfig returns nil when the type is unknown.
	SelectChannelConfig(ctx context.Context, channelType string) (*ChannelConfig, error)
}

// Repository is the persistence facade used by the sync core. It contains no
// business logic.
type Repository interface {
	UserRepository
	ChannelRepository
	MessageRepository
	ThreadRepository
	QueryChannelsRepository
	ChannelConfigRepository
	Clear(ctx context.Context) error
}

// ChannelMessagesLimit is how many messages SelectChannel(s) attach.
const ChannelMessagesLimit = DefaultMessageLimit

// VisibleInChannel reports whether a message belongs to the channel's main
// message list.
func (m Message) VisibleInChannel() bool {
	return m.ParentID == "" || m.ShowInChannel
}

// ============================================================================
// MemoryRepository
// ============================================================================

// MemoryRepository is a goroutine-safe in-memory Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]User
	channels map[string]Channel
	messages map[string]Message
	threads  map[string]Thread
	queries  map[string]QueryChannelsSpec
	configs  map[string]ChannelConfig
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	r.reset()
	return r
}

func (r *MemoryRepository) reset() {
	r.users = make(map[string]User)
	r.channels = make(map[string]Channel)
	r.messages = make(map[string]Message)
	r.threads = make(map[string]Thread)
	r.queries = make(map[string]QueryChannelsSpec)
	r.configs = make(map[string]ChannelConfig)
}

// ── Users ────────────────────────────────────────────────

func (r *MemoryRepository) InsertUsers(ctx context.Context, users []User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		r.users[u.ID] = cloneUser(u)
	}
	return nil
}

func (r *MemoryRepository) SelectUsers(ctx context.Context, ids []string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []User
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, cloneUser(u))
		}
	}
	return out, nil
}

// ── Channels ─────────────────────────────────────────────

func (r *MemoryRepository) InsertChannel(ctx context.Context, channel Channel) error {
	return r.InsertChannels(ctx, []Channel{channel})
}

func (r *MemoryRepository) InsertChannels(ctx context.Context, channels []Channel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range channels {
		c = c.Clone()
		for _, m := range c.Messages {
			if m.CID == "" {
				m.CID = c.CID
			}
			r.messages[m.ID] = m
		}
		c.Messages = nil
		r.channels[c.CID] = c
	}
	return nil
}

func (r *MemoryRepository) SelectChannel(ctx context.Context, cid string) (*Channel, error) {
	channels, err := r.SelectChannels(ctx, []string{cid})
	if err != nil || len(channels) == 0 {
		return nil, err
	}
	return &channels[0], nil
}

func (r *MemoryRepository) SelectChannels(ctx context.Context, cids []string) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Channel
	for _, cid := range cids {
		c, ok := r.channels[cid]
		if !ok {
			continue
		}
		c = c.Clone()
		c.Messages = r.channelMessagesLocked(cid, ChannelMessagesLimit)
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepository) DeleteChannel(ctx context.Context, cid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, cid)
	for id, m := range r.messages {
		if m.CID == cid {
			delete(r.messages, id)
		}
	}
	return nil
}

func (r *MemoryRepository) DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.messages {
		if m.CID == cid && m.Timestamp().Before(before) {
			delete(r.messages, id)
		}
	}
	return nil
}

// ── Messages ─────────────────────────────────────────────

func (r *MemoryRepository) InsertMessage(ctx context.Context, message Message) error {
	return r.InsertMessages(ctx, []Message{message})
}

func (r *MemoryRepository) InsertMessages(ctx context.Context, messages []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range messages {
		r.messages[m.ID] = m.Clone()
	}
	return nil
}

func (r *MemoryRepository) SelectMessage(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, nil
	}
	m = m.Clone()
	return &m, nil
}

func (r *MemoryRepository) SelectMessages(ctx context.Context, ids []string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for _, id := range ids {
		if m, ok := r.messages[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) SelectMessagesForChannel(ctx context.Context, cid string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelMessagesLocked(cid, limit), nil
}

func (r *MemoryRepository) channelMessagesLocked(cid string, limit int) []Message {
	var result []Message
	for _, m := range r.messages {
		if m.CID == cid && m.VisibleInChannel() {
			result = append(result, m.Clone())
		}
	}
	sortMessages(result)
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

func (r *MemoryRepository) SelectMessagesWithPoll(ctx context.Context, pollIDs []string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(pollIDs))
	for _, id := range pollIDs {
		want[id] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for _, m := range r.messages {
		if m.Poll == nil {
			continue
		}
		if _, ok := want[m.Poll.ID]; ok {
			out = append(out, m.Clone())
		}
	}
	sortMessages(out)
	return out, nil
}

func (r *MemoryRepository) SelectMessagesBySyncStatus(ctx context.Context, status SyncStatus) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for _, m := range r.messages {
		if m.SyncStatus == status {
			out = append(out, m.Clone())
		}
	}
	sortMessages(out)
	return out, nil
}

func (r *MemoryRepository) DeleteMessage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
	return nil
}

// ── Threads ──────────────────────────────────────────────

func (r *MemoryRepository) InsertThreads(ctx context.Context, threads []Thread) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range threads {
		r.threads[t.ParentMessageID] = t.Clone()
	}
	return nil
}

func (r *MemoryRepository) SelectThreads(ctx context.Context, parentIDs []string) ([]Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Thread
	for _, id := range parentIDs {
		if t, ok := r.threads[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// ── Query specs ──────────────────────────────────────────

func (r *MemoryRepository) InsertQuerySpec(ctx context.Context, spec QueryChannelsSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if spec.ID == "" {
		spec.ID = QuerySpecID(spec.Filter, spec.Sort)
	}
	spec.CIDs = append([]string(nil), spec.CIDs...)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[spec.ID] = spec
	return nil
}

func (r *MemoryRepository) SelectQuerySpec(ctx context.Context, filter Filter, sort QuerySort) (*QueryChannelsSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.queries[QuerySpecID(filter, sort)]
	if !ok {
		return nil, nil
	}
	spec.CIDs = append([]string(nil), spec.CIDs...)
	return &spec, nil
}

// ── Channel configs ──────────────────────────────────────

func (r *MemoryRepository) InsertChannelConfigs(ctx context.Context, configs []ChannelConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range configs {
		r.configs[c.Type] = c
	}
	return nil
}

func (r *MemoryRepository) SelectChannelConfig(ctx context.Context, channelType string) (*ChannelConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[channelType]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Clear drops every row.
func (r *MemoryRepository) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	return nil
}

// sortMessages orders messages oldest first, ties broken by id.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, tj := msgs[i].Timestamp(), msgs[j].Timestamp()
		if ti.Equal(tj) {
			return msgs[i].ID < msgs[j].ID
		}
		return ti.Before(tj)
	})
}
