package chatsync

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Builder
// ============================================================================

// BatchBuilder collects the ids an event batch will touch before anything is
// loaded.
type BatchBuilder struct {
	channelIDs map[string]struct{}
	messageIDs map[string]struct{}
	pollIDs    map[string]struct{}
	threadIDs  map[string]struct{}
	users      map[string]User
}

// NewBatchBuilder returns an empty builder.
func NewBatchBuilder() *BatchBuilder {
	return &BatchBuilder{
		channelIDs: make(map[string]struct{}),
		messageIDs: make(map[string]struct{}),
		pollIDs:    make(map[string]struct{}),
		threadIDs:  make(map[string]struct{}),
		users:      make(map[string]User),
	}
}

func addIDs(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
}

func (b *BatchBuilder) AddToFetchChannels(cids ...string) *BatchBuilder {
	addIDs(b.channelIDs, cids)
	return b
}

func (b *BatchBuilder) AddToFetchMessages(ids ...string) *BatchBuilder {
	addIDs(b.messageIDs, ids)
	return b
}

func (b *BatchBuilder) AddToFetchPolls(ids ...string) *BatchBuilder {
	addIDs(b.pollIDs, ids)
	return b
}

func (b *BatchBuilder) AddToFetchThreads(parentIDs ...string) *BatchBuilder {
	addIDs(b.threadIDs, parentIDs)
	return b
}

// AddUsers records users carried directly on events.
func (b *BatchBuilder) AddUsers(users ...User) *BatchBuilder {
	for _, u := range users {
		if u.ID != "" {
			b.users[u.ID] = u
		}
	}
	return b
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build persists the collected users and loads the declared channels,
// messages, poll messages and threads into a new batch.
func (b *BatchBuilder) Build(ctx context.Context, repo Repository, currentUserID string, clock Clock) (*EventBatchUpdate, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if len(b.users) > 0 {
		users := make([]User, 0, len(b.users))
		for _, u := range b.users {
			users = append(users, u)
		}
		if err := repo.InsertUsers(ctx, users); err != nil {
			return nil, fmt.Errorf("insert batch users: %w", err)
		}
	}

	channels, err := repo.SelectChannels(ctx, setKeys(b.channelIDs))
	if err != nil {
		return nil, fmt.Errorf("load batch channels: %w", err)
	}
	messages, err := repo.SelectMessages(ctx, setKeys(b.messageIDs))
	if err != nil {
		return nil, fmt.Errorf("load batch messages: %w", err)
	}
	var pollMessages []Message
	if len(b.pollIDs) > 0 {
		pollMessages, err = repo.SelectMessagesWithPoll(ctx, setKeys(b.pollIDs))
		if err != nil {
			return nil, fmt.Errorf("load batch poll messages: %w", err)
		}
	}
	threads, err := repo.SelectThreads(ctx, setKeys(b.threadIDs))
	if err != nil {
		return nil, fmt.Errorf("load batch threads: %w", err)
	}

	u := &EventBatchUpdate{
		repo:          repo,
		currentUserID: currentUserID,
		clock:         clock,
		channels:      make(map[string]Channel, len(channels)),
		messages:      make(map[string]Message, len(messages)+len(pollMessages)),
		threads:       make(map[string]Thread, len(threads)),
		users:         make(map[string]User, len(b.users)),
	}
	for _, c := range channels {
		u.channels[c.CID] = c
	}
	for _, m := range messages {
		u.messages[m.ID] = m
	}
	for _, m := range pollMessages {
		u.messages[m.ID] = m
	}
	for _, t := range threads {
		u.threads[t.ParentMessageID] = t
	}
	for id, usr := range b.users {
		u.users[id] = usr
	}
	return u, nil
}

// ============================================================================
// Batch
// ============================================================================

// EventBatchUpdate holds the entities touched by one batch of events. All
// mutations are in memory until Execute.
type EventBatchUpdate struct {
	repo          Repository
	currentUserID string
	clock         Clock

	channels map[string]Channel
	messages map[string]Message
	threads  map[string]Thread
	users    map[string]User
}

// CurrentChannel returns the batch's copy of a channel.
func (u *EventBatchUpdate) CurrentChannel(cid string) (Channel, bool) {
	c, ok := u.channels[cid]
	return c, ok
}

// CurrentMessage returns the batch's copy of a message.
func (u *EventBatchUpdate) CurrentMessage(id string) (Message, bool) {
	m, ok := u.messages[id]
	return m, ok
}

// CurrentThread returns the batch's copy of a thread.
func (u *EventBatchUpdate) CurrentThread(parentID string) (Thread, bool) {
	t, ok := u.threads[parentID]
	return t, ok
}

// Channels returns the batch channels ordered by cid.
func (u *EventBatchUpdate) Channels() []Channel {
	out := make([]Channel, 0, len(u.channels))
	for _, k := range sortedKeys(u.channels) {
		out = append(out, u.channels[k])
	}
	return out
}

// Messages returns the batch messages ordered by id.
func (u *EventBatchUpdate) Messages() []Message {
	out := make([]Message, 0, len(u.messages))
	for _, k := range sortedKeys(u.messages) {
		out = append(out, u.messages[k])
	}
	return out
}

// Threads returns the batch threads ordered by parent id.
func (u *EventBatchUpdate) Threads() []Thread {
	out := make([]Thread, 0, len(u.threads))
	for _, k := range sortedKeys(u.threads) {
		out = append(out, u.threads[k])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// AddUser records a user to persist.
func (u *EventBatchUpdate) AddUser(user User) {
	if user.ID != "" {
		u.users[user.ID] = user
	}
}

// AddUsers records several users.
func (u *EventBatchUpdate) AddUsers(users ...User) {
	for _, user := range users {
		u.AddUser(user)
	}
}

// AddMessage stores a message in the batch. Unless updateExisting is set,
// only messages already part of the batch are replaced.
func (u *EventBatchUpdate) AddMessage(msg Message, updateExisting bool) {
	if _, ok := u.messages[msg.ID]; !ok && !updateExisting {
		return
	}
	u.AddUsers(msg.Users()...)
	u.messages[msg.ID] = msg
	u.syncChannelMessage(msg)
}

// syncChannelMessage refreshes the copy embedded in the channel's message
// page, if there is one.
func (u *EventBatchUpdate) syncChannelMessage(msg Message) {
	c, ok := u.channels[msg.CID]
	if !ok {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].ID == msg.ID {
			c.Messages = append([]Message(nil), c.Messages...)
			c.Messages[i] = msg
			u.channels[c.CID] = c
			return
		}
	}
}

// AddMessageData stores a message and updates the owning channel: its message
// page, last message timestamp and the current user's read state. receivedAt
// is the event time; the clock is used when it is zero.
func (u *EventBatchUpdate) AddMessageData(receivedAt time.Time, cid string, msg Message, isNew bool) {
	if receivedAt.IsZero() {
		receivedAt = u.clock.Now()
	}
	if msg.CID == "" {
		msg.CID = cid
	}
	if msg.CreatedAt == nil && msg.CreatedLocallyAt == nil {
		msg.CreatedAt = timePtr(receivedAt)
	}
	prev, seen := u.messages[msg.ID]
	replayed := seen && prev.SyncStatus == SyncStatusCompleted
	u.AddMessage(msg, true)

	c, ok := u.channels[cid]
	if !ok {
		c = NewChannel(cid)
	}
	if msg.VisibleInChannel() && !msg.Shadowed {
		c = upsertChannelMessage(c, msg)
		ts := msg.Timestamp()
		if c.LastMessageAt == nil || !ts.Before(*c.LastMessageAt) {
			c.LastMessageAt = timePtr(ts)
			c.LastMessageID = msg.ID
		}
	}
	// A replayed message only re-marks the channel read for its own author.
	if isNew && (!replayed || msg.User.ID == u.currentUserID) {
		c.Read = u.updateReads(c.Read, msg, receivedAt)
	}
	if isNew && !replayed && msg.ParentID != "" {
		u.addReply(msg)
	}
	u.channels[cid] = c
}

func upsertChannelMessage(c Channel, msg Message) Channel {
	msgs := make([]Message, 0, len(c.Messages)+1)
	for _, m := range c.Messages {
		if m.ID != msg.ID {
			msgs = append(msgs, m)
		}
	}
	msgs = append(msgs, msg)
	sortMessages(msgs)
	if len(msgs) > ChannelMessagesLimit {
		msgs = msgs[len(msgs)-ChannelMessagesLimit:]
	}
	c.Messages = msgs
	return c
}

// updateReads applies a new message to the current user's read state: own
// messages mark the channel read, countable messages from others bump the
// unread count.
func (u *EventBatchUpdate) updateReads(reads []ChannelUserRead, msg Message, receivedAt time.Time) []ChannelUserRead {
	if u.currentUserID == "" {
		return reads
	}
	reads = append([]ChannelUserRead(nil), reads...)
	idx := -1
	for i, r := range reads {
		if r.User.ID == u.currentUserID {
			idx = i
			break
		}
	}
	if idx < 0 {
		reads = append(reads, ChannelUserRead{User: User{ID: u.currentUserID}})
		idx = len(reads) - 1
	}
	r := reads[idx]
	r.LastReceivedEventDate = receivedAt
	switch {
	case msg.User.ID == u.currentUserID:
		r.LastRead = msg.Timestamp()
		r.LastReadMessageID = msg.ID
		r.UnreadMessages = 0
	case countsAsUnread(msg) && msg.Timestamp().After(r.LastRead):
		r.UnreadMessages++
	}
	reads[idx] = r
	return reads
}

func countsAsUnread(msg Message) bool {
	if msg.Silent || msg.Shadowed || !msg.VisibleInChannel() {
		return false
	}
	switch msg.Type {
	case MessageTypeEphemeral, MessageTypeError, MessageTypeSystem, MessageTypeDeleted:
		return false
	}
	return true
}

func (u *EventBatchUpdate) addReply(reply Message) {
	if parent, ok := u.messages[reply.ParentID]; ok {
		parent.ReplyCount++
		parent.ThreadParticipants = appendUniqueUser(parent.ThreadParticipants, reply.User)
		u.messages[parent.ID] = parent
		u.syncChannelMessage(parent)
	}
	if t, ok := u.threads[reply.ParentID]; ok {
		t.ReplyCount++
		replies := make([]Message, 0, len(t.LatestReplies)+1)
		for _, m := range t.LatestReplies {
			if m.ID != reply.ID {
				replies = append(replies, m)
			}
		}
		t.LatestReplies = append(replies, reply)
		sortMessages(t.LatestReplies)
		t.Participants = appendUniqueUser(t.Participants, reply.User)
		t.ParticipantCount = len(t.Participants)
		ts := reply.Timestamp()
		if t.LastMessageAt == nil || ts.After(*t.LastMessageAt) {
			t.LastMessageAt = timePtr(ts)
		}
		u.threads[t.ParentMessageID] = t
	}
}

func appendUniqueUser(users []User, user User) []User {
	if user.ID == "" {
		return users
	}
	for _, x := range users {
		if x.ID == user.ID {
			return users
		}
	}
	return append(append([]User(nil), users...), user)
}

// AddChannel stores a channel and the messages it carries. LastMessageAt
// never moves backwards unless the channel was truncated.
func (u *EventBatchUpdate) AddChannel(c Channel) {
	if prev, ok := u.channels[c.CID]; ok && prev.LastMessageAt != nil {
		truncated := c.TruncatedAt != nil && (prev.TruncatedAt == nil || c.TruncatedAt.After(*prev.TruncatedAt))
		if !truncated && (c.LastMessageAt == nil || prev.LastMessageAt.After(*c.LastMessageAt)) {
			c.LastMessageAt = prev.LastMessageAt
			c.LastMessageID = prev.LastMessageID
		}
	}
	u.AddUsers(c.Users()...)
	for i := range c.Messages {
		if c.Messages[i].CID == "" {
			c.Messages[i].CID = c.CID
		}
		u.messages[c.Messages[i].ID] = c.Messages[i]
	}
	u.channels[c.CID] = c
}

// AddThread stores a thread.
func (u *EventBatchUpdate) AddThread(t Thread) {
	u.AddUsers(t.Users()...)
	u.threads[t.ParentMessageID] = t
}

// AddPoll replaces the poll on every batch message referencing poll.ID.
func (u *EventBatchUpdate) AddPoll(poll Poll) {
	for id, m := range u.messages {
		if m.Poll == nil || m.Poll.ID != poll.ID {
			continue
		}
		m.Poll = clonePoll(&poll)
		u.messages[id] = m
		u.syncChannelMessage(m)
	}
}

// DeletePoll clears the reference on every batch message referencing poll.ID.
func (u *EventBatchUpdate) DeletePoll(poll Poll) {
	for id, m := range u.messages {
		if m.Poll == nil || m.Poll.ID != poll.ID {
			continue
		}
		m.Poll = nil
		u.messages[id] = m
		u.syncChannelMessage(m)
	}
}

// Execute persists users, channels, messages and threads in that order and
// stops at the first failure. The in-memory batch is left as is, so Execute
// can be retried.
func (u *EventBatchUpdate) Execute(ctx context.Context) error {
	delete(u.users, u.currentUserID)

	if len(u.users) > 0 {
		users := make([]User, 0, len(u.users))
		for _, k := range sortedKeys(u.users) {
			users = append(users, u.users[k])
		}
		if err := u.repo.InsertUsers(ctx, users); err != nil {
			return fmt.Errorf("persist users: %w", err)
		}
	}
	if len(u.channels) > 0 {
		channels := make([]Channel, 0, len(u.channels))
		for _, c := range u.Channels() {
			c.Messages = nil
			channels = append(channels, c)
		}
		if err := u.repo.InsertChannels(ctx, channels); err != nil {
			return fmt.Errorf("persist channels: %w", err)
		}
	}
	if len(u.messages) > 0 {
		if err := u.repo.InsertMessages(ctx, u.Messages()); err != nil {
			return fmt.Errorf("persist messages: %w", err)
		}
	}
	if len(u.threads) > 0 {
		if err := u.repo.InsertThreads(ctx, u.Threads()); err != nil {
			return fmt.Errorf("persist threads: %w", err)
		}
	}
	return nil
}
