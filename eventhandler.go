package chatsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EventHandler folds incoming events into the repository and the reactive
// state. Typing events bypass the batch and go through the typing cache.
type EventHandler struct {
	repo     Repository
	registry *StateRegistry
	typing   *TypingEventCache
	queries  func() []*QueryChannelsLogic

	currentUserID string
	enforceUnique bool
	clock         Clock
	logger        *zap.Logger
	metrics       *Metrics
}

// NewEventHandler wires an event handler. queries lists the active channel
// queries that should see every event; it may be nil.
func NewEventHandler(repo Repository, registry *StateRegistry, typing *TypingEventCache, queries func() []*QueryChannelsLogic, cfg Config) *EventHandler {
	cfg.defaults()
	if queries == nil {
		queries = func() []*QueryChannelsLogic { return nil }
	}
	return &EventHandler{
		repo:          repo,
		registry:      registry,
		typing:        typing,
		queries:       queries,
		currentUserID: cfg.CurrentUser.ID,
		enforceUnique: cfg.EnforceUniqueReactions,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// postCommit holds deletions that run after the batch is persisted.
type postCommit struct {
	hardDeletes []Message
	truncations map[string]time.Time
	watchers    map[string]int
}

// HandleEvents applies events in order as one batch. A persistence failure is
// returned and the same events may be handled again.
func (h *EventHandler) HandleEvents(ctx context.Context, events ...Event) error {
	var batched []Event
	for _, ev := range events {
		if te, ok := ev.(*TypingEvent); ok {
			if h.typing != nil {
				h.typing.ProcessEvent(*te)
			}
			h.metrics.EventsProcessed.WithLabelValues(te.Type).Inc()
			continue
		}
		batched = append(batched, ev)
	}
	if len(batched) == 0 {
		return nil
	}

	b := NewBatchBuilder()
	for _, ev := range batched {
		declareEvent(b, ev)
	}
	batch, err := b.Build(ctx, h.repo, h.currentUserID, h.clock)
	if err != nil {
		h.metrics.BatchFailures.Inc()
		h.logger.Error("event_batch_build_failed", zap.Int("events", len(batched)), zap.Error(err))
		return err
	}

	post := &postCommit{truncations: make(map[string]time.Time), watchers: make(map[string]int)}
	for _, ev := range batched {
		h.apply(batch, post, ev)
	}

	if err := batch.Execute(ctx); err != nil {
		h.metrics.BatchFailures.Inc()
		h.logger.Error("event_batch_commit_failed", zap.Int("events", len(batched)), zap.Error(err))
		return err
	}
	if err := h.runPostCommit(ctx, post); err != nil {
		h.metrics.BatchFailures.Inc()
		h.logger.Error("event_batch_post_commit_failed", zap.Error(err))
		return err
	}
	h.metrics.BatchCommits.Inc()

	h.updateStates(batch, post)
	for _, ev := range batched {
		h.metrics.EventsProcessed.WithLabelValues(ev.EventType()).Inc()
		for _, q := range h.queries() {
			if err := q.HandleEvent(ctx, ev); err != nil {
				h.logger.Warn("query_event_failed",
					zap.String("type", ev.EventType()), zap.String("query", q.State().ID()), zap.Error(err))
			}
		}
	}
	return nil
}

// ============================================================================
// Declaration
// ============================================================================

func declareEvent(b *BatchBuilder, ev Event) {
	b.AddUsers(eventUsers(ev)...)
	if scoped, ok := ev.(ChannelScoped); ok {
		b.AddToFetchChannels(scoped.EventCID())
	}
	declareMessage := func(m Message) {
		b.AddToFetchMessages(m.ID)
		if m.ParentID != "" {
			b.AddToFetchMessages(m.ParentID)
			b.AddToFetchThreads(m.ParentID)
		}
	}
	switch e := ev.(type) {
	case *NewMessageEvent:
		declareMessage(e.Message)
	case *MessageUpdatedEvent:
		declareMessage(e.Message)
	case *MessageDeletedEvent:
		declareMessage(e.Message)
	case *NotificationMessageNewEvent:
		declareMessage(e.Message)
	case *NotificationThreadMessageNewEvent:
		declareMessage(e.Message)
	case *ReactionEvent:
		b.AddToFetchMessages(e.Reaction.MessageID)
		if e.Message != nil {
			b.AddToFetchMessages(e.Message.ID)
		}
	case *ChannelUpdatedEvent:
		if e.Message != nil {
			declareMessage(*e.Message)
		}
	case *ChannelTruncatedEvent:
		if e.Message != nil {
			declareMessage(*e.Message)
		}
	case *PollEvent:
		b.AddToFetchPolls(e.Poll.ID)
		b.AddToFetchMessages(e.MessageID)
	case *MarkReadEvent:
		if e.Thread != nil {
			b.AddToFetchThreads(e.Thread.ParentMessageID)
		}
	case *ThreadUpdatedEvent:
		b.AddToFetchThreads(e.Thread.ParentMessageID)
		b.AddToFetchMessages(e.Thread.ParentMessageID)
	}
}

// ============================================================================
// Application
// ============================================================================

func (h *EventHandler) apply(batch *EventBatchUpdate, post *postCommit, ev Event) {
	switch e := ev.(type) {
	case *NewMessageEvent:
		msg := h.incoming(batch, e.Message)
		batch.AddMessageData(e.CreatedAt, e.EventCID(), msg, true)
		if e.WatcherCount > 0 {
			post.watchers[e.EventCID()] = e.WatcherCount
		}

	case *MessageUpdatedEvent:
		msg := h.incoming(batch, e.Message)
		batch.AddMessageData(e.CreatedAt, e.EventCID(), msg, false)

	case *MessageDeletedEvent:
		if e.HardDelete {
			post.hardDeletes = append(post.hardDeletes, e.Message)
			return
		}
		msg := h.incoming(batch, e.Message)
		msg.Type = MessageTypeDeleted
		if msg.DeletedAt == nil {
			msg.DeletedAt = timePtr(e.CreatedAt)
		}
		batch.AddMessage(msg, true)

	case *NotificationMessageNewEvent:
		if e.Channel.CID != "" {
			batch.AddChannel(h.mergeChannel(batch, e.Channel))
		}
		batch.AddMessageData(e.CreatedAt, e.EventCID(), h.incoming(batch, e.Message), true)

	case *NotificationThreadMessageNewEvent:
		batch.AddMessageData(e.CreatedAt, e.EventCID(), h.incoming(batch, e.Message), true)

	case *ReactionEvent:
		h.applyReaction(batch, e)

	case *ChannelUpdatedEvent:
		batch.AddChannel(h.mergeChannel(batch, e.Channel))
		if e.Message != nil {
			batch.AddMessage(h.incoming(batch, *e.Message), true)
		}

	case *ChannelDeletedEvent:
		c := h.channelFor(batch, e.EventCID(), &e.Channel)
		c.DeletedAt = e.Channel.DeletedAt
		if c.DeletedAt == nil {
			c.DeletedAt = timePtr(e.CreatedAt)
		}
		batch.AddChannel(c)

	case *ChannelTruncatedEvent:
		cid := e.EventCID()
		c := h.channelFor(batch, cid, &e.Channel)
		at := e.CreatedAt
		if e.Channel.TruncatedAt != nil {
			at = *e.Channel.TruncatedAt
		}
		c.TruncatedAt = timePtr(at)
		c.LastMessageAt = nil
		c.LastMessageID = ""
		kept := c.Messages[:0:0]
		for _, m := range c.Messages {
			if !m.Timestamp().Before(at) {
				kept = append(kept, m)
			}
		}
		c.Messages = kept
		batch.AddChannel(c)
		post.truncations[cid] = at
		if e.Message != nil {
			batch.AddMessageData(e.CreatedAt, cid, h.incoming(batch, *e.Message), true)
		}

	case *ChannelHiddenEvent:
		c := h.channelFor(batch, e.EventCID(), nil)
		c.Hidden = true
		if e.ClearHistory {
			c.HiddenMessagesBefore = timePtr(e.CreatedAt)
		}
		batch.AddChannel(c)

	case *ChannelVisibleEvent:
		c := h.channelFor(batch, e.EventCID(), nil)
		c.Hidden = false
		batch.AddChannel(c)

	case *MemberEvent:
		c := h.channelFor(batch, e.EventCID(), nil)
		if e.Type == EventMemberRemoved {
			c = removeMember(c, e.Member.User.ID)
		} else {
			c = upsertMember(c, e.Member)
		}
		batch.AddChannel(c)

	case *NotificationAddedToChannelEvent:
		c := h.mergeChannel(batch, e.Channel)
		if e.Member.User.ID != "" {
			c = upsertMember(c, e.Member)
		}
		batch.AddChannel(c)

	case *NotificationRemovedFromChannelEvent:
		c := h.channelFor(batch, e.EventCID(), nil)
		batch.AddChannel(removeMember(c, e.Member.User.ID))

	case *MarkReadEvent:
		h.applyRead(batch, e)

	case *UserUpdatedEvent:
		batch.AddUser(e.User)

	case *PollEvent:
		if e.Type == EventPollDeleted {
			batch.DeletePoll(e.Poll)
		} else {
			batch.AddPoll(e.Poll)
		}

	case *ThreadUpdatedEvent:
		t := e.Thread
		if prev, ok := batch.CurrentThread(t.ParentMessageID); ok {
			if t.LatestReplies == nil {
				t.LatestReplies = prev.LatestReplies
			}
			if t.Read == nil {
				t.Read = prev.Read
			}
			if t.ParentMessage == nil {
				t.ParentMessage = prev.ParentMessage
			}
		}
		if t.CID == "" {
			t.CID = e.EventCID()
		}
		batch.AddThread(t)
	}
}

// incoming marks a server message as synced and keeps the locally known own
// reactions, which the service does not echo to other users' events.
func (h *EventHandler) incoming(batch *EventBatchUpdate, msg Message) Message {
	msg.SyncStatus = SyncStatusCompleted
	if prev, ok := batch.CurrentMessage(msg.ID); ok {
		if msg.OwnReactions == nil {
			msg.OwnReactions = prev.OwnReactions
		}
		if msg.CreatedLocallyAt == nil {
			msg.CreatedLocallyAt = prev.CreatedLocallyAt
		}
		for i := range msg.Attachments {
			for _, pa := range prev.Attachments {
				if pa.UploadID != "" && pa.AssetURL == msg.Attachments[i].AssetURL && pa.ImageURL == msg.Attachments[i].ImageURL {
					msg.Attachments[i].UploadID = pa.UploadID
				}
			}
			msg.Attachments[i].UploadState = UploadState{Kind: UploadSuccess}
		}
	}
	return msg
}

// channelFor returns the batch copy of a channel, falling back to the event's
// channel and then to an empty one.
func (h *EventHandler) channelFor(batch *EventBatchUpdate, cid string, fromEvent *Channel) Channel {
	if c, ok := batch.CurrentChannel(cid); ok {
		return c
	}
	if fromEvent != nil && fromEvent.CID != "" {
		return *fromEvent
	}
	return NewChannel(cid)
}

// mergeChannel overlays a channel from an event on the batch copy, keeping
// collections the event left out.
func (h *EventHandler) mergeChannel(batch *EventBatchUpdate, in Channel) Channel {
	if in.CID == "" {
		in.CID = CID(in.Type, in.ID)
	}
	prev, ok := batch.CurrentChannel(in.CID)
	if !ok {
		return in
	}
	if in.Messages == nil {
		in.Messages = prev.Messages
	}
	if in.Read == nil {
		in.Read = prev.Read
	}
	if in.Members == nil {
		in.Members = prev.Members
		if in.MemberCount == 0 {
			in.MemberCount = prev.MemberCount
		}
	}
	if in.Config.Type == "" {
		in.Config = prev.Config
	}
	return in
}

func upsertMember(c Channel, m Member) Channel {
	members := make([]Member, 0, len(c.Members)+1)
	found := false
	for _, x := range c.Members {
		if x.User.ID == m.User.ID {
			members = append(members, m)
			found = true
			continue
		}
		members = append(members, x)
	}
	if !found {
		members = append(members, m)
		c.MemberCount++
	}
	c.Members = members
	return c
}

func removeMember(c Channel, userID string) Channel {
	members := make([]Member, 0, len(c.Members))
	for _, x := range c.Members {
		if x.User.ID != userID {
			members = append(members, x)
		}
	}
	if len(members) < len(c.Members) && c.MemberCount > 0 {
		c.MemberCount--
	}
	c.Members = members
	return c
}

func (h *EventHandler) applyReaction(batch *EventBatchUpdate, e *ReactionEvent) {
	id := e.Reaction.MessageID
	if id == "" && e.Message != nil {
		id = e.Message.ID
	}
	msg, ok := batch.CurrentMessage(id)
	if !ok {
		if e.Message == nil {
			return
		}
		msg = *e.Message
	}
	own := e.Reaction.UserID == h.currentUserID
	r := e.Reaction
	r.SyncStatus = SyncStatusCompleted
	switch e.Type {
	case EventReactionNew:
		msg.AddReaction(r, own, h.enforceUnique)
	case EventReactionUpdated:
		msg.AddReaction(r, own, true)
	case EventReactionDeleted:
		msg.RemoveReaction(r, own)
	}
	if e.Message != nil && e.Message.ReactionCounts != nil {
		msg.ReactionCounts = normalizeCounts(e.Message.ReactionCounts)
		msg.ReactionScores = normalizeCounts(e.Message.ReactionScores)
		msg.LatestReactions = e.Message.LatestReactions
	}
	if msg.CID == "" {
		msg.CID = e.EventCID()
	}
	batch.AddMessage(msg, true)
}

func (h *EventHandler) applyRead(batch *EventBatchUpdate, e *MarkReadEvent) {
	read := ChannelUserRead{
		User:                  e.User,
		LastRead:              e.CreatedAt,
		LastReadMessageID:     e.LastReadMessageID,
		LastReceivedEventDate: e.CreatedAt,
	}
	if e.Thread != nil {
		t, ok := batch.CurrentThread(e.Thread.ParentMessageID)
		if !ok {
			t = *e.Thread
		}
		t.Read = upsertRead(t.Read, read)
		batch.AddThread(t)
		return
	}
	c := h.channelFor(batch, e.EventCID(), nil)
	c.Read = upsertRead(c.Read, read)
	batch.AddChannel(c)
}

func upsertRead(reads []ChannelUserRead, r ChannelUserRead) []ChannelUserRead {
	out := make([]ChannelUserRead, 0, len(reads)+1)
	found := false
	for _, x := range reads {
		if x.User.ID == r.User.ID {
			if x.LastRead.After(r.LastRead) {
				r.LastRead = x.LastRead
			}
			out = append(out, r)
			found = true
			continue
		}
		out = append(out, x)
	}
	if !found {
		out = append(out, r)
	}
	return out
}

// ============================================================================
// Post commit
// ============================================================================

func (h *EventHandler) runPostCommit(ctx context.Context, post *postCommit) error {
	for _, m := range post.hardDeletes {
		if err := h.repo.DeleteMessage(ctx, m.ID); err != nil {
			return fmt.Errorf("hard delete message %s: %w", m.ID, err)
		}
	}
	for cid, at := range post.truncations {
		if err := h.repo.DeleteChannelMessagesBefore(ctx, cid, at); err != nil {
			return fmt.Errorf("truncate channel %s: %w", cid, err)
		}
	}
	return nil
}

// updateStates pushes the committed batch into the reactive containers that
// already exist. Containers are never created here.
func (h *EventHandler) updateStates(batch *EventBatchUpdate, post *postCommit) {
	for _, c := range batch.Channels() {
		if cs, ok := h.registry.ExistingChannel(c.CID); ok {
			cs.SetChannel(c)
		}
	}
	for _, m := range batch.Messages() {
		if cs, ok := h.registry.ExistingChannel(m.CID); ok {
			cs.UpsertMessages(m)
		}
		if ts, ok := h.registry.ExistingThread(m.ID); ok {
			ts.UpsertMessages(m)
		}
		if m.ParentID != "" {
			if ts, ok := h.registry.ExistingThread(m.ParentID); ok {
				ts.UpsertMessages(m)
			}
		}
	}
	for _, m := range post.hardDeletes {
		if cs, ok := h.registry.ExistingChannel(m.CID); ok {
			cs.DeleteMessage(m.ID)
		}
		if m.ParentID != "" {
			if ts, ok := h.registry.ExistingThread(m.ParentID); ok {
				ts.DeleteMessage(m.ID)
			}
		}
	}
	for cid, at := range post.truncations {
		if cs, ok := h.registry.ExistingChannel(cid); ok {
			cs.RemoveMessagesBefore(at)
		}
	}
	for cid, n := range post.watchers {
		if cs, ok := h.registry.ExistingChannel(cid); ok {
			cs.WatcherCount.Set(n)
		}
	}
}

// TypingStateSink forwards typing events from the cache into existing
// channel states.
func TypingStateSink(registry *StateRegistry) TypingSink {
	return func(ev TypingEvent) {
		if cs, ok := registry.ExistingChannel(ev.EventCID()); ok {
			cs.SetTyping(ev)
		}
	}
}
