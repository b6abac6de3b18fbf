package chatsync

import "time"

// ============================================================================
// Channel state
// ============================================================================

// ChannelState is the reactive in-memory view of one channel.
type ChannelState struct {
	cid           string
	channelType   string
	channelID     string
	currentUserID string

	Channel      *Observable[Channel]
	Messages     *Observable[map[string]Message]
	Reads        *Observable[map[string]ChannelUserRead]
	Typing       *Observable[map[string]TypingEvent]
	WatcherCount *Observable[int]
	Loading      *Observable[bool]
	LoadingOlder *Observable[bool]
	EndOfOlder   *Observable[bool]
	Hidden       *Observable[bool]
	UnreadCount  *Observable[int]
}

func newChannelState(channelType, channelID, currentUserID string) *ChannelState {
	cid := CID(channelType, channelID)
	return &ChannelState{
		cid:           cid,
		channelType:   channelType,
		channelID:     channelID,
		currentUserID: currentUserID,
		Channel:       NewObservable(NewChannel(cid)),
		Messages:      NewObservable(map[string]Message{}),
		Reads:         NewObservable(map[string]ChannelUserRead{}),
		Typing:        NewObservable(map[string]TypingEvent{}),
		WatcherCount:  NewObservable(0),
		Loading:       NewObservable(false),
		LoadingOlder:  NewObservable(false),
		EndOfOlder:    NewObservable(false),
		Hidden:        NewObservable(false),
		UnreadCount:   NewObservable(0),
	}
}

func (s *ChannelState) CID() string { return s.cid }
func (s *ChannelState) Type() string { return s.channelType }
func (s *ChannelState) ID() string { return s.channelID }

// SetChannel replaces the channel data and merges its messages and reads.
func (s *ChannelState) SetChannel(c Channel) {
	c = c.Clone()
	msgs := c.Messages
	c.Messages = nil
	s.Channel.Set(c)
	s.Hidden.Set(c.Hidden)
	if len(msgs) > 0 {
		s.UpsertMessages(msgs...)
	}
	for _, r := range c.Read {
		s.SetRead(r)
	}
}

// UpsertMessages inserts or replaces messages by id. Thread-only replies are
// ignored.
func (s *ChannelState) UpsertMessages(msgs ...Message) {
	s.Messages.Update(func(cur map[string]Message) map[string]Message {
		next := cloneMap(cur)
		for _, m := range msgs {
			if !m.VisibleInChannel() {
				continue
			}
			next[m.ID] = m.Clone()
		}
		return next
	})
}

// DeleteMessage removes a message from the view.
func (s *ChannelState) DeleteMessage(id string) {
	s.Messages.Update(func(cur map[string]Message) map[string]Message {
		if _, ok := cur[id]; !ok {
			return cur
		}
		next := cloneMap(cur)
		delete(next, id)
		return next
	})
}

// RemoveMessagesBefore drops messages older than t.
func (s *ChannelState) RemoveMessagesBefore(t time.Time) {
	s.Messages.Update(func(cur map[string]Message) map[string]Message {
		next := make(map[string]Message, len(cur))
		for id, m := range cur {
			if !m.Timestamp().Before(t) {
				next[id] = m
			}
		}
		return next
	})
}

// SetTyping records a typing start or clears it on stop.
func (s *ChannelState) SetTyping(ev TypingEvent) {
	s.Typing.Update(func(cur map[string]TypingEvent) map[string]TypingEvent {
		next := cloneMap(cur)
		switch ev.Type {
		case EventTypingStart:
			next[ev.User.ID] = ev
		case EventTypingStop:
			delete(next, ev.User.ID)
		}
		return next
	})
}

// SetRead stores a user's read state; the current user's entry drives
// UnreadCount.
func (s *ChannelState) SetRead(r ChannelUserRead) {
	s.Reads.Update(func(cur map[string]ChannelUserRead) map[string]ChannelUserRead {
		next := cloneMap(cur)
		next[r.User.ID] = r
		return next
	})
	if r.User.ID == s.currentUserID {
		s.UnreadCount.Set(r.UnreadMessages)
	}
}

// SortedMessages returns the messages oldest first.
func (s *ChannelState) SortedMessages() []Message {
	cur := s.Messages.Value()
	out := make([]Message, 0, len(cur))
	for _, m := range cur {
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// TypingUsers returns the users currently typing in the channel.
func (s *ChannelState) TypingUsers() []User {
	cur := s.Typing.Value()
	out := make([]User, 0, len(cur))
	for _, ev := range cur {
		out = append(out, ev.User)
	}
	return out
}

// ToChannel assembles a Channel snapshot from the state.
func (s *ChannelState) ToChannel() Channel {
	c := s.Channel.Value().Clone()
	c.Messages = s.SortedMessages()
	reads := s.Reads.Value()
	c.Read = make([]ChannelUserRead, 0, len(reads))
	for _, r := range reads {
		c.Read = append(c.Read, r)
	}
	c.Hidden = s.Hidden.Value()
	if last, ok := c.LastMessage(); ok {
		ts := last.Timestamp()
		if c.LastMessageAt == nil || !ts.Before(*c.LastMessageAt) {
			c.LastMessageAt = &ts
			c.LastMessageID = last.ID
		}
	}
	return c
}

// ============================================================================
// Query channels state
// ============================================================================

// QueryChannelsState is the reactive view of one (filter, sort) query.
type QueryChannelsState struct {
	filter Filter
	sort   QuerySort

	// Channels is nil until the first page has loaded.
	Channels       *Observable[map[string]Channel]
	Loading        *Observable[bool]
	LoadingMore    *Observable[bool]
	EndOfChannels  *Observable[bool]
	RecoveryNeeded *Observable[bool]
	ChannelsOffset *Observable[int]
	Err            *Observable[error]
	CurrentRequest *Observable[*QueryChannelsRequest]
}

func newQueryChannelsState(filter Filter, sort QuerySort) *QueryChannelsState {
	return &QueryChannelsState{
		filter:         filter,
		sort:           sort,
		Channels:       NewObservable[map[string]Channel](nil),
		Loading:        NewObservable(false),
		LoadingMore:    NewObservable(false),
		EndOfChannels:  NewObservable(false),
		RecoveryNeeded: NewObservable(false),
		ChannelsOffset: NewObservable(0),
		Err:            NewObservable[error](nil),
		CurrentRequest: NewObservable[*QueryChannelsRequest](nil),
	}
}

func (s *QueryChannelsState) Filter() Filter { return s.filter }
func (s *QueryChannelsState) Sort() QuerySort { return s.sort }

// ID is the query spec id for the state's filter and sort.
func (s *QueryChannelsState) ID() string { return QuerySpecID(s.filter, s.sort) }

// SortedChannels returns the channels in query order, or nil when nothing has
// loaded yet.
func (s *QueryChannelsState) SortedChannels() []Channel {
	cur := s.Channels.Value()
	if cur == nil {
		return nil
	}
	out := make([]Channel, 0, len(cur))
	for _, c := range cur {
		out = append(out, c)
	}
	sortBy := s.sort
	if len(sortBy) == 0 {
		sortBy = DefaultChannelSort
	}
	sortBy.SortChannels(out)
	return out
}

// CIDs returns the cids currently shown.
func (s *QueryChannelsState) CIDs() []string {
	cur := s.Channels.Value()
	out := make([]string, 0, len(cur))
	for cid := range cur {
		out = append(out, cid)
	}
	return out
}

// Contains reports whether cid is currently shown.
func (s *QueryChannelsState) Contains(cid string) bool {
	_, ok := s.Channels.Value()[cid]
	return ok
}

// upsertChannels merges channels into the map, initialising it when needed.
func (s *QueryChannelsState) upsertChannels(channels []Channel) {
	s.Channels.Update(func(cur map[string]Channel) map[string]Channel {
		next := make(map[string]Channel, len(cur)+len(channels))
		for k, v := range cur {
			next[k] = v
		}
		for _, c := range channels {
			next[c.CID] = c
		}
		return next
	})
}

func (s *QueryChannelsState) removeChannels(cids []string) {
	s.Channels.Update(func(cur map[string]Channel) map[string]Channel {
		if cur == nil {
			return nil
		}
		next := cloneMap(cur)
		for _, cid := range cids {
			delete(next, cid)
		}
		return next
	})
}

// ============================================================================
// Thread state
// ============================================================================

// ThreadState is the reactive view of one thread.
type ThreadState struct {
	parentID string
	cid      string

	Parent     *Observable[Message]
	Messages   *Observable[map[string]Message]
	Loading    *Observable[bool]
	EndOfOlder *Observable[bool]
}

func newThreadState(parent Message) *ThreadState {
	return &ThreadState{
		parentID:   parent.ID,
		cid:        parent.CID,
		Parent:     NewObservable(parent.Clone()),
		Messages:   NewObservable(map[string]Message{}),
		Loading:    NewObservable(false),
		EndOfOlder: NewObservable(false),
	}
}

func (s *ThreadState) ParentID() string { return s.parentID }
func (s *ThreadState) CID() string { return s.cid }

// UpsertMessages adds replies belonging to the thread; the parent itself
// updates Parent.
func (s *ThreadState) UpsertMessages(msgs ...Message) {
	var replies []Message
	for _, m := range msgs {
		switch {
		case m.ID == s.parentID:
			s.Parent.Set(m.Clone())
		case m.ParentID == s.parentID:
			replies = append(replies, m.Clone())
		}
	}
	if len(replies) == 0 {
		return
	}
	s.Messages.Update(func(cur map[string]Message) map[string]Message {
		next := cloneMap(cur)
		for _, m := range replies {
			next[m.ID] = m
		}
		return next
	})
}

// DeleteMessage removes a reply.
func (s *ThreadState) DeleteMessage(id string) {
	s.Messages.Update(func(cur map[string]Message) map[string]Message {
		if _, ok := cur[id]; !ok {
			return cur
		}
		next := cloneMap(cur)
		delete(next, id)
		return next
	})
}

// SortedMessages returns the replies oldest first.
func (s *ThreadState) SortedMessages() []Message {
	cur := s.Messages.Value()
	out := make([]Message, 0, len(cur))
	for _, m := range cur {
		out = append(out, m)
	}
	sortMessages(out)
	return out
}
