package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Event types
// ============================================================================

const (
	EventHealthCheck                  = "health.check"
	EventMessageNew                   = "message.new"
	EventMessageUpdated               = "message.updated"
	EventMessageDeleted               = "message.deleted"
	EventMessageRead                  = "message.read"
	EventNotificationMessageNew       = "notification.message_new"
	EventNotificationMarkRead         = "notification.mark_read"
	EventNotificationThreadMessageNew = "notification.thread_message_new"
	EventNotificationAddedToChannel   = "notification.added_to_channel"
	EventNotificationRemovedFromChan  = "notification.removed_from_channel"
	EventReactionNew                  = "reaction.new"
	EventReactionUpdated              = "reaction.updated"
	EventReactionDeleted              = "reaction.deleted"
	EventChannelUpdated               = "channel.updated"
	EventChannelDeleted               = "channel.deleted"
	EventChannelTruncated             = "channel.truncated"
	EventChannelHidden                = "channel.hidden"
	EventChannelVisible               = "channel.visible"
	EventMemberAdded                  = "member.added"
	EventMemberUpdated                = "member.updated"
	EventMemberRemoved                = "member.removed"
	EventUserUpdated                  = "user.updated"
	EventUserPresenceChanged          = "user.presence.changed"
	EventTypingStart                  = "typing.start"
	EventTypingStop                   = "typing.stop"
	EventPollUpdated                  = "poll.updated"
	EventPollClosed                   = "poll.closed"
	EventPollDeleted                  = "poll.deleted"
	EventPollVoteCasted               = "poll.vote_casted"
	EventPollVoteChanged              = "poll.vote_changed"
	EventPollVoteRemoved              = "poll.vote_removed"
	EventThreadUpdated                = "thread.updated"
)

// Event is anything delivered by the remote service.
type Event interface {
	EventType() string
	EventCreatedAt() time.Time
}

// ChannelScoped is implemented by events that reference one channel.
type ChannelScoped interface {
	Event
	EventCID() string
}

// EventHeader carries the fields common to every event.
type EventHeader struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

func (h EventHeader) EventType() string { return h.Type }
func (h EventHeader) EventCreatedAt() time.Time { return h.CreatedAt }

// ChannelRef identifies the channel an event belongs to.
type ChannelRef struct {
	CID         string `json:"cid"`
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
}

// EventCID returns the cid, deriving it from type and id when absent.
func (r ChannelRef) EventCID() string {
	if r.CID != "" {
		return r.CID
	}
	if r.ChannelType != "" && r.ChannelID != "" {
		return CID(r.ChannelType, r.ChannelID)
	}
	return ""
}

// ============================================================================
// Concrete events
// ============================================================================

type HealthEvent struct {
	EventHeader
	ConnectionID string `json:"connection_id"`
	Me           *User  `json:"me,omitempty"`
}

type NewMessageEvent struct {
	EventHeader
	ChannelRef
	User             *User   `json:"user,omitempty"`
	Message          Message `json:"message"`
	WatcherCount     int     `json:"watcher_count,omitempty"`
	TotalUnreadCount int     `json:"total_unread_count,omitempty"`
	UnreadChannels   int     `json:"unread_channels,omitempty"`
}

type MessageUpdatedEvent struct {
	EventHeader
	ChannelRef
	User    *User   `json:"user,omitempty"`
	Message Message `json:"message"`
}

type MessageDeletedEvent struct {
	EventHeader
	ChannelRef
	User       *User   `json:"user,omitempty"`
	Message    Message `json:"message"`
	HardDelete bool    `json:"hard_delete,omitempty"`
}

type NotificationMessageNewEvent struct {
	EventHeader
	ChannelRef
	Channel Channel `json:"channel"`
	Message Message `json:"message"`
}

type NotificationThreadMessageNewEvent struct {
	EventHeader
	ChannelRef
	Channel Channel `json:"channel"`
	Message Message `json:"message"`
}

// ReactionEvent covers reaction.new, reaction.updated and reaction.deleted.
type ReactionEvent struct {
	EventHeader
	ChannelRef
	User     *User    `json:"user,omitempty"`
	Message  *Message `json:"message,omitempty"`
	Reaction Reaction `json:"reaction"`
}

type ChannelUpdatedEvent struct {
	EventHeader
	ChannelRef
	User    *User    `json:"user,omitempty"`
	Channel Channel  `json:"channel"`
	Message *Message `json:"message,omitempty"`
}

type ChannelDeletedEvent struct {
	EventHeader
	ChannelRef
	Channel Channel `json:"channel"`
}

type ChannelTruncatedEvent struct {
	EventHeader
	ChannelRef
	User    *User    `json:"user,omitempty"`
	Channel Channel  `json:"channel"`
	Message *Message `json:"message,omitempty"`
}

type ChannelHiddenEvent struct {
	EventHeader
	ChannelRef
	User         *User `json:"user,omitempty"`
	ClearHistory bool  `json:"clear_history,omitempty"`
}

type ChannelVisibleEvent struct {
	EventHeader
	ChannelRef
	User *User `json:"user,omitempty"`
}

// MemberEvent covers member.added, member.updated and member.removed.
type MemberEvent struct {
	EventHeader
	ChannelRef
	User   *User  `json:"user,omitempty"`
	Member Member `json:"member"`
}

// MarkReadEvent covers message.read and notification.mark_read. Thread is set
// for thread reads.
type MarkReadEvent struct {
	EventHeader
	ChannelRef
	User              User    `json:"user"`
	LastReadMessageID string  `json:"last_read_message_id,omitempty"`
	Thread            *Thread `json:"thread,omitempty"`
}

// UserUpdatedEvent covers user.updated and user.presence.changed.
type UserUpdatedEvent struct {
	EventHeader
	User User `json:"user"`
}

// TypingEvent covers typing.start and typing.stop.
type TypingEvent struct {
	EventHeader
	ChannelRef
	User     User   `json:"user"`
	ParentID string `json:"parent_id,omitempty"`
}

// PollEvent covers poll.updated, poll.closed, poll.deleted and the vote events.
type PollEvent struct {
	EventHeader
	ChannelRef
	MessageID string `json:"message_id,omitempty"`
	Poll      Poll   `json:"poll"`
}

type ThreadUpdatedEvent struct {
	EventHeader
	ChannelRef
	Thread Thread `json:"thread"`
}

type NotificationAddedToChannelEvent struct {
	EventHeader
	ChannelRef
	Channel Channel `json:"channel"`
	Member  Member  `json:"member"`
}

type NotificationRemovedFromChannelEvent struct {
	EventHeader
	ChannelRef
	User   *User  `json:"user,omitempty"`
	Member Member `json:"member"`
}

// UnknownEvent preserves events this package does not interpret.
type UnknownEvent struct {
	EventHeader
	Raw json.RawMessage `json:"-"`
}

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent turns a wire event into its concrete type. Unrecognised types
// decode to *UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var header EventHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	var ev Event
	switch header.Type {
	case EventHealthCheck:
		ev = &HealthEvent{}
	case EventMessageNew:
		ev = &NewMessageEvent{}
	case EventMessageUpdated:
		ev = &MessageUpdatedEvent{}
	case EventMessageDeleted:
		ev = &MessageDeletedEvent{}
	case EventNotificationMessageNew:
		ev = &NotificationMessageNewEvent{}
	case EventNotificationThreadMessageNew:
		ev = &NotificationThreadMessageNewEvent{}
	case EventReactionNew, EventReactionUpdated, EventReactionDeleted:
		ev = &ReactionEvent{}
	case EventChannelUpdated:
		ev = &ChannelUpdatedEvent{}
	case EventChannelDeleted:
		ev = &ChannelDeletedEvent{}
	case EventChannelTruncated:
		ev = &ChannelTruncatedEvent{}
	case EventChannelHidden:
		ev = &ChannelHiddenEvent{}
	case EventChannelVisible:
		ev = &ChannelVisibleEvent{}
	case EventMemberAdded, EventMemberUpdated, EventMemberRemoved:
		ev = &MemberEvent{}
	case EventMessageRead, EventNotificationMarkRead:
		ev = &MarkReadEvent{}
	case EventUserUpdated, EventUserPresenceChanged:
		ev = &UserUpdatedEvent{}
	case EventTypingStart, EventTypingStop:
		ev = &TypingEvent{}
	case EventPollUpdated, EventPollClosed, EventPollDeleted,
		EventPollVoteCasted, EventPollVoteChanged, EventPollVoteRemoved:
		ev = &PollEvent{}
	case EventThreadUpdated:
		ev = &ThreadUpdatedEvent{}
	case EventNotificationAddedToChannel:
		ev = &NotificationAddedToChannelEvent{}
	case EventNotificationRemovedFromChan:
		ev = &NotificationRemovedFromChannelEvent{}
	default:
		return &UnknownEvent{EventHeader: header, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", header.Type, err)
	}
	fillEventCID(ev)
	return ev, nil
}

// fillEventCID copies the event-level cid onto embedded messages that arrive
// without one.
func fillEventCID(ev Event) {
	switch e := ev.(type) {
	case *NewMessageEvent:
		if e.Message.CID == "" {
			e.Message.CID = e.EventCID()
		}
	case *MessageUpdatedEvent:
		if e.Message.CID == "" {
			e.Message.CID = e.EventCID()
		}
	case *MessageDeletedEvent:
		if e.Message.CID == "" {
			e.Message.CID = e.EventCID()
		}
	case *NotificationMessageNewEvent:
		if e.Message.CID == "" {
			e.Message.CID = e.EventCID()
		}
	case *NotificationThreadMessageNewEvent:
		if e.Message.CID == "" {
			e.Message.CID = e.EventCID()
		}
	case *ReactionEvent:
		if e.Message != nil && e.Message.CID == "" {
			e.Message.CID = e.EventCID()
		}
	}
}

// eventUsers lists the users carried directly on an event.
func eventUsers(ev Event) []User {
	var users []User
	add := func(u *User) {
		if u != nil && u.ID != "" {
			users = append(users, *u)
		}
	}
	switch e := ev.(type) {
	case *HealthEvent:
		add(e.Me)
	case *NewMessageEvent:
		add(e.User)
		users = append(users, e.Message.Users()...)
	case *MessageUpdatedEvent:
		add(e.User)
		users = append(users, e.Message.Users()...)
	case *MessageDeletedEvent:
		add(e.User)
	case *NotificationMessageNewEvent:
		users = append(users, e.Channel.Users()...)
		users = append(users, e.Message.Users()...)
	case *NotificationThreadMessageNewEvent:
		users = append(users, e.Message.Users()...)
	case *ReactionEvent:
		add(e.User)
		add(e.Reaction.User)
	case *ChannelUpdatedEvent:
		add(e.User)
		users = append(users, e.Channel.Users()...)
	case *ChannelTruncatedEvent:
		add(e.User)
	case *ChannelHiddenEvent:
		add(e.User)
	case *ChannelVisibleEvent:
		add(e.User)
	case *MemberEvent:
		add(e.User)
		add(&e.Member.User)
	case *MarkReadEvent:
		add(&e.User)
	case *UserUpdatedEvent:
		add(&e.User)
	case *ThreadUpdatedEvent:
		users = append(users, e.Thread.Users()...)
	case *NotificationAddedToChannelEvent:
		users = append(users, e.Channel.Users()...)
		add(&e.Member.User)
	case *NotificationRemovedFromChannelEvent:
		add(e.User)
	}
	return users
}
