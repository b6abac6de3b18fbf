package chatsync

import (
	"context"

	"go.uber.org/zap"
)

// EventHandlingResult is what a query does with an event.
type EventHandlingResult int

const (
	EventSkip EventHandlingResult = iota
	EventAdd
	EventRemove
	EventRefresh
)

func (r EventHandlingResult) String() string {
	switch r {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventRefresh:
		return "refresh"
	}
	return "skip"
}

// HandlingDecision is the outcome of a ChatEventHandler for one event.
// Channel is set when the event carried the full channel.
type HandlingDecision struct {
	Result  EventHandlingResult
	CID     string
	Channel *Channel
}

// ChatEventHandler decides how a query's channel list reacts to an event.
// contains reports whether a cid is currently in the list.
type ChatEventHandler interface {
	HandleChatEvent(ctx context.Context, ev Event, filter Filter, contains func(cid string) bool) HandlingDecision
}

// DefaultChatEventHandler adds channels the current user joins or receives
// messages in, removes channels that are deleted or left, and refreshes the
// listed channels any other event touches. Channels not yet listed are added
// only when Predicate accepts them; a failing predicate keeps the channel.
type DefaultChatEventHandler struct {
	CurrentUserID string
	Predicate     ChannelFilterPredicate
	Logger        *zap.Logger
}

var _ ChatEventHandler = (*DefaultChatEventHandler)(nil)

func (h *DefaultChatEventHandler) HandleChatEvent(ctx context.Context, ev Event, filter Filter, contains func(string) bool) HandlingDecision {
	switch e := ev.(type) {
	case *NotificationAddedToChannelEvent:
		return h.addIfMatches(ctx, filter, e.Channel.CID, &e.Channel, contains)
	case *ChannelDeletedEvent:
		return h.removeIfListed(e.EventCID(), contains)
	case *NotificationRemovedFromChannelEvent:
		return h.removeIfListed(e.EventCID(), contains)
	case *MemberEvent:
		if e.Member.User.ID == h.CurrentUserID {
			switch e.Type {
			case EventMemberRemoved:
				return h.removeIfListed(e.EventCID(), contains)
			case EventMemberAdded:
				return h.addIfMatches(ctx, filter, e.EventCID(), nil, contains)
			}
		}
	case *NotificationMessageNewEvent:
		return h.addIfMatches(ctx, filter, e.EventCID(), &e.Channel, contains)
	case *NewMessageEvent:
		return h.addIfMatches(ctx, filter, e.EventCID(), nil, contains)
	case *ChannelVisibleEvent:
		return h.addIfMatches(ctx, filter, e.EventCID(), nil, contains)
	}
	if scoped, ok := ev.(ChannelScoped); ok {
		if cid := scoped.EventCID(); cid != "" && contains(cid) {
			return HandlingDecision{Result: EventRefresh, CID: cid}
		}
	}
	return HandlingDecision{Result: EventSkip}
}

func (h *DefaultChatEventHandler) removeIfListed(cid string, contains func(string) bool) HandlingDecision {
	if cid == "" || !contains(cid) {
		return HandlingDecision{Result: EventSkip, CID: cid}
	}
	return HandlingDecision{Result: EventRemove, CID: cid}
}

func (h *DefaultChatEventHandler) addIfMatches(ctx context.Context, filter Filter, cid string, channel *Channel, contains func(string) bool) HandlingDecision {
	if cid == "" {
		return HandlingDecision{Result: EventSkip}
	}
	if contains(cid) {
		return HandlingDecision{Result: EventRefresh, CID: cid}
	}
	if channel != nil && channel.CID == "" {
		channel = nil
	}
	if h.Predicate == nil {
		return HandlingDecision{Result: EventAdd, CID: cid, Channel: channel}
	}
	ok, err := h.Predicate(ctx, filter, cid)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("channel_filter_predicate_failed", zap.String("cid", cid), zap.Error(err))
		}
		ok = true
	}
	if !ok {
		return HandlingDecision{Result: EventSkip, CID: cid}
	}
	return HandlingDecision{Result: EventAdd, CID: cid, Channel: channel}
}
