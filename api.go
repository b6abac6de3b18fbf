package chatsync

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// QueryChannelsRequest is one page of a channel query.
type QueryChannelsRequest struct {
	Filter       Filter    `json:"filter_conditions"`
	Sort         QuerySort `json:"sort,omitempty"`
	Offset       int       `json:"offset"`
	Limit        int       `json:"limit"`
	MessageLimit int       `json:"message_limit,omitempty"`
	MemberLimit  int       `json:"member_limit,omitempty"`
	Watch        bool      `json:"watch,omitempty"`
	State        bool      `json:"state,omitempty"`
	Presence     bool      `json:"presence,omitempty"`
}

// IsFirstPage reports whether the request starts at offset zero.
func (r QueryChannelsRequest) IsFirstPage() bool { return r.Offset == 0 }

// Pagination is an offset/limit window.
type Pagination struct {
	Offset int
	Limit  int
}

// ChannelAPI is the remote channel query service.
type ChannelAPI interface {
	QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error)
	QueryChannel(ctx context.Context, channelType, channelID string) (Channel, error)
}

// MessageAPI is the remote message service.
type MessageAPI interface {
	SendMessage(ctx context.Context, channelType, channelID string, msg Message) (Message, error)
}

// UploadProgress receives byte counts while an attachment uploads.
type UploadProgress func(uploaded, total int64)

// AttachmentUploader uploads a local attachment and returns it with its
// remote URL filled in.
type AttachmentUploader interface {
	UploadAttachment(ctx context.Context, channelType, channelID string, att Attachment, progress UploadProgress) (Attachment, error)
}

// UploadJobQueue accepts upload jobs for a message. Progress is reported
// through the message's attachment states.
type UploadJobQueue interface {
	EnqueueJob(ctx context.Context, channelType, channelID, messageID string) error
}

// ChannelFilterPredicate decides whether a channel still matches a query
// filter when local data cannot tell.
type ChannelFilterPredicate func(ctx context.Context, filter Filter, cid string) (bool, error)

// AlwaysMatch is a predicate that keeps every channel.
func AlwaysMatch(context.Context, Filter, string) (bool, error) { return true, nil }

// RemoteFilterPredicate asks the remote service for the single channel under
// filter AND cid == X. Calls are rate limited by limiter when it is non-nil.
func RemoteFilterPredicate(api ChannelAPI, limiter *rate.Limiter) ChannelFilterPredicate {
	return func(ctx context.Context, filter Filter, cid string) (bool, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return false, fmt.Errorf("membership check %s: %w", cid, err)
			}
		}
		f := Eq("cid", cid)
		if !filter.IsZero() {
			f = And(filter, f)
		}
		channels, err := api.QueryChannels(ctx, QueryChannelsRequest{Filter: f, Limit: 1})
		if err != nil {
			return false, fmt.Errorf("membership check %s: %w", cid, err)
		}
		for _, c := range channels {
			if c.CID == cid {
				return true, nil
			}
		}
		return false, nil
	}
}
