package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Sync status
// ============================================================================

// SyncStatus tracks whether a locally created or modified record has been
// confirmed by the remote service.
type SyncStatus string

const (
	SyncStatusSyncNeeded          SyncStatus = "sync_needed"
	SyncStatusInProgress          SyncStatus = "in_progress"
	SyncStatusAwaitingAttachments SyncStatus = "awaiting_attachments"
	SyncStatusCompleted           SyncStatus = "completed"
	SyncStatusFailed              SyncStatus = "failed"
)

// Message types.
const (
	MessageTypeRegular   = "regular"
	MessageTypeEphemeral = "ephemeral"
	MessageTypeError     = "error"
	MessageTypeReply     = "reply"
	MessageTypeSystem    = "system"
	MessageTypeDeleted   = "deleted"
)

// ============================================================================
// Upload state
// ============================================================================

// UploadStateKind is the phase of a single attachment upload.
type UploadStateKind string

const (
	UploadIdle       UploadStateKind = "idle"
	UploadInProgress UploadStateKind = "in_progress"
	UploadSuccess    UploadStateKind = "success"
	UploadFailed     UploadStateKind = "failed"
)

// UploadState is the upload sub-state carried by every attachment.
type UploadState struct {
	Kind          UploadStateKind `json:"kind"`
	BytesUploaded int64           `json:"bytesUploaded,omitempty"`
	TotalBytes    int64           `json:"totalBytes,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ============================================================================
// Users & channels
// ============================================================================

// User is a chat participant.
type User struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Image      string         `json:"image,omitempty"`
	Role       string         `json:"role,omitempty"`
	Online     bool           `json:"online,omitempty"`
	LastActive *time.Time     `json:"last_active,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Member is a user's membership in a channel.
type Member struct {
	User      User      `json:"user"`
	Role      string    `json:"channel_role,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Banned    bool      `json:"banned,omitempty"`
}

// ChannelUserRead is the read state of one user in one channel.
type ChannelUserRead struct {
	User                  User      `json:"user"`
	LastRead              time.Time `json:"last_read"`
	UnreadMessages        int       `json:"unread_messages"`
	LastReadMessageID     string    `json:"last_read_message_id,omitempty"`
	LastReceivedEventDate time.Time `json:"last_received_event_date,omitempty"`
}

// ChannelConfig holds the per-channel-type feature switches.
type ChannelConfig struct {
	Type             string    `json:"type"`
	TypingEvents     bool      `json:"typing_events"`
	ReadEvents       bool      `json:"read_events"`
	Reactions        bool      `json:"reactions"`
	Replies          bool      `json:"replies"`
	Uploads          bool      `json:"uploads"`
	MaxMessageLength int       `json:"max_message_length,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// Channel is the local snapshot of one remote channel.
type Channel struct {
	CID                  string            `json:"cid"`
	Type                 string            `json:"type"`
	ID                   string            `json:"id"`
	Name                 string            `json:"name,omitempty"`
	Image                string            `json:"image,omitempty"`
	Team                 string            `json:"team,omitempty"`
	Cooldown             int               `json:"cooldown,omitempty"`
	CreatedBy            User              `json:"created_by,omitempty"`
	Members              []Member          `json:"members,omitempty"`
	MemberCount          int               `json:"member_count,omitempty"`
	Read                 []ChannelUserRead `json:"read,omitempty"`
	Messages             []Message         `json:"messages,omitempty"`
	LastMessageAt        *time.Time        `json:"last_message_at,omitempty"`
	LastMessageID        string            `json:"last_message_id,omitempty"`
	Hidden               bool              `json:"hidden,omitempty"`
	HiddenMessagesBefore *time.Time        `json:"hide_messages_before,omitempty"`
	TruncatedAt          *time.Time        `json:"truncated_at,omitempty"`
	DeletedAt            *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt            *time.Time        `json:"created_at,omitempty"`
	UpdatedAt            *time.Time        `json:"updated_at,omitempty"`
	Config               ChannelConfig     `json:"config,omitempty"`
	Extra                map[string]any    `json:"extra,omitempty"`
	SyncStatus           SyncStatus        `json:"-"`
}

// ============================================================================
// Messages, attachments, reactions, polls
// ============================================================================

// Attachment is a file, image or rich link attached to a message.
type Attachment struct {
	Type        string         `json:"type,omitempty"`
	Title       string         `json:"title,omitempty"`
	Name        string         `json:"name,omitempty"`
	AssetURL    string         `json:"asset_url,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	FileSize    int64          `json:"file_size,omitempty"`
	LocalPath   string         `json:"-"`
	UploadID    string         `json:"-"`
	UploadState UploadState    `json:"-"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// NeedsUpload reports whether the attachment points at a local file that has
// not been uploaded yet.
func (a Attachment) NeedsUpload() bool {
	return a.LocalPath != "" && a.AssetURL == "" && a.ImageURL == ""
}

// Reaction is one user's reaction to a message.
type Reaction struct {
	MessageID  string     `json:"message_id"`
	Type       string     `json:"type"`
	Score      int        `json:"score"`
	UserID     string     `json:"user_id"`
	User       *User      `json:"user,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
	SyncStatus SyncStatus `json:"-"`
}

// PollOption is a single choice in a poll.
type PollOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Poll is attached to at most one message per channel but may be referenced by
// several cached messages (e.g. quoted replies).
type Poll struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Options     []PollOption   `json:"options,omitempty"`
	VoteCounts  map[string]int `json:"vote_counts_by_option,omitempty"`
	Closed      bool           `json:"is_closed,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
}

// Message is a chat message, possibly a thread reply.
type Message struct {
	ID                 string         `json:"id"`
	CID                string         `json:"cid"`
	ParentID           string         `json:"parent_id,omitempty"`
	ShowInChannel      bool           `json:"show_in_channel,omitempty"`
	Type               string         `json:"type,omitempty"`
	Text               string         `json:"text"`
	User               User           `json:"user"`
	Attachments        []Attachment   `json:"attachments,omitempty"`
	LatestReactions    []Reaction     `json:"latest_reactions,omitempty"`
	OwnReactions       []Reaction     `json:"own_reactions,omitempty"`
	ReactionCounts     map[string]int `json:"reaction_counts,omitempty"`
	ReactionScores     map[string]int `json:"reaction_scores,omitempty"`
	ReplyCount         int            `json:"reply_count,omitempty"`
	ThreadParticipants []User         `json:"thread_participants,omitempty"`
	Poll               *Poll          `json:"poll,omitempty"`
	Silent             bool           `json:"silent,omitempty"`
	Shadowed           bool           `json:"shadowed,omitempty"`
	Pinned             bool           `json:"pinned,omitempty"`
	CreatedAt          *time.Time     `json:"created_at,omitempty"`
	CreatedLocallyAt   *time.Time     `json:"-"`
	UpdatedAt          *time.Time     `json:"updated_at,omitempty"`
	UpdatedLocallyAt   *time.Time     `json:"-"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
	SyncStatus         SyncStatus     `json:"-"`
}

// Thread is the local snapshot of a thread rooted at a parent message.
type Thread struct {
	ParentMessageID  string            `json:"parent_message_id"`
	CID              string            `json:"channel_cid"`
	ParentMessage    *Message          `json:"parent_message,omitempty"`
	Title            string            `json:"title,omitempty"`
	CreatedBy        User              `json:"created_by,omitempty"`
	Participants     []User            `json:"thread_participants,omitempty"`
	ParticipantCount int               `json:"participant_count,omitempty"`
	ReplyCount       int               `json:"reply_count,omitempty"`
	LatestReplies    []Message         `json:"latest_replies,omitempty"`
	Read             []ChannelUserRead `json:"read,omitempty"`
	LastMessageAt    *time.Time        `json:"last_message_at,omitempty"`
	CreatedAt        *time.Time        `json:"created_at,omitempty"`
	UpdatedAt        *time.Time        `json:"updated_at,omitempty"`
}

// ============================================================================
// Identifiers & helpers
// ============================================================================

// CID builds the composite channel identifier "type:id".
func CID(channelType, channelID string) string {
	return channelType + ":" + channelID
}

// SplitCID splits a cid into channel type and id.
func SplitCID(cid string) (channelType, channelID string, ok bool) {
	channelType, channelID, ok = strings.Cut(cid, ":")
	if !ok || channelType == "" || channelID == "" {
		return "", "", false
	}
	return channelType, channelID, true
}

// NewChannel returns an empty channel for a cid.
func NewChannel(cid string) Channel {
	t, id, _ := SplitCID(cid)
	return Channel{CID: cid, Type: t, ID: id}
}

// Users returns every user referenced by the channel.
func (c Channel) Users() []User {
	users := make([]User, 0, len(c.Members)+len(c.Read)+1)
	if c.CreatedBy.ID != "" {
		users = append(users, c.CreatedBy)
	}
	for _, m := range c.Members {
		users = append(users, m.User)
	}
	for _, r := range c.Read {
		users = append(users, r.User)
	}
	for _, m := range c.Messages {
		users = append(users, m.Users()...)
	}
	return users
}

// Users returns every user referenced by the message.
func (m Message) Users() []User {
	var users []User
	if m.User.ID != "" {
		users = append(users, m.User)
	}
	for _, r := range m.LatestReactions {
		if r.User != nil {
			users = append(users, *r.User)
		}
	}
	users = append(users, m.ThreadParticipants...)
	return users
}

// Users returns every user referenced by the thread.
func (t Thread) Users() []User {
	users := append([]User{}, t.Participants...)
	if t.CreatedBy.ID != "" {
		users = append(users, t.CreatedBy)
	}
	for _, r := range t.Read {
		users = append(users, r.User)
	}
	return users
}

// Timestamp is CreatedAt, falling back to CreatedLocallyAt.
func (m Message) Timestamp() time.Time {
	if m.CreatedAt != nil {
		return *m.CreatedAt
	}
	if m.CreatedLocallyAt != nil {
		return *m.CreatedLocallyAt
	}
	return time.Time{}
}

// HasPendingAttachments reports whether any attachment still has to reach Success.
func (m Message) HasPendingAttachments() bool {
	for _, a := range m.Attachments {
		if a.UploadState.Kind != UploadSuccess {
			return true
		}
	}
	return false
}

// ReadFor returns the read state of a user, if any.
func (c Channel) ReadFor(userID string) (ChannelUserRead, bool) {
	for _, r := range c.Read {
		if r.User.ID == userID {
			return r, true
		}
	}
	return ChannelUserRead{}, false
}

// LastMessage returns the newest cached message.
func (c Channel) LastMessage() (Message, bool) {
	var last Message
	found := false
	for _, m := range c.Messages {
		if !found || m.Timestamp().After(last.Timestamp()) {
			last, found = m, true
		}
	}
	return last, found
}

func timePtr(t time.Time) *time.Time { return &t }

// ============================================================================
// Copies
// ============================================================================
//
// Stored and observed values are copied at every boundary so that callers can
// never mutate a row or a reactive value in place.

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneUser(u User) User {
	u.Extra = cloneMap(u.Extra)
	return u
}

func clonePoll(p *Poll) *Poll {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Options = append([]PollOption(nil), p.Options...)
	cp.VoteCounts = cloneMap(p.VoteCounts)
	return &cp
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.User = cloneUser(m.User)
	m.Attachments = append([]Attachment(nil), m.Attachments...)
	for i := range m.Attachments {
		m.Attachments[i].Extra = cloneMap(m.Attachments[i].Extra)
	}
	m.LatestReactions = append([]Reaction(nil), m.LatestReactions...)
	m.OwnReactions = append([]Reaction(nil), m.OwnReactions...)
	m.ReactionCounts = cloneMap(m.ReactionCounts)
	m.ReactionScores = cloneMap(m.ReactionScores)
	m.ThreadParticipants = append([]User(nil), m.ThreadParticipants...)
	m.Poll = clonePoll(m.Poll)
	m.Extra = cloneMap(m.Extra)
	return m
}

// Clone returns a deep copy of the channel.
func (c Channel) Clone() Channel {
	c.CreatedBy = cloneUser(c.CreatedBy)
	c.Members = append([]Member(nil), c.Members...)
	c.Read = append([]ChannelUserRead(nil), c.Read...)
	if c.Messages != nil {
		msgs := make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			msgs[i] = m.Clone()
		}
		c.Messages = msgs
	}
	c.Extra = cloneMap(c.Extra)
	return c
}

// Clone returns a deep copy of the thread.
func (t Thread) Clone() Thread {
	if t.ParentMessage != nil {
		pm := t.ParentMessage.Clone()
		t.ParentMessage = &pm
	}
	t.Participants = append([]User(nil), t.Participants...)
	if t.LatestReplies != nil {
		replies := make([]Message, len(t.LatestReplies))
		for i, m := range t.LatestReplies {
			replies[i] = m.Clone()
		}
		t.LatestReplies = replies
	}
	t.Read = append([]ChannelUserRead(nil), t.Read...)
	return t
}
