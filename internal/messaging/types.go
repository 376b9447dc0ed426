package messaging

import (
	"slices"
	"time"
)

type MessageType string

const (
	TypeText MessageType = "text"
	TypeFile MessageType = "file"
)

type ChannelType string

const (
	ChannelPublic  ChannelType = "public"
	ChannelPrivate ChannelType = "private"
)

type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusAway    UserStatus = "away"
	StatusOffline UserStatus = "offline"
)

// ConversationRef identifies a channel or a direct pair. Exactly one field is set;
// a direct pair is keyed by the other participant's user id.
type ConversationRef struct {
	ChannelID string `json:"channel_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
}

func ChannelRef(id string) ConversationRef {
	return ConversationRef{ChannelID: id}
}

func DirectRef(peerID string) ConversationRef {
	return ConversationRef{PeerID: peerID}
}

func (r ConversationRef) IsChannel() bool {
	return r.ChannelID != "" && r.PeerID == ""
}

func (r ConversationRef) IsDirect() bool {
	return r.PeerID != "" && r.ChannelID == ""
}

func (r ConversationRef) Valid() bool {
	return r.IsChannel() != r.IsDirect()
}

// Key is a stable map key for the conversation.
func (r ConversationRef) Key() string {
	if r.IsDirect() {
		return "dm:" + r.PeerID
	}
	return "ch:" + r.ChannelID
}

func (r ConversationRef) String() string {
	return r.Key()
}

type Message struct {
	LocalID      string          `json:"local_id"`
	ServerID     string          `json:"server_id,omitempty"`
	Conversation ConversationRef `json:"conversation"`
	SenderID     string          `json:"sender_id"`
	Content      string          `json:"content"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         MessageType     `json:"type"`
	Files        []File          `json:"files,omitempty"`
	Reactions    []Reaction      `json:"reactions,omitempty"`
	ReadBy       []ReadReceipt   `json:"read_by,omitempty"`
	Delivery     DeliveryStatus  `json:"delivery_status"`
	IsEdited     bool            `json:"is_edited"`
	ReplyTo      string          `json:"reply_to,omitempty"`
}

type File struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	MimeType  string   `json:"mime_type"`
	SizeBytes int64    `json:"size_bytes"`
	Preview   *Preview `json:"preview,omitempty"`
}

type PreviewKind string

const (
	PreviewImage       PreviewKind = "image"
	PreviewPlaceholder PreviewKind = "placeholder"
)

type Preview struct {
	Kind   PreviewKind `json:"kind"`
	URL    string      `json:"url,omitempty"`
	Icon   string      `json:"icon,omitempty"`
	Width  int         `json:"width,omitempty"`
	Height int         `json:"height,omitempty"`
}

type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type DeliveryStatus struct {
	Sent        bool      `json:"sent"`
	Delivered   bool      `json:"delivered"`
	Read        bool      `json:"read"`
	LastUpdated time.Time `json:"last_updated"`
}

// Consistent reports whether read implies delivered implies sent.
func (d DeliveryStatus) Consistent() bool {
	if d.Read && !d.Delivered {
		return false
	}
	if d.Delivered && !d.Sent {
		return false
	}
	return true
}

type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Type        ChannelType `json:"type"`
	MemberCount int         `json:"member_count"`
	Description string      `json:"description,omitempty"`
	CreatedBy   string      `json:"created_by"`
	Permissions Permissions `json:"permissions"`
}

type Permissions struct {
	CanPost   []string `json:"can_post"`
	CanInvite []string `json:"can_invite"`
	CanManage []string `json:"can_manage"`
}

type ChatUser struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Role   string     `json:"role"`
	Status UserStatus `json:"status"`
}

// ID returns the server id once acknowledged, the local id before that.
func (m *Message) ID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

// HasID reports whether id names this message under either phase.
func (m *Message) HasID(id string) bool {
	return id != "" && (id == m.LocalID || id == m.ServerID)
}

func (m *Message) IsDM() bool {
	return m.Conversation.IsDirect()
}

func (m *Message) IsChannel() bool {
	return m.Conversation.IsChannel()
}

func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Message) Clone() *Message {
	c := *m
	c.Files = slices.Clone(m.Files)
	for i := range c.Files {
		if p := c.Files[i].Preview; p != nil {
			cp := *p
			c.Files[i].Preview = &cp
		}
	}
	c.ReadBy = slices.Clone(m.ReadBy)
	c.Reactions = make([]Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		c.Reactions[i] = Reaction{Emoji: r.Emoji, Users: slices.Clone(r.Users)}
	}
	if len(m.Reactions) == 0 {
		c.Reactions = nil
	}
	return &c
}

func (c *Channel) Clone() *Channel {
	cp := *c
	cp.Permissions = Permissions{
		CanPost:   slices.Clone(c.Permissions.CanPost),
		CanInvite: slices.Clone(c.Permissions.CanInvite),
		CanManage: slices.Clone(c.Permissions.CanManage),
	}
	return &cp
}

func (c *Channel) Ref() ConversationRef {
	return ChannelRef(c.ID)
}
