package protocol

import "fmt"

// EventType Dispatch 事件类型
type EventType string

const (
	EventReady   EventType = "READY"
	EventResumed EventType = "RESUMED"

	EventGuildCreate EventType = "GUILD_CREATE"
	EventGuildUpdate EventType = "GUILD_UPDATE"
	EventGuildDelete EventType = "GUILD_DELETE"

	EventChannelCreate EventType = "CHANNEL_CREATE"
	EventChannelUpdate EventType = "CHANNEL_UPDATE"
	EventChannelDelete EventType = "CHANNEL_DELETE"

	EventMemberAdd    EventType = "GUILD_MEMBER_ADD"
	EventMemberUpdate EventType = "GUILD_MEMBER_UPDATE"
	EventMemberRemove EventType = "GUILD_MEMBER_REMOVE"

	EventRoleCreate EventType = "GUILD_ROLE_CREATE"
	EventRoleUpdate EventType = "GUILD_ROLE_UPDATE"
	EventRoleDelete EventType = "GUILD_ROLE_DELETE"

	EventReactionAdd    EventType = "MESSAGE_REACTION_ADD"
	EventReactionRemove EventType = "MESSAGE_REACTION_REMOVE"

	EventAuditPass   EventType = "MESSAGE_AUDIT_PASS"
	EventAuditReject EventType = "MESSAGE_AUDIT_REJECT"

	EventAudioStart  EventType = "AUDIO_START"
	EventAudioFinish EventType = "AUDIO_FINISH"
	EventAudioOnMic  EventType = "AUDIO_ON_MIC"
	EventAudioOffMic EventType = "AUDIO_OFF_MIC"

	EventMessageCreate       EventType = "MESSAGE_CREATE"
	EventAtMessageCreate     EventType = "AT_MESSAGE_CREATE"
	EventDirectMessageCreate EventType = "DIRECT_MESSAGE_CREATE"
)

// User 用户
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Bot      bool   `json:"bot"`
}

// Member 频道成员
type Member struct {
	GuildID  string   `json:"guild_id,omitempty"`
	User     *User    `json:"user,omitempty"`
	Nick     string   `json:"nick,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	JoinedAt string   `json:"joined_at,omitempty"`
	OpUserID string   `json:"op_user_id,omitempty"`
}

// Guild 频道
type Guild struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Owner       bool   `json:"owner"`
	MemberCount int    `json:"member_count"`
	MaxMembers  int    `json:"max_members"`
	Description string `json:"description,omitempty"`
	JoinedAt    string `json:"joined_at,omitempty"`
	OpUserID    string `json:"op_user_id,omitempty"`
}

// Channel 子频道
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	SubType  int    `json:"sub_type"`
	Position int    `json:"position"`
	ParentID string `json:"parent_id,omitempty"`
	OwnerID  string `json:"owner_id,omitempty"`
	OpUserID string `json:"op_user_id,omitempty"`
}

// Role 身份组
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       uint32 `json:"color"`
	Hoist       int    `json:"hoist"`
	Number      int    `json:"number"`
	MemberLimit int    `json:"member_limit"`
}

// RoleChange 身份组变更
type RoleChange struct {
	GuildID  string `json:"guild_id"`
	Role     Role   `json:"role"`
	OpUserID string `json:"op_user_id,omitempty"`
}

// Emoji 表情
type Emoji struct {
	ID   string `json:"id"`
	Type int    `json:"type"`
}

// Reaction 表情表态
type Reaction struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Target    struct {
		ID   string `json:"id"`
		Type int    `json:"type"`
	} `json:"target"`
	Emoji Emoji `json:"emoji"`
}

// MessageAudit 消息审核结果
type MessageAudit struct {
	AuditID    string `json:"audit_id"`
	MessageID  string `json:"message_id,omitempty"`
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	AuditTime  string `json:"audit_time"`
	CreateTime string `json:"create_time"`
}

// AudioAction 音频事件
type AudioAction struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AudioURL  string `json:"audio_url,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Message 消息
type Message struct {
	ID              string  `json:"id"`
	ChannelID       string  `json:"channel_id"`
	GuildID         string  `json:"guild_id"`
	Content         string  `json:"content"`
	Timestamp       string  `json:"timestamp,omitempty"`
	Author          *User   `json:"author,omitempty"`
	Member          *Member `json:"member,omitempty"`
	Mentions        []*User `json:"mentions,omitempty"`
	MentionEveryone bool    `json:"mention_everyone"`
	SrcGuildID      string  `json:"src_guild_id,omitempty"` // 私信来源频道
	Seq             int64   `json:"seq,omitempty"`
}

// Ready READY 事件负载
type Ready struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
	Shard     [2]int `json:"shard"`
}

// Event Dispatch 事件（封闭集合，未知类型为 UnknownEvent）
type Event interface {
	EventType() EventType
}

type (
	ReadyEvent struct {
		Ready
	}
	ResumedEvent struct{}
	GuildEvent   struct {
		Type  EventType
		Guild Guild
	}
	ChannelEvent struct {
		Type    EventType
		Channel Channel
	}
	MemberEvent struct {
		Type   EventType
		Member Member
	}
	RoleEvent struct {
		Type   EventType
		Change RoleChange
	}
	ReactionEvent struct {
		Type     EventType
		Reaction Reaction
	}
	AuditEvent struct {
		Type  EventType
		Audit MessageAudit
	}
	AudioEvent struct {
		Type  EventType
		Audio AudioAction
	}
	MessageEvent struct {
		Type    EventType
		Message Message
	}
	UnknownEvent struct {
		Type EventType
		Raw  RawMessage
	}
)

func (*ReadyEvent) EventType() EventType      { return EventReady }
func (*ResumedEvent) EventType() EventType    { return EventResumed }
func (e *GuildEvent) EventType() EventType    { return e.Type }
func (e *ChannelEvent) EventType() EventType  { return e.Type }
func (e *MemberEvent) EventType() EventType   { return e.Type }
func (e *RoleEvent) EventType() EventType     { return e.Type }
func (e *ReactionEvent) EventType() EventType { return e.Type }
func (e *AuditEvent) EventType() EventType    { return e.Type }
func (e *AudioEvent) EventType() EventType    { return e.Type }
func (e *MessageEvent) EventType() EventType  { return e.Type }
func (e *UnknownEvent) EventType() EventType  { return e.Type }

// GuildID 返回事件所属频道，用于分片有序分发
func GuildID(e Event) string {
	switch ev := e.(type) {
	case *GuildEvent:
		return ev.Guild.ID
	case *ChannelEvent:
		return ev.Channel.GuildID
	case *MemberEvent:
		return ev.Member.GuildID
	case *RoleEvent:
		return ev.Change.GuildID
	case *ReactionEvent:
		return ev.Reaction.GuildID
	case *AuditEvent:
		return ev.Audit.GuildID
	case *AudioEvent:
		return ev.Audio.GuildID
	case *MessageEvent:
		return ev.Message.GuildID
	default:
		return ""
	}
}

// DecodeEvent 按事件类型解码负载
func DecodeEvent(t EventType, data RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch t {
	case EventReady:
		e := &ReadyEvent{}
		ev = e
		err = DecodePayload(data, &e.Ready)
	case EventResumed:
		ev = &ResumedEvent{}
	case EventGuildCreate, EventGuildUpdate, EventGuildDelete:
		e := &GuildEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Guild)
	case EventChannelCreate, EventChannelUpdate, EventChannelDelete:
		e := &ChannelEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Channel)
	case EventMemberAdd, EventMemberUpdate, EventMemberRemove:
		e := &MemberEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Member)
	case EventRoleCreate, EventRoleUpdate, EventRoleDelete:
		e := &RoleEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Change)
	case EventReactionAdd, EventReactionRemove:
		e := &ReactionEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Reaction)
	case EventAuditPass, EventAuditReject:
		e := &AuditEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Audit)
	case EventAudioStart, EventAudioFinish, EventAudioOnMic, EventAudioOffMic:
		e := &AudioEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Audio)
	case EventMessageCreate, EventAtMessageCreate, EventDirectMessageCreate:
		e := &MessageEvent{Type: t}
		ev = e
		err = DecodePayload(data, &e.Message)
	default:
		ev = &UnknownEvent{Type: t, Raw: data}
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}
