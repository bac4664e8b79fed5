package persistence

import (
	"encoding/json"
	"time"

	"github.com/weilancys/lbchat/types"
	"gorm.io/datatypes"
)

const (
	ConversationDirect = "DIRECT"
	ConversationGroup  = "GROUP"
)

type User struct {
	Id          string `gorm:"primaryKey"`
	Username    string `gorm:"uniqueIndex;not null"`
	Email       string `gorm:"index"`
	DisplayName string
	AvatarUrl   string
	IsOnline    bool
	LastSeen    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (u *User) Identity() *types.Identity {
	return &types.Identity{
		Id:          u.Id,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarUrl:   u.AvatarUrl,
	}
}

// Conversation is a room. LastSeq is the commit order of the newest message; it is bumped in
// the same transaction that inserts a message.
type Conversation struct {
	Id        string `gorm:"primaryKey"`
	Type      string `gorm:"not null"`
	Name      string
	LastSeq   int64 `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ConversationMember struct {
	ConversationId string    `gorm:"primaryKey"`
	UserId         string    `gorm:"primaryKey;index"`
	JoinedAt       time.Time `gorm:"autoCreateTime"`
}

type Message struct {
	Id             string `gorm:"primaryKey"`
	ConversationId string `gorm:"not null;uniqueIndex:idx_messages_conversation_seq"`
	Seq            int64  `gorm:"not null;uniqueIndex:idx_messages_conversation_seq"`
	SenderId       string `gorm:"not null;index"`
	Content        string
	Kind           string `gorm:"not null"`
	AttachmentId   string
	CreatedAt      time.Time
}

func (m *Message) Message() *types.Message {
	return &types.Message{
		Id:           m.Id,
		RoomId:       m.ConversationId,
		SenderId:     m.SenderId,
		Content:      m.Content,
		Kind:         types.MessageKind(m.Kind),
		AttachmentId: m.AttachmentId,
		CommitOrder:  m.Seq,
		CreatedAt:    m.CreatedAt,
	}
}

// PushNotification is an outbox row written for every offline notification. push.Relay delivers
// pending rows and marks them sent.
type PushNotification struct {
	Id          string `gorm:"primaryKey"`
	RecipientId string `gorm:"not null;index"`
	Type        string `gorm:"not null"`
	Title       string
	Body        string
	Data        datatypes.JSON
	Sent        bool `gorm:"not null;index"`
	CreatedAt   time.Time
}

func (n *PushNotification) Payload() (types.PushPayload, error) {
	payload := types.PushPayload{Type: n.Type, Title: n.Title, Body: n.Body}
	if len(n.Data) == 0 {
		return payload, nil
	}
	err := json.Unmarshal(n.Data, &payload.Data)
	return payload, err
}
