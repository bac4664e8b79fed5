package types

import "time"

type MessageKind string

const (
	MessageKindText  MessageKind = "TEXT"
	MessageKindImage MessageKind = "IMAGE"
	MessageKindFile  MessageKind = "FILE"

	MaxContentLength = 5000
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile:
		return true
	}
	return false
}

// Message is a committed chat message as returned by the persistence collaborator. CommitOrder is
// the stable per-room order key assigned at commit time.
type Message struct {
	Id           string      `json:"id"`
	RoomId       string      `json:"roomId"`
	SenderId     string      `json:"senderId"`
	Sender       *Identity   `json:"sender,omitempty"`
	Content      string      `json:"content"`
	Kind         MessageKind `json:"kind"`
	AttachmentId string      `json:"attachmentId,omitempty"`
	CommitOrder  int64       `json:"commitOrder"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// NewMessage is what a connection asks the persistence collaborator to commit.
type NewMessage struct {
	SenderId     string
	Content      string
	Kind         MessageKind
	AttachmentId string
}
