package persistence

import (
	"context"
	"errors"

	"github.com/weilancys/lbchat/types"
)

var ErrNotFound = errors.New("not found")

// Persister is the durable side of the chat: users, conversations and their members, messages
// and the push outbox. The real-time layer only reads membership and identities and writes
// messages, online flags and notifications.
type Persister interface {
	GetIdentity(ctx context.Context, id string) (*types.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*types.Identity, error)
	SetOnline(ctx context.Context, id string, online bool) error
	ListMembership(ctx context.Context, identityId string) ([]string, error)
	ListRoomMembers(ctx context.Context, roomId string) ([]string, error)
	IsMember(ctx context.Context, roomId, identityId string) (bool, error)
	// CreateMessage commits msg to roomId and returns it with its commit order. A sender that is
	// not a member yields a types.ErrValidation error, anything else that goes wrong a
	// types.ErrPersistenceUnavailable error.
	CreateMessage(ctx context.Context, roomId string, msg types.NewMessage) (*types.Message, error)
	StorePushNotification(ctx context.Context, recipientId string, payload types.PushPayload) error
	GetPendingPushNotifications(ctx context.Context, limit int) ([]*PushNotification, error)
	MarkPushNotificationsSent(ctx context.Context, ids []string) error
	StoreUser(ctx context.Context, user *User) error
	GetUsers(ctx context.Context) ([]*User, error)
	StoreConversation(ctx context.Context, conversation *Conversation, memberIds []string) error
	Close() error
}
