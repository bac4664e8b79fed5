package push

import (
	"context"

	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/types"
)

// OutboxStore persists notifications; *persistence.GormPersist implements it.
type OutboxStore interface {
	StorePushNotification(ctx context.Context, recipientId string, payload types.PushPayload) error
}

// Outbox is a Sender that writes every notification to the outbox table, from where the web
// push delivery picks them up.
type Outbox struct {
	Store OutboxStore
}

func (o Outbox) Send(ctx context.Context, recipientId string, payload types.PushPayload) error {
	return o.Store.StorePushNotification(ctx, recipientId, payload)
}

// LogSender only logs notifications. The server relays the outbox to it when no push service is
// attached.
type LogSender struct{}

func (LogSender) Send(_ context.Context, recipientId string, payload types.PushPayload) error {
	globals.AppLogger.Named("push").Info("offline notification", "recipient", recipientId, "type", payload.Type, "title", payload.Title)
	return nil
}
