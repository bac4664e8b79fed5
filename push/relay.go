package push

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/persistence"
)

const defaultBatchSize = 100

// PendingStore is the read side of the outbox; *persistence.GormPersist implements it.
type PendingStore interface {
	GetPendingPushNotifications(ctx context.Context, limit int) ([]*persistence.PushNotification, error)
	MarkPushNotificationsSent(ctx context.Context, ids []string) error
}

// Relay drains the outbox: pending rows are handed to a delivery Sender and marked sent once
// delivered. Rows that fail stay pending for the next run.
type Relay struct {
	store  PendingStore
	sender Sender
	batch  int
	logger hclog.Logger
}

func NewRelay(store PendingStore, sender Sender, batch int) *Relay {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Relay{
		store:  store,
		sender: sender,
		batch:  batch,
		logger: globals.AppLogger.Named("push-relay"),
	}
}

// Flush delivers one batch of pending notifications and returns how many were marked sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.store.GetPendingPushNotifications(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := make([]string, 0, len(pending))
	for _, n := range pending {
		payload, err := n.Payload()
		if err != nil {
			r.logger.Error("malformed outbox row", "id", n.Id, "error", err)
			continue
		}
		if err := r.sender.Send(ctx, n.RecipientId, payload); err != nil {
			metrics.PushNotificationsTotal.WithLabelValues(n.Type, "undelivered").Inc()
			r.logger.Warn("could not deliver notification", "id", n.Id, "recipient", n.RecipientId, "error", err)
			continue
		}
		metrics.PushNotificationsTotal.WithLabelValues(n.Type, "delivered").Inc()
		sent = append(sent, n.Id)
	}
	if err := r.store.MarkPushNotificationsSent(ctx, sent); err != nil {
		return 0, err
	}
	return len(sent), nil
}

// Run is the cron entry point.
func (r *Relay) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	n, err := r.Flush(ctx)
	if err != nil {
		r.logger.Error("outbox relay failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("relayed notifications", "count", n)
	}
}
