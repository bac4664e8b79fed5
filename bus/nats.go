package bus

import (
	"github.com/nats-io/nats.go"
)

var _ Bus = (*NATS)(nil)

// NATS publishes over core NATS subjects. NATS delivers the messages of one subscription in order
// per publishing connection, and each instance publishes over a single connection.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(nc *nats.Conn) *NATS {
	return &NATS{nc: nc}
}

func (b *NATS) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

func (b *NATS) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Close flushes pending publishes. The connection itself belongs to the caller.
func (b *NATS) Close() error {
	return b.nc.Flush()
}
