package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/weilancys/lbchat/presence"
	"github.com/weilancys/lbchat/types"
)

// SessionTTL bounds how long a session record survives without being ended, e.g. when both
// parties' instances crashed.
const SessionTTL = 12 * time.Hour

var _ Store = (*NATSStore)(nil)

// NATSStore keeps sessions in a JetStream key/value bucket shared by all instances. The entry
// revision is the session revision.
type NATSStore struct {
	kv nats.KeyValue
}

func NewNATSStore(js nats.JetStreamContext, bucket string) (*NATSStore, error) {
	kv, err := presence.OpenKeyValue(js, bucket, SessionTTL)
	if err != nil {
		return nil, err
	}
	return &NATSStore{kv: kv}, nil
}

func (n *NATSStore) Create(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	rev, err := n.kv.Create(s.Key(), b)
	if errors.Is(err, nats.ErrKeyExists) {
		return fmt.Errorf("%w: %s", types.ErrBusy, s.Key())
	}
	if err != nil {
		return err
	}
	s.Revision = rev
	return nil
}

func (n *NATSStore) Get(ctx context.Context, key string) (*Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	entry, err := n.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s := &Session{}
	if err := json.Unmarshal(entry.Value(), s); err != nil {
		return nil, false, err
	}
	s.Revision = entry.Revision()
	return s, true, nil
}

func (n *NATSStore) Update(ctx context.Context, s *Session) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	rev, err := n.kv.Update(s.Key(), b, s.Revision)
	if presence.IsRevisionMismatch(err) || errors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.Revision = rev
	return true, nil
}

func (n *NATSStore) Delete(ctx context.Context, s *Session) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := n.kv.Delete(s.Key(), nats.LastRevision(s.Revision))
	if presence.IsRevisionMismatch(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (n *NATSStore) ListByParty(ctx context.Context, identityId string) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := n.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res := make([]*Session, 0)
	for _, key := range keys {
		if !keyHasParty(key, identityId) {
			continue
		}
		s, ok, err := n.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, s)
		}
	}
	return res, nil
}

func (n *NATSStore) Close() error {
	return nil
}
