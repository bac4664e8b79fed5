package presence

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/weilancys/lbchat/types"
)

var _ Store = (*NATSStore)(nil)

// NATSStore keeps presence records in a JetStream key/value bucket, so every instance connected
// to the same NATS cluster sees the same directory. Conditional operations are guarded by the
// entry revision.
type NATSStore struct {
	kv nats.KeyValue
}

// OpenKeyValue binds to bucket, creating it with the given TTL if it does not exist yet.
func OpenKeyValue(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			TTL:     ttl,
		})
	}
	return kv, err
}

func NewNATSStore(js nats.JetStreamContext, bucket string, ttl time.Duration) (*NATSStore, error) {
	kv, err := OpenKeyValue(js, bucket, ttl)
	if err != nil {
		return nil, err
	}
	return &NATSStore{kv: kv}, nil
}

// IsRevisionMismatch reports whether err is JetStream's answer to an update or delete whose
// expected revision is outdated.
func IsRevisionMismatch(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

func (s *NATSStore) Register(ctx context.Context, identityId string, loc types.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.kv.Put(identityId, []byte(loc.Encode()))
	return err
}

func (s *NATSStore) get(identityId string) (nats.KeyValueEntry, types.Locator, bool, error) {
	entry, err := s.kv.Get(identityId)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, types.Locator{}, false, nil
	}
	if err != nil {
		return nil, types.Locator{}, false, err
	}
	loc, err := types.DecodeLocator(string(entry.Value()))
	if err != nil {
		return nil, types.Locator{}, false, err
	}
	return entry, loc, true, nil
}

func (s *NATSStore) Lookup(ctx context.Context, identityId string) (types.Locator, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Locator{}, false, err
	}
	_, loc, ok, err := s.get(identityId)
	return loc, ok, err
}

func (s *NATSStore) Deregister(ctx context.Context, identityId string, loc types.Locator) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entry, current, ok, err := s.get(identityId)
	if err != nil || !ok || current != loc {
		return false, err
	}
	err = s.kv.Delete(identityId, nats.LastRevision(entry.Revision()))
	if IsRevisionMismatch(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *NATSStore) Refresh(ctx context.Context, identityId string, loc types.Locator) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	entry, current, ok, err := s.get(identityId)
	if err != nil || !ok || current != loc {
		return false, err
	}
	_, err = s.kv.Update(identityId, []byte(loc.Encode()), entry.Revision())
	if IsRevisionMismatch(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *NATSStore) Close() error {
	return nil
}
