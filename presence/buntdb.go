package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/buntdb"
	"github.com/weilancys/lbchat/types"
)

const memoryPath = ":memory:"

var _ Store = (*BuntStore)(nil)

// BuntStore keeps presence records in a buntdb database. Records carry a TTL so a crashed
// instance's locators disappear after the grace period. A file-backed database is guarded by an
// exclusive file lock; it serves a single process.
type BuntStore struct {
	db   *buntdb.DB
	ttl  time.Duration
	lock *flock.Flock
}

func NewBuntStore(path string, ttl time.Duration) (*BuntStore, error) {
	if path == "" {
		path = memoryPath
	}
	var lock *flock.Flock
	if path != memoryPath {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("presence database %s is locked by another process", path)
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	return &BuntStore{db: db, ttl: ttl, lock: lock}, nil
}

func (s *BuntStore) setOptions() *buntdb.SetOptions {
	if s.ttl <= 0 {
		return nil
	}
	return &buntdb.SetOptions{Expires: true, TTL: s.ttl}
}

func (s *BuntStore) Register(ctx context.Context, identityId string, loc types.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(recordKey(identityId), loc.Encode(), s.setOptions())
		return err
	})
}

func (s *BuntStore) Lookup(ctx context.Context, identityId string) (types.Locator, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.Locator{}, false, err
	}
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		raw, err = tx.Get(recordKey(identityId))
		return err
	})
	if err == buntdb.ErrNotFound {
		return types.Locator{}, false, nil
	}
	if err != nil {
		return types.Locator{}, false, err
	}
	loc, err := types.DecodeLocator(raw)
	if err != nil {
		return types.Locator{}, false, err
	}
	return loc, true, nil
}

// compareAndDo runs fn inside a write transaction if the record for identityId names loc.
func (s *BuntStore) compareAndDo(ctx context.Context, identityId string, loc types.Locator, fn func(tx *buntdb.Tx, key string) error) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	matched := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := recordKey(identityId)
		raw, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := types.DecodeLocator(raw)
		if err != nil || current != loc {
			return nil
		}
		matched = true
		return fn(tx, key)
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

func (s *BuntStore) Deregister(ctx context.Context, identityId string, loc types.Locator) (bool, error) {
	return s.compareAndDo(ctx, identityId, loc, func(tx *buntdb.Tx, key string) error {
		_, err := tx.Delete(key)
		return err
	})
}

func (s *BuntStore) Refresh(ctx context.Context, identityId string, loc types.Locator) (bool, error) {
	return s.compareAndDo(ctx, identityId, loc, func(tx *buntdb.Tx, key string) error {
		_, _, err := tx.Set(key, loc.Encode(), s.setOptions())
		return err
	})
}

func (s *BuntStore) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}
