package presence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weilancys/lbchat/types"
)

var (
	c1 = types.Locator{InstanceId: "node-a", ConnId: "c1"}
	c2 = types.Locator{InstanceId: "node-b", ConnId: "c2"}
)

func newTestDirectory(t *testing.T) *Directory {
	store, err := NewBuntStore(":memory:", time.Minute)
	require.NoError(t, err)
	d := NewDirectory(store, time.Second)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRegisterLookup(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	_, ok, err := d.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Register(ctx, "alice", c1))
	loc, ok, err := d.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, c1, loc)

	// last writer wins
	require.NoError(t, d.Register(ctx, "alice", c2))
	loc, _, _ = d.Lookup(ctx, "alice")
	assert.Equal(t, c2, loc)
}

func TestDeregisterIsConditional(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)

	require.NoError(t, d.Register(ctx, "alice", c1))
	// alice reconnects as c2 before c1's disconnect handler runs
	require.NoError(t, d.Register(ctx, "alice", c2))

	removed, err := d.Deregister(ctx, "alice", c1)
	require.NoError(t, err)
	assert.False(t, removed)
	loc, ok, err := d.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c2, loc)

	removed, err = d.Deregister(ctx, "alice", c2)
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, err = d.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err = d.Deregister(ctx, "alice", c2)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReconnectRaceConcurrent(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Register(ctx, "alice", c1))
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = d.Register(ctx, "alice", c2)
		}()
		go func() {
			defer wg.Done()
			_, _ = d.Deregister(ctx, "alice", c1)
		}()
		wg.Wait()
		loc, ok, err := d.Lookup(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, c2, loc)
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t)
	require.NoError(t, d.Register(ctx, "alice", c1))
	ok, err := d.Refresh(ctx, "alice", c1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Refresh(ctx, "alice", c2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordsExpire(t *testing.T) {
	ctx := context.Background()
	store, err := NewBuntStore(":memory:", 50*time.Millisecond)
	require.NoError(t, err)
	d := NewDirectory(store, time.Second)
	defer d.Close()

	require.NoError(t, d.Register(ctx, "alice", c1))
	assert.Eventually(t, func() bool {
		_, ok, err := d.Lookup(ctx, "alice")
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFileStoreIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")
	first, err := NewBuntStore(path, time.Minute)
	require.NoError(t, err)
	_, err = NewBuntStore(path, time.Minute)
	assert.Error(t, err)
	require.NoError(t, first.Close())

	again, err := NewBuntStore(path, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

type brokenStore struct {
	delay time.Duration
}

func (b brokenStore) Register(ctx context.Context, _ string, _ types.Locator) error {
	return b.wait(ctx)
}

func (b brokenStore) Lookup(ctx context.Context, _ string) (types.Locator, bool, error) {
	return types.Locator{}, false, b.wait(ctx)
}

func (b brokenStore) Deregister(ctx context.Context, _ string, _ types.Locator) (bool, error) {
	return false, b.wait(ctx)
}

func (b brokenStore) Refresh(ctx context.Context, _ string, _ types.Locator) (bool, error) {
	return false, b.wait(ctx)
}

func (b brokenStore) Close() error { return nil }

func (b brokenStore) wait(ctx context.Context) error {
	if b.delay == 0 {
		return errors.New("connection refused")
	}
	time.Sleep(b.delay)
	return nil
}

func TestStoreUnavailableIsNotAbsence(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(brokenStore{}, time.Second)

	err := d.Register(ctx, "alice", c1)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))

	_, ok, err := d.Lookup(ctx, "alice")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))

	_, err = d.Deregister(ctx, "alice", c1)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
}

func TestSlowStoreTimesOut(t *testing.T) {
	d := NewDirectory(brokenStore{delay: time.Second}, 20*time.Millisecond)
	start := time.Now()
	_, _, err := d.Lookup(context.Background(), "alice")
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.Less(t, int64(time.Since(start)), int64(500*time.Millisecond))
}
