package presence

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runJetStream(t *testing.T) nats.JetStreamContext {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func newTestNATSStore(t *testing.T) *NATSStore {
	s, err := NewNATSStore(runJetStream(t), "presence_test", time.Minute)
	require.NoError(t, err)
	return s
}

func TestNATSRegisterLookup(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	_, ok, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Register(ctx, "alice", c1))
	require.NoError(t, s.Register(ctx, "alice", c2))
	loc, ok, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, c2, loc)
}

func TestNATSDeregisterIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	removed, err := s.Deregister(ctx, "alice", c1)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, s.Register(ctx, "alice", c1))
	require.NoError(t, s.Register(ctx, "alice", c2))

	removed, err = s.Deregister(ctx, "alice", c1)
	require.NoError(t, err)
	assert.False(t, removed)
	loc, ok, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c2, loc)

	removed, err = s.Deregister(ctx, "alice", c2)
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, err = s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// registering again after the delete marker works
	require.NoError(t, s.Register(ctx, "alice", c1))
	_, ok, err = s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNATSRefreshIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	refreshed, err := s.Refresh(ctx, "alice", c1)
	require.NoError(t, err)
	assert.False(t, refreshed)

	require.NoError(t, s.Register(ctx, "alice", c1))
	require.NoError(t, s.Register(ctx, "alice", c2))

	refreshed, err = s.Refresh(ctx, "alice", c1)
	require.NoError(t, err)
	assert.False(t, refreshed)
	refreshed, err = s.Refresh(ctx, "alice", c2)
	require.NoError(t, err)
	assert.True(t, refreshed)

	loc, _, err := s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, c2, loc)
}

func TestNATSStaleRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestNATSStore(t)

	require.NoError(t, s.Register(ctx, "alice", c1))
	entry, _, ok, err := s.get("alice")
	require.NoError(t, err)
	require.True(t, ok)

	// the record is rewritten between read and delete
	require.NoError(t, s.Register(ctx, "alice", c1))
	err = s.kv.Delete("alice", nats.LastRevision(entry.Revision()))
	require.Error(t, err)
	assert.True(t, IsRevisionMismatch(err))
	_, err = s.kv.Update("alice", []byte(c1.Encode()), entry.Revision())
	require.Error(t, err)
	assert.True(t, IsRevisionMismatch(err))

	_, ok, err = s.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNATSDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewDirectory(newTestNATSStore(t), time.Second)

	require.NoError(t, d.Register(ctx, "bob", c1))
	loc, ok, err := d.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, c1, loc)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = d.Lookup(cancelled, "bob")
	assert.Error(t, err)
}
