package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/types"
)

func newTestPersister(t *testing.T) *GormPersist {
	cfg := &config.Config{PersistenceConfig: config.PersistenceConfig{
		Type: "sqlite",
		DSN:  fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
	}}
	p, err := NewGormPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	ctx := context.Background()
	for _, u := range []*User{
		{Id: "alice", Username: "alice", Email: "alice@example.com", DisplayName: "Alice"},
		{Id: "bob", Username: "bob"},
		{Id: "carol", Username: "carol"},
	} {
		require.NoError(t, p.StoreUser(ctx, u))
	}
	require.NoError(t, p.StoreConversation(ctx, &Conversation{Id: "r1", Type: ConversationDirect}, []string{"alice", "bob"}))
	require.NoError(t, p.StoreConversation(ctx, &Conversation{Id: "r2", Type: ConversationGroup, Name: "all"}, []string{"alice", "bob", "carol"}))
	return p
}

func TestInvalidConfiguration(t *testing.T) {
	_, err := NewGormPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "mysql", DSN: "x"}})
	assert.Error(t, err)
	_, err = NewGormPersister(&config.Config{PersistenceConfig: config.PersistenceConfig{Type: "sqlite"}})
	assert.Error(t, err)
}

func TestGetIdentity(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	id, err := p.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &types.Identity{Id: "alice", Username: "alice", DisplayName: "Alice"}, id)

	id, err = p.GetIdentityByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Id)

	_, err = p.GetIdentity(ctx, "mallory")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMembership(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	rooms, err := p.ListMembership(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, rooms)

	rooms, err = p.ListMembership(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, rooms)

	members, err := p.ListRoomMembers(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)

	ok, err := p.IsMember(ctx, "r1", "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	// adding a member again keeps the conversation as it is
	require.NoError(t, p.StoreConversation(ctx, &Conversation{Id: "r1", Type: ConversationDirect}, []string{"alice", "carol"}))
	ok, err = p.IsMember(ctx, "r1", "carol")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateMessage(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()
	var before Conversation
	require.NoError(t, p.db.Take(&before, "id = ?", "r1").Error)

	m1, err := p.CreateMessage(ctx, "r1", types.NewMessage{SenderId: "alice", Content: "hi", Kind: types.MessageKindText})
	require.NoError(t, err)
	m2, err := p.CreateMessage(ctx, "r1", types.NewMessage{SenderId: "bob", Content: "hello", Kind: types.MessageKindText})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m1.CommitOrder)
	assert.Equal(t, int64(2), m2.CommitOrder)
	assert.Equal(t, "r1", m2.RoomId)
	assert.NotEqual(t, m1.Id, m2.Id)

	var after Conversation
	require.NoError(t, p.db.Take(&after, "id = ?", "r1").Error)
	assert.Equal(t, int64(2), after.LastSeq)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))

	// storing the conversation again does not reset the sequence
	require.NoError(t, p.StoreConversation(ctx, &Conversation{Id: "r1", Type: ConversationDirect}, nil))
	m3, err := p.CreateMessage(ctx, "r1", types.NewMessage{SenderId: "bob", Content: "again", Kind: types.MessageKindText})
	require.NoError(t, err)
	assert.Equal(t, int64(3), m3.CommitOrder)
}

func TestCreateMessageRejectsNonMembers(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()

	_, err := p.CreateMessage(ctx, "r1", types.NewMessage{SenderId: "carol", Content: "hi", Kind: types.MessageKindText})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = p.CreateMessage(ctx, "nope", types.NewMessage{SenderId: "alice", Content: "hi", Kind: types.MessageKindText})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestCreateMessageConcurrent(t *testing.T) {
	p := newTestPersister(t)
	var wg sync.WaitGroup
	orders := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := p.CreateMessage(context.Background(), "r2", types.NewMessage{SenderId: "alice", Content: fmt.Sprint(i), Kind: types.MessageKindText})
			if assert.NoError(t, err) {
				orders <- m.CommitOrder
			}
		}(i)
	}
	wg.Wait()
	close(orders)
	seen := make(map[int64]bool)
	for o := range orders {
		assert.False(t, seen[o])
		seen[o] = true
	}
	assert.Len(t, seen, 20)
}

func TestCreateMessageCancelled(t *testing.T) {
	p := newTestPersister(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.CreateMessage(ctx, "r1", types.NewMessage{SenderId: "alice", Content: "hi", Kind: types.MessageKindText})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrPersistenceUnavailable))
}

func TestSetOnline(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Second)
	require.NoError(t, p.SetOnline(ctx, "bob", true))

	var u User
	require.NoError(t, p.db.Take(&u, "id = ?", "bob").Error)
	assert.True(t, u.IsOnline)
	assert.True(t, u.LastSeen.After(start))

	require.NoError(t, p.SetOnline(ctx, "bob", false))
	require.NoError(t, p.db.Take(&u, "id = ?", "bob").Error)
	assert.False(t, u.IsOnline)
}

func TestPushOutbox(t *testing.T) {
	p := newTestPersister(t)
	ctx := context.Background()
	payload := types.PushPayload{Type: types.PushTypeMessage, Title: "Alice", Body: "hi", Data: map[string]string{"conversationId": "r1"}}
	require.NoError(t, p.StorePushNotification(ctx, "bob", payload))

	pending, err := p.GetPendingPushNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].RecipientId)
	assert.False(t, pending[0].Sent)
	got, err := pending[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, p.MarkPushNotificationsSent(ctx, []string{pending[0].Id}))
	pending, err = p.GetPendingPushNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
