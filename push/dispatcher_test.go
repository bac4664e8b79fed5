package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weilancys/lbchat/filter"
	"github.com/weilancys/lbchat/types"
)

type recordingStore struct {
	mu    sync.Mutex
	rows  map[string][]types.PushPayload
	fail  bool
	block chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{rows: make(map[string][]types.PushPayload)}
}

func (s *recordingStore) StorePushNotification(_ context.Context, recipientId string, payload types.PushPayload) error {
	if s.block != nil {
		<-s.block
	}
	if s.fail {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[recipientId] = append(s.rows[recipientId], payload)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rows := range s.rows {
		n += len(rows)
	}
	return n
}

func TestDispatch(t *testing.T) {
	store := newRecordingStore()
	d := NewDispatcher(Outbox{Store: store}, nil, 2, 16)
	d.Start()
	for i := 0; i < 10; i++ {
		d.NotifyOffline(fmt.Sprintf("user%d", i%3), types.PushPayload{Type: types.PushTypeMessage, Body: fmt.Sprint(i)})
	}
	d.Close()
	assert.Equal(t, 10, store.count())
	assert.Len(t, store.rows["user0"], 4)

	// after Close notifications are ignored
	d.NotifyOffline("user0", types.PushPayload{Type: types.PushTypeMessage})
	assert.Equal(t, 10, store.count())
	d.Close()
}

func TestDispatchFiltered(t *testing.T) {
	store := newRecordingStore()
	f, err := filter.Compile(`Type == "call"`)
	require.NoError(t, err)
	d := NewDispatcher(Outbox{Store: store}, f, 1, 16)
	d.Start()
	d.NotifyOffline("bob", types.PushPayload{Type: types.PushTypeMessage})
	d.NotifyOffline("bob", types.CallPush(&types.Identity{Id: "alice", Username: "alice"}, types.CallKindAudio))
	d.Close()
	require.Len(t, store.rows["bob"], 1)
	assert.Equal(t, types.PushTypeCall, store.rows["bob"][0].Type)
}

func TestDispatchDropsWhenFull(t *testing.T) {
	store := newRecordingStore()
	store.block = make(chan struct{})
	d := NewDispatcher(Outbox{Store: store}, nil, 1, 2)
	d.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.NotifyOffline("bob", types.PushPayload{Type: types.PushTypeMessage})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyOffline blocked")
	}
	close(store.block)
	d.Close()
	assert.LessOrEqual(t, store.count(), 3)
	assert.GreaterOrEqual(t, store.count(), 2)
}

func TestDispatchSurvivesSendErrors(t *testing.T) {
	store := newRecordingStore()
	store.fail = true
	d := NewDispatcher(Outbox{Store: store}, nil, 1, 4)
	d.Start()
	d.NotifyOffline("bob", types.PushPayload{Type: types.PushTypeMessage})
	d.NotifyOffline("bob", types.PushPayload{Type: types.PushTypeMessage})
	d.Close()
	assert.Equal(t, 0, store.count())
}
