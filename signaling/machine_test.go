package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weilancys/lbchat/types"
)

type fakePresence struct {
	mu      sync.Mutex
	records map[string]types.Locator
	err     error
}

func (p *fakePresence) Lookup(_ context.Context, identityId string) (types.Locator, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return types.Locator{}, false, fmt.Errorf("%w: lookup: %s", types.ErrStoreUnavailable, p.err)
	}
	loc, ok := p.records[identityId]
	return loc, ok, nil
}

type sent struct {
	to      types.Locator
	event   string
	payload interface{}
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sent
}

func (r *fakeRelay) SendTo(loc types.Locator, event string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{to: loc, event: event, payload: payload})
	return nil
}

func (r *fakeRelay) to(loc types.Locator) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]sent, 0)
	for _, s := range r.sent {
		if s.to == loc {
			res = append(res, s)
		}
	}
	return res
}

type fakeNotifier struct {
	notified []types.PushPayload
}

func (n *fakeNotifier) NotifyOffline(_ string, payload types.PushPayload) {
	n.notified = append(n.notified, payload)
}

var (
	alice    = Party{Identity: &types.Identity{Id: "alice", Username: "alice"}, Locator: types.Locator{InstanceId: "i1", ConnId: "a1"}}
	bob      = Party{Identity: &types.Identity{Id: "bob", Username: "bob"}, Locator: types.Locator{InstanceId: "i2", ConnId: "b1"}}
	bobOther = Party{Identity: bob.Identity, Locator: types.Locator{InstanceId: "i1", ConnId: "b2"}}
	offerSDP = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
)

type fixture struct {
	machine  *Machine
	store    *MemoryStore
	presence *fakePresence
	relay    *fakeRelay
	notifier *fakeNotifier
}

func newFixture() *fixture {
	f := &fixture{
		store: NewMemoryStore(),
		presence: &fakePresence{records: map[string]types.Locator{
			"alice": alice.Locator,
			"bob":   bob.Locator,
		}},
		relay:    &fakeRelay{},
		notifier: &fakeNotifier{},
	}
	f.machine = NewMachine(f.store, f.presence, f.relay, f.notifier, 0)
	return f
}

func (f *fixture) session(t *testing.T) (*Session, bool) {
	s, ok, err := f.store.Get(context.Background(), PairKey("alice", "bob"))
	require.NoError(t, err)
	return s, ok
}

func (f *fixture) offer(t *testing.T) {
	err := f.machine.Offer(context.Background(), alice, &types.CallOffer{TargetId: "bob", CallKind: types.CallKindVideo, Offer: offerSDP})
	require.NoError(t, err)
}

func TestPairKeyIsUnordered(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.True(t, keyHasParty(PairKey("alice", "bob"), "bob"))
	assert.False(t, keyHasParty(PairKey("alice", "bob"), "bo"))
}

func TestOfferToOfflineUser(t *testing.T) {
	f := newFixture()
	err := f.machine.Offer(context.Background(), alice, &types.CallOffer{TargetId: "carol", CallKind: types.CallKindAudio, Offer: offerSDP})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUserUnavailable))
	assert.Empty(t, f.relay.sent)
	_, ok, _ := f.store.Get(context.Background(), PairKey("alice", "carol"))
	assert.False(t, ok)
	require.Len(t, f.notifier.notified, 1)
	assert.Equal(t, types.PushTypeCall, f.notifier.notified[0].Type)
	assert.Equal(t, "alice", f.notifier.notified[0].Data["callerId"])
}

func TestOfferWithStoreOutage(t *testing.T) {
	f := newFixture()
	f.presence.err = errors.New("timeout")
	err := f.machine.Offer(context.Background(), alice, &types.CallOffer{TargetId: "bob", CallKind: types.CallKindAudio, Offer: offerSDP})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrStoreUnavailable))
	assert.False(t, errors.Is(err, types.ErrUserUnavailable))
	assert.Empty(t, f.notifier.notified)
	assert.Empty(t, f.relay.sent)
}

func TestOfferYourself(t *testing.T) {
	f := newFixture()
	err := f.machine.Offer(context.Background(), alice, &types.CallOffer{TargetId: "alice", CallKind: types.CallKindAudio, Offer: offerSDP})
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestOfferAndBusy(t *testing.T) {
	f := newFixture()
	f.offer(t)

	incoming := f.relay.to(bob.Locator)
	require.Len(t, incoming, 1)
	assert.Equal(t, types.EventCallIncoming, incoming[0].event)
	payload := incoming[0].payload.(types.CallIncomingPayload)
	assert.Equal(t, "alice", payload.CallerId)
	assert.Equal(t, types.CallKindVideo, payload.CallKind)

	s, ok := f.session(t)
	require.True(t, ok)
	assert.Equal(t, StateOffered, s.State)

	err := f.machine.Offer(context.Background(), bob, &types.CallOffer{TargetId: "alice", CallKind: types.CallKindAudio, Offer: offerSDP})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrBusy))
	assert.Len(t, f.relay.to(alice.Locator), 0)
}

func TestAnswer(t *testing.T) {
	f := newFixture()
	f.offer(t)
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)

	// only the callee can answer
	require.NoError(t, f.machine.Answer(context.Background(), alice, &types.CallAnswer{TargetId: "bob", Answer: answer}))
	assert.Empty(t, f.relay.to(bob.Locator)[1:])
	s, _ := f.session(t)
	assert.Equal(t, StateOffered, s.State)

	require.NoError(t, f.machine.Answer(context.Background(), bobOther, &types.CallAnswer{TargetId: "alice", Answer: answer}))
	answered := f.relay.to(alice.Locator)
	require.Len(t, answered, 1)
	assert.Equal(t, types.EventCallAnswered, answered[0].event)
	assert.Equal(t, "bob", answered[0].payload.(types.CallAnsweredPayload).UserId)

	s, _ = f.session(t)
	assert.Equal(t, StateAnswered, s.State)
	assert.Equal(t, bobOther.Locator, s.CalleeLoc)

	// a second answer is stale
	require.NoError(t, f.machine.Answer(context.Background(), bob, &types.CallAnswer{TargetId: "alice", Answer: answer}))
	assert.Len(t, f.relay.to(alice.Locator), 1)
}

func TestCandidatesKeepOrder(t *testing.T) {
	f := newFixture()
	f.offer(t)
	for i := 0; i < 20; i++ {
		c := json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, i))
		require.NoError(t, f.machine.Candidate(context.Background(), alice, &types.CallIceCandidate{TargetId: "bob", Candidate: c}))
	}
	relayed := f.relay.to(bob.Locator)[1:]
	require.Len(t, relayed, 20)
	for i, r := range relayed {
		assert.Equal(t, types.EventCallIceCandidate, r.event)
		assert.JSONEq(t, fmt.Sprintf(`{"candidate":"c%d"}`, i), string(r.payload.(types.CallCandidatePayload).Candidate))
	}

	require.NoError(t, f.machine.Candidate(context.Background(), bob, &types.CallIceCandidate{TargetId: "alice", Candidate: json.RawMessage(`{"candidate":"x"}`)}))
	assert.Len(t, f.relay.to(alice.Locator), 1)
}

func TestStaleEventsAfterEnd(t *testing.T) {
	f := newFixture()
	f.offer(t)
	require.NoError(t, f.machine.End(context.Background(), alice, "bob"))
	ended := f.relay.to(bob.Locator)
	require.Len(t, ended, 2)
	assert.Equal(t, types.EventCallEnded, ended[1].event)
	_, ok := f.session(t)
	assert.False(t, ok)

	before := len(f.relay.sent)
	require.NoError(t, f.machine.Answer(context.Background(), bob, &types.CallAnswer{TargetId: "alice", Answer: json.RawMessage(`{}`)}))
	require.NoError(t, f.machine.Candidate(context.Background(), bob, &types.CallIceCandidate{TargetId: "alice", Candidate: json.RawMessage(`{}`)}))
	require.NoError(t, f.machine.Reject(context.Background(), bob, &types.CallReject{TargetId: "alice"}))
	require.NoError(t, f.machine.End(context.Background(), bob, "alice"))
	assert.Len(t, f.relay.sent, before)
}

func TestReject(t *testing.T) {
	f := newFixture()
	f.offer(t)

	// the caller cannot reject
	require.NoError(t, f.machine.Reject(context.Background(), alice, &types.CallReject{TargetId: "bob"}))
	_, ok := f.session(t)
	require.True(t, ok)

	require.NoError(t, f.machine.Reject(context.Background(), bob, &types.CallReject{TargetId: "alice"}))
	rejected := f.relay.to(alice.Locator)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.EventCallRejected, rejected[0].event)
	_, ok = f.session(t)
	assert.False(t, ok)

	// the pair is idle again
	f.offer(t)
}

func TestRejectAfterAnswerIsStale(t *testing.T) {
	f := newFixture()
	f.offer(t)
	require.NoError(t, f.machine.Answer(context.Background(), bob, &types.CallAnswer{TargetId: "alice", Answer: json.RawMessage(`{}`)}))
	require.NoError(t, f.machine.Reject(context.Background(), bob, &types.CallReject{TargetId: "alice"}))
	s, ok := f.session(t)
	require.True(t, ok)
	assert.Equal(t, StateAnswered, s.State)
}

func TestDisconnectEndsBoundCalls(t *testing.T) {
	f := newFixture()
	f.offer(t)
	require.NoError(t, f.machine.Answer(context.Background(), bob, &types.CallAnswer{TargetId: "alice", Answer: json.RawMessage(`{}`)}))

	// another connection of the callee closes: nothing happens
	f.machine.Disconnect(context.Background(), bobOther)
	_, ok := f.session(t)
	require.True(t, ok)

	f.machine.Disconnect(context.Background(), bob)
	_, ok = f.session(t)
	assert.False(t, ok)
	toAlice := f.relay.to(alice.Locator)
	require.Len(t, toAlice, 2)
	assert.Equal(t, types.EventCallEnded, toAlice[1].event)
	assert.Equal(t, "bob", toAlice[1].payload.(types.CallPartyPayload).UserId)
}

func TestConcurrentAnswerAndEnd(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture()
		f.offer(t)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.machine.Answer(context.Background(), bob, &types.CallAnswer{TargetId: "alice", Answer: json.RawMessage(`{}`)}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, f.machine.End(context.Background(), alice, "bob"))
		}()
		wg.Wait()
		_, ok := f.session(t)
		assert.False(t, ok)
	}
}
