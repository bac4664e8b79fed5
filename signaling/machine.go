package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/types"
)

const (
	defaultTimeout = 2 * time.Second
	// maxAttempts bounds the read-modify-write retries on a contended session.
	maxAttempts = 5
)

// Locator resolves identities to connections; *presence.Directory implements it.
type Locator interface {
	Lookup(ctx context.Context, identityId string) (types.Locator, bool, error)
}

// Relay delivers an event to a connection; *fanout.Engine implements it.
type Relay interface {
	SendTo(loc types.Locator, event string, payload interface{}) error
}

// OfflineNotifier receives missed-call notifications.
type OfflineNotifier interface {
	NotifyOffline(identityId string, payload types.PushPayload)
}

// Party is the sender of a signaling event: who it is and which connection it came from.
type Party struct {
	Identity *types.Identity
	Locator  types.Locator
}

// Machine drives call sessions through offered -> answered -> ended. Events that do not match
// the current state of their session are dropped silently; errors are returned only for
// failures the sender has to learn about.
type Machine struct {
	sessions Store
	presence Locator
	relay    Relay
	notifier OfflineNotifier
	timeout  time.Duration
	logger   hclog.Logger
}

// NewMachine creates a Machine. notifier may be nil.
func NewMachine(sessions Store, presence Locator, relay Relay, notifier OfflineNotifier, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Machine{
		sessions: sessions,
		presence: presence,
		relay:    relay,
		notifier: notifier,
		timeout:  timeout,
		logger:   globals.AppLogger.Named("signaling"),
	}
}

func count(transition, outcome string) {
	metrics.CallTransitionsTotal.WithLabelValues(transition, outcome).Inc()
}

func storeError(op string, err error) error {
	if errors.Is(err, types.ErrBusy) || errors.Is(err, types.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: call %s: %s", types.ErrStoreUnavailable, op, err)
}

func relayError(event string, err error) error {
	return fmt.Errorf("%w: relay %s: %s", types.ErrInternal, event, err)
}

func (m *Machine) stale(transition string, from Party, targetId string) error {
	count(transition, "stale")
	m.logger.Debug("dropped stale signaling event", "transition", transition, "from", from.Identity.Id, "target", targetId)
	return nil
}

// Offer starts a call from the sender to ev.TargetId. It fails with types.ErrUserUnavailable if
// the callee has no live connection, with types.ErrStoreUnavailable if that cannot be determined
// and with types.ErrBusy if the pair already has a session.
func (m *Machine) Offer(ctx context.Context, from Party, ev *types.CallOffer) error {
	if ev.TargetId == from.Identity.Id {
		count("offer", "invalid")
		return types.Validationf("cannot call yourself")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	calleeLoc, ok, err := m.presence.Lookup(ctx, ev.TargetId)
	if err != nil {
		count("offer", types.ErrorKindStoreUnavailable)
		return storeError("offer", err)
	}
	if !ok {
		count("offer", types.ErrorKindUserUnavailable)
		m.notifyMissedCall(from, ev)
		return fmt.Errorf("%w: %s", types.ErrUserUnavailable, ev.TargetId)
	}

	s := &Session{
		CallerId:  from.Identity.Id,
		CalleeId:  ev.TargetId,
		CallerLoc: from.Locator,
		CalleeLoc: calleeLoc,
		Kind:      ev.CallKind,
		State:     StateOffered,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		err = storeError("offer", err)
		count("offer", types.ErrorKind(err))
		return err
	}
	err = m.relay.SendTo(calleeLoc, types.EventCallIncoming, types.CallIncomingPayload{
		CallerId: from.Identity.Id,
		Caller:   from.Identity,
		Offer:    ev.Offer,
		CallKind: ev.CallKind,
	})
	if err != nil {
		if _, derr := m.sessions.Delete(ctx, s); derr != nil {
			m.logger.Error("could not drop session after failed offer", "session", s.Key(), "error", derr)
		}
		count("offer", types.ErrorKindInternal)
		return relayError(types.EventCallIncoming, err)
	}
	count("offer", "ok")
	m.logger.Debug("call offered", "caller", s.CallerId, "callee", s.CalleeId, "kind", s.Kind)
	return nil
}

func (m *Machine) notifyMissedCall(from Party, ev *types.CallOffer) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyOffline(ev.TargetId, types.CallPush(from.Identity, ev.CallKind))
}

// Answer moves the session from offered to answered and binds the answering connection. Only
// the callee can answer; anything else is stale.
func (m *Machine) Answer(ctx context.Context, from Party, ev *types.CallAnswer) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	key := PairKey(from.Identity.Id, ev.TargetId)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s, ok, err := m.sessions.Get(ctx, key)
		if err != nil {
			return storeError("answer", err)
		}
		if !ok || s.State != StateOffered || s.CalleeId != from.Identity.Id {
			return m.stale("answer", from, ev.TargetId)
		}
		s.State = StateAnswered
		s.CalleeLoc = from.Locator
		updated, err := m.sessions.Update(ctx, s)
		if err != nil {
			return storeError("answer", err)
		}
		if !updated {
			continue
		}
		count("answer", "ok")
		err = m.relay.SendTo(s.CallerLoc, types.EventCallAnswered, types.CallAnsweredPayload{
			UserId: from.Identity.Id,
			Answer: ev.Answer,
		})
		if err != nil {
			return relayError(types.EventCallAnswered, err)
		}
		return nil
	}
	return fmt.Errorf("%w: answer: session %s is contended", types.ErrStoreUnavailable, key)
}

// Candidate relays an ICE candidate to the counterpart while the session is offered or
// answered. Candidates from one sender are relayed in the order they arrive.
func (m *Machine) Candidate(ctx context.Context, from Party, ev *types.CallIceCandidate) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	s, ok, err := m.sessions.Get(ctx, PairKey(from.Identity.Id, ev.TargetId))
	if err != nil {
		return storeError("candidate", err)
	}
	if !ok || !s.HasParty(from.Identity.Id) {
		return m.stale("candidate", from, ev.TargetId)
	}
	_, to := s.Counterpart(from.Identity.Id)
	err = m.relay.SendTo(to, types.EventCallIceCandidate, types.CallCandidatePayload{
		UserId:    from.Identity.Id,
		Candidate: ev.Candidate,
	})
	if err != nil {
		return relayError(types.EventCallIceCandidate, err)
	}
	return nil
}

// Reject ends an offered call on behalf of the callee.
func (m *Machine) Reject(ctx context.Context, from Party, ev *types.CallReject) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	key := PairKey(from.Identity.Id, ev.TargetId)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s, ok, err := m.sessions.Get(ctx, key)
		if err != nil {
			return storeError("reject", err)
		}
		if !ok || s.State != StateOffered || s.CalleeId != from.Identity.Id {
			return m.stale("reject", from, ev.TargetId)
		}
		deleted, err := m.sessions.Delete(ctx, s)
		if err != nil {
			return storeError("reject", err)
		}
		if !deleted {
			continue
		}
		count("reject", "ok")
		err = m.relay.SendTo(s.CallerLoc, types.EventCallRejected, types.CallPartyPayload{
			UserId: from.Identity.Id,
			User:   from.Identity,
		})
		if err != nil {
			return relayError(types.EventCallRejected, err)
		}
		return nil
	}
	return fmt.Errorf("%w: reject: session %s is contended", types.ErrStoreUnavailable, key)
}

// End hangs up the call between the sender and targetId. Ending a call that does not exist is a
// no-op, so End is idempotent.
func (m *Machine) End(ctx context.Context, from Party, targetId string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	key := PairKey(from.Identity.Id, targetId)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		s, ok, err := m.sessions.Get(ctx, key)
		if err != nil {
			return storeError("end", err)
		}
		if !ok {
			return m.stale("end", from, targetId)
		}
		ended, err := m.end(ctx, s, from)
		if err != nil {
			return err
		}
		if ended {
			return nil
		}
	}
	return fmt.Errorf("%w: end: session %s is contended", types.ErrStoreUnavailable, key)
}

func (m *Machine) end(ctx context.Context, s *Session, from Party) (bool, error) {
	deleted, err := m.sessions.Delete(ctx, s)
	if err != nil {
		return false, storeError("end", err)
	}
	if !deleted {
		return false, nil
	}
	count("end", "ok")
	_, to := s.Counterpart(from.Identity.Id)
	err = m.relay.SendTo(to, types.EventCallEnded, types.CallPartyPayload{
		UserId: from.Identity.Id,
		User:   from.Identity,
	})
	if err != nil {
		return true, relayError(types.EventCallEnded, err)
	}
	return true, nil
}

// Disconnect ends every call the closing connection takes part in, as if it had sent call:end.
// Sessions bound to another connection of the same identity are left alone.
func (m *Machine) Disconnect(ctx context.Context, from Party) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	sessions, err := m.sessions.ListByParty(ctx, from.Identity.Id)
	if err != nil {
		m.logger.Warn("could not list calls of closing connection", "identity", from.Identity.Id, "error", err)
		return
	}
	for _, s := range sessions {
		m.endBound(ctx, s, from)
	}
}

func (m *Machine) endBound(ctx context.Context, s *Session, from Party) {
	key := s.Key()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !s.BoundTo(from.Identity.Id, from.Locator) {
			return
		}
		ended, err := m.end(ctx, s, from)
		if err != nil {
			m.logger.Warn("could not end call of closing connection", "session", key, "error", err)
			return
		}
		if ended {
			m.logger.Debug("call ended by disconnect", "session", key, "identity", from.Identity.Id)
			return
		}
		var ok bool
		s, ok, err = m.sessions.Get(ctx, key)
		if err != nil || !ok {
			return
		}
	}
}
