// Package fanout delivers events to connections: room publishes reach every connection
// subscribed to the room on any instance, identity-directed sends reach the single connection
// the presence directory names.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/bus"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/membership"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/types"
)

// Sink is a local connection. Send must not block; a full or closed sink returns an error.
type Sink interface {
	ConnId() string
	IdentityId() string
	Send(frame []byte) error
}

// OfflineNotifier receives a push payload for a recipient without a live connection.
type OfflineNotifier interface {
	NotifyOffline(identityId string, payload types.PushPayload)
}

// Locator resolves identities to connections; *presence.Directory implements it.
type Locator interface {
	Lookup(ctx context.Context, identityId string) (types.Locator, bool, error)
}

// delivery is what travels on the bus. Exclude names the connection (locator string) that must
// not receive a room delivery, usually the originator of a typing or presence event.
type delivery struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

type Engine struct {
	instanceId string
	bus        bus.Bus
	presence   Locator
	registry   *membership.Registry
	notifier   OfflineNotifier
	logger     hclog.Logger

	mu           sync.RWMutex
	sinks        map[string]Sink
	connSubs     map[string]bus.Subscription
	roomSubs     map[string]bus.Subscription
	broadcastSub bus.Subscription
}

// NewEngine wires the engine into the bus and registers it as the registry's room listener.
// notifier may be nil.
func NewEngine(instanceId string, b bus.Bus, presence Locator, registry *membership.Registry, notifier OfflineNotifier) (*Engine, error) {
	e := &Engine{
		instanceId: instanceId,
		bus:        b,
		presence:   presence,
		registry:   registry,
		notifier:   notifier,
		logger:     globals.AppLogger.Named("fanout"),
		sinks:      make(map[string]Sink),
		connSubs:   make(map[string]bus.Subscription),
		roomSubs:   make(map[string]bus.Subscription),
	}
	sub, err := b.Subscribe(bus.BroadcastSubject, e.deliverBroadcast)
	if err != nil {
		return nil, err
	}
	e.broadcastSub = sub
	registry.SetListener(e)
	return e, nil
}

// Locator returns the address of the local connection connId.
func (e *Engine) Locator(connId string) types.Locator {
	return types.Locator{InstanceId: e.instanceId, ConnId: connId}
}

// Attach makes sink reachable through its locator. It must be called before the locator is
// registered in the presence directory.
func (e *Engine) Attach(sink Sink) error {
	loc := e.Locator(sink.ConnId())
	sub, err := e.bus.Subscribe(bus.ConnSubject(loc), func(data []byte) {
		e.deliverDirect(sink, data)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %s", types.ErrInternal, loc.String(), err)
	}
	e.mu.Lock()
	e.sinks[sink.ConnId()] = sink
	e.connSubs[sink.ConnId()] = sub
	e.mu.Unlock()
	return nil
}

// Detach removes the sink of connId. Room subscriptions are dropped through the registry.
func (e *Engine) Detach(connId string) {
	e.registry.Remove(connId)
	e.mu.Lock()
	sub := e.connSubs[connId]
	delete(e.connSubs, connId)
	delete(e.sinks, connId)
	e.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("could not unsubscribe connection", "conn", connId, "error", err)
		}
	}
}

// RoomActivated subscribes this instance to roomId; called by the registry on the first local
// subscriber.
func (e *Engine) RoomActivated(roomId string) error {
	sub, err := e.bus.Subscribe(bus.RoomSubject(roomId), func(data []byte) {
		e.deliverRoom(roomId, data)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.roomSubs[roomId] = sub
	e.mu.Unlock()
	e.logger.Debug("room activated", "room", roomId)
	return nil
}

func (e *Engine) RoomDeactivated(roomId string) {
	e.mu.Lock()
	sub := e.roomSubs[roomId]
	delete(e.roomSubs, roomId)
	e.mu.Unlock()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("could not unsubscribe room", "room", roomId, "error", err)
		}
	}
	e.logger.Debug("room deactivated", "room", roomId)
}

func encode(event string, payload interface{}, exclude types.Locator) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %s", types.ErrInternal, event, err)
	}
	d := delivery{Event: event, Data: data}
	if !exclude.IsZero() {
		d.Exclude = exclude.String()
	}
	return json.Marshal(d)
}

func (e *Engine) publish(subject, event string, payload interface{}, exclude types.Locator) error {
	b, err := encode(event, payload, exclude)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(subject, b); err != nil {
		return fmt.Errorf("%w: publish %s: %s", types.ErrInternal, event, err)
	}
	return nil
}

// PublishMessage fans a committed message out to the room. Callers serialize commit and publish
// per room within one instance, so messages sent through one instance arrive in commit order.
// Publishes from different instances can interleave on the bus; clients order a room's messages
// by commitOrder.
func (e *Engine) PublishMessage(msg *types.Message) error {
	return e.publish(bus.RoomSubject(msg.RoomId), types.EventMessageNew, types.MessageNewPayload{Message: msg}, types.Locator{})
}

// PublishTransient relays an ephemeral room event (typing) to every subscriber except exclude.
// Nothing is stored and nothing is retried.
func (e *Engine) PublishTransient(roomId, event string, payload interface{}, exclude types.Locator) error {
	return e.publish(bus.RoomSubject(roomId), event, payload, exclude)
}

// Broadcast reaches every connection on every instance except exclude.
func (e *Engine) Broadcast(event string, payload interface{}, exclude types.Locator) error {
	return e.publish(bus.BroadcastSubject, event, payload, exclude)
}

// SendTo delivers to the connection at loc, wherever it lives.
func (e *Engine) SendTo(loc types.Locator, event string, payload interface{}) error {
	return e.publish(bus.ConnSubject(loc), event, payload, types.Locator{})
}

// SendToIdentity resolves identityId through the presence directory and delivers to its
// connection. It fails with types.ErrUserUnavailable when there is no record and with
// types.ErrStoreUnavailable when the directory cannot answer.
func (e *Engine) SendToIdentity(ctx context.Context, identityId, event string, payload interface{}) (types.Locator, error) {
	loc, ok, err := e.presence.Lookup(ctx, identityId)
	if err != nil {
		return types.Locator{}, err
	}
	if !ok {
		return types.Locator{}, fmt.Errorf("%w: %s", types.ErrUserUnavailable, identityId)
	}
	return loc, e.SendTo(loc, event, payload)
}

// NotifyOffline hands payload to the offline notifier for every recipient without a presence
// record. Recipients whose presence cannot be determined are skipped.
func (e *Engine) NotifyOffline(ctx context.Context, recipients []string, payload types.PushPayload) int {
	if e.notifier == nil {
		return 0
	}
	n := 0
	for _, id := range recipients {
		_, ok, err := e.presence.Lookup(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return n
			}
			continue
		}
		if ok {
			continue
		}
		e.notifier.NotifyOffline(id, payload)
		n++
	}
	return n
}

func (e *Engine) sink(connId string) Sink {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sinks[connId]
}

func frame(d *delivery) ([]byte, error) {
	return json.Marshal(types.WebsocketMessage{Event: d.Event, Data: d.Data})
}

func decode(data []byte) (*delivery, []byte, error) {
	d := &delivery{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, nil, err
	}
	f, err := frame(d)
	if err != nil {
		return nil, nil, err
	}
	return d, f, nil
}

func (e *Engine) send(s Sink, event string, f []byte) {
	if err := s.Send(f); err != nil {
		metrics.FanoutDeliveriesTotal.WithLabelValues(event, "dropped").Inc()
		e.logger.Debug("delivery dropped", "event", event, "conn", s.ConnId(), "error", err)
		return
	}
	metrics.FanoutDeliveriesTotal.WithLabelValues(event, "ok").Inc()
}

func (e *Engine) deliverRoom(roomId string, data []byte) {
	d, f, err := decode(data)
	if err != nil {
		e.logger.Error("malformed room delivery", "room", roomId, "error", err)
		return
	}
	for _, connId := range e.registry.Subscribers(roomId) {
		if d.Exclude != "" && d.Exclude == e.Locator(connId).String() {
			continue
		}
		if s := e.sink(connId); s != nil {
			e.send(s, d.Event, f)
		}
	}
}

func (e *Engine) deliverBroadcast(data []byte) {
	d, f, err := decode(data)
	if err != nil {
		e.logger.Error("malformed broadcast", "error", err)
		return
	}
	e.mu.RLock()
	sinks := make([]Sink, 0, len(e.sinks))
	for _, s := range e.sinks {
		sinks = append(sinks, s)
	}
	e.mu.RUnlock()
	for _, s := range sinks {
		if d.Exclude != "" && d.Exclude == e.Locator(s.ConnId()).String() {
			continue
		}
		e.send(s, d.Event, f)
	}
}

func (e *Engine) deliverDirect(s Sink, data []byte) {
	d, f, err := decode(data)
	if err != nil {
		e.logger.Error("malformed direct delivery", "conn", s.ConnId(), "error", err)
		return
	}
	e.send(s, d.Event, f)
}

// Close drops every bus subscription this engine holds.
func (e *Engine) Close() error {
	e.mu.Lock()
	subs := make([]bus.Subscription, 0, len(e.connSubs)+len(e.roomSubs)+1)
	for _, s := range e.connSubs {
		subs = append(subs, s)
	}
	for _, s := range e.roomSubs {
		subs = append(subs, s)
	}
	if e.broadcastSub != nil {
		subs = append(subs, e.broadcastSub)
	}
	e.connSubs = make(map[string]bus.Subscription)
	e.roomSubs = make(map[string]bus.Subscription)
	e.broadcastSub = nil
	e.mu.Unlock()
	var res error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			res = err
		}
	}
	return res
}
