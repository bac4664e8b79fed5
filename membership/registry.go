// Package membership tracks which rooms each local connection is subscribed to. The registry is a
// cache of the authoritative conversation membership, seeded when a connection is created; it is
// never consulted for authorization.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/types"
)

// Lister returns the ids of all rooms an identity belongs to.
type Lister interface {
	ListMembership(ctx context.Context, identityId string) ([]string, error)
}

// Listener is told when a room gains its first local subscriber and when it loses its last one.
// Both callbacks run while the registry lock is held and must not call back into the registry.
type Listener interface {
	RoomActivated(roomId string) error
	RoomDeactivated(roomId string)
}

type set map[string]struct{}

func (s set) sorted() []string {
	res := make([]string, 0, len(s))
	for k := range s {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

type Registry struct {
	lister   Lister
	timeout  time.Duration
	listener Listener
	logger   hclog.Logger

	mu    sync.RWMutex
	conns map[string]set // connection id -> room ids
	rooms map[string]set // room id -> connection ids
}

func NewRegistry(lister Lister, timeout time.Duration) *Registry {
	return &Registry{
		lister:  lister,
		timeout: timeout,
		logger:  globals.AppLogger.Named("membership"),
		conns:   make(map[string]set),
		rooms:   make(map[string]set),
	}
}

// SetListener must be called before the first Join.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Seed subscribes connId to every room identityId belongs to according to the membership
// collaborator. It returns the number of rooms subscribed.
func (r *Registry) Seed(ctx context.Context, connId, identityId string) (int, error) {
	if r.lister == nil {
		return 0, nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	roomIds, err := r.lister.ListMembership(ctx, identityId)
	if err != nil {
		return 0, fmt.Errorf("%w: list membership: %s", types.ErrPersistenceUnavailable, err)
	}
	n := 0
	for _, roomId := range roomIds {
		if _, err := r.Join(connId, roomId); err != nil {
			return n, err
		}
		n++
	}
	r.logger.Debug("seeded rooms", "conn", connId, "identity", identityId, "rooms", n)
	return n, nil
}

// Join subscribes connId to roomId. It reports whether anything changed; joining twice is a
// no-op. The caller must have checked authoritative membership already.
func (r *Registry) Join(connId, roomId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.conns[connId]
	if !ok {
		rooms = make(set)
		r.conns[connId] = rooms
	}
	if _, ok := rooms[roomId]; ok {
		return false, nil
	}
	subscribers, ok := r.rooms[roomId]
	if !ok {
		if r.listener != nil {
			if err := r.listener.RoomActivated(roomId); err != nil {
				return false, fmt.Errorf("%w: activate room %s: %s", types.ErrInternal, roomId, err)
			}
		}
		subscribers = make(set)
		r.rooms[roomId] = subscribers
	}
	subscribers[connId] = struct{}{}
	rooms[roomId] = struct{}{}
	return true, nil
}

// Leave unsubscribes connId from roomId. Leaving a room that was never joined is a no-op.
func (r *Registry) Leave(connId, roomId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connId, roomId)
}

func (r *Registry) leaveLocked(connId, roomId string) bool {
	rooms, ok := r.conns[connId]
	if !ok {
		return false
	}
	if _, ok := rooms[roomId]; !ok {
		return false
	}
	delete(rooms, roomId)
	if subscribers, ok := r.rooms[roomId]; ok {
		delete(subscribers, connId)
		if len(subscribers) == 0 {
			delete(r.rooms, roomId)
			if r.listener != nil {
				r.listener.RoomDeactivated(roomId)
			}
		}
	}
	return true
}

// Remove drops every subscription of connId and returns the rooms it was subscribed to.
func (r *Registry) Remove(connId string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.conns[connId]
	if !ok {
		return nil
	}
	left := rooms.sorted()
	for _, roomId := range left {
		r.leaveLocked(connId, roomId)
	}
	delete(r.conns, connId)
	return left
}

// Rooms returns a snapshot of the rooms connId is subscribed to.
func (r *Registry) Rooms(connId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connId].sorted()
}

// Subscribers returns a snapshot of the local connections subscribed to roomId.
func (r *Registry) Subscribers(roomId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomId].sorted()
}

func (r *Registry) IsSubscribed(connId, roomId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[connId][roomId]
	return ok
}
