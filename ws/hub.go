// Package ws terminates the websocket connections of one instance: it authenticates the
// handshake, runs the read and write loops of every connection and dispatches inbound events to
// the presence, membership, fanout and signaling components.
package ws

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/weilancys/lbchat/auth"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/fanout"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/membership"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/presence"
	"github.com/weilancys/lbchat/signaling"
	"github.com/weilancys/lbchat/types"
)

const roomLockStripes = 64

// Store is the part of the persistence collaborator the hub talks to directly.
type Store interface {
	IsMember(ctx context.Context, roomId, identityId string) (bool, error)
	ListRoomMembers(ctx context.Context, roomId string) ([]string, error)
	CreateMessage(ctx context.Context, roomId string, msg types.NewMessage) (*types.Message, error)
	SetOnline(ctx context.Context, id string, online bool) error
}

type Options struct {
	InstanceId  string
	Gatekeeper  *auth.Gatekeeper
	Directory   *presence.Directory
	Registry    *membership.Registry
	Engine      *fanout.Engine
	Calls       *signaling.Machine
	Store       Store
	Websocket   config.WebsocketConfig
	Timeouts    config.TimeoutConfig
	RefreshSpec string
}

type Hub struct {
	instanceId string
	gatekeeper *auth.Gatekeeper
	directory  *presence.Directory
	registry   *membership.Registry
	engine     *fanout.Engine
	calls      *signaling.Machine
	store      Store
	wsConfig   config.WebsocketConfig
	timeouts   config.TimeoutConfig

	upgrader websocket.Upgrader
	cron     *cron.Cron
	logger   hclog.Logger

	// message:send commits and publishes under the lock of its room
	roomLocks [roomLockStripes]sync.Mutex

	// connections and background jobs still running
	wg sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

func withDefaults(ws config.WebsocketConfig, to config.TimeoutConfig) (config.WebsocketConfig, config.TimeoutConfig) {
	if ws.ReadLimit <= 0 {
		ws.ReadLimit = 64 * 1024
	}
	if ws.PongWait <= 0 {
		ws.PongWait = 2 * time.Minute
	}
	if ws.PingPeriod <= 0 || ws.PingPeriod >= ws.PongWait {
		ws.PingPeriod = ws.PongWait * 9 / 10
	}
	if ws.WriteWait <= 0 {
		ws.WriteWait = 10 * time.Second
	}
	if ws.SendBuffer <= 0 {
		ws.SendBuffer = 256
	}
	if to.Store <= 0 {
		to.Store = 2 * time.Second
	}
	if to.Persistence <= 0 {
		to.Persistence = 5 * time.Second
	}
	return ws, to
}

func NewHub(opts Options) (*Hub, error) {
	wsConfig, timeouts := withDefaults(opts.Websocket, opts.Timeouts)
	h := &Hub{
		instanceId: opts.InstanceId,
		gatekeeper: opts.Gatekeeper,
		directory:  opts.Directory,
		registry:   opts.Registry,
		engine:     opts.Engine,
		calls:      opts.Calls,
		store:      opts.Store,
		wsConfig:   wsConfig,
		timeouts:   timeouts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		logger:  globals.AppLogger.Named("ws").With("instance", opts.InstanceId),
		clients: make(map[string]*Client),
	}
	if opts.RefreshSpec != "" {
		if _, err := h.cron.AddFunc(opts.RefreshSpec, h.refreshPresence); err != nil {
			return nil, fmt.Errorf("invalid presence refresh spec %q: %w", opts.RefreshSpec, err)
		}
	}
	return h, nil
}

// Start runs the background jobs.
func (h *Hub) Start() {
	h.cron.Start()
}

// NumClients returns the number of live connections on this instance.
func (h *Hub) NumClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		res = append(res, c)
	}
	return res
}

func (h *Hub) roomLock(roomId string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(roomId))
	return &h.roomLocks[f.Sum32()%roomLockStripes]
}

// ServeHTTP authenticates the handshake and, only if that succeeds, upgrades the connection and
// serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.gatekeeper.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		metrics.ConnectionsRejectedTotal.WithLabelValues(auth.Reason(err)).Inc()
		h.logger.Info("handshake refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, types.PublicMessage(err), http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade error", "error", err)
		return
	}
	c := newClient(h, conn, identity)
	h.serve(c)
}

func (h *Hub) serve(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.ConnectionsActive.Inc()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		metrics.ConnectionsActive.Dec()
	}()

	if err := h.engine.Attach(c); err != nil {
		c.logger.Error("could not attach connection", "error", err)
		c.close()
		return
	}
	go c.WriteLoop()
	h.connect(c)
	c.ReadLoop()
	h.disconnect(c)
}

// connect seeds room subscriptions, registers presence and announces the identity. Every step
// is fail-soft: the connection stays usable without them.
func (h *Hub) connect(c *Client) {
	c.logger.Info("connected", "user", c.identity.Username)
	if _, err := h.registry.Seed(c.ctx, c.id, c.identity.Id); err != nil {
		c.logger.Warn("could not seed rooms", "error", err)
	}
	_ = h.directory.Register(c.ctx, c.identity.Id, c.locator)

	ctx, cancel := context.WithTimeout(c.ctx, h.timeouts.Persistence)
	if err := h.store.SetOnline(ctx, c.identity.Id, true); err != nil {
		c.logger.Warn("could not mark user online", "error", err)
	}
	cancel()

	err := h.engine.Broadcast(types.EventPresenceOnline, types.PresencePayload{IdentityId: c.identity.Id, User: c.identity}, c.locator)
	if err != nil {
		c.logger.Warn("could not announce presence", "error", err)
	}
}

// disconnect runs after the read loop ended. c.ctx is already cancelled, so the cleanup runs on
// a fresh context.
func (h *Hub) disconnect(c *Client) {
	c.close()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeouts.Store+h.timeouts.Persistence)
	defer cancel()

	h.calls.Disconnect(ctx, signaling.Party{Identity: c.identity, Locator: c.locator})
	removed, err := h.directory.Deregister(ctx, c.identity.Id, c.locator)
	h.engine.Detach(c.id)

	if !removed && err == nil && h.superseded(ctx, c) {
		c.logger.Info("disconnected, superseded by a newer connection")
		return
	}
	if err := h.store.SetOnline(ctx, c.identity.Id, false); err != nil {
		c.logger.Warn("could not mark user offline", "error", err)
	}
	err = h.engine.Broadcast(types.EventPresenceOffline, types.PresencePayload{IdentityId: c.identity.Id}, types.Locator{})
	if err != nil {
		c.logger.Warn("could not announce offline", "error", err)
	}
	c.logger.Info("disconnected")
}

// superseded reports whether another connection of c's identity owns the presence record. A
// missing record (never registered during an outage, or expired) does not count.
func (h *Hub) superseded(ctx context.Context, c *Client) bool {
	loc, ok, err := h.directory.Lookup(ctx, c.identity.Id)
	if err != nil {
		return false
	}
	return ok && loc != c.locator
}

// refreshPresence extends the records of all local connections. A record that expired while
// the store was unreachable is written again.
func (h *Hub) refreshPresence() {
	for _, c := range h.snapshot() {
		ctx, cancel := context.WithTimeout(c.ctx, h.timeouts.Store)
		ok, err := h.directory.Refresh(ctx, c.identity.Id, c.locator)
		if err == nil && !ok {
			_, found, err := h.directory.Lookup(ctx, c.identity.Id)
			if err == nil && !found {
				c.logger.Info("presence record lost, registering again")
				_ = h.directory.Register(ctx, c.identity.Id, c.locator)
			}
		}
		cancel()
	}
}

// Close stops the background jobs, closes every connection and waits until their cleanup is
// done.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	<-h.cron.Stop().Done()
	for _, c := range h.snapshot() {
		c.close()
	}
	h.wg.Wait()
}
