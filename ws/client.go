package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/types"
)

var (
	errClosed       = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// Client is a middleman between the websocket connection and the hub. Inbound events are handled
// one at a time on the read loop, so events from one connection are processed in order.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	id       string
	identity *types.Identity
	locator  types.Locator

	// Buffered channel of outbound frames. It is never closed; done signals the end.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// ctx is cancelled on disconnect and bounds everything done on behalf of the connection.
	ctx    context.Context
	cancel context.CancelFunc

	logger hclog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, identity *types.Identity) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:      hub,
		conn:     conn,
		id:       id,
		identity: identity,
		locator:  types.Locator{InstanceId: hub.instanceId, ConnId: id},
		send:     make(chan []byte, hub.wsConfig.SendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   hub.logger.With("conn", id, "identity", identity.Id),
	}
}

func (c *Client) ConnId() string     { return c.id }
func (c *Client) IdentityId() string { return c.identity.Id }

// Send queues frame without blocking. A connection that cannot keep up is closed.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClosed
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.close()
		return errSlowConsumer
	}
}

func (c *Client) sendEvent(event string, payload interface{}) {
	frame, err := types.NewWireMessage(event, payload)
	if err != nil {
		c.logger.Error("could not marshal event", "event", event, "error", err)
		return
	}
	_ = c.Send(frame)
}

// sendError reports err to this connection only. Failures of call events are reported as
// call:error, everything else as error.
func (c *Client) sendError(event string, err error) {
	kind := types.ErrorKind(err)
	if kind == types.ErrorKindInternal {
		c.logger.Error("could not handle event", "event", event, "error", err)
	} else {
		c.logger.Debug("event refused", "event", event, "kind", kind, "error", err)
	}
	name := types.EventError
	if strings.HasPrefix(event, "call:") {
		name = types.EventCallError
	}
	c.sendEvent(name, types.ErrorPayload{Kind: kind, Message: types.PublicMessage(err), Event: event})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.conn.Close()
	})
}

// ReadLoop pumps frames from the websocket connection to the hub until the connection fails,
// the peer closes it or the idle timeout passes.
func (c *Client) ReadLoop() {
	defer c.close()
	pongWait := c.hub.wsConfig.PongWait
	c.conn.SetReadLimit(c.hub.wsConfig.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws closed unexpectedly", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		message := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			c.sendError("", types.Validationf("malformed frame"))
			continue
		}
		c.hub.dispatch(c, message)
	}
}

// WriteLoop pumps frames from the send buffer to the websocket connection and keeps it alive
// with pings.
//
// A goroutine running WriteLoop is started for each connection. The application ensures that
// there is at most one writer to a connection by executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	writeWait := c.hub.wsConfig.WriteWait
	ticker := time.NewTicker(c.hub.wsConfig.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping message, exiting write loop", "error", err)
				return
			}

		case <-c.done:
			return
		}
	}
}
