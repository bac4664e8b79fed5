package ws

import (
	"context"
	"fmt"

	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/signaling"
	"github.com/weilancys/lbchat/types"
)

// dispatch handles one inbound frame of c. Failures are reported to c only.
func (h *Hub) dispatch(c *Client, msg *types.WebsocketMessage) {
	ev, err := types.DecodeEvent(msg)
	if err != nil {
		c.sendError(msg.Event, err)
		return
	}
	c.logger.Trace("event", "event", msg.Event)

	from := signaling.Party{Identity: c.identity, Locator: c.locator}
	switch e := ev.(type) {
	case *types.MessageSend:
		err = h.sendMessage(c, e)
	case *types.TypingStart:
		err = h.typing(c, e.RoomId, types.EventTypingStart, types.TypingPayload{RoomId: e.RoomId, UserId: c.identity.Id, User: c.identity})
	case *types.TypingStop:
		err = h.typing(c, e.RoomId, types.EventTypingStop, types.TypingPayload{RoomId: e.RoomId, UserId: c.identity.Id})
	case *types.RoomJoin:
		err = h.joinRoom(c, e.RoomId)
	case *types.RoomLeave:
		h.registry.Leave(c.id, e.RoomId)
	case *types.CallOffer:
		err = h.calls.Offer(c.ctx, from, e)
	case *types.CallAnswer:
		err = h.calls.Answer(c.ctx, from, e)
	case *types.CallIceCandidate:
		err = h.calls.Candidate(c.ctx, from, e)
	case *types.CallReject:
		err = h.calls.Reject(c.ctx, from, e)
	case *types.CallEnd:
		err = h.calls.End(c.ctx, from, e.TargetId)
	default:
		err = fmt.Errorf("%w: no handler for %s", types.ErrInternal, ev.EventName())
	}
	if err != nil {
		c.sendError(msg.Event, err)
	}
}

// sendMessage commits the message and publishes it while holding the lock of its room, so the
// order of message:new on the room channel is the commit order.
func (h *Hub) sendMessage(c *Client, e *types.MessageSend) error {
	lock := h.roomLock(e.RoomId)
	lock.Lock()
	ctx, cancel := context.WithTimeout(c.ctx, h.timeouts.Persistence)
	msg, err := h.store.CreateMessage(ctx, e.RoomId, types.NewMessage{
		SenderId:     c.identity.Id,
		Content:      e.Content,
		Kind:         e.Kind,
		AttachmentId: e.AttachmentId,
	})
	cancel()
	if err != nil {
		lock.Unlock()
		if types.ErrorKind(err) == types.ErrorKindValidation {
			metrics.MessagesPersistedTotal.WithLabelValues("rejected").Inc()
		} else {
			metrics.MessagesPersistedTotal.WithLabelValues("failed").Inc()
		}
		return err
	}
	metrics.MessagesPersistedTotal.WithLabelValues("ok").Inc()
	msg.Sender = c.identity
	err = h.engine.PublishMessage(msg)
	lock.Unlock()
	if err != nil {
		// committed but not delivered; clients catch up from history
		c.logger.Error("could not publish message", "room", e.RoomId, "message", msg.Id, "error", err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.notifyOfflineMembers(msg)
	}()
	return nil
}

func (h *Hub) notifyOfflineMembers(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeouts.Persistence+h.timeouts.Store)
	defer cancel()
	members, err := h.store.ListRoomMembers(ctx, msg.RoomId)
	if err != nil {
		h.logger.Warn("could not list room members for push", "room", msg.RoomId, "error", err)
		return
	}
	recipients := make([]string, 0, len(members))
	for _, id := range members {
		if id != msg.SenderId {
			recipients = append(recipients, id)
		}
	}
	if n := h.engine.NotifyOffline(ctx, recipients, types.MessagePush(msg)); n > 0 {
		h.logger.Debug("queued offline notifications", "room", msg.RoomId, "count", n)
	}
}

func (h *Hub) typing(c *Client, roomId, event string, payload types.TypingPayload) error {
	if !h.registry.IsSubscribed(c.id, roomId) {
		return types.Validationf("not subscribed to room %s", roomId)
	}
	return h.engine.PublishTransient(roomId, event, payload, c.locator)
}

func (h *Hub) joinRoom(c *Client, roomId string) error {
	ctx, cancel := context.WithTimeout(c.ctx, h.timeouts.Persistence)
	member, err := h.store.IsMember(ctx, roomId, c.identity.Id)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: membership of %s: %s", types.ErrPersistenceUnavailable, roomId, err)
	}
	if !member {
		return types.Validationf("not a member of room %s", roomId)
	}
	_, err = h.registry.Join(c.id, roomId)
	return err
}
