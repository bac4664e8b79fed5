// Package bus carries events between server instances. Every instance subscribes to the subjects
// of its own connections and of the rooms they are subscribed to; publishers never need to know
// which instance owns a recipient.
package bus

import "github.com/weilancys/lbchat/types"

const (
	subjectPrefix    = "lbchat."
	BroadcastSubject = subjectPrefix + "broadcast"
)

// Handler receives the payload of one published message. Handlers of one subscription are
// invoked sequentially in publish order.
type Handler func(data []byte)

type Subscription interface {
	Unsubscribe() error
}

type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

// RoomSubject is the channel on which events for roomId are published.
func RoomSubject(roomId string) string {
	return subjectPrefix + "room." + roomId
}

// ConnSubject is the channel owned by the connection at loc.
func ConnSubject(loc types.Locator) string {
	return subjectPrefix + "conn." + loc.InstanceId + "." + loc.ConnId
}
