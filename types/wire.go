package types

import "encoding/json"

// Event names as they appear in the "event" field of a WebsocketMessage.
const (
	EventMessageSend      = "message:send"
	EventMessageNew       = "message:new"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventRoomJoin         = "room:join"
	EventRoomLeave        = "room:leave"
	EventCallOffer        = "call:offer"
	EventCallIncoming     = "call:incoming"
	EventCallAnswer       = "call:answer"
	EventCallAnswered     = "call:answered"
	EventCallReject       = "call:reject"
	EventCallRejected     = "call:rejected"
	EventCallEnd          = "call:end"
	EventCallEnded        = "call:ended"
	EventCallIceCandidate = "call:ice-candidate"
	EventCallError        = "call:error"
	EventPresenceOnline   = "presence:online"
	EventPresenceOffline  = "presence:offline"
	EventError            = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWireMessage marshals payload into a complete websocket frame for event.
func NewWireMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}

// Outbound payloads.

type MessageNewPayload struct {
	Message *Message `json:"message"`
}

type TypingPayload struct {
	RoomId string    `json:"roomId"`
	UserId string    `json:"userId"`
	User   *Identity `json:"user,omitempty"`
}

type PresencePayload struct {
	IdentityId string    `json:"identityId"`
	User       *Identity `json:"user,omitempty"`
}

type CallIncomingPayload struct {
	CallerId string          `json:"callerId"`
	Caller   *Identity       `json:"caller"`
	Offer    json.RawMessage `json:"offer"`
	CallKind CallKind        `json:"callKind"`
}

type CallAnsweredPayload struct {
	UserId string          `json:"userId"`
	Answer json.RawMessage `json:"answer"`
}

// CallPartyPayload is sent with call:rejected and call:ended.
type CallPartyPayload struct {
	UserId string    `json:"userId"`
	User   *Identity `json:"user,omitempty"`
}

type CallCandidatePayload struct {
	UserId    string          `json:"userId"`
	Candidate json.RawMessage `json:"candidate"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
