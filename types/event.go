package types

import (
	"encoding/json"
	"regexp"

	"github.com/mitchellh/mapstructure"
	"github.com/pion/webrtc/v4"
)

type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidId reports whether id can be used as an identity or room id. Ids end up in bus subjects
// and store keys, so the alphabet is restricted.
func ValidId(id string) bool {
	return idPattern.MatchString(id)
}

// Event is the closed set of inbound events. DecodeEvent is the only constructor; every value it
// returns has passed validation.
type Event interface {
	EventName() string
	validate() error
}

type MessageSend struct {
	RoomId       string      `mapstructure:"roomId"`
	Content      string      `mapstructure:"content"`
	Kind         MessageKind `mapstructure:"kind"`
	AttachmentId string      `mapstructure:"attachmentId"`
}

type TypingStart struct {
	RoomId string `mapstructure:"roomId"`
}

type TypingStop struct {
	RoomId string `mapstructure:"roomId"`
}

type RoomJoin struct {
	RoomId string `mapstructure:"roomId"`
}

type RoomLeave struct {
	RoomId string `mapstructure:"roomId"`
}

type CallOffer struct {
	TargetId string          `mapstructure:"targetId"`
	CallKind CallKind        `mapstructure:"callKind"`
	Offer    json.RawMessage `mapstructure:"-"`
}

type CallAnswer struct {
	TargetId string          `mapstructure:"targetId"`
	Answer   json.RawMessage `mapstructure:"-"`
}

type CallReject struct {
	TargetId string `mapstructure:"targetId"`
}

type CallEnd struct {
	TargetId string `mapstructure:"targetId"`
}

type CallIceCandidate struct {
	TargetId  string          `mapstructure:"targetId"`
	Candidate json.RawMessage `mapstructure:"-"`
}

func (*MessageSend) EventName() string      { return EventMessageSend }
func (*TypingStart) EventName() string      { return EventTypingStart }
func (*TypingStop) EventName() string       { return EventTypingStop }
func (*RoomJoin) EventName() string         { return EventRoomJoin }
func (*RoomLeave) EventName() string        { return EventRoomLeave }
func (*CallOffer) EventName() string        { return EventCallOffer }
func (*CallAnswer) EventName() string       { return EventCallAnswer }
func (*CallReject) EventName() string       { return EventCallReject }
func (*CallEnd) EventName() string          { return EventCallEnd }
func (*CallIceCandidate) EventName() string { return EventCallIceCandidate }

func (e *MessageSend) validate() error {
	if !ValidId(e.RoomId) {
		return Validationf("invalid roomId")
	}
	if e.Kind == "" {
		e.Kind = MessageKindText
	}
	if !e.Kind.Valid() {
		return Validationf("invalid message kind %q", e.Kind)
	}
	if len([]rune(e.Content)) > MaxContentLength {
		return Validationf("content exceeds %d characters", MaxContentLength)
	}
	if e.Content == "" && e.AttachmentId == "" {
		return Validationf("message needs content or an attachment")
	}
	return nil
}

func validateRoom(roomId string) error {
	if !ValidId(roomId) {
		return Validationf("invalid roomId")
	}
	return nil
}

func validateTarget(targetId string) error {
	if !ValidId(targetId) {
		return Validationf("invalid targetId")
	}
	return nil
}

func (e *TypingStart) validate() error { return validateRoom(e.RoomId) }
func (e *TypingStop) validate() error  { return validateRoom(e.RoomId) }
func (e *RoomJoin) validate() error    { return validateRoom(e.RoomId) }
func (e *RoomLeave) validate() error   { return validateRoom(e.RoomId) }
func (e *CallReject) validate() error  { return validateTarget(e.TargetId) }
func (e *CallEnd) validate() error     { return validateTarget(e.TargetId) }

func (e *CallOffer) validate() error {
	if err := validateTarget(e.TargetId); err != nil {
		return err
	}
	if e.CallKind == "" {
		e.CallKind = CallKindAudio
	}
	if e.CallKind != CallKindAudio && e.CallKind != CallKindVideo {
		return Validationf("invalid callKind %q", e.CallKind)
	}
	return validateDescription(e.Offer, webrtc.SDPTypeOffer)
}

func (e *CallAnswer) validate() error {
	if err := validateTarget(e.TargetId); err != nil {
		return err
	}
	return validateDescription(e.Answer, webrtc.SDPTypeAnswer)
}

func (e *CallIceCandidate) validate() error {
	if err := validateTarget(e.TargetId); err != nil {
		return err
	}
	if len(e.Candidate) == 0 || string(e.Candidate) == "null" {
		return Validationf("missing candidate")
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Candidate, &candidate); err != nil {
		return Validationf("malformed candidate: %s", err)
	}
	return nil
}

// validateDescription checks that raw is a session description of the expected type whose SDP
// parses. The raw JSON is relayed untouched.
func validateDescription(raw json.RawMessage, want webrtc.SDPType) error {
	if len(raw) == 0 || string(raw) == "null" {
		return Validationf("missing %s", want)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return Validationf("malformed %s: %s", want, err)
	}
	if desc.Type != want {
		return Validationf("expected %s, got %s", want, desc.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return Validationf("invalid sdp: %s", err)
	}
	return nil
}

// DecodeEvent validates an inbound frame and turns it into one of the Event variants. Unknown
// events and malformed payloads yield a ValidationError.
func DecodeEvent(msg *WebsocketMessage) (Event, error) {
	var event Event
	switch msg.Event {
	case EventMessageSend:
		event = &MessageSend{}
	case EventTypingStart:
		event = &TypingStart{}
	case EventTypingStop:
		event = &TypingStop{}
	case EventRoomJoin:
		event = &RoomJoin{}
	case EventRoomLeave:
		event = &RoomLeave{}
	case EventCallOffer:
		event = &CallOffer{}
	case EventCallAnswer:
		event = &CallAnswer{}
	case EventCallReject:
		event = &CallReject{}
	case EventCallEnd:
		event = &CallEnd{}
	case EventCallIceCandidate:
		event = &CallIceCandidate{}
	default:
		return nil, Validationf("unknown event %q", msg.Event)
	}

	dataMap := make(map[string]interface{})
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &dataMap); err != nil {
			return nil, Validationf("could not unmarshal %s payload: %s", msg.Event, err)
		}
	}
	if err := mapstructure.WeakDecode(dataMap, event); err != nil {
		return nil, Validationf("could not decode %s payload: %s", msg.Event, err)
	}

	var err error
	switch e := event.(type) {
	case *CallOffer:
		e.Offer, err = rawField(dataMap, "offer")
	case *CallAnswer:
		e.Answer, err = rawField(dataMap, "answer")
	case *CallIceCandidate:
		e.Candidate, err = rawField(dataMap, "candidate")
	}
	if err != nil {
		return nil, err
	}

	if err := event.validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func rawField(m map[string]interface{}, name string) (json.RawMessage, error) {
	v, ok := m[name]
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Validationf("could not encode %s: %s", name, err)
	}
	return raw, nil
}
