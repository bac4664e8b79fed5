package types

import (
	"fmt"
	"strings"
)

const (
	PushTypeMessage = "message"
	PushTypeCall    = "call"
)

// PushPayload is handed to the offline notification collaborator for recipients that have no
// live connection.
type PushPayload struct {
	Type  string            `json:"type"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

const pushPreviewLength = 100

// MessagePush builds the notification for a recipient of msg that is not connected.
func MessagePush(msg *Message) PushPayload {
	kind := strings.ToLower(string(msg.Kind))
	article := "a"
	if kind != "" && strings.ContainsRune("aeiou", rune(kind[0])) {
		article = "an"
	}
	body := fmt.Sprintf("Sent %s %s", article, kind)
	if msg.Kind == MessageKindText {
		body = msg.Content
		if r := []rune(body); len(r) > pushPreviewLength {
			body = string(r[:pushPreviewLength])
		}
	}
	return PushPayload{
		Type:  PushTypeMessage,
		Title: msg.Sender.Name(),
		Body:  body,
		Data: map[string]string{
			"conversationId": msg.RoomId,
			"messageId":      msg.Id,
		},
	}
}

// CallPush builds the notification for a callee that is not connected.
func CallPush(caller *Identity, kind CallKind) PushPayload {
	return PushPayload{
		Type:  PushTypeCall,
		Title: "Incoming Call",
		Body:  fmt.Sprintf("%s is calling...", caller.Name()),
		Data: map[string]string{
			"callerId": caller.Id,
			"callType": string(kind),
		},
	}
}
