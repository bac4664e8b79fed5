package types

import (
	"encoding/json"
	"strings"
)

// Locator addresses one live connection: the instance that owns it and the connection id local
// to that instance. Any instance can route to a locator through the bus.
type Locator struct {
	InstanceId string `json:"instanceId"`
	ConnId     string `json:"connId"`
}

func (l Locator) IsZero() bool {
	return l.InstanceId == "" && l.ConnId == ""
}

func (l Locator) String() string {
	return l.InstanceId + "/" + l.ConnId
}

// Encode is the stored representation of a locator in the presence stores.
func (l Locator) Encode() string {
	b, _ := json.Marshal(l)
	return string(b)
}

// DecodeLocator parses the stored representation written by Encode. The "instance/conn" form is
// accepted as well.
func DecodeLocator(s string) (Locator, error) {
	var l Locator
	if strings.HasPrefix(s, "{") {
		err := json.Unmarshal([]byte(s), &l)
		return l, err
	}
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return l, Validationf("malformed locator %q", s)
	}
	return Locator{InstanceId: parts[0], ConnId: parts[1]}, nil
}
