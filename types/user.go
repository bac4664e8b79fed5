package types

// Identity is the snapshot of an authenticated user that travels with a connection and is
// embedded into outbound events (caller info, typing user, presence).
type Identity struct {
	Id          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarUrl   string `json:"avatarUrl,omitempty"`
}

// Name returns the display name, falling back to the username.
func (i *Identity) Name() string {
	if i == nil {
		return ""
	}
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}
