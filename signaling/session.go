// Package signaling runs the call state machine. A call session exists per unordered pair of
// identities; offers, answers, rejections, hang-ups and ICE candidates are relayed between the
// two connections bound to it.
package signaling

import (
	"context"
	"strings"
	"time"

	"github.com/weilancys/lbchat/types"
)

type State string

const (
	StateOffered  State = "offered"
	StateAnswered State = "answered"
)

// Session is the shared record of one call. Ended and rejected calls have no record. The caller
// and callee locators name the connections that take part; only those connections can end the
// call implicitly by disconnecting.
type Session struct {
	CallerId  string         `json:"callerId"`
	CalleeId  string         `json:"calleeId"`
	CallerLoc types.Locator  `json:"callerLoc"`
	CalleeLoc types.Locator  `json:"calleeLoc"`
	Kind      types.CallKind `json:"kind"`
	State     State          `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	Revision  uint64         `json:"-"`
}

func (s *Session) Key() string {
	return PairKey(s.CallerId, s.CalleeId)
}

// Counterpart returns the other party of the call and its bound locator.
func (s *Session) Counterpart(identityId string) (string, types.Locator) {
	if identityId == s.CallerId {
		return s.CalleeId, s.CalleeLoc
	}
	return s.CallerId, s.CallerLoc
}

func (s *Session) HasParty(identityId string) bool {
	return identityId == s.CallerId || identityId == s.CalleeId
}

// BoundTo reports whether loc is the connection identityId takes part with.
func (s *Session) BoundTo(identityId string, loc types.Locator) bool {
	switch identityId {
	case s.CallerId:
		return s.CallerLoc == loc
	case s.CalleeId:
		return s.CalleeLoc == loc
	}
	return false
}

// PairKey is the session key of the unordered pair {a, b}. Identity ids never contain a dot.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "." + b
}

func keyHasParty(key, identityId string) bool {
	parts := strings.SplitN(key, ".", 2)
	return len(parts) == 2 && (parts[0] == identityId || parts[1] == identityId)
}

// Store holds call sessions shared by all instances. Update and Delete compare the session's
// Revision with the stored one and report false if it moved on.
type Store interface {
	// Create stores a new session. It fails with types.ErrBusy if the pair already has one.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, key string) (*Session, bool, error)
	Update(ctx context.Context, s *Session) (bool, error)
	Delete(ctx context.Context, s *Session) (bool, error)
	// ListByParty returns every session identityId takes part in.
	ListByParty(ctx context.Context, identityId string) ([]*Session, error)
	Close() error
}
