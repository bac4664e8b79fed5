// Package presence implements the presence directory: the shared mapping from identity to the
// locator of its live connection.
package presence

import (
	"context"

	"github.com/weilancys/lbchat/types"
)

// Store is a presence backend shared by all instances. Implementations must make Register an
// atomic upsert and Deregister/Refresh atomic compare-and-act operations.
type Store interface {
	// Register stores loc for identityId, replacing whatever was there.
	Register(ctx context.Context, identityId string, loc types.Locator) error
	// Lookup returns the stored locator. ok is false if there is no record.
	Lookup(ctx context.Context, identityId string) (loc types.Locator, ok bool, err error)
	// Deregister removes the record only if it still names loc.
	Deregister(ctx context.Context, identityId string, loc types.Locator) (bool, error)
	// Refresh extends the record's lifetime only if it still names loc.
	Refresh(ctx context.Context, identityId string, loc types.Locator) (bool, error)
	Close() error
}

func recordKey(identityId string) string {
	return "presence:" + identityId
}
