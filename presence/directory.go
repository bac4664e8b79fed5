package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/metrics"
	"github.com/weilancys/lbchat/types"
)

const defaultTimeout = 2 * time.Second

// Directory is the presence directory handed to the gatekeeper, fanout and signaling components.
// Every store call is bounded by a timeout. Failures come back wrapped in
// types.ErrStoreUnavailable, which is distinct from "no record".
type Directory struct {
	store   Store
	timeout time.Duration
	logger  hclog.Logger
}

func NewDirectory(store Store, timeout time.Duration) *Directory {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Directory{
		store:   store,
		timeout: timeout,
		logger:  globals.AppLogger.Named("presence"),
	}
}

// call runs fn with a bounded context. The result is abandoned if the deadline passes first, so
// a store that ignores its context cannot stall the caller.
func (d *Directory) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- fn(ctx)
	}()
	var err error
	select {
	case err = <-errChan:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		metrics.PresenceStoreErrorsTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s: %s", types.ErrStoreUnavailable, op, err)
	}
	return nil
}

// Register records loc as the current locator of identityId (last writer wins). Errors are
// logged here; callers treat them as degraded presence and carry on.
func (d *Directory) Register(ctx context.Context, identityId string, loc types.Locator) error {
	err := d.call(ctx, "register", func(ctx context.Context) error {
		return d.store.Register(ctx, identityId, loc)
	})
	if err != nil {
		d.logger.Warn("could not register presence", "identity", identityId, "locator", loc.String(), "error", err)
		return err
	}
	d.logger.Debug("registered", "identity", identityId, "locator", loc.String())
	return nil
}

// Lookup returns the locator of identityId. ok=false with a nil error means the identity is
// offline; a non-nil error means the directory could not answer.
func (d *Directory) Lookup(ctx context.Context, identityId string) (types.Locator, bool, error) {
	var (
		loc types.Locator
		ok  bool
	)
	err := d.call(ctx, "lookup", func(ctx context.Context) error {
		var err error
		loc, ok, err = d.store.Lookup(ctx, identityId)
		return err
	})
	if err != nil {
		d.logger.Warn("presence lookup failed", "identity", identityId, "error", err)
		return types.Locator{}, false, err
	}
	return loc, ok, nil
}

// Deregister removes the record of identityId only if it still names loc, so a late disconnect
// of a replaced connection leaves the newer registration alone.
func (d *Directory) Deregister(ctx context.Context, identityId string, loc types.Locator) (bool, error) {
	var removed bool
	err := d.call(ctx, "deregister", func(ctx context.Context) error {
		var err error
		removed, err = d.store.Deregister(ctx, identityId, loc)
		return err
	})
	if err != nil {
		d.logger.Warn("could not deregister presence", "identity", identityId, "locator", loc.String(), "error", err)
		return false, err
	}
	if !removed {
		d.logger.Debug("presence superseded, record kept", "identity", identityId, "locator", loc.String())
	}
	return removed, nil
}

// Refresh extends the grace period of identityId's record if it still names loc.
func (d *Directory) Refresh(ctx context.Context, identityId string, loc types.Locator) (bool, error) {
	var refreshed bool
	err := d.call(ctx, "refresh", func(ctx context.Context) error {
		var err error
		refreshed, err = d.store.Refresh(ctx, identityId, loc)
		return err
	})
	if err != nil {
		d.logger.Warn("could not refresh presence", "identity", identityId, "error", err)
		return false, err
	}
	return refreshed, nil
}

func (d *Directory) Close() error {
	return d.store.Close()
}
