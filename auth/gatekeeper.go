// Package auth implements the connection gatekeeper: every websocket handshake carries a
// credential that must resolve to an existing identity before anything else happens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/globals"
	"github.com/weilancys/lbchat/types"
)

const defaultTimeout = 5 * time.Second

// Credential is what a client presents during the handshake. Provider selects an OIDC provider;
// empty means a JWT access token.
type Credential struct {
	Token    string
	Provider string
}

// CredentialFromRequest reads the credential from the "token" (and "provider") query parameters
// or from an "Authorization: Bearer" header.
func CredentialFromRequest(r *http.Request) Credential {
	q := r.URL.Query()
	cred := Credential{Token: q.Get("token"), Provider: q.Get("provider")}
	if cred.Token == "" {
		raw := r.Header.Get("Authorization")
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			cred.Token = strings.TrimSpace(raw[len("Bearer "):])
		}
	}
	return cred
}

// IdentityLookup resolves verified subjects to identities; *persistence.GormPersist implements
// it. A missing user must be reported as an error.
type IdentityLookup interface {
	GetIdentity(ctx context.Context, id string) (*types.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*types.Identity, error)
}

type Gatekeeper struct {
	jwt     *JWTVerifier
	oidc    *OIDCVerifier
	users   IdentityLookup
	timeout time.Duration
	logger  hclog.Logger
}

func NewGatekeeper(cfg config.AuthConfig, users IdentityLookup, timeout time.Duration) (*Gatekeeper, error) {
	if cfg.JWTSecret == "" && len(cfg.OIDC) == 0 {
		return nil, fmt.Errorf("neither a jwt secret nor an oidc provider is configured")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	g := &Gatekeeper{
		users:   users,
		timeout: timeout,
		logger:  globals.AppLogger.Named("auth"),
	}
	if cfg.JWTSecret != "" {
		g.jwt = NewJWTVerifier(cfg.JWTSecret, cfg.Issuer)
	}
	if len(cfg.OIDC) > 0 {
		v, err := NewOIDCVerifier(cfg.OIDC)
		if err != nil {
			return nil, err
		}
		g.oidc = v
	}
	return g, nil
}

var (
	errMissingCredential = errors.New("missing credential")
	errInvalidCredential = errors.New("invalid credential")
	errMethodDisabled    = errors.New("authentication method disabled")
	errUnknownUser       = errors.New("unknown user")
)

func authError(reason, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %w", types.ErrAuthentication, reason)
	}
	return fmt.Errorf("%w: %w: %w", types.ErrAuthentication, reason, err)
}

// Authenticate verifies cred and resolves the identity it names. Every failure is a
// types.ErrAuthentication error.
func (g *Gatekeeper) Authenticate(ctx context.Context, cred Credential) (*types.Identity, error) {
	if cred.Token == "" {
		return nil, authError(errMissingCredential, nil)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var (
		identity *types.Identity
		err      error
	)
	if cred.Provider == "" {
		if g.jwt == nil {
			return nil, authError(errMethodDisabled, errors.New("jwt"))
		}
		userId, verr := g.jwt.Verify(cred.Token)
		if verr != nil {
			return nil, authError(errInvalidCredential, verr)
		}
		identity, err = g.users.GetIdentity(ctx, userId)
	} else {
		if g.oidc == nil {
			return nil, authError(errMethodDisabled, errors.New("oidc"))
		}
		email, verr := g.oidc.Verify(ctx, cred.Provider, cred.Token)
		if verr != nil {
			return nil, authError(errInvalidCredential, verr)
		}
		identity, err = g.users.GetIdentityByEmail(ctx, email)
	}
	if err != nil {
		return nil, authError(errUnknownUser, err)
	}
	if identity == nil || !types.ValidId(identity.Id) {
		return nil, authError(errUnknownUser, fmt.Errorf("unusable identity"))
	}
	return identity, nil
}

// Reason is a short label of why err refused a handshake, for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, errMissingCredential):
		return "missing"
	case errors.Is(err, errUnknownUser):
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		return "unknown_user"
	case errors.Is(err, errMethodDisabled):
		return "disabled"
	}
	return "invalid"
}
