package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/weilancys/lbchat/config"
	"github.com/weilancys/lbchat/globals"
)

const verifierCacheSize = 16

// OIDCVerifier verifies ID tokens of the configured OpenID Connect providers. Provider discovery
// happens on first use; the resulting verifiers are cached by provider name.
type OIDCVerifier struct {
	configs   map[string]config.OIDCConfig
	verifiers *lru.Cache
	mu        sync.Mutex
}

func NewOIDCVerifier(configs []config.OIDCConfig) (*OIDCVerifier, error) {
	cache, err := lru.New(verifierCacheSize)
	if err != nil {
		return nil, err
	}
	v := &OIDCVerifier{configs: make(map[string]config.OIDCConfig), verifiers: cache}
	for _, c := range configs {
		v.configs[c.Name] = c
	}
	return v, nil
}

func (v *OIDCVerifier) verifier(ctx context.Context, name string) (*oidc.IDTokenVerifier, error) {
	if cached, ok := v.verifiers.Get(name); ok {
		return cached.(*oidc.IDTokenVerifier), nil
	}
	oidcConf, ok := v.configs[name]
	if !ok {
		return nil, fmt.Errorf("unknown oidc provider %q", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.verifiers.Get(name); ok {
		return cached.(*oidc.IDTokenVerifier), nil
	}
	globals.AppLogger.Debug("discovering oidc provider", "provider", name, "url", oidcConf.ProviderUrl)
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifier := provider.Verifier(&conf)
	v.verifiers.Add(name, verifier)
	return verifier, nil
}

// Verify checks idToken against provider and returns the email claim, which identifies the
// user.
func (v *OIDCVerifier) Verify(ctx context.Context, provider, idToken string) (string, error) {
	verifier, err := v.verifier(ctx, provider)
	if err != nil {
		return "", err
	}
	verified, err := verifier.Verify(ctx, idToken)
	if err != nil {
		return "", err
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	if err := verified.Claims(&claims); err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", fmt.Errorf("id token carries no email")
	}
	return claims.Email, nil
}
