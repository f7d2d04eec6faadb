package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"github.com/federata/samlidp/internal/config"
)

// OIDCBackend delegates authentication to an upstream OIDC provider. The
// flow coordinator sends the browser to AuthCodeURL; the callback handler
// feeds the returned code into Authenticate.
type OIDCBackend struct {
	verifier   *gooidc.IDTokenVerifier
	oauth2     *oauth2.Config
	sessionTTL time.Duration
	clock      clockwork.Clock

	mu       sync.Mutex
	sessions map[string]oidcSession
}

type oidcSession struct {
	user    *User
	expires time.Time
}

func NewOIDCBackend(ctx context.Context, cfg config.OIDC, externalURL string, clock clockwork.Clock) (*OIDCBackend, error) {
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	scopes := []string{gooidc.ScopeOpenID}
	scopes = append(scopes, cfg.Scopes...)
	return &OIDCBackend{
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
			RedirectURL:  externalURL + cfg.RedirectPath,
		},
		sessionTTL: 8 * time.Hour,
		clock:      clock,
		sessions:   map[string]oidcSession{},
	}, nil
}

// AuthCodeURL is where the browser goes to log in upstream.
func (b *OIDCBackend) AuthCodeURL(state string) string {
	return b.oauth2.AuthCodeURL(state)
}

func (b *OIDCBackend) IsAuthenticated(_ context.Context, sessionToken string) (*User, error) {
	if sessionToken == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionToken]
	if !ok {
		return nil, nil
	}
	if b.clock.Now().After(s.expires) {
		delete(b.sessions, sessionToken)
		return nil, nil
	}
	return s.user, nil
}

func (b *OIDCBackend) Authenticate(ctx context.Context, creds Credentials) (*User, string, error) {
	if creds.Code == "" {
		return nil, "", ErrInvalidCredentials
	}
	token, err := b.oauth2.Exchange(ctx, creds.Code)
	if err != nil {
		return nil, "", fmt.Errorf("%w: exchange: %v", ErrInvalidCredentials, err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, "", fmt.Errorf("%w: no id_token in token response", ErrInvalidCredentials)
	}
	idt, err := b.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: verify id_token: %v", ErrInvalidCredentials, err)
	}

	var claims struct {
		Subject string   `json:"sub"`
		Email   string   `json:"email"`
		Name    string   `json:"name"`
		Groups  []string `json:"groups"`
	}
	if err := idt.Claims(&claims); err != nil {
		return nil, "", fmt.Errorf("%w: claims: %v", ErrInvalidCredentials, err)
	}

	user := &User{
		SubjectID: claims.Subject,
		Email:     claims.Email,
		Attributes: map[string][]string{
			"email": {claims.Email},
			"name":  {claims.Name},
		},
	}
	if len(claims.Groups) > 0 {
		user.Attributes["groups"] = claims.Groups
	}

	sessionToken, err := newOIDCToken()
	if err != nil {
		return nil, "", fmt.Errorf("mint session token: %w", err)
	}
	b.mu.Lock()
	b.sessions[sessionToken] = oidcSession{user: user, expires: b.clock.Now().Add(b.sessionTTL)}
	b.mu.Unlock()
	return user, sessionToken, nil
}

func (b *OIDCBackend) Logout(_ context.Context, sessionToken string) error {
	b.mu.Lock()
	delete(b.sessions, sessionToken)
	b.mu.Unlock()
	return nil
}

func newOIDCToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
