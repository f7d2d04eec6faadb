package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/config"
)

// StaticBackend authenticates against accounts from the config file and
// keeps sessions in a TTL map. Suitable for small federations and tests;
// larger deployments plug in their own Backend.
type StaticBackend struct {
	users      map[string]config.User
	sessionTTL time.Duration
	clock      clockwork.Clock

	mu       sync.Mutex
	sessions map[string]staticSession
}

type staticSession struct {
	username string
	expires  time.Time
}

func NewStaticBackend(users []config.User, sessionTTL time.Duration, clock clockwork.Clock) *StaticBackend {
	m := make(map[string]config.User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	if sessionTTL <= 0 {
		sessionTTL = 8 * time.Hour
	}
	return &StaticBackend{
		users:      m,
		sessionTTL: sessionTTL,
		clock:      clock,
		sessions:   map[string]staticSession{},
	}
}

func (b *StaticBackend) IsAuthenticated(_ context.Context, sessionToken string) (*User, error) {
	if sessionToken == "" {
		return nil, nil
	}
	b.mu.Lock()
	s, ok := b.sessions[sessionToken]
	if ok && b.clock.Now().After(s.expires) {
		delete(b.sessions, sessionToken)
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	u, ok := b.users[s.username]
	if !ok {
		return nil, nil
	}
	return toUser(u), nil
}

func (b *StaticBackend) Authenticate(_ context.Context, creds Credentials) (*User, string, error) {
	u, ok := b.users[creds.Username]
	digest := sha256.Sum256([]byte(creds.Password))
	got := hex.EncodeToString(digest[:])
	// compare even for unknown users so timing does not leak existence
	want := u.PasswordSHA256
	if !ok {
		want = got + "x"
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return nil, "", ErrInvalidCredentials
	}

	token, err := newSessionToken()
	if err != nil {
		return nil, "", fmt.Errorf("mint session token: %w", err)
	}
	b.mu.Lock()
	b.sessions[token] = staticSession{username: u.Username, expires: b.clock.Now().Add(b.sessionTTL)}
	b.mu.Unlock()
	return toUser(u), token, nil
}

func (b *StaticBackend) Logout(_ context.Context, sessionToken string) error {
	b.mu.Lock()
	delete(b.sessions, sessionToken)
	b.mu.Unlock()
	return nil
}

func toUser(u config.User) *User {
	attrs := make(map[string][]string, len(u.Attributes)+1)
	for k, v := range u.Attributes {
		attrs[k] = append([]string(nil), v...)
	}
	if u.Email != "" {
		if _, ok := attrs["email"]; !ok {
			attrs["email"] = []string{u.Email}
		}
	}
	return &User{SubjectID: u.Username, Email: u.Email, Attributes: attrs}
}

func newSessionToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
