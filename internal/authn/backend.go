// Package authn defines the pluggable authentication backend the flow
// coordinator delegates to. The protocol core never sees raw credentials.
package authn

import (
	"context"
	"errors"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// User is the authenticated identity handed back by a backend. Attributes
// are released to SPs through each SP's attribute mapping; value order is
// preserved end to end.
type User struct {
	SubjectID  string
	Email      string
	Attributes map[string][]string
}

// Credentials is what a backend consumes to authenticate interactively.
// Password backends read Username/Password; redirect-based backends (OIDC)
// read Code.
type Credentials struct {
	Username string
	Password string
	Code     string
}

// Backend is the capability interface for authentication.
//
// IsAuthenticated resolves an existing session token to its user, or
// returns (nil, nil) when there is no live session. Authenticate verifies
// credentials and establishes a session, returning the user and the new
// session token.
type Backend interface {
	IsAuthenticated(ctx context.Context, sessionToken string) (*User, error)
	Authenticate(ctx context.Context, creds Credentials) (*User, string, error)
	Logout(ctx context.Context, sessionToken string) error
}
