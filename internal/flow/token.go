package flow

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/saml"
)

// TokenCodec mints and parses the correlation cookie: a signed JWT naming
// the flow ID, the only per-flow state the browser carries.
type TokenCodec struct {
	secret []byte
	clock  clockwork.Clock
}

type flowClaims struct {
	FlowID string `json:"fid"`
	jwt.RegisteredClaims
}

// NewTokenCodec uses secret, or a random per-process key when empty (flows
// then cannot survive a restart, which is acceptable for a login window).
func NewTokenCodec(secret string, clock clockwork.Clock) (*TokenCodec, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate flow cookie key: %w", err)
		}
	}
	return &TokenCodec{secret: key, clock: clock}, nil
}

func (c *TokenCodec) Issue(flowID string, ttl time.Duration) (string, error) {
	now := c.clock.Now()
	claims := flowClaims{
		FlowID: flowID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *TokenCodec) Parse(token string) (string, error) {
	var claims flowClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (interface{}, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", saml.ErrFlowExpired, err)
	}
	if claims.FlowID == "" {
		return "", saml.ErrFlowExpired
	}
	return claims.FlowID, nil
}
