// Package sp holds the service-provider registry: an immutable snapshot of
// every SP this IdP will issue assertions to, swapped wholesale on reload so
// request handling never takes a lock.
package sp

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync/atomic"

	"github.com/crewjam/saml"

	"github.com/federata/samlidp/internal/config"
)

// SigningPolicy says which element(s) of an outbound Response carry an
// enveloped signature.
type SigningPolicy int

const (
	SignAssertionOnly SigningPolicy = iota
	SignResponseOnly
	SignBoth
)

type Binding string

const (
	BindingPost     Binding = "post"
	BindingRedirect Binding = "redirect"
)

// ServiceProvider is the parsed, immutable registration of one SP.
type ServiceProvider struct {
	Name               string
	EntityID           string
	ACSURL             string
	SLOURL             string
	Certificate        *x509.Certificate
	NameIDFormat       string
	AttributeMapping   map[string]string
	ResponseBinding    Binding
	WantSignedRequests bool
	Policy             SigningPolicy
}

// Lookuper is the narrow interface the protocol core depends on.
type Lookuper interface {
	Lookup(entityID string) (*ServiceProvider, bool)
}

type Registry struct {
	snapshot atomic.Value // map[string]*ServiceProvider
}

func NewRegistry(cfgs []config.SP) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(cfgs); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload parses the SP configuration into a fresh snapshot and swaps it in
// atomically. Concurrent lookups keep seeing the old snapshot until the swap.
func (r *Registry) Reload(cfgs []config.SP) error {
	m := make(map[string]*ServiceProvider, len(cfgs))
	for _, c := range cfgs {
		sp, err := parseSP(c)
		if err != nil {
			return fmt.Errorf("sp %s: %w", c.EntityID, err)
		}
		if _, dup := m[sp.EntityID]; dup {
			return fmt.Errorf("sp %s: duplicate entity_id", c.EntityID)
		}
		m[sp.EntityID] = sp
	}
	r.snapshot.Store(m)
	return nil
}

func (r *Registry) Lookup(entityID string) (*ServiceProvider, bool) {
	m := r.snapshot.Load().(map[string]*ServiceProvider)
	sp, ok := m[entityID]
	return sp, ok
}

func (r *Registry) All() []*ServiceProvider {
	m := r.snapshot.Load().(map[string]*ServiceProvider)
	out := make([]*ServiceProvider, 0, len(m))
	for _, sp := range m {
		out = append(out, sp)
	}
	return out
}

func parseSP(c config.SP) (*ServiceProvider, error) {
	sp := &ServiceProvider{
		Name:               c.Name,
		EntityID:           c.EntityID,
		ACSURL:             c.ACSURL,
		SLOURL:             c.SLOURL,
		NameIDFormat:       c.NameIDFormat,
		AttributeMapping:   c.AttributeMapping,
		WantSignedRequests: c.WantSignedRequests,
	}
	if sp.NameIDFormat == "" {
		sp.NameIDFormat = string(saml.UnspecifiedNameIDFormat)
	}
	switch c.ResponseBinding {
	case "", "post":
		sp.ResponseBinding = BindingPost
	case "redirect":
		sp.ResponseBinding = BindingRedirect
	default:
		return nil, fmt.Errorf("unknown response_binding %q", c.ResponseBinding)
	}
	if c.CertPEM != "" {
		block, _ := pem.Decode([]byte(c.CertPEM))
		if block == nil {
			return nil, fmt.Errorf("invalid cert pem")
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse cert: %w", err)
		}
		sp.Certificate = cert
	}
	sp.Policy = signingPolicy(c)
	return sp, nil
}

func signingPolicy(c config.SP) SigningPolicy {
	// default: sign both, the most interoperable choice
	signAssertion := c.SignAssertion == nil || *c.SignAssertion
	signResponse := c.SignResponse == nil || *c.SignResponse
	switch {
	case signAssertion && signResponse:
		return SignBoth
	case signResponse:
		return SignResponseOnly
	default:
		return SignAssertionOnly
	}
}
