// Package flow drives one authentication flow across its HTTP round trips:
// receive and validate the request, suspend for login, build and sign the
// response, deliver it over the SP's binding.
package flow

import (
	"fmt"
	"sync"
	"time"

	crewjam "github.com/crewjam/saml"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/authn"
	idcrypto "github.com/federata/samlidp/internal/crypto"
	"github.com/federata/samlidp/internal/saml"
	"github.com/federata/samlidp/internal/sp"
)

type State int

const (
	StateReceived State = iota
	StateValidated
	StateAuthenticating
	StateAuthenticated
	StateResponded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateResponded:
		return "responded"
	default:
		return "failed"
	}
}

// Flow is the per-flow record. Fields other than state are written once at
// creation; state transitions take the flow's lock because duplicate
// submissions of the same flow cookie can hit the server concurrently.
type Flow struct {
	ID        string
	Request   *saml.AuthnRequestInfo
	SPEntity  string
	ExpiresAt time.Time

	mu    sync.Mutex
	state State
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Delivery is the outbound artifact: a 302 target or an auto-submitting
// form, per the SP's registered binding preference.
type Delivery struct {
	Binding     sp.Binding
	RedirectURL string
	FormHTML    []byte
	RelayState  string
}

// Coordinator owns the state machine. It holds only read-only collaborators
// plus the two synchronized stores (flows, replay), so concurrent flows
// never interfere.
type Coordinator struct {
	Validator *saml.RequestValidator
	Builder   *saml.Builder
	Signer    *saml.Signer
	Keys      *idcrypto.KeyStore
	SPs       sp.Lookuper
	Store     *Store
	Replay    *ReplayCache
	Clock     clockwork.Clock
}

// Begin validates an inbound AuthnRequest and opens a flow in
// StateValidated. Validation failures never open a flow: the caller must
// render a generic error because no destination is trusted yet.
func (c *Coordinator) Begin(info *saml.AuthnRequestInfo, raw []byte, rawQuery string) (*Flow, error) {
	serviceProvider, err := c.Validator.Validate(info, raw, rawQuery)
	if err != nil {
		return nil, err
	}
	if c.Replay != nil {
		if err := c.Replay.Remember(info.ID); err != nil {
			return nil, err
		}
	}
	f := &Flow{
		ID:       uuid.NewString(),
		state:    StateValidated,
		Request:  info,
		SPEntity: serviceProvider.EntityID,
	}
	c.Store.Put(f)
	return f, nil
}

// BeginIdPInitiated opens a flow with a synthesized pseudo-request: no
// request ID, so the response carries no InResponseTo.
func (c *Coordinator) BeginIdPInitiated(spEntityID, relayState string) (*Flow, error) {
	serviceProvider, ok := c.SPs.Lookup(spEntityID)
	if !ok {
		return nil, &saml.ValidationError{Reason: saml.ReasonUnknownIssuer}
	}
	f := &Flow{
		ID:    uuid.NewString(),
		state: StateValidated,
		Request: &saml.AuthnRequestInfo{
			Issuer:     serviceProvider.EntityID,
			ACSURL:     serviceProvider.ACSURL,
			RelayState: relayState,
			Binding:    serviceProvider.ResponseBinding,
		},
		SPEntity: serviceProvider.EntityID,
	}
	c.Store.Put(f)
	return f, nil
}

// Resume looks a suspended flow back up; past the TTL it is gone and the
// attempt fails with ErrFlowExpired.
func (c *Coordinator) Resume(flowID string) (*Flow, error) {
	return c.Store.Get(flowID)
}

// MarkAuthenticating records that the flow handed the browser to the login
// page (or the upstream provider) and is suspended.
func (c *Coordinator) MarkAuthenticating(f *Flow) {
	f.setState(StateAuthenticating)
}

// RememberLogout runs LogoutRequest IDs through the same replay window as
// AuthnRequest IDs when replay detection is enabled.
func (c *Coordinator) RememberLogout(id string) error {
	if c.Replay == nil || id == "" {
		return nil
	}
	return c.Replay.Remember(id)
}

// Complete closes the flow with a signed success response for user.
func (c *Coordinator) Complete(f *Flow, user *authn.User) (*Delivery, error) {
	serviceProvider, ok := c.SPs.Lookup(f.SPEntity)
	if !ok {
		f.setState(StateFailed)
		return nil, &saml.ValidationError{Reason: saml.ReasonUnknownIssuer}
	}
	f.setState(StateAuthenticated)

	resp, err := c.Builder.BuildSuccess(f.Request, user, serviceProvider)
	if err != nil {
		f.setState(StateFailed)
		return nil, err
	}
	if err := c.Signer.SignResponse(resp, serviceProvider.Policy); err != nil {
		f.setState(StateFailed)
		return nil, fmt.Errorf("sign response: %w", err)
	}
	d, err := c.deliver(resp, serviceProvider, f.Request.RelayState)
	if err != nil {
		f.setState(StateFailed)
		return nil, err
	}
	f.setState(StateResponded)
	c.Store.Delete(f.ID)
	return d, nil
}

// Deny closes the flow with a protocol-correct SAML failure so the SP's own
// logic can react; the destination is already validated at this point.
func (c *Coordinator) Deny(f *Flow, statusCode, message string) (*Delivery, error) {
	serviceProvider, ok := c.SPs.Lookup(f.SPEntity)
	if !ok {
		f.setState(StateFailed)
		return nil, &saml.ValidationError{Reason: saml.ReasonUnknownIssuer}
	}
	f.setState(StateFailed)
	c.Store.Delete(f.ID)

	resp, err := c.Builder.BuildFailure(f.Request, serviceProvider.ACSURL, statusCode, message)
	if err != nil {
		return nil, err
	}
	if err := c.Signer.SignResponse(resp, sp.SignResponseOnly); err != nil {
		return nil, fmt.Errorf("sign failure response: %w", err)
	}
	return c.deliver(resp, serviceProvider, f.Request.RelayState)
}

func (c *Coordinator) deliver(resp *crewjam.Response, serviceProvider *sp.ServiceProvider, relayState string) (*Delivery, error) {
	raw, err := saml.MarshalResponse(resp)
	if err != nil {
		return nil, err
	}
	switch serviceProvider.ResponseBinding {
	case sp.BindingRedirect:
		encoded, err := saml.EncodeRedirect(raw)
		if err != nil {
			return nil, err
		}
		key, err := c.Keys.ActiveRSAKey()
		if err != nil {
			return nil, err
		}
		u, err := saml.RedirectURL(serviceProvider.ACSURL, saml.ParamResponse, encoded, relayState, key)
		if err != nil {
			return nil, err
		}
		return &Delivery{Binding: sp.BindingRedirect, RedirectURL: u, RelayState: relayState}, nil
	default:
		form, err := saml.PostForm(serviceProvider.ACSURL, saml.ParamResponse, saml.EncodePost(raw), relayState)
		if err != nil {
			return nil, err
		}
		return &Delivery{Binding: sp.BindingPost, FormHTML: form, RelayState: relayState}, nil
	}
}
