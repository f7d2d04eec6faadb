package saml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/jonboulle/clockwork"
	xrv "github.com/mattermost/xml-roundtrip-validator"

	"github.com/federata/samlidp/internal/sp"
)

// AuthnRequestInfo is the normalized record of one inbound AuthnRequest.
// It lives for the duration of a single authentication flow.
type AuthnRequestInfo struct {
	ID           string
	Issuer       string
	Destination  string
	ACSURL       string
	IssueInstant time.Time
	NameIDFormat string
	ForceAuthn   bool
	Signed       bool
	Binding      sp.Binding
	RelayState   string
}

// ParseAuthnRequest parses raw AuthnRequest XML. The bytes are round-trip
// validated first; Go's XML decoder is lenient about constructs that
// signature wrapping attacks rely on.
func ParseAuthnRequest(raw []byte, binding sp.Binding, relayState string) (*AuthnRequestInfo, error) {
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	var req saml.AuthnRequest
	if err := xml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.ID == "" {
		return nil, fmt.Errorf("%w: missing ID", ErrMalformedRequest)
	}
	if req.Issuer == nil || req.Issuer.Value == "" {
		return nil, fmt.Errorf("%w: missing Issuer", ErrMalformedRequest)
	}

	info := &AuthnRequestInfo{
		ID:           req.ID,
		Issuer:       req.Issuer.Value,
		Destination:  req.Destination,
		ACSURL:       req.AssertionConsumerServiceURL,
		IssueInstant: req.IssueInstant,
		Signed:       hasEnvelopedSignature(raw),
		Binding:      binding,
		RelayState:   relayState,
	}
	if req.ForceAuthn != nil {
		info.ForceAuthn = *req.ForceAuthn
	}
	if req.NameIDPolicy != nil && req.NameIDPolicy.Format != nil {
		info.NameIDFormat = *req.NameIDPolicy.Format
	}
	if req.Version != "2.0" {
		return info, validationErr(ReasonBadVersion, nil)
	}
	return info, nil
}

func hasEnvelopedSignature(raw []byte) bool {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil || doc.Root() == nil {
		return false
	}
	return doc.Root().FindElement("./Signature") != nil
}

// RequestValidator enforces the protocol invariants on a parsed
// AuthnRequest before any authentication begins.
type RequestValidator struct {
	SSOURL string
	Skew   time.Duration
	Clock  clockwork.Clock
	SPs    sp.Lookuper
}

// Validate returns the registered ServiceProvider on success. raw is the
// decoded XML (for POST-binding embedded signatures), rawQuery the query
// string exactly as received (for Redirect-binding detached signatures);
// either may be empty when the flow arrived over the other binding.
func (v *RequestValidator) Validate(info *AuthnRequestInfo, raw []byte, rawQuery string) (*sp.ServiceProvider, error) {
	serviceProvider, ok := v.SPs.Lookup(info.Issuer)
	if !ok {
		return nil, validationErr(ReasonUnknownIssuer, fmt.Errorf("issuer %q", info.Issuer))
	}

	if info.Destination != v.SSOURL {
		return nil, validationErr(ReasonDestinationMismatch,
			fmt.Errorf("got %q want %q", info.Destination, v.SSOURL))
	}

	now := v.Clock.Now()
	if info.IssueInstant.Before(now.Add(-v.Skew)) || info.IssueInstant.After(now.Add(v.Skew)) {
		return nil, validationErr(ReasonStaleIssueInstant,
			fmt.Errorf("issue instant %s outside skew %s", info.IssueInstant, v.Skew))
	}

	if err := v.checkSignature(info, serviceProvider, raw, rawQuery); err != nil {
		return nil, err
	}

	if info.ACSURL != "" && info.ACSURL != serviceProvider.ACSURL {
		return nil, validationErr(ReasonACSMismatch,
			fmt.Errorf("got %q want %q", info.ACSURL, serviceProvider.ACSURL))
	}

	return serviceProvider, nil
}

// checkSignature rejects signed requests that fail verification outright,
// and unsigned requests when the SP registration mandates signing.
func (v *RequestValidator) checkSignature(info *AuthnRequestInfo, serviceProvider *sp.ServiceProvider, raw []byte, rawQuery string) error {
	switch info.Binding {
	case sp.BindingRedirect:
		if hasQuerySignature(rawQuery) {
			return VerifyRedirectSignature(rawQuery, ParamRequest, serviceProvider.Certificate)
		}
		if serviceProvider.WantSignedRequests {
			return ErrSignatureMissing
		}
	default:
		if info.Signed {
			return VerifyBytes(raw, serviceProvider.Certificate)
		}
		if serviceProvider.WantSignedRequests {
			return ErrSignatureMissing
		}
	}
	return nil
}
