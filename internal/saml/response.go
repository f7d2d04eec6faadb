package saml

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/federata/samlidp/internal/authn"
	"github.com/federata/samlidp/internal/sp"
)

const (
	nameIDFormatEntity                     = "urn:oasis:names:tc:SAML:2.0:nameid-format:entity"
	subjectConfirmationMethodBearer        = "urn:oasis:names:tc:SAML:2.0:cm:bearer"
	authnContextPasswordProtectedTransport = "urn:oasis:names:tc:SAML:2.0:ac:classes:PasswordProtectedTransport"
	attrNameFormatURI                      = "urn:oasis:names:tc:SAML:2.0:attrname-format:uri"
)

// Status codes beyond saml.StatusSuccess (SAML 2.0 Core 3.2.2.2).
const (
	StatusRequester   = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	StatusResponder   = "urn:oasis:names:tc:SAML:2.0:status:Responder"
	StatusAuthnFailed = "urn:oasis:names:tc:SAML:2.0:status:AuthnFailed"
)

// Builder constructs Response/Assertion trees. It never signs; the caller
// applies the SP's signing policy afterwards so failure envelopes and
// metadata share the same Signer.
type Builder struct {
	EntityID string
	Clock    clockwork.Clock
	Window   time.Duration
}

// BuildSuccess assembles the assertion for user answering req. Exactly one
// assertion per response; notBefore = now and notOnOrAfter = now + Window.
// For IdP-initiated flows req.ID is empty and no InResponseTo is emitted.
func (b *Builder) BuildSuccess(req *AuthnRequestInfo, user *authn.User, serviceProvider *sp.ServiceProvider) (*saml.Response, error) {
	now := b.Clock.Now().UTC()
	notOnOrAfter := now.Add(b.Window)

	assertionID, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate assertion id: %w", err)
	}
	responseID, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate response id: %w", err)
	}

	nameIDFormat, nameID, err := resolveNameID(req, user, serviceProvider)
	if err != nil {
		return nil, err
	}

	assertion := &saml.Assertion{
		ID:           assertionID,
		IssueInstant: now,
		Version:      "2.0",
		Issuer: saml.Issuer{
			Format: nameIDFormatEntity,
			Value:  b.EntityID,
		},
		Subject: &saml.Subject{
			NameID: &saml.NameID{
				Format: nameIDFormat,
				Value:  nameID,
			},
			SubjectConfirmations: []saml.SubjectConfirmation{
				{
					Method: subjectConfirmationMethodBearer,
					SubjectConfirmationData: &saml.SubjectConfirmationData{
						InResponseTo: req.ID,
						NotOnOrAfter: notOnOrAfter,
						Recipient:    serviceProvider.ACSURL,
					},
				},
			},
		},
		Conditions: &saml.Conditions{
			NotBefore:    now,
			NotOnOrAfter: notOnOrAfter,
			AudienceRestrictions: []saml.AudienceRestriction{
				{Audience: saml.Audience{Value: serviceProvider.EntityID}},
			},
		},
		AuthnStatements: []saml.AuthnStatement{
			{
				AuthnInstant: now,
				SessionIndex: uuid.NewString(),
				AuthnContext: saml.AuthnContext{
					AuthnContextClassRef: &saml.AuthnContextClassRef{
						Value: authnContextPasswordProtectedTransport,
					},
				},
			},
		},
		AttributeStatements: []saml.AttributeStatement{
			{Attributes: mapAttributes(user.Attributes, serviceProvider.AttributeMapping)},
		},
	}

	return &saml.Response{
		ID:           responseID,
		Version:      "2.0",
		IssueInstant: now,
		InResponseTo: req.ID,
		Destination:  serviceProvider.ACSURL,
		Issuer: &saml.Issuer{
			Format: nameIDFormatEntity,
			Value:  b.EntityID,
		},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: saml.StatusSuccess},
		},
		Assertion: assertion,
	}, nil
}

// BuildFailure produces the protocol-correct rejection: same envelope, no
// assertion, still correlated to the request so the SP can react.
func (b *Builder) BuildFailure(req *AuthnRequestInfo, destination, statusCode, message string) (*saml.Response, error) {
	responseID, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate response id: %w", err)
	}
	resp := &saml.Response{
		ID:           responseID,
		Version:      "2.0",
		IssueInstant: b.Clock.Now().UTC(),
		InResponseTo: req.ID,
		Destination:  destination,
		Issuer: &saml.Issuer{
			Format: nameIDFormatEntity,
			Value:  b.EntityID,
		},
		Status: saml.Status{
			StatusCode: saml.StatusCode{Value: statusCode},
		},
	}
	if message != "" {
		resp.Status.StatusMessage = &saml.StatusMessage{Value: message}
	}
	return resp, nil
}

// SignResponse applies the SP's signing policy. The assertion is signed
// before the response so the outer signature covers the inner one; each
// signature references its own element ID.
func (s *Signer) SignResponse(resp *saml.Response, policy sp.SigningPolicy) error {
	signAssertion := policy == sp.SignAssertionOnly || policy == sp.SignBoth
	signResponse := policy == sp.SignResponseOnly || policy == sp.SignBoth
	if resp.Assertion == nil {
		// failure envelope: nothing inner to sign
		signAssertion = false
		signResponse = true
	}

	if signAssertion {
		signed, err := s.SignElement(resp.Assertion.Element())
		if err != nil {
			return fmt.Errorf("sign assertion: %w", err)
		}
		sigEl, err := SignatureOf(signed)
		if err != nil {
			return fmt.Errorf("sign assertion: %w", err)
		}
		resp.Assertion.Signature = sigEl
	}

	if signResponse {
		signed, err := s.SignElement(resp.Element())
		if err != nil {
			return fmt.Errorf("sign response: %w", err)
		}
		sigEl, err := SignatureOf(signed)
		if err != nil {
			return fmt.Errorf("sign response: %w", err)
		}
		resp.Signature = sigEl
	}
	return nil
}

// MarshalResponse serializes the response document for binding transport.
func MarshalResponse(resp *saml.Response) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	doc := etree.NewDocument()
	doc.SetRoot(resp.Element())
	return doc.WriteToBytes()
}

// mapAttributes releases only attributes named in the SP mapping (SAML
// name -> user attribute name), sorted by SAML name for a deterministic
// document, values copied in their original order.
func mapAttributes(userAttrs map[string][]string, mapping map[string]string) []saml.Attribute {
	names := make([]string, 0, len(mapping))
	for samlName := range mapping {
		names = append(names, samlName)
	}
	sort.Strings(names)

	out := make([]saml.Attribute, 0, len(names))
	for _, samlName := range names {
		values, ok := userAttrs[mapping[samlName]]
		if !ok {
			continue
		}
		vs := make([]saml.AttributeValue, 0, len(values))
		for _, v := range values {
			vs = append(vs, saml.AttributeValue{Type: "xs:string", Value: v})
		}
		out = append(out, saml.Attribute{
			FriendlyName: samlName,
			Name:         samlName,
			NameFormat:   attrNameFormatURI,
			Values:       vs,
		})
	}
	return out
}

// resolveNameID honors the request's NameIDPolicy when the backend can
// supply that format, falling back to the SP's configured format.
func resolveNameID(req *AuthnRequestInfo, user *authn.User, serviceProvider *sp.ServiceProvider) (format, value string, err error) {
	format = serviceProvider.NameIDFormat
	if req.NameIDFormat != "" {
		format = req.NameIDFormat
	}
	switch format {
	case string(saml.EmailAddressNameIDFormat):
		if user.Email == "" {
			return "", "", fmt.Errorf("%w: no email for email nameid format", ErrAuthFailed)
		}
		return format, user.Email, nil
	case string(saml.TransientNameIDFormat):
		id, err := newID()
		if err != nil {
			return "", "", err
		}
		return format, id, nil
	case string(saml.PersistentNameIDFormat), string(saml.UnspecifiedNameIDFormat), "":
		return format, user.SubjectID, nil
	default:
		// unknown requested format: fall back to the registered one
		return serviceProvider.NameIDFormat, user.SubjectID, nil
	}
}

// newID returns a SAML ID with 160 bits of entropy, prefixed so it is a
// valid xs:ID.
func newID() (string, error) {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "_" + hex.EncodeToString(b[:]), nil
}
