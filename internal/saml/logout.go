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

const StatusPartialLogout = "urn:oasis:names:tc:SAML:2.0:status:PartialLogout"

// LogoutRequestInfo is the normalized record of one inbound LogoutRequest.
type LogoutRequestInfo struct {
	ID           string
	Issuer       string
	Destination  string
	IssueInstant time.Time
	NameID       string
	NameIDFormat string
	Signed       bool
	Binding      sp.Binding
	RelayState   string
}

func ParseLogoutRequest(raw []byte, binding sp.Binding, relayState string) (*LogoutRequestInfo, error) {
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	var req saml.LogoutRequest
	if err := xml.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if req.ID == "" || req.Issuer == nil || req.Issuer.Value == "" {
		return nil, fmt.Errorf("%w: missing ID or Issuer", ErrMalformedRequest)
	}
	info := &LogoutRequestInfo{
		ID:           req.ID,
		Issuer:       req.Issuer.Value,
		Destination:  req.Destination,
		IssueInstant: req.IssueInstant,
		Signed:       hasEnvelopedSignature(raw),
		Binding:      binding,
		RelayState:   relayState,
	}
	if req.NameID != nil {
		info.NameID = req.NameID.Value
		info.NameIDFormat = req.NameID.Format
	}
	return info, nil
}

// LogoutValidator mirrors RequestValidator for the SLO endpoint.
type LogoutValidator struct {
	SLOURL string
	Skew   time.Duration
	Clock  clockwork.Clock
	SPs    sp.Lookuper
}

func (v *LogoutValidator) Validate(info *LogoutRequestInfo, raw []byte, rawQuery string) (*sp.ServiceProvider, error) {
	serviceProvider, ok := v.SPs.Lookup(info.Issuer)
	if !ok {
		return nil, validationErr(ReasonUnknownIssuer, fmt.Errorf("issuer %q", info.Issuer))
	}
	if info.Destination != v.SLOURL {
		return nil, validationErr(ReasonDestinationMismatch,
			fmt.Errorf("got %q want %q", info.Destination, v.SLOURL))
	}
	now := v.Clock.Now()
	if info.IssueInstant.Before(now.Add(-v.Skew)) || info.IssueInstant.After(now.Add(v.Skew)) {
		return nil, validationErr(ReasonStaleIssueInstant, nil)
	}

	switch info.Binding {
	case sp.BindingRedirect:
		if hasQuerySignature(rawQuery) {
			if err := VerifyRedirectSignature(rawQuery, ParamRequest, serviceProvider.Certificate); err != nil {
				return nil, err
			}
		} else if serviceProvider.WantSignedRequests {
			return nil, ErrSignatureMissing
		}
	default:
		if info.Signed {
			if err := VerifyBytes(raw, serviceProvider.Certificate); err != nil {
				return nil, err
			}
		} else if serviceProvider.WantSignedRequests {
			return nil, ErrSignatureMissing
		}
	}
	return serviceProvider, nil
}

// BuildLogoutResponse answers a LogoutRequest. No assertion is involved;
// the envelope is signed whole.
func (b *Builder) BuildLogoutResponse(req *LogoutRequestInfo, destination string, success bool) (*saml.LogoutResponse, error) {
	responseID, err := newID()
	if err != nil {
		return nil, fmt.Errorf("generate logout response id: %w", err)
	}
	statusCode := saml.StatusSuccess
	if !success {
		statusCode = StatusPartialLogout
	}
	return &saml.LogoutResponse{
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
	}, nil
}

// SignLogoutResponse signs the envelope and serializes it.
func SignLogoutResponse(signer *Signer, resp *saml.LogoutResponse) ([]byte, error) {
	signed, err := signer.SignElement(resp.Element())
	if err != nil {
		return nil, fmt.Errorf("sign logout response: %w", err)
	}
	doc := etree.NewDocument()
	doc.SetRoot(signed)
	return doc.WriteToBytes()
}
