package saml

import (
	"errors"
	"fmt"
)

// Protocol error kinds. Handlers pick the outward shape from these: errors
// raised before the SP's ACS URL is trusted render a generic page, errors
// after it become a SAML failure Status delivered over the normal binding.
var (
	ErrMalformedRequest     = errors.New("malformed request")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrSignatureMissing     = errors.New("signature missing")
	ErrUntrustedCertificate = errors.New("untrusted certificate")
	ErrBindingDecode        = errors.New("binding decode error")
	ErrMessageTooLarge      = errors.New("message too large")
	ErrAuthFailed           = errors.New("authentication failed")
	ErrFlowExpired          = errors.New("flow expired")
	ErrReplayedMessage      = errors.New("replayed message")
)

// ValidationError reports why an otherwise well-formed AuthnRequest was
// rejected. Reason is stable and safe to log; it never reaches the browser.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request validation: %s: %v", e.Reason, e.Err)
	}
	return "request validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

const (
	ReasonUnknownIssuer       = "unknown issuer"
	ReasonDestinationMismatch = "destination mismatch"
	ReasonStaleIssueInstant   = "issue instant outside clock skew"
	ReasonACSMismatch         = "assertion consumer service url mismatch"
	ReasonBadVersion          = "unsupported protocol version"
)

func validationErr(reason string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Err: err}
}
