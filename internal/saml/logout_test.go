package saml

import (
	"fmt"
	"testing"
	"time"

	"github.com/crewjam/saml"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federata/samlidp/internal/sp"
)

const testSLOURL = "https://idp.test/slo"

func logoutRequestXML(id, issuer, destination string, instant time.Time) []byte {
	return []byte(fmt.Sprintf(
		`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol" xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion" ID=%q Version="2.0" IssueInstant=%q Destination=%q><saml:Issuer>%s</saml:Issuer><saml:NameID Format="urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress">alice@example.com</saml:NameID></samlp:LogoutRequest>`,
		id, instant.Format(time.RFC3339), destination, issuer))
}

func testLogoutValidator(clock clockwork.Clock, sps spMap) *LogoutValidator {
	return &LogoutValidator{
		SLOURL: testSLOURL,
		Skew:   time.Minute,
		Clock:  clock,
		SPs:    sps,
	}
}

func TestParseLogoutRequest(t *testing.T) {
	raw := logoutRequestXML("_lo1", "https://sp.example.com/metadata", testSLOURL, testNow)

	info, err := ParseLogoutRequest(raw, sp.BindingPost, "rs")
	require.NoError(t, err)
	assert.Equal(t, "_lo1", info.ID)
	assert.Equal(t, "https://sp.example.com/metadata", info.Issuer)
	assert.Equal(t, testSLOURL, info.Destination)
	assert.Equal(t, "alice@example.com", info.NameID)
	assert.Equal(t, "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress", info.NameIDFormat)
	assert.Equal(t, "rs", info.RelayState)
}

func TestParseLogoutRequestMalformed(t *testing.T) {
	_, err := ParseLogoutRequest([]byte(`<samlp:LogoutRequest`), sp.BindingPost, "")
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestLogoutValidate(t *testing.T) {
	serviceProvider := testSP()
	clock := clockwork.NewFakeClockAt(testNow)
	v := testLogoutValidator(clock, spMap{serviceProvider.EntityID: serviceProvider})

	raw := logoutRequestXML("_lo1", serviceProvider.EntityID, testSLOURL, testNow)
	info, err := ParseLogoutRequest(raw, sp.BindingPost, "")
	require.NoError(t, err)

	got, err := v.Validate(info, raw, "")
	require.NoError(t, err)
	assert.Same(t, serviceProvider, got)
}

func TestLogoutValidateRejects(t *testing.T) {
	serviceProvider := testSP()
	clock := clockwork.NewFakeClockAt(testNow)
	v := testLogoutValidator(clock, spMap{serviceProvider.EntityID: serviceProvider})

	t.Run("unknown issuer", func(t *testing.T) {
		raw := logoutRequestXML("_lo1", "https://rogue.example.com", testSLOURL, testNow)
		info, err := ParseLogoutRequest(raw, sp.BindingPost, "")
		require.NoError(t, err)
		_, err = v.Validate(info, raw, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonUnknownIssuer, verr.Reason)
	})

	t.Run("destination mismatch", func(t *testing.T) {
		raw := logoutRequestXML("_lo1", serviceProvider.EntityID, "https://evil.test/slo", testNow)
		info, err := ParseLogoutRequest(raw, sp.BindingPost, "")
		require.NoError(t, err)
		_, err = v.Validate(info, raw, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonDestinationMismatch, verr.Reason)
	})

	t.Run("stale issue instant", func(t *testing.T) {
		raw := logoutRequestXML("_lo1", serviceProvider.EntityID, testSLOURL, testNow.Add(-time.Hour))
		info, err := ParseLogoutRequest(raw, sp.BindingPost, "")
		require.NoError(t, err)
		_, err = v.Validate(info, raw, "")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, ReasonStaleIssueInstant, verr.Reason)
	})

	t.Run("mandated signature missing", func(t *testing.T) {
		signedSP := testSP()
		signedSP.WantSignedRequests = true
		sv := testLogoutValidator(clock, spMap{signedSP.EntityID: signedSP})
		raw := logoutRequestXML("_lo1", signedSP.EntityID, testSLOURL, testNow)
		info, err := ParseLogoutRequest(raw, sp.BindingPost, "")
		require.NoError(t, err)
		_, err = sv.Validate(info, raw, "")
		assert.ErrorIs(t, err, ErrSignatureMissing)
	})
}

func TestBuildAndSignLogoutResponse(t *testing.T) {
	ks, cert := newTestKeyStore(t)
	signer := NewSigner(ks)
	clock := clockwork.NewFakeClockAt(testNow)
	b := testBuilder(clock)

	req := &LogoutRequestInfo{ID: "_lo1", Issuer: "https://sp.example.com/metadata"}

	resp, err := b.BuildLogoutResponse(req, "https://sp.example.com/slo", true)
	require.NoError(t, err)
	assert.Equal(t, "_lo1", resp.InResponseTo)
	assert.Equal(t, "https://sp.example.com/slo", resp.Destination)
	assert.Equal(t, saml.StatusSuccess, resp.Status.StatusCode.Value)

	partial, err := b.BuildLogoutResponse(req, "https://sp.example.com/slo", false)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialLogout, partial.Status.StatusCode.Value)

	signed, err := SignLogoutResponse(signer, resp)
	require.NoError(t, err)
	assert.NoError(t, VerifyBytes(signed, cert))
}
