package saml

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectEncodingRoundTrip(t *testing.T) {
	payload := []byte(`<samlp:AuthnRequest ID="_abc"/>`)
	encoded, err := EncodeRedirect(payload)
	require.NoError(t, err)

	decoded, err := DecodeRedirect(encoded, 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeRedirectAcceptsURLSafeBase64(t *testing.T) {
	payload := []byte(`<samlp:AuthnRequest ID="_urlsafe"/>` + strings.Repeat("?>~", 40))
	encoded, err := EncodeRedirect(payload)
	require.NoError(t, err)
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	decoded, err := DecodeRedirect(base64.RawURLEncoding.EncodeToString(compressed), 4096)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeRedirectRejectsBomb(t *testing.T) {
	// two megabytes of zeros deflate to a few kilobytes
	encoded, err := EncodeRedirect(make([]byte, 2<<20))
	require.NoError(t, err)

	_, err = DecodeRedirect(encoded, 64*1024)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDecodeRedirectRejectsGarbage(t *testing.T) {
	_, err := DecodeRedirect("!!not-base64!!", 1024)
	assert.ErrorIs(t, err, ErrBindingDecode)

	_, err = DecodeRedirect(base64.StdEncoding.EncodeToString([]byte("plain, not deflate")), 1024)
	assert.ErrorIs(t, err, ErrBindingDecode)
}

func TestDecodePost(t *testing.T) {
	payload := []byte(`<samlp:Response ID="_r"/>`)
	decoded, err := DecodePost(EncodePost(payload), 1024)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = DecodePost(EncodePost(make([]byte, 2048)), 1024)
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = DecodePost("%%%", 1024)
	assert.ErrorIs(t, err, ErrBindingDecode)
}

func TestRedirectURLSignedAndVerifies(t *testing.T) {
	key, cert := newTestKeyPair(t, "sp.test")
	encoded, err := EncodeRedirect([]byte(`<samlp:AuthnRequest ID="_signed"/>`))
	require.NoError(t, err)

	u, err := RedirectURL("https://sp.example.com/acs", ParamResponse, encoded, "relay 123", key)
	require.NoError(t, err)

	// parameter order is the signed order
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	rawQuery := parsed.RawQuery
	assert.Less(t, strings.Index(rawQuery, ParamResponse+"="), strings.Index(rawQuery, "RelayState="))
	assert.Less(t, strings.Index(rawQuery, "RelayState="), strings.Index(rawQuery, "SigAlg="))
	assert.Less(t, strings.Index(rawQuery, "SigAlg="), strings.Index(rawQuery, "Signature="))

	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)
	assert.Equal(t, SigAlgRSASHA256, values.Get("SigAlg"))
	require.NoError(t, VerifyRedirectSignature(rawQuery, ParamResponse, cert))

	// any tampered parameter breaks the signature
	tampered := strings.Replace(rawQuery, "relay+123", "attacker", 1)
	require.NotEqual(t, rawQuery, tampered)
	assert.ErrorIs(t, VerifyRedirectSignature(tampered, ParamResponse, cert), ErrSignatureInvalid)
}

// Verification has to cover the query octets exactly as the sender encoded
// them. A sender that writes %20 for a space instead of + is still valid.
func TestVerifyRedirectSignatureForeignEncoding(t *testing.T) {
	key, cert := newTestKeyPair(t, "sp.test")
	encoded, err := EncodeRedirect([]byte(`<samlp:AuthnRequest ID="_pct"/>`))
	require.NoError(t, err)

	rawQuery := ParamRequest + "=" + url.QueryEscape(encoded) +
		"&RelayState=hello%20world" +
		"&SigAlg=" + url.QueryEscape(SigAlgRSASHA256)
	digest := sha256.Sum256([]byte(rawQuery))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	rawQuery += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig))

	require.NoError(t, VerifyRedirectSignature(rawQuery, ParamRequest, cert))
}

func TestRedirectURLUnsigned(t *testing.T) {
	encoded, err := EncodeRedirect([]byte(`<samlp:AuthnRequest ID="_plain"/>`))
	require.NoError(t, err)

	u, err := RedirectURL("https://sp.example.com/acs", ParamRequest, encoded, "", nil)
	require.NoError(t, err)
	values, err := url.ParseQuery(strings.SplitN(u, "?", 2)[1])
	require.NoError(t, err)
	assert.Empty(t, values.Get("SigAlg"))
	assert.Empty(t, values.Get("Signature"))
	assert.NotEmpty(t, values.Get(ParamRequest))
}

func TestVerifyRedirectSignatureMissing(t *testing.T) {
	_, cert := newTestKeyPair(t, "sp.test")
	assert.ErrorIs(t, VerifyRedirectSignature(ParamRequest+"=x", ParamRequest, cert), ErrSignatureMissing)
}

func TestVerifyRedirectSignatureWrongKey(t *testing.T) {
	key, _ := newTestKeyPair(t, "sp.test")
	_, otherCert := newTestKeyPair(t, "other.test")
	encoded, err := EncodeRedirect([]byte(`<samlp:AuthnRequest ID="_x"/>`))
	require.NoError(t, err)
	u, err := RedirectURL("https://sp.example.com/acs", ParamRequest, encoded, "rs", key)
	require.NoError(t, err)
	rawQuery := strings.SplitN(u, "?", 2)[1]
	assert.ErrorIs(t, VerifyRedirectSignature(rawQuery, ParamRequest, otherCert), ErrSignatureInvalid)
}

func TestPostForm(t *testing.T) {
	form, err := PostForm("https://sp.example.com/acs", ParamResponse, "QkFTRTY0", "relay")
	require.NoError(t, err)
	assert.True(t, bytes.Contains(form, []byte(`action="https://sp.example.com/acs"`)))
	assert.True(t, bytes.Contains(form, []byte(`name="SAMLResponse" value="QkFTRTY0"`)))
	assert.True(t, bytes.Contains(form, []byte(`name="RelayState" value="relay"`)))
}

func TestPostFormRefusesNonHTTPDestination(t *testing.T) {
	_, err := PostForm("javascript:alert(1)", ParamResponse, "x", "")
	assert.Error(t, err)
}
