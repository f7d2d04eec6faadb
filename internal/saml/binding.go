package saml

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"strings"
)

// Wire encodings for the two HTTP bindings (SAML 2.0 Bindings 3.4 and 3.5).

const (
	ParamRequest  = "SAMLRequest"
	ParamResponse = "SAMLResponse"

	SigAlgRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	SigAlgRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	SigAlgRSASHA512 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
)

// DecodeRedirect reverses the Redirect-binding encoding: base64, then raw
// DEFLATE. The inflater reads at most maxSize bytes so a crafted
// decompression bomb fails with ErrMessageTooLarge before any XML is parsed.
func DecodeRedirect(value string, maxSize int) ([]byte, error) {
	compressed, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBindingDecode, err)
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()

	out, err := io.ReadAll(io.LimitReader(fr, int64(maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrBindingDecode, err)
	}
	if len(out) > maxSize {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// EncodeRedirect compresses with raw DEFLATE (no zlib header or trailer)
// and base64-encodes, per Bindings 3.4.4.1.
func EncodeRedirect(xmlData []byte) (string, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(xmlData); err != nil {
		fw.Close()
		return "", err
	}
	if err := fw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodePost reverses the POST-binding encoding: plain base64.
func DecodePost(value string, maxSize int) ([]byte, error) {
	out, err := decodeBase64(value)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBindingDecode, err)
	}
	if len(out) > maxSize {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

func EncodePost(xmlData []byte) string {
	return base64.StdEncoding.EncodeToString(xmlData)
}

func decodeBase64(value string) ([]byte, error) {
	// some stacks emit the url-safe alphabet; accept both
	out, err := base64.StdEncoding.DecodeString(value)
	if err == nil {
		return out, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
}

// RedirectURL assembles the destination URL for the Redirect binding. When
// key is non-nil the message is signed: the signature covers the exact
// ordered byte sequence paramName=..&RelayState=..&SigAlg=.. with each value
// URL-encoded, RelayState omitted when empty (Bindings 3.4.4.1).
func RedirectURL(destination, paramName, encoded, relayState string, key *rsa.PrivateKey) (string, error) {
	query := signedQuery(paramName, encoded, relayState, SigAlgRSASHA256)

	if key != nil {
		digest := sha256.Sum256([]byte(query))
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		if err != nil {
			return "", fmt.Errorf("sign redirect query: %w", err)
		}
		query += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig))
	} else {
		// unsigned: drop the SigAlg suffix
		query = signedQuery(paramName, encoded, relayState, "")
	}

	u, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination url: %w", err)
	}
	u.RawQuery = query
	return u.String(), nil
}

// VerifyRedirectSignature checks the query signature of a signed
// Redirect-binding message against the SP certificate. rawQuery is the
// query string exactly as received: the SP signed its own percent-encoded
// octets, so the signed string is reassembled from those octets and never
// re-encoded (Bindings 3.4.4.1).
func VerifyRedirectSignature(rawQuery, paramName string, cert *x509.Certificate) error {
	params := rawQueryValues(rawQuery)
	sigEnc := params["Signature"]
	sigAlgEnc := params["SigAlg"]
	if sigEnc == "" || sigAlgEnc == "" {
		return ErrSignatureMissing
	}
	if cert == nil {
		return ErrUntrustedCertificate
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: SP key is not RSA", ErrUntrustedCertificate)
	}
	sigAlg, err := url.QueryUnescape(sigAlgEnc)
	if err != nil {
		return fmt.Errorf("%w: SigAlg: %v", ErrBindingDecode, err)
	}
	sigB64, err := url.QueryUnescape(sigEnc)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrBindingDecode, err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature base64: %v", ErrBindingDecode, err)
	}

	var b strings.Builder
	b.WriteString(paramName)
	b.WriteString("=")
	b.WriteString(params[paramName])
	if relay, present := params["RelayState"]; present {
		b.WriteString("&RelayState=")
		b.WriteString(relay)
	}
	b.WriteString("&SigAlg=")
	b.WriteString(sigAlgEnc)
	signed := b.String()

	var hash crypto.Hash
	var digest []byte
	switch sigAlg {
	case SigAlgRSASHA1:
		hash = crypto.SHA1
		d := sha1.Sum([]byte(signed))
		digest = d[:]
	case SigAlgRSASHA256:
		hash = crypto.SHA256
		d := sha256.Sum256([]byte(signed))
		digest = d[:]
	case SigAlgRSASHA512:
		hash = crypto.SHA512
		d := sha512.Sum512([]byte(signed))
		digest = d[:]
	default:
		return fmt.Errorf("%w: unsupported SigAlg %q", ErrSignatureInvalid, sigAlg)
	}
	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// rawQueryValues splits a raw query string into its still-encoded values,
// keyed by parameter name, keeping the first occurrence of each.
func rawQueryValues(rawQuery string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if _, dup := out[k]; !dup {
			out[k] = v
		}
	}
	return out
}

// hasQuerySignature reports whether a raw query carries a detached
// redirect-binding signature.
func hasQuerySignature(rawQuery string) bool {
	return rawQueryValues(rawQuery)["Signature"] != ""
}

func signedQuery(paramName, encoded, relayState, sigAlg string) string {
	var b strings.Builder
	b.WriteString(paramName)
	b.WriteString("=")
	b.WriteString(url.QueryEscape(encoded))
	if relayState != "" {
		b.WriteString("&RelayState=")
		b.WriteString(url.QueryEscape(relayState))
	}
	if sigAlg != "" {
		b.WriteString("&SigAlg=")
		b.WriteString(url.QueryEscape(sigAlg))
	}
	return b.String()
}

var postFormTpl = template.Must(template.New("post").Parse(`<!doctype html>
<html><body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
  <input type="hidden" name="{{.Param}}" value="{{.Value}}">
  {{if .Relay}}<input type="hidden" name="RelayState" value="{{.Relay}}">{{end}}
  <noscript><button type="submit">Continue</button></noscript>
</form></body></html>`))

// PostForm renders the auto-submitting HTML form for the POST binding.
// The destination must be http(s); anything else is refused so a poisoned
// ACS URL can never become a javascript: form action.
func PostForm(destination, paramName, encoded, relayState string) ([]byte, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid destination url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("destination scheme %q not allowed", u.Scheme)
	}
	var buf bytes.Buffer
	err = postFormTpl.Execute(&buf, map[string]string{
		"Action": destination,
		"Param":  paramName,
		"Value":  encoded,
		"Relay":  relayState,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
