package saml

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	idcrypto "github.com/federata/samlidp/internal/crypto"
)

// Signer produces enveloped XML signatures (exclusive C14N, SHA-256 digest,
// RSA-SHA256) over elements carrying an ID attribute, with the active
// certificate embedded in KeyInfo.
type Signer struct {
	keys *idcrypto.KeyStore
}

func NewSigner(ks *idcrypto.KeyStore) *Signer {
	return &Signer{keys: ks}
}

func (s *Signer) signingContext() (*dsig.SigningContext, error) {
	keyPair := s.keys.Active()
	if len(keyPair.Certificate) == 0 || keyPair.PrivateKey == nil {
		return nil, errors.New("active key missing certificate or private key")
	}

	ctx := dsig.NewDefaultSigningContext(dsig.TLSCertKeyStore(keyPair))
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(dsig.RSASHA256SignatureMethod); err != nil {
		return nil, err
	}
	ctx.Hash = crypto.SHA256
	return ctx, nil
}

// SignElement signs el in place, appending the ds:Signature as the element's
// last child with a Reference to el's ID attribute.
func (s *Signer) SignElement(el *etree.Element) (*etree.Element, error) {
	if el.SelectAttrValue("ID", "") == "" {
		return nil, errors.New("element has no ID attribute to reference")
	}
	ctx, err := s.signingContext()
	if err != nil {
		return nil, err
	}
	signed, err := ctx.SignEnveloped(el)
	if err != nil {
		return nil, fmt.Errorf("sign enveloped: %w", err)
	}
	return signed, nil
}

// SignatureOf returns the ds:Signature child produced by SignElement.
func SignatureOf(signed *etree.Element) (*etree.Element, error) {
	children := signed.ChildElements()
	if len(children) == 0 {
		return nil, errors.New("no child elements found")
	}
	last := children[len(children)-1]
	if last.Tag != "Signature" {
		return nil, errors.New("last child is not a Signature")
	}
	return last, nil
}

// VerifyElement checks the enveloped signature on el against cert. The
// digest is recomputed over the canonical form declared in the signature;
// any byte changed inside the signed subtree fails verification.
func VerifyElement(el *etree.Element, cert *x509.Certificate) error {
	if cert == nil {
		return ErrUntrustedCertificate
	}
	store := &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}}
	vc := dsig.NewDefaultValidationContext(store)
	vc.IdAttribute = "ID"
	if _, err := vc.Validate(el); err != nil {
		return mapVerifyError(err)
	}
	return nil
}

// VerifyBytes parses raw XML and verifies the root element's signature.
func VerifyBytes(raw []byte, cert *x509.Certificate) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if doc.Root() == nil {
		return ErrMalformedRequest
	}
	return VerifyElement(doc.Root(), cert)
}

func mapVerifyError(err error) error {
	if errors.Is(err, dsig.ErrMissingSignature) {
		return ErrSignatureMissing
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "trust") || strings.Contains(msg, "certificate") {
		return fmt.Errorf("%w: %v", ErrUntrustedCertificate, err)
	}
	return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
}
