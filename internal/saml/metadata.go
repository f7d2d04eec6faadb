package saml

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/crewjam/saml"
)

// BuildMetadata generates this IdP's EntityDescriptor. Every registry
// certificate is published, not just the active one, so SPs keep verifying
// across a key rotation.
func BuildMetadata(entityID, ssoURL, sloURL string, certsDER [][]byte, validUntil time.Time, cacheDuration time.Duration) *saml.EntityDescriptor {
	keyDescriptors := make([]saml.KeyDescriptor, 0, len(certsDER))
	for _, der := range certsDER {
		keyDescriptors = append(keyDescriptors, saml.KeyDescriptor{
			Use: "signing",
			KeyInfo: saml.KeyInfo{
				X509Data: saml.X509Data{
					X509Certificates: []saml.X509Certificate{{
						Data: base64.StdEncoding.EncodeToString(der),
					}},
				},
			},
		})
	}

	return &saml.EntityDescriptor{
		EntityID:      entityID,
		ValidUntil:    validUntil,
		CacheDuration: cacheDuration,
		IDPSSODescriptors: []saml.IDPSSODescriptor{
			{
				SSODescriptor: saml.SSODescriptor{
					RoleDescriptor: saml.RoleDescriptor{
						ProtocolSupportEnumeration: "urn:oasis:names:tc:SAML:2.0:protocol",
						KeyDescriptors:             keyDescriptors,
					},
					SingleLogoutServices: []saml.Endpoint{
						{Binding: saml.HTTPRedirectBinding, Location: sloURL},
						{Binding: saml.HTTPPostBinding, Location: sloURL},
					},
				},
				SingleSignOnServices: []saml.Endpoint{
					{Binding: saml.HTTPRedirectBinding, Location: ssoURL},
					{Binding: saml.HTTPPostBinding, Location: ssoURL},
				},
			},
		},
	}
}

// SignedMetadata serializes and enveloped-signs the EntityDescriptor.
func SignedMetadata(signer *Signer, descriptor *saml.EntityDescriptor) ([]byte, error) {
	raw, err := xml.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("reparse metadata: %w", err)
	}
	root := doc.Root()
	if root.SelectAttrValue("ID", "") == "" {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		root.CreateAttr("ID", id)
	}
	signed, err := signer.SignElement(root)
	if err != nil {
		return nil, fmt.Errorf("sign metadata: %w", err)
	}
	out := etree.NewDocument()
	out.SetRoot(signed)
	return out.WriteToBytes()
}
